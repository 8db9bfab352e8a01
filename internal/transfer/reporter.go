package transfer

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/driftbyte/shardpipe/internal/bridge"
	"github.com/driftbyte/shardpipe/internal/domain"
)

// reporter builds and sends exchange reports for shard-transfer attempts.
// Delivery is strictly best-effort: a failed send is retried a bounded
// number of times inside the background task, then logged and dropped. It
// never changes the outcome of the shard it describes.
type reporter struct {
	client     *bridge.Client
	reporterID string
	clientID   string
}

func newReporter(client *bridge.Client, reporterID, clientID string) *reporter {
	return &reporter{client: client, reporterID: reporterID, clientID: clientID}
}

// prepare attaches a fresh report to a pointer for the attempt that just
// finished.
func (r *reporter) prepare(p *domain.ShardPointer, start int64, code int, message string) *domain.ExchangeReport {
	report := &domain.ExchangeReport{
		ReporterID:   r.reporterID,
		FarmerID:     p.Farmer.NodeID,
		ClientID:     r.clientID,
		DataHash:     p.Hash,
		Start:        start,
		End:          timestampMillis(),
		Code:         code,
		Message:      message,
		SendStatus:   domain.ReportAwaitingSend,
		PointerIndex: p.Index,
	}
	p.Report = report
	return report
}

// send delivers one report from a background task, retrying up to
// MaxReportRetries times. The returned flag only says whether delivery
// succeeded; callers must not let it affect shard outcomes.
func (r *reporter) send(ctx context.Context, report domain.ExchangeReport) bool {
	for attempt := 0; attempt <= MaxReportRetries; attempt++ {
		if ctx.Err() != nil {
			return false
		}
		report.SendCount = attempt + 1
		if err := r.client.SendExchangeReport(ctx, &report); err != nil {
			log.Debugf("exchange report for shard %d failed (attempt %d): %v",
				report.PointerIndex, report.SendCount, err)
			continue
		}
		return true
	}
	log.Warnf("dropping exchange report for shard %d after %d attempts",
		report.PointerIndex, MaxReportRetries+1)
	return false
}

func timestampMillis() int64 {
	return time.Now().UnixMilli()
}
