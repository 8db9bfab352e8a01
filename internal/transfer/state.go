package transfer

import (
	"os"

	"github.com/driftbyte/shardpipe/internal/domain"
	"github.com/driftbyte/shardpipe/internal/errors"
)

// ProgressFunc receives (fraction_complete, bytes_moved, total_bytes,
// opaque_handle). It is invoked at least at start (0) and end (1) of a
// transfer, and at shard-completion granularity in between. While the total
// size is still unknown the fraction reads as 0.
type ProgressFunc func(progress float64, transferredBytes, totalBytes int64, handle interface{})

// FinishedDownloadFunc receives the final status, the destination file and
// the caller's opaque handle, exactly once per download.
type FinishedDownloadFunc func(code errors.Code, destination *os.File, handle interface{})

// FinishedUploadFunc receives the final status, the published file record
// (nil unless the upload succeeded) and the caller's opaque handle, exactly
// once per upload.
type FinishedUploadFunc func(code errors.Code, meta *domain.FileMeta, handle interface{})

// transferState is the aggregate root shared by the upload and download
// pipelines: shard geometry, counters, the latched terminal status and the
// caller's callbacks. Single-writer: only the coordinating goroutine
// touches it.
type transferState struct {
	totalShards  int
	dataShards   int
	parityShards int
	shardSize    int64
	totalBytes   int64

	completedShards   int
	transferredBytes  int64
	inFlightTransfers int
	inFlightWrites    int

	errorStatus errors.Code
	handle      interface{}
	progressCb  ProgressFunc
}

// latchError records the first fatal status; later failures never overwrite
// it, and per-shard retryable codes never latch.
func (t *transferState) latchError(code errors.Code) {
	if t.errorStatus != errors.TransferOK {
		return
	}
	if code == errors.TransferOK || !code.Fatal() {
		return
	}
	t.errorStatus = code
}

func (t *transferState) fatal() bool {
	return t.errorStatus != errors.TransferOK
}

// reportProgress pushes a progress update to the caller, guarding the
// unknown-total case: until total size is known the fraction is 0.
func (t *transferState) reportProgress(bytesDelta int64) {
	t.transferredBytes += bytesDelta
	if t.progressCb == nil {
		return
	}
	var fraction float64
	if t.totalBytes > 0 {
		fraction = float64(t.transferredBytes) / float64(t.totalBytes)
		if fraction > 1 {
			fraction = 1
		}
	}
	t.progressCb(fraction, t.transferredBytes, t.totalBytes, t.handle)
}
