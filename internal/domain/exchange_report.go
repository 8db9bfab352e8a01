package domain

// Exchange report outcome codes, as consumed by the bridge's report
// ingestion endpoint.
const (
	ReportSuccess         = 1000
	ReportFailure         = 1100
	ReportShardUploaded   = "SHARD_UPLOADED"
	ReportShardDownloaded = "SHARD_DOWNLOADED"
	ReportDownloadError   = "DOWNLOAD_ERROR"
	ReportUploadError     = "TRANSFER_FAILED"
)

// ReportStatus tracks delivery of one exchange report.
type ReportStatus int

const (
	ReportNotPrepared ReportStatus = iota
	ReportAwaitingSend
	ReportSending
	ReportSent
)

// ExchangeReport - telemetry for one shard-transfer attempt. Reports are
// strictly best-effort; their delivery never changes the outcome of the
// shard transfer they describe.
type ExchangeReport struct {
	ReporterID string `json:"reporterId"`
	FarmerID   string `json:"farmerId"`
	ClientID   string `json:"clientId"`
	DataHash   string `json:"dataHash"`
	// Start and End are unix-millisecond timestamps around the exchange.
	Start   int64  `json:"exchangeStart"`
	End     int64  `json:"exchangeEnd"`
	Code    int    `json:"exchangeResultCode"`
	Message string `json:"exchangeResultMessage"`

	SendStatus   ReportStatus `json:"-"`
	SendCount    int          `json:"-"`
	PointerIndex int          `json:"-"`
}
