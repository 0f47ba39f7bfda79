package clearing

import (
	"context"
	"io"
)

// ScanOutcome is the coarse result of a scan status poll.
type ScanOutcome int

const (
	ScanFailed    ScanOutcome = -1
	ScanRunning   ScanOutcome = 0
	ScanSucceeded ScanOutcome = 1
)

// ScanStatus is the remote view of a scan job.
type ScanStatus struct {
	// Status is the raw textual status reported by the tool.
	Status string
	// ETA is the estimated remaining time in seconds, when reported.
	ETA *int
}

// Outcome maps the textual status: "Completed" succeeds, "Queued" and
// "Processing" are still running, anything else is a failure.
func (s ScanStatus) Outcome() ScanOutcome {
	switch s.Status {
	case "Completed":
		return ScanSucceeded
	case "Queued", "Processing":
		return ScanRunning
	default:
		return ScanFailed
	}
}

// UnpackStatus is the remote view of an upload's unpack job.
type UnpackStatus string

const (
	UnpackCompleted  UnpackStatus = "completed"
	UnpackProcessing UnpackStatus = "processing"
	UnpackFailed     UnpackStatus = "failed"
)

// Report is a downloaded clearing report. Callers must close Body.
type Report struct {
	Filename    string
	ContentType string
	Body        io.ReadCloser
}

// RemoteTool is the contract of an external clearing tool. Ordinary remote
// failures wrap ErrRemoteFailure, missing configuration is
// ErrToolNotConfigured, and a pending report is ErrReportNotReady.
type RemoteTool interface {
	// CheckConnection verifies the tool is reachable and speaks a supported
	// API version.
	CheckConnection(ctx context.Context) (bool, error)

	// FindUpload searches for an upload of content with sha1 and filename in
	// the configured folder, newest first.
	FindUpload(ctx context.Context, sha1, filename string) (uploadID string, found bool, err error)

	// UploadAndScan uploads content and schedules an automatic scan.
	UploadAndScan(ctx context.Context, filename string, content io.Reader, description string) (uploadID string, err error)

	// LatestJobID resolves the scan job started for an upload.
	LatestJobID(ctx context.Context, uploadID string) (jobID string, err error)

	// StartScan schedules a scan of an existing upload.
	StartScan(ctx context.Context, uploadID string) (jobID string, err error)

	// ScanStatus polls a scan job.
	ScanStatus(ctx context.Context, jobID string) (ScanStatus, error)

	// StartReport requests report generation for an upload.
	StartReport(ctx context.Context, uploadID string) (reportID string, err error)

	// DownloadReport fetches a generated report.
	DownloadReport(ctx context.Context, reportID string) (*Report, error)

	// UnpackStatus polls the unpack job of an upload.
	UnpackStatus(ctx context.Context, uploadID string) (UnpackStatus, error)
}
