package clearing

import "errors"

var (
	// ErrIllegalState marks a release whose processes or attachments are
	// ambiguous. It is never auto-resolved; the caller gets the error and
	// nothing is mutated.
	ErrIllegalState = errors.New("illegal clearing state")

	// ErrReleaseNotFound is returned when the release document does not exist.
	ErrReleaseNotFound = errors.New("release not found")

	// ErrConcurrentModification is returned by a ReleaseRepository when the
	// release was written by someone else since it was read.
	ErrConcurrentModification = errors.New("release modified concurrently")

	// ErrSourceNotScanned is returned when a report is requested before the
	// source was uploaded and scanned.
	ErrSourceNotScanned = errors.New("source not yet uploaded or scanned")

	// ErrNoActiveProcess is returned when an operation needs an existing,
	// non-outdated process and there is none.
	ErrNoActiveProcess = errors.New("no active clearing process")

	// ErrToolNotConfigured is returned by a RemoteTool when its endpoint,
	// token or destination folder is missing. No I/O is attempted.
	ErrToolNotConfigured = errors.New("clearing tool not configured")

	// ErrRemoteFailure wraps ordinary remote failures: transport errors,
	// unexpected status codes and malformed payloads.
	ErrRemoteFailure = errors.New("clearing tool request failed")

	// ErrReportNotReady signals that a report download was attempted before
	// the remote tool finished generating it. It is an expected polling
	// outcome, not a failure.
	ErrReportNotReady = errors.New("report not ready")

	// ErrInvalidStepTransition is returned when a step is asked to move to a
	// status its current status does not allow.
	ErrInvalidStepTransition = errors.New("invalid step transition")
)
