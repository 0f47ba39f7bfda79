package clearing

import (
	"context"
	"io"
)

// ReleaseRepository is the document store holding releases.
type ReleaseRepository interface {
	// GetRelease loads a release. It returns ErrReleaseNotFound when missing.
	GetRelease(ctx context.Context, releaseID string) (*Release, error)

	// UpdateRelease writes processes, attachments and clearing state of r if
	// the stored revision still equals r.Revision, and bumps r.Revision.
	// Otherwise it returns ErrConcurrentModification.
	UpdateRelease(ctx context.Context, r *Release) error

	// ListReleaseIDsByClearingState returns up to limit release ids whose
	// clearing state is one of states.
	ListReleaseIDsByClearingState(ctx context.Context, states []ClearingState, limit int) ([]string, error)

	// ListReleaseIDsByProcessStatus returns up to limit release ids holding
	// a process of tool whose status is one of statuses.
	ListReleaseIDsByProcessStatus(ctx context.Context, tool Tool, statuses []ProcessStatus, limit int) ([]string, error)
}

// StoredContent describes content written to an AttachmentContentStore.
type StoredContent struct {
	ContentID string
	SHA1      string
	Size      int64
}

// AttachmentContentStore holds attachment binaries.
type AttachmentContentStore interface {
	// OpenContent streams the content of an attachment. Callers must close it.
	OpenContent(ctx context.Context, contentID string) (io.ReadCloser, error)

	// StoreContent writes a new object and returns its id and sha1.
	StoreContent(ctx context.Context, filename, contentType string, body io.Reader) (StoredContent, error)
}
