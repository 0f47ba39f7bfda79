package clearing

import (
	"fmt"
	"time"

	"github.com/ahrav/clearing-armada/pkg/common/uuid"
)

// AttachmentType classifies a release attachment.
type AttachmentType string

const (
	AttachmentTypeSource         AttachmentType = "SOURCE"
	AttachmentTypeClearingReport AttachmentType = "CLEARING_REPORT"
	AttachmentTypeOther          AttachmentType = "OTHER"
)

// ParseAttachmentType converts a stored value into an AttachmentType.
func ParseAttachmentType(s string) (AttachmentType, error) {
	switch AttachmentType(s) {
	case AttachmentTypeSource, AttachmentTypeClearingReport, AttachmentTypeOther:
		return AttachmentType(s), nil
	default:
		return "", fmt.Errorf("unknown attachment type %q", s)
	}
}

// Attachment references binary content held by an AttachmentContentStore.
type Attachment struct {
	ContentID string
	Filename  string
	Type      AttachmentType
	SHA1      string
	CreatedBy string
	CreatedOn time.Time
}

// Fingerprint returns the identity of the attachment content.
func (a Attachment) Fingerprint() Fingerprint {
	return Fingerprint{ContentID: a.ContentID, SHA1: a.SHA1}
}

// Release is the external aggregate the clearing processes hang off. The
// orchestrator only touches its processes, attachments and clearing state.
type Release struct {
	ID            string
	Name          string
	Version       string
	Revision      int64
	ClearingState ClearingState
	Attachments   []Attachment
	Processes     []*Process
}

// SourceAttachments returns the attachments of type SOURCE.
func (r *Release) SourceAttachments() []Attachment {
	var out []Attachment
	for _, a := range r.Attachments {
		if a.Type == AttachmentTypeSource {
			out = append(out, a)
		}
	}
	return out
}

// ActiveProcesses returns the non-outdated processes for tool.
func (r *Release) ActiveProcesses(tool Tool) []*Process {
	var out []*Process
	for _, p := range r.Processes {
		if p.Tool() == tool && !p.IsOutdated() {
			out = append(out, p)
		}
	}
	return out
}

// ActiveProcess returns the single non-outdated process for tool. More than
// one is an illegal state.
func (r *Release) ActiveProcess(tool Tool) (*Process, error) {
	active := r.ActiveProcesses(tool)
	switch len(active) {
	case 0:
		return nil, nil
	case 1:
		return active[0], nil
	default:
		return nil, fmt.Errorf("%w: release %s has %d active %s processes", ErrIllegalState, r.ID, len(active), tool)
	}
}

// SourceAttachment returns the single source attachment. Zero or several are
// an illegal state.
func (r *Release) SourceAttachment() (Attachment, error) {
	sources := r.SourceAttachments()
	if len(sources) != 1 {
		return Attachment{}, fmt.Errorf("%w: release %s has %d source attachments", ErrIllegalState, r.ID, len(sources))
	}
	return sources[0], nil
}

// ProcessByID returns the process with id.
func (r *Release) ProcessByID(id uuid.UUID) (*Process, bool) {
	for _, p := range r.Processes {
		if p.ID() == id {
			return p, true
		}
	}
	return nil, false
}

// PutProcess replaces the process with the same id, or appends it.
func (r *Release) PutProcess(p *Process) {
	for i, existing := range r.Processes {
		if existing.ID() == p.ID() {
			r.Processes[i] = p
			return
		}
	}
	r.Processes = append(r.Processes, p)
}

// HasAttachment reports whether an attachment with contentID exists.
func (r *Release) HasAttachment(contentID string) bool {
	for _, a := range r.Attachments {
		if a.ContentID == contentID {
			return true
		}
	}
	return false
}

// AddAttachment appends a unless an attachment with the same content id is
// already present. Existing attachments are never overwritten.
func (r *Release) AddAttachment(a Attachment) bool {
	if r.HasAttachment(a.ContentID) {
		return false
	}
	r.Attachments = append(r.Attachments, a)
	return true
}

// Clone returns a deep copy of the release.
func (r *Release) Clone() *Release {
	c := *r
	c.Attachments = append([]Attachment(nil), r.Attachments...)
	c.Processes = make([]*Process, len(r.Processes))
	for i, p := range r.Processes {
		c.Processes[i] = p.Clone()
	}
	return &c
}
