package clearing

import (
	"time"

	domain "github.com/ahrav/clearing-armada/internal/domain/clearing"
)

type actorRequest struct {
	Email string `json:"email" validate:"required,email"`
	Group string `json:"group" validate:"required"`
}

func (a actorRequest) toDomain() domain.Actor {
	return domain.Actor{Email: a.Email, Group: a.Group}
}

// processRequest is the body of POST /releases/{releaseID}/clearing.
type processRequest struct {
	Actor       actorRequest `json:"actor" validate:"required"`
	Description string       `json:"description,omitempty" validate:"max=1024"`
}

// actorOnlyRequest is the body of the outdated and report endpoints.
type actorOnlyRequest struct {
	Actor actorRequest `json:"actor" validate:"required"`
}

type fingerprintResponse struct {
	ContentID string `json:"content_id"`
	SHA1      string `json:"sha1"`
}

type stepResponse struct {
	Name           string     `json:"name"`
	Status         string     `json:"status"`
	ToolSideID     string     `json:"tool_side_id,omitempty"`
	Result         string     `json:"result,omitempty"`
	StartedOn      time.Time  `json:"started_on"`
	FinishedOn     *time.Time `json:"finished_on,omitempty"`
	StartedBy      string     `json:"started_by,omitempty"`
	StartedByGroup string     `json:"started_by_group,omitempty"`
}

type processResponse struct {
	ID                   string              `json:"id"`
	Tool                 string              `json:"tool"`
	Status               string              `json:"status"`
	Fingerprint          fingerprintResponse `json:"fingerprint"`
	ReportAutoGeneration bool                `json:"report_auto_generation"`
	Steps                []stepResponse      `json:"steps"`
	CreatedOn            time.Time           `json:"created_on"`
	UpdatedOn            time.Time           `json:"updated_on"`
}

func toProcessResponse(p *domain.Process) processResponse {
	steps := p.Steps()
	resp := processResponse{
		ID:     p.ID().String(),
		Tool:   p.Tool().String(),
		Status: p.Status().String(),
		Fingerprint: fingerprintResponse{
			ContentID: p.Fingerprint().ContentID,
			SHA1:      p.Fingerprint().SHA1,
		},
		ReportAutoGeneration: p.ReportAutoGeneration(),
		Steps:                make([]stepResponse, 0, len(steps)),
		CreatedOn:            p.CreatedOn(),
		UpdatedOn:            p.UpdatedOn(),
	}
	for _, s := range steps {
		sr := stepResponse{
			Name:           s.Name().String(),
			Status:         s.Status().String(),
			ToolSideID:     s.ToolSideID(),
			Result:         s.Result(),
			StartedOn:      s.StartedOn(),
			StartedBy:      s.StartedBy(),
			StartedByGroup: s.StartedByGroup(),
		}
		if finished := s.FinishedOn(); !finished.IsZero() {
			sr.FinishedOn = &finished
		}
		resp.Steps = append(resp.Steps, sr)
	}
	return resp
}

type connectionResponse struct {
	Reachable bool `json:"reachable"`
}

type scanStatusResponse struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	ETA     *int   `json:"eta,omitempty"`
	Outcome int    `json:"outcome"`
}

type unpackStatusResponse struct {
	UploadID string `json:"upload_id"`
	Status   string `json:"status"`
}
