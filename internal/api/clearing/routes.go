// Package clearing exposes the clearing orchestrator over HTTP.
package clearing

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ahrav/clearing-armada/internal/api/errs"
	domain "github.com/ahrav/clearing-armada/internal/domain/clearing"
	"github.com/ahrav/clearing-armada/pkg/common/logger"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Service is the orchestrator surface the routes call.
type Service interface {
	Process(ctx context.Context, releaseID string, actor domain.Actor, description string) (*domain.Process, error)
	MarkOutdated(ctx context.Context, releaseID string, actor domain.Actor) error
	TriggerReportGeneration(ctx context.Context, releaseID string, actor domain.Actor) error
	CheckConnection(ctx context.Context) bool
	CheckScanStatus(ctx context.Context, jobID string) (domain.ScanStatus, error)
	CheckUnpackStatus(ctx context.Context, uploadID string) (domain.UnpackStatus, error)
}

// Config contains the dependencies needed by the clearing handlers.
type Config struct {
	Log     *logger.Logger
	Service Service
}

// Routes binds all the clearing endpoints.
func Routes(r chi.Router, cfg Config) {
	r.Post("/releases/{releaseID}/clearing", process(cfg))
	r.Post("/releases/{releaseID}/clearing/outdated", markOutdated(cfg))
	r.Post("/releases/{releaseID}/clearing/report", triggerReport(cfg))
	r.Get("/clearing/connection", checkConnection(cfg))
	r.Get("/clearing/jobs/{jobID}", scanStatus(cfg))
	r.Get("/clearing/uploads/{uploadID}", unpackStatus(cfg))
}

func process(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req processRequest
		if !decode(w, r, &req) {
			return
		}

		releaseID := chi.URLParam(r, "releaseID")
		p, err := cfg.Service.Process(r.Context(), releaseID, req.Actor.toDomain(), req.Description)
		if err != nil {
			fail(cfg, w, r, "process", err)
			return
		}
		writeJSON(w, http.StatusOK, toProcessResponse(p))
	}
}

func markOutdated(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req actorOnlyRequest
		if !decode(w, r, &req) {
			return
		}

		if err := cfg.Service.MarkOutdated(r.Context(), chi.URLParam(r, "releaseID"), req.Actor.toDomain()); err != nil {
			fail(cfg, w, r, "mark outdated", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func triggerReport(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req actorOnlyRequest
		if !decode(w, r, &req) {
			return
		}

		if err := cfg.Service.TriggerReportGeneration(r.Context(), chi.URLParam(r, "releaseID"), req.Actor.toDomain()); err != nil {
			fail(cfg, w, r, "trigger report generation", err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func checkConnection(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ok := cfg.Service.CheckConnection(r.Context())
		code := http.StatusOK
		if !ok {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, connectionResponse{Reachable: ok})
	}
}

func scanStatus(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")
		status, err := cfg.Service.CheckScanStatus(r.Context(), jobID)
		if err != nil {
			fail(cfg, w, r, "scan status", err)
			return
		}
		writeJSON(w, http.StatusOK, scanStatusResponse{
			JobID:   jobID,
			Status:  status.Status,
			ETA:     status.ETA,
			Outcome: int(status.Outcome()),
		})
	}
}

func unpackStatus(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uploadID := chi.URLParam(r, "uploadID")
		status, err := cfg.Service.CheckUnpackStatus(r.Context(), uploadID)
		if err != nil {
			fail(cfg, w, r, "unpack status", err)
			return
		}
		writeJSON(w, http.StatusOK, unpackStatusResponse{UploadID: uploadID, Status: string(status)})
	}
}

// decode reads and validates a JSON body, writing the error response itself
// when it returns false.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		errs.Write(w, errs.Newf(http.StatusBadRequest, "invalid request body: %v", err))
		return false
	}
	if err := errs.Check(v); err != nil {
		errs.Write(w, err)
		return false
	}
	return true
}

func fail(cfg Config, w http.ResponseWriter, r *http.Request, op string, err error) {
	e := errs.FromDomain(err)
	if e.Code >= http.StatusInternalServerError {
		cfg.Log.Error(r.Context(), "clearing request failed", "op", op, "error", err)
	} else {
		cfg.Log.Warn(r.Context(), "clearing request rejected", "op", op, "error", err)
	}
	errs.Write(w, e)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
