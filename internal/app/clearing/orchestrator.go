// Package clearing drives releases through an external clearing tool. The
// Orchestrator advances a release's process by one step boundary per call,
// persists the result against the freshly read release, and announces the
// change as a domain event.
package clearing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/ahrav/clearing-armada/internal/domain/clearing"
	"github.com/ahrav/clearing-armada/internal/domain/events"
	"github.com/ahrav/clearing-armada/pkg/common/logger"
)

// Config holds the orchestrator settings.
type Config struct {
	// DisableReportDownload stops new processes from requesting a report
	// after a successful scan. Re-enabling it is honored on later calls.
	DisableReportDownload bool
}

// Orchestrator is the entry point for clearing a release with the external
// tool. It holds no per-release state; everything lives on the Process.
type Orchestrator struct {
	tool domain.Tool
	cfg  Config

	releases  domain.ReleaseRepository
	contents  domain.AttachmentContentStore
	remote    domain.RemoteTool
	publisher events.DomainEventPublisher

	now func() time.Time

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics OrchestratorMetrics
}

// NewOrchestrator wires an orchestrator for the FOSSology tool.
func NewOrchestrator(
	cfg Config,
	releases domain.ReleaseRepository,
	contents domain.AttachmentContentStore,
	remote domain.RemoteTool,
	publisher events.DomainEventPublisher,
	logger *logger.Logger,
	tracer trace.Tracer,
	metrics OrchestratorMetrics,
) *Orchestrator {
	return &Orchestrator{
		tool:      domain.ToolFossology,
		cfg:       cfg,
		releases:  releases,
		contents:  contents,
		remote:    remote,
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.With("component", "clearing_orchestrator", "tool", domain.ToolFossology),
		tracer:    tracer,
		metrics:   metrics,
	}
}

// Process advances the release's clearing process and returns it. Guard
// violations wrap domain.ErrIllegalState and leave the release untouched.
// Remote failures are recorded on the step and persisted, so they do not
// surface as an error here.
func (o *Orchestrator) Process(
	ctx context.Context,
	releaseID string,
	actor domain.Actor,
	description string,
) (*domain.Process, error) {
	logger := o.logger.With("operation", "process", "release_id", releaseID)
	ctx, span := o.tracer.Start(ctx, "clearing_orchestrator.process",
		trace.WithAttributes(attribute.String("release_id", releaseID)))
	defer span.End()

	start := o.now()
	p, err := o.process(ctx, logger, releaseID, actor, description)
	o.metrics.ObserveProcessDuration(ctx, time.Since(start))
	if err != nil {
		o.metrics.IncProcessCalls(ctx, outcomeOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "process failed")
		return nil, err
	}
	o.metrics.IncProcessCalls(ctx, outcomeOK)
	span.SetAttributes(
		attribute.String("process_id", p.ID().String()),
		attribute.String("process_status", p.Status().String()),
		attribute.String("furthest_step", p.FurthestStep().Name().String()),
	)
	return p, nil
}

func (o *Orchestrator) process(
	ctx context.Context,
	logger *logger.Logger,
	releaseID string,
	actor domain.Actor,
	description string,
) (*domain.Process, error) {
	release, err := o.releases.GetRelease(ctx, releaseID)
	if err != nil {
		return nil, fmt.Errorf("loading release %s: %w", releaseID, err)
	}

	active, err := release.ActiveProcess(o.tool)
	if err != nil {
		return nil, o.illegalState(ctx, logger, "multiple_processes", err)
	}
	source, err := release.SourceAttachment()
	if err != nil {
		return nil, o.illegalState(ctx, logger, "source_attachment_count", err)
	}
	if active != nil && active.Fingerprint() != source.Fingerprint() {
		err := fmt.Errorf("%w: process %s was started for %s/%s but the source is %s/%s",
			domain.ErrIllegalState, active.ID(),
			active.Fingerprint().ContentID, active.Fingerprint().SHA1,
			source.ContentID, source.SHA1)
		return nil, o.illegalState(ctx, logger.With("process_id", active.ID()), "fingerprint_mismatch", err)
	}

	now := o.now()
	reportAuto := !o.cfg.DisableReportDownload

	var p *domain.Process
	created := active == nil
	if created {
		p = domain.NewProcess(o.tool, source.Fingerprint(), reportAuto, actor, now)
		logger.Info(ctx, "created clearing process", "process_id", p.ID())
	} else {
		p = active.Clone()
		if reportAuto && !p.ReportAutoGeneration() {
			p.SetReportAutoGeneration(true)
		}
	}
	logger = logger.With("process_id", p.ID())

	run := &stepRun{
		release:     release,
		source:      source,
		process:     p,
		actor:       actor,
		description: description,
		now:         now,
		logger:      logger,
	}
	if err := o.dispatch(ctx, run, p.FurthestStep(), 0); err != nil {
		return nil, err
	}
	p.Sync(now)

	derived := domain.DeriveForProcess(release.ClearingState, p)
	changed := created || !p.SameState(active) || len(run.attachments) > 0 || derived != release.ClearingState
	if !changed {
		logger.Debug(ctx, "clearing process unchanged", "step", p.FurthestStep().Name(), "step_status", p.FurthestStep().Status())
		return p, nil
	}

	state, err := o.persist(ctx, releaseID, p, run.attachments)
	if err != nil {
		return nil, err
	}
	logger.Info(ctx, "clearing process advanced",
		"process_status", p.Status(),
		"step", p.FurthestStep().Name(),
		"step_status", p.FurthestStep().Status(),
		"clearing_state", state,
	)

	o.publish(ctx, logger, domain.NewProcessAdvancedEvent(releaseID, p, state, o.now()), releaseID)
	return p, nil
}

// MarkOutdated flags the release's active process as superseded, resetting
// the clearing state unless it was approved.
func (o *Orchestrator) MarkOutdated(ctx context.Context, releaseID string, actor domain.Actor) error {
	logger := o.logger.With("operation", "mark_outdated", "release_id", releaseID)
	ctx, span := o.tracer.Start(ctx, "clearing_orchestrator.mark_outdated",
		trace.WithAttributes(attribute.String("release_id", releaseID)))
	defer span.End()

	err := func() error {
		release, err := o.releases.GetRelease(ctx, releaseID)
		if err != nil {
			return fmt.Errorf("loading release %s: %w", releaseID, err)
		}
		active, err := release.ActiveProcess(o.tool)
		if err != nil {
			return o.illegalState(ctx, logger, "multiple_processes", err)
		}
		if active == nil {
			return fmt.Errorf("release %s: %w", releaseID, domain.ErrNoActiveProcess)
		}

		p := active.Clone()
		p.MarkOutdated(o.now())
		state, err := o.persist(ctx, releaseID, p, nil)
		if err != nil {
			return err
		}
		logger.Info(ctx, "clearing process marked outdated", "process_id", p.ID(), "clearing_state", state)

		o.publish(ctx, logger, domain.NewProcessOutdatedEvent(releaseID, p, actor, o.now()), releaseID)
		return nil
	}()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "mark outdated failed")
	}
	return err
}

// TriggerReportGeneration asks for a fresh report. A finished report step is
// reopened; a successful scan without a report gets a report step appended.
// Anything earlier fails with domain.ErrSourceNotScanned. The report request
// is issued immediately by a follow-up Process call.
func (o *Orchestrator) TriggerReportGeneration(ctx context.Context, releaseID string, actor domain.Actor) error {
	logger := o.logger.With("operation", "trigger_report_generation", "release_id", releaseID)
	ctx, span := o.tracer.Start(ctx, "clearing_orchestrator.trigger_report_generation",
		trace.WithAttributes(attribute.String("release_id", releaseID)))
	defer span.End()

	if err := o.prepareReport(ctx, logger, releaseID, actor); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "trigger report generation failed")
		return err
	}

	if _, err := o.Process(ctx, releaseID, actor, ""); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "report request failed")
		return err
	}
	return nil
}

func (o *Orchestrator) prepareReport(
	ctx context.Context,
	logger *logger.Logger,
	releaseID string,
	actor domain.Actor,
) error {
	release, err := o.releases.GetRelease(ctx, releaseID)
	if err != nil {
		return fmt.Errorf("loading release %s: %w", releaseID, err)
	}
	active, err := release.ActiveProcess(o.tool)
	if err != nil {
		return o.illegalState(ctx, logger, "multiple_processes", err)
	}
	if active == nil {
		return fmt.Errorf("release %s: %w", releaseID, domain.ErrSourceNotScanned)
	}

	p := active.Clone()
	now := o.now()
	furthest := p.FurthestStep()

	switch furthest.Name() {
	case domain.StepReport:
		switch furthest.Status() {
		case domain.StepStatusDone:
			if err := furthest.Reopen(actor, now); err != nil {
				return err
			}
		case domain.StepStatusInWork:
			if err := furthest.RecordFailure("report re-generation requested by " + actor.Email); err != nil {
				return err
			}
		case domain.StepStatusNew:
			// Already waiting for a report request.
		}
		if err := p.MarkInWork(now); err != nil {
			return err
		}
	case domain.StepScan:
		if furthest.Status() != domain.StepStatusDone || !scanSucceeded(furthest) {
			return fmt.Errorf("release %s: %w", releaseID, domain.ErrSourceNotScanned)
		}
		if _, err := p.AppendStep(domain.StepReport, actor, now); err != nil {
			return err
		}
	case domain.StepUpload:
		return fmt.Errorf("release %s: %w", releaseID, domain.ErrSourceNotScanned)
	default:
		return fmt.Errorf("%w: unknown step %q", domain.ErrIllegalState, furthest.Name())
	}

	if _, err := o.persist(ctx, releaseID, p, nil); err != nil {
		return err
	}
	logger.Info(ctx, "report generation requested", "process_id", p.ID(), "actor", actor.Email)
	return nil
}

// CheckConnection reports whether the remote tool is reachable.
func (o *Orchestrator) CheckConnection(ctx context.Context) bool {
	ok, err := o.remote.CheckConnection(ctx)
	if err != nil {
		o.logger.Warn(ctx, "clearing tool connection check failed", "error", err)
		return false
	}
	return ok
}

// CheckScanStatus polls a scan job directly.
func (o *Orchestrator) CheckScanStatus(ctx context.Context, jobID string) (domain.ScanStatus, error) {
	return o.remote.ScanStatus(ctx, jobID)
}

// CheckUnpackStatus polls an upload's unpack job directly.
func (o *Orchestrator) CheckUnpackStatus(ctx context.Context, uploadID string) (domain.UnpackStatus, error) {
	return o.remote.UnpackStatus(ctx, uploadID)
}

// persist re-reads the release, swaps in p, merges new attachments and the
// re-derived clearing state, and writes against the fresh revision.
func (o *Orchestrator) persist(
	ctx context.Context,
	releaseID string,
	p *domain.Process,
	attachments []domain.Attachment,
) (domain.ClearingState, error) {
	ctx, span := o.tracer.Start(ctx, "clearing_orchestrator.persist")
	defer span.End()

	fresh, err := o.releases.GetRelease(ctx, releaseID)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("re-reading release %s: %w", releaseID, err)
	}

	// An outdated process stays outdated; the caller's copy is stale.
	if stored, ok := fresh.ProcessByID(p.ID()); ok && stored.IsOutdated() && !p.IsOutdated() {
		o.metrics.IncConcurrentModification(ctx)
		err := fmt.Errorf("%w: process %s was marked outdated", domain.ErrConcurrentModification, p.ID())
		span.RecordError(err)
		span.SetStatus(codes.Error, "process outdated concurrently")
		return "", err
	}

	fresh.PutProcess(p)
	for _, a := range attachments {
		fresh.AddAttachment(a)
	}
	fresh.ClearingState = domain.DeriveForProcess(fresh.ClearingState, p)

	if err := o.releases.UpdateRelease(ctx, fresh); err != nil {
		if errors.Is(err, domain.ErrConcurrentModification) {
			o.metrics.IncConcurrentModification(ctx)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "update release failed")
		return "", fmt.Errorf("writing release %s: %w", releaseID, err)
	}
	span.SetAttributes(attribute.Int64("revision", fresh.Revision))
	return fresh.ClearingState, nil
}

// publish announces a persisted change. The change is already durable, so
// a failed publish is logged and counted rather than returned.
func (o *Orchestrator) publish(ctx context.Context, logger *logger.Logger, evt events.DomainEvent, releaseID string) {
	if err := o.publisher.PublishDomainEvent(ctx, evt, events.WithKey(releaseID)); err != nil {
		o.metrics.IncEventPublishFailures(ctx, evt.EventType())
		logger.Error(ctx, "failed to publish clearing event", "event_type", evt.EventType(), "error", err)
	}
}

func (o *Orchestrator) illegalState(ctx context.Context, logger *logger.Logger, reason string, err error) error {
	o.metrics.IncIllegalState(ctx, reason)
	logger.Warn(ctx, "illegal clearing state", "reason", reason, "error", err)
	return err
}

const (
	outcomeOK            = "ok"
	outcomeIllegalState  = "illegal_state"
	outcomeNotConfigured = "not_configured"
	outcomeConflict      = "conflict"
	outcomeNotFound      = "not_found"
	outcomeError         = "error"
)

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, domain.ErrIllegalState):
		return outcomeIllegalState
	case errors.Is(err, domain.ErrToolNotConfigured):
		return outcomeNotConfigured
	case errors.Is(err, domain.ErrConcurrentModification):
		return outcomeConflict
	case errors.Is(err, domain.ErrReleaseNotFound):
		return outcomeNotFound
	default:
		return outcomeError
	}
}
