package clearing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/ahrav/clearing-armada/internal/domain/clearing"
	"github.com/ahrav/clearing-armada/pkg/common/logger"
)

// maxCascade bounds how many extra steps one call may run after the
// furthest step completes.
const maxCascade = 1

// scanFailedResult is recorded on a scan step the tool reported as failed.
const scanFailedResult = "-1"

const reportContentType = "application/octet-stream"

// stepRun is the request-scoped state of one Process call.
type stepRun struct {
	release     *domain.Release
	source      domain.Attachment
	process     *domain.Process
	actor       domain.Actor
	description string
	now         time.Time

	// attachments created during the run, merged on persist.
	attachments []domain.Attachment

	logger *logger.Logger
}

func (o *Orchestrator) dispatch(ctx context.Context, run *stepRun, step *domain.Step, depth int) error {
	ctx, span := o.tracer.Start(ctx, "clearing_orchestrator.step",
		trace.WithAttributes(
			attribute.String("step", step.Name().String()),
			attribute.String("step_status", step.Status().String()),
			attribute.Int("cascade_depth", depth),
		))
	defer span.End()

	before := step.Status()
	var err error
	switch step.Name() {
	case domain.StepUpload:
		err = o.handleUpload(ctx, run, step, depth)
	case domain.StepScan:
		err = o.handleScan(ctx, run, step, depth)
	case domain.StepReport:
		err = o.handleReport(ctx, run, step)
	default:
		err = fmt.Errorf("%w: unknown step %q", domain.ErrIllegalState, step.Name())
	}
	if err != nil {
		span.RecordError(err)
		return err
	}
	if step.Status() != before {
		o.metrics.IncStepTransition(ctx, step.Name(), step.Status())
	}
	return nil
}

// cascade appends next to the process and runs it within the same call.
func (o *Orchestrator) cascade(ctx context.Context, run *stepRun, next domain.StepName, depth int) error {
	step, err := run.process.AppendStep(next, run.actor, run.now)
	if err != nil {
		return err
	}
	if depth >= maxCascade {
		return nil
	}
	return o.dispatch(ctx, run, step, depth+1)
}

// stepFailed records a remote failure on step so the next call retries it.
// Configuration errors and cancellation abort the call instead.
func (o *Orchestrator) stepFailed(ctx context.Context, run *stepRun, step *domain.Step, op string, err error) error {
	if errors.Is(err, domain.ErrToolNotConfigured) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	o.metrics.IncRemoteFailure(ctx, op)
	run.logger.Warn(ctx, "clearing step failed, will retry", "step", step.Name(), "op", op, "error", err)
	return step.RecordFailure(fmt.Sprintf("%s failed: %v", op, err))
}

func (o *Orchestrator) handleUpload(ctx context.Context, run *stepRun, step *domain.Step, depth int) error {
	switch step.Status() {
	case domain.StepStatusNew:
		return o.upload(ctx, run, step)
	case domain.StepStatusInWork:
		return nil
	case domain.StepStatusDone:
		return o.cascade(ctx, run, domain.StepScan, depth)
	default:
		return fmt.Errorf("%w: step %s has status %q", domain.ErrIllegalState, step.Name(), step.Status())
	}
}

func (o *Orchestrator) upload(ctx context.Context, run *stepRun, step *domain.Step) error {
	src := run.source

	if src.SHA1 != "" {
		uploadID, found, err := o.remote.FindUpload(ctx, src.SHA1, src.Filename)
		if err != nil {
			return o.stepFailed(ctx, run, step, "find upload", err)
		}
		if found {
			run.logger.Info(ctx, "source already uploaded, reusing", "upload_id", uploadID)
			if err := step.Complete(uploadID, uploadID, run.now); err != nil {
				return err
			}
			scan, err := run.process.AppendStep(domain.StepScan, run.actor, run.now)
			if err != nil {
				return err
			}
			jobID, err := o.remote.LatestJobID(ctx, uploadID)
			if err != nil {
				if errors.Is(err, domain.ErrToolNotConfigured) {
					return err
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				// The scan step stays NEW and starts its own scan next time.
				run.logger.Warn(ctx, "no scan job for reused upload", "upload_id", uploadID, "error", err)
				return nil
			}
			return scan.Start(jobID)
		}
	}

	content, err := o.contents.OpenContent(ctx, src.ContentID)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		run.logger.Warn(ctx, "source content unavailable", "content_id", src.ContentID, "error", err)
		return step.RecordFailure(fmt.Sprintf("reading source attachment failed: %v", err))
	}
	defer content.Close()

	uploadID, err := o.remote.UploadAndScan(ctx, src.Filename, content, run.description)
	if err != nil {
		return o.stepFailed(ctx, run, step, "upload", err)
	}
	jobID, err := o.remote.LatestJobID(ctx, uploadID)
	if err != nil {
		return o.stepFailed(ctx, run, step, "resolve scan job", err)
	}

	run.logger.Info(ctx, "source uploaded", "upload_id", uploadID, "job_id", jobID)
	if err := step.Complete(uploadID, uploadID, run.now); err != nil {
		return err
	}
	scan, err := run.process.AppendStep(domain.StepScan, run.actor, run.now)
	if err != nil {
		return err
	}
	return scan.Start(jobID)
}

func (o *Orchestrator) handleScan(ctx context.Context, run *stepRun, step *domain.Step, depth int) error {
	switch step.Status() {
	case domain.StepStatusNew:
		uploadID, err := uploadIDOf(run.process)
		if err != nil {
			return err
		}
		jobID, err := o.remote.StartScan(ctx, uploadID)
		if err != nil {
			return o.stepFailed(ctx, run, step, "start scan", err)
		}
		run.logger.Info(ctx, "scan started", "upload_id", uploadID, "job_id", jobID)
		return step.Start(jobID)

	case domain.StepStatusInWork:
		status, err := o.remote.ScanStatus(ctx, step.ToolSideID())
		if err != nil {
			return o.stepFailed(ctx, run, step, "scan status", err)
		}
		switch status.Outcome() {
		case domain.ScanRunning:
			run.logger.Debug(ctx, "scan still running", "job_id", step.ToolSideID(), "status", status.Status)
			return nil
		case domain.ScanFailed:
			run.logger.Warn(ctx, "scan failed", "job_id", step.ToolSideID(), "status", status.Status)
			return step.Complete("", scanFailedResult, run.now)
		case domain.ScanSucceeded:
			run.logger.Info(ctx, "scan completed", "job_id", step.ToolSideID())
			if err := step.Complete("", step.ToolSideID(), run.now); err != nil {
				return err
			}
			return o.afterScan(ctx, run, depth)
		default:
			return fmt.Errorf("unknown scan outcome %d", status.Outcome())
		}

	case domain.StepStatusDone:
		if !scanSucceeded(step) {
			return nil
		}
		return o.afterScan(ctx, run, depth)

	default:
		return fmt.Errorf("%w: step %s has status %q", domain.ErrIllegalState, step.Name(), step.Status())
	}
}

// afterScan either cascades into the report or, with report generation
// disabled, finishes the process.
func (o *Orchestrator) afterScan(ctx context.Context, run *stepRun, depth int) error {
	if run.process.ReportAutoGeneration() {
		return o.cascade(ctx, run, domain.StepReport, depth)
	}
	if run.process.Status() == domain.ProcessStatusDone {
		return nil
	}
	return run.process.MarkDone(run.now)
}

func (o *Orchestrator) handleReport(ctx context.Context, run *stepRun, step *domain.Step) error {
	switch step.Status() {
	case domain.StepStatusNew:
		uploadID, err := uploadIDOf(run.process)
		if err != nil {
			return err
		}
		reportID, err := o.remote.StartReport(ctx, uploadID)
		if err != nil {
			return o.stepFailed(ctx, run, step, "start report", err)
		}
		run.logger.Info(ctx, "report requested", "upload_id", uploadID, "report_id", reportID)
		return step.Start(reportID)

	case domain.StepStatusInWork:
		report, err := o.remote.DownloadReport(ctx, step.ToolSideID())
		if errors.Is(err, domain.ErrReportNotReady) {
			run.logger.Debug(ctx, "report not ready", "report_id", step.ToolSideID())
			return nil
		}
		if err != nil {
			return o.stepFailed(ctx, run, step, "download report", err)
		}
		defer report.Body.Close()

		filename := report.Filename
		if filename == "" {
			filename = fmt.Sprintf("%s-%s-clearing-report-%s.rdf", run.release.Name, run.release.Version, step.ToolSideID())
		}
		contentType := report.ContentType
		if contentType == "" {
			contentType = reportContentType
		}

		stored, err := o.contents.StoreContent(ctx, filename, contentType, report.Body)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			run.logger.Warn(ctx, "storing report failed", "report_id", step.ToolSideID(), "error", err)
			return step.RecordFailure(fmt.Sprintf("storing report failed: %v", err))
		}

		run.attachments = append(run.attachments, domain.Attachment{
			ContentID: stored.ContentID,
			Filename:  filename,
			Type:      domain.AttachmentTypeClearingReport,
			SHA1:      stored.SHA1,
			CreatedBy: run.actor.Email,
			CreatedOn: run.now,
		})
		run.logger.Info(ctx, "report stored", "report_id", step.ToolSideID(), "content_id", stored.ContentID)

		if err := step.Complete("", stored.ContentID, run.now); err != nil {
			return err
		}
		return run.process.MarkDone(run.now)

	case domain.StepStatusDone:
		return nil

	default:
		return fmt.Errorf("%w: step %s has status %q", domain.ErrIllegalState, step.Name(), step.Status())
	}
}

func uploadIDOf(p *domain.Process) (string, error) {
	upload, ok := p.Step(domain.StepUpload)
	if !ok || upload.Status() != domain.StepStatusDone || upload.ToolSideID() == "" {
		return "", fmt.Errorf("%w: process %s has no completed upload", domain.ErrIllegalState, p.ID())
	}
	return upload.ToolSideID(), nil
}

func scanSucceeded(step *domain.Step) bool {
	return step.Status() == domain.StepStatusDone && step.Result() != scanFailedResult
}
