package clearing

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	domain "github.com/ahrav/clearing-armada/internal/domain/clearing"
	"github.com/ahrav/clearing-armada/pkg/common/logger"
)

// processor is the part of the Orchestrator the poller drives.
type processor interface {
	Process(ctx context.Context, releaseID string, actor domain.Actor, description string) (*domain.Process, error)
}

// PollerConfig controls how often and how widely in-flight releases are
// re-processed.
type PollerConfig struct {
	Interval    time.Duration
	BatchSize   int
	Concurrency int
	// Actor is recorded on steps the poller creates.
	Actor domain.Actor
	// Tool selects whose NEW processes are retried. Defaults to FOSSology.
	Tool domain.Tool
}

// pollStates are the clearing states of releases still waiting on the tool.
var pollStates = []domain.ClearingState{
	domain.ClearingStateSentToClearingTool,
	domain.ClearingStateUnderClearing,
}

// retryStatuses select processes whose upload failed and is still pending.
// Their release derives NEW_CLEARING, so pollStates alone misses them.
var retryStatuses = []domain.ProcessStatus{domain.ProcessStatusNew}

// Poller re-invokes Process for releases in flight. It only works while this
// instance holds leadership.
type Poller struct {
	cfg       PollerConfig
	processor processor
	releases  domain.ReleaseRepository

	leader atomic.Bool

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics PollerMetrics
}

// NewPoller creates a poller. It starts as a follower.
func NewPoller(
	cfg PollerConfig,
	processor processor,
	releases domain.ReleaseRepository,
	logger *logger.Logger,
	tracer trace.Tracer,
	metrics PollerMetrics,
) *Poller {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Tool == "" {
		cfg.Tool = domain.ToolFossology
	}
	return &Poller{
		cfg:       cfg,
		processor: processor,
		releases:  releases,
		logger:    logger.With("component", "clearing_poller"),
		tracer:    tracer,
		metrics:   metrics,
	}
}

// SetLeader is the leadership callback handed to a cluster coordinator.
func (p *Poller) SetLeader(isLeader bool) {
	if p.leader.Swap(isLeader) == isLeader {
		return
	}
	ctx := context.Background()
	p.metrics.SetLeaderStatus(ctx, isLeader)
	p.logger.Info(ctx, "poller leadership changed", "is_leader", isLeader)
}

// IsLeader reports whether the poller is currently active.
func (p *Poller) IsLeader() bool { return p.leader.Load() }

// Run ticks until ctx is canceled.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.logger.Info(ctx, "poller started", "interval", p.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info(ctx, "poller stopped")
			return nil
		case <-ticker.C:
			if !p.IsLeader() {
				continue
			}
			if err := p.Tick(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error(ctx, "poll tick failed", "error", err)
			}
		}
	}
}

// Tick processes one batch of in-flight releases. Each release is handled
// at most once per tick; individual failures are logged, not returned.
func (p *Poller) Tick(ctx context.Context) error {
	ctx, span := p.tracer.Start(ctx, "clearing_poller.tick")
	defer span.End()
	p.metrics.IncPollTicks(ctx)

	ids, err := p.releases.ListReleaseIDsByClearingState(ctx, pollStates, p.cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "listing releases failed")
		return err
	}
	if remaining := p.cfg.BatchSize - len(ids); remaining > 0 {
		retries, err := p.releases.ListReleaseIDsByProcessStatus(ctx, p.cfg.Tool, retryStatuses, remaining)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "listing pending uploads failed")
			return err
		}
		ids = append(ids, retries...)
	}
	span.SetAttributes(attribute.Int("release_count", len(ids)))

	seen := make(map[string]struct{}, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)

	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		g.Go(func() error {
			if _, err := p.processor.Process(gctx, id, p.cfg.Actor, ""); err != nil {
				p.metrics.IncPolledReleases(gctx, outcomeOf(err))
				p.logger.Warn(gctx, "polling release failed", "release_id", id, "error", err)
				return nil
			}
			p.metrics.IncPolledReleases(gctx, outcomeOK)
			return nil
		})
	}

	return g.Wait()
}
