package clearing

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/ahrav/clearing-armada/internal/domain/clearing"
	"github.com/ahrav/clearing-armada/internal/domain/events"
)

// OrchestratorMetrics tracks orchestrator calls and their outcomes.
type OrchestratorMetrics interface {
	IncProcessCalls(ctx context.Context, outcome string)
	ObserveProcessDuration(ctx context.Context, duration time.Duration)
	IncIllegalState(ctx context.Context, reason string)
	IncStepTransition(ctx context.Context, step domain.StepName, status domain.StepStatus)
	IncRemoteFailure(ctx context.Context, op string)
	IncConcurrentModification(ctx context.Context)
	IncEventPublishFailures(ctx context.Context, eventType events.EventType)
}

// PollerMetrics tracks poller activity.
type PollerMetrics interface {
	IncPollTicks(ctx context.Context)
	IncPolledReleases(ctx context.Context, outcome string)
	SetLeaderStatus(ctx context.Context, isLeader bool)
}

// Metrics implements OrchestratorMetrics and PollerMetrics with OpenTelemetry.
type Metrics struct {
	processCalls         metric.Int64Counter
	processDuration      metric.Float64Histogram
	illegalStates        metric.Int64Counter
	stepTransitions      metric.Int64Counter
	remoteFailures       metric.Int64Counter
	concurrentMods       metric.Int64Counter
	eventPublishFailures metric.Int64Counter
	pollTicks            metric.Int64Counter
	polledReleases       metric.Int64Counter
	leaderStatus         metric.Int64UpDownCounter
}

var (
	_ OrchestratorMetrics = (*Metrics)(nil)
	_ PollerMetrics       = (*Metrics)(nil)
)

const namespace = "clearing"

// NewMetrics registers the clearing instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(Metrics)
	var err error

	if m.processCalls, err = meter.Int64Counter(
		"process_calls_total",
		metric.WithDescription("Total number of Process calls by outcome"),
	); err != nil {
		return nil, err
	}

	if m.processDuration, err = meter.Float64Histogram(
		"process_duration_seconds",
		metric.WithDescription("Time spent in a single Process call"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.illegalStates, err = meter.Int64Counter(
		"illegal_states_total",
		metric.WithDescription("Total number of calls rejected by an illegal-state guard"),
	); err != nil {
		return nil, err
	}

	if m.stepTransitions, err = meter.Int64Counter(
		"step_transitions_total",
		metric.WithDescription("Total number of step status changes"),
	); err != nil {
		return nil, err
	}

	if m.remoteFailures, err = meter.Int64Counter(
		"remote_failures_total",
		metric.WithDescription("Total number of clearing tool failures recorded on steps"),
	); err != nil {
		return nil, err
	}

	if m.concurrentMods, err = meter.Int64Counter(
		"concurrent_modifications_total",
		metric.WithDescription("Total number of release writes rejected by a revision conflict"),
	); err != nil {
		return nil, err
	}

	if m.eventPublishFailures, err = meter.Int64Counter(
		"event_publish_failures_total",
		metric.WithDescription("Total number of clearing events that could not be published"),
	); err != nil {
		return nil, err
	}

	if m.pollTicks, err = meter.Int64Counter(
		"poll_ticks_total",
		metric.WithDescription("Total number of poller ticks run as leader"),
	); err != nil {
		return nil, err
	}

	if m.polledReleases, err = meter.Int64Counter(
		"polled_releases_total",
		metric.WithDescription("Total number of releases processed by the poller"),
	); err != nil {
		return nil, err
	}

	if m.leaderStatus, err = meter.Int64UpDownCounter(
		"leader_status",
		metric.WithDescription("1 while this instance is the poller leader"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) IncProcessCalls(ctx context.Context, outcome string) {
	m.processCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) ObserveProcessDuration(ctx context.Context, duration time.Duration) {
	m.processDuration.Record(ctx, duration.Seconds())
}

func (m *Metrics) IncIllegalState(ctx context.Context, reason string) {
	m.illegalStates.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) IncStepTransition(ctx context.Context, step domain.StepName, status domain.StepStatus) {
	m.stepTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("step", step.String()),
		attribute.String("status", status.String()),
	))
}

func (m *Metrics) IncRemoteFailure(ctx context.Context, op string) {
	m.remoteFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

func (m *Metrics) IncConcurrentModification(ctx context.Context) { m.concurrentMods.Add(ctx, 1) }

func (m *Metrics) IncEventPublishFailures(ctx context.Context, eventType events.EventType) {
	m.eventPublishFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", string(eventType))))
}

func (m *Metrics) IncPollTicks(ctx context.Context) { m.pollTicks.Add(ctx, 1) }

func (m *Metrics) IncPolledReleases(ctx context.Context, outcome string) {
	m.polledReleases.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// SetLeaderStatus moves the gauge between 0 and 1. Callers only report
// actual transitions.
func (m *Metrics) SetLeaderStatus(ctx context.Context, isLeader bool) {
	if isLeader {
		m.leaderStatus.Add(ctx, 1)
		return
	}
	m.leaderStatus.Add(ctx, -1)
}
