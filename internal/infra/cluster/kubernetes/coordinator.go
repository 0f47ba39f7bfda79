// Package kubernetes implements leader election for controller replicas on
// top of Kubernetes lease locks.
package kubernetes

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"github.com/ahrav/clearing-armada/internal/app/cluster"
	"github.com/ahrav/clearing-armada/pkg/common/logger"
)

var _ cluster.Coordinator = new(Coordinator)

// Coordinator runs lease-based leader election. Only the leader polls
// clearing processes, so two replicas never advance the same release.
type Coordinator struct {
	client kubernetes.Interface
	config K8sConfig

	leaderElector *leaderelection.LeaderElector

	mu                 sync.RWMutex
	leadershipChangeCB func(isLeader bool)

	logger *logger.Logger
	tracer trace.Tracer
}

// NewCoordinator creates a coordinator that elects through a Lease named
// cfg.LeaderLockID in cfg.Namespace.
func NewCoordinator(
	cfg *K8sConfig,
	client kubernetes.Interface,
	logger *logger.Logger,
	tracer trace.Tracer,
) (*Coordinator, error) {
	_, span := tracer.Start(context.Background(), "kubernetes_coordinator.new")
	defer span.End()

	if cfg == nil {
		span.SetStatus(codes.Error, "config is required")
		return nil, fmt.Errorf("config is required")
	}
	if client == nil {
		span.SetStatus(codes.Error, "client is required")
		return nil, fmt.Errorf("kubernetes client is required")
	}
	resolved := cfg.withDefaults()
	span.SetAttributes(attribute.String("identity", resolved.Identity))

	logger = logger.With(
		"component", "kubernetes_coordinator",
		"namespace", resolved.Namespace,
		"leader_lock_id", resolved.LeaderLockID,
		"identity", resolved.Identity,
	)

	coordinator := &Coordinator{
		client: client,
		config: resolved,
		logger: logger,
		tracer: tracer,
	}

	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      resolved.LeaderLockID,
			Namespace: resolved.Namespace,
		},
		Client: client.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: resolved.Identity,
		},
	}

	elector, err := leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
		Lock:            lock,
		LeaseDuration:   resolved.LeaseDuration,
		RenewDeadline:   resolved.RenewDeadline,
		RetryPeriod:     resolved.RetryPeriod,
		ReleaseOnCancel: true,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: coordinator.onStartedLeading,
			OnStoppedLeading: coordinator.onStoppedLeading,
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create leader elector")
		return nil, fmt.Errorf("creating leader elector: %w", err)
	}
	coordinator.leaderElector = elector
	logger.Info(context.Background(), "Leader elector created")

	return coordinator, nil
}

// Start runs leader election until ctx is canceled.
func (c *Coordinator) Start(ctx context.Context) error {
	c.logger.Info(ctx, "Starting leader elector")
	go c.leaderElector.Run(ctx)

	<-ctx.Done()
	return nil
}

// Stop is a no-op; the lease is released when the Start context is canceled.
func (c *Coordinator) Stop() error {
	c.logger.Info(context.Background(), "Stopping leader elector")
	return nil
}

// OnLeadershipChange registers a callback invoked when this instance gains or
// loses leadership.
func (c *Coordinator) OnLeadershipChange(cb func(isLeader bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leadershipChangeCB = cb
}

func (c *Coordinator) notify(isLeader bool) {
	c.mu.RLock()
	cb := c.leadershipChangeCB
	c.mu.RUnlock()
	if cb != nil {
		cb(isLeader)
	}
}

func (c *Coordinator) onStartedLeading(ctx context.Context) {
	_, span := c.tracer.Start(ctx, "kubernetes_coordinator.on_started_leading")
	defer span.End()

	c.logger.Info(ctx, "became leader")
	c.notify(true)
}

func (c *Coordinator) onStoppedLeading() {
	ctx, span := c.tracer.Start(context.Background(), "kubernetes_coordinator.on_stopped_leading")
	defer span.End()

	c.logger.Info(ctx, "lost leadership")
	c.notify(false)
}
