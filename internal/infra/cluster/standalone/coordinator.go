// Package standalone provides a coordinator for single-replica deployments
// that is always the leader.
package standalone

import (
	"context"
	"sync"

	"github.com/ahrav/clearing-armada/internal/app/cluster"
	"github.com/ahrav/clearing-armada/pkg/common/logger"
)

var _ cluster.Coordinator = new(Coordinator)

// Coordinator grants leadership as soon as it starts and revokes it on stop.
type Coordinator struct {
	mu  sync.Mutex
	cb  func(isLeader bool)
	led bool

	logger *logger.Logger
}

// NewCoordinator returns a standalone coordinator.
func NewCoordinator(log *logger.Logger) *Coordinator {
	return &Coordinator{logger: log.With("component", "standalone_coordinator")}
}

// Start reports leadership and blocks until ctx is done.
func (c *Coordinator) Start(ctx context.Context) error {
	c.setLeader(ctx, true)
	<-ctx.Done()
	c.setLeader(context.Background(), false)
	return nil
}

// Stop revokes leadership if held.
func (c *Coordinator) Stop() error {
	c.setLeader(context.Background(), false)
	return nil
}

// OnLeadershipChange registers the leadership callback.
func (c *Coordinator) OnLeadershipChange(cb func(isLeader bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cb = cb
}

func (c *Coordinator) setLeader(ctx context.Context, isLeader bool) {
	c.mu.Lock()
	if c.led == isLeader {
		c.mu.Unlock()
		return
	}
	c.led = isLeader
	cb := c.cb
	c.mu.Unlock()

	c.logger.Info(ctx, "leadership changed", "is_leader", isLeader)
	if cb != nil {
		cb(isLeader)
	}
}
