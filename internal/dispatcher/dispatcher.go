// Package dispatcher runs the background loop that moves queued tasks onto
// connected agents. It wraps gocron with a fixed-duration singleton job: if
// a tick overruns the interval, the next one is skipped rather than stacked.
//
// Each tick sweeps expired leases back into the queue, then claims and
// dispatches tasks per region known to the registry. Per-task failures are
// absorbed (requeue + event) and the loop continues; the dispatcher never
// exits except on whole-process shutdown.
//
// Delivery is at-least-once: a crash between claim and enqueue, or between
// enqueue and transmission, leaves a running task that the lease sweep
// reclaims. Agents must treat tasks idempotently by task id.
package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/fleetforge-io/fleetforge/internal/agents"
	"github.com/fleetforge-io/fleetforge/internal/broker"
	"github.com/fleetforge-io/fleetforge/internal/metrics"
	"github.com/fleetforge-io/fleetforge/internal/store"
)

const (
	// tickInterval is the fixed dispatch cadence.
	tickInterval = 250 * time.Millisecond

	// maxPerRegionPerTick caps dispatches per region per tick, bounding the
	// tail latency a single busy region can impose on the others.
	maxPerRegionPerTick = 25

	// DefaultLease is the claim lease applied when configuration does not
	// override it.
	DefaultLease = 300 * time.Second
)

// Dispatcher claims queued tasks and hands them to agents.
type Dispatcher struct {
	store    *store.Store
	registry *agents.Registry
	broker   *broker.Broker
	metrics  *metrics.Metrics
	logger   *zap.Logger

	lease time.Duration
	cron  gocron.Scheduler
}

// New creates a Dispatcher. lease <= 0 falls back to DefaultLease.
func New(st *store.Store, reg *agents.Registry, bk *broker.Broker, m *metrics.Metrics, lease time.Duration, logger *zap.Logger) (*Dispatcher, error) {
	if lease <= 0 {
		lease = DefaultLease
	}
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("dispatcher: create scheduler: %w", err)
	}
	return &Dispatcher{
		store:    st,
		registry: reg,
		broker:   bk,
		metrics:  m,
		logger:   logger.Named("dispatcher"),
		lease:    lease,
		cron:     cron,
	}, nil
}

// Start schedules the tick and starts the underlying scheduler. The ticks
// observe ctx for cancellation of in-flight store calls.
func (d *Dispatcher) Start(ctx context.Context) error {
	_, err := d.cron.NewJob(
		gocron.DurationJob(tickInterval),
		gocron.NewTask(func() { d.RunOnce(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("dispatcher: schedule tick: %w", err)
	}
	d.cron.Start()
	d.logger.Info("dispatcher started",
		zap.Duration("tick", tickInterval),
		zap.Duration("lease", d.lease),
	)
	return nil
}

// Stop shuts the scheduler down, waiting for a running tick to finish.
func (d *Dispatcher) Stop() error {
	if err := d.cron.Shutdown(); err != nil {
		return fmt.Errorf("dispatcher: shutdown: %w", err)
	}
	d.logger.Info("dispatcher stopped")
	return nil
}

// RunOnce performs a single tick: lease sweep, then per-region dispatch.
// Exposed so tests can drive the loop deterministically.
func (d *Dispatcher) RunOnce(ctx context.Context) {
	requeued, err := d.store.RequeueStaleRunning(ctx, d.lease)
	if err != nil {
		d.logger.Error("lease sweep failed", zap.Error(err))
	} else {
		d.metrics.LeaseRequeues(requeued)
	}

	for _, region := range d.registry.Regions() {
		d.dispatchRegion(ctx, region)
	}
}

// dispatchRegion claims and dispatches up to maxPerRegionPerTick tasks for
// one region. Claim order within the region is FIFO by task creation time.
func (d *Dispatcher) dispatchRegion(ctx context.Context, region string) {
	for i := 0; i < maxPerRegionPerTick; i++ {
		task, err := d.store.ClaimNextQueued(ctx, region)
		if err != nil {
			d.logger.Error("claim failed", zap.String("region", region), zap.Error(err))
			return
		}
		if task == nil {
			return
		}

		agent := d.registry.Pick(region)
		if agent == nil {
			// Raced with the region's last agent disconnecting. Put the task
			// back; a later tick will find another region or another agent.
			d.requeue(ctx, task.ID)
			d.broker.PublishJobEvent(task.JobID, broker.EventTaskDispatchFail, map[string]any{
				"taskId": task.ID,
				"error":  "no agent available",
			})
			return
		}

		if !d.registry.EnqueueTask(agent, task) {
			d.requeue(ctx, task.ID)
			d.broker.PublishJobEvent(task.JobID, broker.EventTaskEnqueueFailed, map[string]any{
				"taskId":  task.ID,
				"agentId": agent.ID,
			})
			return
		}

		d.metrics.TaskDispatched()
		d.broker.PublishJobEvent(task.JobID, broker.EventTaskDispatched, map[string]any{
			"taskId":  task.ID,
			"agentId": agent.ID,
		})
		d.logger.Debug("task dispatched",
			zap.String("task_id", task.ID),
			zap.String("job_id", task.JobID),
			zap.String("agent_id", agent.ID),
			zap.String("region", region),
		)
	}
}

func (d *Dispatcher) requeue(ctx context.Context, taskID string) {
	if err := d.store.RequeueTask(ctx, taskID); err != nil {
		d.logger.Error("requeue failed", zap.String("task_id", taskID), zap.Error(err))
	}
}
