// Package cadence runs the drain loop that lists ready tasks and hands
// each to the task executor, with overlap suppression so a periodic tick
// and a push-driven triggerNow never cause two drains to run at once.
package cadence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/fluxhive/runner/internal/runnerconfig"
	"github.com/fluxhive/runner/internal/telemetry"
	"github.com/fluxhive/runner/internal/wireclient"
)

const (
	minInterval  = time.Second
	defaultLimit = 10
)

// Lister is the subset of the wire client the drain loop needs.
type Lister interface {
	ListTasks(ctx context.Context, q wireclient.ListTasksQuery) (wireclient.ListTasksResponse, error)
}

// Executor is the subset of the task executor the drain loop needs.
type Executor interface {
	HandleTask(ctx context.Context, packet wireclient.Packet) error
	IsActive(taskID string) bool
}

// Loop is the periodic/triggered drainer described by the dispatch context:
// a task already in-flight (claim attempt underway) or active (an executor
// session already exists) is skipped on sight.
type Loop struct {
	lister   Lister
	executor Executor
	filters  runnerconfig.Filters
	limit    int
	interval time.Duration
	onError  func(error)
	log      *slog.Logger

	mu             sync.Mutex
	dispatching    bool
	pendingRecheck bool
	inFlight       map[string]struct{}

	triggerCh chan struct{}
	wg        sync.WaitGroup

	tracer  trace.Tracer
	metrics *telemetry.Metrics
}

// SetTelemetry attaches a tracer and metrics, giving each drain pass an
// internal span. Safe to call once before Run; both are no-ops until set.
func (l *Loop) SetTelemetry(tracer trace.Tracer, metrics *telemetry.Metrics) {
	l.tracer = tracer
	l.metrics = metrics
}

// New returns a drain loop. interval is clamped to the 1s floor; limit
// defaults to 10 when zero or negative.
func New(lister Lister, executor Executor, filters runnerconfig.Filters, interval time.Duration, limit int, onError func(error), log *slog.Logger) *Loop {
	if interval < minInterval {
		interval = minInterval
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		lister:    lister,
		executor:  executor,
		filters:   filters,
		limit:     limit,
		interval:  interval,
		onError:   onError,
		log:       log,
		inFlight:  make(map[string]struct{}),
		triggerCh: make(chan struct{}, 1),
	}
}

// Run drives the startup/periodic/triggerNow drain cycle until ctx is
// cancelled. Callers should run it in its own goroutine and cancel ctx to
// stop it; Run itself blocks until every in-flight drain has returned.
func (l *Loop) Run(ctx context.Context) {
	l.triggerDrain(ctx)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.wg.Wait()
			return
		case <-ticker.C:
			l.triggerDrain(ctx)
		case <-l.triggerCh:
			l.triggerDrain(ctx)
		}
	}
}

// TriggerNow requests an out-of-cycle drain, used by the push client on
// task.available. A pending request already queued is coalesced.
func (l *Loop) TriggerNow() {
	select {
	case l.triggerCh <- struct{}{}:
	default:
	}
}

// triggerDrain starts a drain goroutine unless one is already running, in
// which case it sets pendingRecheck so the running drain re-runs once more
// before releasing the dispatching flag.
func (l *Loop) triggerDrain(ctx context.Context) {
	l.mu.Lock()
	if l.dispatching {
		l.pendingRecheck = true
		l.mu.Unlock()
		return
	}
	l.dispatching = true
	l.mu.Unlock()

	l.wg.Add(1)
	go l.runUntilDry(ctx)
}

func (l *Loop) runUntilDry(ctx context.Context) {
	defer l.wg.Done()
	for {
		if err := l.drainOnce(ctx); err != nil && l.onError != nil {
			l.onError(err)
		}

		l.mu.Lock()
		if l.pendingRecheck {
			l.pendingRecheck = false
			l.mu.Unlock()
			continue
		}
		l.dispatching = false
		l.mu.Unlock()
		return
	}
}

// drainOnce pages through listTasks until a page returns fewer items than
// limit, handing each non-skipped packet to the executor sequentially so
// the claim race and WIP gate resolve before the next packet is attempted.
func (l *Loop) drainOnce(ctx context.Context) error {
	if l.tracer != nil {
		var span trace.Span
		ctx, span = telemetry.StartInternalSpan(ctx, l.tracer, "cadence.drain_once")
		defer span.End()
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		resp, err := l.lister.ListTasks(ctx, wireclient.ListTasksQuery{
			Status:    "todo",
			Limit:     l.limit,
			Mode:      "compact",
			Format:    "packet",
			StreamID:  l.filters.StreamID,
			Backend:   l.filters.Backend,
			CostClass: l.filters.CostClass,
		})
		if err != nil {
			return err
		}

		for _, packet := range resp.Tasks {
			if l.shouldSkip(packet.TaskID) {
				continue
			}
			l.markInFlight(packet.TaskID)
			err := l.executor.HandleTask(ctx, packet)
			l.clearInFlight(packet.TaskID)
			if err != nil {
				l.log.Warn("task handling failed", "task_id", packet.TaskID, "error", err)
				if l.onError != nil {
					l.onError(err)
				}
			}
		}

		if len(resp.Tasks) < l.limit {
			return nil
		}
	}
}

func (l *Loop) shouldSkip(taskID string) bool {
	l.mu.Lock()
	_, inFlight := l.inFlight[taskID]
	l.mu.Unlock()
	return inFlight || l.executor.IsActive(taskID)
}

func (l *Loop) markInFlight(taskID string) {
	l.mu.Lock()
	l.inFlight[taskID] = struct{}{}
	l.mu.Unlock()
}

func (l *Loop) clearInFlight(taskID string) {
	l.mu.Lock()
	delete(l.inFlight, taskID)
	l.mu.Unlock()
}
