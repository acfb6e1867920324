// Package tick emits the cooperative meta_event{tick} every enabled plugin
// relies on for time-driven behavior (batching, timeout reaping) it cannot
// implement with an in-sandbox timer, and sweeps the broker's pending
// requests for timeouts on the same cadence.
package tick

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nbot-dev/nbot/internal/broker"
	nplugin "github.com/nbot-dev/nbot/pkg/plugin"
)

// DefaultPeriod is the tick cadence absent an explicit WithPeriod option.
const DefaultPeriod = 1 * time.Second

// Dispatcher is the subset of internal/dispatch.Dispatcher the scheduler
// needs: broadcasting the tick meta_event to every enabled plugin.
type Dispatcher interface {
	DispatchMetaEvent(ctx context.Context, evt nplugin.MetaEvent)
}

// Lock lets multiple host replicas sharing a data directory agree on a
// single tick emitter. A nil Lock means ticks are always emitted, correct
// for a single-instance deployment.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
}

// Scheduler emits a fixed-period meta_event{tick} to the dispatcher and
// sweeps the broker's pending requests for timeouts on the same cadence.
type Scheduler struct {
	dispatcher Dispatcher
	broker     *broker.Broker
	period     time.Duration
	lock       Lock
	logger     *slog.Logger

	cron *cron.Cron
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

func WithPeriod(d time.Duration) Option { return func(s *Scheduler) { s.period = d } }
func WithLock(l Lock) Option            { return func(s *Scheduler) { s.lock = l } }
func WithLogger(l *slog.Logger) Option  { return func(s *Scheduler) { s.logger = l } }

// New constructs a Scheduler. brk may be nil to skip the per-tick sweep
// (e.g. in a test that only cares about dispatch).
func New(dispatcher Dispatcher, brk *broker.Broker, opts ...Option) *Scheduler {
	s := &Scheduler{
		dispatcher: dispatcher,
		broker:     brk,
		period:     DefaultPeriod,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins emitting ticks on s.period, using robfig/cron's "@every"
// spec so the cadence is expressed the same way the rest of the host's
// periodic jobs are. Ticks stop when ctx is canceled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc("@every "+s.period.String(), func() { s.RunOnce(ctx) }); err != nil {
		return err
	}
	s.cron.Start()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts future ticks; an in-flight one completes.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

// RunOnce performs a single tick: acquire the distributed lock (if any),
// broadcast meta_event{tick}, and sweep the broker for timeouts. Exported
// so tests can drive a deterministic tick without waiting on cron.
func (s *Scheduler) RunOnce(ctx context.Context) {
	if s.lock != nil {
		acquired, err := s.lock.Acquire(ctx)
		if err != nil {
			s.logger.Warn("tick lock acquire failed", "error", err)
			return
		}
		if !acquired {
			return
		}
	}

	s.dispatcher.DispatchMetaEvent(ctx, nplugin.MetaEvent{MetaEventType: nplugin.MetaEventTick})

	if s.broker != nil {
		if n := s.broker.Sweep(time.Now()); n > 0 {
			s.logger.Debug("broker swept expired requests on tick", "count", n)
		}
	}
}
