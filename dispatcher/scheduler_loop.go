package dispatcher

import (
	"context"
	"time"

	"oss.nandlabs.io/dispatch/events"
	"oss.nandlabs.io/dispatch/lifecycle"
)

// SchedulerLoop runs one scheduler.Scheduler.RunPass per store per tick,
// under that store's "scheduler:run" lease, pacing itself by the sleep
// duration each pass computes rather than a fixed poll interval.
type SchedulerLoop struct {
	d                  *Dispatcher
	cfg                Config
	maxPollingInterval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
	state  lifecycle.ComponentState
}

func newSchedulerLoop(d *Dispatcher, cfg Config, maxPollingInterval time.Duration) *SchedulerLoop {
	return &SchedulerLoop{d: d, cfg: cfg, maxPollingInterval: maxPollingInterval}
}

func (l *SchedulerLoop) Id() string                                             { return "dispatcher:scheduler" }
func (l *SchedulerLoop) OnChange(prevState, newState lifecycle.ComponentState) {}
func (l *SchedulerLoop) State() lifecycle.ComponentState                       { return l.state }

func (l *SchedulerLoop) Start() error {
	if l.state == lifecycle.Running {
		return lifecycle.ErrCompAlreadyStarted
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})
	l.state = lifecycle.Running
	go l.run(ctx)
	return nil
}

func (l *SchedulerLoop) Stop() error {
	if l.state != lifecycle.Running {
		return lifecycle.ErrCompAlreadyStopped
	}
	l.cancel()
	<-l.done
	l.state = lifecycle.Stopped
	return nil
}

func (l *SchedulerLoop) run(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		sleep := l.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

func (l *SchedulerLoop) tick(ctx context.Context) time.Duration {
	key, ok := l.d.router.Next()
	if !ok {
		return l.cfg.PollInterval
	}

	lm, err := l.d.router.GetLeaseManager(key)
	if err != nil {
		return l.cfg.PollInterval
	}
	ttl := time.Duration(l.cfg.LeaseSeconds) * time.Second
	claimLease, err := lm.Acquire(ctx, "scheduler:run", ttl)
	if err != nil {
		logger.WarnF("scheduler loop: acquiring lease on %q: %v", key, err)
		return l.cfg.PollInterval
	}
	if claimLease == nil {
		return l.cfg.PollInterval
	}
	defer func() { _ = lm.Release(ctx, claimLease) }()

	sc, err := l.d.router.GetScheduler(key)
	if err != nil {
		return l.cfg.PollInterval
	}
	passStart := time.Now()
	sleep, err := sc.RunPass(ctx, claimLease, l.cfg.BatchSize, l.cfg.LeaseSeconds, l.maxPollingInterval)
	l.d.sink.SchedulerPass(key, time.Since(passStart), err != nil)
	if err != nil {
		logger.WarnF("scheduler loop: pass on %q: %v", key, err)
		l.d.emit(events.Event{Kind: events.KindLeaseLost, Store: key, Detail: err.Error(), Timestamp: l.d.clock.Now()})
		return l.cfg.PollInterval
	}
	return sleep
}
