package dispatcher

import (
	"context"
	"fmt"
	"time"

	"oss.nandlabs.io/dispatch/events"
	"oss.nandlabs.io/dispatch/inbox"
	"oss.nandlabs.io/dispatch/lease"
	"oss.nandlabs.io/dispatch/lifecycle"
	"oss.nandlabs.io/dispatch/outbox"
)

// OutboxLoop claims and dispatches outbox rows across every store in the
// dispatcher's router, one store per tick.
type OutboxLoop struct {
	d   *Dispatcher
	cfg Config

	cancel context.CancelFunc
	done   chan struct{}
	state  lifecycle.ComponentState
}

func newOutboxLoop(d *Dispatcher, cfg Config) *OutboxLoop {
	return &OutboxLoop{d: d, cfg: cfg}
}

func (l *OutboxLoop) Id() string                                             { return "dispatcher:outbox" }
func (l *OutboxLoop) OnChange(prevState, newState lifecycle.ComponentState) {}
func (l *OutboxLoop) State() lifecycle.ComponentState                       { return l.state }

func (l *OutboxLoop) Start() error {
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

func (l *OutboxLoop) Stop() error {
	if l.state != lifecycle.Running {
		return lifecycle.ErrCompAlreadyStopped
	}
	l.cancel()
	<-l.done
	l.state = lifecycle.Stopped
	return nil
}

func (l *OutboxLoop) run(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		progressed := l.tick(ctx)
		if !progressed {
			select {
			case <-ctx.Done():
				return
			case <-time.After(l.cfg.PollInterval):
			}
		}
	}
}

func (l *OutboxLoop) tick(ctx context.Context) bool {
	key, ok := l.d.router.Next()
	if !ok {
		return false
	}

	lm, err := l.d.router.GetLeaseManager(key)
	if err != nil {
		logger.WarnF("outbox loop: resolving lease manager for %q: %v", key, err)
		return false
	}
	ttl := time.Duration(l.cfg.LeaseSeconds) * time.Second
	claimLease, err := lm.Acquire(ctx, "outbox:claim", ttl)
	if err != nil {
		logger.WarnF("outbox loop: acquiring lease on %q: %v", key, err)
		return false
	}
	if claimLease == nil {
		return false
	}
	renewer := lease.NewRenewer(lm, claimLease, ttl, l.cfg.MaxLeaseExtensions, nil)
	_ = renewer.Start()
	defer func() {
		_ = renewer.Stop()
		_ = lm.Release(ctx, claimLease)
	}()

	ob, err := l.d.router.GetOutbox(key)
	if err != nil {
		return false
	}
	claimStart := time.Now()
	msgs, err := ob.Claim(ctx, l.d.self, l.cfg.LeaseSeconds, l.cfg.BatchSize)
	l.d.sink.ObserveClaimDuration("outbox", key, time.Since(claimStart))
	if err != nil {
		logger.WarnF("outbox loop: claim on %q: %v", key, err)
		return false
	}
	if len(msgs) == 0 {
		return false
	}
	l.d.sink.ItemsClaimed("outbox", key, len(msgs))
	l.d.sink.BatchSize("outbox", key, len(msgs))

	byID := make(map[string]*outbox.Message, len(msgs))
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
		ids = append(ids, m.ID)
	}

	var acked, abandoned, failed []string
	var mu lockable
	workerPool(ctx, l.cfg.MaxConcurrency, ids, func(ctx context.Context, id string) {
		msg := byID[id]
		handler, ok := l.d.outboxHandlers.Lookup(msg.Topic)
		if !ok {
			mu.do(func() { failed = append(failed, id) })
			return
		}
		handlerStart := time.Now()
		err := handler(ctx, msg)
		l.d.sink.ObserveHandlerDuration("outbox", key, msg.Topic, time.Since(handlerStart))
		mu.do(func() {
			switch {
			case err == nil:
				acked = append(acked, id)
			case classify(err, msg.RetryCount, l.cfg.MaxAttempts):
				failed = append(failed, id)
			default:
				abandoned = append(abandoned, id)
			}
		})
	})

	if claimLease.ThrowIfLost() != nil {
		logger.WarnF("outbox loop: lease on %q lost mid-batch, skipping reconciliation", key)
		return true
	}
	if len(acked) > 0 {
		if err := ob.Ack(ctx, l.d.self, acked); err != nil {
			logger.WarnF("outbox loop: ack on %q: %v", key, err)
		}
		l.d.sink.ItemsAcknowledged("outbox", key, len(acked))
		l.d.emit(events.Event{Kind: events.KindOutboxAck, Store: key, Key: fmt.Sprintf("%d rows", len(acked)), Timestamp: l.d.clock.Now()})
	}
	if len(abandoned) > 0 {
		if err := ob.Abandon(ctx, l.d.self, abandoned, "handler returned transient error", outbox.DefaultRetryDelay(1)); err != nil {
			logger.WarnF("outbox loop: abandon on %q: %v", key, err)
		}
		l.d.sink.ItemsAbandoned("outbox", key, len(abandoned))
		l.d.emit(events.Event{Kind: events.KindOutboxAbandon, Store: key, Key: fmt.Sprintf("%d rows", len(abandoned)), Timestamp: l.d.clock.Now()})
	}
	if len(failed) > 0 {
		if err := ob.Fail(ctx, l.d.self, failed, "handler returned permanent error or exhausted retries"); err != nil {
			logger.WarnF("outbox loop: fail on %q: %v", key, err)
		}
		l.d.sink.ItemsFailed("outbox", key, len(failed))
		l.d.emit(events.Event{Kind: events.KindOutboxFail, Store: key, Key: fmt.Sprintf("%d rows", len(failed)), Timestamp: l.d.clock.Now()})
	}
	return true
}

// InboxLoop mirrors OutboxLoop against Inbox rows.
type InboxLoop struct {
	d   *Dispatcher
	cfg Config

	cancel context.CancelFunc
	done   chan struct{}
	state  lifecycle.ComponentState
}

func newInboxLoop(d *Dispatcher, cfg Config) *InboxLoop {
	return &InboxLoop{d: d, cfg: cfg}
}

func (l *InboxLoop) Id() string                                             { return "dispatcher:inbox" }
func (l *InboxLoop) OnChange(prevState, newState lifecycle.ComponentState) {}
func (l *InboxLoop) State() lifecycle.ComponentState                       { return l.state }

func (l *InboxLoop) Start() error {
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

func (l *InboxLoop) Stop() error {
	if l.state != lifecycle.Running {
		return lifecycle.ErrCompAlreadyStopped
	}
	l.cancel()
	<-l.done
	l.state = lifecycle.Stopped
	return nil
}

func (l *InboxLoop) run(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		progressed := l.tick(ctx)
		if !progressed {
			select {
			case <-ctx.Done():
				return
			case <-time.After(l.cfg.PollInterval):
			}
		}
	}
}

func (l *InboxLoop) tick(ctx context.Context) bool {
	key, ok := l.d.router.Next()
	if !ok {
		return false
	}

	lm, err := l.d.router.GetLeaseManager(key)
	if err != nil {
		return false
	}
	ttl := time.Duration(l.cfg.LeaseSeconds) * time.Second
	claimLease, err := lm.Acquire(ctx, "inbox:claim", ttl)
	if err != nil || claimLease == nil {
		return false
	}
	renewer := lease.NewRenewer(lm, claimLease, ttl, l.cfg.MaxLeaseExtensions, nil)
	_ = renewer.Start()
	defer func() {
		_ = renewer.Stop()
		_ = lm.Release(ctx, claimLease)
	}()

	in, err := l.d.router.GetInbox(key)
	if err != nil {
		return false
	}
	claimStart := time.Now()
	msgs, err := in.Claim(ctx, l.d.self, l.cfg.LeaseSeconds, l.cfg.BatchSize)
	l.d.sink.ObserveClaimDuration("inbox", key, time.Since(claimStart))
	if err != nil {
		logger.WarnF("inbox loop: claim on %q: %v", key, err)
		return false
	}
	if len(msgs) == 0 {
		return false
	}
	l.d.sink.ItemsClaimed("inbox", key, len(msgs))
	l.d.sink.BatchSize("inbox", key, len(msgs))

	byID := make(map[string]*inbox.Message, len(msgs))
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		byID[m.ID] = m
		ids = append(ids, m.ID)
	}

	var acked, abandoned, failed []string
	var mu lockable
	workerPool(ctx, l.cfg.MaxConcurrency, ids, func(ctx context.Context, id string) {
		msg := byID[id]
		handler, ok := l.d.inboxHandlers.Lookup(msg.Topic)
		if !ok {
			mu.do(func() { failed = append(failed, id) })
			return
		}
		handlerStart := time.Now()
		err := handler(ctx, msg)
		l.d.sink.ObserveHandlerDuration("inbox", key, msg.Topic, time.Since(handlerStart))
		mu.do(func() {
			switch {
			case err == nil:
				acked = append(acked, id)
			case classify(err, msg.RetryCount, l.cfg.MaxAttempts):
				failed = append(failed, id)
			default:
				abandoned = append(abandoned, id)
			}
		})
	})

	if claimLease.ThrowIfLost() != nil {
		return true
	}
	if len(acked) > 0 {
		if err := in.Ack(ctx, l.d.self, acked); err != nil {
			logger.WarnF("inbox loop: ack on %q: %v", key, err)
		}
		l.d.sink.ItemsAcknowledged("inbox", key, len(acked))
		l.d.emit(events.Event{Kind: events.KindInboxAck, Store: key, Key: fmt.Sprintf("%d rows", len(acked)), Timestamp: l.d.clock.Now()})
	}
	if len(abandoned) > 0 {
		if err := in.Abandon(ctx, l.d.self, abandoned, "handler returned transient error", outbox.DefaultRetryDelay(1)); err != nil {
			logger.WarnF("inbox loop: abandon on %q: %v", key, err)
		}
		l.d.sink.ItemsAbandoned("inbox", key, len(abandoned))
		l.d.emit(events.Event{Kind: events.KindInboxAbandon, Store: key, Key: fmt.Sprintf("%d rows", len(abandoned)), Timestamp: l.d.clock.Now()})
	}
	if len(failed) > 0 {
		if err := in.Fail(ctx, l.d.self, failed, "handler returned permanent error or exhausted retries"); err != nil {
			logger.WarnF("inbox loop: fail on %q: %v", key, err)
		}
		l.d.sink.ItemsFailed("inbox", key, len(failed))
		l.d.emit(events.Event{Kind: events.KindInboxFail, Store: key, Key: fmt.Sprintf("%d rows", len(failed)), Timestamp: l.d.clock.Now()})
	}
	return true
}
