// Package dispatcher runs the poll/claim/handle loops that turn the
// outbox, inbox, and scheduler packages into a working process. Each loop
// owns one OwnerToken and iterates a router.Router's store snapshot in
// round robin, acquiring a named lease per store before claiming a batch,
// handing claimed rows to a bounded worker pool, and reconciling the
// result back to the store. Loops are lifecycle.Component so a process
// registers them with a single lifecycle.ComponentManager alongside
// whatever else it runs.
package dispatcher

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"sync"
	"time"

	"oss.nandlabs.io/dispatch/clock"
	"oss.nandlabs.io/dispatch/events"
	"oss.nandlabs.io/dispatch/idempotency"
	"oss.nandlabs.io/dispatch/inbox"
	"oss.nandlabs.io/dispatch/l3"
	"oss.nandlabs.io/dispatch/lease"
	"oss.nandlabs.io/dispatch/lifecycle"
	"oss.nandlabs.io/dispatch/managers"
	"oss.nandlabs.io/dispatch/metrics"
	"oss.nandlabs.io/dispatch/outbox"
	"oss.nandlabs.io/dispatch/owner"
	"oss.nandlabs.io/dispatch/router"
)

var logger = l3.Get()

// OutboxHandler processes one claimed outbox row. A *idempotency.PermanentError
// return classifies the failure as non-retryable (the row is Failed); any
// other error is treated as transient (the row is Abandoned with backoff).
type OutboxHandler func(ctx context.Context, msg *outbox.Message) error

// InboxHandler processes one claimed inbox row.
type InboxHandler func(ctx context.Context, msg *inbox.Message) error

// Registry maps topic names to handlers. It is the message-passing
// substitute for dynamic dispatch by payload type: topic is the only key,
// payload stays opaque until a handler parses it.
type Registry[H any] struct {
	items managers.ItemManager[H]
}

// NewRegistry builds an empty handler registry.
func NewRegistry[H any]() *Registry[H] {
	return &Registry[H]{items: managers.NewItemManager[H]()}
}

// Register binds a handler to topic, replacing any existing binding.
func (r *Registry[H]) Register(topic string, h H) { r.items.Register(topic, h) }

// Lookup returns the handler bound to topic and whether one was found.
func (r *Registry[H]) Lookup(topic string) (h H, ok bool) {
	h = r.items.Get(topic)
	ok = !reflect.ValueOf(&h).Elem().IsZero()
	return
}

// Config controls one loop's batch size, lease duration, and concurrency.
type Config struct {
	// BatchSize is how many rows one Claim call requests. Default 50.
	BatchSize int
	// LeaseSeconds is how long a claimed row is locked before ReapExpired
	// would reclaim it. Default 30.
	LeaseSeconds int
	// MaxConcurrency bounds the worker pool handling one batch. Default
	// runtime.NumCPU().
	MaxConcurrency int
	// PollInterval is how long a loop sleeps after a tick that claimed
	// nothing, before trying the next store. Default 1s.
	PollInterval time.Duration
	// MaxLeaseExtensions bounds how many times the claim lease guarding an
	// in-flight batch may be renewed (at the lease.Renewer's ttl/3 cadence)
	// before the renewer gives up and forces the batch's rows back to the
	// store instead of renewing forever. Default 3.
	MaxLeaseExtensions int
	// MaxAttempts bounds retries before a transient failure is reclassified
	// permanent. Default 5.
	MaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.LeaseSeconds <= 0 {
		c.LeaseSeconds = 30
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = runtime.NumCPU()
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxLeaseExtensions <= 0 {
		c.MaxLeaseExtensions = 3
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	return c
}

// classify turns a handler error into the outcome dispatcher reconciles
// against the store: Fail for permanent errors or once attempts is
// exhausted, Abandon (with backoff) otherwise.
func classify(err error, retryCount, maxAttempts int) (permanent bool) {
	var perm *idempotency.PermanentError
	if asPermanentError(err, &perm) {
		return true
	}
	return retryCount+1 >= maxAttempts
}

func asPermanentError(err error, target **idempotency.PermanentError) bool {
	for err != nil {
		if p, ok := err.(*idempotency.PermanentError); ok {
			*target = p
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// workerPool runs fns with at most n concurrent, waiting for all to finish.
func workerPool(ctx context.Context, n int, items []string, fn func(ctx context.Context, id string)) {
	sem := make(chan struct{}, n)
	var wg sync.WaitGroup
	for _, id := range items {
		select {
		case <-ctx.Done():
			return
		default:
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()
			fn(ctx, id)
		}(id)
	}
	wg.Wait()
}

// Dispatcher owns one OwnerToken and the set of loops registered against
// it. It is typically the only per-process object an operator's cmd/main
// needs to construct.
type Dispatcher struct {
	self   owner.Token
	router *router.Router
	clock  clock.Clock
	sink   metrics.Sink
	events *events.Emitter

	outboxHandlers *Registry[OutboxHandler]
	inboxHandlers  *Registry[InboxHandler]

	manager lifecycle.ComponentManager
}

// New builds a Dispatcher that polls r's stores under self. A nil sink
// falls back to metrics.NoopSink. A nil emitter disables event publication
// entirely; loops skip straight past the emit call.
func New(r *router.Router, self owner.Token, clk clock.Clock, manager lifecycle.ComponentManager, sink metrics.Sink, emitter *events.Emitter) *Dispatcher {
	if sink == nil {
		sink = metrics.NoopSink{}
	}
	return &Dispatcher{
		self:           self,
		router:         r,
		clock:          clk,
		sink:           sink,
		events:         emitter,
		outboxHandlers: NewRegistry[OutboxHandler](),
		inboxHandlers:  NewRegistry[InboxHandler](),
		manager:        manager,
	}
}

// emit publishes ev through the dispatcher's configured emitter, if any.
func (d *Dispatcher) emit(ev events.Event) {
	if d.events == nil {
		return
	}
	d.events.Emit(ev)
}

// RegisterOutboxHandler binds h to topic for every OutboxLoop this
// dispatcher runs.
func (d *Dispatcher) RegisterOutboxHandler(topic string, h OutboxHandler) {
	d.outboxHandlers.Register(topic, h)
}

// RegisterInboxHandler binds h to topic for every InboxLoop this
// dispatcher runs.
func (d *Dispatcher) RegisterInboxHandler(topic string, h InboxHandler) {
	d.inboxHandlers.Register(topic, h)
}

// AddOutboxLoop builds and registers an OutboxLoop with the component
// manager, returning it for direct Start/Stop control if needed.
func (d *Dispatcher) AddOutboxLoop(cfg Config) *OutboxLoop {
	loop := newOutboxLoop(d, cfg.withDefaults())
	d.manager.Register(loop)
	return loop
}

// AddInboxLoop builds and registers an InboxLoop with the component
// manager.
func (d *Dispatcher) AddInboxLoop(cfg Config) *InboxLoop {
	loop := newInboxLoop(d, cfg.withDefaults())
	d.manager.Register(loop)
	return loop
}

// AddSchedulerLoop builds and registers a SchedulerLoop with the component
// manager.
func (d *Dispatcher) AddSchedulerLoop(cfg Config, maxPollingInterval time.Duration) *SchedulerLoop {
	if maxPollingInterval <= 0 {
		maxPollingInterval = 30 * time.Second
	}
	loop := newSchedulerLoop(d, cfg.withDefaults(), maxPollingInterval)
	d.manager.Register(loop)
	return loop
}

// StartAll starts every registered loop.
func (d *Dispatcher) StartAll() error { return d.manager.StartAll() }

// StopAll stops every registered loop, waiting for in-flight handlers to
// finish (Drain semantics) since each loop's Stop blocks on its workerPool
// call returning before the tick loop observes cancellation.
func (d *Dispatcher) StopAll() error { return d.manager.StopAll() }

// Drain stops every loop and waits for it, bounded by ctx, a convenience
// wrapper a caller's shutdown handler can call directly instead of reaching
// into the component manager.
func (d *Dispatcher) Drain(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- d.manager.StopAll()
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("dispatcher: drain did not complete before context cancellation: %w", ctx.Err())
	}
}
