// Package router fans a single dispatcher process out across an arbitrary
// number of backing stores. A Discovery yields the current set of stores;
// Router builds the per-store Outbox, Inbox, Scheduler, lease Manager, and
// idempotency Store adapters when a store first appears in a discovery
// result and keeps them in a registry guarded by a read-write lock, which
// a refresh holds for writing while it connects and drops stores, so
// readers see either the old or the new set. This generalizes managers.ItemManager (one
// flat named registry) into a registry-of-registries keyed first by
// store, then by component.
package router

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"oss.nandlabs.io/dispatch/clock"
	"oss.nandlabs.io/dispatch/collections"
	"oss.nandlabs.io/dispatch/idempotency"
	"oss.nandlabs.io/dispatch/inbox"
	"oss.nandlabs.io/dispatch/l3"
	"oss.nandlabs.io/dispatch/lease"
	"oss.nandlabs.io/dispatch/managers"
	"oss.nandlabs.io/dispatch/outbox"
	"oss.nandlabs.io/dispatch/owner"
	"oss.nandlabs.io/dispatch/scheduler"
	"oss.nandlabs.io/dispatch/secrets"
	"oss.nandlabs.io/dispatch/store"
	"oss.nandlabs.io/dispatch/store/postgres"
	"oss.nandlabs.io/dispatch/store/sqlite"
)

var logger = l3.Get()

// ControlPlaneKey is the reserved store key a control-plane database, if
// configured, is registered under. It participates in dispatch exactly
// like any other store.
const ControlPlaneKey = "__control_plane__"

// DefaultRefreshInterval is how often Router re-polls Discovery on its own,
// if StartAutoRefresh is used.
const DefaultRefreshInterval = 5 * time.Minute

// StoreConfig names one backing store. ConnectionString may be a literal
// DSN or a "secret://<provider>/<key>" reference resolved against a
// secrets.Store at connect time.
type StoreConfig struct {
	Key              string
	ConnectionString string
	SchemaName       string
}

// Discovery yields the current set of stores at startup and on refresh.
type Discovery interface {
	Discover(ctx context.Context) ([]StoreConfig, error)
}

// StaticDiscovery is a fixed, never-changing store list, useful for
// single-tenant deployments and tests.
type StaticDiscovery struct {
	Stores []StoreConfig
}

func (d StaticDiscovery) Discover(ctx context.Context) ([]StoreConfig, error) {
	return d.Stores, nil
}

// ErrAmbiguousStore is returned by the single-store convenience accessors
// when more than one store is configured.
var ErrAmbiguousStore = fmt.Errorf("router: more than one store configured, a key is required")

// ErrUnknownStore is returned when a key does not name a configured store.
var ErrUnknownStore = fmt.Errorf("router: unknown store key")

// handle bundles one store's connection and its per-store adapters. It is
// built once, on first discovery or refresh that introduces the key, and
// reused for the store's lifetime (closing it only when the key drops out
// of a later discovery snapshot).
type handle struct {
	key        string
	db         *sql.DB
	dialect    store.Dialect
	outbox     *outbox.Outbox
	inbox      *inbox.Inbox
	scheduler  *scheduler.Scheduler
	leaseMgr   *lease.Manager
	idempotent *idempotency.Store
}

func (h *handle) close() error {
	return h.db.Close()
}

// Router maintains the live snapshot of stores and their adapters,
// refreshed from Discovery on demand or on a timer.
type Router struct {
	discovery     Discovery
	secretStore   secrets.Store
	self          owner.Token
	clock         clock.Clock
	schemaName    string
	deploySchemas bool

	mu       sync.RWMutex
	handles  managers.ItemManager[*handle]
	order    []string
	rotation collections.Queue[string]
	stopAuto context.CancelFunc
}

// Option configures a Router at construction.
type Option func(*Router)

// WithSecretStore supplies the secrets.Store used to resolve
// "secret://provider/key" connection strings.
func WithSecretStore(s secrets.Store) Option {
	return func(r *Router) { r.secretStore = s }
}

// WithSchemaName sets the schema name used for stores whose StoreConfig
// leaves SchemaName empty. Defaults to "infra".
func WithSchemaName(name string) Option {
	return func(r *Router) { r.schemaName = name }
}

// WithoutSchemaDeployment disables calling DeploySchema against newly
// discovered stores, for deployments where schema migration is managed
// out of band.
func WithoutSchemaDeployment() Option {
	return func(r *Router) { r.deploySchemas = false }
}

// New builds a Router. self is the owner token this dispatcher process
// presents to every per-store Lease it acquires.
func New(discovery Discovery, self owner.Token, clk clock.Clock, opts ...Option) *Router {
	r := &Router{
		discovery:     discovery,
		self:          self,
		clock:         clk,
		schemaName:    "infra",
		deploySchemas: true,
		handles:       managers.NewItemManager[*handle](),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Refresh polls Discovery and updates the store set under the write lock: stores
// present in the new snapshot but not yet connected are opened; stores no
// longer present are closed and dropped. Stores present in both snapshots
// are left untouched (no reconnect on an unrelated store's refresh).
func (r *Router) Refresh(ctx context.Context) error {
	configs, err := r.discovery.Discover(ctx)
	if err != nil {
		return fmt.Errorf("router: discovery failed: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(configs))
	var newOrder []string
	for _, cfg := range configs {
		seen[cfg.Key] = true
		newOrder = append(newOrder, cfg.Key)
		if r.handles.Get(cfg.Key) != nil {
			continue
		}
		h, err := r.connect(ctx, cfg)
		if err != nil {
			return fmt.Errorf("router: connecting store %q: %w", cfg.Key, err)
		}
		r.handles.Register(cfg.Key, h)
		logger.InfoF("router discovered store %q", cfg.Key)
	}

	for _, existingKey := range r.order {
		if !seen[existingKey] {
			if h := r.handles.Get(existingKey); h != nil {
				if err := h.close(); err != nil {
					logger.WarnF("router: closing dropped store %q: %v", existingKey, err)
				}
				r.handles.Unregister(existingKey)
				logger.InfoF("router dropped store %q", existingKey)
			}
		}
	}

	r.order = newOrder
	rotation := collections.NewArrayQueue[string]()
	for _, key := range newOrder {
		_ = rotation.Enqueue(key)
	}
	r.rotation = rotation
	return nil
}

// StartAutoRefresh launches a background goroutine that calls Refresh
// every interval until ctx is cancelled or Stop is called. interval <= 0
// uses DefaultRefreshInterval.
func (r *Router) StartAutoRefresh(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.stopAuto = cancel
	r.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.Refresh(ctx); err != nil {
					logger.ErrorF("router auto-refresh failed: %v", err)
				}
			}
		}
	}()
}

// Stop halts auto-refresh, if running, and closes every connected store.
func (r *Router) Stop() error {
	r.mu.Lock()
	if r.stopAuto != nil {
		r.stopAuto()
	}
	handles := r.handles
	keys := r.order
	r.mu.Unlock()

	var firstErr error
	for _, key := range keys {
		if h := handles.Get(key); h != nil {
			if err := h.close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *Router) connect(ctx context.Context, cfg StoreConfig) (*handle, error) {
	dsn, err := r.resolveDSN(ctx, cfg.ConnectionString)
	if err != nil {
		return nil, err
	}
	schemaName := cfg.SchemaName
	if schemaName == "" {
		schemaName = r.schemaName
	}

	var db *sql.DB
	var dialect store.Dialect
	switch {
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://"):
		db, err = postgres.Open(ctx, dsn)
		dialect = postgres.Dialect{}
	default:
		db, err = sqlite.Open(ctx, dsn)
		dialect = sqlite.Dialect{}
	}
	if err != nil {
		return nil, err
	}

	ob := outbox.New(db, dialect, schemaName, r.clock)
	ib := inbox.New(db, dialect, schemaName, r.clock)
	outboxTable := "dispatch_outbox"
	if schemaName != "" {
		outboxTable = schemaName + "." + outboxTable
	}
	sc := scheduler.New(db, dialect, schemaName, outboxTable, r.clock)
	lm := lease.New(db, dialect, schemaName, r.clock, r.self)
	idemp := idempotency.New(db, dialect, schemaName, r.clock)

	if r.deploySchemas {
		if err := ob.DeploySchema(ctx); err != nil {
			return nil, fmt.Errorf("outbox schema: %w", err)
		}
		if err := ib.DeploySchema(ctx); err != nil {
			return nil, fmt.Errorf("inbox schema: %w", err)
		}
		if err := sc.DeploySchema(ctx); err != nil {
			return nil, fmt.Errorf("scheduler schema: %w", err)
		}
		if err := lm.DeploySchema(ctx); err != nil {
			return nil, fmt.Errorf("lease schema: %w", err)
		}
		if err := idemp.DeploySchema(ctx); err != nil {
			return nil, fmt.Errorf("idempotency schema: %w", err)
		}
	}

	return &handle{
		key:        cfg.Key,
		db:         db,
		dialect:    dialect,
		outbox:     ob,
		inbox:      ib,
		scheduler:  sc,
		leaseMgr:   lm,
		idempotent: idemp,
	}, nil
}

// resolveDSN expands a "secret://provider/key" reference against the
// configured secrets.Store; any other string passes through unchanged.
func (r *Router) resolveDSN(ctx context.Context, raw string) (string, error) {
	const prefix = "secret://"
	if !strings.HasPrefix(raw, prefix) {
		return raw, nil
	}
	if r.secretStore == nil {
		return "", fmt.Errorf("router: connection string %q references a secret but no secrets.Store is configured", raw)
	}
	rest := strings.TrimPrefix(raw, prefix)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("router: malformed secret reference %q, expected secret://provider/key", raw)
	}
	key := parts[1]
	cred, err := r.secretStore.Get(key, ctx)
	if err != nil {
		return "", fmt.Errorf("router: resolving secret %q: %w", key, err)
	}
	return cred.Str(), nil
}

// Keys returns the current store keys in a stable, discovery-order
// snapshot.
func (r *Router) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Next returns the next store key from a round-robin rotation over the
// current snapshot by dequeuing the front key and enqueuing it at the
// back, so a full lap of Next calls visits every configured store exactly
// once without starving any of them. Pollers call this once per tick per
// loop type.
func (r *Router) Next() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rotation == nil {
		return "", false
	}
	key, err := r.rotation.Dequeue()
	if err != nil {
		return "", false
	}
	_ = r.rotation.Enqueue(key)
	return key, true
}

func (r *Router) get(key string) (*handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h := r.handles.Get(key)
	if h == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStore, key)
	}
	return h, nil
}

// single returns the one configured store's handle, or ErrAmbiguousStore
// if more than one is configured.
func (r *Router) single() (*handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.order) == 0 {
		return nil, ErrUnknownStore
	}
	if len(r.order) > 1 {
		return nil, ErrAmbiguousStore
	}
	return r.handles.Get(r.order[0]), nil
}

// GetOutbox resolves the Outbox adapter for key.
func (r *Router) GetOutbox(key string) (*outbox.Outbox, error) {
	h, err := r.get(key)
	if err != nil {
		return nil, err
	}
	return h.outbox, nil
}

// GetInbox resolves the Inbox adapter for key.
func (r *Router) GetInbox(key string) (*inbox.Inbox, error) {
	h, err := r.get(key)
	if err != nil {
		return nil, err
	}
	return h.inbox, nil
}

// GetScheduler resolves the Scheduler adapter for key.
func (r *Router) GetScheduler(key string) (*scheduler.Scheduler, error) {
	h, err := r.get(key)
	if err != nil {
		return nil, err
	}
	return h.scheduler, nil
}

// GetLeaseManager resolves the Lease manager for key.
func (r *Router) GetLeaseManager(key string) (*lease.Manager, error) {
	h, err := r.get(key)
	if err != nil {
		return nil, err
	}
	return h.leaseMgr, nil
}

// GetIdempotencyStore resolves the idempotency Store for key.
func (r *Router) GetIdempotencyStore(key string) (*idempotency.Store, error) {
	h, err := r.get(key)
	if err != nil {
		return nil, err
	}
	return h.idempotent, nil
}

// Outbox is the single-store convenience path: it returns the only
// configured store's Outbox, or ErrAmbiguousStore when more than one store
// is configured.
func (r *Router) Outbox() (*outbox.Outbox, error) {
	h, err := r.single()
	if err != nil {
		return nil, err
	}
	return h.outbox, nil
}

// Inbox is the single-store convenience path for Inbox.
func (r *Router) Inbox() (*inbox.Inbox, error) {
	h, err := r.single()
	if err != nil {
		return nil, err
	}
	return h.inbox, nil
}

// Scheduler is the single-store convenience path for Scheduler.
func (r *Router) Scheduler() (*scheduler.Scheduler, error) {
	h, err := r.single()
	if err != nil {
		return nil, err
	}
	return h.scheduler, nil
}
