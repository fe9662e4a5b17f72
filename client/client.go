// Package client implements the engine's top-level entry point: a Client
// owns a cache of stores keyed by operation path and assembles each store with
// the deployment's default modifier pipeline (dedup, retry, backoff,
// delayer, automatic running, rerun-on-change), the same way the
// orchestrator's top-level engine wires a shared retry policy and executor
// pool into every task it schedules.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/opexec/engine/observability"
	"github.com/opexec/engine/opctx"
	"github.com/opexec/engine/path"
	"github.com/opexec/engine/resilience"
	"github.com/opexec/engine/runspec"
	"github.com/opexec/engine/store"
	"github.com/opexec/engine/warnings"
)

// AnyStore is the type-erased view of a cached store: every Store,
// PaginatedStore, and MutationStore satisfies it, letting the cache track
// and evict stores of different value/error types uniformly.
type AnyStore interface {
	Path() path.Path
	MarkDropped()
	SubscriberCount() int
}

// Config configures a Client's default modifier pipeline.
type Config struct {
	// Context is the base context every store in this client is
	// constructed with (clock, user keys).
	Context opctx.Context
	// NetworkObserver, if set, drives RerunOnChange(NetworkConnection)
	// on every query store by default.
	NetworkObserver runspec.NetworkObserver
	// ActivityObserver, if set, additionally gates automatic running on
	// foreground activity.
	ActivityObserver runspec.ActivityObserver
	// RetryLimit is the default number of additional attempts after the
	// first for query and mutation stores.
	RetryLimit int
	// BackoffBase/BackoffMax parameterize the default exponential
	// backoff policy.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// TestingMode disables retries, backoff, and delays — the same "fail
	// fast, no sleeping" posture the teacher's orchestrator test harness
	// runs with.
	TestingMode bool
	Reporter    *warnings.Reporter
}

// Client is the cache of every store the application has created, keyed by
// operation path.
type Client struct {
	cfg Config

	mu     sync.Mutex
	stores map[string]AnyStore
}

// New builds a Client from cfg.
func New(cfg Config) *Client {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 200 * time.Millisecond
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	if cfg.RetryLimit < 0 {
		cfg.RetryLimit = 0
	}
	if cfg.Reporter == nil {
		cfg.Reporter = warnings.Default
	}
	return &Client{cfg: cfg, stores: map[string]AnyStore{}}
}

func (c *Client) delayer() resilience.Delayer {
	if c.cfg.TestingMode {
		return resilience.NoDelay{}
	}
	return resilience.RealDelayer{}
}

func (c *Client) backoff() resilience.BackoffFunction {
	if c.cfg.TestingMode {
		return resilience.ZeroBackoff()
	}
	return resilience.ExponentialBackoff(c.cfg.BackoffBase, c.cfg.BackoffMax)
}

func (c *Client) retryLimit() int {
	if c.cfg.TestingMode {
		return 0
	}
	return c.cfg.RetryLimit
}

// defaultRerunSpec builds the network/activity gated rerun condition
// shared by query stores, or nil if neither observer is configured.
func (c *Client) defaultRerunSpec() runspec.Spec {
	var specs []runspec.Spec
	if c.cfg.NetworkObserver != nil {
		specs = append(specs, runspec.NetworkConnection(c.cfg.NetworkObserver))
	}
	if c.cfg.ActivityObserver != nil {
		specs = append(specs, runspec.ApplicationIsActive(c.cfg.ActivityObserver))
	}
	switch len(specs) {
	case 0:
		return nil
	case 1:
		return specs[0]
	default:
		return runspec.And(specs...)
	}
}

func (c *Client) register(key string, s AnyStore) {
	c.mu.Lock()
	c.stores[key] = s
	c.mu.Unlock()
}

func (c *Client) lookup(key string) (AnyStore, bool) {
	c.mu.Lock()
	s, ok := c.stores[key]
	c.mu.Unlock()
	if ok {
		observability.RecordCacheHit(context.Background())
	} else {
		observability.RecordCacheMiss(context.Background())
	}
	return s, ok
}

// maybeEvict drops key from the cache once its store's subscriber count
// has reached zero. Safe to call speculatively after every unsubscribe.
func (c *Client) maybeEvict(key string) {
	c.mu.Lock()
	s, ok := c.stores[key]
	if ok && s.SubscriberCount() == 0 {
		delete(c.stores, key)
	}
	c.mu.Unlock()
	if ok && s.SubscriberCount() == 0 {
		s.MarkDropped()
	}
}

// Stores returns every cached store whose path has matching as a prefix.
func (c *Client) Stores(matching path.Path) []AnyStore {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]AnyStore, 0)
	for _, s := range c.stores {
		if matching.IsPrefixOf(s.Path()) {
			out = append(out, s)
		}
	}
	return out
}

// ClearCache evicts every store, marking each dropped so any Controls still
// referencing it degrade to warnings instead of touching torn-down state.
func (c *Client) ClearCache() {
	c.mu.Lock()
	all := make([]AnyStore, 0, len(c.stores))
	for _, s := range c.stores {
		all = append(all, s)
	}
	c.stores = map[string]AnyStore{}
	c.mu.Unlock()
	for _, s := range all {
		s.MarkDropped()
	}
}
