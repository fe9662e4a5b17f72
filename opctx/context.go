// Package opctx implements the engine's type-indexed, open property bag:
// per-run configuration (clock, retry policy, delay policy, task name and
// priority, scheduling gates) plus arbitrary user keys, copied into every
// task at run time.
package opctx

import (
	"time"
)

// Key is a type-safe context key. K is a marker type unique to the key
// (commonly an empty struct type); V is the value type stored under it.
// Unset keys return Default.
type Key[K any, V any] struct {
	Default V
}

// NewKey declares a context key with the given zero/default value.
func NewKey[K any, V any](def V) Key[K, V] {
	return Key[K, V]{Default: def}
}

type entry struct {
	value any
}

// Context is a copyable property bag. The zero value is usable and behaves
// as an empty context whose every key reads as its declared default. The
// underlying map is never mutated after it is built: Set always produces a
// new map, so a Context value can be freely shared and copied without
// synchronization.
type Context struct {
	values map[any]entry
}

// New returns an empty, ready-to-use Context.
func New() Context {
	return Context{values: map[any]entry{}}
}

func (c Context) ensure() Context {
	if c.values == nil {
		return New()
	}
	return c
}

type keyIdentity[K any, V any] struct{}

// Get returns the value stored under key, or key.Default if unset.
func Get[K any, V any](c Context, key Key[K, V]) V {
	c = c.ensure()
	id := keyIdentity[K, V]{}
	if e, ok := c.values[id]; ok {
		if v, ok := e.value.(V); ok {
			return v
		}
	}
	return key.Default
}

// Set returns a copy of c with value stored under key. The receiver is
// never mutated, so snapshots taken earlier (e.g. a task's captured
// Context) remain stable after a later Set on the same Context value.
func Set[K any, V any](c Context, key Key[K, V], value V) Context {
	c = c.ensure()
	cp := make(map[any]entry, len(c.values)+1)
	for k, v := range c.values {
		cp[k] = v
	}
	id := keyIdentity[K, V]{}
	cp[id] = entry{value: value}
	return Context{values: cp}
}

// Clone returns an independent copy of c, suitable for handing to a task at
// run time: later mutations on either copy never affect the other.
func (c Context) Clone() Context {
	c = c.ensure()
	cp := make(map[any]entry, len(c.values))
	for k, v := range c.values {
		cp[k] = v
	}
	return Context{values: cp}
}

// Clock supplies the current instant. Context carries one under ClockKey so
// tests can inject a deterministic source.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the default, real-time Clock.
var SystemClock Clock = systemClock{}

type clockKeyType struct{}
type taskConfigKeyType struct{}
type retryIndexKeyType struct{}
type lastRetryKeyType struct{}
type runningTaskInfoKeyType struct{}
type enableAutoRunKeyType struct{}
type appActiveRerunKeyType struct{}
type networkRerunKeyType struct{}
type delayerKeyType struct{}
type backoffKeyType struct{}

// ClockKey holds the clock used to stamp state updates.
var ClockKey = NewKey[clockKeyType, Clock](SystemClock)

// TaskConfiguration describes task name and priority.
type TaskConfiguration struct {
	Name     string
	Priority int
}

// TaskConfigurationKey holds the current run's task configuration.
var TaskConfigurationKey = NewKey[taskConfigKeyType, TaskConfiguration](TaskConfiguration{})

// RetryIndexKey holds the zero-based index of the current attempt.
var RetryIndexKey = NewKey[retryIndexKeyType, int](0)

// IsLastRetryAttemptKey is true on the final permitted attempt.
var IsLastRetryAttemptKey = NewKey[lastRetryKeyType, bool](false)

// RunningTaskInfo identifies the task servicing the current run.
type RunningTaskInfo struct {
	TaskID string
}

// RunningTaskInfoKey holds metadata about the task currently executing.
var RunningTaskInfoKey = NewKey[runningTaskInfoKeyType, RunningTaskInfo](RunningTaskInfo{})

// AutoRunGate gates whether the first subscriber triggers a run.
// The stored value is an opaque "satisfied" function rather than a concrete
// type to avoid an import cycle with runspec; store construction fills it in.
type AutoRunGate func() bool

// EnableAutomaticRunningKey holds the gate consulted before an automatic run.
var EnableAutomaticRunningKey = NewKey[enableAutoRunKeyType, AutoRunGate](func() bool { return false })

// IsApplicationActiveRerunningEnabledKey disables the activity-triggered
// rerun path without removing the RerunOnChange modifier itself.
var IsApplicationActiveRerunningEnabledKey = NewKey[appActiveRerunKeyType, bool](true)

// IsNetworkRerunningEnabledKey disables the network-triggered rerun path.
var IsNetworkRerunningEnabledKey = NewKey[networkRerunKeyType, bool](true)

// DelayerKey holds the Sleep policy object. Declared as `any` to avoid a
// dependency from opctx onto the resilience package; store construction
// stores a resilience.Delayer here and callers type-assert it back.
var DelayerKey = NewKey[delayerKeyType, any](nil)

// BackoffFunctionKey holds the backoff policy object, same any-typed
// indirection as DelayerKey.
var BackoffFunctionKey = NewKey[backoffKeyType, any](nil)
