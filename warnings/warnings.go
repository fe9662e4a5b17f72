// Package warnings implements the engine's out-of-band soft-error channel:
// cyclic task dependencies, controller access after store teardown, and
// mutation runs without history are reported here rather than failing the
// caller outright.
package warnings

import (
	"log/slog"
	"sync"
)

// Kind classifies a reported warning.
type Kind int

const (
	KindCyclicDependency Kind = iota
	KindControllerAfterDrop
	KindMutationRunWithoutHistory
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindCyclicDependency:
		return "cyclic_dependency"
	case KindControllerAfterDrop:
		return "controller_after_drop"
	case KindMutationRunWithoutHistory:
		return "mutation_run_without_history"
	default:
		return "other"
	}
}

// Warning is a single reported soft-error condition.
type Warning struct {
	Kind    Kind
	Message string
}

// Reporter receives diagnostic warnings. It is safe for concurrent use.
type Reporter struct {
	mu        sync.Mutex
	observers []func(Warning)
}

// Default is the process-wide reporter used when no store-local reporter
// has been configured; it logs via slog at warn level.
var Default = NewLoggingReporter()

// NewLoggingReporter builds a Reporter whose sole observer writes to the
// default slog logger.
func NewLoggingReporter() *Reporter {
	r := &Reporter{}
	r.Observe(func(w Warning) {
		slog.Warn("operation engine warning", "kind", w.Kind.String(), "message", w.Message)
	})
	return r
}

// Observe registers fn to be invoked for every future reported warning.
func (r *Reporter) Observe(fn func(Warning)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

// Report delivers w to every registered observer.
func (r *Reporter) Report(w Warning) {
	r.mu.Lock()
	observers := make([]func(Warning), len(r.observers))
	copy(observers, r.observers)
	r.mu.Unlock()
	for _, fn := range observers {
		fn(w)
	}
}

// Reportf is a convenience for Report with a formatted message.
func (r *Reporter) Reportf(kind Kind, message string) {
	r.Report(Warning{Kind: kind, Message: message})
}
