package client

import (
	"context"
	"sync"
	"time"

	"github.com/opexec/engine/opctx"
	"github.com/opexec/engine/runspec"
	"github.com/opexec/engine/store"
)

// Scheduler drives periodic reruns of registered jobs from a single cron
// schedule, independent of any individual store's own RerunOnChange
// modifier. It exists for background refresh jobs that span many stores at
// once — a cache-warming sweep, a nightly reconciliation pass — rather
// than one store's own network- or activity-gated rerun condition.
type Scheduler struct {
	spec *runspec.CronSpec

	mu            sync.Mutex
	jobs          []func(ctx context.Context)
	sub           runspec.Subscription
	lastSatisfied bool
}

// NewScheduler parses expr (standard 5-field cron syntax) and fires every
// registered job once per tick, for the duration of window after each
// firing (window may be 0 to fire only at the instant of each tick).
func NewScheduler(expr string, window time.Duration) (*Scheduler, error) {
	spec, err := runspec.NewCronSpec(expr, window)
	if err != nil {
		return nil, err
	}
	s := &Scheduler{spec: spec}
	s.lastSatisfied = spec.IsSatisfied(opctx.New())
	s.sub = spec.Subscribe(opctx.New(), s.onChange)
	return s, nil
}

func (s *Scheduler) onChange() {
	now := s.spec.IsSatisfied(opctx.New())
	s.mu.Lock()
	prev := s.lastSatisfied
	s.lastSatisfied = now
	jobs := append([]func(context.Context){}, s.jobs...)
	s.mu.Unlock()
	if prev || !now {
		return
	}
	for _, job := range jobs {
		go job(context.Background())
	}
}

// Register adds job to the set run on every cron firing.
func (s *Scheduler) Register(job func(ctx context.Context)) {
	s.mu.Lock()
	s.jobs = append(s.jobs, job)
	s.mu.Unlock()
}

// RegisterStoreRerun is a convenience for Register that reruns st on every
// firing of s's schedule.
func RegisterStoreRerun[V any, E any](s *Scheduler, st *store.Store[V, E]) {
	s.Register(func(ctx context.Context) { st.Run(ctx) })
}

// Stop releases the underlying cron schedule and its subscription, so no
// registered job fires again.
func (s *Scheduler) Stop() {
	s.sub.Unsubscribe()
	s.spec.Stop()
}
