package runspec

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/opexec/engine/opctx"
)

// CronSpec is satisfied for the duration of window after each firing of a
// cron schedule, then reverts to unsatisfied until the next firing. It is
// a RunSpecification-shaped adapter over robfig/cron/v3, the scheduling
// library used to drive periodic reruns.
type CronSpec struct {
	broadcaster
	mu        sync.Mutex
	satisfied bool
	cron      *cron.Cron
	entryID   cron.EntryID
}

// NewCronSpec parses expr (standard 5-field cron syntax) and becomes
// satisfied for window after every firing. It starts its own internal
// cron.Cron scheduler; call Stop to release it.
func NewCronSpec(expr string, window time.Duration) (*CronSpec, error) {
	c := cron.New()
	s := &CronSpec{cron: c}
	id, err := c.AddFunc(expr, func() {
		s.mu.Lock()
		s.satisfied = true
		s.mu.Unlock()
		s.notify()
		if window > 0 {
			time.AfterFunc(window, func() {
				s.mu.Lock()
				s.satisfied = false
				s.mu.Unlock()
				s.notify()
			})
		} else {
			s.mu.Lock()
			s.satisfied = false
			s.mu.Unlock()
			s.notify()
		}
	})
	if err != nil {
		return nil, err
	}
	s.entryID = id
	c.Start()
	return s, nil
}

func (s *CronSpec) IsSatisfied(opctx.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.satisfied
}

func (s *CronSpec) Subscribe(_ opctx.Context, onChange ChangeFunc) Subscription {
	return s.subscribe(onChange)
}

// Stop releases the underlying cron scheduler.
func (s *CronSpec) Stop() {
	s.cron.Remove(s.entryID)
	<-s.cron.Stop().Done()
}
