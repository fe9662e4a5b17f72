package runspec

import (
	"context"
	"sync/atomic"

	"github.com/opexec/engine/opctx"
)

// AsyncSequenceSpec broadcasts the latest value from a channel of bool
// emissions. It begins iterating as soon as it is constructed; the initial
// value is used until the first emission arrives. Call Close to cancel the
// iteration goroutine (the explicit stand-in for "cancels iteration on
// drop" — Go has no destructors).
type AsyncSequenceSpec struct {
	broadcaster
	current int32 // 0/1, read/written atomically
	cancel  context.CancelFunc
}

// AsyncSequence begins consuming stream in a background goroutine and
// exposes its most recent emission as the spec's satisfied value.
func AsyncSequence(ctx context.Context, stream <-chan bool, initial bool) *AsyncSequenceSpec {
	ctx, cancel := context.WithCancel(ctx)
	s := &AsyncSequenceSpec{cancel: cancel}
	if initial {
		atomic.StoreInt32(&s.current, 1)
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-stream:
				if !ok {
					return
				}
				var iv int32
				if v {
					iv = 1
				}
				if atomic.SwapInt32(&s.current, iv) != iv {
					s.notify()
				}
			}
		}
	}()
	return s
}

func (s *AsyncSequenceSpec) IsSatisfied(opctx.Context) bool {
	return atomic.LoadInt32(&s.current) == 1
}

func (s *AsyncSequenceSpec) Subscribe(_ opctx.Context, onChange ChangeFunc) Subscription {
	return s.subscribe(onChange)
}

// Close stops the background iteration goroutine.
func (s *AsyncSequenceSpec) Close() {
	s.cancel()
}
