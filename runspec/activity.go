package runspec

import "github.com/opexec/engine/opctx"

// ActivityObserver is the consumed external interface for application
// foreground/background notifications. Subscribe must immediately deliver
// the current state to fn.
type ActivityObserver interface {
	Subscribe(fn func(isActive bool)) Subscription
}

type activitySpec struct {
	broadcaster
	current bool
	sub     Subscription
}

// ApplicationIsActive wraps an external activity observer as a Spec,
// additionally ANDed with the IsApplicationActiveRerunningEnabledKey
// context flag: the wrapped observer's own state matters, but a caller can
// disable the rerun path without detaching the observer.
func ApplicationIsActive(observer ActivityObserver) Spec {
	a := &activitySpec{}
	a.sub = observer.Subscribe(func(isActive bool) {
		changed := a.current != isActive
		a.current = isActive
		if changed {
			a.notify()
		}
	})
	return And(activeOnly{a}, enabledFlag{get: func(ctx opctx.Context) bool {
		return opctx.Get(ctx, opctx.IsApplicationActiveRerunningEnabledKey)
	}})
}

// activeOnly exposes just the observer-driven half of ApplicationIsActive,
// useful when a caller wants the raw activity value without the context
// gate (e.g. to report it separately).
type activeOnly struct{ *activitySpec }

func (a activeOnly) IsSatisfied(opctx.Context) bool { return a.current }
func (a activeOnly) Subscribe(_ opctx.Context, onChange ChangeFunc) Subscription {
	return a.subscribe(onChange)
}

// enabledFlag reads a boolean context key as a Spec with no change
// notifications of its own: the key is read each time IsSatisfied is
// evaluated, and changing it notifies no subscriber.
type enabledFlag struct {
	get func(opctx.Context) bool
}

func (e enabledFlag) IsSatisfied(ctx opctx.Context) bool { return e.get(ctx) }
func (e enabledFlag) Subscribe(opctx.Context, ChangeFunc) Subscription {
	return funcSubscription{}
}
