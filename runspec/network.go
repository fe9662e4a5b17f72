package runspec

import (
	"github.com/opexec/engine/opctx"
)

// ConnectionStatus mirrors the consumed Network-connection observer
// contract from §6: connected, disconnected, or requires-connection.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnected
	StatusRequiresConnection
)

// NetworkObserver is the consumed external connectivity interface.
type NetworkObserver interface {
	CurrentStatus() ConnectionStatus
	Subscribe(fn func(ConnectionStatus)) Subscription
}

type networkSpec struct {
	broadcaster
	observer NetworkObserver
}

// NetworkConnection wraps an external connectivity observer as a Spec that
// is satisfied only when the observer reports StatusConnected, additionally
// ANDed with the IsNetworkRerunningEnabledKey context flag.
func NetworkConnection(observer NetworkObserver) Spec {
	n := &networkSpec{observer: observer}
	n.observer.Subscribe(func(ConnectionStatus) { n.notify() })
	return And(connectedOnly{n}, enabledFlag{get: func(ctx opctx.Context) bool {
		return opctx.Get(ctx, opctx.IsNetworkRerunningEnabledKey)
	}})
}

type connectedOnly struct{ *networkSpec }

func (c connectedOnly) IsSatisfied(opctx.Context) bool {
	return c.observer.CurrentStatus() == StatusConnected
}

func (c connectedOnly) Subscribe(_ opctx.Context, onChange ChangeFunc) Subscription {
	return c.subscribe(onChange)
}
