package runspec

import (
	"sync"

	nats "github.com/nats-io/nats.go"
)

// NATSNetworkObserver adapts a *nats.Conn's connection-state callbacks into
// a NetworkObserver, the concrete network-connectivity signal most
// consumers of this engine in a NATS-based deployment will want to wire
// into NetworkConnection.
type NATSNetworkObserver struct {
	mu        sync.Mutex
	observers []func(ConnectionStatus)
	nc        *nats.Conn
}

// NewNATSNetworkObserver registers reconnect/disconnect/close handlers on
// nc and exposes its live connection state as a NetworkObserver. It does
// not take ownership of nc; callers manage the connection's lifetime.
func NewNATSNetworkObserver(nc *nats.Conn) *NATSNetworkObserver {
	o := &NATSNetworkObserver{nc: nc}
	nc.SetReconnectHandler(func(*nats.Conn) { o.emit(StatusConnected) })
	nc.SetDisconnectErrHandler(func(*nats.Conn, error) { o.emit(StatusDisconnected) })
	nc.SetClosedHandler(func(*nats.Conn) { o.emit(StatusDisconnected) })
	return o
}

func (o *NATSNetworkObserver) emit(s ConnectionStatus) {
	o.mu.Lock()
	observers := make([]func(ConnectionStatus), len(o.observers))
	copy(observers, o.observers)
	o.mu.Unlock()
	for _, fn := range observers {
		fn(s)
	}
}

// CurrentStatus translates the underlying connection's live status.
func (o *NATSNetworkObserver) CurrentStatus() ConnectionStatus {
	switch o.nc.Status() {
	case nats.CONNECTED:
		return StatusConnected
	case nats.RECONNECTING, nats.DISCONNECTED:
		return StatusRequiresConnection
	default:
		return StatusDisconnected
	}
}

// Subscribe registers fn for future connection-state transitions.
func (o *NATSNetworkObserver) Subscribe(fn func(ConnectionStatus)) Subscription {
	o.mu.Lock()
	idx := len(o.observers)
	o.observers = append(o.observers, fn)
	o.mu.Unlock()
	return funcSubscription{fn: func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if idx < len(o.observers) {
			o.observers[idx] = func(ConnectionStatus) {}
		}
	}}
}
