package ports

import (
	"context"

	"mprisctl/internal/core/domain"
)

// CallID correlates an outbound round-trip with its completion.
type CallID string

// Reply is the completion of a method call. Body holds normalised values.
type Reply struct {
	ID   CallID
	Body []any
	Err  error
}

// Done receives a round-trip completion on the dispatcher.
type Done func(Reply)

// Bus is the outbound half of the message-bus substrate. Every completion
// is delivered through the Dispatcher passed to the implementation, never
// on the caller's stack.
type Bus interface {
	// Start begins delivering inbound events to sink. Peers that already
	// exist are reported as appeared before Start returns.
	Start(ctx context.Context, sink BusSink) error
	Subscribe(peer domain.PeerID, iface domain.Interface)
	Unsubscribe(peer domain.PeerID)
	Call(peer domain.PeerID, iface domain.Interface, method string, args []any, done Done) CallID
	GetAll(peer domain.PeerID, iface domain.Interface, done Done) CallID
	Get(peer domain.PeerID, iface domain.Interface, name domain.Property, done Done) CallID
	Set(peer domain.PeerID, iface domain.Interface, name domain.Property, value any, done Done) CallID
	// GetSync blocks the calling goroutine for one property round-trip.
	GetSync(ctx context.Context, peer domain.PeerID, iface domain.Interface, name domain.Property) (any, error)
	Close() error
}

// BusSink is the inbound half. All methods run on the dispatcher.
type BusSink interface {
	PeerAppeared(peer domain.PeerID)
	PeerVanished(peer domain.PeerID)
	PropertiesChanged(peer domain.PeerID, iface domain.Interface, changed map[domain.Property]any, invalidated []domain.Property)
	SignalReceived(peer domain.PeerID, iface domain.Interface, member string, args []any)
}
