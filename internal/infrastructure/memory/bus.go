package memory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"mprisctl/internal/core/domain"
	"mprisctl/internal/core/ports"
	"mprisctl/pkg/utils"
)

var (
	ErrServiceUnknown = errors.New("org.freedesktop.DBus.Error.ServiceUnknown")
	ErrUnknownMethod  = errors.New("org.freedesktop.DBus.Error.UnknownMethod")
	ErrInvalidArgs    = errors.New("org.freedesktop.DBus.Error.InvalidArgs")
)

// Call records one outbound request seen by the bus.
type Call struct {
	ID        ports.CallID
	Peer      domain.PeerID
	Interface domain.Interface
	Method    string
	Args      []any
}

// CallHandler lets a fake peer react to method calls. Returning an error
// fails the call.
type CallHandler func(b *Bus, peer domain.PeerID, iface domain.Interface, method string, args []any) error

type peer struct {
	props   map[domain.Interface]map[string]any
	handler CallHandler
	held    bool
	queued  []func()
}

// Bus is an in-process bus substrate. Peers are plain property maps; every
// completion and notification is posted to the dispatcher, never delivered
// on the caller's stack.
type Bus struct {
	mu            sync.Mutex
	dispatcher    ports.Dispatcher
	sink          ports.BusSink
	peers         map[domain.PeerID]*peer
	removed       map[domain.PeerID]*peer
	subscriptions map[domain.PeerID]map[domain.Interface]bool
	failures      map[string]error
	calls         []Call
}

var _ ports.Bus = (*Bus)(nil)

func NewBus(dispatcher ports.Dispatcher) *Bus {
	return &Bus{
		dispatcher:    dispatcher,
		peers:         make(map[domain.PeerID]*peer),
		removed:       make(map[domain.PeerID]*peer),
		subscriptions: make(map[domain.PeerID]map[domain.Interface]bool),
		failures:      make(map[string]error),
	}
}

func (b *Bus) Start(ctx context.Context, sink ports.BusSink) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sink != nil {
		return fmt.Errorf("bus already started")
	}
	b.sink = sink
	ids := slices.Sorted(maps.Keys(b.peers))
	for _, id := range ids {
		b.post(func() { sink.PeerAppeared(id) })
	}
	return nil
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sink = nil
	return nil
}

// AddPeer registers a fake player. Existing names are replaced, which the
// sink observes as a new instance.
func (b *Bus) AddPeer(id domain.PeerID, root, player map[string]any, handler CallHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if old, ok := b.peers[id]; ok && len(old.queued) > 0 {
		b.removed[id] = old
	}
	b.peers[id] = &peer{
		props: map[domain.Interface]map[string]any{
			domain.InterfaceRoot:   maps.Clone(root),
			domain.InterfacePlayer: maps.Clone(player),
		},
		handler: handler,
	}
	if b.peers[id].props[domain.InterfaceRoot] == nil {
		b.peers[id].props[domain.InterfaceRoot] = make(map[string]any)
	}
	if b.peers[id].props[domain.InterfacePlayer] == nil {
		b.peers[id].props[domain.InterfacePlayer] = make(map[string]any)
	}
	if sink := b.sink; sink != nil {
		b.post(func() { sink.PeerAppeared(id) })
	}
}

func (b *Bus) RemovePeer(id domain.PeerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.peers[id]
	if !ok {
		return
	}
	if len(p.queued) > 0 {
		b.removed[id] = p
	}
	delete(b.peers, id)
	delete(b.subscriptions, id)
	if sink := b.sink; sink != nil {
		b.post(func() { sink.PeerVanished(id) })
	}
}

// SetProperty changes a peer property and notifies subscribers, as a player
// emitting PropertiesChanged would.
func (b *Bus) SetProperty(id domain.PeerID, iface domain.Interface, name domain.Property, value any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setLocked(id, iface, name, value)
}

// SetProperties changes several properties in one notification.
func (b *Bus) SetProperties(id domain.PeerID, iface domain.Interface, values map[domain.Property]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.peers[id]
	if !ok {
		return
	}
	for name, value := range values {
		p.props[iface][string(name)] = value
	}
	b.notifyLocked(id, iface, maps.Clone(values), nil)
}

// SetSilently changes a property without notifying anyone.
func (b *Bus) SetSilently(id domain.PeerID, iface domain.Interface, name domain.Property, value any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.peers[id]; ok {
		p.props[iface][string(name)] = value
	}
}

// Invalidate announces that a property changed without sending its value.
func (b *Bus) Invalidate(id domain.PeerID, iface domain.Interface, name domain.Property, value any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.peers[id]
	if !ok {
		return
	}
	p.props[iface][string(name)] = value
	b.notifyLocked(id, iface, nil, []domain.Property{name})
}

// EmitSignal delivers a signal from a peer to subscribers.
func (b *Bus) EmitSignal(id domain.PeerID, iface domain.Interface, member string, args ...any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sink := b.sink
	if sink == nil || !b.subscriptions[id][iface] {
		return
	}
	b.post(func() { sink.SignalReceived(id, iface, member, args) })
}

// Hold queues every reply from id until Release. Replies still queued when
// the peer is removed or replaced are delivered by Release as well.
func (b *Bus) Hold(id domain.PeerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.peers[id]; ok {
		p.held = true
	}
}

func (b *Bus) Release(id domain.PeerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok := b.removed[id]; ok {
		delete(b.removed, id)
		b.flushLocked(p)
	}
	if p, ok := b.peers[id]; ok {
		b.flushLocked(p)
	}
}

func (b *Bus) flushLocked(p *peer) {
	p.held = false
	for _, fn := range p.queued {
		b.post(fn)
	}
	p.queued = nil
}

// FailNext makes the next round-trip for member fail with err. member is a
// method name, or "Get", "GetAll" and "Set" for property access.
func (b *Bus) FailNext(member string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[member] = err
}

func (b *Bus) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.calls)
}

// CallCount counts recorded round-trips for member.
func (b *Bus) CallCount(member string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if c.Method == member {
			n++
		}
	}
	return n
}

func (b *Bus) Subscribed(id domain.PeerID, iface domain.Interface) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscriptions[id][iface]
}

func (b *Bus) Subscribe(id domain.PeerID, iface domain.Interface) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscriptions[id] == nil {
		b.subscriptions[id] = make(map[domain.Interface]bool)
	}
	b.subscriptions[id][iface] = true
}

func (b *Bus) Unsubscribe(id domain.PeerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscriptions, id)
}

func (b *Bus) Call(id domain.PeerID, iface domain.Interface, method string, args []any, done ports.Done) ports.CallID {
	b.mu.Lock()
	defer b.mu.Unlock()
	callID := b.record(id, iface, method, args)
	p, err := b.lookup(id, method)
	var handler CallHandler
	if err == nil {
		handler = p.handler
	}
	b.reply(p, func() {
		if err == nil && handler != nil {
			err = handler(b, id, iface, method, args)
		}
		done(ports.Reply{ID: callID, Err: err})
	})
	return callID
}

func (b *Bus) GetAll(id domain.PeerID, iface domain.Interface, done ports.Done) ports.CallID {
	b.mu.Lock()
	defer b.mu.Unlock()
	callID := b.record(id, iface, "GetAll", nil)
	p, err := b.lookup(id, "GetAll")
	var values map[string]any
	if err == nil {
		values = maps.Clone(p.props[iface])
	}
	b.reply(p, func() {
		if err != nil {
			done(ports.Reply{ID: callID, Err: err})
			return
		}
		done(ports.Reply{ID: callID, Body: []any{values}})
	})
	return callID
}

func (b *Bus) Get(id domain.PeerID, iface domain.Interface, name domain.Property, done ports.Done) ports.CallID {
	b.mu.Lock()
	defer b.mu.Unlock()
	callID := b.record(id, iface, "Get", []any{string(name)})
	value, p, err := b.getLocked(id, iface, name)
	b.reply(p, func() {
		if err != nil {
			done(ports.Reply{ID: callID, Err: err})
			return
		}
		done(ports.Reply{ID: callID, Body: []any{value}})
	})
	return callID
}

func (b *Bus) Set(id domain.PeerID, iface domain.Interface, name domain.Property, value any, done ports.Done) ports.CallID {
	b.mu.Lock()
	defer b.mu.Unlock()
	callID := b.record(id, iface, "Set", []any{string(name), value})
	p, err := b.lookup(id, "Set")
	if err == nil {
		b.setLocked(id, iface, name, value)
	}
	b.reply(p, func() { done(ports.Reply{ID: callID, Err: err}) })
	return callID
}

func (b *Bus) GetSync(ctx context.Context, id domain.PeerID, iface domain.Interface, name domain.Property) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record(id, iface, "Get", []any{string(name)})
	value, _, err := b.getLocked(id, iface, name)
	return value, err
}

func (b *Bus) getLocked(id domain.PeerID, iface domain.Interface, name domain.Property) (any, *peer, error) {
	p, err := b.lookup(id, "Get")
	if err != nil {
		return nil, p, err
	}
	value, ok := p.props[iface][string(name)]
	if !ok {
		return nil, p, fmt.Errorf("%w: no property %s.%s", ErrInvalidArgs, iface, name)
	}
	return value, p, nil
}

func (b *Bus) setLocked(id domain.PeerID, iface domain.Interface, name domain.Property, value any) {
	p, ok := b.peers[id]
	if !ok {
		return
	}
	p.props[iface][string(name)] = value
	b.notifyLocked(id, iface, map[domain.Property]any{name: value}, nil)
}

func (b *Bus) notifyLocked(id domain.PeerID, iface domain.Interface, changed map[domain.Property]any, invalidated []domain.Property) {
	sink := b.sink
	if sink == nil || !b.subscriptions[id][iface] {
		return
	}
	b.post(func() { sink.PropertiesChanged(id, iface, changed, invalidated) })
}

func (b *Bus) lookup(id domain.PeerID, member string) (*peer, error) {
	if err, ok := b.failures[member]; ok {
		delete(b.failures, member)
		return b.peers[id], err
	}
	p, ok := b.peers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServiceUnknown, id)
	}
	return p, nil
}

func (b *Bus) record(id domain.PeerID, iface domain.Interface, method string, args []any) ports.CallID {
	callID := ports.CallID(utils.GenerateCallID())
	b.calls = append(b.calls, Call{ID: callID, Peer: id, Interface: iface, Method: method, Args: args})
	return callID
}

// reply delivers fn now, or queues it while p is held.
func (b *Bus) reply(p *peer, fn func()) {
	if p != nil && p.held {
		p.queued = append(p.queued, fn)
		return
	}
	b.post(fn)
}

func (b *Bus) post(fn func()) {
	b.dispatcher.Post(fn)
}
