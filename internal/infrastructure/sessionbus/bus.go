// Package sessionbus talks to real media players over D-Bus.
package sessionbus

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"mprisctl/internal/core/domain"
	"mprisctl/internal/core/ports"
	"mprisctl/pkg/retry"
	"mprisctl/pkg/tracing"
	"mprisctl/pkg/utils"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"
)

const (
	busName      = "org.freedesktop.DBus"
	propsGet     = "org.freedesktop.DBus.Properties.Get"
	propsGetAll  = "org.freedesktop.DBus.Properties.GetAll"
	propsSet     = "org.freedesktop.DBus.Properties.Set"
	sigOwner     = "org.freedesktop.DBus.NameOwnerChanged"
	sigChanged   = "org.freedesktop.DBus.Properties.PropertiesChanged"
	memberSeeked = "Seeked"
)

var ErrClosed = errors.New("bus connection closed")

type Config struct {
	// System selects the system bus instead of the session bus.
	System      bool
	Dispatcher  ports.Dispatcher
	Logger      *zap.SugaredLogger
	Metrics     ports.Metrics
	Retry       retry.Config
	CallTimeout time.Duration
}

// Bus is the D-Bus implementation of ports.Bus. Round-trips run on their
// own goroutines and post completions to the dispatcher.
type Bus struct {
	cfg    Config
	conn   *dbus.Conn
	logger *zap.SugaredLogger

	mu         sync.Mutex
	sink       ports.BusSink
	owners     map[string]map[domain.PeerID]struct{} // unique name -> well-known names
	uniques    map[domain.PeerID]string
	subscribed map[domain.PeerID]map[domain.Interface]bool
	signals    chan *dbus.Signal
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	inflight   atomic.Int64
}

var _ ports.Bus = (*Bus)(nil)

// Connect dials the configured bus, retrying with backoff.
func Connect(ctx context.Context, cfg Config) (*Bus, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Retry.OnRetry == nil {
		cfg.Retry.OnRetry = func(attempt int, delay time.Duration, err error) {
			cfg.Logger.Warnw("bus connect failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		}
	}
	dial := dbus.ConnectSessionBus
	if cfg.System {
		dial = dbus.ConnectSystemBus
	}

	conn, err := retry.RetryWithResult(ctx, cfg.Retry, func() (*dbus.Conn, error) {
		return dial()
	})
	if err != nil {
		return nil, fmt.Errorf("connect to bus: %w", err)
	}
	return newBus(conn, cfg), nil
}

func newBus(conn *dbus.Conn, cfg Config) *Bus {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = ports.NopMetrics{}
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		cfg:        cfg,
		conn:       conn,
		logger:     cfg.Logger.With("component", "sessionbus"),
		owners:     make(map[string]map[domain.PeerID]struct{}),
		uniques:    make(map[domain.PeerID]string),
		subscribed: make(map[domain.PeerID]map[domain.Interface]bool),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (b *Bus) Start(ctx context.Context, sink ports.BusSink) error {
	b.mu.Lock()
	if b.sink != nil {
		b.mu.Unlock()
		return fmt.Errorf("bus already started")
	}
	b.sink = sink
	b.mu.Unlock()

	rules := [][]dbus.MatchOption{
		{
			dbus.WithMatchInterface(busName),
			dbus.WithMatchMember("NameOwnerChanged"),
			dbus.WithMatchOption("arg0namespace", strings.TrimSuffix(domain.ServicePrefix, ".")),
		},
		{
			dbus.WithMatchInterface(string(domain.InterfaceProperties)),
			dbus.WithMatchMember("PropertiesChanged"),
			dbus.WithMatchObjectPath(domain.ObjectPathMPRIS),
		},
		{
			dbus.WithMatchInterface(string(domain.InterfacePlayer)),
			dbus.WithMatchMember(memberSeeked),
			dbus.WithMatchObjectPath(domain.ObjectPathMPRIS),
		},
	}
	for _, rule := range rules {
		if err := b.conn.AddMatchSignal(rule...); err != nil {
			return fmt.Errorf("add match rule: %w", err)
		}
	}

	b.signals = make(chan *dbus.Signal, 64)
	b.conn.Signal(b.signals)
	b.wg.Add(1)
	go b.readSignals()

	names, err := b.listPeers(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		var owner string
		err := b.conn.BusObject().CallWithContext(ctx, busName+".GetNameOwner", 0, name).Store(&owner)
		if err != nil {
			b.logger.Debugw("peer vanished during startup scan", "peer_id", name, "error", err)
			continue
		}
		b.nameOwnerChanged(domain.PeerID(name), "", owner)
	}
	return nil
}

func (b *Bus) listPeers(ctx context.Context) ([]string, error) {
	var names []string
	if err := b.conn.BusObject().CallWithContext(ctx, busName+".ListNames", 0).Store(&names); err != nil {
		return nil, fmt.Errorf("list bus names: %w", err)
	}
	names = slices.DeleteFunc(names, func(n string) bool {
		return !strings.HasPrefix(n, domain.ServicePrefix)
	})
	slices.Sort(names)
	return names, nil
}

func (b *Bus) readSignals() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case sig, ok := <-b.signals:
			if !ok {
				return
			}
			b.handleSignal(sig)
		}
	}
}

func (b *Bus) handleSignal(sig *dbus.Signal) {
	switch sig.Name {
	case sigOwner:
		if len(sig.Body) < 3 {
			return
		}
		name, _ := sig.Body[0].(string)
		oldOwner, _ := sig.Body[1].(string)
		newOwner, _ := sig.Body[2].(string)
		if !strings.HasPrefix(name, domain.ServicePrefix) {
			return
		}
		b.nameOwnerChanged(domain.PeerID(name), oldOwner, newOwner)

	case sigChanged:
		if sig.Path != domain.ObjectPathMPRIS || len(sig.Body) < 2 {
			return
		}
		ifaceName, _ := sig.Body[0].(string)
		raw, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			b.logger.Warnw("malformed PropertiesChanged", "sender", sig.Sender)
			return
		}
		iface := domain.Interface(ifaceName)
		changed := make(map[domain.Property]any, len(raw))
		for name, value := range raw {
			changed[domain.Property(name)] = Normalize(value)
		}
		var invalidated []domain.Property
		if len(sig.Body) > 2 {
			names, _ := sig.Body[2].([]string)
			for _, name := range names {
				invalidated = append(invalidated, domain.Property(name))
			}
		}
		if len(changed) == 0 {
			changed = nil
		}
		b.deliver(sig.Sender, iface, func(sink ports.BusSink, peer domain.PeerID) {
			sink.PropertiesChanged(peer, iface, changed, invalidated)
		})

	case string(domain.InterfacePlayer) + "." + memberSeeked:
		if sig.Path != domain.ObjectPathMPRIS {
			return
		}
		args := normalizeAll(sig.Body)
		b.deliver(sig.Sender, domain.InterfacePlayer, func(sink ports.BusSink, peer domain.PeerID) {
			sink.SignalReceived(peer, domain.InterfacePlayer, memberSeeked, args)
		})
	}
}

// deliver posts fn for every name owned by sender that subscribed to iface.
// One connection may own several names, so delivery is in name order.
func (b *Bus) deliver(sender string, iface domain.Interface, fn func(ports.BusSink, domain.PeerID)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sink == nil {
		return
	}
	sink := b.sink
	for _, peer := range slices.Sorted(maps.Keys(b.owners[sender])) {
		if !b.subscribed[peer][iface] {
			continue
		}
		b.cfg.Dispatcher.Post(func() { fn(sink, peer) })
	}
}

// nameOwnerChanged maps an owner transition onto vanish and appear. A new
// owner replacing an old one is reported as both.
func (b *Bus) nameOwnerChanged(peer domain.PeerID, oldOwner, newOwner string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sink := b.sink
	if sink == nil {
		return
	}

	current, known := b.uniques[peer]
	if known && current == newOwner {
		return
	}
	if known {
		delete(b.owners[current], peer)
		if len(b.owners[current]) == 0 {
			delete(b.owners, current)
		}
		delete(b.uniques, peer)
		delete(b.subscribed, peer)
		b.cfg.Dispatcher.Post(func() { sink.PeerVanished(peer) })
	}
	if newOwner != "" {
		if b.owners[newOwner] == nil {
			b.owners[newOwner] = make(map[domain.PeerID]struct{})
		}
		b.owners[newOwner][peer] = struct{}{}
		b.uniques[peer] = newOwner
		b.cfg.Dispatcher.Post(func() { sink.PeerAppeared(peer) })
	}
	b.logger.Debugw("name owner changed", "peer_id", peer, "old_owner", oldOwner, "new_owner", newOwner)
}

func (b *Bus) Subscribe(peer domain.PeerID, iface domain.Interface) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribed[peer] == nil {
		b.subscribed[peer] = make(map[domain.Interface]bool)
	}
	b.subscribed[peer][iface] = true
}

func (b *Bus) Unsubscribe(peer domain.PeerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribed, peer)
}

func (b *Bus) Call(peer domain.PeerID, iface domain.Interface, method string, args []any, done ports.Done) ports.CallID {
	return b.roundTrip(peer, iface, method, string(iface)+"."+method, denormalizeAll(args), done)
}

func (b *Bus) GetAll(peer domain.PeerID, iface domain.Interface, done ports.Done) ports.CallID {
	return b.roundTrip(peer, iface, "GetAll", propsGetAll, []any{string(iface)}, done)
}

func (b *Bus) Get(peer domain.PeerID, iface domain.Interface, name domain.Property, done ports.Done) ports.CallID {
	return b.roundTrip(peer, iface, "Get", propsGet, []any{string(iface), string(name)}, done)
}

func (b *Bus) Set(peer domain.PeerID, iface domain.Interface, name domain.Property, value any, done ports.Done) ports.CallID {
	variant := dbus.MakeVariant(denormalize(value))
	return b.roundTrip(peer, iface, "Set", propsSet, []any{string(iface), string(name), variant}, done)
}

func (b *Bus) GetSync(ctx context.Context, peer domain.PeerID, iface domain.Interface, name domain.Property) (any, error) {
	body, err := b.invoke(ctx, peer, iface, "Get", propsGet, []any{string(iface), string(name)})
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("empty reply to Get %s.%s", iface, name)
	}
	return body[0], nil
}

func (b *Bus) roundTrip(peer domain.PeerID, iface domain.Interface, label, member string, args []any, done ports.Done) ports.CallID {
	id := ports.CallID(utils.GenerateCallID())
	b.wg.Add(1)
	b.inflight.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.inflight.Add(-1)
		ctx, cancel := context.WithTimeout(b.ctx, b.cfg.CallTimeout)
		defer cancel()
		body, err := b.invoke(ctx, peer, iface, label, member, args)
		if errors.Is(b.ctx.Err(), context.Canceled) {
			return
		}
		b.cfg.Dispatcher.Post(func() { done(ports.Reply{ID: id, Body: body, Err: err}) })
	}()
	return id
}

func (b *Bus) invoke(ctx context.Context, peer domain.PeerID, iface domain.Interface, label, member string, args []any) ([]any, error) {
	if b.ctx.Err() != nil {
		return nil, ErrClosed
	}
	ctx, span := tracing.TraceBusCall(ctx, string(peer), string(iface), label)
	defer span.End()

	start := time.Now()
	obj := b.conn.Object(string(peer), dbus.ObjectPath(domain.ObjectPathMPRIS))
	call := obj.CallWithContext(ctx, member, 0, args...)
	b.cfg.Metrics.ObserveRoundTrip(label, time.Since(start), call.Err)

	if call.Err != nil {
		tracing.Fail(span, call.Err)
		return nil, call.Err
	}
	return normalizeAll(call.Body), nil
}

// InFlight counts round-trips whose completion has not been posted yet.
func (b *Bus) InFlight() int {
	return int(b.inflight.Load())
}

// Close stops signal delivery and waits for in-flight round-trips.
func (b *Bus) Close() error {
	b.cancel()
	if b.signals != nil {
		b.conn.RemoveSignal(b.signals)
	}
	err := b.conn.Close()
	b.wg.Wait()
	b.mu.Lock()
	b.sink = nil
	b.mu.Unlock()
	return err
}
