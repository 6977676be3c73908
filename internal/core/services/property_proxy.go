package services

import (
	"context"
	"fmt"

	"mprisctl/internal/core/domain"
	"mprisctl/internal/core/ports"

	"go.uber.org/zap"
)

type ReadMode int

const (
	// ReadCached returns the mirror without any round-trip.
	ReadCached ReadMode = iota
	// ReadAsync returns the mirror and refreshes the property in the background.
	ReadAsync
)

// LoopRunner runs a function on the event loop and waits for it.
type LoopRunner interface {
	Do(ctx context.Context, fn func()) error
}

// lifetime is shared by a peer client and its proxies. Completions check it
// before touching any state.
type lifetime struct {
	generation uint64
	closed     bool
}

type PropertyProxyConfig struct {
	Bus    ports.Bus
	Runner LoopRunner
	Logger *zap.SugaredLogger

	// OnReady runs once per bulk fetch; err is nil on success.
	OnReady func(initial bool, err error)
	// OnChange runs for every mirror entry that changed or was invalidated.
	OnChange func(name domain.Property, value any, known bool)
	// OnAsyncFinished runs when a single-property refresh completes.
	OnAsyncFinished func(name domain.Property, err error)
	OnError         func(err error)
}

// PropertyProxy mirrors the property set of one remote interface. All methods
// except GetSync must be called on the event loop.
type PropertyProxy struct {
	peer   domain.PeerID
	iface  domain.Interface
	schema map[domain.Property]domain.PropertySpec
	mirror map[domain.Property]any
	// stale holds invalidated values until the refetch lands.
	stale map[domain.Property]any
	life  *lifetime

	initialized bool
	lastError   error
	refreshing  map[domain.Property][]func(error)
	cfg         PropertyProxyConfig
	logger      *zap.SugaredLogger
}

func newPropertyProxy(peer domain.PeerID, iface domain.Interface, life *lifetime, cfg PropertyProxyConfig) *PropertyProxy {
	schema := make(map[domain.Property]domain.PropertySpec)
	for _, spec := range domain.Schema(iface) {
		schema[spec.Name] = spec
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &PropertyProxy{
		peer:       peer,
		iface:      iface,
		schema:     schema,
		mirror:     make(map[domain.Property]any),
		stale:      make(map[domain.Property]any),
		life:       life,
		refreshing: make(map[domain.Property][]func(error)),
		cfg:        cfg,
		logger:     logger.With("interface", string(iface)),
	}
}

// NewPropertyProxy creates a standalone proxy with its own lifetime.
func NewPropertyProxy(peer domain.PeerID, iface domain.Interface, cfg PropertyProxyConfig) *PropertyProxy {
	return newPropertyProxy(peer, iface, &lifetime{}, cfg)
}

// Close drops the proxy. Completions still in flight are ignored. A proxy
// owned by a PeerClient is closed together with the client.
func (p *PropertyProxy) Close() {
	p.life.closed = true
	p.refreshing = make(map[domain.Property][]func(error))
}

func (p *PropertyProxy) Interface() domain.Interface {
	return p.iface
}

func (p *PropertyProxy) Initialized() bool {
	return p.initialized
}

func (p *PropertyProxy) LastError() error {
	return p.lastError
}

// Known reports whether name has been observed at least once since the last
// invalidation.
func (p *PropertyProxy) Known(name domain.Property) bool {
	_, ok := p.mirror[name]
	return ok
}

// Get returns the mirrored value, or the schema default when unknown.
func (p *PropertyProxy) Get(name domain.Property) any {
	if v, ok := p.mirror[name]; ok {
		return v
	}
	if spec, ok := p.schema[name]; ok {
		return spec.Default
	}
	return nil
}

// LastKnown is Get, except that an invalidated property keeps reporting its
// previous value until the peer answers the refetch.
func (p *PropertyProxy) LastKnown(name domain.Property) any {
	if v, ok := p.stale[name]; ok {
		if _, known := p.mirror[name]; !known {
			return v
		}
	}
	return p.Get(name)
}

func (p *PropertyProxy) GetWithMode(name domain.Property, mode ReadMode) any {
	if mode == ReadAsync {
		p.Refresh(name, nil)
	}
	return p.Get(name)
}

// GetSync performs a blocking round-trip and applies the result on the loop
// before returning. It must not be called from a loop callback.
func (p *PropertyProxy) GetSync(ctx context.Context, name domain.Property) (any, error) {
	spec, ok := p.schema[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", domain.ErrUnknownProperty, p.iface, name)
	}
	raw, callErr := p.cfg.Bus.GetSync(ctx, p.peer, p.iface, name)

	var result any
	err := p.cfg.Runner.Do(ctx, func() {
		if p.life.closed {
			return
		}
		if callErr != nil {
			p.fail(domain.NewRemoteError(p.peer, p.iface, "Get", callErr))
		} else {
			p.apply(spec, raw, true)
		}
		result = p.Get(name)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply %s: %w", name, err)
	}
	if callErr != nil {
		return result, domain.NewRemoteError(p.peer, p.iface, "Get", callErr)
	}
	return result, nil
}

// Refresh re-reads one property in the background. Requests made while a
// refresh of the same property is in flight share its completion.
func (p *PropertyProxy) Refresh(name domain.Property, done func(error)) {
	if _, ok := p.schema[name]; !ok {
		if done != nil {
			done(fmt.Errorf("%w: %s.%s", domain.ErrUnknownProperty, p.iface, name))
		}
		return
	}
	waiters, inFlight := p.refreshing[name]
	if done != nil {
		waiters = append(waiters, done)
	}
	p.refreshing[name] = waiters
	if inFlight {
		return
	}
	p.cfg.Bus.Get(p.peer, p.iface, name, func(r ports.Reply) {
		if p.life.closed {
			return
		}
		waiters := p.refreshing[name]
		delete(p.refreshing, name)
		var err error
		if r.Err != nil {
			err = domain.NewRemoteError(p.peer, p.iface, "Get", r.Err)
			p.fail(err)
		} else if len(r.Body) > 0 {
			p.apply(p.schema[name], r.Body[0], true)
		}
		for _, w := range waiters {
			w(err)
		}
		if p.cfg.OnAsyncFinished != nil {
			p.cfg.OnAsyncFinished(name, err)
		}
	})
}

// Set asks the peer to change a writable property. The mirror is not
// updated until the peer reports the change.
func (p *PropertyProxy) Set(name domain.Property, value any, done func(error)) error {
	spec, ok := p.schema[name]
	if !ok {
		return fmt.Errorf("%w: %s.%s", domain.ErrUnknownProperty, p.iface, name)
	}
	if !spec.Writable {
		return fmt.Errorf("%w: %s is read-only", domain.ErrUnsupported, name)
	}
	coerced, err := spec.Coerce(value)
	if err != nil {
		return err
	}
	p.cfg.Bus.Set(p.peer, p.iface, name, coerced, func(r ports.Reply) {
		if p.life.closed {
			return
		}
		var err error
		if r.Err != nil {
			err = domain.NewRemoteError(p.peer, p.iface, "Set", r.Err)
			p.fail(err)
		}
		if done != nil {
			done(err)
		}
	})
	return nil
}

// RefreshAll issues one bulk fetch. The first successful completion marks
// the proxy initialized and reports through OnReady without per-property
// notifications; later completions notify only what changed.
func (p *PropertyProxy) RefreshAll(done func(error)) {
	p.cfg.Bus.GetAll(p.peer, p.iface, func(r ports.Reply) {
		if p.life.closed {
			return
		}
		err := p.applyAll(r)
		if done != nil {
			done(err)
		}
	})
}

func (p *PropertyProxy) applyAll(r ports.Reply) error {
	if r.Err != nil {
		err := domain.NewRemoteError(p.peer, p.iface, "GetAll", r.Err)
		p.fail(err)
		if !p.initialized && p.cfg.OnReady != nil {
			p.cfg.OnReady(true, err)
		}
		return err
	}
	var values map[string]any
	if len(r.Body) > 0 {
		values, _ = r.Body[0].(map[string]any)
	}

	initial := !p.initialized
	for raw, value := range values {
		spec, ok := p.schema[domain.Property(raw)]
		if !ok {
			continue
		}
		p.apply(spec, value, !initial)
	}
	p.initialized = true
	p.logger.Debugw("bulk fetch applied",
		"peer_id", p.peer,
		"properties", len(values),
		"initial", initial,
	)
	if p.cfg.OnReady != nil {
		p.cfg.OnReady(initial, nil)
	}
	return nil
}

// HandleChanged applies a push notification from the peer.
func (p *PropertyProxy) HandleChanged(changed map[domain.Property]any, invalidated []domain.Property) {
	if p.life.closed {
		return
	}
	for name, value := range changed {
		spec, ok := p.schema[name]
		if !ok {
			p.logger.Debugw("ignoring change of unknown property", "peer_id", p.peer, "property", name)
			continue
		}
		p.apply(spec, value, p.initialized)
	}
	for _, name := range invalidated {
		if _, ok := p.schema[name]; !ok {
			continue
		}
		if old, known := p.mirror[name]; known {
			p.stale[name] = old
			delete(p.mirror, name)
			if p.initialized && p.cfg.OnChange != nil {
				p.cfg.OnChange(name, p.Get(name), false)
			}
		}
		p.Refresh(name, nil)
	}
}

func (p *PropertyProxy) apply(spec domain.PropertySpec, raw any, notify bool) {
	value, err := spec.Coerce(raw)
	if err != nil {
		p.logger.Warnw("peer sent invalid property value",
			"peer_id", p.peer,
			"property", spec.Name,
			"error", err,
		)
		p.fail(err)
		return
	}
	delete(p.stale, spec.Name)
	old, known := p.mirror[spec.Name]
	if known && domain.ValuesEqual(old, value) {
		return
	}
	p.mirror[spec.Name] = value
	if notify && p.cfg.OnChange != nil {
		p.cfg.OnChange(spec.Name, value, true)
	}
}

func (p *PropertyProxy) fail(err error) {
	p.lastError = err
	p.logger.Warnw("property round-trip failed", "peer_id", p.peer, "error", err)
	if p.cfg.OnError != nil {
		p.cfg.OnError(err)
	}
}
