package services

import (
	"slices"

	"mprisctl/internal/core/domain"
	"mprisctl/internal/core/ports"
	"mprisctl/pkg/validation"

	"go.uber.org/zap"
)

const DefaultNamePattern = "org.mpris.MediaPlayer2.*"

// RegistryListener receives events of available clients.
type RegistryListener interface {
	ClientEvent(c *PeerClient, ev domain.Event)
}

type PeerRegistryConfig struct {
	NamePattern string
	Client      PeerClientConfig
	Logger      *zap.SugaredLogger
	Metrics     ports.Metrics
}

// PeerRegistry owns one PeerClient per matching bus name and feeds the
// arbitrator. It is the inbound sink of the bus and runs on the event loop.
type PeerRegistry struct {
	clients    map[domain.PeerID]*PeerClient
	generation uint64
	pattern    string

	arbitrator *Arbitrator
	listener   RegistryListener
	cfg        PeerRegistryConfig
	logger     *zap.SugaredLogger
}

var _ ports.BusSink = (*PeerRegistry)(nil)

func NewPeerRegistry(cfg PeerRegistryConfig, arbitrator *Arbitrator, listener RegistryListener) *PeerRegistry {
	if cfg.NamePattern == "" {
		cfg.NamePattern = DefaultNamePattern
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = ports.NopMetrics{}
	}
	if cfg.Client.Logger == nil {
		cfg.Client.Logger = cfg.Logger
	}
	if cfg.Client.Metrics == nil {
		cfg.Client.Metrics = cfg.Metrics
	}
	return &PeerRegistry{
		clients:    make(map[domain.PeerID]*PeerClient),
		pattern:    cfg.NamePattern,
		arbitrator: arbitrator,
		listener:   listener,
		cfg:        cfg,
		logger:     cfg.Logger,
	}
}

// Matches reports whether name is a bus name the registry tracks.
func (r *PeerRegistry) Matches(name domain.PeerID) bool {
	return validation.MatchNamePattern(r.pattern, string(name))
}

// Client returns the available client for id.
func (r *PeerRegistry) Client(id domain.PeerID) (*PeerClient, bool) {
	c, ok := r.clients[id]
	if !ok || !c.Ready() {
		return nil, false
	}
	return c, true
}

// Pending returns the names still waiting for their initial sync.
func (r *PeerRegistry) Pending() []domain.PeerID {
	return r.inState(domain.PeerPending)
}

// Failed returns the names whose initial sync was refused.
func (r *PeerRegistry) Failed() []domain.PeerID {
	return r.inState(domain.PeerFailed)
}

func (r *PeerRegistry) State(id domain.PeerID) (domain.PeerState, bool) {
	c, ok := r.clients[id]
	if !ok {
		return "", false
	}
	switch {
	case c.Ready():
		return domain.PeerAvailable, true
	case c.Failed():
		return domain.PeerFailed, true
	}
	return domain.PeerPending, true
}

func (r *PeerRegistry) inState(state domain.PeerState) []domain.PeerID {
	var out []domain.PeerID
	for id := range r.clients {
		if s, _ := r.State(id); s == state {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

func (r *PeerRegistry) PeerAppeared(id domain.PeerID) {
	if !r.Matches(id) {
		return
	}
	if old, ok := r.clients[id]; ok {
		r.logger.Infow("peer superseded by new instance", "peer_id", id, "generation", old.Generation())
		r.drop(old)
	}
	r.generation++
	c := NewPeerClient(id, r.generation, r.cfg.Client, r)
	r.clients[id] = c
	r.logger.Infow("peer appeared", "peer_id", id, "generation", r.generation)
	r.updateGauges()
	c.Start()
}

func (r *PeerRegistry) PeerVanished(id domain.PeerID) {
	c, ok := r.clients[id]
	if !ok {
		return
	}
	r.logger.Infow("peer vanished", "peer_id", id, "was_available", c.Ready())
	r.drop(c)
}

func (r *PeerRegistry) PropertiesChanged(id domain.PeerID, iface domain.Interface, changed map[domain.Property]any, invalidated []domain.Property) {
	if c, ok := r.clients[id]; ok {
		c.HandlePropertiesChanged(iface, changed, invalidated)
	}
}

func (r *PeerRegistry) SignalReceived(id domain.PeerID, iface domain.Interface, member string, args []any) {
	if c, ok := r.clients[id]; ok {
		c.HandleSignal(iface, member, args)
	}
}

// ClientReady promotes a pending client unless it has been replaced.
func (r *PeerRegistry) ClientReady(c *PeerClient) {
	if !r.current(c) {
		return
	}
	r.logger.Infow("peer available",
		"peer_id", c.ID(),
		"identity", c.Identity(),
		"playback_status", c.PlaybackStatus(),
	)
	r.updateGauges()
	r.arbitrator.PeerAvailable(c)
}

// ClientFailed parks a client whose initial sync failed so that waiters stop
// counting it as pending.
func (r *PeerRegistry) ClientFailed(c *PeerClient, err error) {
	if !r.current(c) {
		return
	}
	r.logger.Warnw("peer failed initial sync", "peer_id", c.ID(), "error", err)
	r.updateGauges()
}

func (r *PeerRegistry) ClientEvent(c *PeerClient, ev domain.Event) {
	if !r.current(c) || !c.Ready() {
		return
	}
	if r.listener != nil {
		r.listener.ClientEvent(c, ev)
	}
	if ev.Kind == domain.EventPropertyChanged && ev.Property == domain.PropPlaybackStatus {
		r.arbitrator.PlaybackChanged(c)
	}
}

// Close drops every client.
func (r *PeerRegistry) Close() {
	for _, c := range r.clients {
		c.Close()
	}
	r.clients = make(map[domain.PeerID]*PeerClient)
	r.updateGauges()
}

func (r *PeerRegistry) current(c *PeerClient) bool {
	known, ok := r.clients[c.ID()]
	return ok && known == c && known.Generation() == c.Generation()
}

func (r *PeerRegistry) drop(c *PeerClient) {
	delete(r.clients, c.ID())
	if c.Ready() {
		r.arbitrator.PeerVanished(c.ID())
	}
	c.Close()
	r.updateGauges()
}

func (r *PeerRegistry) updateGauges() {
	counts := make(map[domain.PeerState]int, 3)
	for id := range r.clients {
		s, _ := r.State(id)
		counts[s]++
	}
	for _, s := range []domain.PeerState{domain.PeerPending, domain.PeerAvailable, domain.PeerFailed} {
		r.cfg.Metrics.SetPeers(s, counts[s])
	}
}
