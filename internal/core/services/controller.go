package services

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"mprisctl/internal/core/domain"
	"mprisctl/internal/core/ports"
	"mprisctl/pkg/events"
	"mprisctl/pkg/utils"
	"mprisctl/pkg/validation"

	"go.uber.org/zap"
)

const (
	keyActive    = "active"
	keyAvailable = "available"
	keyProperty  = "property"
	keyPosition  = "position"
	keySeeked    = "seeked"
)

// Loop is the execution context the controller runs on.
type Loop interface {
	ports.Scheduler
	LoopRunner
}

type ControllerConfig struct {
	Bus         ports.Bus
	Loop        Loop
	Preferences ports.PreferenceRepository
	Logger      *zap.SugaredLogger
	Metrics     ports.Metrics
	Now         func() time.Time

	NamePattern            string
	PositionSyncInterval   time.Duration
	PositionNotifyInterval time.Duration
	// InitialPin pins a peer at start unless a stored preference exists.
	InitialPin domain.PeerID
}

// Controller presents the tracked peers as one controllable player. Apart
// from Start and Close, every method must run on the loop; other goroutines
// go through Loop.Do.
type Controller struct {
	registry   *PeerRegistry
	arbitrator *Arbitrator
	current    *PeerClient
	events     *events.Bus[domain.Event]

	positionSubscribers int
	saves               sync.WaitGroup

	cfg    ControllerConfig
	logger *zap.SugaredLogger
}

func NewController(cfg ControllerConfig) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = ports.NopMetrics{}
	}
	if cfg.Now == nil {
		cfg.Now = utils.Now
	}
	c := &Controller{
		events: events.NewBus[domain.Event](),
		cfg:    cfg,
		logger: cfg.Logger,
	}
	c.arbitrator = NewArbitrator(ArbitrationHooks{
		ActiveChanged:    c.activeChanged,
		AvailableChanged: c.availableChanged,
	})
	c.registry = NewPeerRegistry(PeerRegistryConfig{
		NamePattern: cfg.NamePattern,
		Logger:      cfg.Logger,
		Metrics:     cfg.Metrics,
		Client: PeerClientConfig{
			Bus:                    cfg.Bus,
			Scheduler:              cfg.Loop,
			Runner:                 cfg.Loop,
			Logger:                 cfg.Logger,
			Metrics:                cfg.Metrics,
			Now:                    cfg.Now,
			PositionSyncInterval:   cfg.PositionSyncInterval,
			PositionNotifyInterval: cfg.PositionNotifyInterval,
		},
	}, c.arbitrator, c)
	return c
}

// Start restores the pinned peer and begins tracking the bus. It may be
// called from any goroutine.
func (c *Controller) Start(ctx context.Context) error {
	pin := c.cfg.InitialPin
	if c.cfg.Preferences != nil {
		stored, ok, err := c.cfg.Preferences.LoadPinned(ctx)
		if err != nil {
			c.logger.Warnw("failed to load pinned peer", "error", err)
		} else if ok {
			pin = stored
		}
	}
	if pin != "" {
		c.cfg.Loop.Post(func() {
			if err := c.pin(pin, false); err != nil {
				c.logger.Warnw("ignoring pinned peer", "peer_id", pin, "error", err)
			}
		})
	}
	if err := c.cfg.Bus.Start(ctx, c.registry); err != nil {
		return fmt.Errorf("failed to start bus: %w", err)
	}
	return nil
}

// Close drops every peer, closes the bus and waits for pending preference
// writes. It may be called from any goroutine.
func (c *Controller) Close(ctx context.Context) error {
	err := c.cfg.Loop.Do(ctx, func() {
		c.registry.Close()
		c.current = nil
	})
	if closeErr := c.cfg.Bus.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	c.saves.Wait()
	return err
}

func (c *Controller) Registry() *PeerRegistry {
	return c.registry
}

// AvailablePeers lists available peers, most recently relevant first.
func (c *Controller) AvailablePeers() []domain.PeerID {
	return c.arbitrator.Available()
}

// Peers describes every available peer.
func (c *Controller) Peers() []domain.PeerInfo {
	ids := c.arbitrator.Available()
	out := make([]domain.PeerInfo, 0, len(ids))
	for _, id := range ids {
		client, ok := c.registry.Client(id)
		if !ok {
			continue
		}
		out = append(out, domain.PeerInfo{
			ID:             id,
			Identity:       client.Identity(),
			PlaybackStatus: client.PlaybackStatus(),
			Active:         client == c.current,
		})
	}
	return out
}

// Pending lists peers still in their initial sync.
func (c *Controller) Pending() []domain.PeerID {
	return c.registry.Pending()
}

// Failed lists peers whose initial sync was refused.
func (c *Controller) Failed() []domain.PeerID {
	return c.registry.Failed()
}

func (c *Controller) ActivePeer() (domain.PeerID, bool) {
	if c.current == nil {
		return "", false
	}
	return c.current.ID(), true
}

func (c *Controller) Mode() domain.ArbitrationMode {
	return c.arbitrator.Mode()
}

func (c *Controller) Pinned() (domain.PeerID, bool) {
	return c.arbitrator.Pinned()
}

// Pin locks arbitration to id, which need not be available yet.
func (c *Controller) Pin(id domain.PeerID) error {
	return c.pin(id, true)
}

func (c *Controller) pin(id domain.PeerID, persist bool) error {
	if err := validation.ValidateBusName(string(id)); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	if !c.registry.Matches(id) {
		return fmt.Errorf("%w: %s does not match %s", domain.ErrInvalidArgument, id, c.registry.pattern)
	}
	c.logger.Infow("pinning peer", "peer_id", id)
	c.arbitrator.Pin(id)
	if persist {
		c.savePin(id)
	}
	return nil
}

// PinActive pins whichever peer is active now.
func (c *Controller) PinActive() error {
	if c.current == nil {
		return domain.ErrNoActivePeer
	}
	c.arbitrator.PinCurrent()
	c.savePin(c.current.ID())
	return nil
}

func (c *Controller) Unpin() {
	if _, pinned := c.arbitrator.Pinned(); !pinned {
		return
	}
	c.logger.Infow("unpinning peer")
	c.arbitrator.Unpin()
	c.savePin("")
}

// Select makes an available peer active without pinning it.
func (c *Controller) Select(id domain.PeerID) error {
	if !c.arbitrator.Select(id) {
		return fmt.Errorf("%w: %s", domain.ErrPeerNotFound, id)
	}
	return nil
}

func (c *Controller) savePin(id domain.PeerID) {
	repo := c.cfg.Preferences
	if repo == nil {
		return
	}
	c.saves.Add(1)
	go func() {
		defer c.saves.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var err error
		if id == "" {
			err = repo.ClearPinned(ctx)
		} else {
			err = repo.SavePinned(ctx, id)
		}
		if err != nil {
			c.logger.Warnw("failed to persist pinned peer", "peer_id", id, "error", err)
		}
	}()
}

// Subscriptions. Handlers run on the loop.

func (c *Controller) OnActivePeerChanged(fn func(domain.Event)) events.CancelFunc {
	return c.events.Subscribe(keyActive, fn)
}

func (c *Controller) OnAvailablePeersChanged(fn func(domain.Event)) events.CancelFunc {
	return c.events.Subscribe(keyAvailable, fn)
}

func (c *Controller) OnPropertyChanged(name domain.Property, fn func(domain.Event)) events.CancelFunc {
	return c.events.Subscribe(propertyKey(name), fn)
}

func (c *Controller) OnAnyPropertyChanged(fn func(domain.Event)) events.CancelFunc {
	return c.events.Subscribe(keyProperty, fn)
}

func (c *Controller) OnSeeked(fn func(domain.Event)) events.CancelFunc {
	return c.events.Subscribe(keySeeked, fn)
}

// OnPositionChanged subscribes to position updates. Periodic updates, and
// the resync round-trips they may cause, only run while at least one such
// subscription exists.
func (c *Controller) OnPositionChanged(fn func(domain.Event)) events.CancelFunc {
	cancel := c.events.Subscribe(keyPosition, fn)
	c.positionSubscribers++
	if c.positionSubscribers == 1 && c.current != nil {
		c.current.ObservePosition(true)
	}
	done := false
	return func() {
		if done {
			return
		}
		done = true
		cancel()
		c.positionSubscribers--
		if c.positionSubscribers == 0 && c.current != nil {
			c.current.ObservePosition(false)
		}
	}
}

func (c *Controller) PositionSubscribers() int {
	return c.positionSubscribers
}

func propertyKey(name domain.Property) string {
	return keyProperty + "/" + string(name)
}

func (c *Controller) availableChanged(available []domain.PeerID) {
	c.events.Emit(keyAvailable, domain.Event{Kind: domain.EventAvailablePeersChanged, Peers: available})
}

func (c *Controller) activeChanged(old, next Candidate, reason string) {
	oldClient, _ := old.(*PeerClient)
	newClient, _ := next.(*PeerClient)

	oldState := domain.DefaultPlayerState()
	if oldClient != nil {
		oldState = oldClient.State()
		if c.positionSubscribers > 0 {
			oldClient.ObservePosition(false)
		}
	}
	newState := domain.DefaultPlayerState()
	var peer domain.PeerID
	if newClient != nil {
		newState = newClient.State()
		peer = newClient.ID()
	}
	c.current = newClient

	c.logger.Infow("active peer changed",
		"peer_id", peer,
		"previous", candidateID(old),
		"reason", reason,
	)
	c.cfg.Metrics.IncActiveSwitches(reason)

	for _, ch := range domain.Diff(oldState, newState) {
		if ch.Property == domain.PropMetadata {
			continue
		}
		c.emitProperty(domain.Event{Kind: domain.EventPropertyChanged, Peer: peer, Property: ch.Property, Value: ch.Value})
	}
	c.events.Emit(keyActive, domain.Event{Kind: domain.EventActivePeerChanged, Peer: peer})
	c.emitProperty(domain.Event{Kind: domain.EventPropertyChanged, Peer: peer, Property: domain.PropMetadata, Value: newState.Metadata})

	if newClient != nil && c.positionSubscribers > 0 {
		newClient.ObservePosition(true)
	}
	c.events.Emit(keyPosition, domain.Event{Kind: domain.EventPositionChanged, Peer: peer, Position: c.Position()})
}

// ClientEvent forwards events of the active client only.
func (c *Controller) ClientEvent(client *PeerClient, ev domain.Event) {
	if client != c.current {
		return
	}
	switch ev.Kind {
	case domain.EventPropertyChanged, domain.EventPropertyInvalidated:
		c.emitProperty(ev)
	case domain.EventPositionChanged:
		c.events.Emit(keyPosition, ev)
	case domain.EventSeeked:
		c.events.Emit(keySeeked, ev)
	}
}

func (c *Controller) emitProperty(ev domain.Event) {
	c.events.Emit(propertyKey(ev.Property), ev)
	c.events.Emit(keyProperty, ev)
}

func candidateID(c Candidate) domain.PeerID {
	if c == nil {
		return ""
	}
	return c.ID()
}

// Active returns the active client.
func (c *Controller) Active() (*PeerClient, error) {
	if c.current == nil {
		return nil, domain.ErrNoActivePeer
	}
	return c.current, nil
}

func (c *Controller) withActive(fn func(*PeerClient) error) error {
	client, err := c.Active()
	if err != nil {
		return err
	}
	return fn(client)
}

// State returns the active peer's snapshot, or defaults without one.
func (c *Controller) State() domain.PlayerState {
	if c.current == nil {
		return domain.DefaultPlayerState()
	}
	return c.current.State()
}

// Position returns the active peer's interpolated position in milliseconds.
func (c *Controller) Position() int64 {
	if c.current == nil {
		return 0
	}
	return c.current.Position()
}

func (c *Controller) LastError() error {
	if c.current == nil {
		return nil
	}
	return c.current.LastError()
}

func (c *Controller) CanQuit() bool                         { return c.State().CanQuit }
func (c *Controller) CanRaise() bool                        { return c.State().CanRaise }
func (c *Controller) CanSetFullscreen() bool                { return c.State().CanSetFullscreen }
func (c *Controller) DesktopEntry() string                  { return c.State().DesktopEntry }
func (c *Controller) Fullscreen() bool                      { return c.State().Fullscreen }
func (c *Controller) HasTrackList() bool                    { return c.State().HasTrackList }
func (c *Controller) Identity() string                      { return c.State().Identity }
func (c *Controller) SupportedMimeTypes() []string          { return c.State().SupportedMimeTypes }
func (c *Controller) SupportedURISchemes() []string         { return c.State().SupportedURISchemes }
func (c *Controller) CanControl() bool                      { return c.State().CanControl }
func (c *Controller) CanGoNext() bool                       { return c.State().CanGoNext }
func (c *Controller) CanGoPrevious() bool                   { return c.State().CanGoPrevious }
func (c *Controller) CanPause() bool                        { return c.State().CanPause }
func (c *Controller) CanPlay() bool                         { return c.State().CanPlay }
func (c *Controller) CanSeek() bool                         { return c.State().CanSeek }
func (c *Controller) LoopStatus() domain.LoopStatus         { return c.State().LoopStatus }
func (c *Controller) MaximumRate() float64                  { return c.State().MaximumRate }
func (c *Controller) MinimumRate() float64                  { return c.State().MinimumRate }
func (c *Controller) PlaybackStatus() domain.PlaybackStatus { return c.State().PlaybackStatus }
func (c *Controller) Rate() float64                         { return c.State().Rate }
func (c *Controller) Shuffle() bool                         { return c.State().Shuffle }
func (c *Controller) Volume() float64                       { return c.State().Volume }
func (c *Controller) Metadata() domain.Metadata             { return c.State().Metadata }

func (c *Controller) Play() error      { return c.withActive((*PeerClient).Play) }
func (c *Controller) Pause() error     { return c.withActive((*PeerClient).Pause) }
func (c *Controller) PlayPause() error { return c.withActive((*PeerClient).PlayPause) }
func (c *Controller) Stop() error      { return c.withActive((*PeerClient).Stop) }
func (c *Controller) Next() error      { return c.withActive((*PeerClient).Next) }
func (c *Controller) Previous() error  { return c.withActive((*PeerClient).Previous) }
func (c *Controller) Quit() error      { return c.withActive((*PeerClient).Quit) }
func (c *Controller) Raise() error     { return c.withActive((*PeerClient).Raise) }

var commands = map[string]func(*Controller) error{
	"play":       (*Controller).Play,
	"pause":      (*Controller).Pause,
	"play-pause": (*Controller).PlayPause,
	"stop":       (*Controller).Stop,
	"next":       (*Controller).Next,
	"previous":   (*Controller).Previous,
	"quit":       (*Controller).Quit,
	"raise":      (*Controller).Raise,
}

// CommandNames lists the parameterless commands accepted by Command.
func CommandNames() []string {
	return slices.Sorted(maps.Keys(commands))
}

// Command runs a parameterless command by name, such as "play-pause".
func (c *Controller) Command(name string) error {
	fn, ok := commands[name]
	if !ok {
		return fmt.Errorf("%w: %q", domain.ErrUnknownCommand, name)
	}
	return fn(c)
}

func (c *Controller) Seek(offsetMs int64) error {
	return c.withActive(func(p *PeerClient) error { return p.Seek(offsetMs) })
}

func (c *Controller) SetPosition(trackID domain.ObjectPath, positionMs int64) error {
	return c.withActive(func(p *PeerClient) error { return p.SetPosition(trackID, positionMs) })
}

func (c *Controller) SetPositionMs(positionMs int64) error {
	return c.withActive(func(p *PeerClient) error { return p.SetPositionMs(positionMs) })
}

func (c *Controller) OpenURI(uri string) error {
	return c.withActive(func(p *PeerClient) error { return p.OpenURI(uri) })
}

func (c *Controller) SetLoopStatus(status domain.LoopStatus) error {
	return c.withActive(func(p *PeerClient) error { return p.SetLoopStatus(status) })
}

func (c *Controller) SetShuffle(shuffle bool) error {
	return c.withActive(func(p *PeerClient) error { return p.SetShuffle(shuffle) })
}

func (c *Controller) SetRate(rate float64) error {
	return c.withActive(func(p *PeerClient) error { return p.SetRate(rate) })
}

func (c *Controller) SetVolume(volume float64) error {
	return c.withActive(func(p *PeerClient) error { return p.SetVolume(volume) })
}

func (c *Controller) SetFullscreen(fullscreen bool) error {
	return c.withActive(func(p *PeerClient) error { return p.SetFullscreen(fullscreen) })
}

// RequestPosition forces a position round-trip on the active peer.
func (c *Controller) RequestPosition() error {
	return c.withActive(func(p *PeerClient) error {
		p.RequestPosition()
		return nil
	})
}
