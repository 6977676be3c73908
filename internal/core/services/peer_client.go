package services

import (
	"fmt"
	"time"

	"mprisctl/internal/core/domain"
	"mprisctl/internal/core/ports"
	"mprisctl/pkg/logger"
	"mprisctl/pkg/utils"
	"mprisctl/pkg/validation"

	"go.uber.org/zap"
)

const (
	DefaultPositionSyncInterval   = 5000 * time.Millisecond
	DefaultPositionNotifyInterval = 1000 * time.Millisecond
)

type PeerClientConfig struct {
	Bus       ports.Bus
	Scheduler ports.Scheduler
	Runner    LoopRunner
	Logger    *zap.SugaredLogger
	Metrics   ports.Metrics
	Now       func() time.Time

	PositionSyncInterval   time.Duration
	PositionNotifyInterval time.Duration
}

func (c *PeerClientConfig) setDefaults() {
	if c.Logger == nil {
		c.Logger = zap.NewNop().Sugar()
	}
	if c.Metrics == nil {
		c.Metrics = ports.NopMetrics{}
	}
	if c.Now == nil {
		c.Now = utils.Now
	}
	if c.PositionSyncInterval <= 0 {
		c.PositionSyncInterval = DefaultPositionSyncInterval
	}
	if c.PositionNotifyInterval <= 0 {
		c.PositionNotifyInterval = DefaultPositionNotifyInterval
	}
}

// ClientObserver receives lifecycle and change notifications of a client.
type ClientObserver interface {
	ClientReady(c *PeerClient)
	ClientFailed(c *PeerClient, err error)
	ClientEvent(c *PeerClient, ev domain.Event)
}

// PeerClient is the typed view of one player peer. It owns a proxy per
// remote interface and must only be used on the event loop.
type PeerClient struct {
	id   domain.PeerID
	life *lifetime

	root   *PropertyProxy
	player *PropertyProxy

	ready     bool
	failed    bool
	state     domain.PlayerState
	estimator *PositionEstimator

	positionObserved  bool
	positionRequested bool
	positionTimer     ports.Timer

	lastError error
	observer  ClientObserver
	cfg       PeerClientConfig
	logger    *zap.SugaredLogger
}

func NewPeerClient(id domain.PeerID, generation uint64, cfg PeerClientConfig, observer ClientObserver) *PeerClient {
	cfg.setDefaults()
	c := &PeerClient{
		id:        id,
		life:      &lifetime{generation: generation},
		state:     domain.DefaultPlayerState(),
		estimator: NewPositionEstimator(cfg.Now()),
		observer:  observer,
		cfg:       cfg,
		logger:    logger.WithPeer(cfg.Logger, string(id)).With("generation", generation),
	}
	proxyCfg := func(iface domain.Interface) PropertyProxyConfig {
		return PropertyProxyConfig{
			Bus:    cfg.Bus,
			Runner: cfg.Runner,
			Logger: c.logger,
			OnReady: func(initial bool, err error) {
				c.proxyReady(iface, initial, err)
			},
			OnChange: func(name domain.Property, value any, known bool) {
				c.propertyChanged(iface, name, value, known)
			},
			OnAsyncFinished: func(name domain.Property, err error) {
				if name == domain.PropPosition {
					c.positionFetched(err)
				}
			},
			OnError: func(err error) { c.lastError = err },
		}
	}
	c.root = newPropertyProxy(id, domain.InterfaceRoot, c.life, proxyCfg(domain.InterfaceRoot))
	c.player = newPropertyProxy(id, domain.InterfacePlayer, c.life, proxyCfg(domain.InterfacePlayer))
	return c
}

// Start subscribes to the peer and issues the initial bulk fetches.
func (c *PeerClient) Start() {
	c.cfg.Bus.Subscribe(c.id, domain.InterfaceRoot)
	c.cfg.Bus.Subscribe(c.id, domain.InterfacePlayer)
	c.root.RefreshAll(nil)
	c.player.RefreshAll(nil)
}

// Close detaches the client. Completions that arrive afterwards are dropped.
func (c *PeerClient) Close() {
	if c.life.closed {
		return
	}
	c.life.closed = true
	c.stopPositionTimer()
	c.cfg.Bus.Unsubscribe(c.id)
}

func (c *PeerClient) ID() domain.PeerID      { return c.id }
func (c *PeerClient) Generation() uint64     { return c.life.generation }
func (c *PeerClient) Ready() bool            { return c.ready }
func (c *PeerClient) Closed() bool           { return c.life.closed }
func (c *PeerClient) Failed() bool           { return c.failed }
func (c *PeerClient) LastError() error       { return c.lastError }
func (c *PeerClient) Root() *PropertyProxy   { return c.root }
func (c *PeerClient) Player() *PropertyProxy { return c.player }

// State returns the last decoded snapshot.
func (c *PeerClient) State() domain.PlayerState { return c.state }

func (c *PeerClient) IsPlaying() bool {
	return c.state.PlaybackStatus == domain.StatusPlaying
}

func (c *PeerClient) CanQuit() bool                         { return c.state.CanQuit }
func (c *PeerClient) CanRaise() bool                        { return c.state.CanRaise }
func (c *PeerClient) CanSetFullscreen() bool                { return c.state.CanSetFullscreen }
func (c *PeerClient) DesktopEntry() string                  { return c.state.DesktopEntry }
func (c *PeerClient) Fullscreen() bool                      { return c.state.Fullscreen }
func (c *PeerClient) HasTrackList() bool                    { return c.state.HasTrackList }
func (c *PeerClient) Identity() string                      { return c.state.Identity }
func (c *PeerClient) SupportedMimeTypes() []string          { return c.state.SupportedMimeTypes }
func (c *PeerClient) SupportedURISchemes() []string         { return c.state.SupportedURISchemes }
func (c *PeerClient) CanControl() bool                      { return c.state.CanControl }
func (c *PeerClient) CanGoNext() bool                       { return c.state.CanGoNext }
func (c *PeerClient) CanGoPrevious() bool                   { return c.state.CanGoPrevious }
func (c *PeerClient) CanPause() bool                        { return c.state.CanPause }
func (c *PeerClient) CanPlay() bool                         { return c.state.CanPlay }
func (c *PeerClient) CanSeek() bool                         { return c.state.CanSeek }
func (c *PeerClient) LoopStatus() domain.LoopStatus         { return c.state.LoopStatus }
func (c *PeerClient) MaximumRate() float64                  { return c.state.MaximumRate }
func (c *PeerClient) MinimumRate() float64                  { return c.state.MinimumRate }
func (c *PeerClient) PlaybackStatus() domain.PlaybackStatus { return c.state.PlaybackStatus }
func (c *PeerClient) Rate() float64                         { return c.state.Rate }
func (c *PeerClient) Shuffle() bool                         { return c.state.Shuffle }
func (c *PeerClient) Volume() float64                       { return c.state.Volume }
func (c *PeerClient) Metadata() domain.Metadata             { return c.state.Metadata }

// Position returns the interpolated playback position in milliseconds.
func (c *PeerClient) Position() int64 {
	return c.estimator.Position(c.cfg.Now(), c.IsPlaying())
}

// ObservePosition turns periodic position notifications on or off.
func (c *PeerClient) ObservePosition(on bool) {
	c.positionObserved = on
	c.updatePositionTimer()
}

// RequestPosition refreshes the real position from the peer. Requests made
// while one is outstanding are coalesced.
func (c *PeerClient) RequestPosition() {
	if c.life.closed || c.positionRequested {
		return
	}
	c.positionRequested = true
	c.player.Refresh(domain.PropPosition, nil)
}

// snapshot decodes both mirrors. Invalidated properties keep their last
// value so a pending refetch never looks like a change.
func (c *PeerClient) snapshot() domain.PlayerState {
	r, p := c.root, c.player
	s := domain.PlayerState{
		CanQuit:             r.LastKnown(domain.PropCanQuit).(bool),
		CanRaise:            r.LastKnown(domain.PropCanRaise).(bool),
		CanSetFullscreen:    r.LastKnown(domain.PropCanSetFullscreen).(bool),
		DesktopEntry:        r.LastKnown(domain.PropDesktopEntry).(string),
		Fullscreen:          r.LastKnown(domain.PropFullscreen).(bool),
		HasTrackList:        r.LastKnown(domain.PropHasTrackList).(bool),
		Identity:            r.LastKnown(domain.PropIdentity).(string),
		SupportedMimeTypes:  r.LastKnown(domain.PropSupportedMimeTypes).([]string),
		SupportedURISchemes: r.LastKnown(domain.PropSupportedURISchemes).([]string),
		CanControl:          p.LastKnown(domain.PropCanControl).(bool),
		LoopStatus:          domain.ParseLoopStatus(p.LastKnown(domain.PropLoopStatus).(string)),
		MaximumRate:         p.LastKnown(domain.PropMaximumRate).(float64),
		MinimumRate:         p.LastKnown(domain.PropMinimumRate).(float64),
		PlaybackStatus:      domain.ParsePlaybackStatus(p.LastKnown(domain.PropPlaybackStatus).(string)),
		Rate:                p.LastKnown(domain.PropRate).(float64),
		Shuffle:             p.LastKnown(domain.PropShuffle).(bool),
		Volume:              p.LastKnown(domain.PropVolume).(float64),
		Metadata:            domain.DecodeMetadata(p.LastKnown(domain.PropMetadata).(map[string]any)),
	}
	if s.CanControl {
		s.CanGoNext = p.LastKnown(domain.PropCanGoNext).(bool)
		s.CanGoPrevious = p.LastKnown(domain.PropCanGoPrevious).(bool)
		s.CanPause = p.LastKnown(domain.PropCanPause).(bool)
		s.CanPlay = p.LastKnown(domain.PropCanPlay).(bool)
		s.CanSeek = p.LastKnown(domain.PropCanSeek).(bool)
	}
	return s
}

func (c *PeerClient) proxyReady(iface domain.Interface, initial bool, err error) {
	if err != nil {
		c.logger.Warnw("initial property fetch failed", "interface", iface, "error", err)
		if initial && !c.ready && !c.failed {
			c.failed = true
			c.lastError = err
			if c.observer != nil {
				c.observer.ClientFailed(c, err)
			}
		}
		return
	}
	if !initial {
		return
	}
	if c.ready || !c.root.Initialized() || !c.player.Initialized() {
		return
	}
	c.ready = true
	next := c.snapshot()
	now := c.cfg.Now()
	position, _ := domain.AsInt64(c.player.Get(domain.PropPosition))
	c.estimator.Checkpoint(position/1000, now, next.Rate)

	// The first snapshot is diffed against construction defaults so that
	// capabilities the peer reports as true are announced once.
	c.applySnapshot(next)
	c.updatePositionTimer()
	c.logger.Debugw("peer client ready",
		"identity", next.Identity,
		"playback_status", next.PlaybackStatus,
	)
	if c.observer != nil {
		c.observer.ClientReady(c)
	}
}

func (c *PeerClient) propertyChanged(iface domain.Interface, name domain.Property, value any, known bool) {
	if !c.ready {
		return
	}
	if !known {
		c.emit(domain.Event{Kind: domain.EventPropertyInvalidated, Property: name})
		return
	}
	next := c.snapshot()
	now := c.cfg.Now()

	switch {
	case iface == domain.InterfacePlayer && name == domain.PropPosition:
		if !c.positionRequested {
			pos, _ := domain.AsInt64(value)
			c.estimator.Checkpoint(pos/1000, now, next.Rate)
			c.emit(domain.Event{Kind: domain.EventPositionChanged, Position: c.Position()})
		}
		return

	case iface == domain.InterfacePlayer && name == domain.PropPlaybackStatus:
		if next.PlaybackStatus != c.state.PlaybackStatus {
			c.playbackStatusChanged(c.state.PlaybackStatus, next.PlaybackStatus, next.Rate, now)
		}

	case iface == domain.InterfacePlayer && name == domain.PropRate && next.Rate != c.state.Rate:
		if c.IsPlaying() {
			c.estimator.Fold(now)
			c.estimator.Restart(now, next.Rate)
			c.requestPositionFor("rate")
		} else {
			c.estimator.Restart(now, next.Rate)
		}

	case iface == domain.InterfacePlayer && name == domain.PropMetadata:
		if next.Metadata.TrackID != c.state.Metadata.TrackID {
			c.estimator.Checkpoint(0, now, next.Rate)
			c.emit(domain.Event{Kind: domain.EventPositionChanged, Position: 0})
			c.requestPositionFor("track")
		}
	}

	c.applySnapshot(next)
	c.updatePositionTimer()
}

func (c *PeerClient) playbackStatusChanged(old, next domain.PlaybackStatus, rate float64, now time.Time) {
	switch next {
	case domain.StatusPlaying:
		c.estimator.Restart(now, rate)
	case domain.StatusPaused:
		if old == domain.StatusPlaying {
			c.estimator.Fold(now)
		}
	case domain.StatusStopped:
		c.estimator.Checkpoint(0, now, rate)
		c.emit(domain.Event{Kind: domain.EventPositionChanged, Position: 0})
	}
}

func (c *PeerClient) applySnapshot(next domain.PlayerState) {
	changes := domain.Diff(c.state, next)
	c.state = next
	for _, ch := range changes {
		c.emit(domain.Event{Kind: domain.EventPropertyChanged, Property: ch.Property, Value: ch.Value})
	}
}

// HandleSignal processes a signal emitted by the peer.
func (c *PeerClient) HandleSignal(iface domain.Interface, member string, args []any) {
	if c.life.closed || iface != domain.InterfacePlayer || member != "Seeked" || len(args) == 0 {
		return
	}
	us, ok := domain.AsInt64(args[0])
	if !ok {
		c.logger.Warnw("ignoring malformed Seeked signal", "args", args)
		return
	}
	c.estimator.Checkpoint(us/1000, c.cfg.Now(), c.state.Rate)
	pos := c.Position()
	c.emit(domain.Event{Kind: domain.EventPositionChanged, Position: pos})
	c.emit(domain.Event{Kind: domain.EventSeeked, Position: pos})
}

// HandlePropertiesChanged routes a push notification to the right proxy.
func (c *PeerClient) HandlePropertiesChanged(iface domain.Interface, changed map[domain.Property]any, invalidated []domain.Property) {
	switch iface {
	case domain.InterfaceRoot:
		c.root.HandleChanged(changed, invalidated)
	case domain.InterfacePlayer:
		c.player.HandleChanged(changed, invalidated)
	}
}

func (c *PeerClient) requestPositionFor(reason string) {
	if c.positionRequested {
		return
	}
	c.cfg.Metrics.IncPositionResyncs(reason)
	c.RequestPosition()
}

func (c *PeerClient) positionFetched(err error) {
	c.positionRequested = false
	if err != nil {
		return
	}
	pos, _ := domain.AsInt64(c.player.Get(domain.PropPosition))
	c.estimator.Checkpoint(pos/1000, c.cfg.Now(), c.state.Rate)
	c.emit(domain.Event{Kind: domain.EventPositionChanged, Position: c.Position()})
}

func (c *PeerClient) updatePositionTimer() {
	want := c.ready && !c.life.closed && c.positionObserved && c.IsPlaying()
	switch {
	case want && c.positionTimer == nil:
		c.positionTimer = c.cfg.Scheduler.Every(c.cfg.PositionNotifyInterval, c.positionTick)
	case !want:
		c.stopPositionTimer()
	}
}

func (c *PeerClient) stopPositionTimer() {
	if c.positionTimer != nil {
		c.positionTimer.Stop()
		c.positionTimer = nil
	}
}

func (c *PeerClient) positionTick() {
	if c.life.closed || !c.IsPlaying() {
		return
	}
	if c.positionObserved && c.estimator.Stale(c.cfg.Now(), c.cfg.PositionSyncInterval) {
		c.requestPositionFor("stale")
		return
	}
	c.emit(domain.Event{Kind: domain.EventPositionChanged, Position: c.Position()})
}

func (c *PeerClient) emit(ev domain.Event) {
	ev.Peer = c.id
	if c.observer != nil {
		c.observer.ClientEvent(c, ev)
	}
}

// Commands. Each returns nil once the request is dispatched; remote failures
// are logged and kept as LastError.

func (c *PeerClient) Play() error {
	return c.call("play", c.state.CanPlay, domain.InterfacePlayer, "Play")
}

func (c *PeerClient) Pause() error {
	return c.call("pause", c.state.CanPause, domain.InterfacePlayer, "Pause")
}

func (c *PeerClient) PlayPause() error {
	return c.call("play_pause", c.state.CanPlay || c.state.CanPause, domain.InterfacePlayer, "PlayPause")
}

func (c *PeerClient) Stop() error {
	return c.call("stop", c.state.CanControl, domain.InterfacePlayer, "Stop")
}

func (c *PeerClient) Next() error {
	return c.call("next", c.state.CanGoNext, domain.InterfacePlayer, "Next")
}

func (c *PeerClient) Previous() error {
	return c.call("previous", c.state.CanGoPrevious, domain.InterfacePlayer, "Previous")
}

func (c *PeerClient) Quit() error {
	return c.call("quit", c.state.CanQuit, domain.InterfaceRoot, "Quit")
}

func (c *PeerClient) Raise() error {
	return c.call("raise", c.state.CanRaise, domain.InterfaceRoot, "Raise")
}

// Seek moves the position by offsetMs, which may be negative.
func (c *PeerClient) Seek(offsetMs int64) error {
	return c.call("seek", c.state.CanSeek, domain.InterfacePlayer, "Seek", offsetMs*1000)
}

// SetPosition jumps to positionMs within trackID.
func (c *PeerClient) SetPosition(trackID domain.ObjectPath, positionMs int64) error {
	if !c.state.CanSeek {
		return c.reject("set_position", domain.ErrNotAllowed)
	}
	if err := validation.ValidateObjectPath(string(trackID)); err != nil {
		return c.reject("set_position", fmt.Errorf("%w: track id: %v", domain.ErrInvalidArgument, err))
	}
	if positionMs < 0 {
		return c.reject("set_position", fmt.Errorf("%w: negative position %d", domain.ErrInvalidArgument, positionMs))
	}
	if md := c.state.Metadata; md.HasLength() && md.TrackID == trackID && positionMs > md.Length.Milliseconds() {
		return c.reject("set_position", fmt.Errorf("%w: position %dms beyond track length %dms",
			domain.ErrInvalidArgument, positionMs, md.Length.Milliseconds()))
	}
	return c.call("set_position", true, domain.InterfacePlayer, "SetPosition", trackID, positionMs*1000)
}

// SetPositionMs jumps to positionMs within the current track.
func (c *PeerClient) SetPositionMs(positionMs int64) error {
	track := c.state.Metadata.TrackID
	if track == "" || track == domain.NoTrack {
		if !c.state.CanSeek {
			return c.reject("set_position", domain.ErrNotAllowed)
		}
		return c.reject("set_position", fmt.Errorf("%w: no current track", domain.ErrInvalidArgument))
	}
	return c.SetPosition(track, positionMs)
}

func (c *PeerClient) OpenURI(uri string) error {
	if !c.state.CanControl {
		return c.reject("open_uri", domain.ErrNotAllowed)
	}
	if err := validation.ValidateURI(uri); err != nil {
		return c.reject("open_uri", fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err))
	}
	return c.call("open_uri", true, domain.InterfacePlayer, "OpenUri", uri)
}

func (c *PeerClient) SetLoopStatus(status domain.LoopStatus) error {
	if !c.state.CanControl {
		return c.reject("set_loop_status", domain.ErrNotAllowed)
	}
	if !status.Valid() {
		return c.reject("set_loop_status", fmt.Errorf("%w: loop status %q", domain.ErrInvalidArgument, status))
	}
	return c.set(c.player, domain.PropLoopStatus, string(status))
}

func (c *PeerClient) SetShuffle(shuffle bool) error {
	if !c.state.CanControl {
		return c.reject("set_shuffle", domain.ErrNotAllowed)
	}
	return c.set(c.player, domain.PropShuffle, shuffle)
}

func (c *PeerClient) SetRate(rate float64) error {
	if !c.state.CanControl {
		return c.reject("set_rate", domain.ErrNotAllowed)
	}
	if rate <= 0 || rate < c.state.MinimumRate || rate > c.state.MaximumRate {
		return c.reject("set_rate", fmt.Errorf("%w: rate %v outside [%v, %v]",
			domain.ErrInvalidArgument, rate, c.state.MinimumRate, c.state.MaximumRate))
	}
	return c.set(c.player, domain.PropRate, rate)
}

func (c *PeerClient) SetVolume(volume float64) error {
	if !c.state.CanControl {
		return c.reject("set_volume", domain.ErrNotAllowed)
	}
	if volume < 0 {
		return c.reject("set_volume", fmt.Errorf("%w: negative volume %v", domain.ErrInvalidArgument, volume))
	}
	return c.set(c.player, domain.PropVolume, volume)
}

func (c *PeerClient) SetFullscreen(fullscreen bool) error {
	if !c.state.CanSetFullscreen {
		return c.reject("set_fullscreen", domain.ErrNotAllowed)
	}
	return c.set(c.root, domain.PropFullscreen, fullscreen)
}

func (c *PeerClient) call(command string, allowed bool, iface domain.Interface, method string, args ...any) error {
	if !allowed {
		return c.reject(command, domain.ErrNotAllowed)
	}
	c.cfg.Bus.Call(c.id, iface, method, args, func(r ports.Reply) {
		if c.life.closed || r.Err == nil {
			return
		}
		c.lastError = domain.NewRemoteError(c.id, iface, method, r.Err)
		c.logger.Warnw("command failed", "method", method, "error", r.Err)
	})
	c.logger.Debugw("command dispatched", "method", method)
	return nil
}

func (c *PeerClient) set(proxy *PropertyProxy, name domain.Property, value any) error {
	if err := proxy.Set(name, value, nil); err != nil {
		return c.reject("set_"+string(name), err)
	}
	return nil
}

func (c *PeerClient) reject(command string, err error) error {
	c.cfg.Metrics.IncRejectedCommands(command, err)
	return fmt.Errorf("%s on %s: %w", command, c.id, err)
}
