package services

import (
	"context"
	"testing"
	"time"

	"mprisctl/internal/core/domain"
	"mprisctl/internal/infrastructure/memory"
	"mprisctl/pkg/eventloop"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const (
	peerA domain.PeerID = "org.mpris.MediaPlayer2.alpha"
	peerB domain.PeerID = "org.mpris.MediaPlayer2.beta"
	peerC domain.PeerID = "org.mpris.MediaPlayer2.gamma"
)

type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func rootProps(identity string) map[string]any {
	return map[string]any{
		"CanQuit":             true,
		"CanRaise":            false,
		"CanSetFullscreen":    false,
		"Fullscreen":          false,
		"HasTrackList":        false,
		"Identity":            identity,
		"DesktopEntry":        "",
		"SupportedUriSchemes": []string{"file", "http"},
		"SupportedMimeTypes":  []string{"audio/mpeg"},
	}
}

func playerProps(status domain.PlaybackStatus) map[string]any {
	return map[string]any{
		"CanControl":     true,
		"CanGoNext":      true,
		"CanGoPrevious":  true,
		"CanPause":       true,
		"CanPlay":        true,
		"CanSeek":        true,
		"LoopStatus":     "None",
		"MaximumRate":    2.0,
		"MinimumRate":    0.5,
		"PlaybackStatus": string(status),
		"Rate":           1.0,
		"Shuffle":        false,
		"Volume":         0.5,
		"Position":       int64(10_000_000),
		"Metadata": map[string]any{
			"mpris:trackid": domain.ObjectPath("/org/mpris/track/1"),
			"mpris:length":  int64(180_000_000),
			"xesam:title":   "Hoppípolla",
			"xesam:artist":  []string{"Sigur Rós"},
		},
	}
}

type harness struct {
	t     *testing.T
	loop  *eventloop.Loop
	bus   *memory.Bus
	clock *fakeClock
	ctrl  *Controller
}

func newHarness(t *testing.T, opts ...func(*ControllerConfig)) *harness {
	t.Helper()
	loop := eventloop.New()
	bus := memory.NewBus(loop)
	clock := newFakeClock()
	cfg := ControllerConfig{
		Bus:    bus,
		Loop:   loop,
		Logger: zaptest.NewLogger(t).Sugar(),
		Now:    clock.Now,
		// Ticks are driven by hand.
		PositionNotifyInterval: time.Hour,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	ctrl := NewController(cfg)
	require.NoError(t, ctrl.Start(context.Background()))
	h := &harness{t: t, loop: loop, bus: bus, clock: clock, ctrl: ctrl}
	h.settle()
	return h
}

// settle runs the loop until no work is left.
func (h *harness) settle() {
	h.loop.RunPending()
}

func (h *harness) addPeer(id domain.PeerID, identity string, status domain.PlaybackStatus) {
	h.bus.AddPeer(id, rootProps(identity), playerProps(status), nil)
	h.settle()
}

func (h *harness) setStatus(id domain.PeerID, status domain.PlaybackStatus) {
	h.bus.SetProperty(id, domain.InterfacePlayer, domain.PropPlaybackStatus, string(status))
	h.settle()
}

func (h *harness) active() domain.PeerID {
	id, _ := h.ctrl.ActivePeer()
	return id
}

// recorder collects events emitted by a controller or client.
type recorder struct {
	events []domain.Event
}

func (r *recorder) add(ev domain.Event) { r.events = append(r.events, ev) }

func (r *recorder) reset() { r.events = nil }

func (r *recorder) properties() []domain.Property {
	var out []domain.Property
	for _, ev := range r.events {
		if ev.Kind == domain.EventPropertyChanged {
			out = append(out, ev.Property)
		}
	}
	return out
}

func (r *recorder) kinds() []domain.EventKind {
	out := make([]domain.EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func (r *recorder) ofKind(kind domain.EventKind) []domain.Event {
	var out []domain.Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}
