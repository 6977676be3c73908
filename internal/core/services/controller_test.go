package services

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"mprisctl/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestController_PlayingPeerTakesOverAndFallsBack(t *testing.T) {
	h := newHarness(t)

	h.addPeer(peerA, "Alpha", domain.StatusPlaying)
	assert.Equal(t, peerA, h.active())

	h.clock.Advance(2 * time.Second)
	h.addPeer(peerB, "Beta", domain.StatusPlaying)
	assert.Equal(t, peerB, h.active())
	assert.Equal(t, []domain.PeerID{peerA}, h.ctrl.arbitrator.OtherPlaying())
	assert.Equal(t, []domain.PeerID{peerB, peerA}, h.ctrl.AvailablePeers())

	h.bus.RemovePeer(peerB)
	h.settle()
	assert.Equal(t, peerA, h.active())
	assert.Equal(t, []domain.PeerID{peerA}, h.ctrl.AvailablePeers())
	assert.Empty(t, h.ctrl.arbitrator.OtherPlaying())
}

func TestController_PinBeforePeerAppears(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.ctrl.Pin(peerB))
	assert.Equal(t, domain.ModePinned, h.ctrl.Mode())

	h.addPeer(peerA, "Alpha", domain.StatusPlaying)
	_, ok := h.ctrl.ActivePeer()
	assert.False(t, ok, "no peer is active until the pinned name appears")

	h.addPeer(peerB, "Beta", domain.StatusPaused)
	assert.Equal(t, peerB, h.active())

	h.addPeer(peerC, "Gamma", domain.StatusPaused)
	h.setStatus(peerC, domain.StatusPlaying)
	assert.Equal(t, peerB, h.active())
	assert.Equal(t, []domain.PeerID{peerC, peerA}, h.ctrl.arbitrator.OtherPlaying())

	h.ctrl.Unpin()
	assert.Equal(t, domain.ModeAutomatic, h.ctrl.Mode())
	assert.Equal(t, peerC, h.active())
}

func TestController_PinnedPeerVanishes(t *testing.T) {
	h := newHarness(t)
	h.addPeer(peerA, "Alpha", domain.StatusPlaying)
	h.addPeer(peerB, "Beta", domain.StatusPaused)

	require.NoError(t, h.ctrl.Pin(peerB))
	assert.Equal(t, peerB, h.active())

	h.bus.RemovePeer(peerB)
	h.settle()
	_, ok := h.ctrl.ActivePeer()
	assert.False(t, ok)

	h.addPeer(peerB, "Beta", domain.StatusPaused)
	assert.Equal(t, peerB, h.active())
}

func TestController_PinRejectsBadNames(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name string
		id   domain.PeerID
	}{
		{name: "not a bus name", id: "not-a-name"},
		{name: "unique name", id: ":1.42"},
		{name: "outside the pattern", id: "org.example.Player"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.ctrl.Pin(tt.id)
			assert.ErrorIs(t, err, domain.ErrInvalidArgument)
			assert.Equal(t, domain.ModeAutomatic, h.ctrl.Mode())
		})
	}
}

func TestController_ActiveStopsPromotesMostRecentPlayer(t *testing.T) {
	h := newHarness(t)
	h.addPeer(peerA, "Alpha", domain.StatusPlaying)
	h.addPeer(peerB, "Beta", domain.StatusPaused)
	assert.Equal(t, peerA, h.active())

	h.setStatus(peerB, domain.StatusPlaying)
	assert.Equal(t, peerA, h.active(), "a playing active peer is not displaced")

	h.addPeer(peerC, "Gamma", domain.StatusPaused)
	h.setStatus(peerC, domain.StatusPlaying)
	assert.Equal(t, []domain.PeerID{peerC, peerB}, h.ctrl.arbitrator.OtherPlaying())

	h.setStatus(peerA, domain.StatusPaused)
	assert.Equal(t, peerC, h.active())
	assert.Equal(t, []domain.PeerID{peerB}, h.ctrl.arbitrator.OtherPlaying())
	assert.Equal(t, []domain.PeerID{peerC, peerB, peerA}, h.ctrl.AvailablePeers())
}

func TestController_SwitchEmitsOnlyDifferences(t *testing.T) {
	h := newHarness(t)
	h.addPeer(peerA, "Alpha", domain.StatusPaused)
	player := playerProps(domain.StatusPaused)
	player["Volume"] = 0.8
	h.bus.AddPeer(peerB, rootProps("Beta"), player, nil)
	h.settle()
	require.Equal(t, peerA, h.active())

	rec := &recorder{}
	h.ctrl.OnAnyPropertyChanged(rec.add)
	h.ctrl.OnActivePeerChanged(rec.add)
	h.ctrl.OnPositionChanged(rec.add)

	require.NoError(t, h.ctrl.Select(peerB))

	assert.Equal(t, []domain.EventKind{
		domain.EventPropertyChanged,
		domain.EventPropertyChanged,
		domain.EventActivePeerChanged,
		domain.EventPropertyChanged,
		domain.EventPositionChanged,
	}, rec.kinds())
	assert.Equal(t, []domain.Property{
		domain.PropIdentity,
		domain.PropVolume,
		domain.PropMetadata,
	}, rec.properties())
	assert.Equal(t, peerB, rec.events[2].Peer)
	assert.Equal(t, int64(10_000), rec.events[4].Position)
}

func TestController_SwitchToNoPeerReportsDefaults(t *testing.T) {
	h := newHarness(t)
	h.addPeer(peerA, "Alpha", domain.StatusPlaying)

	rec := &recorder{}
	h.ctrl.OnPropertyChanged(domain.PropIdentity, rec.add)
	h.ctrl.OnActivePeerChanged(rec.add)

	h.bus.RemovePeer(peerA)
	h.settle()

	require.Len(t, rec.events, 2)
	assert.Equal(t, "", rec.events[0].Value)
	assert.Equal(t, domain.EventActivePeerChanged, rec.events[1].Kind)
	assert.Empty(t, rec.events[1].Peer)
	assert.Equal(t, domain.DefaultPlayerState(), h.ctrl.State())
	assert.Zero(t, h.ctrl.Position())
}

func TestController_ForwardsOnlyActivePeerChanges(t *testing.T) {
	h := newHarness(t)
	h.addPeer(peerA, "Alpha", domain.StatusPlaying)
	h.addPeer(peerB, "Beta", domain.StatusPaused)

	rec := &recorder{}
	h.ctrl.OnPropertyChanged(domain.PropVolume, rec.add)

	h.bus.SetProperty(peerB, domain.InterfacePlayer, domain.PropVolume, 0.1)
	h.settle()
	assert.Empty(t, rec.events)

	h.bus.SetProperty(peerA, domain.InterfacePlayer, domain.PropVolume, 0.2)
	h.settle()
	require.Len(t, rec.events, 1)
	assert.Equal(t, 0.2, rec.events[0].Value)
	assert.Equal(t, 0.2, h.ctrl.Volume())
}

func TestController_InvalidatedStatusKeepsActivePeer(t *testing.T) {
	h := newHarness(t)
	h.addPeer(peerA, "Alpha", domain.StatusPlaying)
	h.clock.Advance(time.Second)
	h.addPeer(peerB, "Beta", domain.StatusPlaying)
	require.Equal(t, peerB, h.active())

	rec := &recorder{}
	h.ctrl.OnActivePeerChanged(rec.add)
	h.ctrl.OnPropertyChanged(domain.PropPlaybackStatus, rec.add)

	h.bus.Hold(peerB)
	h.bus.Invalidate(peerB, domain.InterfacePlayer, domain.PropPlaybackStatus, string(domain.StatusPlaying))
	h.settle()
	assert.Equal(t, peerB, h.active(), "refetch still in flight")
	assert.Equal(t, domain.StatusPlaying, h.ctrl.State().PlaybackStatus)
	assert.Equal(t, []domain.PeerID{peerA}, h.ctrl.arbitrator.OtherPlaying())

	h.bus.Release(peerB)
	h.settle()
	assert.Equal(t, peerB, h.active())
	assert.Equal(t, []domain.PeerID{peerA}, h.ctrl.arbitrator.OtherPlaying())
	assert.Empty(t, rec.events)
}

func TestController_FailedSyncLeavesNothingPending(t *testing.T) {
	h := newHarness(t)
	h.addPeer(peerA, "Alpha", domain.StatusPaused)

	h.bus.FailNext("GetAll", errors.New("timeout"))
	h.addPeer(peerB, "Beta", domain.StatusPlaying)

	assert.Empty(t, h.ctrl.Pending())
	assert.Equal(t, []domain.PeerID{peerB}, h.ctrl.Failed())
	assert.Equal(t, []domain.PeerID{peerA}, h.ctrl.AvailablePeers())
	assert.Equal(t, peerA, h.active())
}

func TestController_PendingPeerVanishes(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	h.ctrl.OnAvailablePeersChanged(rec.add)
	h.ctrl.OnActivePeerChanged(rec.add)

	h.bus.AddPeer(peerA, rootProps("Alpha"), playerProps(domain.StatusPlaying), nil)
	h.bus.Hold(peerA)
	h.settle()
	assert.Equal(t, []domain.PeerID{peerA}, h.ctrl.Pending())

	h.bus.RemovePeer(peerA)
	h.settle()
	h.bus.Release(peerA)
	h.settle()

	assert.Empty(t, h.ctrl.Pending())
	assert.Empty(t, h.ctrl.AvailablePeers())
	assert.Empty(t, rec.events)
	_, ok := h.ctrl.ActivePeer()
	assert.False(t, ok)
}

func TestController_SupersededInstanceIsIgnored(t *testing.T) {
	h := newHarness(t)

	h.bus.AddPeer(peerA, rootProps("Old"), playerProps(domain.StatusPlaying), nil)
	h.bus.Hold(peerA)
	h.settle()
	old, ok := h.ctrl.Registry().clients[peerA]
	require.True(t, ok)

	h.bus.AddPeer(peerA, rootProps("New"), playerProps(domain.StatusPaused), nil)
	h.settle()
	h.bus.Release(peerA)
	h.settle()

	assert.True(t, old.Closed())
	assert.False(t, old.Ready())

	client, ok := h.ctrl.Registry().Client(peerA)
	require.True(t, ok)
	assert.Equal(t, uint64(2), client.Generation())
	assert.Equal(t, "New", h.ctrl.Identity())
	assert.Equal(t, domain.StatusPaused, h.ctrl.PlaybackStatus())
	assert.Equal(t, []domain.PeerID{peerA}, h.ctrl.AvailablePeers())
}

func TestController_CommandsWithoutActivePeer(t *testing.T) {
	h := newHarness(t)

	commands := map[string]func() error{
		"play":  h.ctrl.Play,
		"pause": h.ctrl.Pause,
		"next":  h.ctrl.Next,
		"seek":  func() error { return h.ctrl.Seek(1000) },
		"open":  func() error { return h.ctrl.OpenURI("file:///tmp/a.mp3") },
	}
	for name, cmd := range commands {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, cmd(), domain.ErrNoActivePeer)
		})
	}
	assert.Empty(t, h.bus.Calls())
}

func TestController_CommandsFailFastWhenNotAllowed(t *testing.T) {
	h := newHarness(t)
	player := playerProps(domain.StatusPaused)
	player["CanControl"] = false
	h.bus.AddPeer(peerA, rootProps("Alpha"), player, nil)
	h.settle()
	before := len(h.bus.Calls())

	assert.False(t, h.ctrl.CanPlay(), "capabilities are gated by CanControl")
	assert.ErrorIs(t, h.ctrl.Play(), domain.ErrNotAllowed)
	assert.ErrorIs(t, h.ctrl.Next(), domain.ErrNotAllowed)
	assert.ErrorIs(t, h.ctrl.Seek(5000), domain.ErrNotAllowed)
	assert.ErrorIs(t, h.ctrl.SetVolume(0.3), domain.ErrNotAllowed)
	assert.ErrorIs(t, h.ctrl.SetFullscreen(true), domain.ErrNotAllowed)
	h.settle()

	assert.Len(t, h.bus.Calls(), before)
}

func TestController_CommandsDispatch(t *testing.T) {
	h := newHarness(t)
	h.addPeer(peerA, "Alpha", domain.StatusPaused)

	require.NoError(t, h.ctrl.Play())
	require.NoError(t, h.ctrl.Seek(-2500))
	require.NoError(t, h.ctrl.OpenURI("file:///music/track.flac"))
	require.NoError(t, h.ctrl.Quit())
	h.settle()

	calls := h.bus.Calls()
	require.GreaterOrEqual(t, len(calls), 4)
	tail := calls[len(calls)-4:]
	assert.Equal(t, "Play", tail[0].Method)
	assert.Equal(t, "Seek", tail[1].Method)
	assert.Equal(t, []any{int64(-2_500_000)}, tail[1].Args)
	assert.Equal(t, "OpenUri", tail[2].Method)
	assert.Equal(t, domain.InterfaceRoot, tail[3].Interface)
	assert.Equal(t, "Quit", tail[3].Method)
	assert.NoError(t, h.ctrl.LastError())
}

func TestController_CommandByName(t *testing.T) {
	h := newHarness(t)
	h.addPeer(peerA, "Alpha", domain.StatusPaused)

	assert.Equal(t, []string{"next", "pause", "play", "play-pause", "previous", "quit", "raise", "stop"}, CommandNames())
	require.NoError(t, h.ctrl.Command("play-pause"))
	h.settle()
	calls := h.bus.Calls()
	assert.Equal(t, "PlayPause", calls[len(calls)-1].Method)

	err := h.ctrl.Command("rewind")
	assert.ErrorIs(t, err, domain.ErrUnknownCommand)
	assert.Contains(t, err.Error(), "rewind")
}

func TestController_InvalidArguments(t *testing.T) {
	h := newHarness(t)
	h.addPeer(peerA, "Alpha", domain.StatusPlaying)
	before := len(h.bus.Calls())

	tests := []struct {
		name string
		run  func() error
	}{
		{name: "position beyond length", run: func() error { return h.ctrl.SetPositionMs(200_000) }},
		{name: "negative position", run: func() error { return h.ctrl.SetPositionMs(-1) }},
		{name: "malformed track id", run: func() error { return h.ctrl.SetPosition("track one", 0) }},
		{name: "relative uri", run: func() error { return h.ctrl.OpenURI("music/track.flac") }},
		{name: "rate above maximum", run: func() error { return h.ctrl.SetRate(3.0) }},
		{name: "unknown loop status", run: func() error { return h.ctrl.SetLoopStatus("Forever") }},
		{name: "negative volume", run: func() error { return h.ctrl.SetVolume(-0.5) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.run(), domain.ErrInvalidArgument)
		})
	}
	h.settle()
	assert.Len(t, h.bus.Calls(), before)
}

func TestController_SetPositionWithinTrack(t *testing.T) {
	h := newHarness(t)
	h.addPeer(peerA, "Alpha", domain.StatusPlaying)

	require.NoError(t, h.ctrl.SetPositionMs(30_000))
	h.settle()

	calls := h.bus.Calls()
	last := calls[len(calls)-1]
	assert.Equal(t, "SetPosition", last.Method)
	assert.Equal(t, []any{domain.ObjectPath("/org/mpris/track/1"), int64(30_000_000)}, last.Args)
}

func TestController_WritablePropertiesRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.addPeer(peerA, "Alpha", domain.StatusPlaying)

	require.NoError(t, h.ctrl.SetVolume(0.9))
	require.NoError(t, h.ctrl.SetLoopStatus(domain.LoopPlaylist))
	require.NoError(t, h.ctrl.SetShuffle(true))
	assert.Equal(t, 0.5, h.ctrl.Volume(), "values change only once the peer reports them")

	h.settle()
	assert.Equal(t, 0.9, h.ctrl.Volume())
	assert.Equal(t, domain.LoopPlaylist, h.ctrl.LoopStatus())
	assert.True(t, h.ctrl.Shuffle())
}

func TestController_RemoteFailureBecomesLastError(t *testing.T) {
	h := newHarness(t)
	h.addPeer(peerA, "Alpha", domain.StatusPlaying)

	h.bus.FailNext("Next", errors.New("org.mpris.MediaPlayer2.Error.Failed"))
	require.NoError(t, h.ctrl.Next())
	h.settle()

	err := h.ctrl.LastError()
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrRemote)
	var remote *domain.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, peerA, remote.Peer)
	assert.Equal(t, "Next", remote.Member)
}

func TestController_PositionSubscribersToggleObservation(t *testing.T) {
	h := newHarness(t)
	h.addPeer(peerA, "Alpha", domain.StatusPlaying)
	client, err := h.ctrl.Active()
	require.NoError(t, err)
	assert.False(t, client.positionObserved)

	cancel1 := h.ctrl.OnPositionChanged(func(domain.Event) {})
	cancel2 := h.ctrl.OnPositionChanged(func(domain.Event) {})
	assert.Equal(t, 2, h.ctrl.PositionSubscribers())
	assert.True(t, client.positionObserved)
	assert.NotNil(t, client.positionTimer)

	cancel1()
	cancel1()
	assert.Equal(t, 1, h.ctrl.PositionSubscribers())
	assert.True(t, client.positionObserved)

	cancel2()
	assert.Equal(t, 0, h.ctrl.PositionSubscribers())
	assert.False(t, client.positionObserved)
	assert.Nil(t, client.positionTimer)
}

func TestController_PositionObservationFollowsActivePeer(t *testing.T) {
	h := newHarness(t)
	h.addPeer(peerA, "Alpha", domain.StatusPlaying)
	h.ctrl.OnPositionChanged(func(domain.Event) {})
	a, _ := h.ctrl.Active()

	h.addPeer(peerB, "Beta", domain.StatusPlaying)
	b, _ := h.ctrl.Active()
	require.Equal(t, peerB, b.ID())

	assert.False(t, a.positionObserved)
	assert.True(t, b.positionObserved)
}

type stubPreferences struct {
	mu     sync.Mutex
	pinned domain.PeerID
	err    error
}

func (s *stubPreferences) LoadPinned(ctx context.Context) (domain.PeerID, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pinned, s.pinned != "", s.err
}

func (s *stubPreferences) SavePinned(ctx context.Context, id domain.PeerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pinned = id
	return s.err
}

func (s *stubPreferences) ClearPinned(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pinned = ""
	return s.err
}

func (s *stubPreferences) get() domain.PeerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pinned
}

func TestController_RestoresAndPersistsPin(t *testing.T) {
	prefs := &stubPreferences{pinned: peerB}
	h := newHarness(t, func(cfg *ControllerConfig) {
		cfg.Preferences = prefs
		cfg.InitialPin = peerC
	})

	pinned, ok := h.ctrl.Pinned()
	require.True(t, ok)
	assert.Equal(t, peerB, pinned, "a stored pin wins over the configured one")

	h.ctrl.Unpin()
	assert.Eventually(t, func() bool { return prefs.get() == "" }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.ctrl.Pin(peerA))
	assert.Eventually(t, func() bool { return prefs.get() == peerA }, time.Second, 5*time.Millisecond)
}

func TestController_PinActive(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.ctrl.PinActive(), domain.ErrNoActivePeer)

	h.addPeer(peerA, "Alpha", domain.StatusPaused)
	require.NoError(t, h.ctrl.PinActive())
	h.addPeer(peerB, "Beta", domain.StatusPlaying)

	assert.Equal(t, peerA, h.active())
	pinned, _ := h.ctrl.Pinned()
	assert.Equal(t, peerA, pinned)
}

func TestController_SelectUnknownPeer(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.ctrl.Select(peerA), domain.ErrPeerNotFound)
}

func TestController_PeersDescribesAvailable(t *testing.T) {
	h := newHarness(t)
	h.addPeer(peerA, "Alpha", domain.StatusPaused)
	h.addPeer(peerB, "Beta", domain.StatusPlaying)

	assert.Equal(t, []domain.PeerInfo{
		{ID: peerB, Identity: "Beta", PlaybackStatus: domain.StatusPlaying, Active: true},
		{ID: peerA, Identity: "Alpha", PlaybackStatus: domain.StatusPaused},
	}, h.ctrl.Peers())
}

func TestController_IgnoresNamesOutsidePattern(t *testing.T) {
	h := newHarness(t)
	h.bus.AddPeer("org.example.NotAPlayer", rootProps("Other"), playerProps(domain.StatusPlaying), nil)
	h.settle()

	assert.Empty(t, h.ctrl.AvailablePeers())
	assert.Empty(t, h.ctrl.Pending())
	assert.False(t, h.bus.Subscribed("org.example.NotAPlayer", domain.InterfacePlayer))
}

// Random churn must never break the arbitration invariants.
func TestController_ArbitrationInvariantsUnderChurn(t *testing.T) {
	h := newHarness(t)
	rng := rand.New(rand.NewSource(42))
	names := []domain.PeerID{peerA, peerB, peerC, "org.mpris.MediaPlayer2.delta"}
	statuses := []domain.PlaybackStatus{domain.StatusPlaying, domain.StatusPaused, domain.StatusStopped}
	present := make(map[domain.PeerID]bool)

	for step := 0; step < 500; step++ {
		id := names[rng.Intn(len(names))]
		status := statuses[rng.Intn(len(statuses))]
		switch op := rng.Intn(10); {
		case op < 3 && !present[id]:
			h.addPeer(id, string(id), status)
			present[id] = true
		case op < 5 && present[id]:
			h.bus.RemovePeer(id)
			h.settle()
			delete(present, id)
		case op < 8 && present[id]:
			h.setStatus(id, status)
		case op == 8:
			require.NoError(t, h.ctrl.Pin(id))
		case op == 9:
			h.ctrl.Unpin()
		}
		h.clock.Advance(time.Duration(rng.Intn(3000)) * time.Millisecond)
		checkArbitration(t, h, present, step)
	}
}

func checkArbitration(t *testing.T, h *harness, present map[domain.PeerID]bool, step int) {
	t.Helper()
	a := h.ctrl.arbitrator
	available := a.Available()
	require.Len(t, available, len(present), "step %d", step)
	for _, id := range available {
		require.True(t, present[id], "step %d: %s is not on the bus", step, id)
	}

	current := a.Current()
	if current != nil {
		require.Contains(t, available, current.ID(), "step %d", step)
	}

	wantOthers := make(map[domain.PeerID]bool)
	for _, id := range available {
		client, ok := h.ctrl.Registry().Client(id)
		require.True(t, ok)
		if client.IsPlaying() && (current == nil || current.ID() != id) {
			wantOthers[id] = true
		}
	}
	others := a.OtherPlaying()
	require.Len(t, others, len(wantOthers), "step %d", step)
	for _, id := range others {
		require.True(t, wantOthers[id], "step %d: %s is not playing", step, id)
	}

	if _, pinned := a.Pinned(); !pinned {
		require.Equal(t, len(available) == 0, current == nil, "step %d", step)
		if current != nil && !current.IsPlaying() {
			require.Empty(t, others, "step %d: a playing peer is waiting behind a paused one", step)
		}
	}
}
