package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"mprisctl/internal/core/domain"
	"mprisctl/internal/infrastructure/memory"
	"mprisctl/pkg/eventloop"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type MockMetrics struct {
	mock.Mock
}

func (m *MockMetrics) SetPeers(state domain.PeerState, n int) {
	m.Called(state, n)
}

func (m *MockMetrics) IncActiveSwitches(reason string) {
	m.Called(reason)
}

func (m *MockMetrics) ObserveRoundTrip(method string, d time.Duration, err error) {
	m.Called(method, d, err)
}

func (m *MockMetrics) IncPositionResyncs(reason string) {
	m.Called(reason)
}

func (m *MockMetrics) IncRejectedCommands(command string, err error) {
	m.Called(command, err)
}

type registryFixture struct {
	loop     *eventloop.Loop
	bus      *memory.Bus
	registry *PeerRegistry
	arb      *Arbitrator
}

func newRegistryFixture(t *testing.T, metrics *MockMetrics) *registryFixture {
	t.Helper()
	loop := eventloop.New()
	bus := memory.NewBus(loop)
	arb := NewArbitrator(ArbitrationHooks{})
	registry := NewPeerRegistry(PeerRegistryConfig{
		Logger:  zaptest.NewLogger(t).Sugar(),
		Metrics: metrics,
		Client: PeerClientConfig{
			Bus:                    bus,
			Scheduler:              loop,
			Runner:                 loop,
			PositionNotifyInterval: time.Hour,
		},
	}, arb, nil)
	require.NoError(t, bus.Start(context.Background(), registry))
	return &registryFixture{loop: loop, bus: bus, registry: registry, arb: arb}
}

func TestPeerRegistry_FailedInitialSyncIsNotPending(t *testing.T) {
	metrics := &MockMetrics{}
	metrics.On("SetPeers", mock.Anything, mock.Anything).Return()
	f := newRegistryFixture(t, metrics)

	f.bus.FailNext("GetAll", errors.New("org.freedesktop.DBus.Error.NoReply"))
	f.bus.AddPeer(peerA, rootProps("Alpha"), playerProps(domain.StatusPlaying), nil)
	f.loop.RunPending()

	assert.Empty(t, f.registry.Pending())
	assert.Equal(t, []domain.PeerID{peerA}, f.registry.Failed())
	state, ok := f.registry.State(peerA)
	require.True(t, ok)
	assert.Equal(t, domain.PeerFailed, state)
	_, ok = f.registry.Client(peerA)
	assert.False(t, ok)
	assert.Empty(t, f.arb.Available())
	metrics.AssertCalled(t, "SetPeers", domain.PeerFailed, 1)

	f.bus.RemovePeer(peerA)
	f.loop.RunPending()
	assert.Empty(t, f.registry.Failed())

	f.bus.AddPeer(peerA, rootProps("Alpha"), playerProps(domain.StatusPlaying), nil)
	f.loop.RunPending()
	state, _ = f.registry.State(peerA)
	assert.Equal(t, domain.PeerAvailable, state)
	assert.Equal(t, []domain.PeerID{peerA}, f.arb.Available())
}

func TestPeerRegistry_Lifecycle(t *testing.T) {
	metrics := &MockMetrics{}
	metrics.On("SetPeers", mock.Anything, mock.Anything).Return()
	f := newRegistryFixture(t, metrics)

	f.bus.AddPeer(peerB, rootProps("Beta"), playerProps(domain.StatusPaused), nil)
	f.bus.AddPeer(peerA, rootProps("Alpha"), playerProps(domain.StatusPaused), nil)
	f.bus.Hold(peerA)
	f.bus.Hold(peerB)
	f.loop.RunPending()

	assert.Equal(t, []domain.PeerID{peerA, peerB}, f.registry.Pending())
	state, ok := f.registry.State(peerA)
	require.True(t, ok)
	assert.Equal(t, domain.PeerPending, state)
	_, ok = f.registry.Client(peerA)
	assert.False(t, ok, "pending clients are not handed out")
	metrics.AssertCalled(t, "SetPeers", domain.PeerPending, 2)

	f.bus.Release(peerA)
	f.loop.RunPending()

	state, _ = f.registry.State(peerA)
	assert.Equal(t, domain.PeerAvailable, state)
	assert.Equal(t, []domain.PeerID{peerB}, f.registry.Pending())
	assert.Equal(t, []domain.PeerID{peerA}, f.arb.Available())
	metrics.AssertCalled(t, "SetPeers", domain.PeerAvailable, 1)

	f.bus.RemovePeer(peerA)
	f.loop.RunPending()

	_, ok = f.registry.State(peerA)
	assert.False(t, ok)
	assert.Empty(t, f.arb.Available())
	assert.Nil(t, f.arb.Current())
}

func TestPeerRegistry_SupersedeBumpsGeneration(t *testing.T) {
	metrics := &MockMetrics{}
	metrics.On("SetPeers", mock.Anything, mock.Anything).Return()
	f := newRegistryFixture(t, metrics)

	f.bus.AddPeer(peerA, rootProps("Alpha"), playerProps(domain.StatusPlaying), nil)
	f.loop.RunPending()
	first, ok := f.registry.Client(peerA)
	require.True(t, ok)
	require.Equal(t, Candidate(first), f.arb.Current())

	f.bus.AddPeer(peerA, rootProps("Alpha"), playerProps(domain.StatusPlaying), nil)
	f.loop.RunPending()

	second, ok := f.registry.Client(peerA)
	require.True(t, ok)
	assert.True(t, first.Closed())
	assert.Equal(t, first.Generation()+1, second.Generation())
	assert.Equal(t, Candidate(second), f.arb.Current())
	assert.Equal(t, []domain.PeerID{peerA}, f.arb.Available())
}

func TestPeerRegistry_EventsOfReplacedClientAreIgnored(t *testing.T) {
	metrics := &MockMetrics{}
	metrics.On("SetPeers", mock.Anything, mock.Anything).Return()
	f := newRegistryFixture(t, metrics)

	f.bus.AddPeer(peerA, rootProps("Alpha"), playerProps(domain.StatusPlaying), nil)
	f.loop.RunPending()
	stale, _ := f.registry.Client(peerA)
	f.bus.AddPeer(peerA, rootProps("Alpha"), playerProps(domain.StatusPaused), nil)
	f.loop.RunPending()

	f.registry.ClientReady(stale)
	f.registry.ClientEvent(stale, domain.Event{Kind: domain.EventPropertyChanged, Property: domain.PropPlaybackStatus})

	current, _ := f.registry.Client(peerA)
	assert.Equal(t, Candidate(current), f.arb.Current())
	assert.Equal(t, []domain.PeerID{peerA}, f.arb.Available())
}

func TestPeerRegistry_CustomPattern(t *testing.T) {
	loop := eventloop.New()
	bus := memory.NewBus(loop)
	registry := NewPeerRegistry(PeerRegistryConfig{
		NamePattern: "org.mpris.MediaPlayer2.vlc*",
		Client:      PeerClientConfig{Bus: bus, Scheduler: loop, Runner: loop},
	}, NewArbitrator(ArbitrationHooks{}), nil)

	assert.True(t, registry.Matches("org.mpris.MediaPlayer2.vlc"))
	assert.True(t, registry.Matches("org.mpris.MediaPlayer2.vlc.instance42"))
	assert.False(t, registry.Matches("org.mpris.MediaPlayer2.mpv"))
}

func TestPeerRegistry_CloseDropsEverything(t *testing.T) {
	metrics := &MockMetrics{}
	metrics.On("SetPeers", mock.Anything, mock.Anything).Return()
	f := newRegistryFixture(t, metrics)
	f.bus.AddPeer(peerA, rootProps("Alpha"), playerProps(domain.StatusPlaying), nil)
	f.loop.RunPending()
	client, _ := f.registry.Client(peerA)

	f.registry.Close()

	assert.True(t, client.Closed())
	assert.Empty(t, f.registry.Pending())
	_, ok := f.registry.State(peerA)
	assert.False(t, ok)
	metrics.AssertCalled(t, "SetPeers", domain.PeerAvailable, 0)
}

func TestPeerRegistry_SwitchMetrics(t *testing.T) {
	metrics := &MockMetrics{}
	metrics.On("SetPeers", mock.Anything, mock.Anything).Return()
	metrics.On("IncActiveSwitches", "first_available").Return().Once()
	metrics.On("IncActiveSwitches", "appeared_playing").Return().Once()

	h := newHarness(t, func(cfg *ControllerConfig) { cfg.Metrics = metrics })
	h.addPeer(peerA, "Alpha", domain.StatusPaused)
	h.addPeer(peerB, "Beta", domain.StatusPlaying)

	metrics.AssertExpectations(t)
}
