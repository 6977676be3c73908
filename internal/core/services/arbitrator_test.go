package services

import (
	"testing"

	"mprisctl/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCandidate struct {
	id      domain.PeerID
	playing bool
}

func (c *fakeCandidate) ID() domain.PeerID { return c.id }
func (c *fakeCandidate) IsPlaying() bool   { return c.playing }

type switchRecord struct {
	old, next domain.PeerID
	reason    string
}

func newTestArbitrator() (*Arbitrator, *[]switchRecord, *[][]domain.PeerID) {
	switches := &[]switchRecord{}
	lists := &[][]domain.PeerID{}
	a := NewArbitrator(ArbitrationHooks{
		ActiveChanged: func(old, next Candidate, reason string) {
			*switches = append(*switches, switchRecord{old: candidateID(old), next: candidateID(next), reason: reason})
		},
		AvailableChanged: func(available []domain.PeerID) {
			*lists = append(*lists, available)
		},
	})
	return a, switches, lists
}

func TestArbitrator_FirstAvailableBecomesActive(t *testing.T) {
	a, switches, lists := newTestArbitrator()
	alpha := &fakeCandidate{id: peerA}

	a.PeerAvailable(alpha)

	assert.Equal(t, Candidate(alpha), a.Current())
	assert.Equal(t, []switchRecord{{next: peerA, reason: "first_available"}}, *switches)
	assert.Equal(t, [][]domain.PeerID{{peerA}}, *lists)
}

func TestArbitrator_PausedArrivalDoesNotSwitch(t *testing.T) {
	a, switches, _ := newTestArbitrator()
	a.PeerAvailable(&fakeCandidate{id: peerA})
	a.PeerAvailable(&fakeCandidate{id: peerB})

	assert.Equal(t, peerA, a.Current().ID())
	assert.Len(t, *switches, 1)
	assert.Equal(t, []domain.PeerID{peerB, peerA}, a.Available())
}

func TestArbitrator_VanishFallsBackToAvailableHead(t *testing.T) {
	a, switches, _ := newTestArbitrator()
	a.PeerAvailable(&fakeCandidate{id: peerA})
	a.PeerAvailable(&fakeCandidate{id: peerB})
	a.PeerAvailable(&fakeCandidate{id: peerC, playing: true})
	require.Equal(t, peerC, a.Current().ID())

	a.PeerVanished(peerC)

	assert.Equal(t, peerB, a.Current().ID())
	last := (*switches)[len(*switches)-1]
	assert.Equal(t, switchRecord{old: peerC, next: peerB, reason: "active_vanished"}, last)
}

func TestArbitrator_VanishPrefersOtherPlaying(t *testing.T) {
	a, _, _ := newTestArbitrator()
	alpha := &fakeCandidate{id: peerA, playing: true}
	a.PeerAvailable(alpha)
	a.PeerAvailable(&fakeCandidate{id: peerB})
	a.PeerAvailable(&fakeCandidate{id: peerC, playing: true})

	assert.Equal(t, []domain.PeerID{peerA}, a.OtherPlaying())
	assert.Equal(t, []domain.PeerID{peerC, peerB, peerA}, a.Available())

	a.PeerVanished(peerC)

	assert.Equal(t, peerA, a.Current().ID())
	assert.Empty(t, a.OtherPlaying())
}

func TestArbitrator_LastPeerVanishes(t *testing.T) {
	a, switches, _ := newTestArbitrator()
	a.PeerAvailable(&fakeCandidate{id: peerA})

	a.PeerVanished(peerA)
	a.PeerVanished(peerA)
	a.PeerVanished(peerB)

	assert.Nil(t, a.Current())
	assert.Empty(t, a.Available())
	assert.Len(t, *switches, 2)
}

func TestArbitrator_OtherPlayerStopping(t *testing.T) {
	a, switches, _ := newTestArbitrator()
	alpha := &fakeCandidate{id: peerA, playing: true}
	beta := &fakeCandidate{id: peerB, playing: true}
	a.PeerAvailable(alpha)
	a.PeerAvailable(beta)
	a.Select(peerA)
	require.Equal(t, []domain.PeerID{peerB}, a.OtherPlaying())
	n := len(*switches)

	beta.playing = false
	a.PlaybackChanged(beta)

	assert.Empty(t, a.OtherPlaying())
	assert.Equal(t, peerA, a.Current().ID())
	assert.Len(t, *switches, n)
}

func TestArbitrator_ActivePeerResumesMovesToFront(t *testing.T) {
	a, _, _ := newTestArbitrator()
	alpha := &fakeCandidate{id: peerA}
	a.PeerAvailable(alpha)
	a.PeerAvailable(&fakeCandidate{id: peerB})
	require.Equal(t, []domain.PeerID{peerB, peerA}, a.Available())

	alpha.playing = true
	a.PlaybackChanged(alpha)

	assert.Equal(t, []domain.PeerID{peerA, peerB}, a.Available())
}

func TestArbitrator_PinAndUnpin(t *testing.T) {
	a, switches, _ := newTestArbitrator()
	alpha := &fakeCandidate{id: peerA, playing: true}
	beta := &fakeCandidate{id: peerB}
	a.PeerAvailable(alpha)
	a.PeerAvailable(beta)

	a.Pin(peerB)
	assert.Equal(t, domain.ModePinned, a.Mode())
	assert.Equal(t, peerB, a.Current().ID())
	assert.Equal(t, []domain.PeerID{peerA}, a.OtherPlaying(), "the displaced player keeps waiting")

	a.Unpin()
	a.Unpin()
	assert.Equal(t, domain.ModeAutomatic, a.Mode())
	assert.Equal(t, peerA, a.Current().ID())

	reasons := make([]string, 0, len(*switches))
	for _, s := range *switches {
		reasons = append(reasons, s.reason)
	}
	assert.Equal(t, []string{"first_available", "pinned", "unpinned"}, reasons)
}

func TestArbitrator_PinMissingPeer(t *testing.T) {
	a, _, _ := newTestArbitrator()
	a.PeerAvailable(&fakeCandidate{id: peerA, playing: true})

	a.Pin(peerC)
	assert.Nil(t, a.Current())
	assert.Equal(t, []domain.PeerID{peerA}, a.OtherPlaying())

	a.PeerAvailable(&fakeCandidate{id: peerB, playing: true})
	assert.Nil(t, a.Current())

	a.PeerAvailable(&fakeCandidate{id: peerC})
	assert.Equal(t, peerC, a.Current().ID())
	assert.Equal(t, []domain.PeerID{peerB, peerA}, a.OtherPlaying())
}

func TestArbitrator_PinnedIgnoresPlaybackChanges(t *testing.T) {
	a, _, _ := newTestArbitrator()
	alpha := &fakeCandidate{id: peerA, playing: true}
	beta := &fakeCandidate{id: peerB}
	a.PeerAvailable(alpha)
	a.PeerAvailable(beta)
	a.PinCurrent()

	alpha.playing = false
	a.PlaybackChanged(alpha)
	beta.playing = true
	a.PlaybackChanged(beta)

	assert.Equal(t, peerA, a.Current().ID())
	pinned, ok := a.Pinned()
	assert.True(t, ok)
	assert.Equal(t, peerA, pinned)
}

func TestArbitrator_UnpinWithoutCurrent(t *testing.T) {
	a, _, _ := newTestArbitrator()
	a.Pin(peerC)
	a.PeerAvailable(&fakeCandidate{id: peerA})
	a.PeerAvailable(&fakeCandidate{id: peerB})
	require.Nil(t, a.Current())

	a.Unpin()

	assert.Equal(t, peerB, a.Current().ID())
}

func TestArbitrator_SelectUnknown(t *testing.T) {
	a, switches, _ := newTestArbitrator()
	a.PeerAvailable(&fakeCandidate{id: peerA})

	assert.False(t, a.Select(peerB))
	assert.True(t, a.Select(peerA))
	assert.Len(t, *switches, 1)
}
