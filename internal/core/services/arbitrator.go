package services

import (
	"slices"

	"mprisctl/internal/core/domain"
)

// Candidate is the arbitrator's view of an available peer.
type Candidate interface {
	ID() domain.PeerID
	IsPlaying() bool
}

// ArbitrationHooks receive the arbitrator's decisions.
type ArbitrationHooks struct {
	// ActiveChanged runs after the active peer was replaced. Either side
	// may be nil.
	ActiveChanged func(old, next Candidate, reason string)
	// AvailableChanged runs after the available list was reordered or
	// changed membership.
	AvailableChanged func(available []domain.PeerID)
}

// Arbitrator decides which available peer is active. It holds borrowed
// references only and never touches a peer's state.
type Arbitrator struct {
	available    []Candidate
	otherPlaying []Candidate
	current      Candidate

	pinned     bool
	pinnedName domain.PeerID

	hooks ArbitrationHooks
}

func NewArbitrator(hooks ArbitrationHooks) *Arbitrator {
	return &Arbitrator{hooks: hooks}
}

func (a *Arbitrator) Current() Candidate {
	return a.current
}

func (a *Arbitrator) Available() []domain.PeerID {
	return ids(a.available)
}

func (a *Arbitrator) OtherPlaying() []domain.PeerID {
	return ids(a.otherPlaying)
}

func (a *Arbitrator) Mode() domain.ArbitrationMode {
	if a.pinned {
		return domain.ModePinned
	}
	return domain.ModeAutomatic
}

// Pinned returns the pinned name, if any.
func (a *Arbitrator) Pinned() (domain.PeerID, bool) {
	return a.pinnedName, a.pinned
}

// PeerAvailable admits a peer that finished its initial sync.
func (a *Arbitrator) PeerAvailable(c Candidate) {
	a.available = prepend(remove(a.available, c.ID()), c)

	switch {
	case a.pinned:
		if c.ID() == a.pinnedName {
			a.setCurrent(c, "pinned_appeared")
		} else if c.IsPlaying() {
			a.otherPlaying = prepend(remove(a.otherPlaying, c.ID()), c)
		}
	case a.current == nil:
		a.setCurrent(c, "first_available")
	case c.IsPlaying():
		a.setCurrent(c, "appeared_playing")
	}
	a.availableChanged()
}

// PeerVanished removes a peer. Unknown peers are ignored.
func (a *Arbitrator) PeerVanished(id domain.PeerID) {
	if index(a.available, id) < 0 {
		return
	}
	a.available = remove(a.available, id)
	a.otherPlaying = remove(a.otherPlaying, id)

	if a.current != nil && a.current.ID() == id {
		switch {
		case a.pinned || len(a.available) == 0:
			a.setCurrent(nil, "active_vanished")
		case len(a.otherPlaying) > 0:
			a.setCurrent(a.otherPlaying[0], "active_vanished")
		default:
			a.setCurrent(a.available[0], "active_vanished")
		}
	}
	a.availableChanged()
}

// PlaybackChanged re-runs the heuristic after c's playing flag flipped.
func (a *Arbitrator) PlaybackChanged(c Candidate) {
	if index(a.available, c.ID()) < 0 {
		return
	}
	if a.current != nil && a.current.ID() == c.ID() {
		a.activePlaybackChanged(c)
		return
	}

	if !c.IsPlaying() {
		if index(a.otherPlaying, c.ID()) < 0 {
			return
		}
		a.otherPlaying = remove(a.otherPlaying, c.ID())
		a.available = insertAt(remove(a.available, c.ID()), len(a.otherPlaying), c)
		a.availableChanged()
		return
	}

	a.available = prepend(remove(a.available, c.ID()), c)
	if !a.pinned && (a.current == nil || !a.current.IsPlaying()) {
		a.setCurrent(c, "started_playing")
	} else {
		a.otherPlaying = prepend(remove(a.otherPlaying, c.ID()), c)
	}
	a.availableChanged()
}

func (a *Arbitrator) activePlaybackChanged(c Candidate) {
	if c.IsPlaying() {
		if index(a.available, c.ID()) != 0 {
			a.available = prepend(remove(a.available, c.ID()), c)
			a.availableChanged()
		}
		return
	}
	if a.pinned || len(a.otherPlaying) == 0 {
		return
	}
	next := a.otherPlaying[0]
	a.available = insertAt(remove(a.available, c.ID()), len(a.otherPlaying), c)
	a.available = prepend(remove(a.available, next.ID()), next)
	a.setCurrent(next, "active_stopped")
	a.availableChanged()
}

// Pin locks arbitration to id. If id is not available yet there is no
// active peer until it appears.
func (a *Arbitrator) Pin(id domain.PeerID) {
	a.pinned = true
	a.pinnedName = id
	if i := index(a.available, id); i >= 0 {
		a.setCurrent(a.available[i], "pinned")
	} else {
		a.setCurrent(nil, "pinned_missing")
	}
}

// PinCurrent pins whatever peer is active right now.
func (a *Arbitrator) PinCurrent() {
	a.pinned = true
	a.pinnedName = ""
	if a.current != nil {
		a.pinnedName = a.current.ID()
	}
}

// Unpin returns to automatic mode and re-runs the heuristic once.
func (a *Arbitrator) Unpin() {
	if !a.pinned {
		return
	}
	a.pinned = false
	a.pinnedName = ""

	switch {
	case (a.current == nil || !a.current.IsPlaying()) && len(a.otherPlaying) > 0:
		a.setCurrent(a.otherPlaying[0], "unpinned")
	case a.current == nil && len(a.available) > 0:
		a.setCurrent(a.available[0], "unpinned")
	}
}

// Select makes an available peer active without pinning it.
func (a *Arbitrator) Select(id domain.PeerID) bool {
	i := index(a.available, id)
	if i < 0 {
		return false
	}
	c := a.available[i]
	if a.pinned {
		a.pinnedName = id
	}
	a.available = prepend(remove(a.available, id), c)
	a.setCurrent(c, "selected")
	a.availableChanged()
	return true
}

func (a *Arbitrator) setCurrent(c Candidate, reason string) {
	old := a.current
	if sameCandidate(old, c) {
		return
	}
	if old != nil && old.IsPlaying() && index(a.available, old.ID()) >= 0 {
		a.otherPlaying = prepend(remove(a.otherPlaying, old.ID()), old)
	}
	a.current = c
	if c != nil {
		a.otherPlaying = remove(a.otherPlaying, c.ID())
	}
	if a.hooks.ActiveChanged != nil {
		a.hooks.ActiveChanged(old, c, reason)
	}
}

func (a *Arbitrator) availableChanged() {
	if a.hooks.AvailableChanged != nil {
		a.hooks.AvailableChanged(a.Available())
	}
}

func sameCandidate(a, b Candidate) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a == b
}

func ids(list []Candidate) []domain.PeerID {
	out := make([]domain.PeerID, len(list))
	for i, c := range list {
		out[i] = c.ID()
	}
	return out
}

func index(list []Candidate, id domain.PeerID) int {
	return slices.IndexFunc(list, func(c Candidate) bool { return c.ID() == id })
}

func remove(list []Candidate, id domain.PeerID) []Candidate {
	return slices.DeleteFunc(list, func(c Candidate) bool { return c.ID() == id })
}

func prepend(list []Candidate, c Candidate) []Candidate {
	return slices.Insert(list, 0, c)
}

func insertAt(list []Candidate, i int, c Candidate) []Candidate {
	if i > len(list) {
		i = len(list)
	}
	return slices.Insert(list, i, c)
}
