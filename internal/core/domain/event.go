package domain

type EventKind string

const (
	EventActivePeerChanged     EventKind = "active_peer_changed"
	EventAvailablePeersChanged EventKind = "available_peers_changed"
	EventPropertyChanged       EventKind = "property_changed"
	EventPropertyInvalidated   EventKind = "property_invalidated"
	EventPositionChanged       EventKind = "position_changed"
	EventSeeked                EventKind = "seeked"
)

// Event is a consumer-facing change notification.
type Event struct {
	Kind     EventKind `json:"kind"`
	Peer     PeerID    `json:"peer,omitempty"`
	Property Property  `json:"property,omitempty"`
	Value    any       `json:"value,omitempty"`
	// Position is in milliseconds for position and seeked events.
	Position int64    `json:"position,omitempty"`
	Peers    []PeerID `json:"peers,omitempty"`
}
