package domain

import "strings"

// PeerID is the bus-advertised name of a media player peer.
type PeerID string

// ObjectPath is a bus object path, used for track identifiers.
type ObjectPath string

// NoTrack is the object path players use when no track is loaded.
const NoTrack ObjectPath = "/org/mpris/MediaPlayer2/TrackList/NoTrack"

const (
	ServicePrefix   = "org.mpris.MediaPlayer2."
	ObjectPathMPRIS = "/org/mpris/MediaPlayer2"
)

// Short returns the peer name without the well-known service prefix.
func (id PeerID) Short() string {
	return strings.TrimPrefix(string(id), ServicePrefix)
}

type PeerState string

const (
	PeerPending   PeerState = "pending"
	PeerAvailable PeerState = "available"
	// PeerFailed means the initial sync was refused; the name stays
	// registered until it vanishes.
	PeerFailed PeerState = "failed"
)

type ArbitrationMode string

const (
	ModeAutomatic ArbitrationMode = "automatic"
	ModePinned    ArbitrationMode = "pinned"
)

// PeerInfo is the consumer-facing summary of one available peer.
type PeerInfo struct {
	ID             PeerID         `json:"id"`
	Identity       string         `json:"identity"`
	PlaybackStatus PlaybackStatus `json:"playback_status"`
	Active         bool           `json:"active"`
}
