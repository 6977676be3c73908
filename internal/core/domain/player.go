package domain

type PlaybackStatus string

const (
	StatusPlaying PlaybackStatus = "Playing"
	StatusPaused  PlaybackStatus = "Paused"
	StatusStopped PlaybackStatus = "Stopped"
)

// ParsePlaybackStatus decodes a remote value. Anything unrecognised is Stopped.
func ParsePlaybackStatus(s string) PlaybackStatus {
	switch PlaybackStatus(s) {
	case StatusPlaying, StatusPaused:
		return PlaybackStatus(s)
	default:
		return StatusStopped
	}
}

type LoopStatus string

const (
	LoopNone     LoopStatus = "None"
	LoopTrack    LoopStatus = "Track"
	LoopPlaylist LoopStatus = "Playlist"
)

// ParseLoopStatus decodes a remote value. Anything unrecognised is None.
func ParseLoopStatus(s string) LoopStatus {
	switch LoopStatus(s) {
	case LoopTrack, LoopPlaylist:
		return LoopStatus(s)
	default:
		return LoopNone
	}
}

func (l LoopStatus) Valid() bool {
	switch l {
	case LoopNone, LoopTrack, LoopPlaylist:
		return true
	}
	return false
}
