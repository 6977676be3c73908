package domain

import "slices"

// PlayerState is a decoded snapshot of every forwarded property of a peer.
// Capability flags already have the CanControl gate applied.
type PlayerState struct {
	CanQuit             bool           `json:"can_quit"`
	CanRaise            bool           `json:"can_raise"`
	CanSetFullscreen    bool           `json:"can_set_fullscreen"`
	DesktopEntry        string         `json:"desktop_entry"`
	Fullscreen          bool           `json:"fullscreen"`
	HasTrackList        bool           `json:"has_track_list"`
	Identity            string         `json:"identity"`
	SupportedMimeTypes  []string       `json:"supported_mime_types"`
	SupportedURISchemes []string       `json:"supported_uri_schemes"`
	CanControl          bool           `json:"can_control"`
	CanGoNext           bool           `json:"can_go_next"`
	CanGoPrevious       bool           `json:"can_go_previous"`
	CanPause            bool           `json:"can_pause"`
	CanPlay             bool           `json:"can_play"`
	CanSeek             bool           `json:"can_seek"`
	LoopStatus          LoopStatus     `json:"loop_status"`
	MaximumRate         float64        `json:"maximum_rate"`
	MinimumRate         float64        `json:"minimum_rate"`
	PlaybackStatus      PlaybackStatus `json:"playback_status"`
	Rate                float64        `json:"rate"`
	Shuffle             bool           `json:"shuffle"`
	Volume              float64        `json:"volume"`
	Metadata            Metadata       `json:"metadata"`
}

// DefaultPlayerState is what consumers see when no peer is active.
func DefaultPlayerState() PlayerState {
	return PlayerState{
		LoopStatus:     LoopNone,
		MaximumRate:    1,
		MinimumRate:    1,
		PlaybackStatus: StatusStopped,
		Rate:           1,
	}
}

// Change is one property that differs between two snapshots.
type Change struct {
	Property Property
	Value    any
}

type stateField struct {
	name  Property
	value func(PlayerState) any
	equal func(a, b PlayerState) bool
}

func scalar(name Property, value func(PlayerState) any) stateField {
	return stateField{
		name:  name,
		value: value,
		equal: func(a, b PlayerState) bool { return value(a) == value(b) },
	}
}

var stateFields = []stateField{
	scalar(PropCanQuit, func(s PlayerState) any { return s.CanQuit }),
	scalar(PropCanRaise, func(s PlayerState) any { return s.CanRaise }),
	scalar(PropCanSetFullscreen, func(s PlayerState) any { return s.CanSetFullscreen }),
	scalar(PropDesktopEntry, func(s PlayerState) any { return s.DesktopEntry }),
	scalar(PropFullscreen, func(s PlayerState) any { return s.Fullscreen }),
	scalar(PropHasTrackList, func(s PlayerState) any { return s.HasTrackList }),
	scalar(PropIdentity, func(s PlayerState) any { return s.Identity }),
	{
		name:  PropSupportedMimeTypes,
		value: func(s PlayerState) any { return s.SupportedMimeTypes },
		equal: func(a, b PlayerState) bool { return slices.Equal(a.SupportedMimeTypes, b.SupportedMimeTypes) },
	},
	{
		name:  PropSupportedURISchemes,
		value: func(s PlayerState) any { return s.SupportedURISchemes },
		equal: func(a, b PlayerState) bool { return slices.Equal(a.SupportedURISchemes, b.SupportedURISchemes) },
	},
	scalar(PropCanControl, func(s PlayerState) any { return s.CanControl }),
	scalar(PropCanGoNext, func(s PlayerState) any { return s.CanGoNext }),
	scalar(PropCanGoPrevious, func(s PlayerState) any { return s.CanGoPrevious }),
	scalar(PropCanPause, func(s PlayerState) any { return s.CanPause }),
	scalar(PropCanPlay, func(s PlayerState) any { return s.CanPlay }),
	scalar(PropCanSeek, func(s PlayerState) any { return s.CanSeek }),
	scalar(PropLoopStatus, func(s PlayerState) any { return s.LoopStatus }),
	scalar(PropMaximumRate, func(s PlayerState) any { return s.MaximumRate }),
	scalar(PropMinimumRate, func(s PlayerState) any { return s.MinimumRate }),
	scalar(PropPlaybackStatus, func(s PlayerState) any { return s.PlaybackStatus }),
	scalar(PropRate, func(s PlayerState) any { return s.Rate }),
	scalar(PropShuffle, func(s PlayerState) any { return s.Shuffle }),
	scalar(PropVolume, func(s PlayerState) any { return s.Volume }),
	{
		name:  PropMetadata,
		value: func(s PlayerState) any { return s.Metadata },
		equal: func(a, b PlayerState) bool { return metadataEqual(a.Metadata, b.Metadata) },
	},
}

// Diff lists every property whose value differs between old and next, in
// schema order. Values are taken from next.
func Diff(old, next PlayerState) []Change {
	var changes []Change
	for _, f := range stateFields {
		if !f.equal(old, next) {
			changes = append(changes, Change{Property: f.name, Value: f.value(next)})
		}
	}
	return changes
}

// Value returns the snapshot value of a forwarded property.
func (s PlayerState) Value(name Property) (any, bool) {
	for _, f := range stateFields {
		if f.name == name {
			return f.value(s), true
		}
	}
	return nil, false
}

func metadataEqual(a, b Metadata) bool {
	if a.TrackID != b.TrackID || a.Length != b.Length || a.Title != b.Title ||
		a.Album != b.Album || a.ArtURL != b.ArtURL || a.URL != b.URL ||
		a.AsText != b.AsText || a.ContentCreated != b.ContentCreated ||
		a.FirstUsed != b.FirstUsed || a.LastUsed != b.LastUsed ||
		a.AudioBPM != b.AudioBPM || a.DiscNumber != b.DiscNumber ||
		a.TrackNumber != b.TrackNumber || a.UseCount != b.UseCount ||
		a.AutoRating != b.AutoRating || a.UserRating != b.UserRating {
		return false
	}
	for _, pair := range [][2][]string{
		{a.AlbumArtist, b.AlbumArtist},
		{a.Artist, b.Artist},
		{a.Comment, b.Comment},
		{a.Composer, b.Composer},
		{a.Genre, b.Genre},
		{a.Lyricist, b.Lyricist},
	} {
		if !slices.Equal(pair[0], pair[1]) {
			return false
		}
	}
	return ValuesEqual(a.Extra, b.Extra)
}
