package domain

import "time"

// Metadata is the decoded form of the player's Metadata property.
type Metadata struct {
	TrackID        ObjectPath     `json:"track_id,omitempty"`
	Length         time.Duration  `json:"length,omitempty"`
	ArtURL         string         `json:"art_url,omitempty"`
	Album          string         `json:"album,omitempty"`
	AlbumArtist    []string       `json:"album_artist,omitempty"`
	Artist         []string       `json:"artist,omitempty"`
	AsText         string         `json:"as_text,omitempty"`
	AudioBPM       int64          `json:"audio_bpm,omitempty"`
	AutoRating     float64        `json:"auto_rating,omitempty"`
	Comment        []string       `json:"comment,omitempty"`
	Composer       []string       `json:"composer,omitempty"`
	ContentCreated string         `json:"content_created,omitempty"`
	DiscNumber     int64          `json:"disc_number,omitempty"`
	FirstUsed      string         `json:"first_used,omitempty"`
	Genre          []string       `json:"genre,omitempty"`
	LastUsed       string         `json:"last_used,omitempty"`
	Lyricist       []string       `json:"lyricist,omitempty"`
	Title          string         `json:"title,omitempty"`
	TrackNumber    int64          `json:"track_number,omitempty"`
	URL            string         `json:"url,omitempty"`
	UseCount       int64          `json:"use_count,omitempty"`
	UserRating     float64        `json:"user_rating,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
}

// HasLength reports whether the player advertised a track length.
func (m Metadata) HasLength() bool {
	return m.Length > 0
}

// DecodeMetadata converts the raw metadata map. Keys with unexpected value
// types are ignored; unknown keys are kept in Extra.
func DecodeMetadata(raw map[string]any) Metadata {
	var m Metadata
	for key, value := range raw {
		switch key {
		case "mpris:trackid":
			if p, ok := AsObjectPath(value); ok {
				m.TrackID = p
			}
		case "mpris:length":
			if us, ok := AsInt64(value); ok {
				m.Length = time.Duration(us) * time.Microsecond
			}
		case "mpris:artUrl":
			m.ArtURL, _ = AsString(value)
		case "xesam:album":
			m.Album, _ = AsString(value)
		case "xesam:albumArtist":
			m.AlbumArtist, _ = AsStrings(value)
		case "xesam:artist":
			m.Artist, _ = AsStrings(value)
		case "xesam:asText":
			m.AsText, _ = AsString(value)
		case "xesam:audioBPM":
			m.AudioBPM, _ = AsInt64(value)
		case "xesam:autoRating":
			m.AutoRating, _ = AsFloat64(value)
		case "xesam:comment":
			m.Comment, _ = AsStrings(value)
		case "xesam:composer":
			m.Composer, _ = AsStrings(value)
		case "xesam:contentCreated":
			m.ContentCreated, _ = AsString(value)
		case "xesam:discNumber":
			m.DiscNumber, _ = AsInt64(value)
		case "xesam:firstUsed":
			m.FirstUsed, _ = AsString(value)
		case "xesam:genre":
			m.Genre, _ = AsStrings(value)
		case "xesam:lastUsed":
			m.LastUsed, _ = AsString(value)
		case "xesam:lyricist":
			m.Lyricist, _ = AsStrings(value)
		case "xesam:title":
			m.Title, _ = AsString(value)
		case "xesam:trackNumber":
			m.TrackNumber, _ = AsInt64(value)
		case "xesam:url":
			m.URL, _ = AsString(value)
		case "xesam:useCount":
			m.UseCount, _ = AsInt64(value)
		case "xesam:userRating":
			m.UserRating, _ = AsFloat64(value)
		default:
			if m.Extra == nil {
				m.Extra = make(map[string]any)
			}
			m.Extra[key] = value
		}
	}
	return m
}

func AsString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case ObjectPath:
		return string(t), true
	}
	return "", false
}

func AsObjectPath(v any) (ObjectPath, bool) {
	switch t := v.(type) {
	case ObjectPath:
		return t, true
	case string:
		return ObjectPath(t), true
	}
	return "", false
}

func AsBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func AsInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case int32:
		return int64(t), true
	case uint32:
		return int64(t), true
	case uint64:
		return int64(t), true
	case float64:
		return int64(t), true
	}
	return 0, false
}

func AsFloat64(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	}
	return 0, false
}

func AsStrings(v any) ([]string, bool) {
	switch t := v.(type) {
	case []string:
		return t, true
	case string:
		return []string{t}, true
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := AsString(item)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

func AsMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}
