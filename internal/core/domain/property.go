package domain

import (
	"fmt"
	"reflect"
	"slices"
)

// Interface names one remote sub-interface of a player object.
type Interface string

const (
	InterfaceRoot       Interface = "org.mpris.MediaPlayer2"
	InterfacePlayer     Interface = "org.mpris.MediaPlayer2.Player"
	InterfaceProperties Interface = "org.freedesktop.DBus.Properties"
)

// Property names a remote or derived property.
type Property string

const (
	PropCanQuit             Property = "CanQuit"
	PropCanRaise            Property = "CanRaise"
	PropCanSetFullscreen    Property = "CanSetFullscreen"
	PropDesktopEntry        Property = "DesktopEntry"
	PropFullscreen          Property = "Fullscreen"
	PropHasTrackList        Property = "HasTrackList"
	PropIdentity            Property = "Identity"
	PropSupportedMimeTypes  Property = "SupportedMimeTypes"
	PropSupportedURISchemes Property = "SupportedUriSchemes"

	PropCanControl     Property = "CanControl"
	PropCanGoNext      Property = "CanGoNext"
	PropCanGoPrevious  Property = "CanGoPrevious"
	PropCanPause       Property = "CanPause"
	PropCanPlay        Property = "CanPlay"
	PropCanSeek        Property = "CanSeek"
	PropLoopStatus     Property = "LoopStatus"
	PropMaximumRate    Property = "MaximumRate"
	PropMetadata       Property = "Metadata"
	PropMinimumRate    Property = "MinimumRate"
	PropPlaybackStatus Property = "PlaybackStatus"
	PropPosition       Property = "Position"
	PropRate           Property = "Rate"
	PropShuffle        Property = "Shuffle"
	PropVolume         Property = "Volume"
)

type ValueKind int

const (
	KindBool ValueKind = iota
	KindString
	KindStringList
	KindDouble
	KindInt64
	KindMap
)

func (k ValueKind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindStringList:
		return "string list"
	case KindDouble:
		return "double"
	case KindInt64:
		return "int64"
	case KindMap:
		return "map"
	}
	return "unknown"
}

// Coerce normalises v to the canonical Go type of the kind.
func (k ValueKind) Coerce(v any) (any, bool) {
	switch k {
	case KindBool:
		return AsBool(v)
	case KindString:
		return AsString(v)
	case KindStringList:
		return AsStrings(v)
	case KindDouble:
		return AsFloat64(v)
	case KindInt64:
		return AsInt64(v)
	case KindMap:
		return AsMap(v)
	}
	return nil, false
}

// PropertySpec describes one entry of an interface's property schema.
type PropertySpec struct {
	Name      Property
	Interface Interface
	Kind      ValueKind
	Writable  bool
	Default   any
	// Gate names the capability that must be true for this value to be
	// reported as true. Only used by the player capability flags.
	Gate Property
}

// Coerce checks v against the property kind and returns it in canonical form.
func (s PropertySpec) Coerce(v any) (any, error) {
	out, ok := s.Kind.Coerce(v)
	if !ok {
		return nil, fmt.Errorf("%w: %s expects %s, got %T", ErrInvalidValue, s.Name, s.Kind, v)
	}
	return out, nil
}

var rootSchema = []PropertySpec{
	{Name: PropCanQuit, Interface: InterfaceRoot, Kind: KindBool, Default: false},
	{Name: PropCanRaise, Interface: InterfaceRoot, Kind: KindBool, Default: false},
	{Name: PropCanSetFullscreen, Interface: InterfaceRoot, Kind: KindBool, Default: false},
	{Name: PropDesktopEntry, Interface: InterfaceRoot, Kind: KindString, Default: ""},
	{Name: PropFullscreen, Interface: InterfaceRoot, Kind: KindBool, Writable: true, Default: false},
	{Name: PropHasTrackList, Interface: InterfaceRoot, Kind: KindBool, Default: false},
	{Name: PropIdentity, Interface: InterfaceRoot, Kind: KindString, Default: ""},
	{Name: PropSupportedMimeTypes, Interface: InterfaceRoot, Kind: KindStringList, Default: []string{}},
	{Name: PropSupportedURISchemes, Interface: InterfaceRoot, Kind: KindStringList, Default: []string{}},
}

var playerSchema = []PropertySpec{
	{Name: PropCanControl, Interface: InterfacePlayer, Kind: KindBool, Default: false},
	{Name: PropCanGoNext, Interface: InterfacePlayer, Kind: KindBool, Default: false, Gate: PropCanControl},
	{Name: PropCanGoPrevious, Interface: InterfacePlayer, Kind: KindBool, Default: false, Gate: PropCanControl},
	{Name: PropCanPause, Interface: InterfacePlayer, Kind: KindBool, Default: false, Gate: PropCanControl},
	{Name: PropCanPlay, Interface: InterfacePlayer, Kind: KindBool, Default: false, Gate: PropCanControl},
	{Name: PropCanSeek, Interface: InterfacePlayer, Kind: KindBool, Default: false, Gate: PropCanControl},
	{Name: PropLoopStatus, Interface: InterfacePlayer, Kind: KindString, Writable: true, Default: string(LoopNone)},
	{Name: PropMaximumRate, Interface: InterfacePlayer, Kind: KindDouble, Default: 1.0},
	{Name: PropMetadata, Interface: InterfacePlayer, Kind: KindMap, Default: map[string]any{}},
	{Name: PropMinimumRate, Interface: InterfacePlayer, Kind: KindDouble, Default: 1.0},
	{Name: PropPlaybackStatus, Interface: InterfacePlayer, Kind: KindString, Default: string(StatusStopped)},
	{Name: PropPosition, Interface: InterfacePlayer, Kind: KindInt64, Default: int64(0)},
	{Name: PropRate, Interface: InterfacePlayer, Kind: KindDouble, Writable: true, Default: 1.0},
	{Name: PropShuffle, Interface: InterfacePlayer, Kind: KindBool, Writable: true, Default: false},
	{Name: PropVolume, Interface: InterfacePlayer, Kind: KindDouble, Writable: true, Default: 0.0},
}

// Schema returns the property schema of iface, or nil for unknown interfaces.
func Schema(iface Interface) []PropertySpec {
	switch iface {
	case InterfaceRoot:
		return rootSchema
	case InterfacePlayer:
		return playerSchema
	}
	return nil
}

// LookupProperty finds a property spec by interface and name.
func LookupProperty(iface Interface, name Property) (PropertySpec, bool) {
	for _, spec := range Schema(iface) {
		if spec.Name == name {
			return spec, true
		}
	}
	return PropertySpec{}, false
}

// ValuesEqual compares two mirror values. Empty lists and maps compare
// equal to their nil forms.
func ValuesEqual(a, b any) bool {
	if as, ok := a.([]string); ok {
		bs, ok := b.([]string)
		return ok && slices.Equal(as, bs)
	}
	if am, ok := a.(map[string]any); ok {
		bm, ok := b.(map[string]any)
		if !ok {
			return false
		}
		if len(am) == 0 && len(bm) == 0 {
			return true
		}
		return reflect.DeepEqual(am, bm)
	}
	return reflect.DeepEqual(a, b)
}
