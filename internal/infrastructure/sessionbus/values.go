package sessionbus

import (
	"mprisctl/internal/core/domain"

	"github.com/godbus/dbus/v5"
)

// Normalize unwraps variants and converts bus-specific types so values read
// from the wire can be coerced by the domain layer.
func Normalize(v any) any {
	switch t := v.(type) {
	case dbus.Variant:
		return Normalize(t.Value())
	case dbus.ObjectPath:
		return domain.ObjectPath(t)
	case []dbus.ObjectPath:
		out := make([]any, len(t))
		for i, p := range t {
			out[i] = domain.ObjectPath(p)
		}
		return out
	case map[string]dbus.Variant:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = Normalize(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = Normalize(item)
		}
		return out
	case []dbus.Variant:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = Normalize(item)
		}
		return out
	case []any:
		return normalizeAll(t)
	}
	return v
}

func normalizeAll(vs []any) []any {
	out := make([]any, len(vs))
	for i, v := range vs {
		out[i] = Normalize(v)
	}
	return out
}

// denormalize converts domain values back to their wire types.
func denormalize(v any) any {
	switch t := v.(type) {
	case domain.ObjectPath:
		return dbus.ObjectPath(t)
	case domain.LoopStatus:
		return string(t)
	case int:
		return int64(t)
	}
	return v
}

func denormalizeAll(vs []any) []any {
	out := make([]any, len(vs))
	for i, v := range vs {
		out[i] = denormalize(v)
	}
	return out
}
