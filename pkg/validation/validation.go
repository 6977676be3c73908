package validation

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"unicode/utf8"
)

var (
	// BusNameElementRegex validates one dot-separated element of a well-known bus name
	BusNameElementRegex = regexp.MustCompile(`^[A-Za-z_-][A-Za-z0-9_-]*$`)

	// ObjectPathRegex validates bus object paths
	ObjectPathRegex = regexp.MustCompile(`^/([A-Za-z0-9_]+(/[A-Za-z0-9_]+)*)?$`)
)

const maxBusNameLength = 255

// ValidateBusName validates a well-known bus name such as org.mpris.MediaPlayer2.vlc
func ValidateBusName(name string) error {
	if name == "" {
		return fmt.Errorf("bus name is required")
	}
	if len(name) > maxBusNameLength {
		return fmt.Errorf("bus name is too long (max %d characters)", maxBusNameLength)
	}
	if strings.HasPrefix(name, ":") {
		return fmt.Errorf("unique connection names are not accepted")
	}
	elements := strings.Split(name, ".")
	if len(elements) < 2 {
		return fmt.Errorf("bus name must have at least two elements")
	}
	for _, el := range elements {
		if !BusNameElementRegex.MatchString(el) {
			return fmt.Errorf("invalid bus name element %q", el)
		}
	}
	return nil
}

// ValidateObjectPath validates a bus object path such as a track id
func ValidateObjectPath(p string) error {
	if p == "" {
		return fmt.Errorf("object path is required")
	}
	if !ObjectPathRegex.MatchString(p) {
		return fmt.Errorf("invalid object path %q", p)
	}
	return nil
}

// ValidateURI validates a URI handed to a player
func ValidateURI(uri string) error {
	if strings.TrimSpace(uri) == "" {
		return fmt.Errorf("URI is required")
	}
	if !utf8.ValidString(uri) {
		return fmt.Errorf("URI contains invalid characters")
	}
	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("invalid URI format: %w", err)
	}
	if !u.IsAbs() {
		return fmt.Errorf("URI must be absolute")
	}
	if u.Opaque == "" && u.Host == "" && u.Path == "" {
		return fmt.Errorf("URI has no target")
	}
	return nil
}

// ValidateNamePattern validates a glob pattern over bus names
func ValidateNamePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("name pattern is required")
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return fmt.Errorf("invalid name pattern %q: %w", pattern, err)
	}
	return nil
}

// MatchNamePattern reports whether name matches the glob pattern. Malformed
// patterns match nothing.
func MatchNamePattern(pattern, name string) bool {
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}

// ValidateNonEmptyString validates that string is not empty after trimming
func ValidateNonEmptyString(s, fieldName string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	return nil
}

// ValidateRange validates that v lies within [min, max]
func ValidateRange(v, min, max float64, fieldName string) error {
	if v < min || v > max {
		return fmt.Errorf("%s must be between %v and %v", fieldName, min, max)
	}
	return nil
}
