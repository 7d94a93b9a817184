package storage

import (
	"net/url"
	"strings"
)

// TransformURLToPathSegment transforms a URL path into a filesystem-safe path segment.
func TransformURLToPathSegment(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}

	p := strings.Trim(parsed.Path, "/")
	if p == "" {
		return "root", nil
	}
	return SafeSegment(strings.ReplaceAll(p, "/", "_")), nil
}

// BrowserIDFromTargetID returns the first 8 chars of a CDP target ID.
func BrowserIDFromTargetID(targetID string) string {
	if len(targetID) >= 8 {
		return targetID[:8]
	}
	return targetID
}

// SafeSegment replaces characters that are awkward in file names.
func SafeSegment(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, s)
}
