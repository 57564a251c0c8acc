package schema

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// RenderCursor renders a Cursor to its wire form, "p?<unix_seconds>_<id>".
func RenderCursor(c Cursor) string {
	s := fmt.Sprintf("%d_%d", c.Timestamp, c.ID)
	if c.Before {
		return "p" + s
	}
	return s
}

// ParseCursor parses a cursor in the wire form produced by RenderCursor.
func ParseCursor(s string) (Cursor, error) {
	if !ValidCursor(s) {
		return Cursor{}, fmt.Errorf("invalid cursor %q", s)
	}
	before := strings.HasPrefix(s, "p")
	body := strings.TrimPrefix(s, "p")
	parts := strings.SplitN(body, "_", 2)
	if len(parts) != 2 {
		return Cursor{}, fmt.Errorf("invalid cursor %q", s)
	}
	ts, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("invalid cursor timestamp: %w", err)
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("invalid cursor id: %w", err)
	}
	return Cursor{Before: before, Timestamp: ts, ID: id}, nil
}

// LinkHeader renders an RFC 5988 Link header value for the given
// baseURL with next/prev cursors substituted into its "cursor" query
// parameter. Either cursor may be empty, in which case that rel is
// omitted. This is the Go-native equivalent of
// original_source/src/gafaelfawr/models/link.py.
func LinkHeader(baseURL string, next, prev string) string {
	var links []string
	if next != "" {
		links = append(links, fmt.Sprintf(`<%s>; rel="next"`, withCursor(baseURL, next)))
	}
	if prev != "" {
		links = append(links, fmt.Sprintf(`<%s>; rel="prev"`, withCursor(baseURL, prev)))
	}
	return strings.Join(links, ", ")
}

func withCursor(baseURL, cursor string) string {
	u, err := url.Parse(baseURL)
	if err != nil {
		return baseURL
	}
	q := u.Query()
	q.Set("cursor", cursor)
	u.RawQuery = q.Encode()
	return u.String()
}
