package patch

import (
	"strconv"
	"strings"

	"github.com/lorecraft/cardsmith/common/apperr"
)

// Segment is one element of a dot path: a key with an optional array index.
type Segment struct {
	Key   string
	Index int // -1 when the segment has no index
}

// HasIndex reports whether the segment addresses an array element.
func (s Segment) HasIndex() bool {
	return s.Index >= 0
}

// Path is a parsed mutation path: segment("."segment)* where
// segment = key("["digits"]")?.
type Path struct {
	Segments []Segment
	raw      string
}

// Root returns the first key of the path.
func (p Path) Root() string {
	return p.Segments[0].Key
}

func (p Path) String() string {
	return p.raw
}

// ParsePath parses and validates a dot path against the grammar. The root
// whitelist is checked separately by op validation.
func ParsePath(raw string) (Path, error) {
	if raw == "" {
		return Path{}, apperr.Validation("patch path is empty").WithDetail("reason", "empty_path")
	}

	parts := strings.Split(raw, ".")
	segments := make([]Segment, 0, len(parts))
	for _, part := range parts {
		seg, ok := parseSegment(part)
		if !ok {
			return Path{}, apperr.Validation("invalid patch path %q", raw).
				WithDetail("reason", "bad_grammar").
				WithDetail("path", raw)
		}
		segments = append(segments, seg)
	}

	return Path{Segments: segments, raw: raw}, nil
}

func parseSegment(part string) (Segment, bool) {
	key := part
	index := -1

	if open := strings.IndexByte(part, '['); open >= 0 {
		if !strings.HasSuffix(part, "]") {
			return Segment{}, false
		}
		digits := part[open+1 : len(part)-1]
		if digits == "" {
			return Segment{}, false
		}
		// Bare digits only. Atoi alone would let "+5" and " 5" through.
		for _, r := range digits {
			if r < '0' || r > '9' {
				return Segment{}, false
			}
		}
		n, err := strconv.Atoi(digits)
		if err != nil {
			return Segment{}, false
		}
		key = part[:open]
		index = n
	}

	if !validKey(key) {
		return Segment{}, false
	}
	return Segment{Key: key, Index: index}, true
}

func validKey(key string) bool {
	if key == "" {
		return false
	}
	for i, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9', r == '-':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
