// Package effects turns inventory tags in narration text into state changes.
//
// Narration is untrusted free-form output, so extraction never fails: a
// malformed or unterminated tag simply yields no effect.
package effects

import (
	"sort"
	"strings"

	"github.com/tinyland-inc/taleclaw/pkg/narration"
)

type Kind string

const (
	Grant  Kind = "grant"
	Remove Kind = "remove"
)

const (
	GrantMarker  = "[GAIN "
	RemoveMarker = "[LOSE "
)

type Effect struct {
	Kind Kind   `json:"kind"`
	Item string `json:"item"`
}

// Extract scans text line by line. Each line contributes at most one grant
// (its first [GAIN ...] tag) and one remove (its first [LOSE ...] tag),
// ordered by where they appear.
func Extract(text string) []Effect {
	var out []Effect
	for line := range strings.Lines(text) {
		type found struct {
			at     int
			effect Effect
		}
		var hits []found
		if at, item, ok := findTag(line, GrantMarker); ok {
			hits = append(hits, found{at, Effect{Kind: Grant, Item: item}})
		}
		if at, item, ok := findTag(line, RemoveMarker); ok {
			hits = append(hits, found{at, Effect{Kind: Remove, Item: item}})
		}
		sort.Slice(hits, func(i, j int) bool { return hits[i].at < hits[j].at })
		for _, h := range hits {
			out = append(out, h.effect)
		}
	}
	return out
}

func findTag(line, marker string) (int, string, bool) {
	start := strings.Index(line, marker)
	if start < 0 {
		return 0, "", false
	}
	rest := line[start+len(marker):]
	end := strings.IndexByte(rest, ']')
	if end < 0 {
		return 0, "", false
	}
	item := strings.TrimSpace(rest[:end])
	if item == "" || strings.ContainsRune(item, '[') {
		return 0, "", false
	}
	return start, item, true
}

// Mutator is the slice of the session store that effects touch.
type Mutator interface {
	GrantItem(item string) int
	RemoveItem(item string) int
}

// Applied records what one effect changed.
type Applied struct {
	Effect
	Changed int `json:"changed"`
}

// Apply applies effects in order and reports how many participants each
// one changed.
func Apply(m Mutator, effects []Effect) []Applied {
	out := make([]Applied, 0, len(effects))
	for _, e := range effects {
		var n int
		switch e.Kind {
		case Grant:
			n = m.GrantItem(e.Item)
		case Remove:
			n = m.RemoveItem(e.Item)
		}
		out = append(out, Applied{Effect: e, Changed: n})
	}
	return out
}

// SplitNextChoices separates the trailing next-choices line from the body of
// a narration. choices is empty when the narration has no such line.
func SplitNextChoices(text string) (body, choices string) {
	trimmed := strings.TrimRight(text, "\n ")
	idx := strings.LastIndex(trimmed, narration.NextChoicesMarker)
	if idx < 0 {
		return text, ""
	}
	lineStart := strings.LastIndexByte(trimmed[:idx], '\n') + 1
	if strings.TrimSpace(trimmed[lineStart:idx]) != "" {
		return text, ""
	}
	line := trimmed[idx+len(narration.NextChoicesMarker):]
	if nl := strings.IndexByte(line, '\n'); nl >= 0 {
		// Marker is not on the final line.
		return text, ""
	}
	return strings.TrimRight(trimmed[:lineStart], "\n "), strings.TrimSpace(line)
}
