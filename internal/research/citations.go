package research

import (
	"sort"
	"strings"
)

// InsertMarkers splices " [label](short_id)" for every segment of every
// citation at its EndIndex. Citations are applied right to left so earlier
// offsets stay valid.
func InsertMarkers(text string, citations []Citation) string {
	limit := len(text)
	for _, citation := range insertionOrder(citations) {
		end := clampIndex(citation.EndIndex, limit)
		text = text[:end] + renderMarkers(citation.Segments) + text[end:]
	}
	return text
}

// StripMarkers undoes InsertMarkers for the same citations.
func StripMarkers(text string, citations []Citation) string {
	ordered := insertionOrder(citations)
	limit := len(text)
	for _, citation := range ordered {
		limit -= len(renderMarkers(citation.Segments))
	}
	if limit < 0 {
		return text
	}
	for i := len(ordered) - 1; i >= 0; i-- {
		end := clampIndex(ordered[i].EndIndex, limit)
		marker := renderMarkers(ordered[i].Segments)
		if strings.HasPrefix(text[end:], marker) {
			text = text[:end] + text[end+len(marker):]
		}
	}
	return text
}

func insertionOrder(citations []Citation) []Citation {
	ordered := make([]Citation, len(citations))
	copy(ordered, citations)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].EndIndex != ordered[j].EndIndex {
			return ordered[i].EndIndex > ordered[j].EndIndex
		}
		return ordered[i].StartIndex > ordered[j].StartIndex
	})
	return ordered
}

func renderMarkers(segments []Reference) string {
	var out strings.Builder
	for _, segment := range segments {
		out.WriteString(" [")
		out.WriteString(segment.Label)
		out.WriteString("](")
		out.WriteString(segment.ShortID)
		out.WriteString(")")
	}
	return out.String()
}

func clampIndex(i, limit int) int {
	if i < 0 {
		return 0
	}
	if i > limit {
		return limit
	}
	return i
}

// Resolve replaces every short id in text with its reference value and
// returns the references that were used, in source order. The longest id
// wins at each position and a match must not run into a following digit.
func Resolve(text string, sources []Reference) (string, []Reference) {
	candidates := make([]int, 0, len(sources))
	for i, ref := range sources {
		if ref.ShortID != "" {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return text, []Reference{}
	}
	sort.SliceStable(candidates, func(a, b int) bool {
		return len(sources[candidates[a]].ShortID) > len(sources[candidates[b]].ShortID)
	})

	used := make([]bool, len(sources))
	var out strings.Builder
	out.Grow(len(text))
	for i := 0; i < len(text); {
		matched := false
		for _, idx := range candidates {
			id := sources[idx].ShortID
			if !strings.HasPrefix(text[i:], id) || !boundaryAt(text, i+len(id)) {
				continue
			}
			out.WriteString(sources[idx].Value)
			used[idx] = true
			i += len(id)
			matched = true
			break
		}
		if !matched {
			out.WriteByte(text[i])
			i++
		}
	}

	kept := []Reference{}
	for i, ref := range sources {
		if used[i] {
			kept = append(kept, ref)
		}
	}
	return out.String(), kept
}

func boundaryAt(text string, i int) bool {
	if i >= len(text) {
		return true
	}
	// ids end in a decimal index, so only a digit extends one
	c := text[i]
	return c < '0' || c > '9'
}
