package artifact

import (
	"path"
	"sort"
	"strings"
)

// Mapping is the best-effort result of matching produced artifacts
// against declared deliverable names. Unmatched artifacts are reported,
// never discarded: validation against the wrong name set is a failure
// mode this layer must surface.
type Mapping struct {
	Matched   map[string]string `json:"matched"`
	Missing   []string          `json:"missing,omitempty"`
	Unmatched []string          `json:"unmatched,omitempty"`
}

// Completeness returns matched/expected in [0,1]. Zero expected
// deliverables count as fully complete.
func (m Mapping) Completeness() float64 {
	expected := len(m.Matched) + len(m.Missing)
	if expected == 0 {
		return 1
	}
	return float64(len(m.Matched)) / float64(expected)
}

// MapToDeliverables matches artifact paths against deliverable name
// hints. A hint matches a path when it glob-matches the base name or the
// full path, or when the path contains the hint as a substring. The first
// match per hint wins, in path order.
func MapToDeliverables(artifacts []string, expected []string) Mapping {
	m := Mapping{Matched: map[string]string{}}
	paths := append([]string(nil), artifacts...)
	sort.Strings(paths)
	claimed := map[string]bool{}
	for _, hint := range expected {
		found := ""
		for _, p := range paths {
			if claimed[p] {
				continue
			}
			if matches(hint, p) {
				found = p
				break
			}
		}
		if found == "" {
			m.Missing = append(m.Missing, hint)
			continue
		}
		m.Matched[hint] = found
		claimed[found] = true
	}
	for _, p := range paths {
		if !claimed[p] {
			m.Unmatched = append(m.Unmatched, p)
		}
	}
	return m
}

func matches(hint, artifactPath string) bool {
	if hint == "" {
		return false
	}
	base := path.Base(artifactPath)
	if ok, err := path.Match(hint, base); err == nil && ok {
		return true
	}
	if ok, err := path.Match(hint, artifactPath); err == nil && ok {
		return true
	}
	return strings.Contains(artifactPath, hint)
}
