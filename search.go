package inventory

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Entry is a bundle identifier and its record
type Entry[I any] struct {
	BundleID string
	Record[I]
}

// Sorted returns the directory's entries ordered by case-insensitive name, then bundle identifier
func (d Directory[I]) Sorted() []Entry[I] {
	out := make([]Entry[I], 0, len(d))
	for id, r := range d {
		out = append(out, Entry[I]{BundleID: id, Record: r})
	}
	sortEntries(out)
	return out
}

// Search returns the sorted entries whose bundle identifier or name contains query.
// Matching ignores case, diacritics, and surrounding whitespace. A blank query matches every entry
func (d Directory[I]) Search(query string) []Entry[I] {
	m := newMatcher(query)
	out := make([]Entry[I], 0, len(d))
	for id, r := range d {
		if m.match(id, r.Name) {
			out = append(out, Entry[I]{BundleID: id, Record: r})
		}
	}
	sortEntries(out)
	return out
}

func sortEntries[I any](entries []Entry[I]) {
	sort.Slice(entries, func(i, j int) bool {
		return less(entries[i].Name, entries[i].BundleID, entries[j].Name, entries[j].BundleID)
	})
}

type matcher struct {
	query string
}

func newMatcher(query string) *matcher {
	return &matcher{query: fold(query)}
}

func (m *matcher) match(bundleID, name string) bool {
	if m.query == "" {
		return true
	}
	return strings.Contains(fold(bundleID), m.query) || strings.Contains(fold(name), m.query)
}

func (m *matcher) filter(apps map[string]string) map[string]string {
	out := make(map[string]string)
	for id, name := range apps {
		if m.match(id, name) {
			out[id] = name
		}
	}
	return out
}

// fold trims s, strips diacritics, and folds case
func fold(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}
	return cases.Fold().String(stripped)
}
