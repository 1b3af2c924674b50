package inventory

import "sort"

// Changes are the differences between two directories
type Changes struct {
	Added   []string `json:"added"`
	Removed []string `json:"removed"`
	// Updated apps changed name, version, or build
	Updated []string `json:"updated"`
}

// Empty reports whether there are no changes
func (c *Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0 && len(c.Updated) == 0
}

// Diff returns the bundle identifiers added, removed, and updated between old and cur. Icons are ignored. Each list is sorted
func Diff[I, J any](old Directory[I], cur Directory[J]) Changes {
	c := Changes{Added: []string{}, Removed: []string{}, Updated: []string{}}

	for id, o := range old {
		n, ok := cur[id]
		if !ok {
			c.Removed = append(c.Removed, id)
			continue
		}
		if o.Name != n.Name || o.Version != n.Version || o.Build != n.Build {
			c.Updated = append(c.Updated, id)
		}
	}
	for id := range cur {
		if _, ok := old[id]; !ok {
			c.Added = append(c.Added, id)
		}
	}

	sort.Strings(c.Added)
	sort.Strings(c.Removed)
	sort.Strings(c.Updated)
	return c
}

// Equal reports whether d and other hold the same bundle identifiers with the same name, version, and build. Icons are ignored
func (d Directory[I]) Equal(other Directory[I]) bool {
	if len(d) != len(other) {
		return false
	}
	c := Diff(d, other)
	return c.Empty()
}
