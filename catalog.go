package inventory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/korylprince/ios-app-inventory/device"
)

// Catalog splits installed apps by what a debugging host can do with them. Each list maps bundle identifiers to names
type Catalog struct {
	// Debuggable apps are signed with get-task-allow
	Debuggable map[string]string `json:"debuggable"`
	// Launchable apps are visible, non-debuggable apps
	Launchable map[string]string `json:"launchable"`
	// System apps are hidden, non-debuggable apps
	System map[string]string `json:"system"`
}

// NewCatalog sorts apps into a Catalog. Apps without a bundle identifier are ignored
func NewCatalog(apps []device.App) *Catalog {
	c := &Catalog{
		Debuggable: make(map[string]string),
		Launchable: make(map[string]string),
		System:     make(map[string]string),
	}

	for i := range apps {
		a := &apps[i]
		if a.BundleID == "" {
			continue
		}
		name := displayName(a)
		_, debuggable := c.Debuggable[a.BundleID]
		_, system := c.System[a.BundleID]

		switch {
		case a.Debuggable():
			c.Debuggable[a.BundleID] = name
			delete(c.Launchable, a.BundleID)
			delete(c.System, a.BundleID)
		case debuggable:
		case a.Hidden():
			c.System[a.BundleID] = name
			delete(c.Launchable, a.BundleID)
		case system:
		default:
			c.Launchable[a.BundleID] = name
		}
	}

	return c
}

// Catalog lists every installed app from src and sorts it into a Catalog
func (l *Lister[I]) Catalog(ctx context.Context, src Source) (*Catalog, error) {
	if isNil(src) {
		return nil, ErrInvalidHandle
	}

	apps, err := src.Apps(ctx, device.AppTypeAny)
	if err != nil {
		return nil, fmt.Errorf("could not list apps: %w", err)
	}
	return NewCatalog(apps), nil
}

// Launch returns the Launchable and System lists combined, preferring System names
func (c *Catalog) Launch() map[string]string {
	out := make(map[string]string, len(c.Launchable)+len(c.System))
	for id, name := range c.Launchable {
		out[id] = name
	}
	for id, name := range c.System {
		out[id] = name
	}
	return out
}

// Search returns a new Catalog containing only apps whose bundle identifier or name matches query. See Directory.Search
func (c *Catalog) Search(query string) *Catalog {
	m := newMatcher(query)
	return &Catalog{
		Debuggable: m.filter(c.Debuggable),
		Launchable: m.filter(c.Launchable),
		System:     m.filter(c.System),
	}
}

// Len returns the total number of apps in the catalog
func (c *Catalog) Len() int {
	return len(c.Debuggable) + len(c.Launchable) + len(c.System)
}

// NamedApp is a bundle identifier and its display name
type NamedApp struct {
	BundleID string `json:"bundle_id"`
	Name     string `json:"name"`
}

// SortedApps returns apps ordered by case-insensitive name, then bundle identifier
func SortedApps(apps map[string]string) []NamedApp {
	out := make([]NamedApp, 0, len(apps))
	for id, name := range apps {
		out = append(out, NamedApp{BundleID: id, Name: name})
	}
	sort.Slice(out, func(i, j int) bool {
		return less(out[i].Name, out[i].BundleID, out[j].Name, out[j].BundleID)
	})
	return out
}

func less(nameA, idA, nameB, idB string) bool {
	a, b := strings.ToLower(nameA), strings.ToLower(nameB)
	if a != b {
		return a < b
	}
	return idA < idB
}
