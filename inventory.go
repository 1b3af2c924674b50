// Package inventory lists the applications installed on an iOS device, with their metadata and home screen icons
package inventory

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/korylprince/ios-app-inventory/device"
	"github.com/korylprince/ios-app-inventory/icon"
	"github.com/korylprince/ios-app-inventory/internal/logger"
	"github.com/sirupsen/logrus"
)

// ErrInvalidHandle is returned when the device handle is nil
var ErrInvalidHandle = errors.New("invalid device handle")

// ErrIncompleteMetadata is wrapped by MetadataError
var ErrIncompleteMetadata = errors.New("incomplete app metadata")

// Source is an interface for a live device session that can report installed applications and their icons.
// *session.Handle implements Source
type Source interface {
	// Apps returns the metadata of every installed application of type typ
	Apps(ctx context.Context, typ device.AppType) ([]device.App, error)
	// IconPNG returns the home screen icon of bundleID as PNG data
	IconPNG(ctx context.Context, bundleID string) ([]byte, error)
}

// Record is the metadata of a single installed application. Icon is nil when the app has no usable icon
type Record[I any] struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Build   string `json:"build"`
	Icon    *I     `json:"icon"`
}

// Directory maps bundle identifiers to application records
type Directory[I any] map[string]Record[I]

// MetadataError is returned in strict mode when apps are missing required metadata
type MetadataError struct {
	// Apps are the bundle identifiers (or install paths, for apps without one) of the incomplete apps
	Apps []string
}

func (e *MetadataError) Error() string {
	return fmt.Sprintf("%v: %s", ErrIncompleteMetadata, strings.Join(e.Apps, ", "))
}

func (e *MetadataError) Unwrap() error {
	return ErrIncompleteMetadata
}

type config struct {
	typ     device.AppType
	fetcher *icon.Fetcher
	noIcons bool
	strict  bool
	log     logrus.FieldLogger
}

// Option configures a Lister
type Option func(*config)

// WithAppType limits listings to apps of typ. The default is device.AppTypeAny
func WithAppType(typ device.AppType) Option {
	return func(c *config) { c.typ = typ }
}

// WithFetcher loads icons through f, caching them in its stores
func WithFetcher(f *icon.Fetcher) Option {
	return func(c *config) { c.fetcher = f }
}

// WithoutIcons skips loading icons. Every record's Icon will be nil
func WithoutIcons() Option {
	return func(c *config) { c.noIcons = true }
}

// Strict fails a listing with *MetadataError if any app is missing required metadata, instead of skipping it
func Strict() Option {
	return func(c *config) { c.strict = true }
}

// WithLogger sets the logger. By default logs are discarded
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *config) { c.log = l }
}

// Lister lists installed applications, decoding icons with a Decoder[I]
type Lister[I any] struct {
	decoder icon.Decoder[I]
	config
}

// NewLister returns a new Lister that decodes icons with decoder
func NewLister[I any](decoder icon.Decoder[I], opts ...Option) *Lister[I] {
	l := &Lister[I]{decoder: decoder, config: config{typ: device.AppTypeAny}}
	for _, o := range opts {
		o(&l.config)
	}
	l.log = logger.OrDiscard(l.log)
	if l.decoder == nil {
		l.noIcons = true
	}
	return l
}

// ListInstalledAppsWithIcons returns the installed applications reported by src, keyed by bundle identifier, using PNG icons
func ListInstalledAppsWithIcons(ctx context.Context, src Source, opts ...Option) (Directory[icon.PNG], error) {
	return NewLister[icon.PNG](icon.PNGDecoder{}, opts...).ListInstalledAppsWithIcons(ctx, src)
}

// ListInstalledAppsWithIcons returns the installed applications reported by src, keyed by bundle identifier.
// The returned Directory is newly allocated and owned by the caller.
// An app is returned with a nil Icon when the device has no icon for it or its icon can't be decoded.
// Other icon errors, such as the device disconnecting, fail the listing.
// Apps with neither a version nor a build, or without a bundle identifier, are skipped unless the Lister is Strict
func (l *Lister[I]) ListInstalledAppsWithIcons(ctx context.Context, src Source) (Directory[I], error) {
	if isNil(src) {
		return nil, ErrInvalidHandle
	}

	apps, err := src.Apps(ctx, l.typ)
	if err != nil {
		return nil, fmt.Errorf("could not list apps: %w", err)
	}

	dir := make(Directory[I], len(apps))
	var incomplete []string
	for i := range apps {
		a := &apps[i]
		rec, ok := newRecord[I](a)
		if !ok {
			id := a.BundleID
			if id == "" {
				id = a.Path
			}
			if id == "" {
				id = fmt.Sprintf("(app %d)", i)
			}
			incomplete = append(incomplete, id)
			l.log.WithField("bundle_id", a.BundleID).WithField("path", a.Path).Warn("skipping app with incomplete metadata")
			continue
		}

		if _, ok := dir[a.BundleID]; ok {
			l.log.WithField("bundle_id", a.BundleID).Warn("skipping duplicate app")
			continue
		}
		dir[a.BundleID] = rec
	}

	if l.strict && len(incomplete) > 0 {
		return nil, &MetadataError{Apps: incomplete}
	}

	if l.noIcons {
		return dir, nil
	}

	for _, id := range dir.BundleIDs() {
		data, err := l.load(ctx, src, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("could not load icons: %w", ctx.Err())
			}
			if !iconMissing(err) {
				return nil, fmt.Errorf("could not load icon for %s: %w", id, err)
			}
			if !errors.Is(err, icon.ErrEmpty) {
				l.log.WithError(err).WithField("bundle_id", id).Debug("could not load icon")
			}
			continue
		}

		ic, err := l.decoder.Decode(data)
		if err != nil {
			l.log.WithError(err).WithField("bundle_id", id).Debug("could not decode icon")
			continue
		}

		rec := dir[id]
		rec.Icon = &ic
		dir[id] = rec
	}

	return dir, nil
}

func (l *Lister[I]) load(ctx context.Context, src Source, bundleID string) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if l.fetcher != nil {
		data, err = l.fetcher.Get(ctx, bundleID, src.IconPNG)
	} else {
		data, err = src.IconPNG(ctx, bundleID)
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, icon.ErrEmpty
	}
	return data, nil
}

// iconMissing reports whether err only affects a single app's icon.
// The device refusing one bundle ID or having no icon for it is per app; anything else fails the listing
func iconMissing(err error) bool {
	if errors.Is(err, device.ErrClosed) || errors.Is(err, device.ErrUnavailable) {
		return false
	}
	var serr *device.ServiceError
	return errors.Is(err, icon.ErrEmpty) || errors.As(err, &serr)
}

// newRecord converts a into a Record, returning false if a is missing required metadata
func newRecord[I any](a *device.App) (Record[I], bool) {
	if a.BundleID == "" {
		return Record[I]{}, false
	}

	version, build := strings.TrimSpace(a.ShortVersion), strings.TrimSpace(a.BundleVersion)
	if version == "" {
		version = build
	}
	if build == "" {
		build = version
	}
	if version == "" {
		return Record[I]{}, false
	}

	return Record[I]{Name: displayName(a), Version: version, Build: build}, true
}

func displayName(a *device.App) string {
	for _, n := range []string{a.DisplayName, a.BundleName, a.Executable} {
		if n = strings.TrimSpace(n); n != "" {
			return n
		}
	}
	return a.BundleID
}

func isNil(src Source) bool {
	if src == nil {
		return true
	}
	v := reflect.ValueOf(src)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Func, reflect.Interface, reflect.Chan:
		return v.IsNil()
	}
	return false
}

// BundleIDs returns the directory's bundle identifiers in lexical order
func (d Directory[I]) BundleIDs() []string {
	ids := make([]string, 0, len(d))
	for id := range d {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// WithoutIcons returns a copy of d with every Icon removed
func (d Directory[I]) WithoutIcons() Directory[I] {
	out := make(Directory[I], len(d))
	for id, r := range d {
		r.Icon = nil
		out[id] = r
	}
	return out
}
