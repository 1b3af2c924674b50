package icon

import (
	"context"
	"errors"
	"fmt"

	"github.com/korylprince/ios-app-inventory/iconstore"
	"github.com/korylprince/ios-app-inventory/internal/logger"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// PrefetchConcurrency is the number of icons Prefetch loads at once
const PrefetchConcurrency = 4

// LoadFunc loads the raw icon data for bundleID from a device
type LoadFunc func(ctx context.Context, bundleID string) ([]byte, error)

// AbortError stops Prefetch when returned by its LoadFunc
type AbortError struct {
	Err error
}

func (e *AbortError) Error() string {
	return e.Err.Error()
}

func (e *AbortError) Unwrap() error {
	return e.Err
}

// Abort wraps err so Prefetch stops loading and returns it
func Abort(err error) error {
	return &AbortError{Err: err}
}

// Fetcher loads icons through a chain of stores, consulting each in order before falling back to a LoadFunc.
// Fetcher is safe for concurrent use
type Fetcher struct {
	stores []iconstore.Store
	group  singleflight.Group
	log    logrus.FieldLogger
}

// NewFetcher returns a new Fetcher using stores, fastest first. If log is nil, logs are discarded
func NewFetcher(log logrus.FieldLogger, stores ...iconstore.Store) *Fetcher {
	return &Fetcher{stores: stores, log: logger.OrDiscard(log)}
}

// Get returns the raw icon data for bundleID.
// On a hit in a later store, earlier stores are backfilled. On a miss, load is called once per bundleID no matter how many callers are waiting,
// and the result is stored in every store. If the loaded data is empty, nothing is stored and the returned error will be ErrEmpty
func (f *Fetcher) Get(ctx context.Context, bundleID string, load LoadFunc) ([]byte, error) {
	if data, ok := f.cached(bundleID); ok {
		return data, nil
	}

	ch := f.group.DoChan(bundleID, func() (interface{}, error) {
		// another caller may have stored the icon while this one waited
		if data, ok := f.cached(bundleID); ok {
			return data, nil
		}

		data, err := load(ctx, bundleID)
		if err != nil {
			return nil, err
		}
		if len(data) == 0 {
			return nil, ErrEmpty
		}

		for _, s := range f.stores {
			if err := s.Put(bundleID, data); err != nil {
				f.log.WithError(err).WithField("bundle_id", bundleID).Warn("could not store icon")
			}
		}
		return data, nil
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("could not get icon: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	}
}

func (f *Fetcher) cached(bundleID string) ([]byte, bool) {
	for i, s := range f.stores {
		data, err := s.Get(bundleID)
		if errors.Is(err, iconstore.ErrNotFound) {
			continue
		}
		if err != nil {
			f.log.WithError(err).WithField("bundle_id", bundleID).Warn("could not read cached icon")
			continue
		}

		for _, earlier := range f.stores[:i] {
			if err := earlier.Put(bundleID, data); err != nil {
				f.log.WithError(err).WithField("bundle_id", bundleID).Warn("could not backfill icon")
			}
		}
		return data, true
	}
	return nil, false
}

// Forget removes bundleID from every store
func (f *Fetcher) Forget(bundleID string) error {
	var errs []error
	for _, s := range f.stores {
		if err := s.Remove(bundleID); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("could not forget icon: %w", errors.Join(errs...))
	}
	return nil
}

// Prefetch warms the stores with the icons of bundleIDs, loading at most PrefetchConcurrency at once.
// Individual load failures are logged and skipped. Prefetch returns an error if ctx ends first or load returns an *AbortError
func (f *Fetcher) Prefetch(ctx context.Context, bundleIDs []string, load LoadFunc) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(PrefetchConcurrency)

	for _, id := range bundleIDs {
		id := id
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if _, err := f.Get(gctx, id, load); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				var aerr *AbortError
				if errors.As(err, &aerr) {
					return aerr.Err
				}
				if !errors.Is(err, ErrEmpty) {
					f.log.WithError(err).WithField("bundle_id", id).Debug("could not prefetch icon")
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("could not prefetch icons: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("could not prefetch icons: %w", err)
	}
	return nil
}
