package mem

import (
	"errors"
	"fmt"
	"time"

	"github.com/ReneKroon/ttlcache/v2"
	"github.com/korylprince/ios-app-inventory/iconstore"
)

// DefaultSize is the default number of icons held
const DefaultSize = 1000

// Store implements Store completely in memory and uses an LRU cache to limit memory usage
type Store struct {
	icons *ttlcache.Cache
}

// New returns a new Store with the given cache size (item count) and item ttl. A ttl of 0 never expires icons
func New(size int, ttl time.Duration) *Store {
	if size <= 0 {
		size = DefaultSize
	}
	c := ttlcache.NewCache()
	c.SetCacheSizeLimit(size)
	if err := c.SetTTL(ttl); err != nil {
		panic(fmt.Errorf("could not set ttl on cache: %w", err))
	}
	c.SkipTTLExtensionOnHit(true)
	return &Store{icons: c}
}

// Get returns the icon for bundleID
func (s *Store) Get(bundleID string) ([]byte, error) {
	data, err := s.icons.Get(bundleID)
	if errors.Is(err, ttlcache.ErrNotFound) {
		return nil, iconstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("could not query cache: %w", err)
	}

	return data.([]byte), nil
}

// Put stores data for bundleID
func (s *Store) Put(bundleID string, data []byte) error {
	if err := s.icons.Set(bundleID, data); err != nil {
		return fmt.Errorf("could not set icon: %w", err)
	}
	return nil
}

// Remove deletes the icon for bundleID
func (s *Store) Remove(bundleID string) error {
	err := s.icons.Remove(bundleID)
	if err != nil && !errors.Is(err, ttlcache.ErrNotFound) {
		return fmt.Errorf("could not remove icon: %w", err)
	}
	return nil
}

// Len returns the number of cached icons
func (s *Store) Len() int {
	return s.icons.Count()
}

// Close stops the cache's expiration goroutine
func (s *Store) Close() error {
	return s.icons.Close()
}
