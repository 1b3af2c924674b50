package iconstore

import "errors"

var ErrNotFound = errors.New("icon not found")

// Store is an interface to cache icon PNG data by bundle identifier
type Store interface {
	// Get returns the icon for bundleID. If the icon doesn't exist, the returned error will be ErrNotFound
	Get(bundleID string) ([]byte, error)
	// Put stores data as the icon for bundleID, replacing any existing icon
	Put(bundleID string, data []byte) error
	// Remove deletes the icon for bundleID. Removing a missing icon is not an error
	Remove(bundleID string) error
}
