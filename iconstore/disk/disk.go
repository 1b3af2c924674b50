// Package disk implements an iconstore.Store that keeps icons as <bundle id>.png files in a directory
package disk

import (
	"bytes"
	"errors"
	"fmt"
	"image/png"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/korylprince/ios-app-inventory/iconstore"
)

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// Store implements Store on the filesystem
type Store struct {
	dir string
}

// New returns a new Store rooted at dir, creating it if needed
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("could not create icon store: empty directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("could not create icon store: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store's directory
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(bundleID string) (string, error) {
	if bundleID == "" || bundleID == "." || bundleID == ".." || strings.ContainsAny(bundleID, `/\`) || strings.ContainsRune(bundleID, 0) {
		return "", fmt.Errorf("invalid bundle identifier: %q", bundleID)
	}
	return filepath.Join(s.dir, bundleID+".png"), nil
}

// Get returns the icon for bundleID. A file that isn't a valid PNG is removed and reported as not found
func (s *Store) Get(bundleID string) ([]byte, error) {
	path, err := s.path(bundleID)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, iconstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("could not read icon: %w", err)
	}

	if !valid(data) {
		if err = os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("could not remove corrupt icon: %w", err)
		}
		return nil, iconstore.ErrNotFound
	}

	return data, nil
}

// Put writes data for bundleID atomically
func (s *Store) Put(bundleID string, data []byte) error {
	path, err := s.path(bundleID)
	if err != nil {
		return err
	}

	f, err := os.CreateTemp(s.dir, ".icon-*")
	if err != nil {
		return fmt.Errorf("could not create temporary file: %w", err)
	}
	tmp := f.Name()

	if _, err = f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("could not write icon: %w", err)
	}
	if err = f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("could not write icon: %w", err)
	}
	if err = os.Chmod(tmp, 0o644); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("could not set icon permissions: %w", err)
	}
	if err = os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("could not store icon: %w", err)
	}
	return nil
}

// Remove deletes the icon for bundleID
func (s *Store) Remove(bundleID string) error {
	path, err := s.path(bundleID)
	if err != nil {
		return err
	}
	if err = os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("could not remove icon: %w", err)
	}
	return nil
}

func valid(data []byte) bool {
	if !bytes.HasPrefix(data, pngSignature) {
		return false
	}
	_, err := png.DecodeConfig(bytes.NewReader(data))
	return err == nil
}
