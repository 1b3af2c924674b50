package resolver

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("device not found")

// Resolver is an interface for looking up a device's UDID by its serial number
type Resolver interface {
	// UDID returns the UDID of the device with serial. If the serial is not found, the returned error will be ErrNotFound
	UDID(ctx context.Context, serial string) (string, error)
}

// Static is a Resolver backed by a fixed serial-to-UDID map
type Static map[string]string

// UDID implements Resolver
func (s Static) UDID(ctx context.Context, serial string) (string, error) {
	if udid, ok := s[serial]; ok && udid != "" {
		return udid, nil
	}
	return "", ErrNotFound
}
