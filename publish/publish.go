// Package publish sends inventory snapshots and change events to external systems
package publish

import (
	"context"
	"time"

	inventory "github.com/korylprince/ios-app-inventory"
	"github.com/korylprince/ios-app-inventory/icon"
)

// Snapshot is the full inventory of a device at a point in time. Icons are omitted
type Snapshot struct {
	UDID string                        `json:"udid"`
	Time time.Time                     `json:"time"`
	Apps inventory.Directory[icon.PNG] `json:"apps"`
}

// Event is the change between two snapshots of a device
type Event struct {
	UDID string    `json:"udid"`
	Time time.Time `json:"time"`
	inventory.Changes
}

// NewSnapshot returns a Snapshot of apps taken now, with icons removed
func NewSnapshot(udid string, apps inventory.Directory[icon.PNG]) *Snapshot {
	return &Snapshot{UDID: udid, Time: time.Now().UTC(), Apps: apps.WithoutIcons()}
}

// Publisher is an interface for sending inventory data
type Publisher interface {
	// PublishSnapshot sends the current inventory of a device, replacing the previous one
	PublishSnapshot(ctx context.Context, s *Snapshot) error
	// PublishEvent sends the changes since the previous snapshot
	PublishEvent(ctx context.Context, e *Event) error
	Close() error
}
