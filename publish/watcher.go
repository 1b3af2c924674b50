package publish

import (
	"context"
	"errors"
	"sync"
	"time"

	inventory "github.com/korylprince/ios-app-inventory"
	"github.com/korylprince/ios-app-inventory/icon"
	"github.com/korylprince/ios-app-inventory/internal/logger"
	"github.com/sirupsen/logrus"
)

// ListFunc returns the current inventory of the device with udid
type ListFunc func(ctx context.Context, udid string) (inventory.Directory[icon.PNG], error)

// Watcher polls devices and publishes their inventories when they change
type Watcher struct {
	pub  Publisher
	list ListFunc
	log  logrus.FieldLogger

	mu   sync.Mutex
	last map[string]inventory.Directory[icon.PNG]
}

// NewWatcher returns a new Watcher publishing to pub
func NewWatcher(pub Publisher, list ListFunc, log logrus.FieldLogger) *Watcher {
	return &Watcher{pub: pub, list: list, log: logger.OrDiscard(log), last: make(map[string]inventory.Directory[icon.PNG])}
}

// Poll lists the device with udid and compares it with the previous poll. The first poll publishes a snapshot.
// Later polls publish a snapshot and an Event only when something changed. The returned Changes are nil for the first poll
func (w *Watcher) Poll(ctx context.Context, udid string) (*inventory.Changes, error) {
	if udid == "" {
		return nil, errors.New("could not poll device: empty udid")
	}

	apps, err := w.list(ctx, udid)
	if err != nil {
		return nil, err
	}
	apps = apps.WithoutIcons()

	w.mu.Lock()
	last, seen := w.last[udid]
	w.mu.Unlock()

	var changes *inventory.Changes
	if seen {
		c := inventory.Diff(last, apps)
		if c.Empty() {
			return &c, nil
		}
		changes = &c
	}

	s := NewSnapshot(udid, apps)
	if err = w.pub.PublishSnapshot(ctx, s); err != nil {
		return nil, err
	}
	if changes != nil {
		if err = w.pub.PublishEvent(ctx, &Event{UDID: udid, Time: s.Time, Changes: *changes}); err != nil {
			return nil, err
		}
		w.log.WithFields(logrus.Fields{
			"udid":    udid,
			"added":   len(changes.Added),
			"removed": len(changes.Removed),
			"updated": len(changes.Updated),
		}).Info("inventory changed")
	}

	w.mu.Lock()
	w.last[udid] = apps
	w.mu.Unlock()

	return changes, nil
}

// Run polls every device in udids each interval until ctx is canceled. A failed poll is logged and retried at the next interval
func (w *Watcher) Run(ctx context.Context, interval time.Duration, udids ...string) error {
	if interval <= 0 {
		return errors.New("interval must be positive")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		for _, udid := range udids {
			if _, err := w.Poll(ctx, udid); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				w.log.WithError(err).WithField("udid", udid).Warn("could not poll device")
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
