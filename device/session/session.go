// Package session holds an authenticated lockdown session to a device and the services used to inventory it
package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/korylprince/ios-app-inventory/device"
	"github.com/korylprince/ios-app-inventory/device/instproxy"
	"github.com/korylprince/ios-app-inventory/device/lockdown"
	"github.com/korylprince/ios-app-inventory/device/springboard"
	"github.com/korylprince/ios-app-inventory/device/usbmux"
	"github.com/korylprince/ios-app-inventory/internal/logger"
	"github.com/sirupsen/logrus"
)

// DefaultLabel identifies the host program to lockdownd
const DefaultLabel = "appinventory"

// DefaultConnectTimeout bounds connection retries to the device
const DefaultConnectTimeout = 5 * time.Second

// Options configures Open
type Options struct {
	// Label identifies the host program to lockdownd. Defaults to DefaultLabel
	Label string
	// ConnectTimeout bounds retries of failed connections. Defaults to DefaultConnectTimeout
	ConnectTimeout time.Duration
	Logger         logrus.FieldLogger
}

// Handle is an open session to a device. Calls are serialized; a Handle may be shared between goroutines but requests do not run in parallel
type Handle struct {
	provider device.Provider
	record   *device.PairRecord
	label    string
	timeout  time.Duration
	log      logrus.FieldLogger

	mu        sync.Mutex
	closed    bool
	lockdown  *lockdown.Client
	tlsConfig *tls.Config
	apps      *instproxy.Client
	icons     *springboard.Client
}

// Open connects to lockdownd on the device reachable through p and starts an authenticated session
func Open(ctx context.Context, p device.Provider, opts *Options) (*Handle, error) {
	if p == nil {
		return nil, errors.New("could not open session: nil provider")
	}
	if opts == nil {
		opts = new(Options)
	}

	h := &Handle{
		provider: p,
		label:    opts.Label,
		timeout:  opts.ConnectTimeout,
		log:      logger.OrDiscard(opts.Logger).WithField("udid", p.UDID()),
	}
	if h.label == "" {
		h.label = DefaultLabel
	}
	if h.timeout <= 0 {
		h.timeout = DefaultConnectTimeout
	}

	rec, err := p.PairRecord(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not open session: %w", err)
	}
	h.record = rec

	conn, err := h.connect(ctx, device.LockdownPort)
	if err != nil {
		return nil, fmt.Errorf("could not open session: %w", err)
	}

	ld := lockdown.New(conn, h.label)
	typ, err := ld.QueryType(ctx)
	if err != nil {
		ld.Close()
		return nil, fmt.Errorf("could not open session: %w", err)
	}
	if typ != lockdown.ServiceType {
		ld.Close()
		return nil, fmt.Errorf("could not open session: unexpected service type %q", typ)
	}

	if err = ld.StartSession(ctx, rec); err != nil {
		ld.Close()
		return nil, fmt.Errorf("could not open session: %w", err)
	}
	h.lockdown = ld
	h.log.WithField("session_id", ld.SessionID()).Debug("lockdown session started")

	return h, nil
}

// UDID returns the device's UDID
func (h *Handle) UDID() string {
	return h.provider.UDID()
}

func (h *Handle) connect(ctx context.Context, port uint16) (net.Conn, error) {
	var conn net.Conn

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = h.timeout

	err := backoff.Retry(func() error {
		c, err := h.provider.Connect(ctx, port)
		if err != nil {
			var rerr *usbmux.ResultError
			if ctx.Err() != nil || (errors.As(err, &rerr) && rerr.Number != 3) {
				return backoff.Permanent(err)
			}
			h.log.WithError(err).WithField("port", port).Debug("retrying connection")
			return err
		}
		conn = c
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, err
	}

	return conn, nil
}

func (h *Handle) startService(ctx context.Context, name string) (net.Conn, error) {
	svc, err := h.lockdown.StartService(ctx, name)
	if err != nil {
		return nil, err
	}

	conn, err := h.connect(ctx, svc.Port)
	if err != nil {
		return nil, fmt.Errorf("could not connect to %s: %w", name, err)
	}

	if !svc.SSL {
		return conn, nil
	}

	if h.tlsConfig == nil {
		if h.tlsConfig, err = h.record.TLSConfig(); err != nil {
			conn.Close()
			return nil, err
		}
	}

	tc := tls.Client(conn, h.tlsConfig)
	if err = tc.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("could not complete TLS handshake with %s: %w", name, err)
	}
	return tc, nil
}

// Info returns the device's name and OS version
func (h *Handle) Info(ctx context.Context) (*device.Info, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, device.ErrClosed
	}

	info := &device.Info{UDID: h.UDID()}
	for key, dst := range map[string]*string{
		"DeviceName":     &info.Name,
		"ProductType":    &info.ProductType,
		"ProductVersion": &info.ProductVersion,
	} {
		v, err := h.lockdown.GetString(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("could not get device info: %w", err)
		}
		*dst = v
	}

	return info, nil
}

// Apps returns the metadata of every installed application of type typ
func (h *Handle) Apps(ctx context.Context, typ device.AppType) ([]device.App, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, device.ErrClosed
	}

	if h.apps == nil {
		conn, err := h.startService(ctx, instproxy.ServiceName)
		if err != nil {
			return nil, fmt.Errorf("could not start installation proxy: %w: %w", device.ErrUnavailable, err)
		}
		h.apps = instproxy.New(conn)
	}

	apps, err := h.apps.Browse(ctx, typ, nil)
	if err != nil {
		// the stream may be mid-message; reconnect on the next call
		h.apps.Close()
		h.apps = nil
		return nil, err
	}

	h.log.WithField("count", len(apps)).Debug("browsed applications")
	return apps, nil
}

// IconPNG returns the home screen icon of bundleID as PNG data. Empty data means the app has no icon.
// A *device.ServiceError means springboard refused this bundleID; any other error means the device can't serve icons
func (h *Handle) IconPNG(ctx context.Context, bundleID string) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, device.ErrClosed
	}

	if h.icons == nil {
		conn, err := h.startService(ctx, springboard.ServiceName)
		if err != nil {
			return nil, fmt.Errorf("could not start springboard services: %w: %w", device.ErrUnavailable, err)
		}
		h.icons = springboard.New(conn)
	}

	data, err := h.icons.IconPNGData(ctx, bundleID)
	if err != nil {
		var serr *device.ServiceError
		if !errors.As(err, &serr) {
			h.icons.Close()
			h.icons = nil
		}
		return nil, err
	}
	return data, nil
}

// Close ends the session and closes every connection. Close is idempotent
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true

	if h.apps != nil {
		h.apps.Close()
		h.apps = nil
	}
	if h.icons != nil {
		h.icons.Close()
		h.icons = nil
	}
	return h.lockdown.Close()
}
