package usbmux

import (
	"context"
	"net"
	"sync"

	"github.com/korylprince/ios-app-inventory/device"
)

// Provider implements device.Provider for a device attached to usbmuxd
type Provider struct {
	client *Client
	dev    *Device

	mu     sync.Mutex
	record *device.PairRecord
}

// NewProvider returns a Provider for the attached device with udid. If udid is empty, the first USB device is used
func NewProvider(ctx context.Context, client *Client, udid string) (*Provider, error) {
	dev, err := client.Find(ctx, udid)
	if err != nil {
		return nil, err
	}
	return &Provider{client: client, dev: dev}, nil
}

// UDID returns the device's UDID
func (p *Provider) UDID() string {
	return p.dev.Properties.SerialNumber
}

// Connect connects to port on the device through usbmuxd
func (p *Provider) Connect(ctx context.Context, port uint16) (net.Conn, error) {
	return p.client.Connect(ctx, p.dev.DeviceID, port)
}

// PairRecord returns the device's pair record. The record is read once and cached
func (p *Provider) PairRecord(ctx context.Context) (*device.PairRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.record != nil {
		return p.record, nil
	}

	rec, err := p.client.ReadPairRecord(ctx, p.UDID())
	if err != nil {
		return nil, err
	}
	p.record = rec
	return rec, nil
}
