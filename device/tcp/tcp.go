// Package tcp implements a device.Provider that reaches a device directly over the network with an exported pairing file
package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/korylprince/ios-app-inventory/device"
)

// Provider connects to a device at a fixed address
type Provider struct {
	// Host is the device's IP address or hostname
	Host   string
	record *device.PairRecord
	dialer net.Dialer
}

// New returns a new Provider for host using record. record.UDID must be set
func New(host string, record *device.PairRecord) (*Provider, error) {
	if host == "" {
		return nil, errors.New("empty host")
	}
	if record == nil {
		return nil, errors.New("nil pair record")
	}
	if record.UDID == "" {
		return nil, errors.New("pair record has no UDID")
	}
	return &Provider{Host: host, record: record}, nil
}

// NewFromFile returns a new Provider for host with the pairing file at path
func NewFromFile(host, path string) (*Provider, error) {
	rec, err := device.ReadPairRecord(path)
	if err != nil {
		return nil, err
	}
	return New(host, rec)
}

// UDID returns the UDID from the pair record
func (p *Provider) UDID() string {
	return p.record.UDID
}

// Connect dials port on the device
func (p *Provider) Connect(ctx context.Context, port uint16) (net.Conn, error) {
	addr := net.JoinHostPort(p.Host, strconv.Itoa(int(port)))
	conn, err := p.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("could not connect to %s: %w", addr, err)
	}
	return conn, nil
}

// PairRecord returns the pair record the Provider was created with
func (p *Provider) PairRecord(ctx context.Context) (*device.PairRecord, error) {
	return p.record, nil
}
