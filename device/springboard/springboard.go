// Package springboard is a client for springboardservices, which serves home screen icons
package springboard

import (
	"context"
	"fmt"
	"net"

	"github.com/korylprince/ios-app-inventory/device"
	"github.com/korylprince/ios-app-inventory/device/plistio"
)

// ServiceName is the lockdown name of the service
const ServiceName = "com.apple.springboardservices"

// Client is a springboardservices connection. Client is not safe for concurrent use
type Client struct {
	conn *plistio.Conn
}

// New returns a new Client on conn
func New(conn net.Conn) *Client {
	return &Client{conn: plistio.New(conn)}
}

type iconRequest struct {
	Command  string `plist:"command"`
	BundleID string `plist:"bundleId"`
}

type iconResponse struct {
	PNGData []byte `plist:"pngData"`
	Error   string `plist:"Error"`
}

// IconPNGData returns the home screen icon for bundleID as PNG data.
// An app without an icon returns empty data and no error
func (c *Client) IconPNGData(ctx context.Context, bundleID string) ([]byte, error) {
	resp := new(iconResponse)
	if err := c.conn.Request(ctx, &iconRequest{Command: "getIconPNGData", BundleID: bundleID}, resp); err != nil {
		return nil, fmt.Errorf("could not get icon: %w", err)
	}
	if resp.Error != "" {
		return nil, &device.ServiceError{Service: "springboardservices", Code: resp.Error, Description: bundleID}
	}
	return resp.PNGData, nil
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}
