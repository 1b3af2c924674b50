// Package lockdown is a client for lockdownd, the device service that authenticates hosts and starts services
package lockdown

import (
	"context"
	"fmt"
	"net"

	"github.com/korylprince/ios-app-inventory/device"
	"github.com/korylprince/ios-app-inventory/device/plistio"
)

// ServiceType is the value lockdownd returns from QueryType
const ServiceType = "com.apple.mobile.lockdown"

// Client is a lockdownd connection. Client is not safe for concurrent use
type Client struct {
	conn      *plistio.Conn
	label     string
	sessionID string
}

// Service is a service started by lockdownd
type Service struct {
	Name string
	Port uint16
	SSL  bool
}

type response struct {
	Request          string      `plist:"Request"`
	Error            string      `plist:"Error"`
	Type             string      `plist:"Type"`
	SessionID        string      `plist:"SessionID"`
	EnableSessionSSL bool        `plist:"EnableSessionSSL"`
	Service          string      `plist:"Service"`
	Port             int         `plist:"Port"`
	EnableServiceSSL bool        `plist:"EnableServiceSSL"`
	Value            interface{} `plist:"Value"`
}

// New returns a new Client on conn. label identifies the host program to the device
func New(conn net.Conn, label string) *Client {
	return &Client{conn: plistio.New(conn), label: label}
}

func (c *Client) request(ctx context.Context, name string, fields map[string]interface{}) (*response, error) {
	req := map[string]interface{}{
		"Label":   c.label,
		"Request": name,
	}
	for k, v := range fields {
		req[k] = v
	}

	resp := new(response)
	if err := c.conn.Request(ctx, req, resp); err != nil {
		return nil, fmt.Errorf("could not complete %s: %w", name, err)
	}
	if resp.Error != "" {
		return nil, &device.ServiceError{Service: "lockdown", Code: resp.Error, Description: name}
	}
	return resp, nil
}

// QueryType returns the type of service answering on the connection
func (c *Client) QueryType(ctx context.Context) (string, error) {
	resp, err := c.request(ctx, "QueryType", nil)
	if err != nil {
		return "", err
	}
	return resp.Type, nil
}

// GetValue returns the value of key in domain. Empty domain or key are omitted from the request
func (c *Client) GetValue(ctx context.Context, domain, key string) (interface{}, error) {
	fields := make(map[string]interface{})
	if domain != "" {
		fields["Domain"] = domain
	}
	if key != "" {
		fields["Key"] = key
	}

	resp, err := c.request(ctx, "GetValue", fields)
	if err != nil {
		return nil, err
	}
	return resp.Value, nil
}

// GetString returns the string value of key in the global domain
func (c *Client) GetString(ctx context.Context, key string) (string, error) {
	v, err := c.GetValue(ctx, "", key)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("could not read %s: unexpected type %T", key, v)
	}
	return s, nil
}

// StartSession starts an authenticated session with the pair record, upgrading the connection to TLS if the device requests it
func (c *Client) StartSession(ctx context.Context, rec *device.PairRecord) error {
	resp, err := c.request(ctx, "StartSession", map[string]interface{}{
		"HostID":     rec.HostID,
		"SystemBUID": rec.SystemBUID,
	})
	if err != nil {
		return err
	}
	c.sessionID = resp.SessionID

	if !resp.EnableSessionSSL {
		return nil
	}

	cfg, err := rec.TLSConfig()
	if err != nil {
		return err
	}
	if err = c.conn.Upgrade(ctx, cfg); err != nil {
		return fmt.Errorf("could not start session: %w", err)
	}
	return nil
}

// SessionID returns the current session's ID, or an empty string if no session has been started
func (c *Client) SessionID() string {
	return c.sessionID
}

// StartService asks lockdownd to start the named service
func (c *Client) StartService(ctx context.Context, name string) (*Service, error) {
	resp, err := c.request(ctx, "StartService", map[string]interface{}{"Service": name})
	if err != nil {
		return nil, err
	}
	if resp.Port <= 0 || resp.Port > 65535 {
		return nil, fmt.Errorf("could not start %s: invalid port %d", name, resp.Port)
	}
	return &Service{Name: name, Port: uint16(resp.Port), SSL: resp.EnableServiceSSL}, nil
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}
