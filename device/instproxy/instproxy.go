// Package instproxy is a client for installation_proxy, the device service that reports installed applications
package instproxy

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/korylprince/ios-app-inventory/device"
	"github.com/korylprince/ios-app-inventory/device/plistio"
)

// ServiceName is the lockdown name of the service
const ServiceName = "com.apple.mobile.installation_proxy"

const (
	statusBrowsing = "BrowsingApplications"
	statusComplete = "Complete"
)

// Client is an installation_proxy connection. Client is not safe for concurrent use
type Client struct {
	conn *plistio.Conn
}

// New returns a new Client on conn
func New(conn net.Conn) *Client {
	return &Client{conn: plistio.New(conn)}
}

type browseRequest struct {
	Command       string        `plist:"Command"`
	ClientOptions clientOptions `plist:"ClientOptions"`
}

type clientOptions struct {
	ApplicationType  string   `plist:"ApplicationType"`
	ReturnAttributes []string `plist:"ReturnAttributes,omitempty"`
}

type browseResponse struct {
	Status           string       `plist:"Status"`
	Error            string       `plist:"Error"`
	ErrorDescription string       `plist:"ErrorDescription"`
	CurrentList      []device.App `plist:"CurrentList"`
	CurrentIndex     int          `plist:"CurrentIndex"`
	CurrentAmount    int          `plist:"CurrentAmount"`
	Total            int          `plist:"Total"`
}

// Browse returns the installed applications of type typ with the given attributes.
// If attrs is empty, device.AppAttributes is used
func (c *Client) Browse(ctx context.Context, typ device.AppType, attrs []string) ([]device.App, error) {
	if typ == "" {
		typ = device.AppTypeAny
	}
	if len(attrs) == 0 {
		attrs = device.AppAttributes
	}

	defer c.conn.Bind(ctx)()

	req := &browseRequest{
		Command:       "Browse",
		ClientOptions: clientOptions{ApplicationType: string(typ), ReturnAttributes: attrs},
	}
	if err := c.conn.Send(req); err != nil {
		return nil, fmt.Errorf("could not send browse request: %w", plistio.ContextError(ctx, err))
	}

	var apps []device.App
	for {
		resp := new(browseResponse)
		if err := c.conn.Recv(resp); err != nil {
			return nil, fmt.Errorf("could not read browse response: %w", plistio.ContextError(ctx, err))
		}

		if resp.Error != "" {
			return nil, &device.ServiceError{Service: "installation_proxy", Code: resp.Error, Description: resp.ErrorDescription}
		}

		apps = append(apps, resp.CurrentList...)

		switch resp.Status {
		case statusComplete:
			return apps, nil
		case statusBrowsing, "":
			if resp.Status == "" && len(resp.CurrentList) == 0 {
				return nil, errors.New("could not read browse response: empty message")
			}
		default:
			return nil, fmt.Errorf("could not read browse response: unexpected status %q", resp.Status)
		}
	}
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}
