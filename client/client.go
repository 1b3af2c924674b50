package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	inventory "github.com/korylprince/ios-app-inventory"
	"github.com/korylprince/ios-app-inventory/device"
	"github.com/korylprince/ios-app-inventory/icon"
)

// DefaultMaxElapsed bounds retries when Client.MaxElapsed is zero
const DefaultMaxElapsed = 30 * time.Second

// StatusError is an error response from the inventory service
type StatusError struct {
	Code        int    `json:"code"`
	Description string `json:"description"`
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("inventory service returned %d: %s", e.Code, e.Description)
}

// Client is a client for the inventory HTTP service
type Client struct {
	// URL is the service's base URL without the trailing slash, e.g. https://inventory.example.com
	URL   string
	Token string
	// HTTPClient is used for requests. If nil, http.DefaultClient is used
	HTTPClient *http.Client
	// MaxElapsed bounds retries of network errors and 5xx responses with exponential backoff
	MaxElapsed time.Duration
}

// New returns a new Client for the service at url, authenticating with token if it's not empty
func New(url, token string) *Client {
	return &Client{URL: strings.TrimSuffix(url, "/"), Token: token}
}

// SetToken will set the Authorization header for a request
func SetToken(r *http.Request, token string) {
	r.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
}

// get performs a GET request with retries and returns the body of a 200 response
func (c *Client) get(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := c.URL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxElapsedTime = c.MaxElapsed
	if b.MaxElapsedTime <= 0 {
		b.MaxElapsedTime = DefaultMaxElapsed
	}

	var body []byte
	err := backoff.Retry(func() error {
		r, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("could not create request: %w", err))
		}
		if c.Token != "" {
			SetToken(r, c.Token)
		}

		res, err := client.Do(r)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(fmt.Errorf("could not perform request: %w", err))
			}
			return fmt.Errorf("could not perform request: %w", err)
		}
		defer res.Body.Close()

		buf, err := io.ReadAll(res.Body)
		if err != nil {
			return fmt.Errorf("could not read response: %w", err)
		}

		if res.StatusCode != http.StatusOK {
			serr := &StatusError{Code: res.StatusCode, Description: http.StatusText(res.StatusCode)}
			_ = json.Unmarshal(buf, serr)
			if serr.Code == 0 {
				serr.Code = res.StatusCode
			}
			if res.StatusCode < http.StatusInternalServerError {
				return backoff.Permanent(serr)
			}
			return serr
		}

		body = buf
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, err
	}

	return body, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, v interface{}) error {
	body, err := c.get(ctx, path, query)
	if err != nil {
		return err
	}
	if err = json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("could not parse response: %w", err)
	}
	return nil
}

// Info returns the info of the device with udid
func (c *Client) Info(ctx context.Context, udid string) (*device.Info, error) {
	info := new(device.Info)
	if err := c.getJSON(ctx, "/v1/devices/"+url.PathEscape(udid), nil, info); err != nil {
		return nil, fmt.Errorf("could not get device info: %w", err)
	}
	return info, nil
}

func appsQuery(typ device.AppType, icons bool) url.Values {
	q := make(url.Values)
	if typ != "" {
		q.Set("type", string(typ))
	}
	if !icons {
		q.Set("icons", strconv.FormatBool(icons))
	}
	return q
}

// Apps returns the apps of type typ installed on the device with udid
func (c *Client) Apps(ctx context.Context, udid string, typ device.AppType, icons bool) (inventory.Directory[icon.PNG], error) {
	dir := make(inventory.Directory[icon.PNG])
	if err := c.getJSON(ctx, "/v1/devices/"+url.PathEscape(udid)+"/apps", appsQuery(typ, icons), &dir); err != nil {
		return nil, fmt.Errorf("could not list apps: %w", err)
	}
	return dir, nil
}

// SerialApps returns the apps of type typ installed on the device with serial
func (c *Client) SerialApps(ctx context.Context, serial string, typ device.AppType, icons bool) (inventory.Directory[icon.PNG], error) {
	dir := make(inventory.Directory[icon.PNG])
	if err := c.getJSON(ctx, "/v1/serials/"+url.PathEscape(serial)+"/apps", appsQuery(typ, icons), &dir); err != nil {
		return nil, fmt.Errorf("could not list apps: %w", err)
	}
	return dir, nil
}

// Catalog returns the catalog of the device with udid, filtered by query if it's not empty
func (c *Client) Catalog(ctx context.Context, udid, query string) (*inventory.Catalog, error) {
	var q url.Values
	if query != "" {
		q = url.Values{"q": {query}}
	}

	cat := new(inventory.Catalog)
	if err := c.getJSON(ctx, "/v1/devices/"+url.PathEscape(udid)+"/catalog", q, cat); err != nil {
		return nil, fmt.Errorf("could not get catalog: %w", err)
	}
	return cat, nil
}

// Icon returns the PNG icon of bundleID on the device with udid. If the app has no icon, the returned error will be a *StatusError with Code 404
func (c *Client) Icon(ctx context.Context, udid, bundleID string) (icon.PNG, error) {
	body, err := c.get(ctx, "/v1/devices/"+url.PathEscape(udid)+"/apps/"+url.PathEscape(bundleID)+"/icon", nil)
	if err != nil {
		return nil, fmt.Errorf("could not get icon: %w", err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("could not get icon: %w", errors.New("empty response"))
	}
	return icon.PNG(body), nil
}
