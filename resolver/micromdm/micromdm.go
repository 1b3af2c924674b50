package micromdm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	lru "github.com/hashicorp/golang-lru"
	"github.com/korylprince/ios-app-inventory/resolver"
)

// Resolver implements the Resolver interface with a MicroMDM server. The interface has a configurable cache for serial-to-UDID lookups
type Resolver struct {
	// URLPrefix is the prefix for MDM without the trailing slash, e.g. https://mdm.example.com
	URLPrefix string
	Token     string
	// Client is used for requests. If nil, http.DefaultClient is used
	Client *http.Client
	cache  *lru.TwoQueueCache
}

// New returns new Resolver with the given parameters. size is the size (number of items) of the cache.
func New(prefix, token string, size int) (*Resolver, error) {
	cache, err := lru.New2Q(size)
	if err != nil {
		return nil, fmt.Errorf("could not create cache: %w", err)
	}

	return &Resolver{URLPrefix: prefix, Token: token, cache: cache}, nil
}

// Device is a device enrolled in MicroMDM
type Device struct {
	SerialNumber string `json:"serial_number"`
	UDID         string `json:"udid"`
}

// devices returns the enrolled devices with the given serials
func (m *Resolver) devices(ctx context.Context, serials []string) ([]Device, error) {
	body, err := json.Marshal(map[string]interface{}{"filter_serial": serials})
	if err != nil {
		return nil, fmt.Errorf("could not encode filter: %w", err)
	}

	r, err := http.NewRequestWithContext(ctx, http.MethodPost, m.URLPrefix+"/v1/devices", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}
	r.Header.Set("Content-Type", "application/json")
	r.SetBasicAuth("micromdm", m.Token)

	client := m.Client
	if client == nil {
		client = http.DefaultClient
	}

	res, err := client.Do(r)
	if err != nil {
		return nil, fmt.Errorf("could not complete request: %w", err)
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("MicroMDM rejected credentials: %s", res.Status)
	}

	var resp struct {
		Devices []Device `json:"devices"`
		Error   string   `json:"error"`
	}
	if err = json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("could not parse response (%s): %w", res.Status, err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("MicroMDM returned error: %s", resp.Error)
	}

	return resp.Devices, nil
}

// Lookup resolves serials with at most one request, returning the UDIDs of the serials that were found.
// Results are cached
func (m *Resolver) Lookup(ctx context.Context, serials ...string) (map[string]string, error) {
	udids := make(map[string]string, len(serials))
	var missing []string
	for _, s := range serials {
		if s == "" {
			continue
		}
		if udid, ok := m.cache.Get(s); ok {
			udids[s] = udid.(string)
			continue
		}
		missing = append(missing, s)
	}
	if len(missing) == 0 {
		return udids, nil
	}

	devices, err := m.devices(ctx, missing)
	if err != nil {
		return nil, fmt.Errorf("could not query devices: %w", err)
	}

	for _, d := range devices {
		serial := d.SerialNumber
		// older servers don't echo the serial; a single filter is unambiguous
		if serial == "" && len(missing) == 1 && len(devices) == 1 {
			serial = missing[0]
		}
		if serial == "" || d.UDID == "" {
			continue
		}
		m.cache.Add(serial, d.UDID)
		udids[serial] = d.UDID
	}

	return udids, nil
}

// UDID returns the UDID for the given serial. If the serial is not found, the returned error will be resolver.ErrNotFound.
func (m *Resolver) UDID(ctx context.Context, serial string) (string, error) {
	if serial == "" {
		return "", errors.New("could not query devices: empty serial")
	}

	udids, err := m.Lookup(ctx, serial)
	if err != nil {
		return "", err
	}

	udid, ok := udids[serial]
	if !ok {
		return "", resolver.ErrNotFound
	}
	return udid, nil
}
