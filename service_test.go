package inventory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/color"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/korylprince/ios-app-inventory/device"
	"github.com/korylprince/ios-app-inventory/device/devicetest"
	"github.com/korylprince/ios-app-inventory/device/session"
	"github.com/korylprince/ios-app-inventory/device/usbmux"
	"github.com/korylprince/ios-app-inventory/icon"
	"github.com/korylprince/ios-app-inventory/resolver"
	"github.com/korylprince/ios-app-inventory/tokenstore/mem"
)

func testDevices() map[string]*devicetest.Device {
	d := devicetest.New("udid-1")
	d.Installed = []device.App{
		devicetest.App("com.example.notes", "Notes", "2.1", "210"),
		{BundleID: "com.apple.FieldTest", DisplayName: "Field Test", ShortVersion: "1.0", Type: "System", Tags: []string{"hidden"}},
		{BundleID: "com.example.dev", DisplayName: "Dev", ShortVersion: "0.1", Type: "User", Entitlements: map[string]interface{}{"get-task-allow": true}},
	}
	d.Icons["com.example.notes"] = devicetest.PNG(8, 8, color.White)
	return map[string]*devicetest.Device{"udid-1": d}
}

func testConnector(devices map[string]*devicetest.Device) Connector {
	return func(ctx context.Context, udid string) (Device, error) {
		d, ok := devices[udid]
		if !ok {
			return nil, fmt.Errorf("could not find %s: %w", udid, usbmux.ErrDeviceNotFound)
		}
		return session.Open(ctx, d, nil)
	}
}

func get(t *testing.T, h http.Handler, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) int {
	t.Helper()
	var resp struct {
		Code        int    `json:"code"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("could not decode error body: %v", err)
	}
	if resp.Description != http.StatusText(resp.Code) {
		t.Errorf("description = %q, want %q", resp.Description, http.StatusText(resp.Code))
	}
	return resp.Code
}

func TestServiceApps(t *testing.T) {
	s := New(testConnector(testDevices()), nil, nil, nil, nil)
	h := s.Router()

	w := get(t, h, "/v1/devices/udid-1/apps", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body)
	}
	if _, err := uuid.Parse(w.Header().Get(RequestIDHeader)); err != nil {
		t.Errorf("missing request ID: %v", err)
	}

	var dir map[string]struct {
		Name    string  `json:"name"`
		Version string  `json:"version"`
		Build   string  `json:"build"`
		Icon    *[]byte `json:"icon"`
	}
	if err := json.NewDecoder(w.Body).Decode(&dir); err != nil {
		t.Fatalf("could not decode body: %v", err)
	}
	if len(dir) != 3 {
		t.Errorf("returned %d apps, want 3", len(dir))
	}
	if notes := dir["com.example.notes"]; notes.Name != "Notes" || notes.Icon == nil {
		t.Errorf("notes = %+v", notes)
	}
	if dir["com.example.dev"].Icon != nil {
		t.Error("missing icon should be null")
	}

	w = get(t, h, "/v1/devices/udid-1/apps?type=system&icons=false", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	dir = nil
	if err := json.NewDecoder(w.Body).Decode(&dir); err != nil {
		t.Fatal(err)
	}
	if len(dir) != 1 || dir["com.apple.FieldTest"].Icon != nil {
		t.Errorf("system apps without icons = %+v", dir)
	}
}

func TestServiceErrors(t *testing.T) {
	s := New(testConnector(testDevices()), nil, nil, nil, nil)
	h := s.Router()

	tests := []struct {
		path string
		code int
	}{
		{"/v1/devices/udid-1/apps?type=bogus", http.StatusBadRequest},
		{"/v1/devices/udid-1/apps?icons=maybe", http.StatusBadRequest},
		{"/v1/devices/missing/apps", http.StatusNotFound},
		{"/v1/serials/C02ABC/apps", http.StatusNotFound},
		{"/v1/unknown", http.StatusNotFound},
		{"/v1/devices/udid-1/apps/com.example.dev/icon", http.StatusNotFound},
	}
	for _, tt := range tests {
		w := get(t, h, tt.path, "")
		if w.Code != tt.code {
			t.Errorf("GET %s status = %d, want %d", tt.path, w.Code, tt.code)
			continue
		}
		if code := decodeError(t, w); code != tt.code {
			t.Errorf("GET %s body code = %d, want %d", tt.path, code, tt.code)
		}
	}
}

func TestStatusFor(t *testing.T) {
	serr := &device.ServiceError{Service: "springboardservices", Code: "InvalidService"}
	tests := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("could not open: %w", usbmux.ErrDeviceNotFound), http.StatusNotFound},
		{resolver.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("could not list: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{fmt.Errorf("could not start: %w: %w", device.ErrUnavailable, serr), http.StatusServiceUnavailable},
		{serr, http.StatusBadGateway},
		{fmt.Errorf("unexpected"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if code := statusFor(tt.err); code != tt.code {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, code, tt.code)
		}
	}
}

func TestServiceBrowseError(t *testing.T) {
	devices := testDevices()
	devices["udid-1"].BrowseError = "InstallProxyBusy"
	h := New(testConnector(devices), nil, nil, nil, nil).Router()

	if w := get(t, h, "/v1/devices/udid-1/apps", ""); w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadGateway)
	}
}

func TestServiceInfoCatalogIcon(t *testing.T) {
	h := New(testConnector(testDevices()), nil, nil, nil, nil).Router()

	w := get(t, h, "/v1/devices/udid-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("info status = %d", w.Code)
	}
	var info device.Info
	if err := json.NewDecoder(w.Body).Decode(&info); err != nil {
		t.Fatal(err)
	}
	if info.UDID != "udid-1" || info.Name != "Test iPhone" {
		t.Errorf("info = %+v", info)
	}

	w = get(t, h, "/v1/devices/udid-1/catalog", "")
	if w.Code != http.StatusOK {
		t.Fatalf("catalog status = %d", w.Code)
	}
	var c Catalog
	if err := json.NewDecoder(w.Body).Decode(&c); err != nil {
		t.Fatal(err)
	}
	if len(c.Debuggable) != 1 || len(c.Launchable) != 1 || len(c.System) != 1 {
		t.Errorf("catalog = %+v", c)
	}

	w = get(t, h, "/v1/devices/udid-1/catalog?q=field", "")
	c = Catalog{}
	if err := json.NewDecoder(w.Body).Decode(&c); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 1 || c.System["com.apple.FieldTest"] == "" {
		t.Errorf("filtered catalog = %+v", c)
	}

	w = get(t, h, "/v1/devices/udid-1/apps/com.example.notes/icon", "")
	if w.Code != http.StatusOK {
		t.Fatalf("icon status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q, want image/png", ct)
	}
	if _, err := (icon.ImageDecoder{}).Decode(w.Body.Bytes()); err != nil {
		t.Errorf("icon body is not an image: %v", err)
	}
}

func TestServiceSerial(t *testing.T) {
	s := New(testConnector(testDevices()), nil, resolver.Static{"C02ABC": "udid-1"}, nil, nil)
	h := s.Router()

	if w := get(t, h, "/v1/serials/C02ABC/apps?icons=false", ""); w.Code != http.StatusOK {
		t.Errorf("known serial status = %d, want 200", w.Code)
	}
	if w := get(t, h, "/v1/serials/OTHER/apps", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown serial status = %d, want 404", w.Code)
	}
}

func TestServiceAuth(t *testing.T) {
	ts := mem.New(10, time.Minute)
	defer ts.Close()

	s := New(testConnector(testDevices()), ts, resolver.Static{"C02ABC": "udid-1"}, nil, nil)
	h := s.Router()

	allowed, err := ts.New("allowed", []string{"udid-1"})
	if err != nil {
		t.Fatal(err)
	}
	other, err := ts.New("other", []string{"udid-2"})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		path  string
		token string
		code  int
	}{
		{"no token", "/v1/devices/udid-1/apps?icons=false", "", http.StatusUnauthorized},
		{"bad token", "/v1/devices/udid-1/apps?icons=false", "bogus", http.StatusUnauthorized},
		{"other device", "/v1/devices/udid-1/apps?icons=false", other, http.StatusForbidden},
		{"other device by serial", "/v1/serials/C02ABC/apps?icons=false", other, http.StatusForbidden},
		{"allowed", "/v1/devices/udid-1/apps?icons=false", allowed, http.StatusOK},
		{"allowed by serial", "/v1/serials/C02ABC/apps?icons=false", allowed, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := get(t, h, tt.path, tt.token); w.Code != tt.code {
				t.Errorf("status = %d, want %d", w.Code, tt.code)
			}
		})
	}
}

// trackingDevice records how many sessions to the same device are open at once
type trackingDevice struct {
	Device
	active *int32
	peak   *int32
	mu     *sync.Mutex
}

func (d *trackingDevice) Apps(ctx context.Context, typ device.AppType) ([]device.App, error) {
	n := atomic.AddInt32(d.active, 1)
	d.mu.Lock()
	if n > *d.peak {
		*d.peak = n
	}
	d.mu.Unlock()
	time.Sleep(10 * time.Millisecond)
	atomic.AddInt32(d.active, -1)
	return d.Device.Apps(ctx, typ)
}

func TestServiceSerializesDevice(t *testing.T) {
	var (
		active, peak int32
		mu           sync.Mutex
	)
	devices := testDevices()
	connect := testConnector(devices)
	s := New(func(ctx context.Context, udid string) (Device, error) {
		d, err := connect(ctx, udid)
		if err != nil {
			return nil, err
		}
		return &trackingDevice{Device: d, active: &active, peak: &peak, mu: &mu}, nil
	}, nil, nil, nil, nil)
	h := s.Router()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if w := get(t, h, "/v1/devices/udid-1/apps?icons=false", ""); w.Code != http.StatusOK {
				t.Errorf("status = %d", w.Code)
			}
		}()
	}
	wg.Wait()

	if peak != 1 {
		t.Errorf("peak concurrent sessions = %d, want 1", peak)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.locks) != 0 {
		t.Errorf("%d device locks leaked", len(s.locks))
	}
}

func TestRequestIDKept(t *testing.T) {
	h := New(testConnector(testDevices()), nil, nil, nil, nil).Router()
	id := uuid.NewString()

	r := httptest.NewRequest(http.MethodGet, "/v1/unknown", nil)
	r.Header.Set(RequestIDHeader, id)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if got := w.Header().Get(RequestIDHeader); got != id {
		t.Errorf("%s = %q, want %q", RequestIDHeader, got, id)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte(`"code":404`)) {
		t.Errorf("body = %s", w.Body)
	}
}
