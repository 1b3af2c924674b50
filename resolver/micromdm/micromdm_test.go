package micromdm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/korylprince/ios-app-inventory/resolver"
)

// newServer serves MicroMDM device queries. If echo is false, serial numbers are left out of responses
func newServer(t *testing.T, devices map[string]string, hits *int32, echo bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)

		if r.Method != http.MethodPost || r.URL.Path != "/v1/devices" {
			http.NotFound(w, r)
			return
		}
		if user, pass, ok := r.BasicAuth(); !ok || user != "micromdm" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		var q struct {
			Serials []string `json:"filter_serial"`
		}
		if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
			return
		}

		type dev struct {
			Serial string `json:"serial_number,omitempty"`
			UDID   string `json:"udid"`
		}
		resp := struct {
			Devices []dev `json:"devices"`
		}{Devices: []dev{}}
		for _, s := range q.Serials {
			if udid, ok := devices[s]; ok {
				d := dev{UDID: udid}
				if echo {
					d.Serial = s
				}
				resp.Devices = append(resp.Devices, d)
			}
		}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestUDID(t *testing.T) {
	var hits int32
	srv := newServer(t, map[string]string{"C02ABC": "udid-1"}, &hits, false)

	r, err := New(srv.URL, "secret", 10)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	r.Client = srv.Client()

	for i := 0; i < 2; i++ {
		udid, err := r.UDID(context.Background(), "C02ABC")
		if err != nil {
			t.Fatalf("UDID() error = %v", err)
		}
		if udid != "udid-1" {
			t.Errorf("UDID() = %q, want %q", udid, "udid-1")
		}
	}

	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Errorf("server hit %d times, want 1 (cached)", n)
	}
}

func TestUDIDNotFound(t *testing.T) {
	var hits int32
	srv := newServer(t, nil, &hits, true)

	r, err := New(srv.URL, "secret", 10)
	if err != nil {
		t.Fatal(err)
	}
	if _, err = r.UDID(context.Background(), "MISSING"); !errors.Is(err, resolver.ErrNotFound) {
		t.Errorf("UDID() error = %v, want ErrNotFound", err)
	}
}

func TestUDIDUnauthorized(t *testing.T) {
	var hits int32
	srv := newServer(t, map[string]string{"C02ABC": "udid-1"}, &hits, true)

	r, err := New(srv.URL, "wrong", 10)
	if err != nil {
		t.Fatal(err)
	}
	_, err = r.UDID(context.Background(), "C02ABC")
	if err == nil || errors.Is(err, resolver.ErrNotFound) {
		t.Errorf("UDID() error = %v, want authorization error", err)
	}
}

func TestLookup(t *testing.T) {
	var hits int32
	srv := newServer(t, map[string]string{"C02ABC": "udid-1", "C02DEF": "udid-2", "C02GHI": "udid-3"}, &hits, true)

	r, err := New(srv.URL, "secret", 10)
	if err != nil {
		t.Fatal(err)
	}

	if _, err = r.UDID(context.Background(), "C02ABC"); err != nil {
		t.Fatalf("UDID() error = %v", err)
	}

	udids, err := r.Lookup(context.Background(), "C02ABC", "C02DEF", "C02GHI", "MISSING", "")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	want := map[string]string{"C02ABC": "udid-1", "C02DEF": "udid-2", "C02GHI": "udid-3"}
	if len(udids) != len(want) {
		t.Fatalf("Lookup() = %v, want %v", udids, want)
	}
	for s, u := range want {
		if udids[s] != u {
			t.Errorf("Lookup()[%s] = %q, want %q", s, udids[s], u)
		}
	}
	if n := atomic.LoadInt32(&hits); n != 2 {
		t.Errorf("server hit %d times, want 2", n)
	}

	if _, err = r.Lookup(context.Background(), "C02DEF", "C02GHI"); err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt32(&hits); n != 2 {
		t.Errorf("cached lookup hit the server: %d hits", n)
	}
}

func TestStatic(t *testing.T) {
	s := resolver.Static{"C02ABC": "udid-1"}
	if udid, err := s.UDID(context.Background(), "C02ABC"); err != nil || udid != "udid-1" {
		t.Errorf("UDID() = (%q, %v), want (udid-1, nil)", udid, err)
	}
	if _, err := s.UDID(context.Background(), "other"); !errors.Is(err, resolver.ErrNotFound) {
		t.Errorf("UDID() error = %v, want ErrNotFound", err)
	}
}
