package inventory

import (
	"context"
	"errors"
	"image/color"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/korylprince/ios-app-inventory/device"
	"github.com/korylprince/ios-app-inventory/device/devicetest"
	"github.com/korylprince/ios-app-inventory/device/session"
	"github.com/korylprince/ios-app-inventory/icon"
	"github.com/korylprince/ios-app-inventory/iconstore/mem"
)

type fakeSource struct {
	apps      []device.App
	appsErr   error
	icons     map[string][]byte
	iconErr   map[string]error
	iconCalls int
	gotType   device.AppType
}

func (f *fakeSource) Apps(ctx context.Context, typ device.AppType) ([]device.App, error) {
	f.gotType = typ
	if f.appsErr != nil {
		return nil, f.appsErr
	}
	return f.apps, nil
}

func (f *fakeSource) IconPNG(ctx context.Context, bundleID string) ([]byte, error) {
	f.iconCalls++
	if err := f.iconErr[bundleID]; err != nil {
		return nil, err
	}
	return f.icons[bundleID], nil
}

func TestListInstalledAppsWithIcons(t *testing.T) {
	png := devicetest.PNG(8, 8, color.White)
	src := &fakeSource{
		apps: []device.App{
			devicetest.App("com.example.notes", "Notes", "2.1", "210"),
			devicetest.App("com.example.broken", "Broken", "1.0", "1"),
			devicetest.App("com.example.plain", "Plain", "3.0", "30"),
		},
		icons: map[string][]byte{
			"com.example.notes":  png,
			"com.example.broken": []byte("not an image"),
		},
	}

	dir, err := ListInstalledAppsWithIcons(context.Background(), src)
	if err != nil {
		t.Fatalf("ListInstalledAppsWithIcons() error = %v", err)
	}
	if len(dir) != 3 {
		t.Fatalf("returned %d apps, want 3", len(dir))
	}
	if src.gotType != device.AppTypeAny {
		t.Errorf("listed type %q, want %q", src.gotType, device.AppTypeAny)
	}

	notes := dir["com.example.notes"]
	if notes.Name != "Notes" || notes.Version != "2.1" || notes.Build != "210" {
		t.Errorf("notes = %+v", notes)
	}
	if notes.Icon == nil || len(*notes.Icon) == 0 {
		t.Error("notes icon should be present")
	}

	if dir["com.example.broken"].Icon != nil {
		t.Error("undecodable icon should be nil")
	}
	if dir["com.example.plain"].Icon != nil {
		t.Error("missing icon should be nil")
	}

	for id, r := range dir {
		if id == "" || r.Name == "" || r.Version == "" || r.Build == "" {
			t.Errorf("incomplete record %q: %+v", id, r)
		}
	}
}

func TestListFallbacks(t *testing.T) {
	src := &fakeSource{apps: []device.App{
		{BundleID: "com.example.display", DisplayName: "Display", BundleName: "Bundle", ShortVersion: "1.0", BundleVersion: "100"},
		{BundleID: "com.example.bundle", BundleName: "Bundle", ShortVersion: "1.0", BundleVersion: "100"},
		{BundleID: "com.example.exec", Executable: "Exec", ShortVersion: "1.0"},
		{BundleID: "com.example.id", BundleVersion: "42"},
		{BundleID: "com.example.blank", DisplayName: " Blank ", ShortVersion: "  ", BundleVersion: " 7 "},
	}}

	dir, err := NewLister[icon.PNG](icon.PNGDecoder{}, WithoutIcons()).ListInstalledAppsWithIcons(context.Background(), src)
	if err != nil {
		t.Fatalf("ListInstalledAppsWithIcons() error = %v", err)
	}

	want := map[string]Record[icon.PNG]{
		"com.example.display": {Name: "Display", Version: "1.0", Build: "100"},
		"com.example.bundle":  {Name: "Bundle", Version: "1.0", Build: "100"},
		"com.example.exec":    {Name: "Exec", Version: "1.0", Build: "1.0"},
		"com.example.id":      {Name: "com.example.id", Version: "42", Build: "42"},
		"com.example.blank":   {Name: "Blank", Version: "7", Build: "7"},
	}
	for id, w := range want {
		got, ok := dir[id]
		if !ok {
			t.Errorf("missing %s", id)
			continue
		}
		if got.Name != w.Name || got.Version != w.Version || got.Build != w.Build || got.Icon != nil {
			t.Errorf("%s = %+v, want %+v", id, got, w)
		}
	}
	if src.iconCalls != 0 {
		t.Errorf("WithoutIcons loaded %d icons", src.iconCalls)
	}
}

func TestListIncompleteMetadata(t *testing.T) {
	apps := []device.App{
		devicetest.App("com.example.good", "Good", "1.0", "1"),
		{BundleID: "com.example.noversion", DisplayName: "No Version", ShortVersion: " ", BundleVersion: "\t"},
		{DisplayName: "No ID", ShortVersion: "1.0", Path: "/private/var/containers/Bundle/Application/X/NoID.app"},
	}

	dir, err := NewLister[icon.PNG](icon.PNGDecoder{}, WithoutIcons()).ListInstalledAppsWithIcons(context.Background(), &fakeSource{apps: apps})
	if err != nil {
		t.Fatalf("ListInstalledAppsWithIcons() error = %v", err)
	}
	if len(dir) != 1 {
		t.Errorf("returned %d apps, want only the complete one", len(dir))
	}

	dir, err = NewLister[icon.PNG](icon.PNGDecoder{}, WithoutIcons(), Strict()).ListInstalledAppsWithIcons(context.Background(), &fakeSource{apps: apps})
	if dir != nil {
		t.Error("strict listing with incomplete metadata should return nil directory")
	}
	var merr *MetadataError
	if !errors.As(err, &merr) {
		t.Fatalf("error = %v, want *MetadataError", err)
	}
	if !errors.Is(err, ErrIncompleteMetadata) {
		t.Error("MetadataError should unwrap to ErrIncompleteMetadata")
	}
	if len(merr.Apps) != 2 || merr.Apps[0] != "com.example.noversion" || !strings.HasSuffix(merr.Apps[1], "NoID.app") {
		t.Errorf("MetadataError.Apps = %v", merr.Apps)
	}
}

func TestListDuplicates(t *testing.T) {
	src := &fakeSource{apps: []device.App{
		devicetest.App("com.example.a", "First", "1.0", "1"),
		devicetest.App("com.example.a", "Second", "2.0", "2"),
	}}

	dir, err := NewLister[icon.PNG](icon.PNGDecoder{}, WithoutIcons()).ListInstalledAppsWithIcons(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	if len(dir) != 1 || dir["com.example.a"].Name != "First" {
		t.Errorf("dir = %+v, want first occurrence only", dir)
	}
}

func TestListInvalidHandle(t *testing.T) {
	dir, err := ListInstalledAppsWithIcons(context.Background(), nil)
	if dir != nil || !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("nil source = (%v, %v), want (nil, ErrInvalidHandle)", dir, err)
	}

	var h *session.Handle
	dir, err = ListInstalledAppsWithIcons(context.Background(), h)
	if dir != nil || !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("nil *session.Handle = (%v, %v), want (nil, ErrInvalidHandle)", dir, err)
	}
}

func TestListAppsError(t *testing.T) {
	src := &fakeSource{appsErr: &device.ServiceError{Service: "installation_proxy", Code: "InstallProxyBusy"}}
	dir, err := ListInstalledAppsWithIcons(context.Background(), src)
	if dir != nil || err == nil || err.Error() == "" {
		t.Fatalf("= (%v, %v), want (nil, error)", dir, err)
	}
	var serr *device.ServiceError
	if !errors.As(err, &serr) {
		t.Errorf("error = %v, want wrapped *device.ServiceError", err)
	}
}

func TestListClosedDuringIcons(t *testing.T) {
	src := &fakeSource{
		apps:    []device.App{devicetest.App("com.example.a", "A", "1", "1")},
		iconErr: map[string]error{"com.example.a": device.ErrClosed},
	}
	dir, err := ListInstalledAppsWithIcons(context.Background(), src)
	if dir != nil || !errors.Is(err, device.ErrClosed) {
		t.Errorf("= (%v, %v), want (nil, ErrClosed)", dir, err)
	}
}

func TestListIconTransportError(t *testing.T) {
	src := &fakeSource{
		apps: []device.App{
			devicetest.App("com.example.a", "A", "1", "1"),
			devicetest.App("com.example.b", "B", "1", "1"),
		},
		iconErr: map[string]error{"com.example.a": io.ErrUnexpectedEOF},
	}
	dir, err := ListInstalledAppsWithIcons(context.Background(), src)
	if dir != nil || !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("= (%v, %v), want (nil, io.ErrUnexpectedEOF)", dir, err)
	}
	if src.iconCalls != 1 {
		t.Errorf("icon loads = %d, want 1", src.iconCalls)
	}
}

func TestListIconServiceError(t *testing.T) {
	src := &fakeSource{
		apps:    []device.App{devicetest.App("com.example.a", "A", "1", "1")},
		iconErr: map[string]error{"com.example.a": &device.ServiceError{Service: "springboardservices", Code: "InvalidBundle"}},
	}
	dir, err := ListInstalledAppsWithIcons(context.Background(), src)
	if err != nil {
		t.Fatalf("error = %v", err)
	}
	if r, ok := dir["com.example.a"]; !ok || r.Icon != nil {
		t.Errorf("dir = %+v, want app with nil icon", dir)
	}
}

func TestListCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := &fakeSource{apps: []device.App{
		devicetest.App("com.example.a", "A", "1", "1"),
		devicetest.App("com.example.b", "B", "1", "1"),
	}}
	lister := NewLister[int](icon.DecoderFunc[int](func(data []byte) (int, error) {
		cancel()
		return len(data), nil
	}))
	src.icons = map[string][]byte{"com.example.a": {1}, "com.example.b": {2}}

	dir, err := lister.ListInstalledAppsWithIcons(ctx, &cancelingSource{fakeSource: src, ctx: ctx})
	if dir != nil || !errors.Is(err, context.Canceled) {
		t.Errorf("= (%v, %v), want (nil, context.Canceled)", dir, err)
	}
}

// cancelingSource fails icon loads once ctx is done
type cancelingSource struct {
	*fakeSource
	ctx context.Context
}

func (c *cancelingSource) IconPNG(ctx context.Context, bundleID string) ([]byte, error) {
	if err := c.ctx.Err(); err != nil {
		return nil, err
	}
	return c.fakeSource.IconPNG(ctx, bundleID)
}

func TestListCustomDecoder(t *testing.T) {
	src := &fakeSource{
		apps:  []device.App{devicetest.App("com.example.a", "A", "1", "1")},
		icons: map[string][]byte{"com.example.a": []byte("four")},
	}
	dir, err := NewLister[int](icon.DecoderFunc[int](func(data []byte) (int, error) {
		return len(data), nil
	})).ListInstalledAppsWithIcons(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	if ic := dir["com.example.a"].Icon; ic == nil || *ic != 4 {
		t.Errorf("Icon = %v, want 4", ic)
	}
}

func TestListWithFetcher(t *testing.T) {
	store := mem.New(10, 0)
	defer store.Close()

	src := &fakeSource{
		apps:  []device.App{devicetest.App("com.example.a", "A", "1", "1")},
		icons: map[string][]byte{"com.example.a": devicetest.PNG(2, 2, color.Black)},
	}
	lister := NewLister[icon.PNG](icon.PNGDecoder{}, WithFetcher(icon.NewFetcher(nil, store)))

	for i := 0; i < 2; i++ {
		dir, err := lister.ListInstalledAppsWithIcons(context.Background(), src)
		if err != nil {
			t.Fatal(err)
		}
		if dir["com.example.a"].Icon == nil {
			t.Error("icon should be present")
		}
	}
	if src.iconCalls != 1 {
		t.Errorf("device icon loads = %d, want 1", src.iconCalls)
	}
}

func TestListFreshDirectory(t *testing.T) {
	src := &fakeSource{apps: []device.App{devicetest.App("com.example.a", "A", "1", "1")}}
	lister := NewLister[icon.PNG](icon.PNGDecoder{}, WithoutIcons())

	first, err := lister.ListInstalledAppsWithIcons(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	delete(first, "com.example.a")

	second, err := lister.ListInstalledAppsWithIcons(context.Background(), src)
	if err != nil {
		t.Fatal(err)
	}
	if len(second) != 1 {
		t.Error("mutating a returned directory affected a later call")
	}
}

func TestListDevice(t *testing.T) {
	d := devicetest.New("udid-1")
	d.SessionSSL = true
	d.ServiceSSL = true
	d.Installed = []device.App{
		devicetest.App("com.example.notes", "Notes", "2.1", "210"),
		devicetest.App("com.example.maps", "Maps", "5.0", "500"),
		devicetest.App("com.example.mail", "Mail", "1.2", "12"),
	}
	d.Icons["com.example.notes"] = devicetest.PNG(16, 16, color.White)
	d.Icons["com.example.maps"] = []byte("garbage")

	h, err := session.Open(context.Background(), d, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	first, err := ListInstalledAppsWithIcons(context.Background(), h)
	if err != nil {
		t.Fatalf("first listing error = %v", err)
	}
	second, err := ListInstalledAppsWithIcons(context.Background(), h)
	if err != nil {
		t.Fatalf("second listing error = %v", err)
	}

	if len(first) != 3 {
		t.Errorf("returned %d apps, want 3", len(first))
	}
	if !first.Equal(second) {
		t.Errorf("listings of an unchanged device differ: %+v", Diff(first, second))
	}
	if first["com.example.notes"].Icon == nil {
		t.Error("notes icon should be present")
	}
	if first["com.example.maps"].Icon != nil || first["com.example.mail"].Icon != nil {
		t.Error("bad and missing icons should be nil")
	}

	if err = h.Close(); err != nil {
		t.Fatal(err)
	}
	d.Wait()

	dir, err := ListInstalledAppsWithIcons(context.Background(), h)
	if dir != nil || !errors.Is(err, device.ErrClosed) || err.Error() == "" {
		t.Errorf("closed handle = (%v, %v), want (nil, ErrClosed)", dir, err)
	}
}

func TestListDeviceDisconnected(t *testing.T) {
	d := devicetest.New("udid-1")
	d.Installed = []device.App{
		devicetest.App("com.example.notes", "Notes", "2.1", "210"),
		devicetest.App("com.example.maps", "Maps", "5.0", "500"),
		devicetest.App("com.example.mail", "Mail", "1.2", "12"),
	}

	h, err := session.Open(context.Background(), d, &session.Options{ConnectTimeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer func() {
		h.Close()
		d.Wait()
	}()

	if _, err = h.Apps(context.Background(), device.AppTypeAny); err != nil {
		t.Fatal(err)
	}
	d.ConnectErr = errors.New("connection refused")

	dir, err := ListInstalledAppsWithIcons(context.Background(), h)
	if dir != nil || !errors.Is(err, device.ErrUnavailable) {
		t.Errorf("= (%v, %v), want (nil, ErrUnavailable)", dir, err)
	}
}
