package disk

import (
	"bytes"
	"errors"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/korylprince/ios-app-inventory/iconstore"
)

func testPNG(t *testing.T) []byte {
	t.Helper()
	buf := new(bytes.Buffer)
	if err := png.Encode(buf, image.NewGray(image.Rect(0, 0, 2, 2))); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "icons")
	s, err := New(dir)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err = s.Get("com.example.a"); !errors.Is(err, iconstore.ErrNotFound) {
		t.Fatalf("Get() on empty store error = %v, want ErrNotFound", err)
	}

	icon := testPNG(t)
	if err = s.Put("com.example.a", icon); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if _, err = os.Stat(filepath.Join(dir, "com.example.a.png")); err != nil {
		t.Errorf("icon file missing: %v", err)
	}

	data, err := s.Get("com.example.a")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !bytes.Equal(data, icon) {
		t.Error("Get() returned different data")
	}

	if err = s.Remove("com.example.a"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err = s.Get("com.example.a"); !errors.Is(err, iconstore.ErrNotFound) {
		t.Errorf("Get() after Remove error = %v, want ErrNotFound", err)
	}
	if err = s.Remove("com.example.a"); err != nil {
		t.Errorf("Remove() of missing icon error = %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("directory has %d leftover files", len(entries))
	}
}

func TestStoreRemovesCorruptIcons(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(dir, "com.example.bad.png")
	if err = os.WriteFile(path, []byte("\x89PNG\r\n\x1a\ntruncated"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err = s.Get("com.example.bad"); !errors.Is(err, iconstore.ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
	if _, err = os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("corrupt icon was not removed: %v", err)
	}
}

func TestStoreRejectsPaths(t *testing.T) {
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	for _, id := range []string{"", ".", "..", "../escape", `a\b`, "a/b"} {
		if err := s.Put(id, testPNG(t)); err == nil {
			t.Errorf("Put(%q) should return error", id)
		}
		if _, err := s.Get(id); err == nil || errors.Is(err, iconstore.ErrNotFound) {
			t.Errorf("Get(%q) error = %v, want invalid bundle identifier", id, err)
		}
	}
}

func TestNewEmptyDir(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Error("New(\"\") should return error")
	}
}
