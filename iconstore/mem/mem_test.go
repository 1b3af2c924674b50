package mem

import (
	"errors"
	"testing"
	"time"

	"github.com/korylprince/ios-app-inventory/iconstore"
)

func TestStore(t *testing.T) {
	s := New(2, time.Minute)
	defer s.Close()

	if _, err := s.Get("com.example.a"); !errors.Is(err, iconstore.ErrNotFound) {
		t.Fatalf("Get() on empty store error = %v, want ErrNotFound", err)
	}

	if err := s.Put("com.example.a", []byte("a")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	data, err := s.Get("com.example.a")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(data) != "a" {
		t.Errorf("Get() = %q, want %q", data, "a")
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
}

func TestStoreSizeLimit(t *testing.T) {
	s := New(2, 0)
	defer s.Close()

	for _, id := range []string{"a", "b", "c"} {
		if err := s.Put(id, []byte(id)); err != nil {
			t.Fatalf("Put(%s) error = %v", id, err)
		}
	}
	if s.Len() != 2 {
		t.Errorf("Len() = %d, want 2", s.Len())
	}
}

func TestStoreTTL(t *testing.T) {
	s := New(10, 10*time.Millisecond)
	defer s.Close()

	if err := s.Put("com.example.a", []byte("a")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := s.Get("com.example.a"); !errors.Is(err, iconstore.ErrNotFound) {
		t.Errorf("Get() after ttl error = %v, want ErrNotFound", err)
	}
}
