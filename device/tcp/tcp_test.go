package tcp

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/korylprince/ios-app-inventory/device"
	"howett.net/plist"
)

func TestNew(t *testing.T) {
	rec := &device.PairRecord{HostID: "HOST", UDID: "udid-1"}
	if _, err := New("", rec); err == nil {
		t.Error("New() should reject an empty host")
	}
	if _, err := New("10.0.0.5", nil); err == nil {
		t.Error("New() should reject a nil record")
	}
	if _, err := New("10.0.0.5", &device.PairRecord{HostID: "HOST"}); err == nil {
		t.Error("New() should reject a record without a UDID")
	}

	p, err := New("10.0.0.5", rec)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if p.UDID() != "udid-1" {
		t.Errorf("UDID() = %q", p.UDID())
	}
	if got, _ := p.PairRecord(context.Background()); got != rec {
		t.Error("PairRecord() should return the record New was given")
	}
}

func TestNewFromFile(t *testing.T) {
	data, err := plist.Marshal(&device.PairRecord{
		HostID:          "HOST",
		UDID:            "udid-1",
		HostCertificate: []byte("cert"),
		HostPrivateKey:  []byte("key"),
	}, plist.XMLFormat)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "pair.plist")
	if err = os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}

	p, err := NewFromFile("10.0.0.5", path)
	if err != nil {
		t.Fatalf("NewFromFile() error = %v", err)
	}
	if p.UDID() != "udid-1" {
		t.Errorf("UDID() = %q", p.UDID())
	}

	if _, err = NewFromFile("10.0.0.5", filepath.Join(t.TempDir(), "missing.plist")); err == nil {
		t.Error("NewFromFile() should fail for a missing file")
	}
}

func TestConnect(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		io.Copy(conn, conn)
	}()

	p, err := New("127.0.0.1", &device.PairRecord{HostID: "HOST", UDID: "udid-1"})
	if err != nil {
		t.Fatal(err)
	}

	port := uint16(l.Addr().(*net.TCPAddr).Port)
	conn, err := p.Connect(context.Background(), port)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer conn.Close()

	if _, err = conn.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	if _, err = io.ReadFull(conn, buf); err != nil || string(buf) != "ping" {
		t.Errorf("echo = %q, %v", buf, err)
	}

	l.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err = p.Connect(ctx, port); err == nil {
		t.Error("Connect() should fail with a canceled context")
	}
}
