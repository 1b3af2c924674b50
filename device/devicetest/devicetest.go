// Package devicetest provides an in-process fake device that speaks lockdown, installation_proxy, and springboardservices over net.Pipe
package devicetest

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"image"
	"image/color"
	"image/png"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/korylprince/ios-app-inventory/device"
	"github.com/korylprince/ios-app-inventory/device/plistio"
)

const (
	lockdownType    = "com.apple.mobile.lockdown"
	instproxyName   = "com.apple.mobile.installation_proxy"
	springboardName = "com.apple.springboardservices"

	instproxyPort   uint16 = 49152
	springboardPort uint16 = 49153
)

// Device is a fake device. Exported fields may be changed between calls but not during one
type Device struct {
	ID     string
	Record *device.PairRecord
	// Installed is returned by Browse, filtered by ApplicationType
	Installed []device.App
	// Icons maps bundle IDs to PNG data. Missing entries return empty data
	Icons map[string][]byte
	// IconErrors maps bundle IDs to a springboard error code
	IconErrors map[string]string
	// Values are returned by lockdown GetValue
	Values map[string]string
	// PageSize is the number of apps per Browse message. Defaults to 2
	PageSize int
	// BrowseError is returned as an installation_proxy error when set
	BrowseError string
	// ConnectErr is returned by Connect when set
	ConnectErr error
	// SessionSSL upgrades the lockdown connection to TLS after StartSession
	SessionSSL bool
	// ServiceSSL requires TLS on installation_proxy and springboardservices connections
	ServiceSSL bool

	cert     tls.Certificate
	mu       sync.Mutex
	connects map[uint16]int
	browses  int
	wg       sync.WaitGroup
}

// New returns a fake device with udid and a freshly generated pair record
func New(udid string) *Device {
	hostCert, hostKey := keyPair("host")
	devCert, devKey := keyPair(udid)
	cert, err := tls.X509KeyPair(devCert, devKey)
	if err != nil {
		panic(err)
	}

	return &Device{
		ID: udid,
		Record: &device.PairRecord{
			HostID:            "00000000-0000-0000-0000-000000000001",
			SystemBUID:        "00000000-0000-0000-0000-000000000002",
			UDID:              udid,
			HostCertificate:   hostCert,
			HostPrivateKey:    hostKey,
			DeviceCertificate: devCert,
		},
		Icons:      make(map[string][]byte),
		IconErrors: make(map[string]string),
		Values: map[string]string{
			"DeviceName":     "Test iPhone",
			"ProductType":    "iPhone14,2",
			"ProductVersion": "17.4",
		},
		cert:     cert,
		connects: make(map[uint16]int),
	}
}

// keyPair returns a PEM encoded self-signed certificate and key for cn
func keyPair(cn string) (certPEM, keyPEM []byte) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		panic(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		panic(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		panic(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
}

// tlsConfig requires the host to present the pair record's certificate
func (d *Device) tlsConfig() *tls.Config {
	var host []byte
	if d.Record != nil {
		if b, _ := pem.Decode(d.Record.HostCertificate); b != nil {
			host = b.Bytes
		}
	}

	return &tls.Config{
		Certificates:           []tls.Certificate{d.cert},
		ClientAuth:             tls.RequireAnyClientCert,
		MinVersion:             tls.VersionTLS12,
		MaxVersion:             tls.VersionTLS12,
		SessionTicketsDisabled: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 || !bytes.Equal(rawCerts[0], host) {
				return errors.New("host certificate doesn't match pair record")
			}
			return nil
		},
	}
}

// UDID implements device.Provider
func (d *Device) UDID() string {
	return d.ID
}

// PairRecord implements device.Provider
func (d *Device) PairRecord(ctx context.Context) (*device.PairRecord, error) {
	if d.Record == nil {
		return nil, errors.New("no pair record")
	}
	return d.Record, nil
}

// Connect implements device.Provider
func (d *Device) Connect(ctx context.Context, port uint16) (net.Conn, error) {
	if d.ConnectErr != nil {
		return nil, d.ConnectErr
	}

	var serve func(*plistio.Conn)
	switch port {
	case device.LockdownPort:
		serve = d.serveLockdown
	case instproxyPort:
		serve = d.serveInstproxy
	case springboardPort:
		serve = d.serveSpringboard
	default:
		return nil, errors.New("connection refused")
	}

	d.mu.Lock()
	d.connects[port]++
	d.mu.Unlock()

	client, server := net.Pipe()
	conn := net.Conn(server)
	if port != device.LockdownPort && d.ServiceSSL {
		conn = tls.Server(server, d.tlsConfig())
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer server.Close()
		serve(plistio.New(conn))
	}()
	return client, nil
}

// Connects returns how many connections were made to port
func (d *Device) Connects(port uint16) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connects[port]
}

// Browses returns how many Browse commands were served
func (d *Device) Browses() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.browses
}

// Wait blocks until every served connection has been closed
func (d *Device) Wait() {
	d.wg.Wait()
}

func (d *Device) serveLockdown(c *plistio.Conn) {
	for {
		req := make(map[string]interface{})
		if err := c.Recv(&req); err != nil {
			return
		}

		name, _ := req["Request"].(string)
		resp := map[string]interface{}{"Request": name}
		upgrade := false

		switch name {
		case "QueryType":
			resp["Type"] = lockdownType
		case "StartSession":
			if d.Record == nil || req["HostID"] != d.Record.HostID {
				resp["Error"] = "InvalidHostID"
				break
			}
			resp["SessionID"] = "fake-session"
			resp["EnableSessionSSL"] = d.SessionSSL
			upgrade = d.SessionSSL
		case "GetValue":
			key, _ := req["Key"].(string)
			if v, ok := d.Values[key]; ok {
				resp["Value"] = v
			} else {
				resp["Error"] = "MissingValue"
			}
		case "StartService":
			switch req["Service"] {
			case instproxyName:
				resp["Port"] = int(instproxyPort)
			case springboardName:
				resp["Port"] = int(springboardPort)
			default:
				resp["Error"] = "InvalidService"
			}
			resp["EnableServiceSSL"] = d.ServiceSSL
		default:
			resp["Error"] = "InvalidRequest"
		}

		if err := c.Send(resp); err != nil {
			return
		}
		if upgrade {
			c = plistio.New(tls.Server(c.NetConn(), d.tlsConfig()))
		}
	}
}

func (d *Device) serveInstproxy(c *plistio.Conn) {
	for {
		req := make(map[string]interface{})
		if err := c.Recv(&req); err != nil {
			return
		}

		d.mu.Lock()
		d.browses++
		d.mu.Unlock()

		if req["Command"] != "Browse" {
			if c.Send(map[string]interface{}{"Error": "UnknownCommand"}) != nil {
				return
			}
			continue
		}

		if d.BrowseError != "" {
			if c.Send(map[string]interface{}{"Error": d.BrowseError, "ErrorDescription": "fake failure"}) != nil {
				return
			}
			continue
		}

		typ := "Any"
		if opts, ok := req["ClientOptions"].(map[string]interface{}); ok {
			if t, ok := opts["ApplicationType"].(string); ok {
				typ = t
			}
		}

		var apps []device.App
		for _, a := range d.Installed {
			if typ == "Any" || a.Type == typ {
				apps = append(apps, a)
			}
		}

		size := d.PageSize
		if size <= 0 {
			size = 2
		}
		for i := 0; i < len(apps); i += size {
			end := i + size
			if end > len(apps) {
				end = len(apps)
			}
			page := map[string]interface{}{
				"Status":        "BrowsingApplications",
				"CurrentIndex":  i,
				"CurrentAmount": end - i,
				"Total":         len(apps),
				"CurrentList":   apps[i:end],
			}
			if c.Send(page) != nil {
				return
			}
		}

		if c.Send(map[string]interface{}{"Status": "Complete"}) != nil {
			return
		}
	}
}

func (d *Device) serveSpringboard(c *plistio.Conn) {
	for {
		req := make(map[string]interface{})
		if err := c.Recv(&req); err != nil {
			return
		}

		id, _ := req["bundleId"].(string)
		resp := make(map[string]interface{})
		if code, ok := d.IconErrors[id]; ok {
			resp["Error"] = code
		} else {
			data := d.Icons[id]
			if data == nil {
				data = []byte{}
			}
			resp["pngData"] = data
		}

		if c.Send(resp) != nil {
			return
		}
	}
}

// PNG returns a w×h PNG filled with c
func PNG(w, h int, c color.Color) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}

	buf := new(bytes.Buffer)
	if err := png.Encode(buf, img); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// App returns a user app with the given metadata
func App(bundleID, name, version, build string) device.App {
	return device.App{
		BundleID:      bundleID,
		DisplayName:   name,
		BundleName:    name,
		ShortVersion:  version,
		BundleVersion: build,
		Type:          "User",
	}
}
