package device

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"

	"howett.net/plist"
)

// PairRecord holds the credentials created when a device trusted a host
type PairRecord struct {
	HostID            string `plist:"HostID"`
	SystemBUID        string `plist:"SystemBUID"`
	UDID              string `plist:"UDID,omitempty"`
	HostCertificate   []byte `plist:"HostCertificate"`
	HostPrivateKey    []byte `plist:"HostPrivateKey"`
	RootCertificate   []byte `plist:"RootCertificate,omitempty"`
	DeviceCertificate []byte `plist:"DeviceCertificate,omitempty"`
	WiFiMACAddress    string `plist:"WiFiMACAddress,omitempty"`
}

// ParsePairRecord parses a pair record in any plist format
func ParsePairRecord(data []byte) (*PairRecord, error) {
	rec := new(PairRecord)
	if _, err := plist.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("could not parse pair record: %w", err)
	}

	if rec.HostID == "" {
		return nil, errors.New("could not parse pair record: missing HostID")
	}
	if len(rec.HostCertificate) == 0 || len(rec.HostPrivateKey) == 0 {
		return nil, errors.New("could not parse pair record: missing host certificate or key")
	}

	return rec, nil
}

// ReadPairRecord reads and parses the pairing file at path
func ReadPairRecord(path string) (*PairRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read pairing file: %w", err)
	}
	return ParsePairRecord(data)
}

// TLSConfig returns a client configuration presenting the host certificate.
// Device certificates are self-signed by the pairing root, so the chain is not verified
func (p *PairRecord) TLSConfig() (*tls.Config, error) {
	cert, err := tls.X509KeyPair(p.HostCertificate, p.HostPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("could not load host certificate: %w", err)
	}

	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true, //nolint:gosec
		MinVersion:         tls.VersionTLS12,
	}, nil
}
