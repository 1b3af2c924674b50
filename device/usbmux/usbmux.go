// Package usbmux is a client for usbmuxd, the host daemon that multiplexes connections to USB and network attached devices
package usbmux

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"

	"github.com/korylprince/ios-app-inventory/device"
	"github.com/korylprince/ios-app-inventory/device/plistio"
	"howett.net/plist"
)

// DefaultAddress is the usbmuxd socket on macOS and Linux
const DefaultAddress = "unix:/var/run/usbmuxd"

// AddressEnv overrides DefaultAddress when set
const AddressEnv = "USBMUXD_SOCKET_ADDRESS"

const (
	headerSize    = 16
	protoVersion  = 1
	messagePlist  = 8
	clientVersion = "ios-app-inventory"
	progName      = "appinventory"
	libVersion    = 3
	maxPacketSize = 4 << 20
)

// ErrDeviceNotFound is returned when no attached device matches a UDID
var ErrDeviceNotFound = errors.New("device not found")

// ResultError is a non-zero result reported by usbmuxd
type ResultError struct {
	Number int
}

func (e *ResultError) Error() string {
	switch e.Number {
	case 2:
		return "usbmuxd: bad device"
	case 3:
		return "usbmuxd: connection refused"
	case 6:
		return "usbmuxd: bad version"
	}
	return fmt.Sprintf("usbmuxd: result %d", e.Number)
}

// Device is a device attached to usbmuxd
type Device struct {
	DeviceID   int
	Properties Properties
}

// Properties are the attributes usbmuxd reports for a Device
type Properties struct {
	DeviceID       int    `plist:"DeviceID"`
	SerialNumber   string `plist:"SerialNumber"`
	ConnectionType string `plist:"ConnectionType"`
	ProductID      int    `plist:"ProductID,omitempty"`
	LocationID     int    `plist:"LocationID,omitempty"`
}

// Client dials usbmuxd. Every request uses its own connection, as usbmuxd hands the socket over to the device after Connect
type Client struct {
	// Address is "unix:<path>" or "<host>:<port>". Empty uses AddressEnv or DefaultAddress
	Address string
	dialer  net.Dialer
}

// New returns a new Client for address
func New(address string) *Client {
	return &Client{Address: address}
}

func (c *Client) address() (network, addr string) {
	a := c.Address
	if a == "" {
		a = os.Getenv(AddressEnv)
	}
	if a == "" {
		a = DefaultAddress
	}
	if strings.HasPrefix(strings.ToLower(a), "unix:") {
		return "unix", a[len("unix:"):]
	}
	if strings.HasPrefix(a, "/") {
		return "unix", a
	}
	return "tcp", a
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	network, addr := c.address()
	conn, err := c.dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("could not connect to usbmuxd: %w", err)
	}
	return conn, nil
}

type request struct {
	MessageType         string `plist:"MessageType"`
	ClientVersionString string `plist:"ClientVersionString"`
	ProgName            string `plist:"ProgName"`
	LibUSBMuxVersion    int    `plist:"kLibUSBMuxVersion"`
	DeviceID            int    `plist:"DeviceID,omitempty"`
	PortNumber          int    `plist:"PortNumber,omitempty"`
	PairRecordID        string `plist:"PairRecordID,omitempty"`
}

func newRequest(typ string) *request {
	return &request{
		MessageType:         typ,
		ClientVersionString: clientVersion,
		ProgName:            progName,
		LibUSBMuxVersion:    libVersion,
	}
}

type response struct {
	MessageType string `plist:"MessageType"`
	Number      int    `plist:"Number"`
	DeviceList  []struct {
		DeviceID   int        `plist:"DeviceID"`
		Properties Properties `plist:"Properties"`
	} `plist:"DeviceList"`
	PairRecordData []byte `plist:"PairRecordData"`
}

func (r *response) err() error {
	if r.MessageType == "Result" && r.Number != 0 {
		return &ResultError{Number: r.Number}
	}
	return nil
}

// writePacket frames body with the usbmuxd header
func writePacket(w io.Writer, tag uint32, body []byte) error {
	pkt := make([]byte, headerSize+len(body))
	binary.LittleEndian.PutUint32(pkt[0:], uint32(headerSize+len(body)))
	binary.LittleEndian.PutUint32(pkt[4:], protoVersion)
	binary.LittleEndian.PutUint32(pkt[8:], messagePlist)
	binary.LittleEndian.PutUint32(pkt[12:], tag)
	copy(pkt[headerSize:], body)
	_, err := w.Write(pkt)
	return err
}

// readPacket reads a single usbmuxd packet and returns its tag and body
func readPacket(r io.Reader) (uint32, []byte, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, fmt.Errorf("could not read header: %w", err)
	}

	size := binary.LittleEndian.Uint32(hdr[0:])
	if size < headerSize || size > maxPacketSize {
		return 0, nil, fmt.Errorf("invalid packet size: %d", size)
	}
	if typ := binary.LittleEndian.Uint32(hdr[8:]); typ != messagePlist {
		return 0, nil, fmt.Errorf("unexpected message type: %d", typ)
	}

	body := make([]byte, size-headerSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, fmt.Errorf("could not read body: %w", err)
	}
	return binary.LittleEndian.Uint32(hdr[12:]), body, nil
}

func roundTrip(conn net.Conn, tag uint32, req *request) (*response, error) {
	body, err := plist.Marshal(req, plist.XMLFormat)
	if err != nil {
		return nil, fmt.Errorf("could not marshal %s request: %w", req.MessageType, err)
	}
	if err = writePacket(conn, tag, body); err != nil {
		return nil, fmt.Errorf("could not send %s request: %w", req.MessageType, err)
	}

	respTag, respBody, err := readPacket(conn)
	if err != nil {
		return nil, fmt.Errorf("could not read %s response: %w", req.MessageType, err)
	}
	if respTag != tag {
		return nil, fmt.Errorf("could not read %s response: tag mismatch (%d != %d)", req.MessageType, respTag, tag)
	}

	resp := new(response)
	if _, err = plist.Unmarshal(respBody, resp); err != nil {
		return nil, fmt.Errorf("could not parse %s response: %w", req.MessageType, err)
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, req *request) (*response, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	defer plistio.Bind(ctx, conn)()

	resp, err := roundTrip(conn, 1, req)
	if err != nil {
		return nil, err
	}
	if err = resp.err(); err != nil {
		return nil, err
	}
	return resp, nil
}

// Devices returns the devices currently attached to usbmuxd
func (c *Client) Devices(ctx context.Context) ([]*Device, error) {
	resp, err := c.do(ctx, newRequest("ListDevices"))
	if err != nil {
		return nil, fmt.Errorf("could not list devices: %w", err)
	}

	devices := make([]*Device, 0, len(resp.DeviceList))
	for _, d := range resp.DeviceList {
		devices = append(devices, &Device{DeviceID: d.DeviceID, Properties: d.Properties})
	}
	return devices, nil
}

// Find returns the attached device with the given UDID. If udid is empty, the first USB device is returned
func (c *Client) Find(ctx context.Context, udid string) (*Device, error) {
	devices, err := c.Devices(ctx)
	if err != nil {
		return nil, err
	}

	var fallback *Device
	for _, d := range devices {
		if udid != "" && d.Properties.SerialNumber == udid {
			return d, nil
		}
		if udid == "" && fallback == nil && d.Properties.ConnectionType == "USB" {
			fallback = d
		}
	}
	if udid == "" && fallback == nil && len(devices) > 0 {
		fallback = devices[0]
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, ErrDeviceNotFound
}

// ReadPairRecord returns the pair record usbmuxd stores for udid
func (c *Client) ReadPairRecord(ctx context.Context, udid string) (*device.PairRecord, error) {
	req := newRequest("ReadPairRecord")
	req.PairRecordID = udid

	resp, err := c.do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("could not read pair record: %w", err)
	}
	if len(resp.PairRecordData) == 0 {
		return nil, errors.New("could not read pair record: empty response")
	}

	rec, err := device.ParsePairRecord(resp.PairRecordData)
	if err != nil {
		return nil, err
	}
	if rec.UDID == "" {
		rec.UDID = udid
	}
	return rec, nil
}

// Connect returns a connection to port on the device with deviceID.
// Once connected, the socket is a raw stream to the device
func (c *Client) Connect(ctx context.Context, deviceID int, port uint16) (net.Conn, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}

	req := newRequest("Connect")
	req.DeviceID = deviceID
	req.PortNumber = int(swapPort(port))

	unbind := plistio.Bind(ctx, conn)
	resp, err := roundTrip(conn, 1, req)
	unbind()
	if err == nil {
		err = resp.err()
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("could not connect to port %d: %w", port, err)
	}
	return conn, nil
}

// swapPort converts port to network byte order as usbmuxd expects
func swapPort(port uint16) uint16 {
	return port<<8 | port>>8
}
