// Package plistio implements the length-prefixed plist framing spoken by lockdownd and most device services
package plistio

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"howett.net/plist"
)

// MaxFrameSize is the largest frame Recv accepts
const MaxFrameSize = 16 << 20

// Conn is a plist message connection. Conn is not safe for concurrent use
type Conn struct {
	conn net.Conn
}

// New returns a new Conn wrapping conn
func New(conn net.Conn) *Conn {
	return &Conn{conn: conn}
}

// NetConn returns the underlying connection
func (c *Conn) NetConn() net.Conn {
	return c.conn
}

// Bind applies ctx's deadline to the connection and interrupts blocked I/O when ctx is canceled.
// The returned func must be called once the I/O is finished. It clears the deadline before returning
func (c *Conn) Bind(ctx context.Context) func() {
	return Bind(ctx, c.conn)
}

// Bind applies ctx to conn. See Conn.Bind
func Bind(ctx context.Context, conn net.Conn) func() {
	deadline, _ := ctx.Deadline()
	_ = conn.SetDeadline(deadline)

	if ctx.Done() == nil {
		return func() {}
	}

	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			_ = conn.SetDeadline(time.Unix(1, 0))
		case <-done:
		}
	}()
	return func() {
		close(done)
		<-exited
		_ = conn.SetDeadline(time.Time{})
	}
}

// Send writes v as a single XML plist frame
func (c *Conn) Send(v interface{}) error {
	body, err := plist.Marshal(v, plist.XMLFormat)
	if err != nil {
		return fmt.Errorf("could not marshal message: %w", err)
	}

	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)

	if _, err = c.conn.Write(frame); err != nil {
		return fmt.Errorf("could not write message: %w", err)
	}
	return nil
}

// RecvRaw reads a single frame and returns its body
func (c *Conn) RecvRaw() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.conn, hdr[:]); err != nil {
		return nil, fmt.Errorf("could not read message header: %w", err)
	}

	size := binary.BigEndian.Uint32(hdr[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("could not read message: frame size %d exceeds %d", size, MaxFrameSize)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(c.conn, body); err != nil {
		return nil, fmt.Errorf("could not read message body: %w", err)
	}
	return body, nil
}

// Recv reads a single frame and unmarshals it into v
func (c *Conn) Recv(v interface{}) error {
	body, err := c.RecvRaw()
	if err != nil {
		return err
	}
	if _, err = plist.Unmarshal(body, v); err != nil {
		return fmt.Errorf("could not parse message: %w", err)
	}
	return nil
}

// Request sends req and reads the reply into resp, honoring ctx
func (c *Conn) Request(ctx context.Context, req, resp interface{}) error {
	defer c.Bind(ctx)()

	if err := c.Send(req); err != nil {
		return ContextError(ctx, err)
	}
	return ContextError(ctx, c.Recv(resp))
}

// Upgrade performs a TLS client handshake on the connection. All further messages are encrypted
func (c *Conn) Upgrade(ctx context.Context, cfg *tls.Config) error {
	tc := tls.Client(c.conn, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("could not complete TLS handshake: %w", err)
	}
	c.conn = tc
	return nil
}

// Close closes the underlying connection
func (c *Conn) Close() error {
	return c.conn.Close()
}

// ContextError annotates an I/O error caused by Bind with the context's error
func ContextError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if cerr := ctx.Err(); cerr != nil {
		return fmt.Errorf("%v: %w", err, cerr)
	}
	if _, ok := ctx.Deadline(); ok && errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%v: %w", err, context.DeadlineExceeded)
	}
	return err
}
