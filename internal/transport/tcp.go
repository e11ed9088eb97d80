// Package transport provides the socket links to the trading terminal.
// The terminal's native endpoint is a raw TCP socket with length-prefixed
// frames; a websocket variant covers bridged deployments.
package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// maxFrame bounds a single inbound frame; the terminal never sends more.
const maxFrame = 1 << 20

// TCP implements repository.Transport over a raw socket using 4-byte
// big-endian length-prefixed frames.
type TCP struct {
	addr        string
	dialTimeout time.Duration

	mu   sync.Mutex
	conn net.Conn
}

// NewTCP creates a TCP transport for addr ("host:port").
func NewTCP(addr string, dialTimeout time.Duration) *TCP {
	return &TCP{addr: addr, dialTimeout: dialTimeout}
}

func (t *TCP) Endpoint() string { return t.addr }

func (t *TCP) Dial(ctx context.Context) error {
	d := net.Dialer{Timeout: t.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return fmt.Errorf("terminal dial %s: %w", t.addr, err)
	}
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	return nil
}

func (t *TCP) Send(ctx context.Context, payload []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("terminal send: not dialed")
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
		defer conn.SetWriteDeadline(time.Time{})
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := conn.Write(hdr[:]); err != nil {
		return fmt.Errorf("terminal send header: %w", err)
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("terminal send body: %w", err)
	}
	return nil
}

func (t *TCP) Receive(ctx context.Context) ([]byte, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("terminal receive: not dialed")
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
		defer conn.SetReadDeadline(time.Time{})
	}
	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return nil, fmt.Errorf("terminal receive header: %w", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > maxFrame {
		return nil, fmt.Errorf("terminal receive: bad frame length %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return nil, fmt.Errorf("terminal receive body: %w", err)
	}
	return buf, nil
}

func (t *TCP) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}
