package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WS implements repository.Transport over a websocket bridge to the
// terminal, one envelope per text frame.
type WS struct {
	url          string
	pingInterval time.Duration

	mu     sync.Mutex
	conn   *websocket.Conn
	stopCh chan struct{}
}

// NewWS creates a websocket transport for url (ws:// or wss://).
func NewWS(url string, pingInterval time.Duration) *WS {
	return &WS{url: url, pingInterval: pingInterval}
}

func (w *WS) Endpoint() string { return w.url }

func (w *WS) Dial(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("terminal ws dial %s: %w", w.url, err)
	}
	stopCh := make(chan struct{})
	w.mu.Lock()
	w.conn = conn
	w.stopCh = stopCh
	w.mu.Unlock()

	// transport-level keepalive, independent of session heartbeats
	if w.pingInterval > 0 {
		go func() {
			ticker := time.NewTicker(w.pingInterval)
			defer ticker.Stop()
			for {
				select {
				case <-stopCh:
					return
				case <-ticker.C:
					w.mu.Lock()
					c := w.conn
					w.mu.Unlock()
					if c != nil {
						_ = c.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
					}
				}
			}
		}()
	}
	return nil
}

func (w *WS) Send(ctx context.Context, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return fmt.Errorf("terminal ws send: not dialed")
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = w.conn.SetWriteDeadline(dl)
	}
	if err := w.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("terminal ws send: %w", err)
	}
	return nil
}

func (w *WS) Receive(ctx context.Context) ([]byte, error) {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("terminal ws receive: not dialed")
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
	}
	_, b, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("terminal ws receive: %w", err)
	}
	return b, nil
}

func (w *WS) Close() error {
	w.mu.Lock()
	conn := w.conn
	stopCh := w.stopCh
	w.conn = nil
	w.stopCh = nil
	w.mu.Unlock()
	if stopCh != nil {
		close(stopCh)
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}
