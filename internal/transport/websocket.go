package transport

import (
	"context"
	"crypto/tls"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/and161185/devsync/internal/model"
)

// WSDialer opens WebSocket connections to the sync server.
type WSDialer struct {
	// TLS optionally overrides the client TLS configuration.
	TLS *tls.Config
	// HandshakeTimeout bounds the upgrade; zero selects one minute.
	HandshakeTimeout time.Duration
}

// Dial connects to cfg.URL, carrying the access key as a bearer token plus
// any extra configured headers.
func (d *WSDialer) Dial(ctx context.Context, cfg model.RemoteConfig) (Conn, error) {
	timeout := d.HandshakeTimeout
	if timeout == 0 {
		timeout = time.Minute
	}
	dialer := websocket.Dialer{
		TLSClientConfig:  d.TLS,
		HandshakeTimeout: timeout,
	}
	header := http.Header{}
	if cfg.AccessKey != "" {
		header.Set("Authorization", "Bearer "+cfg.AccessKey)
	}
	for name, value := range cfg.Headers {
		header.Set(name, string(value))
	}
	conn, resp, err := dialer.DialContext(ctx, cfg.URL, header)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return NewWSConn(conn), nil
}

// WSConn adapts a gorilla websocket connection to Conn. Sends are serialized
// with a mutex so server broadcast and session replies can interleave.
type WSConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWSConn wraps an established websocket connection.
func NewWSConn(conn *websocket.Conn) *WSConn { return &WSConn{conn: conn} }

// Send transmits one binary message.
func (c *WSConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Receive blocks until the next binary message, skipping other frame types.
func (c *WSConn) Receive() ([]byte, error) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Close tears the connection down.
func (c *WSConn) Close() error { return c.conn.Close() }

// Upgrader upgrades incoming HTTP requests on the server side.
type Upgrader struct {
	upgrader websocket.Upgrader
}

// NewUpgrader creates an upgrader with sane buffer sizes.
func NewUpgrader() *Upgrader {
	return &Upgrader{upgrader: websocket.Upgrader{
		ReadBufferSize:  16 * 1024,
		WriteBufferSize: 16 * 1024,
	}}
}

// Upgrade turns an HTTP request into a Conn.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (Conn, error) {
	conn, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewWSConn(conn), nil
}
