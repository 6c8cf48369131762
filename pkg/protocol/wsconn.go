package protocol

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 5 * time.Second

// WSConn carries envelopes as JSON text frames over a websocket.
type WSConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

var _ Conn = (*WSConn)(nil)

// NewWSConn wraps an established websocket connection.
func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

// Dial opens a websocket to url, authenticating with a bearer token.
func Dial(ctx context.Context, url, token string) (*WSConn, error) {
	return DialTLS(ctx, url, token, nil)
}

// DialTLS is Dial with a custom TLS config for wss:// urls. A nil config
// uses the system defaults.
func DialTLS(ctx context.Context, url, token string, conf *tls.Config) (*WSConn, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	dialer := *websocket.DefaultDialer
	dialer.TLSClientConfig = conf
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("protocol: dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("protocol: dial %s: %w", url, err)
	}
	return NewWSConn(conn), nil
}

func (c *WSConn) Send(env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(env)
}

func (c *WSConn) Recv() (Envelope, error) {
	var env Envelope
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return env, err
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return env, fmt.Errorf("protocol: invalid message: %w", err)
	}
	return env, nil
}

// Close sends a close frame and closes the underlying connection.
func (c *WSConn) Close() error {
	c.mu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.mu.Unlock()
	return c.conn.Close()
}

// IsNormalClose reports whether err is an orderly websocket shutdown.
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
