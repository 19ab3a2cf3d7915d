package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/orchestra-mcp/madonna/src/types"
	"github.com/rs/zerolog"
)

// TokenFunc supplies the bearer token presented when a connection is opened.
// An empty token means no Authorization header.
type TokenFunc func(ctx context.Context) (string, error)

// WebSocketDialer opens JSON text-frame WebSocket connections.
type WebSocketDialer struct {
	URL              string
	Token            TokenFunc
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	ReadBufferSize   int
	WriteBufferSize  int

	// NetDialContext overrides the network dialer; used by tests.
	NetDialContext func(ctx context.Context, network, addr string) (net.Conn, error)

	Logger zerolog.Logger
}

// Dial performs the WebSocket handshake.
func (d *WebSocketDialer) Dial(ctx context.Context) (types.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
		ReadBufferSize:   d.ReadBufferSize,
		WriteBufferSize:  d.WriteBufferSize,
		NetDialContext:   d.NetDialContext,
	}
	if d.NetDialContext == nil {
		dialer.Proxy = http.ProxyFromEnvironment
	}

	header := http.Header{}
	tok, err := bearer(ctx, d.Token)
	if err != nil {
		return nil, err
	}
	if tok != "" {
		header.Set("Authorization", "Bearer "+tok)
	}

	conn, resp, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: %w (status %d)", d.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", d.URL, err)
	}
	d.Logger.Debug().Str("url", d.URL).Msg("websocket connected")

	wc := &wsConn{
		conn:         conn,
		writeTimeout: d.WriteTimeout,
		done:         make(chan struct{}),
	}
	if d.PingInterval > 0 {
		go wc.keepalive(d.PingInterval)
	}
	return wc, nil
}

func bearer(ctx context.Context, token TokenFunc) (string, error) {
	if token == nil {
		return "", nil
	}
	tok, err := token(ctx)
	if err != nil {
		return "", fmt.Errorf("load bearer token: %w", err)
	}
	return tok, nil
}

// wsConn wraps fasthttp/websocket.Conn to satisfy types.Conn.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	once         sync.Once
	done         chan struct{}
}

func (w *wsConn) WriteJSON(v any) error {
	if w.writeTimeout > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(w.writeTimeout))
	}
	return w.conn.WriteJSON(v)
}

func (w *wsConn) ReadJSON(v any) error { return w.conn.ReadJSON(v) }

func (w *wsConn) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		_ = w.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		err = w.conn.Close()
	})
	return err
}

func (w *wsConn) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			if err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(interval)); err != nil {
				_ = w.conn.Close()
				return
			}
		}
	}
}
