package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/http/httpproxy"
)

const (
	defaultHandshakeTimeout = 15 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultCloseGrace       = 2 * time.Second
	defaultReadLimit        = 1 << 20
)

// Transport is one physical bidirectional channel.
type Transport interface {
	// ReadMessage blocks for the next frame. A close from the peer surfaces
	// as a *websocket.CloseError.
	ReadMessage() ([]byte, error)
	// WriteMessage sends one frame. Safe for concurrent use.
	WriteMessage(data []byte) error
	// Close starts the close handshake with code and reason.
	Close(code int, reason string) error
	// Abort drops the connection without a close handshake.
	Abort() error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Transport, error)
}

// HandshakeError is returned when the server answered the upgrade request
// with a non-101 HTTP status.
type HandshakeError struct {
	StatusCode int
	Err        error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("websocket handshake failed with status %d: %v", e.StatusCode, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// Unauthorized reports whether the handshake was refused for credentials.
func (e *HandshakeError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// CloseCodeOf maps a read error to a close code. fromPeer is true when the
// server sent a close frame.
func CloseCodeOf(err error) (code int, fromPeer bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Code != websocket.CloseAbnormalClosure
	}
	return closeAbnormal, false
}

// TransportConfig tunes the websocket dialer.
type TransportConfig struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	CloseGrace       time.Duration
	ReadLimit        int64
	// Proxy overrides the environment proxy settings (HTTPS_PROXY, NO_PROXY).
	Proxy func(*url.URL) (*url.URL, error)
}

// WebsocketDialer dials gorilla websocket transports.
type WebsocketDialer struct {
	dialer       *websocket.Dialer
	writeTimeout time.Duration
	closeGrace   time.Duration
	readLimit    int64
}

// NewWebsocketDialer returns a Dialer configured from cfg.
func NewWebsocketDialer(cfg TransportConfig) *WebsocketDialer {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = defaultCloseGrace
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	proxy := cfg.Proxy
	if proxy == nil {
		proxy = httpproxy.FromEnvironment().ProxyFunc()
	}

	return &WebsocketDialer{
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			Proxy: func(req *http.Request) (*url.URL, error) {
				return proxy(proxyTarget(req.URL))
			},
		},
		writeTimeout: cfg.WriteTimeout,
		closeGrace:   cfg.CloseGrace,
		readLimit:    cfg.ReadLimit,
	}
}

// proxyTarget maps ws/wss to http/https so environment proxy rules apply.
func proxyTarget(u *url.URL) *url.URL {
	out := *u
	switch u.Scheme {
	case "ws":
		out.Scheme = "http"
	case "wss":
		out.Scheme = "https"
	}
	return &out
}

// Dial opens a websocket to rawURL.
func (d *WebsocketDialer) Dial(ctx context.Context, rawURL string) (Transport, error) {
	conn, resp, err := d.dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, &HandshakeError{StatusCode: resp.StatusCode, Err: err}
		}
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	conn.SetReadLimit(d.readLimit)
	return &wsTransport{
		conn:         conn,
		writeTimeout: d.writeTimeout,
		closeGrace:   d.closeGrace,
	}, nil
}

type wsTransport struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
	closeGrace   time.Duration
	closeOnce    sync.Once
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and gives the peer closeGrace to answer before
// the read side gives up.
func (t *wsTransport) Close(code int, reason string) error {
	var err error
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		err = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(t.writeTimeout))
		t.writeMu.Unlock()
		if err != nil {
			t.conn.Close()
			return
		}
		_ = t.conn.SetReadDeadline(time.Now().Add(t.closeGrace))
	})
	return err
}

func (t *wsTransport) Abort() error {
	return t.conn.Close()
}
