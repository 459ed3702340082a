package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xlog "github.com/AtDexters-Lab/progress-session-client/internal/log"
)

// documentServer is a websocket endpoint that accepts /ws/documents/{id} with
// a fixed token, pushes one progress event and acknowledges heartbeats.
type documentServer struct {
	srv   *httptest.Server
	token string

	mu        sync.Mutex
	received  []MessageType
	closeCode int
	paths     []string
}

func newDocumentServer(t *testing.T, token string) *documentServer {
	t.Helper()
	ds := &documentServer{token: token, closeCode: -1}
	upgrader := websocket.Upgrader{}

	ds.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ds.mu.Lock()
		ds.paths = append(ds.paths, r.URL.EscapedPath())
		ds.mu.Unlock()

		if !strings.HasPrefix(r.URL.Path, "/ws/documents/") || r.URL.Query().Get("token") != ds.token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event_type":"analysis_progress","pct":10}`))
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				code, _ := CloseCodeOf(err)
				ds.mu.Lock()
				ds.closeCode = code
				ds.mu.Unlock()
				return
			}
			var m Message
			if json.Unmarshal(data, &m) != nil {
				continue
			}
			ds.mu.Lock()
			ds.received = append(ds.received, m.Type)
			ds.mu.Unlock()
			if m.IsHeartbeat() {
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event_type":"heartbeat"}`))
			}
		}
	}))
	t.Cleanup(ds.srv.Close)
	return ds
}

func (ds *documentServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ds.srv.URL, "http")
}

func (ds *documentServer) receivedTypes() []MessageType {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return append([]MessageType(nil), ds.received...)
}

func (ds *documentServer) lastCloseCode() int {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.closeCode
}

func TestEndToEndProgressSession(t *testing.T) {
	ds := newDocumentServer(t, "tok")

	cfg := DefaultConfig(ds.wsURL())
	cfg.Heartbeat.IntervalMs = 20
	cfg.Server.StatusProbeDelayMs = 10
	reg := NewRegistry(cfg, WithTokenSource(StaticToken("tok")), WithLogger(xlog.Nop()))
	t.Cleanup(reg.Close)

	s := reg.GetOrCreate("doc-1")
	events, cancel := s.Subscribe(8)
	defer cancel()
	require.NoError(t, s.SendMessage(mustStart(t, map[string]int{"depth": 2})))

	ctx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	require.NoError(t, s.Connect(ctx))

	select {
	case ev := <-events:
		assert.Equal(t, "analysis_progress", ev.EventType)
		var body struct {
			Pct int `json:"pct"`
		}
		require.NoError(t, ev.Decode(&body))
		assert.Equal(t, 10, body.Pct)
	case <-time.After(5 * time.Second):
		t.Fatal("no progress event delivered")
	}

	require.Eventually(t, func() bool {
		got := ds.receivedTypes()
		var sawHeartbeat, sawProbe bool
		for _, typ := range got {
			sawHeartbeat = sawHeartbeat || typ == TypeHeartbeat
			sawProbe = sawProbe || typ == TypeGetStatus
		}
		return len(got) > 0 && got[0] == TypeStartAnalysis && sawHeartbeat && sawProbe
	}, 5*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		_, ok := s.Heartbeat().Lag()
		return ok
	}, 5*time.Second, 5*time.Millisecond)

	s.Disconnect("test")
	st := waitState(t, s, StateClosed)
	assert.Equal(t, CauseManual, st.Cause)
	require.Eventually(t, func() bool { return ds.lastCloseCode() == CloseNormal }, 5*time.Second, 5*time.Millisecond)

	for _, typ := range ds.receivedTypes() {
		assert.NotEqual(t, TypeCancelAnalysis, typ)
	}
}

func TestWebsocketDialerReportsHandshakeStatus(t *testing.T) {
	ds := newDocumentServer(t, "tok")
	d := NewWebsocketDialer(TransportConfig{HandshakeTimeout: 2 * time.Second})

	_, err := d.Dial(context.Background(), ds.wsURL()+"/ws/documents/doc-1?token=wrong")
	var hs *HandshakeError
	require.ErrorAs(t, err, &hs)
	assert.Equal(t, http.StatusUnauthorized, hs.StatusCode)
	assert.True(t, hs.Unauthorized())

	tr, err := d.Dial(context.Background(), ds.wsURL()+"/ws/documents/doc%2F1?token=tok")
	require.NoError(t, err)
	data, err := tr.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), "analysis_progress")
	require.NoError(t, tr.Close(CloseNormal, "bye"))

	_, err = tr.ReadMessage()
	code, _ := CloseCodeOf(err)
	assert.Equal(t, CloseNormal, code)
}

func TestWebsocketDialerConnectionRefused(t *testing.T) {
	ds := newDocumentServer(t, "tok")
	addr := ds.wsURL()
	ds.srv.Close()

	d := NewWebsocketDialer(TransportConfig{HandshakeTimeout: time.Second})
	_, err := d.Dial(context.Background(), addr+"/ws/documents/doc-1?token=tok")
	require.Error(t, err)
	var hs *HandshakeError
	assert.False(t, errors.As(err, &hs))
}

func TestCloseCodeOf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		code     int
		fromPeer bool
	}{
		{"graceful", &websocket.CloseError{Code: websocket.CloseNormalClosure}, 1000, true},
		{"server error", &websocket.CloseError{Code: websocket.CloseInternalServerErr}, 1011, true},
		{"abnormal", &websocket.CloseError{Code: websocket.CloseAbnormalClosure}, 1006, false},
		{"plain io error", errors.New("read: connection reset"), 1006, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, fromPeer := CloseCodeOf(tt.err)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.fromPeer, fromPeer)
		})
	}
}

func TestProxyTargetMapsWebsocketSchemes(t *testing.T) {
	u, err := url.Parse("wss://api.example.com/ws/documents/x")
	require.NoError(t, err)
	assert.Equal(t, "https", proxyTarget(u).Scheme)
	assert.Equal(t, "wss", u.Scheme)

	u.Scheme = "ws"
	assert.Equal(t, "http", proxyTarget(u).Scheme)
}

func TestWebsocketDialerUsesProxyOverride(t *testing.T) {
	var seen *url.URL
	d := NewWebsocketDialer(TransportConfig{
		HandshakeTimeout: time.Second,
		Proxy: func(u *url.URL) (*url.URL, error) {
			seen = u
			return nil, errors.New("proxy unavailable")
		},
	})

	_, err := d.Dial(context.Background(), "wss://api.example.com/ws/documents/doc-1?token=t")
	require.Error(t, err)
	require.NotNil(t, seen)
	assert.Equal(t, "https", seen.Scheme)
	assert.Equal(t, "api.example.com", seen.Host)
}
