package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	xlog "github.com/AtDexters-Lab/progress-session-client/internal/log"
)

// fakeTransport is an in-memory Transport. Close behaves like a server that
// echoes the close frame.
type fakeTransport struct {
	inbound chan []byte
	closed  chan struct{}

	mu          sync.Mutex
	written     [][]byte
	failWrites  bool
	closeCode   int
	closeReason string
	closeErr    error
	closeOnce   sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []byte, 16),
		closed:  make(chan struct{}),
	}
}

func (f *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case data := <-f.inbound:
		return data, nil
	case <-f.closed:
		return nil, f.closeErr
	}
}

func (f *fakeTransport) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return errors.New("write on broken pipe")
	}
	f.written = append(f.written, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	f.closeCode, f.closeReason = code, reason
	f.mu.Unlock()
	f.closeWith(&websocket.CloseError{Code: code, Text: reason})
	return nil
}

func (f *fakeTransport) Abort() error {
	f.closeWith(&websocket.CloseError{Code: websocket.CloseAbnormalClosure})
	return nil
}

// serverClose simulates a close frame from the peer.
func (f *fakeTransport) serverClose(code int) {
	f.closeWith(&websocket.CloseError{Code: code})
}

func (f *fakeTransport) closeWith(err error) {
	f.closeOnce.Do(func() {
		f.closeErr = err
		close(f.closed)
	})
}

func (f *fakeTransport) push(t *testing.T, frame string) {
	t.Helper()
	select {
	case f.inbound <- []byte(frame):
	case <-time.After(time.Second):
		t.Fatal("inbound frame not consumed")
	}
}

func (f *fakeTransport) setFailWrites(v bool) {
	f.mu.Lock()
	f.failWrites = v
	f.mu.Unlock()
}

func (f *fakeTransport) sentTypes() []MessageType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]MessageType, 0, len(f.written))
	for _, data := range f.written {
		var m Message
		if err := json.Unmarshal(data, &m); err == nil {
			out = append(out, m.Type)
		}
	}
	return out
}

func (f *fakeTransport) closedWith() (int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode, f.closeReason
}

// fakeDialer hands out fakeTransports. Each scripted error is returned by one
// dial in order; once the script is empty every dial succeeds.
type fakeDialer struct {
	mu     sync.Mutex
	urls   []string
	script []error
	conns  chan *fakeTransport
}

func newFakeDialer(script ...error) *fakeDialer {
	return &fakeDialer{script: script, conns: make(chan *fakeTransport, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, rawURL string) (Transport, error) {
	d.mu.Lock()
	d.urls = append(d.urls, rawURL)
	var err error
	if len(d.script) > 0 {
		err, d.script = d.script[0], d.script[1:]
	}
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	tr := newFakeTransport()
	d.conns <- tr
	return tr, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) dialedURLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

func (d *fakeDialer) next(t *testing.T) *fakeTransport {
	t.Helper()
	select {
	case tr := <-d.conns:
		return tr
	case <-time.After(2 * time.Second):
		t.Fatal("no transport dialed")
		return nil
	}
}

// manualTimers replaces time.AfterFunc so tests decide when timers fire.
type manualTimers struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	owner   *manualTimers
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (m *manualTimers) afterFunc(d time.Duration, f func()) stopper {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{owner: m, d: d, f: f}
	m.timers = append(m.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// pending lists the delays of timers that neither fired nor were stopped.
func (m *manualTimers) pending() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []time.Duration
	for _, t := range m.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.d)
		}
	}
	return out
}

// fire waits for a pending timer with delay d and runs it.
func (m *manualTimers) fire(t *testing.T, d time.Duration) {
	t.Helper()
	var target *manualTimer
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		for _, tm := range m.timers {
			if !tm.stopped && !tm.fired && tm.d == d {
				tm.fired = true
				target = tm
				return true
			}
		}
		return false
	}, 2*time.Second, time.Millisecond, "no pending %s timer", d)
	target.f()
}

// fakeTokens is a TokenSource with a scripted reactive refresh.
type fakeTokens struct {
	mu      sync.Mutex
	token   string
	fresh   string
	err     error
	refresh int
}

func (f *fakeTokens) AccessToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

func (f *fakeTokens) HandleUnauthorized(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh++
	if f.err != nil {
		return "", f.err
	}
	f.token = f.fresh
	return f.fresh, nil
}

func (f *fakeTokens) refreshCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refresh
}

type registryHarness struct {
	reg    *Registry
	dialer *fakeDialer
	timers *manualTimers
}

func newHarness(t *testing.T, dialer *fakeDialer, ts TokenSource, mods ...func(*Config)) *registryHarness {
	t.Helper()
	cfg := DefaultConfig("ws://progress.test")
	cfg.Server.StatusProbeDelayMs = -1
	cfg.Registry.DialRatePerSecond = 1000
	cfg.Registry.DialBurst = 1000
	for _, mod := range mods {
		mod(&cfg)
	}
	timers := &manualTimers{}
	opts := []Option{
		WithDialer(dialer),
		WithLogger(xlog.Nop()),
		withAfterFunc(timers.afterFunc),
	}
	if ts != nil {
		opts = append(opts, WithTokenSource(ts))
	}
	reg := NewRegistry(cfg, opts...)
	t.Cleanup(reg.Close)
	return &registryHarness{reg: reg, dialer: dialer, timers: timers}
}

func waitState(t *testing.T, s *Session, want ConnectionState) Status {
	t.Helper()
	var st Status
	require.Eventually(t, func() bool {
		st = s.Status()
		return st.State == want
	}, 2*time.Second, time.Millisecond, "session never reached %s", want)
	return st
}
