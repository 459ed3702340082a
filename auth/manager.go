package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	xlog "github.com/AtDexters-Lab/progress-session-client/internal/log"
	"github.com/AtDexters-Lab/progress-session-client/internal/metrics"
)

// DefaultCheckInterval is how often Run evaluates the token clock.
const DefaultCheckInterval = 60 * time.Second

const (
	triggerProactive = "proactive"
	triggerReactive  = "reactive"
)

// Option configures a Manager.
type Option func(*Manager)

// WithThreshold sets the proactive refresh threshold.
func WithThreshold(d time.Duration) Option {
	return func(m *Manager) { m.clock = NewTokenClock(d) }
}

// WithCheckInterval sets the interval used by Run.
func WithCheckInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithNow overrides the time source.
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager coordinates the credential store, the token clock and refreshes.
// Concurrent refreshes collapse into a single call to the Refresher.
type Manager struct {
	store     Store
	refresher Refresher
	clock     *TokenClock
	interval  time.Duration
	now       func() time.Time
	logger    zerolog.Logger

	flight singleflight.Group
	// gen advances whenever credentials are installed or cleared.
	gen atomic.Uint64

	listenersMu sync.Mutex
	listeners   map[int]func(error)
	nextID      int
}

// NewManager creates a Manager. The clock is computed from whatever access
// token the store already holds.
func NewManager(store Store, refresher Refresher, opts ...Option) *Manager {
	if store == nil {
		store = NewMemoryStore("", "")
	}
	m := &Manager{
		store:     store,
		refresher: refresher,
		clock:     NewTokenClock(DefaultRefreshThreshold),
		interval:  DefaultCheckInterval,
		now:       time.Now,
		logger:    xlog.WithComponent("auth"),
		listeners: make(map[int]func(error)),
	}
	for _, opt := range opts {
		opt(m)
	}
	if tok := store.AccessToken(); tok != "" {
		m.clock.Recompute(tok)
	}
	return m
}

// Clock exposes the token clock.
func (m *Manager) Clock() *TokenClock { return m.clock }

// AccessToken returns the current access token, or "" when logged out.
func (m *Manager) AccessToken() string { return m.store.AccessToken() }

// SetTokens installs a new credential pair and recomputes the clock.
func (m *Manager) SetTokens(access, refresh string) {
	m.gen.Add(1)
	m.store.SetTokens(access, refresh)
	if !m.clock.Recompute(access) {
		m.logger.Debug().Msg("access token expiry not decodable; proactive refresh disabled")
	}
	m.publishRemaining()
}

// OnUnauthorized registers fn to be called when credentials are cleared after
// a terminal authentication failure. The returned func unregisters it.
func (m *Manager) OnUnauthorized(fn func(reason error)) func() {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	return func() {
		m.listenersMu.Lock()
		delete(m.listeners, id)
		m.listenersMu.Unlock()
	}
}

// Logout clears the credentials and notifies unauthorized listeners.
func (m *Manager) Logout(reason error) {
	m.gen.Add(1)
	m.logout(reason)
}

// logoutIfCurrent logs out only when no other caller has installed or cleared
// credentials since gen was read, so waiters sharing one failed refresh
// notify listeners once.
func (m *Manager) logoutIfCurrent(gen uint64, reason error) bool {
	if !m.gen.CompareAndSwap(gen, gen+1) {
		return false
	}
	m.logout(reason)
	return true
}

func (m *Manager) logout(reason error) {
	m.store.ClearTokens()
	m.clock.Recompute("")
	metrics.RecordUnauthorized()
	m.logger.Warn().Err(reason).Msg("credentials cleared; re-authentication required")

	m.listenersMu.Lock()
	fns := make([]func(error), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.listenersMu.Unlock()
	for _, fn := range fns {
		fn(reason)
	}
}

// Refresh exchanges the refresh token for a new pair. Callers arriving while a
// refresh is in flight share its outcome.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	return m.refresh(ctx, triggerReactive)
}

func (m *Manager) refresh(ctx context.Context, trigger string) (string, error) {
	ch := m.flight.DoChan("refresh", func() (interface{}, error) {
		rt := m.store.RefreshToken()
		if rt == "" {
			return "", ErrNoRefreshToken
		}
		if m.refresher == nil {
			return "", errors.New("auth: no refresher configured")
		}
		// Shared by every waiter, so one caller's cancellation must not fail the rest.
		pair, err := m.refresher.Refresh(withTrigger(context.WithoutCancel(ctx), trigger), rt)
		if err != nil {
			metrics.RecordTokenRefresh(trigger, "error")
			return "", err
		}
		metrics.RecordTokenRefresh(trigger, "ok")
		m.SetTokens(pair.AccessToken, pair.RefreshToken)
		m.logger.Info().Str("trigger", trigger).Msg("access token refreshed")
		return pair.AccessToken, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// CheckAndMaybeRefresh evaluates the clock once. An expired token clears the
// credentials and returns ErrTokenExpired. A token inside the threshold is
// refreshed when a refresh credential exists; a failed proactive refresh
// keeps the old token and is left to the reactive path.
func (m *Manager) CheckAndMaybeRefresh(ctx context.Context) error {
	now := m.now()
	decision := m.clock.Evaluate(now)
	m.publishRemaining()

	switch decision {
	case DecisionExpired:
		m.Logout(ErrTokenExpired)
		return ErrTokenExpired
	case DecisionRefresh:
		if m.store.RefreshToken() == "" {
			m.logger.Debug().Str(xlog.FieldDecision, decision.String()).Msg("token near expiry but no refresh credential")
			return nil
		}
		remaining, _ := m.clock.Remaining(now)
		m.logger.Info().Dur(xlog.FieldRemaining, remaining).Msg("access token near expiry; refreshing")
		if _, err := m.refresh(ctx, triggerProactive); err != nil {
			m.logger.Warn().Err(err).Msg("proactive token refresh failed; keeping current token")
		}
		return nil
	default:
		return nil
	}
}

// HandleUnauthorized is the reactive path after a 401 observed with
// staleToken. If the stored token already moved on, it is returned without a
// refresh. Otherwise a collapsed refresh runs; when it fails the credentials
// are cleared and ErrUnauthorized is returned.
func (m *Manager) HandleUnauthorized(ctx context.Context, staleToken string) (string, error) {
	gen := m.gen.Load()
	current := m.store.AccessToken()
	if current != "" && current != staleToken {
		return current, nil
	}
	if current == "" && m.store.RefreshToken() == "" {
		// Already logged out.
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, ErrNoRefreshToken)
	}
	tok, err := m.refresh(ctx, triggerReactive)
	if err == nil {
		return tok, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	if errors.Is(err, ErrNoRefreshToken) || errors.Is(err, ErrRefreshRejected) {
		m.logoutIfCurrent(gen, err)
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return "", err
}

// Run evaluates the clock immediately and then every check interval until
// ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	_ = m.CheckAndMaybeRefresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = m.CheckAndMaybeRefresh(ctx)
		}
	}
}

func (m *Manager) publishRemaining() {
	remaining, ok := m.clock.Remaining(m.now())
	if !ok {
		metrics.SetTokenRemaining(-1)
		return
	}
	metrics.SetTokenRemaining(remaining.Seconds())
}

type triggerKey struct{}

func withTrigger(ctx context.Context, trigger string) context.Context {
	return context.WithValue(ctx, triggerKey{}, trigger)
}

// triggerFrom reports whether a refresh was proactive or reactive.
func triggerFrom(ctx context.Context) string {
	if t, ok := ctx.Value(triggerKey{}).(string); ok {
		return t
	}
	return triggerReactive
}
