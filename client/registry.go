package client

import (
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	xlog "github.com/AtDexters-Lab/progress-session-client/internal/log"
)

// Store maps resource ids to sessions. Implementations need not be safe for
// concurrent use; the Registry serializes access.
type Store interface {
	Load(resourceID string) (*Session, bool)
	Store(resourceID string, s *Session)
	Delete(resourceID string)
	Range(fn func(resourceID string, s *Session) bool)
}

// MapStore is the default in-memory Store.
type MapStore map[string]*Session

func (m MapStore) Load(id string) (*Session, bool) {
	s, ok := m[id]
	return s, ok
}

func (m MapStore) Store(id string, s *Session) { m[id] = s }

func (m MapStore) Delete(id string) { delete(m, id) }

func (m MapStore) Range(fn func(string, *Session) bool) {
	for id, s := range m {
		if !fn(id, s) {
			return
		}
	}
}

// Registry guarantees at most one Session per resource id and owns the
// lifecycle of every session it hands out.
type Registry struct {
	mu    sync.Mutex
	store Store
	cfg   Config

	dialer    Dialer
	tokens    TokenSource
	limiter   *rate.Limiter
	afterFunc afterFunc
	base      zerolog.Logger
	logger    zerolog.Logger

	hiddenTimer     stopper
	hiddenGen       uint64
	unsubscribeAuth func()
	closed          bool
}

// NewRegistry builds a registry from cfg. Defaults are applied to cfg, so a
// zero Config with only Server.URL set is usable.
func NewRegistry(cfg Config, opts ...Option) *Registry {
	cfg.applyDefaults()
	r := &Registry{
		store:     MapStore{},
		cfg:       cfg,
		limiter:   rate.NewLimiter(rate.Limit(cfg.Registry.DialRatePerSecond), cfg.Registry.DialBurst),
		afterFunc: realAfterFunc,
		base:      xlog.Base(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.base.With().Str(xlog.FieldComponent, "registry").Logger()
	if r.dialer == nil {
		r.dialer = NewWebsocketDialer(cfg.TransportConfig())
	}
	if n, ok := r.tokens.(unauthorizedNotifier); ok {
		r.unsubscribeAuth = n.OnUnauthorized(r.expireAll)
	}
	return r
}

func (r *Registry) deps() sessionDeps {
	return sessionDeps{
		baseURL:           r.cfg.Server.URL,
		policy:            r.cfg.policy(),
		probeDelay:        r.cfg.statusProbeDelay(),
		heartbeatInterval: r.cfg.heartbeatInterval(),
		maxMissedAcks:     r.cfg.Heartbeat.MaxMissedAcks,
		queueCapacity:     r.cfg.Server.MaxQueuedMessages,
		dialer:            r.dialer,
		tokens:            r.tokens,
		limiter:           r.limiter,
		afterFunc:         r.afterFunc,
		logger:            r.base.With().Str(xlog.FieldComponent, "session").Logger(),
	}
}

// GetOrCreate returns the live session bound to resourceID. A missing or
// Closed entry is replaced by a fresh, unconnected session.
func (r *Registry) GetOrCreate(resourceID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.store.Load(resourceID); ok {
		if s.State() != StateClosed {
			return s
		}
		r.store.Delete(resourceID)
		s.release()
		r.logger.Debug().Str(xlog.FieldResourceID, resourceID).Str(xlog.FieldSessionID, s.ID()).Msg("discarding closed session")
	}
	s := newSession(resourceID, r.deps())
	r.store.Store(resourceID, s)
	r.logger.Debug().Str(xlog.FieldResourceID, resourceID).Str(xlog.FieldSessionID, s.ID()).Msg("session created")
	return s
}

// Get returns the session bound to resourceID, if any.
func (r *Registry) Get(resourceID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.Load(resourceID)
}

// Remove disconnects the session bound to resourceID and forgets it.
func (r *Registry) Remove(resourceID, origin string) {
	r.mu.Lock()
	s, ok := r.store.Load(resourceID)
	if ok {
		r.store.Delete(resourceID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	s.Disconnect(origin)
	s.release()
}

// DisconnectAll disconnects and forgets every session.
func (r *Registry) DisconnectAll(origin string) {
	r.mu.Lock()
	var sessions []*Session
	r.store.Range(func(_ string, s *Session) bool {
		sessions = append(sessions, s)
		return true
	})
	for _, s := range sessions {
		r.store.Delete(s.ResourceID())
	}
	r.mu.Unlock()

	if len(sessions) > 0 {
		r.logger.Info().Str(xlog.FieldOrigin, origin).Int("sessions", len(sessions)).Msg("disconnecting all sessions")
	}
	for _, s := range sessions {
		s.Disconnect(origin)
		s.release()
	}
}

// ActiveResourceIDs lists the resource ids whose session is Open, sorted.
func (r *Registry) ActiveResourceIDs() []string {
	return r.resourceIDs(func(s *Session) bool { return s.State() == StateOpen })
}

// ResourceIDs lists every registered resource id regardless of state, sorted.
func (r *Registry) ResourceIDs() []string {
	return r.resourceIDs(func(*Session) bool { return true })
}

func (r *Registry) resourceIDs(keep func(*Session) bool) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	r.store.Range(func(id string, s *Session) bool {
		if keep(s) {
			ids = append(ids, id)
		}
		return true
	})
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	return len(r.ResourceIDs())
}

// Background arms the hidden timeout: once it elapses without Foreground,
// every session is disconnected. A zero timeout disables the policy.
func (r *Registry) Background() {
	d := r.cfg.hiddenTimeout()
	if d <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.hiddenTimer != nil {
		return
	}
	r.hiddenGen++
	gen := r.hiddenGen
	r.hiddenTimer = r.afterFunc(d, func() { r.hiddenTimeout(gen) })
	r.logger.Debug().Dur(xlog.FieldDelay, d).Msg("hidden timeout armed")
}

// Foreground disarms the hidden timeout.
func (r *Registry) Foreground() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hiddenTimer != nil {
		r.hiddenTimer.Stop()
		r.hiddenTimer = nil
		r.hiddenGen++
	}
}

func (r *Registry) hiddenTimeout(gen uint64) {
	r.mu.Lock()
	if gen != r.hiddenGen {
		r.mu.Unlock()
		return
	}
	r.hiddenTimer = nil
	r.mu.Unlock()
	r.DisconnectAll("hidden-timeout")
}

// expireAll ends every live session with CauseAuthExpired. Expired sessions
// stay registered so observers can read the terminal cause.
func (r *Registry) expireAll(reason error) {
	if reason == nil {
		reason = errors.New("unauthorized")
	}
	r.mu.Lock()
	var sessions []*Session
	r.store.Range(func(_ string, s *Session) bool {
		sessions = append(sessions, s)
		return true
	})
	r.mu.Unlock()

	r.logger.Warn().Err(reason).Int("sessions", len(sessions)).Msg("credentials revoked; expiring sessions")
	for _, s := range sessions {
		s.ExpireAuth(reason)
	}
}

// Close disconnects every session and detaches from the token source.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	if r.hiddenTimer != nil {
		r.hiddenTimer.Stop()
		r.hiddenTimer = nil
		r.hiddenGen++
	}
	unsubscribe := r.unsubscribeAuth
	r.unsubscribeAuth = nil
	r.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	r.DisconnectAll("shutdown")
}
