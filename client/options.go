package client

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrPrecondition is returned by Connect when the session cannot dial at
	// all (no resource id, no access token, bad URL). It is not retried.
	ErrPrecondition = errors.New("client: connection precondition failed")
	// ErrRetriesExhausted is returned once every reconnect attempt failed.
	ErrRetriesExhausted = errors.New("client: reconnect attempts exhausted")
	// ErrAuthExpired is returned when the session ended because the
	// credentials expired and could not be refreshed.
	ErrAuthExpired = errors.New("client: authentication expired")
	// ErrClosed is returned when the session was disconnected deliberately.
	ErrClosed = errors.New("client: session closed")
	// ErrNotConnected is returned for heartbeats submitted while the channel
	// is not open; they are dropped.
	ErrNotConnected = errors.New("client: channel not open")
	// ErrQueueFull is returned when the outbound queue reached its capacity.
	ErrQueueFull = errors.New("client: outbound queue full")
)

// TokenSource supplies the access token used in the dial URL and recovers
// from handshakes rejected for credentials. *auth.Manager implements it.
type TokenSource interface {
	AccessToken() string
	HandleUnauthorized(ctx context.Context, staleToken string) (string, error)
}

// unauthorizedNotifier is implemented by token sources that announce a
// forced logout.
type unauthorizedNotifier interface {
	OnUnauthorized(fn func(reason error)) func()
}

// StaticToken is a TokenSource with a fixed token and no refresh.
type StaticToken string

func (s StaticToken) AccessToken() string { return string(s) }

func (s StaticToken) HandleUnauthorized(context.Context, string) (string, error) {
	return "", ErrAuthExpired
}

// Option mutates a Registry during construction.
type Option func(*Registry)

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) Option {
	return func(r *Registry) {
		if d != nil {
			r.dialer = d
		}
	}
}

// WithTokenSource sets the credential source. When it can announce forced
// logouts the registry expires every live session on that signal.
func WithTokenSource(ts TokenSource) Option {
	return func(r *Registry) {
		r.tokens = ts
	}
}

// WithStore replaces the resource id to session table.
func WithStore(s Store) Option {
	return func(r *Registry) {
		if s != nil {
			r.store = s
		}
	}
}

// WithLogger overrides the base logger of the registry and its sessions.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) {
		r.base = l
	}
}

// stopper is satisfied by *time.Timer.
type stopper interface {
	Stop() bool
}

type afterFunc func(d time.Duration, f func()) stopper

func realAfterFunc(d time.Duration, f func()) stopper {
	return time.AfterFunc(d, f)
}

// withAfterFunc swaps the timer factory; tests use it to observe delays.
func withAfterFunc(fn afterFunc) Option {
	return func(r *Registry) {
		r.afterFunc = fn
	}
}
