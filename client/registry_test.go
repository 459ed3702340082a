package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AtDexters-Lab/progress-session-client/auth"
	xlog "github.com/AtDexters-Lab/progress-session-client/internal/log"
)

func TestRegistryReturnsOneSessionPerResource(t *testing.T) {
	h := newHarness(t, newFakeDialer(), StaticToken("tok"))

	a := h.reg.GetOrCreate("doc-1")
	b := h.reg.GetOrCreate("doc-1")
	c := h.reg.GetOrCreate("doc-0")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.NotEqual(t, a.ID(), c.ID())
	assert.Equal(t, []string{"doc-0", "doc-1"}, h.reg.ResourceIDs())
	assert.Empty(t, h.reg.ActiveResourceIDs())
	assert.Equal(t, 2, h.reg.Len())
	assert.Equal(t, StateIdle, a.State())
	assert.Zero(t, h.dialer.dialCount())
}

func TestRegistryRemoveDisconnects(t *testing.T) {
	h := newHarness(t, newFakeDialer(), StaticToken("tok"))
	s, tr := openSession(t, h, "doc-1")

	h.reg.Remove("doc-1", "view-closed")
	st := waitState(t, s, StateClosed)
	assert.Equal(t, CauseManual, st.Cause)
	code, _ := tr.closedWith()
	assert.Equal(t, CloseNormal, code)

	_, ok := h.reg.Get("doc-1")
	assert.False(t, ok)
	assert.NotSame(t, s, h.reg.GetOrCreate("doc-1"))

	h.reg.Remove("missing", "noop")
}

func TestRegistryRemoveDropsQueuedCommands(t *testing.T) {
	h := newHarness(t, newFakeDialer(), StaticToken("tok"))
	s := h.reg.GetOrCreate("doc-1")
	require.NoError(t, s.SendMessage(mustStart(t, nil)))
	require.Equal(t, 1, s.QueueLen())

	h.reg.Remove("doc-1", "view-closed")
	assert.Zero(t, s.QueueLen())

	require.ErrorIs(t, s.SendMessage(mustStart(t, nil)), ErrClosed)
	require.ErrorIs(t, s.Connect(context.Background()), ErrClosed)
	assert.Zero(t, s.QueueLen())
	assert.Zero(t, h.dialer.dialCount())
}

func TestRegistryDisconnectAll(t *testing.T) {
	h := newHarness(t, newFakeDialer(), StaticToken("tok"))
	s1, _ := openSession(t, h, "doc-1")
	s2, _ := openSession(t, h, "doc-2")
	idle := h.reg.GetOrCreate("doc-3")

	h.reg.DisconnectAll("logout")

	for _, s := range []*Session{s1, s2, idle} {
		st := waitState(t, s, StateClosed)
		assert.Equal(t, CauseManual, st.Cause, s.ResourceID())
	}
	assert.Empty(t, h.reg.ResourceIDs())
}

func TestRegistryHiddenTimeout(t *testing.T) {
	h := newHarness(t, newFakeDialer(), StaticToken("tok"), func(c *Config) {
		c.Registry.HiddenTimeoutSeconds = 60
	})
	s, _ := openSession(t, h, "doc-1")

	h.reg.Background()
	h.reg.Background()
	assert.Equal(t, []time.Duration{time.Minute}, h.timers.pending())

	h.reg.Foreground()
	assert.Empty(t, h.timers.pending())
	assert.Equal(t, StateOpen, s.State())

	h.reg.Background()
	h.timers.fire(t, time.Minute)
	waitState(t, s, StateClosed)
	assert.Empty(t, h.reg.ActiveResourceIDs())
}

func TestRegistryHiddenTimeoutDisabledByDefault(t *testing.T) {
	h := newHarness(t, newFakeDialer(), StaticToken("tok"))
	h.reg.Background()
	assert.Empty(t, h.timers.pending())
}

func TestRegistryExpiresSessionsOnForcedLogout(t *testing.T) {
	mgr := auth.NewManager(auth.NewMemoryStore("tok", ""), nil, auth.WithLogger(xlog.Nop()))
	h := newHarness(t, newFakeDialer(), mgr)
	open, _ := openSession(t, h, "doc-1")
	idle := h.reg.GetOrCreate("doc-2")

	mgr.Logout(errors.New("session revoked"))

	for _, s := range []*Session{open, idle} {
		st := s.Status()
		assert.Equal(t, StateClosed, st.State, s.ResourceID())
		assert.Equal(t, CauseAuthExpired, st.Cause, s.ResourceID())
	}
	assert.Equal(t, []string{"doc-1", "doc-2"}, h.reg.ResourceIDs())
	assert.Empty(t, h.reg.ActiveResourceIDs())

	err := open.Connect(context.Background())
	require.ErrorIs(t, err, ErrPrecondition)

	fresh := h.reg.GetOrCreate("doc-1")
	assert.NotSame(t, open, fresh)
	assert.Equal(t, StateIdle, fresh.State())
}

func TestRegistryActiveResourceIDsListsOpenSessions(t *testing.T) {
	h := newHarness(t, newFakeDialer(), StaticToken("tok"))
	openSession(t, h, "doc-2")
	openSession(t, h, "doc-1")
	h.reg.GetOrCreate("doc-3")

	assert.Equal(t, []string{"doc-1", "doc-2"}, h.reg.ActiveResourceIDs())
	assert.Equal(t, []string{"doc-1", "doc-2", "doc-3"}, h.reg.ResourceIDs())
}

func TestRegistryReplacesClosedSession(t *testing.T) {
	h := newHarness(t, newFakeDialer(), StaticToken("tok"))
	s, _ := openSession(t, h, "doc-1")
	assert.Same(t, s, h.reg.GetOrCreate("doc-1"))

	s.Disconnect("test")
	waitState(t, s, StateClosed)

	fresh := h.reg.GetOrCreate("doc-1")
	assert.NotSame(t, s, fresh)
	assert.Equal(t, StateIdle, fresh.State())
	assert.Same(t, fresh, h.reg.GetOrCreate("doc-1"))
}

func TestRegistryCloseDetachesFromTokenSource(t *testing.T) {
	mgr := auth.NewManager(auth.NewMemoryStore("tok", ""), nil, auth.WithLogger(xlog.Nop()))
	h := newHarness(t, newFakeDialer(), mgr)
	s := h.reg.GetOrCreate("doc-1")

	h.reg.Close()
	h.reg.Close()
	assert.Equal(t, CauseManual, s.Status().Cause)

	mgr.Logout(errors.New("late"))
	assert.Equal(t, CauseManual, s.Status().Cause)
}
