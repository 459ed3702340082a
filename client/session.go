package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/AtDexters-Lab/progress-session-client/auth"
	xlog "github.com/AtDexters-Lab/progress-session-client/internal/log"
	"github.com/AtDexters-Lab/progress-session-client/internal/metrics"
)

const (
	documentsPath        = "/ws/documents/"
	defaultSubscriberBuf = 64
)

// sessionDeps is what a Registry hands to each Session it creates.
type sessionDeps struct {
	baseURL           string
	policy            policy
	probeDelay        time.Duration
	heartbeatInterval time.Duration
	maxMissedAcks     int
	queueCapacity     int

	dialer    Dialer
	tokens    TokenSource
	limiter   *rate.Limiter
	afterFunc afterFunc
	now       func() time.Time
	logger    zerolog.Logger
}

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// Session owns one physical channel to one resource. It dials, reconnects
// with exponential backoff, runs the heartbeat while open, queues outbound
// messages while not open and fans inbound events out to subscribers.
type Session struct {
	id         uuid.UUID
	resourceID string
	deps       sessionDeps
	logger     zerolog.Logger

	outbound  *MessageQueue
	heartbeat *HeartbeatMonitor

	mu             sync.Mutex
	fsm            machine
	gen            uint64 // bumped per dial; events from older dials are ignored
	conn           Transport
	dialCancel     context.CancelFunc
	reconnectTimer stopper
	probeTimer     stopper
	lastErr        error
	terminalErr    error
	connectedAt    time.Time
	closedAt       time.Time
	lastMessageAt  time.Time
	waiters        map[chan error]struct{}
	released       bool

	subsMu   sync.Mutex
	nextSub  int
	subs     map[int]*subscriber
	watchers map[int]chan Status
}

func newSession(resourceID string, deps sessionDeps) *Session {
	if deps.afterFunc == nil {
		deps.afterFunc = realAfterFunc
	}
	if deps.now == nil {
		deps.now = time.Now
	}
	id := uuid.New()
	s := &Session{
		id:         id,
		resourceID: resourceID,
		deps:       deps,
		logger: deps.logger.With().
			Str(xlog.FieldResourceID, resourceID).
			Str(xlog.FieldSessionID, id.String()).
			Logger(),
		outbound:  NewMessageQueue(deps.queueCapacity),
		heartbeat: NewHeartbeatMonitor(deps.heartbeatInterval, deps.maxMissedAcks),
		fsm:       machine{state: StateIdle},
		waiters:   make(map[chan error]struct{}),
		subs:      make(map[int]*subscriber),
		watchers:  make(map[int]chan Status),
	}
	metrics.TrackStateChange("", StateIdle.String())
	return s
}

// ID is a unique id for this session instance, used in logs.
func (s *Session) ID() string { return s.id.String() }

// ResourceID is the logical resource the session is bound to.
func (s *Session) ResourceID() string { return s.resourceID }

// Heartbeat exposes the session's heartbeat monitor.
func (s *Session) Heartbeat() *HeartbeatMonitor { return s.heartbeat }

// QueueLen is the number of outbound messages waiting for an open channel.
func (s *Session) QueueLen() int { return s.outbound.Len() }

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fsm.state
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Session) statusLocked() Status {
	st := Status{
		ResourceID:       s.resourceID,
		State:            s.fsm.state,
		Cause:            s.fsm.cause,
		Attempt:          s.fsm.attempt,
		LastError:        s.lastErr,
		ReconnectPending: s.reconnectTimer != nil,
		ConnectedAt:      s.connectedAt,
		ClosedAt:         s.closedAt,
		LastMessageAt:    s.lastMessageAt,
		LastHeartbeatAck: s.heartbeat.LastAckAt(),
	}
	if s.fsm.state == StateClosed && s.terminalErr != nil {
		st.LastError = s.terminalErr
	}
	if lag, ok := s.heartbeat.Lag(); ok {
		st.HeartbeatLag = lag
	}
	return st
}

// Connect dials the channel and blocks until it is open, the session reached
// a terminal state, or ctx is done. It returns nil right away when a dial is
// already in progress or the channel is open. A ctx that ends first only stops
// the wait; reconnection continues in the background.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return fmt.Errorf("%w: session released", ErrClosed)
	}
	switch s.fsm.state {
	case StateConnecting, StateOpen:
		s.mu.Unlock()
		return nil
	case StateClosing:
		s.mu.Unlock()
		return fmt.Errorf("%w: disconnect in progress", ErrClosed)
	}
	wait := make(chan error, 1)
	s.waiters[wait] = struct{}{}
	s.apply(event{kind: evConnect})
	s.mu.Unlock()

	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.waiters, wait)
		s.mu.Unlock()
		return ctx.Err()
	}
}

// Disconnect closes the channel gracefully and stops any reconnection. origin
// is a diagnostic tag.
func (s *Session) Disconnect(origin string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger.Info().
		Str(xlog.FieldOrigin, origin).
		Str(xlog.FieldOldState, s.fsm.state.String()).
		Msg("disconnect requested")
	s.apply(event{kind: evDisconnect})
}

// ExpireAuth ends the session with CauseAuthExpired. Terminal sessions are
// left as they are.
func (s *Session) ExpireAuth(reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fsm.state == StateClosed {
		return
	}
	s.expireLocked(reason)
}

func (s *Session) expireLocked(reason error) {
	if reason == nil {
		reason = auth.ErrUnauthorized
	}
	s.lastErr = fmt.Errorf("%w: %v", ErrAuthExpired, reason)
	s.apply(event{kind: evAuthExpired})
}

// SendMessage transmits msg when the channel is open and queues it otherwise.
// A failed transmit requeues the message. Heartbeats are never queued: they
// are dropped with ErrNotConnected when the channel is not open.
func (s *Session) SendMessage(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return fmt.Errorf("%w: session released", ErrClosed)
	}
	if s.fsm.state == StateOpen && s.conn != nil {
		err := s.writeLocked(msg)
		if err == nil {
			return nil
		}
		if msg.IsHeartbeat() {
			return err
		}
		s.logger.Warn().Err(err).Str(xlog.FieldMessageType, string(msg.Type)).Msg("send failed; message requeued")
		return s.enqueue(msg)
	}
	if msg.IsHeartbeat() {
		metrics.RecordFrameOut(string(msg.Type), "dropped")
		return ErrNotConnected
	}
	return s.enqueue(msg)
}

func (s *Session) enqueue(msg Message) error {
	if err := s.outbound.Enqueue(msg); err != nil {
		metrics.RecordFrameOut(string(msg.Type), "rejected")
		return err
	}
	metrics.RecordFrameOut(string(msg.Type), "queued")
	return nil
}

func (s *Session) writeLocked(msg Message) error {
	if s.conn == nil {
		return ErrNotConnected
	}
	data, err := jsonMarshal(msg)
	if err != nil {
		metrics.RecordFrameOut(string(msg.Type), "failed")
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	if err := s.conn.WriteMessage(data); err != nil {
		metrics.RecordFrameOut(string(msg.Type), "failed")
		return err
	}
	metrics.RecordFrameOut(string(msg.Type), "sent")
	return nil
}

// Subscribe registers a receiver for inbound events. Events that arrive while
// the buffer is full are dropped for that receiver only.
func (s *Session) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuf
	}
	sub := &subscriber{ch: make(chan Event, buffer), done: make(chan struct{})}

	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = sub
	s.subsMu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.subs, id)
			s.subsMu.Unlock()
			close(sub.done)
		})
	}
}

// Watch returns a channel carrying the latest Status after every change.
// Slow readers only miss intermediate snapshots.
func (s *Session) Watch() (<-chan Status, func()) {
	ch := make(chan Status, 1)

	s.mu.Lock()
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.watchers[id] = ch
	ch <- s.statusLocked()
	s.subsMu.Unlock()
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subsMu.Lock()
			delete(s.watchers, id)
			s.subsMu.Unlock()
		})
	}
}

func (s *Session) notifyLocked() {
	st := s.statusLocked()
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.watchers {
		select {
		case ch <- st:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- st:
			default:
			}
		}
	}
}

func (s *Session) publish(ev Event) {
	s.subsMu.Lock()
	subs := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subsMu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		case <-sub.done:
		default:
			metrics.RecordFrameIn("subscriber_overflow")
			s.logger.Warn().Str(xlog.FieldEventType, ev.EventType).Msg("subscriber buffer full; event dropped")
		}
	}
}

// apply runs ev and any follow-up events through the state machine and
// executes the resulting effects. s.mu must be held.
func (s *Session) apply(ev event) {
	pending := []event{ev}
	for len(pending) > 0 {
		ev := pending[0]
		pending = pending[1:]

		prev := s.fsm
		next, effects := transition(prev, ev, s.deps.policy)
		s.fsm = next
		if next.state != prev.state {
			s.enterState(prev, next, ev)
		}
		for _, eff := range effects {
			if follow, ok := s.run(eff); ok {
				pending = append(pending, follow)
			}
		}
		if next != prev {
			s.notifyLocked()
		}
	}
	s.resolveWaiters()
}

func (s *Session) enterState(prev, next machine, ev event) {
	now := s.deps.now()
	switch next.state {
	case StateOpen:
		s.connectedAt = now
		s.lastErr = nil
	case StateClosed:
		s.closedAt = now
		s.terminalErr = s.closeErrorLocked(next.cause)
		metrics.RecordTerminal(next.cause.String())
	}
	if !s.released {
		metrics.TrackStateChange(prev.state.String(), next.state.String())
	}

	logEv := s.logger.Info()
	if next.state == StateClosed && next.cause != CauseManual {
		logEv = s.logger.Warn().AnErr("error", s.terminalErr)
	}
	logEv.
		Str(xlog.FieldOldState, prev.state.String()).
		Str(xlog.FieldNewState, next.state.String()).
		Str(xlog.FieldCause, next.cause.String()).
		Int(xlog.FieldAttempt, next.attempt).
		Str("event", ev.kind.String()).
		Msg("session state changed")
}

// resolveWaiters answers pending Connect calls once the session is open or
// terminal.
func (s *Session) resolveWaiters() {
	var result error
	switch s.fsm.state {
	case StateOpen:
	case StateClosed:
		result = s.terminalErr
	default:
		return
	}
	for w := range s.waiters {
		w <- result
		delete(s.waiters, w)
	}
}

func (s *Session) closeErrorLocked(cause CloseCause) error {
	switch cause {
	case CauseManual:
		return ErrClosed
	case CauseAuthExpired:
		if s.lastErr != nil && errors.Is(s.lastErr, ErrAuthExpired) {
			return s.lastErr
		}
		return ErrAuthExpired
	default:
		if s.lastErr == nil {
			return ErrRetriesExhausted
		}
		if errors.Is(s.lastErr, ErrPrecondition) {
			return s.lastErr
		}
		return fmt.Errorf("%w: %w", ErrRetriesExhausted, s.lastErr)
	}
}

// run executes one effect. It may return a follow-up event.
func (s *Session) run(eff effect) (event, bool) {
	switch eff.kind {
	case effDial:
		return s.startDialLocked()

	case effStartHeartbeat:
		conn, gen := s.conn, s.gen
		if conn == nil {
			break
		}
		s.heartbeat.Start(
			func() error { return s.writeHeartbeat(conn) },
			func() { go s.livenessLost(gen) },
		)

	case effStopHeartbeat:
		s.heartbeat.Stop()

	case effDrainQueue:
		n, err := s.outbound.Drain(s.writeLocked)
		if err != nil {
			s.logger.Warn().Err(err).Int(xlog.FieldQueueDepth, s.outbound.Len()).Msg("queue drain interrupted; remaining messages stay queued")
		} else if n > 0 {
			s.logger.Debug().Int("flushed", n).Msg("flushed queued messages")
		}

	case effScheduleStatusProbe:
		if s.deps.probeDelay < 0 {
			break
		}
		gen := s.gen
		stopTimer(&s.probeTimer)
		s.probeTimer = s.deps.afterFunc(s.deps.probeDelay, func() { s.statusProbe(gen) })

	case effScheduleReconnect:
		gen := s.gen
		stopTimer(&s.reconnectTimer)
		metrics.RecordReconnect(s.fsm.cause.String())
		s.logger.Warn().
			Int(xlog.FieldAttempt, s.fsm.attempt).
			Dur(xlog.FieldDelay, eff.delay).
			Str(xlog.FieldCause, s.fsm.cause.String()).
			AnErr("error", s.lastErr).
			Msg("channel lost; reconnect scheduled")
		s.reconnectTimer = s.deps.afterFunc(eff.delay, func() { s.reconnect(gen) })

	case effCancelReconnect:
		stopTimer(&s.reconnectTimer)
		stopTimer(&s.probeTimer)
		if s.dialCancel != nil {
			s.dialCancel()
			s.dialCancel = nil
		}

	case effClearQueue:
		if n := s.outbound.ClearNonCritical(); n > 0 {
			s.logger.Debug().Int("dropped", n).Msg("dropped queued status probes")
		}

	case effCloseTransport:
		conn := s.conn
		s.conn = nil
		if conn == nil {
			if s.fsm.state == StateClosing {
				return event{kind: evClosed, code: CloseNormal}, true
			}
			break
		}
		go func() {
			if err := conn.Close(eff.code, eff.reason); err != nil {
				s.logger.Debug().Err(err).Msg("close handshake failed")
			}
		}()

	case effAbortTransport:
		if conn := s.conn; conn != nil {
			go conn.Abort()
		}
	}
	return event{}, false
}

func stopTimer(t *stopper) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (s *Session) dialURL(token string) (string, error) {
	if strings.TrimSpace(s.resourceID) == "" {
		return "", fmt.Errorf("%w: empty resource id", ErrPrecondition)
	}
	if token == "" {
		return "", fmt.Errorf("%w: no access token", ErrPrecondition)
	}
	u, err := url.Parse(s.deps.baseURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return "", fmt.Errorf("%w: invalid server url %q", ErrPrecondition, s.deps.baseURL)
	}
	base := strings.TrimRight(u.Scheme+"://"+u.Host+u.EscapedPath(), "/")
	query := url.Values{"token": {token}}
	return base + documentsPath + url.PathEscape(s.resourceID) + "?" + query.Encode(), nil
}

func (s *Session) startDialLocked() (event, bool) {
	token := ""
	if s.deps.tokens != nil {
		token = s.deps.tokens.AccessToken()
	}
	rawURL, err := s.dialURL(token)
	if err != nil {
		s.lastErr = err
		return event{kind: evPrecondition}, true
	}

	if s.dialCancel != nil {
		s.dialCancel()
	}
	s.gen++
	ctx, cancel := context.WithCancel(context.Background())
	s.dialCancel = cancel
	s.logger.Debug().Int(xlog.FieldAttempt, s.fsm.attempt).Msg("dialing")
	go s.dial(ctx, s.gen, rawURL, token, false)
	return event{}, false
}

func (s *Session) dial(ctx context.Context, gen uint64, rawURL, token string, reauthed bool) {
	if s.deps.limiter != nil {
		if err := s.deps.limiter.Wait(ctx); err != nil {
			s.dialFailed(gen, err)
			return
		}
	}

	conn, err := s.deps.dialer.Dial(ctx, rawURL)
	if err == nil {
		metrics.RecordDial("ok")
		s.opened(gen, conn)
		return
	}

	var hs *HandshakeError
	if errors.As(err, &hs) && hs.Unauthorized() {
		metrics.RecordDial("unauthorized")
		s.unauthorizedHandshake(ctx, gen, token, reauthed, err)
		return
	}
	metrics.RecordDial("error")
	s.dialFailed(gen, err)
}

// unauthorizedHandshake is the reactive auth path: refresh once and redial
// without consuming a reconnect attempt.
func (s *Session) unauthorizedHandshake(ctx context.Context, gen uint64, token string, reauthed bool, cause error) {
	if reauthed || s.deps.tokens == nil {
		s.expire(gen, cause)
		return
	}
	fresh, err := s.deps.tokens.HandleUnauthorized(ctx, token)
	switch {
	case err == nil:
		rawURL, uerr := s.dialURL(fresh)
		if uerr != nil {
			s.expire(gen, uerr)
			return
		}
		s.dial(ctx, gen, rawURL, fresh, true)
	case ctx.Err() != nil:
	case errors.Is(err, auth.ErrUnauthorized), errors.Is(err, ErrAuthExpired):
		s.expire(gen, err)
	default:
		s.dialFailed(gen, err)
	}
}

func (s *Session) expire(gen uint64, reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.fsm.state == StateClosed {
		return
	}
	s.expireLocked(reason)
}

func (s *Session) dialFailed(gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.fsm.state != StateConnecting {
		return
	}
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}
	s.lastErr = err
	s.apply(event{kind: evClosed, code: closeAbnormal})
}

func (s *Session) opened(gen uint64, conn Transport) {
	s.mu.Lock()
	if gen != s.gen || s.fsm.state != StateConnecting {
		s.mu.Unlock()
		_ = conn.Close(CloseNormal, reasonClientDisconnect)
		return
	}
	s.conn = conn
	go s.readLoop(gen, conn)
	s.apply(event{kind: evOpened})
	s.mu.Unlock()
}

func (s *Session) readLoop(gen uint64, conn Transport) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Abort()
			s.transportClosed(gen, conn, err)
			return
		}
		s.handleFrame(gen, data)
	}
}

func (s *Session) transportClosed(gen uint64, conn Transport, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	if s.conn == conn {
		s.conn = nil
	}
	code, fromPeer := CloseCodeOf(err)
	if code != CloseNormal && s.fsm.state == StateOpen {
		s.lastErr = err
	}
	s.logger.Debug().Int(xlog.FieldCloseCode, code).Bool("from_peer", fromPeer).Msg("channel closed")
	s.apply(event{kind: evClosed, code: code, fromPeer: fromPeer})
}

func (s *Session) handleFrame(gen uint64, data []byte) {
	eventType, err := parseFrame(data)
	if err != nil {
		metrics.RecordFrameIn("malformed")
		s.logger.Warn().Err(err).Int("bytes", len(data)).Msg("dropping malformed frame")
		return
	}

	now := s.deps.now()
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.lastMessageAt = now
	s.mu.Unlock()

	if eventType == EventHeartbeat {
		metrics.RecordFrameIn("heartbeat_ack")
		s.heartbeat.Ack(now)
		return
	}
	metrics.RecordFrameIn("event")
	s.publish(Event{
		ResourceID: s.resourceID,
		EventType:  eventType,
		Payload:    append(json.RawMessage(nil), data...),
		ReceivedAt: now,
	})
}

func (s *Session) writeHeartbeat(conn Transport) error {
	data, err := jsonMarshal(Heartbeat())
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(data); err != nil {
		metrics.RecordFrameOut(string(TypeHeartbeat), "failed")
		s.logger.Debug().Err(err).Msg("heartbeat send failed")
		return err
	}
	metrics.RecordFrameOut(string(TypeHeartbeat), "sent")
	return nil
}

func (s *Session) statusProbe(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.fsm.state != StateOpen {
		return
	}
	s.probeTimer = nil
	if err := s.writeLocked(GetStatus()); err != nil {
		s.logger.Debug().Err(err).Msg("initial status probe failed")
	}
}

func (s *Session) reconnect(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.fsm.state != StateConnecting {
		return
	}
	s.reconnectTimer = nil
	if follow, ok := s.startDialLocked(); ok {
		s.apply(follow)
	}
}

func (s *Session) livenessLost(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	s.logger.Warn().Int("max_missed_acks", s.deps.maxMissedAcks).Msg("heartbeat acknowledgements missing; dropping channel")
	s.apply(event{kind: evLivenessLost})
}

// release drops the outbound queue and stops tracking the session in the
// state gauge once the registry dropped it. Connect and SendMessage then
// return ErrClosed.
func (s *Session) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	s.released = true
	if n := s.outbound.Clear(); n > 0 {
		s.logger.Debug().Int(xlog.FieldQueueDepth, n).Msg("queued messages dropped on release")
	}
	metrics.TrackStateChange(s.fsm.state.String(), "")
}
