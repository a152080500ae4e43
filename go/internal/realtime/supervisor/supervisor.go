// Package supervisor owns the realtime duplex connection: token fetch, dial,
// hello/hello_ack handshake, and reconnection with exponential backoff.
//
// All methods except Status must be called on the event loop. Every
// asynchronous callback carries the generation of the attempt that created
// it and is ignored once the generation has moved on, so a superseded
// attempt can never change state owned by a newer one.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/tablesync/go/internal/realtime/loop"
	"github.com/mcdev12/tablesync/go/internal/realtime/protocol"
	"github.com/rs/zerolog/log"
)

// Supervisor maintains at most one live connection
type Supervisor struct {
	ctx      context.Context
	cfg      Config
	loop     *loop.Loop
	tokens   TokenSource
	dialer   Dialer
	reporter Reporter

	state      State
	generation uint64
	session    *session

	failures int
	backoff  time.Duration
	retryIn  time.Duration
	userID   int64
	syncErr  error
	terminal error

	retryTimer     *loop.Timer
	handshakeTimer *loop.Timer
	attemptCancel  context.CancelFunc

	onMessage   func(protocol.ServerMsg)
	onConnected []func()
	listeners   []func(Status)

	statusMu sync.RWMutex
	status   Status
}

// Option customizes a Supervisor
type Option func(*Supervisor)

// WithReporter sets the observability collaborator for transport errors
func WithReporter(r Reporter) Option {
	return func(s *Supervisor) {
		s.reporter = r
	}
}

// WithConfig overrides DefaultConfig
func WithConfig(cfg Config) Option {
	return func(s *Supervisor) {
		s.cfg = cfg
	}
}

// New creates a disconnected supervisor. Attempts run under ctx.
func New(ctx context.Context, l *loop.Loop, tokens TokenSource, dialer Dialer, opts ...Option) *Supervisor {
	s := &Supervisor{
		ctx:      ctx,
		cfg:      DefaultConfig(),
		loop:     l,
		tokens:   tokens,
		dialer:   dialer,
		reporter: nopReporter{},
		state:    StateDisconnected,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.backoff = s.cfg.InitialBackoff
	s.publish()
	return s
}

// OnMessage sets the handler for frames other than the handshake
func (s *Supervisor) OnMessage(fn func(protocol.ServerMsg)) {
	s.onMessage = fn
}

// OnConnected registers a hook run after every successful handshake
func (s *Supervisor) OnConnected(fn func()) {
	s.onConnected = append(s.onConnected, fn)
}

// OnStatus registers a listener for status changes. It runs on the loop.
func (s *Supervisor) OnStatus(fn func(Status)) {
	s.listeners = append(s.listeners, fn)
}

// State returns the current lifecycle state
func (s *Supervisor) State() State {
	return s.state
}

// Connected reports whether the handshake completed on the live connection
func (s *Supervisor) Connected() bool {
	return s.state == StateConnected && s.session != nil
}

// Generation returns the current attempt generation
func (s *Supervisor) Generation() uint64 {
	return s.generation
}

// Attempts returns the number of consecutive failed attempts
func (s *Supervisor) Attempts() int {
	return s.failures
}

// Status returns the latest published status. Safe from any goroutine.
func (s *Supervisor) Status() Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

// Connect starts connecting. It is a no-op while connecting or connected.
// A manual Connect resets the backoff and clears a terminal error.
func (s *Supervisor) Connect() {
	switch s.state {
	case StateConnecting, StateAwaitingHandshake, StateConnected:
		log.Debug().Str("state", s.state.String()).Msg("connect ignored, already active")
		return
	case StateDisconnected, StateReconnecting:
	}

	s.retryTimer.Stop()
	s.retryTimer = nil
	s.failures = 0
	s.backoff = s.cfg.InitialBackoff
	s.terminal = nil
	s.startAttempt()
}

// Disconnect tears everything down. The supervisor will not reconnect until
// Connect is called again.
func (s *Supervisor) Disconnect() {
	s.generation++
	s.stopAll()
	s.state = StateDisconnected
	s.retryIn = 0

	log.Info().Uint64("generation", s.generation).Msg("realtime disconnected")
	s.publish()
}

// Send queues a frame on the live connection
func (s *Supervisor) Send(msg protocol.ClientMsg) error {
	sess := s.session
	if sess == nil {
		return ErrNotConnected
	}
	data, err := msg.Encode()
	if err != nil {
		return err
	}

	select {
	case sess.send <- data:
		return nil
	default:
		log.Warn().
			Str("attempt_id", sess.attemptID).
			Str("frame", string(msg.Type)).
			Msg("send buffer full, closing connection")
		terr := &TransportError{Op: "send", Err: errSendBufferOverrun}
		s.recordError(terr)
		s.teardownSession()
		s.scheduleRetry(terr)
		return terr
	}
}

func (s *Supervisor) startAttempt() {
	s.generation++
	gen := s.generation
	attemptID := uuid.New().String()[:8]

	if s.attemptCancel != nil {
		s.attemptCancel()
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.attemptCancel = cancel

	s.state = StateConnecting
	s.retryIn = 0
	s.publish()

	log.Info().
		Uint64("generation", gen).
		Str("attempt_id", attemptID).
		Int("failures", s.failures).
		Msg("realtime connection attempt")

	loop.Await(s.loop, ctx, func(ctx context.Context) (Conn, error) {
		token, err := s.tokens.FetchRealtimeToken(ctx)
		if err != nil {
			return nil, &TokenFetchError{Err: err}
		}
		conn, err := s.dialer.Dial(ctx, token)
		if err != nil {
			return nil, &TransportError{Op: "dial", Err: err}
		}
		return conn, nil
	}, func(conn Conn, err error) {
		s.onOpen(gen, attemptID, conn, err)
	})
}

func (s *Supervisor) onOpen(gen uint64, attemptID string, conn Conn, err error) {
	if gen != s.generation {
		if conn != nil {
			_ = conn.Close()
		}
		log.Debug().
			Uint64("generation", gen).
			Uint64("current_generation", s.generation).
			Str("attempt_id", attemptID).
			Msg("superseded attempt opened, closing it")
		return
	}

	if err != nil {
		var tokenErr *TokenFetchError
		if errors.As(err, &tokenErr) && tokenErr.Fatal() {
			s.stopRetrying(fmt.Errorf("%w: %v", ErrAuthRequired, err))
			return
		}
		s.recordError(err)
		s.scheduleRetry(err)
		return
	}

	s.session = s.startSession(gen, attemptID, conn)
	s.state = StateAwaitingHandshake
	if err := s.Send(protocol.Hello()); err != nil {
		return
	}
	s.handshakeTimer = s.loop.AfterFunc(s.cfg.HandshakeTimeout, func() {
		s.onHandshakeTimeout(gen)
	})

	log.Debug().Uint64("generation", gen).Str("attempt_id", attemptID).Msg("hello sent")
	s.publish()
}

func (s *Supervisor) onFrame(gen uint64, data []byte) {
	if gen != s.generation || s.session == nil {
		return
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		log.Warn().Err(err).Uint64("generation", gen).Msg("dropping undecodable frame")
		return
	}

	switch {
	case msg.Type == protocol.ServerMsgHelloAck:
		s.onHelloAck(msg)

	case msg.Type == protocol.ServerMsgError && msg.Code == protocol.ErrorCodeBadProtocol:
		s.stopRetrying(fmt.Errorf("%w: %s", ErrProtocolMismatch, msg.Message))

	default:
		if s.state != StateConnected && msg.Type != protocol.ServerMsgError {
			log.Debug().Str("type", string(msg.Type)).Msg("dropping frame received before handshake")
			return
		}
		if s.onMessage != nil {
			s.onMessage(msg)
		}
	}
}

func (s *Supervisor) onHelloAck(msg protocol.ServerMsg) {
	if s.state != StateAwaitingHandshake {
		log.Debug().Str("state", s.state.String()).Msg("unexpected hello_ack")
		return
	}
	if msg.Protocol != protocol.ProtocolVersion {
		s.stopRetrying(fmt.Errorf("%w: server speaks %d, client %d", ErrProtocolMismatch, msg.Protocol, protocol.ProtocolVersion))
		return
	}

	s.handshakeTimer.Stop()
	s.handshakeTimer = nil
	s.state = StateConnected
	s.failures = 0
	s.backoff = s.cfg.InitialBackoff
	s.retryIn = 0
	s.syncErr = nil
	s.userID = msg.UserID

	log.Info().
		Uint64("generation", s.generation).
		Int64("user_id", msg.UserID).
		Msg("realtime connected")

	gen := s.generation
	for _, fn := range s.onConnected {
		fn()
		if gen != s.generation || s.session == nil {
			// a hook failed the connection
			return
		}
	}
	s.publish()
}

func (s *Supervisor) onHandshakeTimeout(gen uint64) {
	if gen != s.generation || s.state != StateAwaitingHandshake {
		return
	}
	err := &TransportError{Op: "handshake", Err: ErrHandshakeTimeout}
	s.recordError(err)
	s.teardownSession()
	s.scheduleRetry(err)
}

func (s *Supervisor) onClosed(gen uint64, err error) {
	if gen != s.generation || s.session == nil {
		return
	}
	var terr *TransportError
	if !errors.As(err, &terr) {
		err = &TransportError{Op: "read", Err: err}
	}
	s.recordError(err)
	s.teardownSession()
	s.scheduleRetry(err)
}

// scheduleRetry counts a failed attempt and arms the backoff timer, or
// gives up once MaxAttempts consecutive attempts have failed
func (s *Supervisor) scheduleRetry(cause error) {
	s.failures++
	if s.failures >= s.cfg.MaxAttempts {
		s.stopRetrying(fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, s.failures, cause))
		return
	}

	delay := s.backoff
	s.backoff = min(s.backoff*2, s.cfg.MaxBackoff)
	s.state = StateReconnecting
	s.retryIn = delay

	gen := s.generation
	s.retryTimer.Stop()
	s.retryTimer = s.loop.AfterFunc(delay, func() {
		if gen != s.generation || s.state != StateReconnecting {
			return
		}
		s.retryTimer = nil
		s.startAttempt()
	})

	log.Warn().
		Err(cause).
		Int("attempt", s.failures).
		Dur("delay", delay).
		Msg("realtime reconnect scheduled")
	s.publish()
}

// stopRetrying ends the reconnect loop with a terminal error
func (s *Supervisor) stopRetrying(err error) {
	s.generation++
	s.stopAll()
	s.state = StateDisconnected
	s.retryIn = 0
	s.terminal = err
	s.syncErr = err
	s.reporter.ReportError(err, s.fields())

	log.Error().Err(err).Int("attempt", s.failures).Msg("realtime stopped, intervention required")
	s.publish()
}

func (s *Supervisor) stopAll() {
	if s.attemptCancel != nil {
		s.attemptCancel()
		s.attemptCancel = nil
	}
	s.retryTimer.Stop()
	s.retryTimer = nil
	s.teardownSession()
}

func (s *Supervisor) recordError(err error) {
	s.syncErr = err
	s.reporter.ReportError(err, s.fields())
	log.Warn().Err(err).Uint64("generation", s.generation).Str("state", s.state.String()).Msg("realtime transport error")
}

func (s *Supervisor) fields() map[string]any {
	return map[string]any{
		"generation": s.generation,
		"state":      s.state.String(),
		"attempt":    s.failures,
	}
}

func (s *Supervisor) publish() {
	st := Status{
		State:      s.state,
		Generation: s.generation,
		Attempt:    s.failures,
		RetryIn:    s.retryIn,
		UserID:     s.userID,
		SyncErr:    s.syncErr,
		Terminal:   s.terminal,
	}
	s.statusMu.Lock()
	s.status = st
	s.statusMu.Unlock()

	for _, fn := range s.listeners {
		fn(st)
	}
}
