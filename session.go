package minicord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/minicord/minicord/internal/xsync"
)

// State is the lifecycle state of the gateway session for one transport.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateIdentifying
	StateResuming
	StateConnected
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateIdentifying:
		return "identifying"
	case StateResuming:
		return "resuming"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Handler consumes dispatch events. Calls happen on the session's receive
// goroutine, so a slow handler delays frame processing.
type Handler interface {
	OnDispatch(event string, data json.RawMessage)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(event string, data json.RawMessage)

func (f HandlerFunc) OnDispatch(event string, data json.RawMessage) {
	f(event, data)
}

// Recoverable teardown causes. They drive the reconnect loop, never the
// caller.
var (
	errReconnectRequested = errors.New("gateway requested a reconnect")
	errSessionInvalidated = errors.New("gateway invalidated the session")
	errHeartbeatTimeout   = errors.New("no heartbeat ack within one interval")
)

// Options configures a Session.
type Options struct {
	// Token authenticates the identify payload. Required.
	Token string

	// Intents is the capability bitfield sent with identify.
	Intents int

	// URL overrides the gateway endpoint. Defaults to DefaultGatewayURL.
	URL string

	// Presence, when set, is sent inside the identify payload.
	Presence *Presence

	// Handler receives dispatch events. Optional.
	Handler Handler

	// Logger used for session lifecycle events. Defaults to a no-op logger.
	Logger *zerolog.Logger

	// Dial overrides transport bring-up. Defaults to Dial against URL.
	// Tests use this to run the session over in-memory pipes.
	Dial func(ctx context.Context) (*Conn, error)

	// Registry registers the session metrics. nil leaves them unregistered.
	Registry prometheus.Registerer

	// MaxReconnectAttempts bounds consecutive failed connection attempts
	// before Run gives up. The counter resets whenever a connection
	// reaches the gateway hello. Defaults to 5.
	MaxReconnectAttempts int

	// ReconnectEvery paces reconnect attempts. Defaults to 2s.
	ReconnectEvery time.Duration

	// ReadLimit is passed to the underlying connection.
	ReadLimit int64
}

// Session owns one logical gateway session: the connect/identify/resume
// machinery, sequence and session id tracking and the heartbeat liveness
// check. Session identity survives transport drops so the next attempt is
// a resume; it is discarded when the gateway invalidates it.
type Session struct {
	token    string
	intents  int
	url      string
	presence *Presence
	handler  Handler
	log      zerolog.Logger
	dial     func(ctx context.Context) (*Conn, error)
	limiter  *rate.Limiter
	maxTries int
	metrics  *metrics

	// randFloat feeds the heartbeat jitter. Swapped out in tests.
	randFloat func() float64

	mu         sync.Mutex
	state      State
	conn       *Conn
	sessionID  string
	sequence   *int64
	ackPending bool

	// Per transport bookkeeping, reset by every connect.
	heartbeatOn bool
	hbErrs      <-chan error
	sawHello    bool

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a session. It does not touch the network, call Run for that.
func New(opts Options) (*Session, error) {
	if opts.Token == "" {
		return nil, errors.New("minicord: a token is required")
	}
	if opts.URL == "" {
		opts.URL = DefaultGatewayURL
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = 5
	}
	if opts.ReconnectEvery <= 0 {
		opts.ReconnectEvery = 2 * time.Second
	}

	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}

	s := &Session{
		token:     opts.Token,
		intents:   opts.Intents,
		url:       opts.URL,
		presence:  opts.Presence,
		handler:   opts.Handler,
		log:       log,
		dial:      opts.Dial,
		limiter:   rate.NewLimiter(rate.Every(opts.ReconnectEvery), 1),
		maxTries:  opts.MaxReconnectAttempts,
		metrics:   newMetrics(opts.Registry),
		randFloat: rand.New(rand.NewSource(time.Now().UnixNano())).Float64,
		state:     StateDisconnected,
		done:      make(chan struct{}),
	}
	if s.dial == nil {
		readLimit := opts.ReadLimit
		s.dial = func(ctx context.Context) (*Conn, error) {
			return Dial(ctx, s.url, &DialOptions{ReadLimit: readLimit})
		}
	}
	return s, nil
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionID reports the server assigned session id, empty before the
// first READY.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Sequence reports the last dispatch sequence number and whether one was
// seen yet.
func (s *Session) Sequence() (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sequence == nil {
		return 0, false
	}
	return *s.sequence, true
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev != st {
		s.log.Debug().Stringer("from", prev).Stringer("to", st).Msg("session state change")
	}
}

// Run drives the session until ctx is cancelled, Close is called, or the
// reconnect budget runs out. Recoverable conditions (reconnect requests,
// invalidated sessions, heartbeat timeouts, dropped transports) never
// reach the caller, they re-enter the connect cycle.
func (s *Session) Run(ctx context.Context) error {
	attempts := 0
	for {
		err := s.runOnce(ctx)

		select {
		case <-s.done:
			return nil
		default:
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if s.tookHello() {
			attempts = 0
		}
		attempts++
		if attempts > s.maxTries {
			return fmt.Errorf("giving up after %d consecutive failed connection attempts: %w", attempts-1, err)
		}

		s.log.Warn().Err(err).Int("attempt", attempts).Msg("gateway connection ended, reconnecting")
		s.metrics.reconnects.Inc()
		if werr := s.limiter.Wait(ctx); werr != nil {
			return werr
		}
	}
}

func (s *Session) tookHello() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sawHello
}

// runOnce services a single transport: dial, identify or resume, then the
// receive loop until the connection dies or the gateway demands teardown.
func (s *Session) runOnce(ctx context.Context) error {
	s.setState(StateConnecting)

	conn, err := s.dial(ctx)
	if err != nil {
		s.setState(StateClosed)
		return fmt.Errorf("failed to open gateway transport: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.heartbeatOn = false
	s.hbErrs = nil
	s.sawHello = false
	s.ackPending = false
	resume := s.sessionID != ""
	s.mu.Unlock()

	// Unblock the receive loop when the caller bails out.
	watch := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.CloseNow()
		case <-s.done:
			conn.Close(StatusNormalClosure, "")
		case <-watch:
		}
	}()
	defer close(watch)

	if resume {
		s.setState(StateResuming)
		err = s.sendResume(ctx, conn)
	} else {
		s.setState(StateIdentifying)
		err = s.sendIdentify(ctx, conn)
	}
	if err != nil {
		conn.CloseNow()
		s.setState(StateClosed)
		return err
	}

	// Optimistic: the gateway acknowledges asynchronously via a later
	// dispatch, so the session counts as connected once the payload is out.
	s.setState(StateConnected)

	err = s.readLoop(ctx, conn)

	switch {
	case errors.Is(err, errReconnectRequested):
		// The protocol wants the stream dropped without a close
		// handshake so the retained identity can be resumed.
		conn.CloseNow()
	case errors.Is(err, errSessionInvalidated):
		s.clearIdentity()
		s.setState(StateClosing)
		conn.Close(StatusNormalClosure, "session invalidated")
	default:
		s.setState(StateClosing)
		conn.Close(StatusNormalClosure, "")
	}

	// The heartbeat scheduler observes the closed transport and exits.
	s.mu.Lock()
	hbErrs := s.hbErrs
	s.hbErrs = nil
	s.mu.Unlock()
	if hbErrs != nil {
		if herr := <-hbErrs; herr != nil && err == nil {
			err = herr
		}
	}

	s.setState(StateClosed)
	return err
}

func (s *Session) clearIdentity() {
	s.mu.Lock()
	s.sessionID = ""
	s.sequence = nil
	s.mu.Unlock()
	s.log.Info().Msg("session identity cleared, next connect will identify")
}

// readLoop decodes gateway payloads and interprets them by op.
// Unknown ops are skipped for forward compatibility.
func (s *Session) readLoop(ctx context.Context, conn *Conn) error {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.metrics.messagesRead.Inc()

		var p payload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("failed to decode gateway payload: %w", err)
		}

		switch p.Op {
		case OpDispatch:
			s.handleDispatch(&p)

		case OpHeartbeat:
			// Server initiated probe, answer outside the schedule.
			if err := s.sendHeartbeat(ctx, conn); err != nil {
				return err
			}

		case OpHello:
			var hello helloData
			if err := json.Unmarshal(p.D, &hello); err != nil {
				return fmt.Errorf("failed to decode hello payload: %w", err)
			}
			interval := time.Duration(hello.HeartbeatInterval * float64(time.Millisecond))
			s.startHeartbeat(ctx, conn, interval)

		case OpHeartbeatAck:
			s.mu.Lock()
			s.ackPending = false
			s.mu.Unlock()
			s.metrics.heartbeatAcks.Inc()

		case OpReconnect:
			s.log.Info().Msg("gateway requested reconnect")
			return errReconnectRequested

		case OpInvalidSession:
			s.log.Info().Msg("gateway invalidated the session")
			return errSessionInvalidated

		default:
			s.log.Debug().Stringer("op", p.Op).Msg("ignoring unknown gateway op")
		}
	}
}

func (s *Session) handleDispatch(p *payload) {
	s.mu.Lock()
	// Replacement semantics: the stored sequence is whatever the latest
	// dispatch carried, even when it arrives out of order.
	if p.S != nil {
		v := *p.S
		s.sequence = &v
	}
	s.mu.Unlock()

	if p.T == "READY" {
		var ready readyData
		if err := json.Unmarshal(p.D, &ready); err == nil && ready.SessionID != "" {
			s.mu.Lock()
			s.sessionID = ready.SessionID
			s.mu.Unlock()
			s.log.Info().Str("session_id", ready.SessionID).Msg("session established")
		}
	}

	s.metrics.dispatches.Inc()
	if s.handler != nil {
		s.handler.OnDispatch(p.T, p.D)
	}
}

func (s *Session) startHeartbeat(ctx context.Context, conn *Conn, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sawHello = true
	if s.heartbeatOn {
		// At most one scheduler per transport, later hellos only refresh
		// the bookkeeping above.
		return
	}
	s.heartbeatOn = true
	s.hbErrs = xsync.Go(func() error {
		return s.heartbeat(ctx, conn, interval)
	})
	s.log.Debug().Dur("interval", interval).Msg("heartbeat scheduler started")
}

func (s *Session) sendIdentify(ctx context.Context, conn *Conn) error {
	// A fresh identify starts the sequence over.
	s.mu.Lock()
	s.sequence = nil
	s.mu.Unlock()

	s.log.Info().Msg("identifying")
	return s.send(ctx, conn, OpIdentify, identifyData{
		Token:   s.token,
		Intents: s.intents,
		Properties: identifyProperties{
			OS:      runtime.GOOS,
			Browser: "minicord",
			Device:  "minicord",
		},
		Presence: s.presence,
	})
}

func (s *Session) sendResume(ctx context.Context, conn *Conn) error {
	s.mu.Lock()
	d := resumeData{
		Token:     s.token,
		SessionID: s.sessionID,
		Seq:       s.sequence,
	}
	s.mu.Unlock()

	s.log.Info().Str("session_id", d.SessionID).Msg("resuming")
	return s.send(ctx, conn, OpResume, d)
}

func (s *Session) sendHeartbeat(ctx context.Context, conn *Conn) error {
	s.mu.Lock()
	var seq *int64
	if s.sequence != nil {
		v := *s.sequence
		seq = &v
	}
	s.ackPending = true
	s.mu.Unlock()

	err := s.send(ctx, conn, OpHeartbeat, seq)
	if err != nil {
		return err
	}
	s.metrics.heartbeatsSent.Inc()
	return nil
}

func (s *Session) send(ctx context.Context, conn *Conn, op GatewayOp, d interface{}) error {
	b, err := json.Marshal(outPayload{Op: op, D: d})
	if err != nil {
		return fmt.Errorf("failed to encode %v payload: %w", op, err)
	}
	return conn.WriteMessage(ctx, b)
}

// currentConn returns the live connection or an error when the session is
// not servicing one.
func (s *Session) currentConn() (*Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil || s.conn.isClosed() || s.state != StateConnected {
		return nil, errors.New("minicord: session is not connected")
	}
	return s.conn, nil
}

// UpdatePresence sends a presence update on the live connection.
func (s *Session) UpdatePresence(ctx context.Context, p Presence) error {
	conn, err := s.currentConn()
	if err != nil {
		return err
	}
	return s.send(ctx, conn, OpPresenceUpdate, p)
}

type voiceStateData struct {
	GuildID   string  `json:"guild_id"`
	ChannelID *string `json:"channel_id"`
	SelfMute  bool    `json:"self_mute"`
	SelfDeaf  bool    `json:"self_deaf"`
}

// UpdateVoiceState moves the client in or out of a voice channel.
// A nil channelID disconnects.
func (s *Session) UpdateVoiceState(ctx context.Context, guildID string, channelID *string, mute, deaf bool) error {
	conn, err := s.currentConn()
	if err != nil {
		return err
	}
	return s.send(ctx, conn, OpVoiceStateUpdate, voiceStateData{
		GuildID:   guildID,
		ChannelID: channelID,
		SelfMute:  mute,
		SelfDeaf:  deaf,
	})
}

type guildMembersData struct {
	GuildID string `json:"guild_id"`
	Query   string `json:"query"`
	Limit   int    `json:"limit"`
}

// RequestGuildMembers asks the gateway to stream guild member chunks.
func (s *Session) RequestGuildMembers(ctx context.Context, guildID, query string, limit int) error {
	conn, err := s.currentConn()
	if err != nil {
		return err
	}
	return s.send(ctx, conn, OpRequestGuildMembers, guildMembersData{
		GuildID: guildID,
		Query:   query,
		Limit:   limit,
	})
}

// Close shuts the session down permanently. The live transport is
// released with an orderly close handshake and a running Run returns nil.
// Closing twice is a no-op.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	return nil
}
