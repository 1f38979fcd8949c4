package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/cenkalti/backoff"
)

const (
	DefaultHandshakeTimeout  = time.Second * 30
	DefaultBackoffInitial    = time.Second
	DefaultBackoffMax        = time.Minute * 2
	DefaultStableDwell       = time.Second * 30
	DefaultMaxResumeAttempts = 3
)

// Gate paces connection attempts, Acquire blocks until the shard may start a handshake
// and the returned release is called once the attempt left the handshake phase
type Gate interface {
	Acquire(ctx context.Context, shardID int) (release func(), err error)
}

// Config configures a single shard
type Config struct {
	Token      string
	ShardID    int
	ShardTotal int

	// Intents are passed through to the identify payload untouched, nil leaves them out
	Intents interface{}

	GatewayURL string
	Transport  Transport

	// Gate is consulted before every connection attempt, nil means no pacing
	Gate Gate
	Sink Sink

	HandshakeTimeout time.Duration
	BackoffInitial   time.Duration
	BackoffMax       time.Duration

	// StableDwell is how long a connection has to stay connected before the backoff resets
	StableDwell time.Duration

	// MaxResumeAttempts is the number of consecutive failed resumes after which the
	// session is discarded and the shard identifies again
	MaxResumeAttempts int

	// RetryBudget is the number of consecutive connection attempts allowed to fail
	// before the shard gives up, 0 means retry forever
	RetryBudget int
}

func (c *Config) setDefaults() {
	if c.ShardTotal < 1 {
		c.ShardTotal = 1
	}
	if c.Sink == nil {
		c.Sink = NopSink{}
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = DefaultBackoffInitial
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.StableDwell <= 0 {
		c.StableDwell = DefaultStableDwell
	}
	if c.MaxResumeAttempts <= 0 {
		c.MaxResumeAttempts = DefaultMaxResumeAttempts
	}
}

// SessionState is what is needed to resume a session
type SessionState struct {
	SessionID        string `json:"session_id"`
	Sequence         int64  `json:"seq"`
	ResumeGatewayURL string `json:"resume_gateway_url"`

	// established is set once the session reached Connected at least once
	established bool
}

func (s *SessionState) resumable() bool {
	return s != nil && s.SessionID != ""
}

func (s *SessionState) copy() *SessionState {
	if s == nil {
		return nil
	}
	cop := *s
	return &cop
}

// Shard runs the connection state machine for a single shard id. It is created once and
// survives any number of reconnects; every connection attempt gets a fresh Channel.
type Shard struct {
	cfg Config

	mu             sync.Mutex
	state          ConnState
	session        *SessionState
	connID         int
	hb             *heartbeater
	connectedAt    time.Time
	everConnected  bool
	resumeFailures int
	lastErr        error

	running  bool
	stopping bool
	stopCode int
	cancel   context.CancelFunc

	// presence is the last status set with UpdateStatus, sent again on identify
	presence *UpdateStatusData

	reconnectCh chan bool
	sendCh      chan *sendRequest
	done        chan struct{}

	queue  *eventQueue
	events chan *DispatchedEvent
}

func NewShard(cfg Config) *Shard {
	cfg.setDefaults()

	return &Shard{
		cfg:         cfg,
		reconnectCh: make(chan bool, 1),
		sendCh:      make(chan *sendRequest),
		done:        make(chan struct{}),
		queue:       newEventQueue(),
		events:      make(chan *DispatchedEvent),
	}
}

// ID returns the shard id
func (s *Shard) ID() int {
	return s.cfg.ShardID
}

// Events returns the dispatched events of this shard in sequence order. The channel is
// closed once Run returned and every queued event was delivered (or dropped if Run's
// context was cancelled).
func (s *Shard) Events() <-chan *DispatchedEvent {
	return s.events
}

// Done is closed when Run returns
func (s *Shard) Done() <-chan struct{} {
	return s.done
}

func (s *Shard) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Shard) Connected() bool {
	return s.State() == StateConnected
}

// ConnectedAt returns when the shard last entered Connected
func (s *Shard) ConnectedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectedAt
}

// Session returns a copy of the current session, nil if there is none
func (s *Shard) Session() *SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session.copy()
}

// SetSession seeds the shard with a session handed off from another instance, the next
// connection attempt resumes it. Has no effect once the shard is running.
func (s *Shard) SetSession(session *SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}

	s.session = session.copy()
	if s.session != nil {
		s.session.established = true
	}
}

// Err returns the error Run returned with, if any
func (s *Shard) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Stats is a point in time snapshot of a shard
type Stats struct {
	ShardID     int            `json:"shard_id"`
	State       ConnState      `json:"state"`
	ConnID      int            `json:"conn_id"`
	SessionID   string         `json:"session_id"`
	Sequence    int64          `json:"seq"`
	ConnectedAt time.Time      `json:"connected_at"`
	EverReady   bool           `json:"ever_ready"`
	Heartbeat   HeartbeatStats `json:"heartbeat"`
	QueuedEvts  int            `json:"queued_events"`
	LastError   string         `json:"last_error,omitempty"`
}

func (s *Shard) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		ShardID:     s.cfg.ShardID,
		State:       s.state,
		ConnID:      s.connID,
		ConnectedAt: s.connectedAt,
		EverReady:   s.everConnected,
	}
	if s.session != nil {
		st.SessionID = s.session.SessionID
		st.Sequence = s.session.Sequence
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	hb := s.hb
	s.mu.Unlock()

	st.Heartbeat = hb.Stats()
	st.QueuedEvts = s.queue.len()
	return st
}

// Stop closes the connection cleanly (the session is discarded) and makes Run return.
// It does not wait, use Done for that.
func (s *Shard) Stop() {
	s.requestStop(CloseNormal)
}

// Detach stops the shard while keeping its session resumable upstream, waits for Run to
// return and hands back the session so another instance can resume it.
func (s *Shard) Detach() *SessionState {
	running := s.requestStop(CloseResumable)
	if running {
		<-s.done
	}

	return s.Session()
}

func (s *Shard) requestStop(code int) (running bool) {
	s.mu.Lock()
	if !s.stopping {
		s.stopping = true
		s.stopCode = code
	}
	cancel := s.cancel
	running = s.running
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	return running
}

// Reconnect closes the current connection and connects again right away, resuming
// unless forceIdentify is set
func (s *Shard) Reconnect(forceIdentify bool) {
	select {
	case s.reconnectCh <- forceIdentify:
	default:
		// a reconnect is already pending
	}
}

// Run runs the shard until it is stopped, ctx is cancelled or it hits a fatal error.
// It returns nil after Stop/Detach, ctx.Err() on cancellation and the fatal error otherwise.
func (s *Shard) Run(ctx context.Context) (err error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	if s.stopping {
		cancel()
	}
	s.mu.Unlock()

	go s.queue.run(s.events, ctx.Done())

	defer func() {
		cancel()
		s.setState(0, StateDisconnected)

		s.mu.Lock()
		if err != nil {
			s.lastErr = err
		}
		if s.stopping && s.stopCode == CloseNormal {
			s.session = nil
		}
		s.mu.Unlock()

		s.queue.close()
		close(s.done)
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.cfg.BackoffInitial
	bo.MaxInterval = s.cfg.BackoffMax
	bo.MaxElapsedTime = 0
	bo.Reset()

	failures := 0
	for {
		if runCtx.Err() != nil {
			return s.exitErr(ctx)
		}

		res := s.runConnection(runCtx)
		if runCtx.Err() != nil {
			return s.exitErr(ctx)
		}

		if IsFatal(res.err) {
			s.log(res.connID, LogError, "fatal gateway error, not reconnecting", res.err)
			return res.err
		}

		s.log(res.connID, LogWarning, "gateway connection lost, reconnecting", res.err)
		s.afterConnection(res)

		if res.connected {
			failures = 0
			if res.connectedFor >= s.cfg.StableDwell {
				bo.Reset()
			}
		} else {
			failures++
			if s.cfg.RetryBudget > 0 && failures >= s.cfg.RetryBudget {
				err := errors.WithMessage(errors.WithStack(ErrRetryBudgetExhausted), fmt.Sprintf("%d attempts, last error: %v", failures, res.err))
				s.log(res.connID, LogError, "giving up", err)
				return err
			}
		}

		s.setState(res.connID, StateReconnecting)
		if res.immediate {
			continue
		}

		delay := bo.NextBackOff()
		if delay > s.cfg.BackoffMax {
			delay = s.cfg.BackoffMax
		}

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case force := <-s.reconnectCh:
			if force {
				s.clearSession()
			}
		case <-runCtx.Done():
		}
		t.Stop()
	}
}

func (s *Shard) exitErr(ctx context.Context) error {
	s.mu.Lock()
	stopping := s.stopping
	s.mu.Unlock()

	if stopping {
		return nil
	}
	return ctx.Err()
}

// afterConnection updates the session after a connection ended
func (s *Shard) afterConnection(res connResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !res.resumable {
		s.session = nil
		s.resumeFailures = 0
		return
	}

	if res.attemptedResume && !res.connected {
		s.resumeFailures++
		if s.resumeFailures >= s.cfg.MaxResumeAttempts {
			s.session = nil
			s.resumeFailures = 0
		}
	}
}

func (s *Shard) clearSession() {
	s.mu.Lock()
	s.session = nil
	s.mu.Unlock()
}

func (s *Shard) setState(connID int, to ConnState) {
	s.mu.Lock()
	from := s.state
	s.state = to
	if connID == 0 {
		connID = s.connID
	}
	s.mu.Unlock()

	if from != to {
		s.cfg.Sink.StateChanged(s.cfg.ShardID, connID, from, to)
	}
}

func (s *Shard) log(connID int, level LogLevel, msg string, err error) {
	s.cfg.Sink.Log(s.cfg.ShardID, connID, level, msg, err)
}

func (s *Shard) stopCloseCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return s.stopCode
	}
	return CloseNormal
}

// connResult describes how a single connection ended
type connResult struct {
	connID int
	err    error

	// resumable is false when the session has to be discarded
	resumable       bool
	attemptedResume bool
	connected       bool
	connectedFor    time.Duration

	// immediate skips the backoff delay
	immediate bool
}

var errRequestedReconnect = errors.NewPlain("reconnect requested")

type receivedFrame struct {
	frame      *InboundFrame
	receivedAt time.Time
}

// runConnection runs one connection from dialing until it ends
func (s *Shard) runConnection(ctx context.Context) (res connResult) {
	// the shard stays Disconnected/Reconnecting while it waits for a slot
	release := func() {}
	if s.cfg.Gate != nil {
		r, err := s.cfg.Gate.Acquire(ctx, s.cfg.ShardID)
		if err != nil {
			return connResult{err: err, resumable: true}
		}
		release = r
	}

	var releaseOnce sync.Once
	releaseSlot := func() { releaseOnce.Do(release) }
	defer func() {
		// leave the handshake states before the slot goes to the next shard
		if s.State().Handshaking() {
			s.setState(res.connID, s.stateAfterConnection(ctx, res))
		}
		releaseSlot()
	}()

	s.setState(0, StateConnecting)

	handshakeDeadline := time.Now().Add(s.cfg.HandshakeTimeout)

	s.mu.Lock()
	session := s.session.copy()
	s.connID++
	connID := s.connID
	s.mu.Unlock()

	res.connID = connID
	res.attemptedResume = session.resumable()

	gatewayURL := s.cfg.GatewayURL
	// if this is an intended resume, use the resume gateway url provided
	if session.resumable() && session.ResumeGatewayURL != "" {
		gatewayURL = session.ResumeGatewayURL
	}

	dialCtx, cancelDial := context.WithDeadline(ctx, handshakeDeadline)
	ch, err := s.cfg.Transport.Dial(dialCtx, gatewayURL)
	dialTimedOut := dialCtx.Err() == context.DeadlineExceeded
	cancelDial()
	if err != nil {
		res.resumable = true
		if dialTimedOut {
			res.err = errors.WithMessage(errors.WithStack(ErrHandshakeTimeout), "dialing "+gatewayURL)
			res.resumable = session != nil && session.established
		} else {
			res.err = errors.WithMessage(errors.WithStack(ErrChannelError), fmt.Sprintf("dialing %s: %v", gatewayURL, err))
		}
		return
	}

	s.log(connID, LogInfo, "connected to the gateway websocket", nil)

	conn := &gatewayConn{
		shard:       s,
		ch:          ch,
		connID:      connID,
		session:     session,
		releaseSlot: releaseSlot,
	}

	connCtx, cancelConn := context.WithCancel(ctx)
	frames := make(chan receivedFrame)
	readErr := make(chan error, 1)

	var wg sync.WaitGroup
	wg.Add(1)
	go conn.reader(connCtx, frames, readErr, &wg)

	closeCode := CloseAbort
	defer func() {
		conn.hb.Stop()
		ch.Close(closeCode)
		cancelConn()
		wg.Wait()

		if conn.connected {
			res.connected = true
			res.connectedFor = time.Since(conn.connectedAt)
		}
		res.attemptedResume = conn.resuming
	}()

	s.setState(connID, StateAwaitingHello)

	handshakeTimer := time.NewTimer(time.Until(handshakeDeadline))
	defer handshakeTimer.Stop()
	handshakeC := handshakeTimer.C

	for {
		select {
		case <-ctx.Done():
			closeCode = s.stopCloseCode()
			res.err = ctx.Err()
			res.resumable = closeCode != CloseNormal
			return

		case force := <-s.reconnectCh:
			s.log(connID, LogInfo, "reconnect requested", nil)
			res.err = errRequestedReconnect
			res.immediate = true
			res.resumable = !force
			closeCode = CloseResumable
			if force {
				closeCode = CloseNormal
			}
			return

		case req := <-s.sendCh:
			if !conn.connected {
				req.result <- errors.WithStack(ErrNotConnected)
				continue
			}

			err := conn.send(connCtx, req.op, req.data)
			req.result <- err
			if errors.Is(err, ErrChannelError) || errors.Is(err, ErrChannelClosed) {
				res.err = err
				res.resumable = true
				return
			}

		case rf := <-frames:
			r, done := conn.handleFrame(connCtx, rf)
			if done {
				closeCode = r.closeCode
				res.err = r.err
				res.resumable = r.resumable
				return
			}

			if conn.connected && handshakeC != nil {
				handshakeTimer.Stop()
				handshakeC = nil
			}

		case err := <-readErr:
			res.err, res.resumable = classifyReadError(err)
			if errors.Is(res.err, ErrProtocolViolation) {
				closeCode = CloseNormal
			}
			return

		case <-handshakeC:
			res.err = errors.WithMessage(errors.WithStack(ErrHandshakeTimeout), "state "+s.State().String())
			// the session only survives if it was connected before this attempt
			res.resumable = conn.session != nil && conn.session.established
			closeCode = CloseResumable
			if !res.resumable {
				closeCode = CloseNormal
			}
			return

		case <-conn.hb.C():
			if !conn.hb.Tick() {
				s.setState(connID, StateZombied)
				res.err = errors.WithStack(ErrZombieConnection)
				res.resumable = true
				return
			}

			if err := conn.sendHeartbeat(connCtx); err != nil {
				res.err = err
				res.resumable = true
				return
			}
		}
	}
}

// stateAfterConnection is the state Run moves to once a connection ended
func (s *Shard) stateAfterConnection(ctx context.Context, res connResult) ConnState {
	if ctx.Err() != nil || IsFatal(res.err) {
		return StateDisconnected
	}
	return StateReconnecting
}

func classifyReadError(err error) (error, bool) {
	var ce *CloseError
	if errors.As(err, &ce) {
		return classifyClose(ce)
	}

	if errors.Is(err, ErrProtocolViolation) {
		return err, false
	}

	if errors.Is(err, ErrChannelError) {
		return err, true
	}

	// clean remote close (io.EOF) or anything the transport did not classify
	return errors.WithMessage(errors.WithStack(ErrChannelError), err.Error()), true
}
