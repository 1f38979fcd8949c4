package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"emperror.dev/errors"
)

// gatewayConn is the protocol state of a single connection, a new one is created on every
// reconnect so nothing has to be reset by hand. It is only touched by the shard's Run goroutine,
// apart from reader.
type gatewayConn struct {
	shard  *Shard
	ch     Channel
	connID int

	// session is the session this connection started with, replaced by the new one on READY
	session     *SessionState
	releaseSlot func()

	hb *heartbeater

	resuming   bool
	resumeFrom int64
	last       int64

	connected   bool
	connectedAt time.Time

	// dispatches received before READY/RESUMED
	buffered []receivedFrame
}

type frameResult struct {
	closeCode int
	err       error
	resumable bool
}

// reader reads incoming messages from the channel until it fails
func (g *gatewayConn) reader(ctx context.Context, frames chan<- receivedFrame, errs chan<- error, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		msg, err := g.ch.Receive(ctx)
		if err != nil {
			errs <- err
			return
		}

		receivedAt := time.Now()
		f, err := DecodeFrame(msg)
		if err != nil {
			errs <- err
			return
		}

		select {
		case frames <- receivedFrame{frame: f, receivedAt: receivedAt}:
		case <-ctx.Done():
			return
		}
	}
}

// handleFrame handles a frame received from the reader, done is true when the connection
// has to be closed
func (g *gatewayConn) handleFrame(ctx context.Context, rf receivedFrame) (res frameResult, done bool) {
	f := rf.frame

	switch f.Operation {
	case GatewayOPDispatch:
		return g.handleDispatch(rf)
	case GatewayOPHello:
		return g.handleHello(ctx, f)
	case GatewayOPHeartbeat:
		g.log(LogDebug, "sending heartbeat immediately in response to OP1", nil)
		if err := g.sendHeartbeat(ctx); err != nil {
			return frameResult{err: err, resumable: true}, true
		}
		if g.hb != nil {
			g.hb.SentImmediate()
		}
	case GatewayOPHeartbeatACK:
		if g.hb != nil {
			g.hb.ReceivedAck()
		}
	case GatewayOPReconnect:
		g.log(LogWarning, "got OP7 reconnect, re-connecting", nil)
		// dropped without a close frame, the session stays resumable
		return frameResult{
			closeCode: CloseAbort,
			err:       errors.WithStack(ErrServerReconnect),
			resumable: true,
		}, true
	case GatewayOPInvalidSession:
		var resumable bool
		if err := json.Unmarshal(f.RawData, &resumable); err != nil {
			resumable = false
		}

		code := CloseNormal
		if resumable {
			code = CloseResumable
			g.log(LogWarning, "got OP9 invalid session, resuming", nil)
		} else {
			g.log(LogWarning, "got OP9 invalid session, re-identifying", nil)
		}

		return frameResult{
			closeCode: code,
			err:       errors.WithMessage(errors.WithStack(ErrInvalidSession), "d: "+string(f.RawData)),
			resumable: resumable && g.session.resumable(),
		}, true
	default:
		g.log(LogWarning, fmt.Sprintf("unknown operation (%d, %q)", f.Operation, f.Type), nil)
	}

	return frameResult{}, false
}

func (g *gatewayConn) handleHello(ctx context.Context, f *InboundFrame) (frameResult, bool) {
	if st := g.shard.State(); st != StateAwaitingHello {
		return g.violation("unexpected hello in state " + st.String())
	}

	var h helloData
	if err := json.Unmarshal(f.RawData, &h); err != nil {
		return g.violation("malformed hello: " + err.Error())
	}

	if h.HeartbeatInterval <= 0 {
		return g.violation(fmt.Sprintf("invalid heartbeat interval %d", h.HeartbeatInterval))
	}

	g.log(LogInfo, fmt.Sprintf("received hello, heartbeat_interval: %d, _trace: %v", h.HeartbeatInterval, h.Trace), nil)

	g.hb = newHeartbeater(time.Duration(h.HeartbeatInterval) * time.Millisecond)
	g.shard.mu.Lock()
	g.shard.hb = g.hb
	g.shard.mu.Unlock()

	var err error
	if g.session.resumable() {
		err = g.resume(ctx)
	} else {
		err = g.identify(ctx)
	}

	if err != nil {
		return frameResult{err: err, resumable: true}, true
	}

	return frameResult{}, false
}

func (g *gatewayConn) identify(ctx context.Context) error {
	cfg := &g.shard.cfg
	data := identifyData{
		Token:          cfg.Token,
		Properties:     defaultProperties(),
		LargeThreshold: 250,
		Shard:          [2]int{cfg.ShardID, cfg.ShardTotal},
		Intents:        cfg.Intents,
		Presence:       g.shard.currentPresence(),
	}

	g.log(LogInfo, "sending identify", nil)
	g.shard.setState(g.connID, StateIdentifying)

	return g.send(ctx, GatewayOPIdentify, data)
}

func (g *gatewayConn) resume(ctx context.Context) error {
	g.resuming = true
	g.resumeFrom = g.session.Sequence
	g.last = g.session.Sequence

	data := &resumeData{
		Token:     g.shard.cfg.Token,
		SessionID: g.session.SessionID,
		Sequence:  g.session.Sequence,
	}

	g.log(LogInfo, fmt.Sprintf("sending resume, seq: %d", g.session.Sequence), nil)
	g.shard.setState(g.connID, StateResuming)

	return g.send(ctx, GatewayOPResume, data)
}

func (g *gatewayConn) sendHeartbeat(ctx context.Context) error {
	var seq *int64
	if g.last > 0 {
		cop := g.last
		seq = &cop
	}

	return g.send(ctx, GatewayOPHeartbeat, seq)
}

func (g *gatewayConn) send(ctx context.Context, op GatewayOP, data interface{}) error {
	b, err := EncodeFrame(op, data)
	if err != nil {
		return err
	}

	err = g.ch.Send(ctx, b)
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrChannelError) || errors.Is(err, ErrChannelClosed) {
		return err
	}

	return errors.WithMessage(errors.WithStack(ErrChannelError), "send: "+err.Error())
}

func (g *gatewayConn) handleDispatch(rf receivedFrame) (frameResult, bool) {
	f := rf.frame
	state := g.shard.State()

	if f.Sequence == nil {
		switch {
		case f.Type == EventTypeResumed && state == StateResuming:
			g.enterConnected(false)
			return frameResult{}, false
		case f.Type == EventTypeReady && state == StateIdentifying:
			return g.handleReady(f, 0)
		}

		return g.violation(fmt.Sprintf("dispatch %q without sequence", f.Type))
	}

	seq := *f.Sequence

	switch state {
	case StateIdentifying:
		if seq <= g.last {
			return g.violation(fmt.Sprintf("sequence %d after %d during identify", seq, g.last))
		}
		g.last = seq

		if f.Type == EventTypeReady {
			return g.handleReady(f, seq)
		}
		g.buffered = append(g.buffered, rf)

	case StateResuming:
		if seq <= g.resumeFrom {
			g.log(LogDebug, fmt.Sprintf("dropping replayed dispatch %d, already delivered up to %d", seq, g.resumeFrom), nil)
			return frameResult{}, false
		}

		if seq <= g.last {
			return g.violation(fmt.Sprintf("sequence %d after %d during resume", seq, g.last))
		}
		g.last = seq

		if f.Type == EventTypeResumed {
			g.enterConnected(false)
		} else {
			g.buffered = append(g.buffered, rf)
		}

	case StateConnected:
		if seq <= g.last {
			return g.violation(fmt.Sprintf("sequence %d after %d", seq, g.last))
		}
		g.last = seq

		if f.Type != EventTypeReady && f.Type != EventTypeResumed {
			g.emit(rf)
		}
		g.shard.commitSequence(seq)

	default:
		return g.violation("dispatch in state " + state.String())
	}

	return frameResult{}, false
}

func (g *gatewayConn) handleReady(f *InboundFrame, seq int64) (frameResult, bool) {
	var r readyData
	if err := json.Unmarshal(f.RawData, &r); err != nil || r.SessionID == "" {
		return g.violation("malformed ready")
	}

	g.session = &SessionState{
		SessionID:        r.SessionID,
		Sequence:         seq,
		ResumeGatewayURL: r.ResumeGatewayURL,
	}
	g.enterConnected(true)
	return frameResult{}, false
}

// enterConnected is called on READY or RESUMED, it flushes everything buffered during the handshake
func (g *gatewayConn) enterConnected(ready bool) {
	g.connected = true
	g.connectedAt = time.Now()

	s := g.shard
	s.mu.Lock()
	if ready {
		sess := g.session.copy()
		sess.established = true
		s.session = sess
	} else if s.session != nil {
		s.session.established = true
	}
	s.connectedAt = g.connectedAt
	s.everConnected = true
	s.resumeFailures = 0
	s.mu.Unlock()

	if ready {
		g.log(LogInfo, "received ready", nil)
	} else {
		g.log(LogInfo, fmt.Sprintf("received resumed, replaying %d buffered events", len(g.buffered)), nil)
	}

	s.setState(g.connID, StateConnected)
	g.releaseSlot()

	for _, rf := range g.buffered {
		g.emit(rf)
	}
	g.buffered = nil

	s.commitSequence(g.last)
}

func (g *gatewayConn) emit(rf receivedFrame) {
	g.shard.queue.push(&DispatchedEvent{
		ShardID:    g.shard.cfg.ShardID,
		Sequence:   *rf.frame.Sequence,
		Type:       rf.frame.Type,
		Payload:    []byte(rf.frame.RawData),
		ReceivedAt: rf.receivedAt,
	})
}

func (g *gatewayConn) violation(msg string) (frameResult, bool) {
	err := errors.WithMessage(errors.WithStack(ErrProtocolViolation), msg)
	g.log(LogError, "protocol violation, discarding session", err)
	return frameResult{closeCode: CloseNormal, err: err, resumable: false}, true
}

func (g *gatewayConn) log(level LogLevel, msg string, err error) {
	g.shard.log(g.connID, level, msg, err)
}

// commitSequence records seq as delivered, a resume picks up from here
func (s *Shard) commitSequence(seq int64) {
	s.mu.Lock()
	if s.session != nil && seq > s.session.Sequence {
		s.session.Sequence = seq
	}
	s.mu.Unlock()
}
