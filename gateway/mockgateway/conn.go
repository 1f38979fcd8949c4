// Package mockgateway is an in-memory gateway for tests: a scripted Transport where the
// test plays the server, and an auto-responding Server for tests that just need shards to
// connect.
package mockgateway

import (
	"context"
	"io"
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/botlabs-gg/shardgate/gateway"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var ErrTimeout = errors.NewPlain("timed out waiting for the client")

// Transport hands every dialed connection to the test through Accept
type Transport struct {
	conns chan *Conn

	mu       sync.Mutex
	dials    int
	failNext int
}

func NewTransport() *Transport {
	return &Transport{
		conns: make(chan *Conn, 128),
	}
}

// FailDials makes the next n dials fail
func (t *Transport) FailDials(n int) {
	t.mu.Lock()
	t.failNext = n
	t.mu.Unlock()
}

func (t *Transport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *Transport) Dial(ctx context.Context, url string) (gateway.Channel, error) {
	t.mu.Lock()
	t.dials++
	if t.failNext > 0 {
		t.failNext--
		t.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	t.mu.Unlock()

	c := NewConn(url)
	select {
	case t.conns <- c:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return c.Client(), nil
}

// Accept returns the next dialed connection
func (t *Transport) Accept(timeout time.Duration) (*Conn, error) {
	select {
	case c := <-t.conns:
		return c, nil
	case <-time.After(timeout):
		return nil, errors.WithStack(ErrTimeout)
	}
}

// Conn is the server side of an in-memory connection
type Conn struct {
	URL string

	toClient   chan []byte
	fromClient chan []byte

	clientClosed    chan struct{}
	clientCloseOnce sync.Once
	clientCloseCode int

	serverClosed    chan struct{}
	serverCloseOnce sync.Once
	serverCloseErr  error
}

func NewConn(url string) *Conn {
	return &Conn{
		URL:          url,
		toClient:     make(chan []byte, 256),
		fromClient:   make(chan []byte, 256),
		clientClosed: make(chan struct{}),
		serverClosed: make(chan struct{}),
	}
}

// Client returns the gateway.Channel end of the connection
func (c *Conn) Client() gateway.Channel {
	return &clientSide{c: c}
}

// ClientClosed is closed once the client closed the connection
func (c *Conn) ClientClosed() <-chan struct{} {
	return c.clientClosed
}

// CloseCode returns the close code the client used, only valid after ClientClosed fired
func (c *Conn) CloseCode() int {
	<-c.clientClosed
	return c.clientCloseCode
}

// WaitClientClose waits for the client to close and returns the code it used
func (c *Conn) WaitClientClose(timeout time.Duration) (int, error) {
	select {
	case <-c.clientClosed:
		return c.clientCloseCode, nil
	case <-time.After(timeout):
		return 0, errors.WithStack(ErrTimeout)
	}
}

// CloseWith closes the connection from the server side with a close code
func (c *Conn) CloseWith(code int, reason string) {
	c.serverClose(&gateway.CloseError{Code: code, Reason: reason})
}

// Drop terminates the connection abnormally
func (c *Conn) Drop() {
	c.serverClose(errors.WithMessage(errors.WithStack(gateway.ErrChannelError), "connection reset by peer"))
}

// CloseClean closes the connection without a close code
func (c *Conn) CloseClean() {
	c.serverClose(io.EOF)
}

func (c *Conn) serverClose(err error) {
	c.serverCloseOnce.Do(func() {
		c.serverCloseErr = err
		close(c.serverClosed)
	})
}

// SendRaw queues a raw message for the client, dropped if the connection is closed
func (c *Conn) SendRaw(msg []byte) {
	select {
	case <-c.clientClosed:
		return
	case <-c.serverClosed:
		return
	default:
	}

	select {
	case c.toClient <- msg:
	case <-c.clientClosed:
	case <-c.serverClosed:
	}
}

type serverFrame struct {
	Op int         `json:"op"`
	D  interface{} `json:"d"`
	S  *int64      `json:"s"`
	T  *string     `json:"t"`
}

func (c *Conn) send(op gateway.GatewayOP, data interface{}, seq *int64, t *string) {
	b, err := json.Marshal(serverFrame{Op: int(op), D: data, S: seq, T: t})
	if err != nil {
		panic(err)
	}
	c.SendRaw(b)
}

func (c *Conn) SendHello(interval time.Duration) {
	c.send(gateway.GatewayOPHello, map[string]interface{}{
		"heartbeat_interval": interval.Milliseconds(),
		"_trace":             []string{"mockgateway"},
	}, nil, nil)
}

// SendReady sends READY, a seq of 0 sends it without a sequence number
func (c *Conn) SendReady(seq int64, sessionID, resumeURL string) {
	c.sendOptionalSeq(seq, gateway.EventTypeReady, map[string]interface{}{
		"session_id":         sessionID,
		"resume_gateway_url": resumeURL,
	})
}

// SendResumed sends RESUMED, a seq of 0 sends it without a sequence number
func (c *Conn) SendResumed(seq int64) {
	c.sendOptionalSeq(seq, gateway.EventTypeResumed, map[string]interface{}{})
}

func (c *Conn) sendOptionalSeq(seq int64, typ string, data interface{}) {
	if seq <= 0 {
		c.send(gateway.GatewayOPDispatch, data, nil, &typ)
		return
	}
	c.SendDispatch(seq, typ, data)
}

func (c *Conn) SendDispatch(seq int64, typ string, data interface{}) {
	c.send(gateway.GatewayOPDispatch, data, &seq, &typ)
}

func (c *Conn) SendHeartbeatAck() {
	c.send(gateway.GatewayOPHeartbeatACK, nil, nil, nil)
}

func (c *Conn) SendHeartbeatRequest() {
	c.send(gateway.GatewayOPHeartbeat, nil, nil, nil)
}

func (c *Conn) SendReconnect() {
	c.send(gateway.GatewayOPReconnect, nil, nil, nil)
}

func (c *Conn) SendInvalidSession(resumable bool) {
	c.send(gateway.GatewayOPInvalidSession, resumable, nil, nil)
}

// ClientFrame is a frame sent by the client
type ClientFrame struct {
	Op gateway.GatewayOP   `json:"op"`
	D  jsoniter.RawMessage `json:"d"`
}

// Identify decodes the frame as an identify payload
func (f *ClientFrame) Identify() (*IdentifyPayload, error) {
	var p IdentifyPayload
	err := json.Unmarshal(f.D, &p)
	return &p, errors.WithStackIf(err)
}

// Resume decodes the frame as a resume payload
func (f *ClientFrame) Resume() (*ResumePayload, error) {
	var p ResumePayload
	err := json.Unmarshal(f.D, &p)
	return &p, errors.WithStackIf(err)
}

// HeartbeatSeq decodes the sequence carried by a heartbeat, nil for null
func (f *ClientFrame) HeartbeatSeq() *int64 {
	if len(f.D) == 0 || string(f.D) == "null" {
		return nil
	}

	var seq int64
	if err := json.Unmarshal(f.D, &seq); err != nil {
		return nil
	}
	return &seq
}

type IdentifyPayload struct {
	Token    string              `json:"token"`
	Shard    [2]int              `json:"shard"`
	Intents  jsoniter.RawMessage `json:"intents"`
	Presence jsoniter.RawMessage `json:"presence"`
}

type ResumePayload struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Sequence  int64  `json:"seq"`
}

// Next returns the next frame sent by the client
func (c *Conn) Next(timeout time.Duration) (*ClientFrame, error) {
	select {
	case msg := <-c.fromClient:
		var f ClientFrame
		if err := json.Unmarshal(msg, &f); err != nil {
			return nil, errors.WithStack(err)
		}
		return &f, nil
	case <-time.After(timeout):
		return nil, errors.WithStack(ErrTimeout)
	}
}

// Expect skips frames until one with op arrives, heartbeats are acked along the way unless
// op is the heartbeat itself
func (c *Conn) Expect(op gateway.GatewayOP, timeout time.Duration) (*ClientFrame, error) {
	deadline := time.Now().Add(timeout)
	for {
		f, err := c.Next(time.Until(deadline))
		if err != nil {
			return nil, errors.WithMessagef(err, "waiting for op %s", op)
		}

		if f.Op == op {
			return f, nil
		}

		if f.Op == gateway.GatewayOPHeartbeat {
			c.SendHeartbeatAck()
		}
	}
}

type clientSide struct {
	c *Conn
}

func (cs *clientSide) Send(ctx context.Context, msg []byte) error {
	select {
	case <-cs.c.clientClosed:
		return errors.WithStack(gateway.ErrChannelClosed)
	case <-cs.c.serverClosed:
		return errors.WithStack(gateway.ErrChannelClosed)
	default:
	}

	cop := make([]byte, len(msg))
	copy(cop, msg)

	select {
	case cs.c.fromClient <- cop:
		return nil
	case <-cs.c.clientClosed:
		return errors.WithStack(gateway.ErrChannelClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (cs *clientSide) Receive(ctx context.Context) ([]byte, error) {
	// deliver what was queued before a server side close
	select {
	case msg := <-cs.c.toClient:
		return msg, nil
	default:
	}

	select {
	case msg := <-cs.c.toClient:
		return msg, nil
	case <-cs.c.serverClosed:
		select {
		case msg := <-cs.c.toClient:
			return msg, nil
		default:
		}
		return nil, cs.c.serverCloseErr
	case <-cs.c.clientClosed:
		return nil, errors.WithStack(gateway.ErrChannelClosed)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (cs *clientSide) Close(code int) error {
	cs.c.clientCloseOnce.Do(func() {
		cs.c.clientCloseCode = code
		close(cs.c.clientClosed)
	})
	return nil
}
