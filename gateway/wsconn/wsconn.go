// Package wsconn implements gateway.Transport over websockets
package wsconn

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/binary"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/botlabs-gg/shardgate/gateway"
	"github.com/francoispqt/gojay"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

const (
	DefaultAPIVersion = "10"

	closeWriteTimeout   = time.Second
	defaultWriteTimeout = time.Second * 10
)

var endOfPacketSuffix = []byte{0x0, 0x0, 0xff, 0xff}

// Transport dials gateway websockets
type Transport struct {
	APIVersion string

	// Compress requests zlib-stream transport compression
	Compress bool

	UserAgent string

	// MaxMessageSize limits a single websocket frame, 0 means no limit
	MaxMessageSize int64

	Dialer ws.Dialer
}

var _ gateway.Transport = (*Transport)(nil)

func (t *Transport) gatewayURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", errors.WithStack(err)
	}

	v := t.APIVersion
	if v == "" {
		v = DefaultAPIVersion
	}

	q := u.Query()
	q.Set("v", v)
	q.Set("encoding", "json")
	if t.Compress {
		q.Set("compress", "zlib-stream")
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

func (t *Transport) Dial(ctx context.Context, gatewayURL string) (gateway.Channel, error) {
	full, err := t.gatewayURL(gatewayURL)
	if err != nil {
		return nil, err
	}

	dialer := t.Dialer
	if t.UserAgent != "" && dialer.Header == nil {
		dialer.Header = ws.HandshakeHeaderHTTP(http.Header{"User-Agent": []string{t.UserAgent}})
	}

	nc, br, _, err := dialer.Dial(ctx, full)
	if err != nil {
		if nc != nil {
			nc.Close()
		}
		return nil, errors.WithMessage(err, "dial "+gatewayURL)
	}

	var src io.Reader = nc
	if br != nil {
		// the server sent frames along with the handshake response, br wraps nc
		src = br
	}

	c := &Conn{
		nc:         nc,
		compressed: t.Compress,
		closed:     make(chan struct{}),
		readBuf:    bytes.NewBuffer(make([]byte, 0, 0xffff)),
	}
	c.reader = wsutil.NewClientSideReader(src)
	c.reader.MaxFrameSize = t.MaxMessageSize

	return c, nil
}

// Conn is a single gateway websocket connection
type Conn struct {
	nc         net.Conn
	reader     *wsutil.Reader
	compressed bool

	writeMu sync.Mutex

	// reading state, only touched by Receive
	readBuf    *bytes.Buffer
	zlibReader io.ReadCloser

	closeOnce sync.Once
	closed    chan struct{}
}

var _ gateway.Channel = (*Conn)(nil)

// Send writes a single text message
func (c *Conn) Send(ctx context.Context, msg []byte) error {
	select {
	case <-c.closed:
		return errors.WithStack(gateway.ErrChannelClosed)
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteTimeout)
	}
	c.nc.SetWriteDeadline(deadline)

	err := wsutil.WriteClientMessage(c.nc, ws.OpText, msg)
	if err != nil {
		select {
		case <-c.closed:
			return errors.WithStack(gateway.ErrChannelClosed)
		default:
		}
		return errors.WithMessage(errors.WithStack(gateway.ErrChannelError), "write: "+err.Error())
	}

	return nil
}

// Receive blocks until the next complete message arrived. A close frame is returned as
// *gateway.CloseError.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		c.nc.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		msg, err := c.readMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}

		if msg != nil {
			return msg, nil
		}
	}
}

// readMessage reads the next websocket message, returns nil without error for control
// frames and incomplete compressed messages
func (c *Conn) readMessage() ([]byte, error) {
	header, err := c.reader.NextFrame()
	if err != nil {
		return nil, c.readError(err, "next frame")
	}

	var payload bytes.Buffer
	if _, err := payload.ReadFrom(c.reader); err != nil {
		return nil, c.readError(err, "frame payload")
	}

	switch header.OpCode {
	case ws.OpClose:
		return nil, parseCloseFrame(payload.Bytes())
	case ws.OpPing:
		c.writeControl(ws.OpPong, payload.Bytes())
		return nil, nil
	case ws.OpText, ws.OpBinary:
	default:
		return nil, nil
	}

	if !c.compressed {
		return payload.Bytes(), nil
	}

	c.readBuf.Write(payload.Bytes())
	if !bytes.HasSuffix(c.readBuf.Bytes(), endOfPacketSuffix) {
		// the rest follows in the next message
		return nil, nil
	}

	return c.inflate()
}

// inflate decodes the next message from the shared zlib context. The stream is only
// flushed at message boundaries, so the decoder must stop right at the end of the json
// value: reading past it hits the end of readBuf and breaks the inflater for good.
func (c *Conn) inflate() ([]byte, error) {
	if c.zlibReader == nil {
		// zlib.NewReader needs the header straight away so this can't happen at dial
		zr, err := zlib.NewReader(c.readBuf)
		if err != nil {
			return nil, errors.WithMessage(errors.WithStack(gateway.ErrProtocolViolation), "zlib header: "+err.Error())
		}
		c.zlibReader = zr
	}

	var msg gojay.EmbeddedJSON
	err := gojay.NewDecoder(c.zlibReader).Decode(&msg)
	if err != nil {
		return nil, errors.WithMessage(errors.WithStack(gateway.ErrProtocolViolation), "inflate: "+err.Error())
	}

	return []byte(msg), nil
}

func (c *Conn) readError(err error, op string) error {
	select {
	case <-c.closed:
		return errors.WithStack(gateway.ErrChannelClosed)
	default:
	}

	if err == io.EOF {
		return io.EOF
	}

	return errors.WithMessage(errors.WithStack(gateway.ErrChannelError), op+": "+err.Error())
}

func parseCloseFrame(data []byte) error {
	if len(data) < 2 {
		return &gateway.CloseError{Code: int(ws.StatusNoStatusRcvd)}
	}

	return &gateway.CloseError{
		Code:   int(binary.BigEndian.Uint16(data)),
		Reason: string(data[2:]),
	}
}

func (c *Conn) writeControl(op ws.OpCode, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	frame := ws.MaskFrameInPlace(ws.NewFrame(op, true, payload))
	c.nc.SetWriteDeadline(time.Now().Add(closeWriteTimeout))
	return ws.WriteFrame(c.nc, frame)
}

// Close sends a close frame with code and closes the connection, gateway.CloseAbort
// skips the close frame
func (c *Conn) Close(code int) error {
	var err error
	c.closeOnce.Do(func() {
		if code != gateway.CloseAbort {
			c.writeControl(ws.OpClose, ws.NewCloseFrameBody(ws.StatusCode(code), ""))
		}

		close(c.closed)
		err = c.nc.Close()
	})

	return errors.WithStackIf(err)
}
