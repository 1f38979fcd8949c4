package mockgateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"emperror.dev/errors"
	"github.com/botlabs-gg/shardgate/gateway"
)

// Server is a fake gateway that answers handshakes and heartbeats on its own
type Server struct {
	HeartbeatInterval time.Duration

	// ReadyDelay is how long the server takes to answer an identify or resume
	ReadyDelay time.Duration

	// ValidToken, if set, rejects identifies with any other token with close code 4004
	ValidToken string

	mu              sync.Mutex
	sessionCounter  int
	sessions        map[string]*serverSession
	live            map[int][]*serverConn
	identifies      []IdentifyRecord
	resumes         []string
	presences       []PresenceRecord
	handshaking     int
	maxHandshaking  int
	holdReady       map[int]bool
	holdIdentify    map[int]bool
	connWG          sync.WaitGroup
	stopped         bool
	stopCh          chan struct{}
	dispatchCounter int
}

type serverSession struct {
	id      string
	shardID int
	seq     int64
}

type serverConn struct {
	conn    *Conn
	session *serverSession
	ready   bool
}

// IdentifyRecord is an identify the server received
type IdentifyRecord struct {
	ShardID    int
	ShardTotal int
	At         time.Time
}

// PresenceRecord is a presence update the server received
type PresenceRecord struct {
	ShardID int
	Status  string
}

func NewServer() *Server {
	return &Server{
		HeartbeatInterval: time.Second * 5,
		sessions:          make(map[string]*serverSession),
		live:              make(map[int][]*serverConn),
		holdReady:         make(map[int]bool),
		holdIdentify:      make(map[int]bool),
		stopCh:            make(chan struct{}),
	}
}

// Dial implements gateway.Transport
func (s *Server) Dial(ctx context.Context, url string) (gateway.Channel, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil, errors.New("server stopped")
	}
	s.handshaking++
	if s.handshaking > s.maxHandshaking {
		s.maxHandshaking = s.handshaking
	}
	s.connWG.Add(1)
	s.mu.Unlock()

	c := NewConn(url)
	go s.serve(c)
	return c.Client(), nil
}

// Close stops serving and waits for all connection goroutines
func (s *Server) Close() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.stopCh)
	}
	s.mu.Unlock()
	s.connWG.Wait()
}

// HoldReady makes the server never answer handshakes for shardID while hold is true
func (s *Server) HoldReady(shardID int, hold bool) {
	s.mu.Lock()
	s.holdReady[shardID] = hold
	s.mu.Unlock()
}

// HoldIdentify is like HoldReady but only holds identifies, resumes are answered
func (s *Server) HoldIdentify(shardID int, hold bool) {
	s.mu.Lock()
	s.holdIdentify[shardID] = hold
	s.mu.Unlock()
}

// Presences returns the presence updates received on ready connections
func (s *Server) Presences() []PresenceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PresenceRecord(nil), s.presences...)
}

func (s *Server) Identifies() []IdentifyRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]IdentifyRecord(nil), s.identifies...)
}

// Resumes returns the session ids of accepted resumes
func (s *Server) Resumes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.resumes...)
}

// MaxConcurrentHandshakes is the highest number of connections that were dialed but not yet ready at the same time
func (s *Server) MaxConcurrentHandshakes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxHandshaking
}

// LiveConns returns the number of ready connections for a shard
func (s *Server) LiveConns(shardID int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, sc := range s.live[shardID] {
		if sc.ready {
			n++
		}
	}
	return n
}

// Dispatch sends an event to every ready connection of a shard, each connection gets the
// next sequence number of its own session. Returns the number of connections it was sent to.
func (s *Server) Dispatch(shardID int, typ string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, sc := range s.live[shardID] {
		if !sc.ready {
			continue
		}

		s.dispatchCounter++
		sc.session.seq++
		sc.conn.SendDispatch(sc.session.seq, typ, map[string]interface{}{"n": s.dispatchCounter})
		n++
	}
	return n
}

// Conns returns the server side of every ready connection of a shard
func (s *Server) Conns(shardID int) []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*Conn
	for _, sc := range s.live[shardID] {
		if sc.ready {
			result = append(result, sc.conn)
		}
	}
	return result
}

func (s *Server) serve(c *Conn) {
	defer s.connWG.Done()

	sc := &serverConn{conn: c}
	handshakeDone := false
	finishHandshake := func() {
		if !handshakeDone {
			handshakeDone = true
			s.mu.Lock()
			s.handshaking--
			s.mu.Unlock()
		}
	}
	defer finishHandshake()
	defer s.removeConn(sc)

	c.SendHello(s.HeartbeatInterval)

	for {
		var msg []byte
		select {
		case msg = <-c.fromClient:
		case <-c.clientClosed:
			return
		case <-s.stopCh:
			c.Drop()
			return
		}

		var f ClientFrame
		if err := json.Unmarshal(msg, &f); err != nil {
			c.CloseWith(4002, "decode error")
			return
		}

		switch f.Op {
		case gateway.GatewayOPHeartbeat:
			c.SendHeartbeatAck()
		case gateway.GatewayOPPresenceUpdate:
			if !sc.ready {
				c.CloseWith(4003, "Not authenticated.")
				return
			}

			var p struct {
				Status string `json:"status"`
			}
			if err := json.Unmarshal(f.D, &p); err != nil {
				c.CloseWith(4002, "decode error")
				return
			}

			s.mu.Lock()
			s.presences = append(s.presences, PresenceRecord{ShardID: sc.session.shardID, Status: p.Status})
			s.mu.Unlock()

		case gateway.GatewayOPIdentify:
			p, err := f.Identify()
			if err != nil {
				c.CloseWith(4002, "decode error")
				return
			}

			s.mu.Lock()
			s.identifies = append(s.identifies, IdentifyRecord{ShardID: p.Shard[0], ShardTotal: p.Shard[1], At: time.Now()})
			s.mu.Unlock()

			if s.ValidToken != "" && p.Token != s.ValidToken {
				c.CloseWith(gateway.CloseCodeAuthenticationFailed, "Authentication failed.")
				return
			}

			if !s.waitReady(p.Shard[0], c, true) {
				return
			}

			s.mu.Lock()
			s.sessionCounter++
			sess := &serverSession{id: fmt.Sprintf("session-%d", s.sessionCounter), shardID: p.Shard[0], seq: 1}
			s.sessions[sess.id] = sess
			sc.session = sess
			sc.ready = true
			s.live[sess.shardID] = append(s.live[sess.shardID], sc)
			c.SendReady(1, sess.id, "")
			s.mu.Unlock()
			finishHandshake()

		case gateway.GatewayOPResume:
			p, err := f.Resume()
			if err != nil {
				c.CloseWith(4002, "decode error")
				return
			}

			s.mu.Lock()
			sess, ok := s.sessions[p.SessionID]
			s.mu.Unlock()
			if !ok {
				c.SendInvalidSession(false)
				continue
			}

			if !s.waitReady(sess.shardID, c, false) {
				return
			}

			s.mu.Lock()
			s.resumes = append(s.resumes, sess.id)
			sc.session = sess
			sc.ready = true
			s.live[sess.shardID] = append(s.live[sess.shardID], sc)
			sess.seq++
			c.SendResumed(sess.seq)
			s.mu.Unlock()
			finishHandshake()
		}
	}
}

// waitReady applies ReadyDelay, HoldReady and HoldIdentify, returns false if the connection
// went away meanwhile
func (s *Server) waitReady(shardID int, c *Conn, identify bool) bool {
	if s.ReadyDelay > 0 {
		select {
		case <-time.After(s.ReadyDelay):
		case <-c.clientClosed:
			return false
		case <-s.stopCh:
			return false
		}
	}

	for {
		s.mu.Lock()
		hold := s.holdReady[shardID] || (identify && s.holdIdentify[shardID])
		s.mu.Unlock()
		if !hold {
			return true
		}

		select {
		case <-time.After(time.Millisecond * 5):
		case <-c.clientClosed:
			return false
		case <-s.stopCh:
			return false
		}
	}
}

func (s *Server) removeConn(sc *serverConn) {
	if sc.session == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conns := s.live[sc.session.shardID]
	for i, v := range conns {
		if v == sc {
			s.live[sc.session.shardID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}

	select {
	case <-sc.conn.clientClosed:
		if sc.conn.clientCloseCode == gateway.CloseNormal {
			delete(s.sessions, sc.session.id)
		}
	default:
	}
}
