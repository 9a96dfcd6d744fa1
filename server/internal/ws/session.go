package ws

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/tunnelvision/tunnelvision/server/internal/registry"
)

// Role distinguishes the two endpoints.
type Role string

const (
	RoleViewer Role = "viewer"
	RoleHost   Role = "host"
)

// State is the lifecycle position of a Session.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// outbound is one queued frame.
type outbound struct {
	kind int // websocket.TextMessage or websocket.BinaryMessage
	data []byte
}

// Session is one WebSocket connection. It implements registry.Member and
// dispatch.BinarySender.
type Session struct {
	id      string
	role    Role
	conn    *websocket.Conn
	opts    Options
	limiter *rate.Limiter
	started time.Time

	send  chan outbound
	done  chan struct{}
	once  sync.Once
	state atomic.Int32
}

func newSession(conn *websocket.Conn, role Role, opts Options) *Session {
	limit := rate.Inf
	if opts.EventRate > 0 {
		limit = rate.Limit(opts.EventRate)
	}
	return &Session{
		id:      uuid.NewString(),
		role:    role,
		conn:    conn,
		opts:    opts,
		limiter: rate.NewLimiter(limit, opts.EventBurst),
		started: time.Now(),
		send:    make(chan outbound, opts.QueueSize),
		done:    make(chan struct{}),
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Role returns whether the session is a viewer or a host.
func (s *Session) Role() Role { return s.role }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Send queues a text frame without blocking.
func (s *Session) Send(msg []byte) error {
	return s.enqueue(outbound{kind: websocket.TextMessage, data: msg})
}

// SendBinary queues a binary frame without blocking.
func (s *Session) SendBinary(msg []byte) error {
	return s.enqueue(outbound{kind: websocket.BinaryMessage, data: msg})
}

// Close moves the session to StateClosed and stops its pumps. Safe to call
// more than once.
func (s *Session) Close() {
	s.once.Do(func() {
		s.state.Store(int32(StateClosed))
		close(s.done)
	})
}

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// --- internal ---------------------------------------------------------------

func (s *Session) activate() {
	s.state.CompareAndSwap(int32(StateConnecting), int32(StateActive))
}

func (s *Session) enqueue(f outbound) error {
	select {
	case <-s.done:
		return registry.ErrClosed
	default:
	}
	select {
	case s.send <- f:
		return nil
	default:
		return registry.ErrQueueFull
	}
}

// writePump drains the send queue to the connection and sends periodic pings.
// It returns, closing the connection, once the session is closed or a write
// fails.
func (s *Session) writePump() {
	ticker := time.NewTicker(s.opts.pingPeriod())
	defer func() {
		ticker.Stop()
		s.conn.Close()
		s.Close()
	}()

	s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)) //nolint:errcheck
	if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		return
	}

	for {
		select {
		case <-s.done:
			s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)) //nolint:errcheck
			s.conn.WriteMessage(websocket.CloseMessage, []byte{})        //nolint:errcheck
			return

		case f := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)) //nolint:errcheck
			if err := s.conn.WriteMessage(f.kind, f.data); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout)) //nolint:errcheck
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump calls handle for every data frame until the connection fails or
// the session is closed.
func (s *Session) readPump(handle func(kind int, data []byte)) error {
	defer s.Close()
	s.conn.SetReadLimit(s.opts.MaxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait)) //nolint:errcheck
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	})
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			return err
		}
		handle(kind, data)
	}
}
