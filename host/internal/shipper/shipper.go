package shipper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tunnelvision/tunnelvision/pkg/wire"
)

const (
	backoffInitial    = 1 * time.Second
	backoffMax        = 60 * time.Second
	backoffMultiplier = 2.0
	writeTimeout      = 10 * time.Second

	// DefaultBufferSize is used when Config.BufferSize is not positive.
	DefaultBufferSize = 1000
)

// ErrUnsupportedFrame is returned by Ship for frames a host may not send.
var ErrUnsupportedFrame = errors.New("shipper: unsupported frame")

// Config describes the server endpoint.
type Config struct {
	// URL is the host endpoint, e.g. ws://127.0.0.1:8765/ws/host.
	URL string

	// Header and Key carry the API key; both empty disables auth.
	Header string
	Key    string

	// BufferSize bounds the addressed binary frames held while disconnected
	// (default 1000). Channel frames are coalesced per channel and never
	// evicted.
	BufferSize int
}

type frame struct {
	kind int
	data []byte
}

// Shipper buffers frames and ships them to tunnelvision-server.
type Shipper struct {
	cfg    Config
	q      *queue
	events chan json.RawMessage
	dialFn dialFunc // injectable for tests

	mu        sync.Mutex
	connected bool
}

// dialFunc opens the WebSocket connection.
type dialFunc func(ctx context.Context, cfg Config) (*websocket.Conn, error)

// New creates a Shipper for cfg.
func New(cfg Config) *Shipper {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	return &Shipper{
		cfg:    cfg,
		q:      newQueue(cfg.BufferSize),
		events: make(chan json.RawMessage, cfg.BufferSize),
		dialFn: defaultDial,
	}
}

// Ship encodes an update or delete frame and enqueues it. A frame for a
// channel that already has one pending replaces it, keeping its place in the
// queue, so only the channel's latest state is sent.
func (s *Shipper) Ship(f wire.Frame) error {
	var channel string
	switch v := f.(type) {
	case wire.Update:
		channel = v.Channel
	case wire.Delete:
		channel = v.Channel
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFrame, f.Kind())
	}
	data, err := wire.Encode(f)
	if err != nil {
		return fmt.Errorf("shipper: encode: %w", err)
	}
	s.q.putChannel(channel, frame{kind: websocket.TextMessage, data: data})
	return nil
}

// ShipDirect enqueues a binary frame addressed to the viewer with hash.
func (s *Shipper) ShipDirect(hash string, body []byte) error {
	data, err := wire.JoinDirect(hash, body)
	if err != nil {
		return err
	}
	s.q.putDirect(frame{kind: websocket.BinaryMessage, data: data})
	return nil
}

// Events returns viewer events relayed by the server. Events that arrive
// while the channel is full are dropped.
func (s *Shipper) Events() <-chan json.RawMessage { return s.events }

// Pending returns the number of buffered frames not yet written.
func (s *Shipper) Pending() int { return s.q.len() }

// Connected reports whether a connection is currently established.
func (s *Shipper) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Run drains the buffer, sending frames to the server.
// It reconnects with exponential backoff when the connection is lost.
// Run blocks until ctx is cancelled.
func (s *Shipper) Run(ctx context.Context) {
	bo := newBackoff()

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := s.dialFn(ctx, s.cfg)
		if err != nil {
			wait := bo.next()
			slog.Error("shipper: dial failed, will retry", "url", s.cfg.URL, "err", err, "retry_in", wait)
			if !sleep(ctx, wait) {
				return
			}
			continue
		}

		slog.Info("shipper: connected", "url", s.cfg.URL)
		bo.reset()
		s.setConnected(true)

		err = s.drain(ctx, conn)
		s.setConnected(false)
		conn.Close()

		if ctx.Err() != nil {
			return
		}

		wait := bo.next()
		slog.Warn("shipper: connection lost, will reconnect", "url", s.cfg.URL, "err", err, "retry_in", wait)
		if !sleep(ctx, wait) {
			return
		}
	}
}

// --- internal ---------------------------------------------------------------

func (s *Shipper) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}

// drain writes queued frames until the connection fails or ctx is
// cancelled. A frame whose write fails goes back to the head of the queue so
// it is the first one sent after reconnecting. A reader goroutine forwards
// relayed events.
func (s *Shipper) drain(ctx context.Context, conn *websocket.Conn) error {
	readErr := make(chan error, 1)
	go func() { readErr <- s.readLoop(conn) }()

	for {
		select {
		case <-ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
			conn.WriteMessage(websocket.CloseMessage,           //nolint:errcheck
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		case err := <-readErr:
			return fmt.Errorf("read: %w", err)
		default:
		}

		key, f, ok := s.q.pop()
		if !ok {
			select {
			case <-ctx.Done():
			case err := <-readErr:
				return fmt.Errorf("read: %w", err)
			case <-s.q.wake:
			}
			continue
		}

		conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:errcheck
		if err := conn.WriteMessage(f.kind, f.data); err != nil {
			s.q.pushFront(key, f)
			return fmt.Errorf("write: %w", err)
		}
	}
}

func (s *Shipper) readLoop(conn *websocket.Conn) error {
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if kind != websocket.TextMessage {
			continue
		}
		f, err := wire.Decode(data)
		if err != nil {
			slog.Warn("shipper: undecodable frame from server", "err", err)
			continue
		}
		switch m := f.(type) {
		case wire.Event:
			select {
			case s.events <- m.Payload:
			default:
				slog.Warn("shipper: event buffer full, dropping event")
			}
		case wire.Error:
			slog.Warn("shipper: server rejected frame", "error", m.Error)
		}
	}
}

// defaultDial opens the WebSocket connection with the API key header if set.
func defaultDial(ctx context.Context, cfg Config) (*websocket.Conn, error) {
	hdr := http.Header{}
	if cfg.Header != "" && cfg.Key != "" {
		hdr.Set(cfg.Header, cfg.Key)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, hdr)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", cfg.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}
	return conn, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// backoff implements truncated exponential backoff with jitter.
type backoff struct {
	current time.Duration
}

func newBackoff() *backoff {
	return &backoff{current: backoffInitial}
}

// next returns the current backoff duration and advances the internal state.
func (b *backoff) next() time.Duration {
	d := b.current
	jitter := time.Duration(float64(b.current) * 0.25 * (rand.Float64()*2 - 1)) //nolint:gosec // not crypto
	d += jitter
	if d < 0 {
		d = 0
	}

	b.current = time.Duration(float64(b.current) * backoffMultiplier)
	if b.current > backoffMax {
		b.current = backoffMax
	}
	return d
}

func (b *backoff) reset() {
	b.current = backoffInitial
}
