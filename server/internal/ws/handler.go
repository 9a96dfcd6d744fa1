package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tunnelvision/tunnelvision/pkg/wire"
	"github.com/tunnelvision/tunnelvision/server/internal/metrics"
	"github.com/tunnelvision/tunnelvision/server/internal/receiver"
	"github.com/tunnelvision/tunnelvision/server/internal/registry"
)

const (
	// DefaultWriteTimeout is the deadline for a single write to a peer.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultPongWait is how long to wait for a pong before treating the
	// connection as dead.
	DefaultPongWait = 60 * time.Second

	// DefaultQueueSize is the per-session outbound queue depth.
	DefaultQueueSize = 256

	// DefaultMaxMessageSize is the largest inbound frame accepted (256 MiB).
	DefaultMaxMessageSize = 256 << 20

	// detachTimeout bounds the unregister call made when a session ends.
	detachTimeout = 5 * time.Second
)

// Options tunes session behaviour.
type Options struct {
	QueueSize      int
	WriteTimeout   time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	EventRate      float64 // events per second per viewer; <= 0 disables limiting
	EventBurst     int
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		QueueSize:      DefaultQueueSize,
		WriteTimeout:   DefaultWriteTimeout,
		PongWait:       DefaultPongWait,
		MaxMessageSize: DefaultMaxMessageSize,
		EventRate:      0,
		EventBurst:     1,
	}
}

// pingPeriod must be less than PongWait.
func (o Options) pingPeriod() time.Duration { return (o.PongWait * 9) / 10 }

// Dispatcher is the subset of *dispatch.Dispatcher used by the endpoints.
type Dispatcher interface {
	receiver.Sink
	Attach(ctx context.Context, m registry.Member) error
	Detach(ctx context.Context, m registry.Member) error
	AttachHost(ctx context.Context, m registry.Member) error
	DetachHost(ctx context.Context, m registry.Member) error
	Relay(ctx context.Context, payload json.RawMessage) (int, error)
	Alias(ctx context.Context, m registry.Member, alias string) error
}

// Handler serves the viewer and host WebSocket endpoints.
type Handler struct {
	d        Dispatcher
	rec      *receiver.Receiver
	opts     Options
	upgrader websocket.Upgrader
}

// NewHandler creates a Handler that registers sessions with d.
func NewHandler(d Dispatcher, opts Options) *Handler {
	if opts.EventBurst < 1 {
		opts.EventBurst = 1
	}
	return &Handler{
		d:    d,
		rec:  receiver.New(d),
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Viewer returns the handler for /ws.
func (h *Handler) Viewer() http.Handler { return http.HandlerFunc(h.serveViewer) }

// Host returns the handler for /ws/host.
func (h *Handler) Host() http.Handler { return http.HandlerFunc(h.serveHost) }

// --- internal ---------------------------------------------------------------

func (h *Handler) upgrade(w http.ResponseWriter, r *http.Request, role Role) *Session {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		slog.Debug("ws: upgrade failed", "role", role, "err", err)
		return nil
	}
	s := newSession(conn, role, h.opts)
	metrics.SessionsTotal.WithLabelValues(string(role)).Inc()
	metrics.SessionsCurrent.WithLabelValues(string(role)).Inc()
	slog.Info("ws: session connected", "session", s.id, "role", role, "remote", r.RemoteAddr)
	return s
}

func (h *Handler) finish(s *Session, detach func(context.Context, registry.Member) error, readErr error) {
	s.Close()
	ctx, cancel := context.WithTimeout(context.Background(), detachTimeout)
	defer cancel()
	if err := detach(ctx, s); err != nil {
		slog.Debug("ws: detach", "session", s.id, "err", err)
	}
	metrics.SessionsCurrent.WithLabelValues(string(s.role)).Dec()
	metrics.SessionDuration.Observe(time.Since(s.started).Seconds())

	attrs := []any{"session", s.id, "role", s.role}
	if readErr != nil && !websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		attrs = append(attrs, "err", readErr)
	}
	slog.Info("ws: session closed", attrs...)
}

func (h *Handler) serveViewer(w http.ResponseWriter, r *http.Request) {
	s := h.upgrade(w, r, RoleViewer)
	if s == nil {
		return
	}
	go s.writePump()

	ctx := context.WithoutCancel(r.Context())
	if err := h.d.Attach(ctx, s); err != nil {
		slog.Warn("ws: attach viewer", "session", s.id, "err", err)
		h.finish(s, h.d.Detach, nil)
		return
	}
	s.activate()

	err := s.readPump(func(kind int, data []byte) { h.viewerFrame(ctx, s, kind, data) })
	h.finish(s, h.d.Detach, err)
}

func (h *Handler) viewerFrame(ctx context.Context, s *Session, kind int, data []byte) {
	if kind != websocket.TextMessage {
		metrics.FramesDropped.WithLabelValues("malformed").Inc()
		slog.Debug("ws: viewer sent binary frame", "session", s.id, "bytes", len(data))
		return
	}

	f, err := wire.Decode(data)
	if err != nil {
		metrics.FramesDropped.WithLabelValues("malformed").Inc()
		slog.Warn("ws: dropping viewer frame", "session", s.id, "err", err)
		return
	}

	switch m := f.(type) {
	case wire.Event:
		if !s.limiter.Allow() {
			metrics.FramesDropped.WithLabelValues("rate_limited").Inc()
			slog.Warn("ws: viewer event rate exceeded", "session", s.id)
			return
		}
		if _, err := h.d.Relay(ctx, m.Payload); err != nil {
			slog.Warn("ws: relay event", "session", s.id, "err", err)
		}

	case wire.Hello:
		if err := h.d.Alias(ctx, s, m.Hash); err != nil {
			slog.Warn("ws: register viewer hash", "session", s.id, "err", err)
			return
		}
		slog.Debug("ws: viewer hello", "session", s.id, "hash", m.Hash)

	default:
		metrics.FramesDropped.WithLabelValues("forbidden").Inc()
		h.reject(s, "viewers may not send "+string(f.Kind())+" frames")
	}
}

func (h *Handler) serveHost(w http.ResponseWriter, r *http.Request) {
	s := h.upgrade(w, r, RoleHost)
	if s == nil {
		return
	}
	go s.writePump()

	ctx := context.WithoutCancel(r.Context())
	if err := h.d.AttachHost(ctx, s); err != nil {
		slog.Warn("ws: attach host", "session", s.id, "err", err)
		h.finish(s, h.d.DetachHost, nil)
		return
	}
	s.activate()

	err := s.readPump(func(kind int, data []byte) { h.hostFrame(ctx, s, kind, data) })
	h.finish(s, h.d.DetachHost, err)
}

func (h *Handler) hostFrame(ctx context.Context, s *Session, kind int, data []byte) {
	var err error
	switch kind {
	case websocket.TextMessage:
		err = h.rec.HandleText(ctx, data)
	case websocket.BinaryMessage:
		err = h.rec.HandleBinary(ctx, data)
	}
	if err == nil {
		return
	}

	if errors.Is(err, receiver.ErrRejected) {
		metrics.FramesDropped.WithLabelValues("malformed").Inc()
	}
	slog.Warn("ws: host frame not applied", "session", s.id, "err", err)
	h.reject(s, err.Error())
}

func (h *Handler) reject(s *Session, msg string) {
	data, err := wire.Encode(wire.NewError(msg))
	if err != nil {
		return
	}
	if err := s.Send(data); err != nil {
		slog.Debug("ws: error frame not queued", "session", s.id, "err", err)
	}
}
