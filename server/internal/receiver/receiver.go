package receiver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tunnelvision/tunnelvision/pkg/wire"
)

// ErrRejected wraps every validation failure reported by the receiver.
var ErrRejected = errors.New("receiver: frame rejected")

// Sink applies validated host frames. *dispatch.Dispatcher satisfies it.
type Sink interface {
	Publish(ctx context.Context, channel string, payload json.RawMessage) (uint64, error)
	Delete(ctx context.Context, channel string) (bool, error)
	Direct(ctx context.Context, alias string, frame []byte) error
}

// Receiver validates host frames and forwards them to a Sink.
type Receiver struct {
	sink Sink
}

// New creates a Receiver that forwards accepted frames to sink.
func New(sink Sink) *Receiver {
	return &Receiver{sink: sink}
}

// HandleText validates one JSON frame from the host and applies it.
func (r *Receiver) HandleText(ctx context.Context, data []byte) error {
	f, err := wire.Decode(data)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRejected, err)
	}

	switch m := f.(type) {
	case wire.Update:
		seq, err := r.sink.Publish(ctx, m.Channel, m.Payload)
		if err != nil {
			return fmt.Errorf("receiver: publish %q: %w", m.Channel, err)
		}
		slog.Debug("receiver: update applied", "channel", m.Channel, "sequence", seq, "bytes", len(m.Payload))
		return nil

	case wire.Delete:
		existed, err := r.sink.Delete(ctx, m.Channel)
		if err != nil {
			return fmt.Errorf("receiver: delete %q: %w", m.Channel, err)
		}
		slog.Debug("receiver: delete applied", "channel", m.Channel, "existed", existed)
		return nil

	default:
		return fmt.Errorf("%w: hosts may not send %q frames", ErrRejected, f.Kind())
	}
}

// HandleBinary delivers an addressed binary frame to a single viewer.
func (r *Receiver) HandleBinary(ctx context.Context, data []byte) error {
	hash, body, ok := wire.SplitDirect(data)
	if !ok {
		return fmt.Errorf("%w: binary frame shorter than %d-byte address", ErrRejected, wire.HashLen+1)
	}
	if err := r.sink.Direct(ctx, hash, body); err != nil {
		return fmt.Errorf("receiver: direct: %w", err)
	}
	return nil
}
