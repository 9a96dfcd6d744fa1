package ws

import (
	"errors"
	"testing"

	"github.com/tunnelvision/tunnelvision/server/internal/registry"
)

func TestSession_SendQueueFull(t *testing.T) {
	opts := DefaultOptions()
	opts.QueueSize = 2
	s := newSession(nil, RoleViewer, opts)

	for i := 0; i < 2; i++ {
		if err := s.Send([]byte("x")); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	if err := s.Send([]byte("x")); !errors.Is(err, registry.ErrQueueFull) {
		t.Fatalf("Send on full queue: got %v, want ErrQueueFull", err)
	}
}

func TestSession_SendAfterClose(t *testing.T) {
	s := newSession(nil, RoleViewer, DefaultOptions())
	s.Close()
	s.Close()
	if err := s.Send([]byte("x")); !errors.Is(err, registry.ErrClosed) {
		t.Fatalf("Send after Close: got %v, want ErrClosed", err)
	}
	if s.State() != StateClosed {
		t.Errorf("State: got %s, want closed", s.State())
	}
}

func TestSession_StateTransitions(t *testing.T) {
	s := newSession(nil, RoleHost, DefaultOptions())
	if s.State() != StateConnecting {
		t.Fatalf("initial state: got %s", s.State())
	}
	s.activate()
	if s.State() != StateActive {
		t.Fatalf("after activate: got %s", s.State())
	}
	s.Close()
	s.activate()
	if s.State() != StateClosed {
		t.Fatalf("closed must be terminal, got %s", s.State())
	}
}

func TestSession_UniqueIDs(t *testing.T) {
	a := newSession(nil, RoleViewer, DefaultOptions())
	b := newSession(nil, RoleViewer, DefaultOptions())
	if a.ID() == b.ID() {
		t.Error("session IDs collide")
	}
}
