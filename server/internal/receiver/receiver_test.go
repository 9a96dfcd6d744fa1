package receiver_test

import (
	"context"
	"errors"
	"testing"

	"github.com/tunnelvision/tunnelvision/server/internal/dispatch"
	"github.com/tunnelvision/tunnelvision/server/internal/receiver"
	"github.com/tunnelvision/tunnelvision/server/internal/registry"
	"github.com/tunnelvision/tunnelvision/server/internal/store"
)

// startReceiver wires a receiver to a running dispatcher over a fresh store.
func startReceiver(t *testing.T) (*receiver.Receiver, *store.Store) {
	t.Helper()

	st := store.New(0)
	d := dispatch.New(st, registry.New(), registry.New())
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx) //nolint:errcheck
	t.Cleanup(func() {
		cancel()
		<-d.Done()
	})
	return receiver.New(d), st
}

func TestHandleText_UpdateStored(t *testing.T) {
	rec, st := startReceiver(t)

	err := rec.HandleText(context.Background(), []byte(`{"type":"update","channel":"plot1","payload":{"x":[1,2,3]}}`))
	if err != nil {
		t.Fatalf("HandleText: %v", err)
	}
	c, ok := st.Get("plot1")
	if !ok {
		t.Fatal("channel plot1 not stored")
	}
	if c.Sequence != 1 {
		t.Errorf("Sequence: got %d, want 1", c.Sequence)
	}
	if string(c.Payload) != `{"x":[1,2,3]}` {
		t.Errorf("Payload: got %s", c.Payload)
	}
}

func TestHandleText_DeleteRemoves(t *testing.T) {
	rec, st := startReceiver(t)
	ctx := context.Background()

	if err := rec.HandleText(ctx, []byte(`{"type":"update","channel":"a","payload":1}`)); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := rec.HandleText(ctx, []byte(`{"type":"delete","channel":"a"}`)); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if st.Count() != 0 {
		t.Errorf("Count: got %d, want 0", st.Count())
	}
}

func TestHandleText_DeleteUnknownIsNotAnError(t *testing.T) {
	rec, _ := startReceiver(t)
	if err := rec.HandleText(context.Background(), []byte(`{"type":"delete","channel":"ghost"}`)); err != nil {
		t.Fatalf("delete unknown: %v", err)
	}
}

func TestHandleText_Rejected(t *testing.T) {
	cases := map[string]string{
		"invalid json":       `{not json`,
		"missing channel":    `{"type":"update","payload":1}`,
		"missing payload":    `{"type":"update","channel":"a"}`,
		"unknown type":       `{"type":"resize"}`,
		"event from host":    `{"type":"event","payload":{}}`,
		"snapshot from host": `{"type":"snapshot","channels":[]}`,
	}
	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			rec, st := startReceiver(t)
			err := rec.HandleText(context.Background(), []byte(frame))
			if !errors.Is(err, receiver.ErrRejected) {
				t.Fatalf("err: got %v, want ErrRejected", err)
			}
			if st.Count() != 0 {
				t.Errorf("store mutated by rejected frame")
			}
		})
	}
}

func TestHandleBinary_TooShort(t *testing.T) {
	rec, _ := startReceiver(t)
	err := rec.HandleBinary(context.Background(), []byte("short"))
	if !errors.Is(err, receiver.ErrRejected) {
		t.Fatalf("err: got %v, want ErrRejected", err)
	}
}

func TestHandleBinary_UnknownViewer(t *testing.T) {
	rec, _ := startReceiver(t)
	frame := append([]byte("abcdefghijklmnopqrstuv"), 0x01, 0x02)
	err := rec.HandleBinary(context.Background(), frame)
	if !errors.Is(err, dispatch.ErrUnknownAlias) {
		t.Fatalf("err: got %v, want ErrUnknownAlias", err)
	}
}
