package ws_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tunnelvision/tunnelvision/pkg/wire"
	"github.com/tunnelvision/tunnelvision/server/internal/dispatch"
	"github.com/tunnelvision/tunnelvision/server/internal/registry"
	"github.com/tunnelvision/tunnelvision/server/internal/store"
	"github.com/tunnelvision/tunnelvision/server/internal/ws"
)

// --- helpers ----------------------------------------------------------------

type env struct {
	viewerURL string
	hostURL   string
	st        *store.Store
	viewers   *registry.Registry
	hosts     *registry.Registry
}

// startServer runs a dispatcher and both endpoints behind an httptest server.
func startServer(t *testing.T, opts ws.Options) *env {
	t.Helper()

	st := store.New(0)
	viewers, hosts := registry.New(), registry.New()
	d := dispatch.New(st, viewers, hosts)
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx) //nolint:errcheck

	h := ws.NewHandler(d, opts)
	mux := http.NewServeMux()
	mux.Handle("/ws", h.Viewer())
	mux.Handle("/ws/host", h.Host())
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		cancel()
		<-d.Done()
		srv.Close()
	})

	base := "ws" + strings.TrimPrefix(srv.URL, "http")
	return &env{viewerURL: base + "/ws", hostURL: base + "/ws/host", st: st, viewers: viewers, hosts: hosts}
}

func testOptions() ws.Options {
	o := ws.DefaultOptions()
	o.QueueSize = 16
	return o
}

// dial connects a WebSocket client to url and returns the connection.
func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readFrame reads one text frame from conn with a short deadline.
func readFrame(t *testing.T, conn *websocket.Conn) wire.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	f, err := wire.Decode(msg)
	if err != nil {
		t.Fatalf("Decode %s: %v", msg, err)
	}
	return f
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func connectHost(t *testing.T, e *env) *websocket.Conn {
	t.Helper()
	host := dial(t, e.hostURL)
	waitFor(t, "host registration", func() bool { return e.hosts.Count() == 1 })
	return host
}

// --- tests ------------------------------------------------------------------

func TestViewer_Connect_ReceivesSnapshotFirst(t *testing.T) {
	e := startServer(t, testOptions())
	e.st.Upsert("plot1", json.RawMessage(`{"x":[1,2,3]}`))

	conn := dial(t, e.viewerURL)
	snap, ok := readFrame(t, conn).(wire.Snapshot)
	if !ok {
		t.Fatal("first frame is not a snapshot")
	}
	if len(snap.Channels) != 1 || snap.Channels[0].Channel != "plot1" {
		t.Fatalf("snapshot channels: got %+v", snap.Channels)
	}
}

func TestViewer_EmptyStore_EmptySnapshot(t *testing.T) {
	e := startServer(t, testOptions())
	conn := dial(t, e.viewerURL)
	snap := readFrame(t, conn).(wire.Snapshot)
	if snap.Channels == nil || len(snap.Channels) != 0 {
		t.Errorf("channels: got %v, want []", snap.Channels)
	}
}

func TestHostUpdate_BroadcastToViewers(t *testing.T) {
	e := startServer(t, testOptions())

	v1 := dial(t, e.viewerURL)
	v2 := dial(t, e.viewerURL)
	readFrame(t, v1)
	readFrame(t, v2)
	waitFor(t, "viewer registration", func() bool { return e.viewers.Count() == 2 })

	host := connectHost(t, e)
	writeJSON(t, host, map[string]any{"type": "update", "channel": "plot1", "payload": map[string]any{"x": []int{4, 5, 6}}})

	for _, v := range []*websocket.Conn{v1, v2} {
		up, ok := readFrame(t, v).(wire.Update)
		if !ok {
			t.Fatal("expected update frame")
		}
		if up.Channel != "plot1" || up.Sequence != 1 {
			t.Errorf("update: got %s seq %d", up.Channel, up.Sequence)
		}
	}
}

func TestHostDelete_BroadcastToViewers(t *testing.T) {
	e := startServer(t, testOptions())
	e.st.Upsert("plot1", json.RawMessage(`1`))

	v := dial(t, e.viewerURL)
	readFrame(t, v)
	waitFor(t, "viewer registration", func() bool { return e.viewers.Count() == 1 })

	host := connectHost(t, e)
	writeJSON(t, host, map[string]any{"type": "delete", "channel": "plot1"})

	del, ok := readFrame(t, v).(wire.Delete)
	if !ok || del.Channel != "plot1" {
		t.Fatalf("expected delete for plot1, got %+v", del)
	}
}

func TestViewerEvent_RelayedToHostVerbatim(t *testing.T) {
	e := startServer(t, testOptions())
	host := connectHost(t, e)

	v := dial(t, e.viewerURL)
	readFrame(t, v)
	const payload = `{ "kind": "click", "label": "<b>&", "x": 10 }`
	if err := v.WriteMessage(websocket.TextMessage, []byte(`{"type":"event","payload":`+payload+`}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	host.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	_, msg, err := host.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if want := `{"type":"event","payload":` + payload + `}`; string(msg) != want {
		t.Errorf("frame: got %s, want %s", msg, want)
	}
	if e.st.Count() != 0 {
		t.Error("event must not be stored")
	}
}

func TestViewerUpdate_RejectedWithError(t *testing.T) {
	e := startServer(t, testOptions())
	v := dial(t, e.viewerURL)
	readFrame(t, v)

	writeJSON(t, v, map[string]any{"type": "update", "channel": "plot1", "payload": 1})

	if _, ok := readFrame(t, v).(wire.Error); !ok {
		t.Fatal("expected error frame")
	}
	if e.st.Count() != 0 {
		t.Error("viewer update must not be applied")
	}
}

func TestViewerMalformed_SessionStaysUp(t *testing.T) {
	e := startServer(t, testOptions())
	host := connectHost(t, e)

	v := dial(t, e.viewerURL)
	readFrame(t, v)
	if err := v.WriteMessage(websocket.TextMessage, []byte(`{garbage`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	writeJSON(t, v, map[string]any{"type": "event", "payload": "after"})

	ev := readFrame(t, host).(wire.Event)
	if string(ev.Payload) != `"after"` {
		t.Errorf("payload: got %s", ev.Payload)
	}
	if e.viewers.Count() != 1 {
		t.Errorf("viewers: got %d, want 1", e.viewers.Count())
	}
}

func TestHostMalformed_ErrorFrame(t *testing.T) {
	e := startServer(t, testOptions())
	host := connectHost(t, e)

	writeJSON(t, host, map[string]any{"type": "update", "payload": 1})
	if _, ok := readFrame(t, host).(wire.Error); !ok {
		t.Fatal("expected error frame")
	}
}

func TestHostBinary_DeliveredToAddressedViewer(t *testing.T) {
	e := startServer(t, testOptions())
	const hash = "abcdefghijklmnopqrstuv"

	target := dial(t, e.viewerURL)
	other := dial(t, e.viewerURL)
	readFrame(t, target)
	readFrame(t, other)
	writeJSON(t, target, wire.Hello{Type: wire.TypeHello, Connected: true, Hash: hash})

	host := connectHost(t, e)
	waitFor(t, "alias registration", func() bool {
		_, ok := e.viewers.Lookup(hash)
		return ok
	})

	frame, err := wire.JoinDirect(hash, []byte{0xde, 0xad})
	if err != nil {
		t.Fatal(err)
	}
	if err := host.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	target.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	kind, body, err := target.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if kind != websocket.BinaryMessage || string(body) != "\xde\xad" {
		t.Errorf("got kind %d body %x", kind, body)
	}

	other.SetReadDeadline(time.Now().Add(100 * time.Millisecond)) //nolint:errcheck
	if _, _, err := other.ReadMessage(); err == nil {
		t.Error("unaddressed viewer received a frame")
	}
}

func TestHostBinary_NewestHelloClaimsHash(t *testing.T) {
	e := startServer(t, testOptions())
	const hash = "abcdefghijklmnopqrstuv"

	older := dial(t, e.viewerURL)
	newer := dial(t, e.viewerURL)
	readFrame(t, older)
	readFrame(t, newer)

	writeJSON(t, older, wire.Hello{Type: wire.TypeHello, Connected: true, Hash: hash})
	var first registry.Member
	waitFor(t, "first hello", func() bool {
		first, _ = e.viewers.Lookup(hash)
		return first != nil
	})

	// The front-end handshake carries no type field.
	writeJSON(t, newer, map[string]any{"connected": true, "hash": hash})
	waitFor(t, "second hello", func() bool {
		cur, _ := e.viewers.Lookup(hash)
		return cur != nil && cur != first
	})

	host := connectHost(t, e)
	frame, err := wire.JoinDirect(hash, []byte("hi"))
	if err != nil {
		t.Fatal(err)
	}
	if err := host.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	newer.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	kind, body, err := newer.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if kind != websocket.BinaryMessage || string(body) != "hi" {
		t.Errorf("got kind %d body %q", kind, body)
	}

	older.SetReadDeadline(time.Now().Add(100 * time.Millisecond)) //nolint:errcheck
	if _, _, err := older.ReadMessage(); err == nil {
		t.Error("superseded viewer received the addressed frame")
	}
}

func TestViewerEvent_RateLimited(t *testing.T) {
	opts := testOptions()
	opts.EventRate = 0.001
	opts.EventBurst = 1
	e := startServer(t, opts)
	host := connectHost(t, e)

	v := dial(t, e.viewerURL)
	readFrame(t, v)
	for i := 0; i < 3; i++ {
		writeJSON(t, v, map[string]any{"type": "event", "payload": i})
	}

	ev := readFrame(t, host).(wire.Event)
	if string(ev.Payload) != "0" {
		t.Errorf("payload: got %s, want 0", ev.Payload)
	}
	host.SetReadDeadline(time.Now().Add(100 * time.Millisecond)) //nolint:errcheck
	if _, _, err := host.ReadMessage(); err == nil {
		t.Error("rate-limited event was relayed")
	}
}

func TestViewer_CountDecreasesOnDisconnect(t *testing.T) {
	e := startServer(t, testOptions())

	conn := dial(t, e.viewerURL)
	readFrame(t, conn)
	waitFor(t, "viewer registration", func() bool { return e.viewers.Count() == 1 })

	conn.Close()
	waitFor(t, "viewer removal", func() bool { return e.viewers.Count() == 0 })
}

func TestHostReconnect_ViewersKeepState(t *testing.T) {
	e := startServer(t, testOptions())

	host := connectHost(t, e)
	writeJSON(t, host, map[string]any{"type": "update", "channel": "plot1", "payload": 1})
	waitFor(t, "update applied", func() bool { return e.st.Count() == 1 })
	host.Close()
	waitFor(t, "host removal", func() bool { return e.hosts.Count() == 0 })

	v := dial(t, e.viewerURL)
	snap := readFrame(t, v).(wire.Snapshot)
	if len(snap.Channels) != 1 {
		t.Fatalf("snapshot after host left: got %d channels, want 1", len(snap.Channels))
	}

	host2 := connectHost(t, e)
	writeJSON(t, host2, map[string]any{"type": "update", "channel": "plot1", "payload": 2})
	up := readFrame(t, v).(wire.Update)
	if up.Sequence != 2 {
		t.Errorf("sequence after reconnect: got %d, want 2", up.Sequence)
	}
}
