// Package ws implements the WebSocket endpoints of tunnelvision-server.
//
// Handler.Viewer serves /ws and Handler.Host serves /ws/host. Each upgraded
// connection becomes a Session that moves through three states:
//
//	Connecting  upgraded, pumps running, not yet registered
//	Active      registered with the dispatcher (viewers have their snapshot queued)
//	Closed      terminal; pumps stopped, unregistered
//
// Every session owns a bounded outbound queue drained by writePump. Send never
// blocks: when the queue is full it returns registry.ErrQueueFull and the
// dispatcher drops that session, leaving every other session untouched.
// readPump enforces the read limit and the pong deadline; any read error
// closes the session.
//
// Viewer frames:
//
//	{"type":"event","payload":...}            relayed verbatim to the host (rate limited)
//	{"type":"hello","connected":true,"hash":…} sets the address for binary frames
//	anything else                              answered with an "error" frame or dropped
//
// Host frames are validated by package receiver: update/delete text frames
// and addressed binary frames.
//
// The upgrader accepts all origins; the server binds to localhost by default.
package ws
