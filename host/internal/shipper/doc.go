// Package shipper sends channel updates from a host process to
// tunnelvision-server over the /ws/host WebSocket endpoint.
//
// Shipper.Ship() is non-blocking: frames are encoded and queued in memory,
// at most one per channel. A newer update or delete replaces the pending
// frame for its channel in place, so while disconnected the queue holds each
// channel's latest state in first-seen order and never loses it. Addressed
// binary frames (ShipDirect) are bounded by BufferSize, oldest evicted first.
//
// Shipper.Run() dials the server, drains the queue, and surfaces relayed
// viewer events on Events(). It reconnects with truncated exponential backoff
// (1s→60s, ±25% jitter) whenever the dial or the connection fails. A frame
// whose write fails goes back to the head of the queue, ahead of anything
// queued after it.
//
// Auth: the API key, if configured, is sent in the configured header on the
// upgrade request.
//
// The dialFn field is injectable for tests.
package shipper
