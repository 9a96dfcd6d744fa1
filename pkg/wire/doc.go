// Package wire defines the JSON frames exchanged between tunnelvision-server,
// the host process and browser viewers.
//
// Every text frame is a JSON object with a "type" field:
//
//	update   {channel, payload, sequence}   host → server → viewers
//	delete   {channel}                      host → server → viewers
//	snapshot {channels: [{channel, payload, sequence}]}  server → viewer, once per connection
//	event    {payload}                      viewer → server → host
//	hello    {connected, hash}              viewer → server (addressing handshake)
//	error    {error}                        server → peer
//
// Payloads are opaque and carried as json.RawMessage so they are relayed
// byte-for-byte. Binary frames from the host carry a HashLen-byte viewer hash
// prefix and are delivered to that viewer only (see SplitDirect).
package wire
