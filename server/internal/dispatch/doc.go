// Package dispatch serializes every mutation of the channel store together
// with the fan-out that announces it.
//
// Dispatcher is an actor: Run owns a single goroutine that drains a command
// channel. Because one goroutine performs both the store write and the
// broadcast, viewers observe updates to a channel in exactly the order they
// were applied, and a viewer attached between two updates sees the first in
// its snapshot and the second as a broadcast, never both and never neither.
//
// Commands:
//
//	Publish(ctx, channel, payload)  upsert, then broadcast {type:update}
//	Delete(ctx, channel)            delete, then broadcast {type:delete}; unknown key is a no-op
//	Attach(ctx, viewer)             snapshot, enqueue {type:snapshot}, register
//	Detach(ctx, viewer)             unregister (idempotent)
//	AttachHost / DetachHost         host registry membership
//	Relay(ctx, payload)             forward {type:event} to every host; nothing is stored
//	Direct(ctx, alias, frame)       deliver a binary frame to one viewer
//
// When the store has a TTL, Run also sweeps expired channels on a ticker and
// applies them as ordinary deletes.
//
// A store that fails to advance a channel's sequence is a broken invariant:
// Run logs it and returns ErrInvariant so the caller can shut down.
package dispatch
