// Package store holds the latest known payload for every channel.
//
// Store is safe for concurrent use. Reads (Get, Snapshot, Count) take a read
// lock and always observe a point-in-time view; writes (Upsert, Delete) are
// expected to come from a single goroutine, the dispatcher, which pairs each
// write with its broadcast.
//
// Every Upsert increments the channel's sequence number. The store remembers
// the highest sequence issued per key even after a Delete, so a channel that
// is deleted and re-created continues from where it left off and a sequence
// number is never handed out twice.
//
// If a TTL is configured, Expired(now) lists channels that have not been
// updated within it. The store never evicts on its own; the dispatcher turns
// expired keys into ordinary deletes so viewers are notified.
package store
