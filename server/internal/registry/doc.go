// Package registry tracks the live sessions of one role.
//
// A Registry is an explicit object, not a process global: the server keeps one
// for viewers and one for hosts, and tests build their own.
//
// Broadcast calls a delivery function for every registered member. A member
// whose delivery fails (typically ErrQueueFull from a slow consumer, or
// ErrClosed) is unregistered and closed; the rest of the broadcast continues.
// Unregister is idempotent, so a session that is removed by a failed broadcast
// and later detaches itself on disconnect is only counted once.
package registry
