package registry

import (
	"errors"
	"sort"
	"sync"
)

var (
	// ErrQueueFull is returned by Member.Send when the outbound queue has no room.
	ErrQueueFull = errors.New("registry: send queue full")

	// ErrClosed is returned by Member.Send after the member has been closed.
	ErrClosed = errors.New("registry: member closed")
)

// Member is one registered session.
type Member interface {
	// ID is unique for the lifetime of the process.
	ID() string
	// Send enqueues msg without blocking.
	Send(msg []byte) error
	// Close terminates the member. It must be safe to call more than once.
	Close()
}

// Registry is a thread-safe set of members keyed by ID, with an optional
// alias per member for targeted delivery.
type Registry struct {
	mu      sync.RWMutex
	members map[string]Member
	aliases map[string]Member // alias -> member; last SetAlias wins
	aliasOf map[string]string // member ID -> alias
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		members: make(map[string]Member),
		aliases: make(map[string]Member),
		aliasOf: make(map[string]string),
	}
}

// Register adds m. Registering the same ID twice replaces the earlier member.
func (r *Registry) Register(m Member) {
	r.mu.Lock()
	r.members[m.ID()] = m
	r.mu.Unlock()
}

// Unregister removes m and reports whether it was present.
func (r *Registry) Unregister(m Member) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.members[m.ID()]
	if !ok || cur != m {
		return false
	}
	delete(r.members, m.ID())
	r.clearAlias(m)
	return true
}

// SetAlias makes alias address m. If another member already holds alias it
// loses it; a member holds at most one alias. It reports false, changing
// nothing, when m is not registered or alias is empty.
func (r *Registry) SetAlias(m Member, alias string) bool {
	if alias == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.members[m.ID()]; !ok || cur != m {
		return false
	}
	r.clearAlias(m)
	if prev, ok := r.aliases[alias]; ok {
		delete(r.aliasOf, prev.ID())
	}
	r.aliases[alias] = m
	r.aliasOf[m.ID()] = alias
	return true
}

// clearAlias drops m's alias. r.mu must be held.
func (r *Registry) clearAlias(m Member) {
	alias, ok := r.aliasOf[m.ID()]
	if !ok {
		return
	}
	delete(r.aliasOf, m.ID())
	if r.aliases[alias] == m {
		delete(r.aliases, alias)
	}
}

// Contains reports whether m is currently registered.
func (r *Registry) Contains(m Member) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cur, ok := r.members[m.ID()]
	return ok && cur == m
}

// Count returns the number of registered members.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Members returns the registered members ordered by ID.
func (r *Registry) Members() []Member {
	r.mu.RLock()
	out := make([]Member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Lookup returns the member that most recently claimed alias.
func (r *Registry) Lookup(alias string) (Member, bool) {
	if alias == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.aliases[alias]
	return m, ok
}

// Broadcast calls fn for every member registered at the time of the call.
// Members for which fn returns an error are unregistered and closed and
// returned in dropped. delivered counts the members fn succeeded for.
func (r *Registry) Broadcast(fn func(Member) error) (delivered int, dropped []Member) {
	for _, m := range r.Members() {
		if err := fn(m); err != nil {
			r.Drop(m)
			dropped = append(dropped, m)
			continue
		}
		delivered++
	}
	return delivered, dropped
}

// Drop unregisters and closes m.
func (r *Registry) Drop(m Member) {
	r.Unregister(m)
	m.Close()
}

// CloseAll closes and removes every member.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	targets := make([]Member, 0, len(r.members))
	for id, m := range r.members {
		targets = append(targets, m)
		delete(r.members, id)
	}
	clear(r.aliases)
	clear(r.aliasOf)
	r.mu.Unlock()

	for _, m := range targets {
		m.Close()
	}
}
