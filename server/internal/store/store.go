package store

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Channel is the current state of one channel.
type Channel struct {
	Key       string
	Payload   json.RawMessage
	Sequence  uint64
	UpdatedAt time.Time
}

// Store is a thread-safe in-memory channel store keyed by channel name.
type Store struct {
	mu    sync.RWMutex
	data  map[string]*Channel
	high  map[string]uint64 // highest sequence ever issued per key
	ttl   time.Duration
	clock clockwork.Clock
}

// New creates a Store. ttl <= 0 disables expiry.
func New(ttl time.Duration) *Store {
	return NewWithClock(ttl, clockwork.NewRealClock())
}

// NewWithClock creates a Store that stamps updates using clock.
func NewWithClock(ttl time.Duration, clock clockwork.Clock) *Store {
	return &Store{
		data:  make(map[string]*Channel),
		high:  make(map[string]uint64),
		ttl:   ttl,
		clock: clock,
	}
}

// Upsert replaces the payload for key and returns the new sequence number.
// Callers must not modify payload after calling Upsert.
func (s *Store) Upsert(key string, payload json.RawMessage) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.high[key] + 1
	s.high[key] = seq
	s.data[key] = &Channel{
		Key:       key,
		Payload:   payload,
		Sequence:  seq,
		UpdatedAt: s.clock.Now(),
	}
	return seq
}

// Delete removes key and reports whether it was present.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; !ok {
		return false
	}
	delete(s.data, key)
	return true
}

// Get returns a copy of the channel for key.
func (s *Store) Get(key string) (Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.data[key]
	if !ok {
		return Channel{}, false
	}
	return *c, true
}

// Snapshot returns every channel, ordered by key, as of a single instant.
func (s *Store) Snapshot() []Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Channel, 0, len(s.data))
	for _, c := range s.data {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Count returns the number of live channels.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// LastSequence returns the highest sequence ever issued for key, including
// for keys that have since been deleted.
func (s *Store) LastSequence(key string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.high[key]
}

// TTL returns the configured expiry; zero means channels never expire.
func (s *Store) TTL() time.Duration { return s.ttl }

// Expired returns the keys whose last update is at or before now minus TTL,
// sorted. It returns nil when expiry is disabled.
func (s *Store) Expired(now time.Time) []string {
	if s.ttl <= 0 {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cutoff := now.Add(-s.ttl)
	var out []string
	for k, c := range s.data {
		if !c.UpdatedAt.After(cutoff) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
