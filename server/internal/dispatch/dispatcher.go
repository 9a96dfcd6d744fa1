package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tunnelvision/tunnelvision/pkg/wire"
	"github.com/tunnelvision/tunnelvision/server/internal/metrics"
	"github.com/tunnelvision/tunnelvision/server/internal/registry"
	"github.com/tunnelvision/tunnelvision/server/internal/store"
)

const (
	// cmdBufSize is the depth of the command channel.
	cmdBufSize = 256

	// minSweepInterval bounds how often the TTL sweep runs.
	minSweepInterval = time.Second
)

var (
	// ErrInvariant is returned by Run when the store breaks sequence ordering.
	ErrInvariant = errors.New("dispatch: store invariant violated")

	// ErrStopped is returned by commands submitted after Run has exited.
	ErrStopped = errors.New("dispatch: dispatcher stopped")

	// ErrUnknownAlias is returned by Direct when no viewer has the alias.
	ErrUnknownAlias = errors.New("dispatch: no viewer with alias")
)

// BinarySender is implemented by members that accept binary frames.
type BinarySender interface {
	SendBinary(msg []byte) error
}

type command interface{ apply(d *Dispatcher) error }

type result struct {
	n   int
	seq uint64
	err error
}

// Dispatcher is the single writer of the channel store.
type Dispatcher struct {
	store   *store.Store
	viewers *registry.Registry
	hosts   *registry.Registry
	clock   clockwork.Clock

	onLastHostLeft func()
	hadHost        bool

	cmdCh chan command
	done  chan struct{}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock sets the clock driving the TTL sweep.
func WithClock(c clockwork.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// WithLastHostLeft registers fn to be called when the last host detaches.
func WithLastHostLeft(fn func()) Option {
	return func(d *Dispatcher) { d.onLastHostLeft = fn }
}

// New creates a Dispatcher over st. viewers and hosts must be distinct registries.
func New(st *store.Store, viewers, hosts *registry.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:   st,
		viewers: viewers,
		hosts:   hosts,
		clock:   clockwork.NewRealClock(),
		cmdCh:   make(chan command, cmdBufSize),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Run processes commands until ctx is cancelled, then closes every session.
// It returns nil on cancellation and ErrInvariant if the store misbehaves.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer close(d.done)
	defer d.viewers.CloseAll()
	defer d.hosts.CloseAll()

	var sweep <-chan time.Time
	if ttl := d.store.TTL(); ttl > 0 {
		interval := ttl / 2
		if interval < minSweepInterval {
			interval = minSweepInterval
		}
		t := d.clock.NewTicker(interval)
		defer t.Stop()
		sweep = t.Chan()
	}

	for {
		metrics.CommandQueueDepth.Set(float64(len(d.cmdCh)))
		select {
		case <-ctx.Done():
			return nil
		case <-sweep:
			for _, key := range d.store.Expired(d.clock.Now()) {
				d.applyDelete(key, "expire")
			}
		case c := <-d.cmdCh:
			if err := c.apply(d); errors.Is(err, ErrInvariant) {
				slog.Error("dispatch: stopping", "err", err)
				return err
			}
		}
	}
}

// Publish stores payload under channel and broadcasts it to every viewer.
// It returns the new sequence number.
func (d *Dispatcher) Publish(ctx context.Context, channel string, payload json.RawMessage) (uint64, error) {
	r, err := d.call(ctx, func(reply chan<- result) command {
		return publishCmd{channel: channel, payload: payload, reply: reply}
	})
	return r.seq, err
}

// Delete removes channel and broadcasts the deletion. It reports whether the
// channel existed; deleting an unknown channel broadcasts nothing.
func (d *Dispatcher) Delete(ctx context.Context, channel string) (bool, error) {
	r, err := d.call(ctx, func(reply chan<- result) command {
		return deleteCmd{channel: channel, reply: reply}
	})
	return r.n > 0, err
}

// Attach sends the current snapshot to m and registers it as a viewer. No
// broadcast can reach m before its snapshot.
func (d *Dispatcher) Attach(ctx context.Context, m registry.Member) error {
	_, err := d.call(ctx, func(reply chan<- result) command {
		return attachCmd{member: m, reply: reply}
	})
	return err
}

// Detach unregisters viewer m. Detaching twice is harmless.
func (d *Dispatcher) Detach(ctx context.Context, m registry.Member) error {
	_, err := d.call(ctx, func(reply chan<- result) command {
		return detachCmd{member: m, reply: reply}
	})
	return err
}

// AttachHost registers m as a host.
func (d *Dispatcher) AttachHost(ctx context.Context, m registry.Member) error {
	_, err := d.call(ctx, func(reply chan<- result) command {
		return attachHostCmd{member: m, reply: reply}
	})
	return err
}

// DetachHost unregisters host m.
func (d *Dispatcher) DetachHost(ctx context.Context, m registry.Member) error {
	_, err := d.call(ctx, func(reply chan<- result) command {
		return detachHostCmd{member: m, reply: reply}
	})
	return err
}

// Relay forwards a viewer event to every host and returns how many received it.
func (d *Dispatcher) Relay(ctx context.Context, payload json.RawMessage) (int, error) {
	r, err := d.call(ctx, func(reply chan<- result) command {
		return relayCmd{payload: payload, reply: reply}
	})
	return r.n, err
}

// Alias makes alias address viewer m for Direct. A later claim of the same
// alias by another viewer takes it over.
func (d *Dispatcher) Alias(ctx context.Context, m registry.Member, alias string) error {
	_, err := d.call(ctx, func(reply chan<- result) command {
		return aliasCmd{member: m, alias: alias, reply: reply}
	})
	return err
}

// Direct delivers a binary frame to the viewer whose alias matches.
func (d *Dispatcher) Direct(ctx context.Context, alias string, frame []byte) error {
	_, err := d.call(ctx, func(reply chan<- result) command {
		return directCmd{alias: alias, frame: frame, reply: reply}
	})
	return err
}

// Done is closed once Run has returned.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

// --- internal ---------------------------------------------------------------

func (d *Dispatcher) call(ctx context.Context, build func(chan<- result) command) (result, error) {
	reply := make(chan result, 1)
	select {
	case d.cmdCh <- build(reply):
	case <-d.done:
		return result{}, ErrStopped
	case <-ctx.Done():
		return result{}, ctx.Err()
	}

	select {
	case r := <-reply:
		return r, r.err
	case <-d.done:
		return result{}, ErrStopped
	case <-ctx.Done():
		return result{}, ctx.Err()
	}
}

// applyUpsert encodes the outgoing frame before touching the store, so a
// payload that cannot be broadcast is never stored either.
func (d *Dispatcher) applyUpsert(channel string, payload json.RawMessage) (uint64, error) {
	start := time.Now()
	want := d.store.LastSequence(channel) + 1
	msg, err := wire.Encode(wire.NewUpdate(channel, payload, want))
	if err != nil {
		return 0, fmt.Errorf("dispatch: encode update %q: %w", channel, err)
	}

	seq := d.store.Upsert(channel, payload)
	if seq != want {
		return 0, fmt.Errorf("%w: channel %q got sequence %d, want %d", ErrInvariant, channel, seq, want)
	}
	metrics.UpdatesTotal.WithLabelValues("update").Inc()
	metrics.ChannelsCurrent.Set(float64(d.store.Count()))

	d.broadcastViewers(msg)
	metrics.BroadcastDuration.Observe(time.Since(start).Seconds())
	return seq, nil
}

func (d *Dispatcher) applyDelete(channel, kind string) bool {
	if _, ok := d.store.Get(channel); !ok {
		return false
	}
	msg, err := wire.Encode(wire.NewDelete(channel))
	if err != nil {
		slog.Warn("dispatch: encode delete", "channel", channel, "err", err)
		return false
	}

	d.store.Delete(channel)
	metrics.UpdatesTotal.WithLabelValues(kind).Inc()
	metrics.ChannelsCurrent.Set(float64(d.store.Count()))
	if kind == "expire" {
		slog.Debug("dispatch: channel expired", "channel", channel)
	}
	d.broadcastViewers(msg)
	return true
}

func (d *Dispatcher) broadcastViewers(msg []byte) {
	metrics.BroadcastsTotal.Inc()
	_, dropped := d.viewers.Broadcast(func(m registry.Member) error { return m.Send(msg) })
	for _, m := range dropped {
		metrics.SessionsEvicted.WithLabelValues("viewer").Inc()
		slog.Warn("dispatch: viewer dropped", "session", m.ID())
	}
}

func (d *Dispatcher) snapshotMessage() ([]byte, error) {
	chans := d.store.Snapshot()
	states := make([]wire.ChannelState, 0, len(chans))
	for _, c := range chans {
		states = append(states, wire.ChannelState{Channel: c.Key, Payload: c.Payload, Sequence: c.Sequence})
	}
	return wire.Encode(wire.NewSnapshot(states))
}

type publishCmd struct {
	channel string
	payload json.RawMessage
	reply   chan<- result
}

func (c publishCmd) apply(d *Dispatcher) error {
	seq, err := d.applyUpsert(c.channel, c.payload)
	c.reply <- result{seq: seq, err: err}
	return err
}

type deleteCmd struct {
	channel string
	reply   chan<- result
}

func (c deleteCmd) apply(d *Dispatcher) error {
	var n int
	if d.applyDelete(c.channel, "delete") {
		n = 1
	}
	c.reply <- result{n: n}
	return nil
}

type attachCmd struct {
	member registry.Member
	reply  chan<- result
}

func (c attachCmd) apply(d *Dispatcher) error {
	msg, err := d.snapshotMessage()
	if err != nil {
		c.reply <- result{err: fmt.Errorf("dispatch: build snapshot: %w", err)}
		return nil
	}
	if err := c.member.Send(msg); err != nil {
		c.member.Close()
		c.reply <- result{err: fmt.Errorf("dispatch: send snapshot to %s: %w", c.member.ID(), err)}
		return nil
	}
	d.viewers.Register(c.member)
	slog.Debug("dispatch: viewer attached", "session", c.member.ID(), "viewers", d.viewers.Count())
	c.reply <- result{}
	return nil
}

type detachCmd struct {
	member registry.Member
	reply  chan<- result
}

func (c detachCmd) apply(d *Dispatcher) error {
	var n int
	if d.viewers.Unregister(c.member) {
		n = 1
		slog.Debug("dispatch: viewer detached", "session", c.member.ID(), "viewers", d.viewers.Count())
	}
	c.reply <- result{n: n}
	return nil
}

type attachHostCmd struct {
	member registry.Member
	reply  chan<- result
}

func (c attachHostCmd) apply(d *Dispatcher) error {
	d.hosts.Register(c.member)
	d.hadHost = true
	slog.Info("dispatch: host attached", "session", c.member.ID(), "hosts", d.hosts.Count())
	c.reply <- result{}
	return nil
}

type detachHostCmd struct {
	member registry.Member
	reply  chan<- result
}

func (c detachHostCmd) apply(d *Dispatcher) error {
	var n int
	if d.hosts.Unregister(c.member) {
		n = 1
		slog.Info("dispatch: host detached", "session", c.member.ID(), "hosts", d.hosts.Count())
	}
	c.reply <- result{n: n}
	if n > 0 && d.hadHost && d.hosts.Count() == 0 && d.onLastHostLeft != nil {
		d.onLastHostLeft()
	}
	return nil
}

type relayCmd struct {
	payload json.RawMessage
	reply   chan<- result
}

func (c relayCmd) apply(d *Dispatcher) error {
	msg, err := wire.Encode(wire.NewEvent(c.payload))
	if err != nil {
		c.reply <- result{err: fmt.Errorf("dispatch: encode event: %w", err)}
		return nil
	}
	delivered, dropped := d.hosts.Broadcast(func(m registry.Member) error { return m.Send(msg) })
	for _, m := range dropped {
		metrics.SessionsEvicted.WithLabelValues("host").Inc()
		slog.Warn("dispatch: host dropped", "session", m.ID())
	}
	if delivered > 0 {
		metrics.EventsRelayed.Inc()
	} else {
		slog.Debug("dispatch: event relayed to no host")
	}
	c.reply <- result{n: delivered}
	return nil
}

type aliasCmd struct {
	member registry.Member
	alias  string
	reply  chan<- result
}

func (c aliasCmd) apply(d *Dispatcher) error {
	if !d.viewers.SetAlias(c.member, c.alias) {
		c.reply <- result{err: fmt.Errorf("dispatch: alias for %s: not an attached viewer", c.member.ID())}
		return nil
	}
	slog.Debug("dispatch: viewer alias", "session", c.member.ID(), "alias", c.alias)
	c.reply <- result{n: 1}
	return nil
}

type directCmd struct {
	alias string
	frame []byte
	reply chan<- result
}

func (c directCmd) apply(d *Dispatcher) error {
	m, ok := d.viewers.Lookup(c.alias)
	if !ok {
		metrics.DirectFrames.WithLabelValues("unknown").Inc()
		c.reply <- result{err: fmt.Errorf("%w %q", ErrUnknownAlias, c.alias)}
		return nil
	}
	var err error
	if bs, ok := m.(BinarySender); ok {
		err = bs.SendBinary(c.frame)
	} else {
		err = m.Send(c.frame)
	}
	if err != nil {
		d.viewers.Drop(m)
		metrics.SessionsEvicted.WithLabelValues("viewer").Inc()
		metrics.DirectFrames.WithLabelValues("failed").Inc()
		c.reply <- result{err: fmt.Errorf("dispatch: direct to %s: %w", m.ID(), err)}
		return nil
	}
	metrics.DirectFrames.WithLabelValues("delivered").Inc()
	c.reply <- result{n: 1}
	return nil
}
