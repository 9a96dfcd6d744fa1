package shipper

import (
	"log/slog"
	"strconv"
	"sync"
)

// qkey identifies a queued frame: a channel name, or the sequence number of
// an addressed binary frame.
type qkey struct {
	direct bool
	name   string
}

// queue holds outbound frames in first-enqueue order. Channel frames are
// coalesced by channel: a newer update or delete replaces the pending one in
// place, so the queue never holds more than one frame per channel and a
// channel's final state is never dropped. Addressed binary frames are not
// state; at most maxDirect of them are held and the oldest is evicted first.
type queue struct {
	mu        sync.Mutex
	order     []qkey
	frames    map[qkey]frame
	directs   int
	maxDirect int
	nextID    uint64

	// wake has room for one signal; put and pushFront never block on it.
	wake chan struct{}
}

func newQueue(maxDirect int) *queue {
	return &queue{
		frames:    make(map[qkey]frame),
		maxDirect: maxDirect,
		wake:      make(chan struct{}, 1),
	}
}

// putChannel queues f as the latest state of channel.
func (q *queue) putChannel(channel string, f frame) {
	key := qkey{name: channel}
	q.mu.Lock()
	if _, ok := q.frames[key]; !ok {
		q.order = append(q.order, key)
	}
	q.frames[key] = f
	q.mu.Unlock()
	q.signal()
}

// putDirect queues an addressed binary frame, evicting the oldest one when
// maxDirect are already pending.
func (q *queue) putDirect(f frame) {
	q.mu.Lock()
	if q.directs >= q.maxDirect {
		q.evictOldestDirect()
	}
	q.nextID++
	key := qkey{direct: true, name: strconv.FormatUint(q.nextID, 10)}
	q.order = append(q.order, key)
	q.frames[key] = f
	q.directs++
	q.mu.Unlock()
	q.signal()
}

// pop removes and returns the frame at the head of the queue.
func (q *queue) pop() (qkey, frame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.order) == 0 {
		return qkey{}, frame{}, false
	}
	key := q.order[0]
	q.order = q.order[1:]
	f := q.frames[key]
	delete(q.frames, key)
	if key.direct {
		q.directs--
	}
	return key, f, true
}

// pushFront puts back a frame that pop returned but could not be written.
// If a newer frame for the same channel arrived in the meantime, that newer
// frame takes the head slot instead: it already carries the channel's latest
// state, and the channel keeps its place ahead of frames queued after it.
func (q *queue) pushFront(key qkey, f frame) {
	q.mu.Lock()
	if newer, ok := q.frames[key]; ok {
		for i, k := range q.order {
			if k == key {
				q.order = append(q.order[:i], q.order[i+1:]...)
				break
			}
		}
		f = newer
	} else if key.direct {
		q.directs++
	}
	q.order = append([]qkey{key}, q.order...)
	q.frames[key] = f
	q.mu.Unlock()
	q.signal()
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

func (q *queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// evictOldestDirect drops the first addressed frame in the queue. q.mu must
// be held.
func (q *queue) evictOldestDirect() {
	for i, key := range q.order {
		if !key.direct {
			continue
		}
		q.order = append(q.order[:i], q.order[i+1:]...)
		delete(q.frames, key)
		q.directs--
		slog.Warn("shipper: direct frame buffer full, evicted oldest", "buffer_cap", q.maxDirect)
		return
	}
}
