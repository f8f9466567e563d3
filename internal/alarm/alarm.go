// Package alarm implements the gateway's cooperative timer queue.
//
// The Python original (bxcommon's AlarmQueue) drives every multi-step
// operation with an external dependency -- handshake timeouts, hold
// timeouts, recovery retries -- from a single alarm queue serviced by the
// asyncio event loop. This package is the Go analogue: a single goroutine
// owned by the node loop pops due callbacks off a min-heap and invokes them
// in strictly increasing due-time order (ties broken by registration order),
// matching spec.md section 5's ordering guarantee.
package alarm

import (
	"container/heap"
	"sync"
	"time"

	"github.com/adriennhem/bxgateway/internal/log"
)

var logger = log.NewModuleLogger(log.Alarm)

// Callback is scheduled work. Returning a positive duration re-arms the
// alarm for that long from now, the Python original's pattern of alarm
// functions returning their own next delay (e.g. periodic polls).
type Callback func() time.Duration

// ID identifies a registered alarm for cancellation.
type ID uint64

type alarmItem struct {
	id       ID
	due      time.Time
	seq      uint64
	cb       Callback
	index    int
	canceled bool
}

type alarmHeap []*alarmItem

func (h alarmHeap) Len() int { return len(h) }
func (h alarmHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}
func (h alarmHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *alarmHeap) Push(x interface{}) {
	item := x.(*alarmItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *alarmHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// Queue is the process-wide-per-node timer queue described in spec.md
// section 5: "mutated only from the loop thread". Registration may be
// called from any goroutine; firing and popping happen on the single run
// goroutine.
type Queue struct {
	mu      sync.Mutex
	items   alarmHeap
	byID    map[ID]*alarmItem
	nextID  ID
	nextSeq uint64
	wake    chan struct{}
	stop    chan struct{}
	stopped bool
}

// NewQueue creates an empty alarm queue. Call Run in its own goroutine to
// start servicing it.
func NewQueue() *Queue {
	return &Queue{
		byID: make(map[ID]*alarmItem),
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
}

// RegisterAlarm schedules cb to fire after delay. Cancelling the returned ID
// before it fires is O(log n) and idempotent (unregistering an already-fired
// or already-canceled alarm is a no-op), matching spec.md section 5.
func (q *Queue) RegisterAlarm(delay time.Duration, cb Callback) ID {
	return q.register(time.Now().Add(delay), cb)
}

// RegisterApproxAlarm schedules cb to fire after delay -- the Go analogue
// of the original's register_approx_alarm, used by the block recovery retry
// schedule. jitter is accepted but not used: the alarm is registered at
// exactly delay, and alarms are not coalesced.
func (q *Queue) RegisterApproxAlarm(delay, jitter time.Duration) AlarmRegistrar {
	return AlarmRegistrar{q: q, delay: delay, jitter: jitter}
}

// AlarmRegistrar defers providing the callback so RegisterApproxAlarm can
// read naturally as a two-step call, mirroring the original's
// register_approx_alarm(delay, jitter, fn, *args) signature via a builder.
type AlarmRegistrar struct {
	q      *Queue
	delay  time.Duration
	jitter time.Duration
}

// Then attaches the callback and performs the registration.
func (r AlarmRegistrar) Then(cb Callback) ID {
	return r.q.register(time.Now().Add(r.delay), cb)
}

func (q *Queue) register(due time.Time, cb Callback) ID {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextID++
	q.nextSeq++
	item := &alarmItem{id: q.nextID, due: due, seq: q.nextSeq, cb: cb}
	heap.Push(&q.items, item)
	q.byID[item.id] = item

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return item.id
}

// Unregister cancels a pending alarm. Safe to call multiple times or after
// the alarm has already fired.
func (q *Queue) Unregister(id ID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.byID[id]
	if !ok {
		return
	}
	item.canceled = true
	delete(q.byID, id)
	if item.index >= 0 && item.index < len(q.items) {
		heap.Remove(&q.items, item.index)
	}
}

// Run services the queue until Stop is called. It must run on exactly one
// goroutine; node.Run starts it on a goroutine of its own.
func (q *Queue) Run() {
	for {
		q.mu.Lock()
		if q.stopped {
			q.mu.Unlock()
			return
		}
		var wait time.Duration
		var fireable *alarmItem
		if len(q.items) > 0 {
			top := q.items[0]
			wait = time.Until(top.due)
			if wait <= 0 {
				fireable = heap.Pop(&q.items).(*alarmItem)
				delete(q.byID, fireable.id)
			}
		} else {
			wait = time.Hour
		}
		q.mu.Unlock()

		if fireable != nil {
			if fireable.canceled {
				continue
			}
			next := q.invoke(fireable)
			if next > 0 {
				q.register(time.Now().Add(next), fireable.cb)
			}
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-q.wake:
			timer.Stop()
		case <-q.stop:
			timer.Stop()
			return
		}
	}
}

func (q *Queue) invoke(item *alarmItem) (next time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("alarm callback panicked", "id", item.id, "recover", r)
		}
	}()
	return item.cb()
}

// Stop terminates Run. Idempotent.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.mu.Unlock()
	close(q.stop)
}

// Len reports the number of pending alarms, for tests and diagnostics.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
