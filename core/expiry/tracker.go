// Package expiry schedules document expiration. It only keeps time; what
// happens to a due document is up to the reap callback.
package expiry

import (
	"container/heap"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Key identifies a document across collections.
type Key struct {
	Keyspace uint64
	DocID    string
}

// Entry is a scheduled expiration, At in Unix milliseconds.
type Entry struct {
	Key
	At int64
}

// ReapFunc is called from the tracker goroutine with every entry that came
// due, oldest first. Entries are already removed from the tracker.
type ReapFunc func(due []Entry)

type item struct {
	Entry
	index int
}

type entryHeap []*item

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].At != h[j].At {
		return h[i].At < h[j].At
	}
	if h[i].Keyspace != h[j].Keyspace {
		return h[i].Keyspace < h[j].Keyspace
	}
	return h[i].DocID < h[j].DocID
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Tracker is a min-heap of expiration times with a goroutine that sleeps
// until the earliest one.
type Tracker struct {
	reap   ReapFunc
	now    func() time.Time
	logger *zap.Logger

	mu    sync.Mutex
	heap  entryHeap
	index map[Key]*item

	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	started bool
	stopped bool
}

// New creates a stopped tracker. A nil now uses time.Now.
func New(reap ReapFunc, now func() time.Time, logger *zap.Logger) *Tracker {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		reap:   reap,
		now:    now,
		logger: logger,
		index:  make(map[Key]*item),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the timer goroutine.
func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started || t.stopped {
		return
	}
	t.started = true
	go t.run()
}

// Stop ends the goroutine and waits for a running reap to return.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.stopped = true
	started := t.started
	close(t.stop)
	t.mu.Unlock()
	if started {
		<-t.done
	}
}

// Set schedules key at the given time; 0 removes it.
func (t *Tracker) Set(key Key, at int64) {
	if at == 0 {
		t.Remove(key)
		return
	}
	t.mu.Lock()
	if it, ok := t.index[key]; ok {
		it.At = at
		heap.Fix(&t.heap, it.index)
	} else {
		it := &item{Entry: Entry{Key: key, At: at}}
		heap.Push(&t.heap, it)
		t.index[key] = it
	}
	t.mu.Unlock()
	t.signal()
}

// Remove unschedules key.
func (t *Tracker) Remove(key Key) {
	t.mu.Lock()
	it, ok := t.index[key]
	if ok {
		heap.Remove(&t.heap, it.index)
		delete(t.index, key)
	}
	t.mu.Unlock()
	if ok {
		t.signal()
	}
}

// RemoveKeyspace unschedules every document of a keyspace.
func (t *Tracker) RemoveKeyspace(keyspace uint64) {
	t.mu.Lock()
	removed := false
	for key, it := range t.index {
		if key.Keyspace == keyspace {
			heap.Remove(&t.heap, it.index)
			delete(t.index, key)
			removed = true
		}
	}
	t.mu.Unlock()
	if removed {
		t.signal()
	}
}

// Get returns the scheduled time of key, 0 if none.
func (t *Tracker) Get(key Key) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if it, ok := t.index[key]; ok {
		return it.At
	}
	return 0
}

// Next returns the earliest scheduled time.
func (t *Tracker) Next() (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.heap) == 0 {
		return 0, false
	}
	return t.heap[0].At, true
}

func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.heap)
}

// ReapNow hands every due entry to the reap callback on the calling
// goroutine and returns how many there were.
func (t *Tracker) ReapNow() int {
	due := t.popDue()
	if len(due) > 0 {
		t.reap(due)
	}
	return len(due)
}

func (t *Tracker) popDue() []Entry {
	now := t.now().UnixMilli()
	t.mu.Lock()
	defer t.mu.Unlock()
	var due []Entry
	for len(t.heap) > 0 && t.heap[0].At <= now {
		it := heap.Pop(&t.heap).(*item)
		delete(t.index, it.Key)
		due = append(due, it.Entry)
	}
	return due
}

func (t *Tracker) signal() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Tracker) run() {
	defer close(t.done)
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		if n := t.ReapNow(); n > 0 {
			t.logger.Debug("Reaped expired documents", zap.Int("count", n))
		}

		var timeout <-chan time.Time
		if at, ok := t.Next(); ok {
			delay := time.Duration(at-t.now().UnixMilli()) * time.Millisecond
			if delay < 0 {
				delay = 0
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(delay)
			timeout = timer.C
		}

		select {
		case <-t.stop:
			return
		case <-t.wake:
		case <-timeout:
		}
	}
}
