// Package notify delivers committed changes to listeners. Events are queued
// by the writer after each commit and delivered in that order by a single
// worker goroutine.
package notify

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Change lists the documents of one keyspace changed by one commit.
type Change struct {
	Keyspace uint64
	DocIDs   []string
}

// Handler receives a change. For a document subscription DocIDs holds only
// the subscribed id.
type Handler func(Change)

// Subscription is a registered handler. Its mutex is held for the whole
// delivery of a change, so Cancel cannot return while a delivery is running.
type Subscription struct {
	id       string
	keyspace uint64
	docID    string
	handler  Handler
	bus      *Bus
	seq      uint64

	mu        sync.Mutex
	cancelled bool
}

// ID is unique per subscription.
func (s *Subscription) ID() string { return s.id }

func (s *Subscription) Keyspace() uint64 { return s.keyspace }

// DocumentID is empty for a collection-wide subscription.
func (s *Subscription) DocumentID() string { return s.docID }

// Cancel stops delivery. After it returns no delivery to this subscription
// starts, and any delivery that was running has finished. Cancel must not be
// called from the subscription's own handler; it would wait for itself.
func (s *Subscription) Cancel() {
	s.mu.Lock()
	already := s.cancelled
	s.cancelled = true
	s.mu.Unlock()
	if !already {
		s.bus.remove(s)
	}
}

// Cancelled reports whether Cancel was called.
func (s *Subscription) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

func (s *Subscription) deliver(logger *zap.Logger, c Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("Change listener panicked",
				zap.String("subscription", s.id),
				zap.Uint64("keyspace", s.keyspace),
				zap.String("panic", fmt.Sprint(r)))
		}
	}()
	s.handler(c)
}

// queued is a published change with the last subscription sequence at
// publication; later subscriptions do not receive it.
type queued struct {
	change Change
	seq    uint64
}

// Bus fans changes out to subscriptions.
type Bus struct {
	logger *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	subs    map[uint64]map[string]*Subscription
	queue   []queued
	busy    bool
	closed  bool
	nextSeq uint64
	done    chan struct{}
}

// New starts a bus and its delivery goroutine.
func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		logger: logger,
		subs:   make(map[uint64]map[string]*Subscription),
		done:   make(chan struct{}),
	}
	b.cond = sync.NewCond(&b.mu)
	go b.run()
	return b
}

// Subscribe registers handler for changes in keyspace, restricted to docID
// when it is non-empty.
func (b *Bus) Subscribe(keyspace uint64, docID string, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler must not be nil")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("notification bus is closed")
	}
	b.nextSeq++
	s := &Subscription{
		id:       uuid.New().String(),
		keyspace: keyspace,
		docID:    docID,
		handler:  handler,
		bus:      b,
		seq:      b.nextSeq,
	}
	m := b.subs[keyspace]
	if m == nil {
		m = make(map[string]*Subscription)
		b.subs[keyspace] = m
	}
	m[s.id] = s
	b.logger.Debug("Listener subscribed", zap.String("subscription", s.id), zap.Uint64("keyspace", keyspace), zap.String("docID", docID))
	return s, nil
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m := b.subs[s.keyspace]; m != nil {
		delete(m, s.id)
		if len(m) == 0 {
			delete(b.subs, s.keyspace)
		}
	}
	b.logger.Debug("Listener removed", zap.String("subscription", s.id))
}

// Count returns the number of live subscriptions on keyspace.
func (b *Bus) Count(keyspace uint64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[keyspace])
}

// Publish queues changes for delivery. Callers publish in commit order.
// Changes without documents are dropped.
func (b *Bus) Publish(changes ...Change) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, c := range changes {
		if len(c.DocIDs) == 0 {
			continue
		}
		b.queue = append(b.queue, queued{change: c, seq: b.nextSeq})
	}
	b.cond.Broadcast()
}

// Flush blocks until every change published before the call was delivered.
func (b *Bus) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for (len(b.queue) > 0 || b.busy) && !b.closed {
		b.cond.Wait()
	}
}

// Close delivers what is already queued, then stops the worker.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
	<-b.done
}

func (b *Bus) run() {
	defer close(b.done)
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}
		if len(b.queue) == 0 && b.closed {
			b.mu.Unlock()
			return
		}
		q := b.queue[0]
		b.queue[0] = queued{}
		b.queue = b.queue[1:]
		c := q.change
		targets := b.targetsLocked(c, q.seq)
		b.busy = true
		b.mu.Unlock()

		b.dispatch(c, targets)

		b.mu.Lock()
		b.busy = false
		b.cond.Broadcast()
		b.mu.Unlock()
	}
}

type target struct {
	sub    *Subscription
	change Change
}

// targetsLocked resolves the subscriptions a change goes to, in
// registration order. Subscriptions newer than seq registered after the
// change was published and are skipped.
func (b *Bus) targetsLocked(c Change, seq uint64) []target {
	m := b.subs[c.Keyspace]
	if len(m) == 0 {
		return nil
	}
	var ids map[string]struct{}
	out := make([]target, 0, len(m))
	for _, s := range m {
		if s.seq > seq {
			continue
		}
		if s.docID == "" {
			out = append(out, target{sub: s, change: c})
			continue
		}
		if ids == nil {
			ids = make(map[string]struct{}, len(c.DocIDs))
			for _, id := range c.DocIDs {
				ids[id] = struct{}{}
			}
		}
		if _, ok := ids[s.docID]; ok {
			out = append(out, target{sub: s, change: Change{Keyspace: c.Keyspace, DocIDs: []string{s.docID}}})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].sub.seq < out[j].sub.seq })
	return out
}

func (b *Bus) dispatch(c Change, targets []target) {
	b.logger.Debug("Dispatching change",
		zap.Uint64("keyspace", c.Keyspace),
		zap.Int("documents", len(c.DocIDs)),
		zap.Int("listeners", len(targets)))
	for _, t := range targets {
		t.sub.deliver(b.logger, t.change)
	}
}
