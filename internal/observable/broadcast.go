// Package observable provides the typed SharedReference primitive called
// for in spec.md §9, replacing the source's reactive Subject/ReplaySubject
// usage: a value holder that replays its latest value to new subscribers
// and fans out updates without hidden scheduling semantics. There is no
// teacher equivalent (the DASH proxy never needed cross-goroutine
// multicast); this is new infrastructure built directly from the spec's
// §9 "Design Notes" guidance.
package observable

import "sync"

// Broadcast is a typed SharedReference[T]: a single mutable value, readable
// via Get, writable via Set, and observable via Subscribe. Each subscriber
// receives the latest value at subscribe time followed by every subsequent
// Set; a slow subscriber only ever sees the most recent value (delivery
// coalesces, it never queues an unbounded backlog), which is sufficient for
// every consumer in this engine: clock observations, bandwidth estimates
// and ABR decisions are all "latest wins" signals, never an event log.
type Broadcast[T any] struct {
	mu        sync.Mutex
	latest    T
	hasLatest bool
	closed    bool
	subs      map[int]chan T
	nextID    int
}

// NewBroadcast creates an empty Broadcast with no initial value.
func NewBroadcast[T any]() *Broadcast[T] {
	return &Broadcast[T]{subs: make(map[int]chan T)}
}

// Get returns the latest value and whether one has ever been Set.
func (b *Broadcast[T]) Get() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest, b.hasLatest
}

// Set publishes a new value to the reference and to every current
// subscriber. Delivery to a subscriber channel is non-blocking: if the
// subscriber hasn't drained the previous value yet, it is replaced in
// place so the subscriber always eventually observes the latest value,
// never a stale one, and values are never delivered out of order because
// Set always runs under the same lock.
func (b *Broadcast[T]) Set(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.latest = v
	b.hasLatest = true
	for _, ch := range b.subs {
		select {
		case ch <- v:
		default:
			// drain the stale buffered value, then deliver the fresh one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- v:
			default:
			}
		}
	}
}

// Subscribe registers a new subscriber and returns a channel that receives
// the current latest value immediately (if any) followed by every future
// Set, plus an unsubscribe function (the "clearSignal" of spec §9) that
// must be called to release the subscription.
func (b *Broadcast[T]) Subscribe() (<-chan T, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan T, 1)
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	if b.hasLatest {
		ch <- b.latest
	}

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, unsubscribe
}

// Finish closes every subscriber channel and marks the reference closed;
// subsequent Set calls are no-ops. Used when the owning component (e.g. a
// Representation Stream being torn down) reaches end of life.
func (b *Broadcast[T]) Finish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
