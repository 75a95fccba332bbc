package fetch

import (
	"sync"

	"github.com/ericcug/streamengine/internal/manifest"
)

// Result is the terminal outcome of a fetch, shared with every caller that
// asked for the same segment while it was in flight.
type Result struct {
	Data []byte
	Err  *Error
}

// PendingStore ensures at most one request is ever in flight for a given
// (representation, segment) pair (spec §4.6's implicit request coalescing,
// and the ID invariant documented on manifest.ID): a second caller for the
// same key attaches to the first's outcome instead of issuing a duplicate
// fetch. Grounded on the teacher's SegmentCache (internal/cache/segment_cache.go),
// generalized from a TTL byte cache to an in-flight waiter registry.
type PendingStore struct {
	mu      sync.Mutex
	waiters map[manifest.ID][]chan Result
}

// NewPendingStore creates an empty store.
func NewPendingStore() *PendingStore {
	return &PendingStore{waiters: make(map[manifest.ID][]chan Result)}
}

// Join registers interest in id's in-flight fetch. If leader is true, the
// caller is responsible for actually performing the fetch and must call
// Complete when done; otherwise the caller should only wait on the
// returned channel.
func (p *PendingStore) Join(id manifest.ID) (ch chan Result, leader bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch = make(chan Result, 1)
	existing, inFlight := p.waiters[id]
	p.waiters[id] = append(existing, ch)
	return ch, !inFlight
}

// Complete delivers result to every waiter registered for id and clears
// the in-flight entry.
func (p *PendingStore) Complete(id manifest.ID, result Result) {
	p.mu.Lock()
	waiters := p.waiters[id]
	delete(p.waiters, id)
	p.mu.Unlock()

	for _, ch := range waiters {
		ch <- result
		close(ch)
	}
}
