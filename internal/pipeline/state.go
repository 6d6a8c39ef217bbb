package pipeline

import (
	"sync"
	"time"

	"github.com/tributary-io/tributary/internal/types"
)

// tableKey scopes quarantine latches and in-flight tracking to one
// (destination, table) pair.
type tableKey struct {
	dest  types.Destination
	table string
}

// quarantineSet latches (destination, table) pairs whose DDL application
// failed, keeping the failure so later events dead-letter under the same
// category. Latched pairs stay latched until an operator restarts after
// fixing the destination.
type quarantineSet struct {
	mu  sync.RWMutex
	set map[tableKey]error
}

func newQuarantineSet() *quarantineSet {
	return &quarantineSet{set: make(map[tableKey]error)}
}

func (q *quarantineSet) latch(dest types.Destination, table string, cause error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.set[tableKey{dest, table}] = cause
}

func (q *quarantineSet) cause(dest types.Destination, table string) (error, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	c, ok := q.set[tableKey{dest, table}]
	return c, ok
}

// snapshot lists the latched pairs for the health surface.
func (q *quarantineSet) snapshot() map[tableKey]error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make(map[tableKey]error, len(q.set))
	for k, v := range q.set {
		out[k] = v
	}
	return out
}

func (q *quarantineSet) empty() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.set) == 0
}

// inflightTracker counts events routed to a destination but not yet
// resolved (committed, duplicate-suppressed, or dead-lettered). The
// schema-change quiesce waits on it per table.
type inflightTracker struct {
	mu     sync.Mutex
	counts map[tableKey]int
}

func newInflightTracker() *inflightTracker {
	return &inflightTracker{counts: make(map[tableKey]int)}
}

func (t *inflightTracker) add(dest types.Destination, table string, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[tableKey{dest, table}] += n
}

func (t *inflightTracker) done(dest types.Destination, table string, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := tableKey{dest, table}
	t.counts[k] -= n
	if t.counts[k] <= 0 {
		delete(t.counts, k)
	}
}

func (t *inflightTracker) pending(table string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := 0
	for k, n := range t.counts {
		if k.table == table {
			total += n
		}
	}
	return total
}

// waitDrained polls until no events for table remain in flight, the
// bound elapses, or stop is closed. Returns whether the table drained.
func (t *inflightTracker) waitDrained(table string, bound time.Duration, stop <-chan struct{}) bool {
	deadline := time.Now().Add(bound)
	for {
		if t.pending(table) == 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-stop:
			return false
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// pauseSet tracks tables whose routing is suspended during a schema
// change. The transform buffers events for paused tables.
type pauseSet struct {
	mu  sync.RWMutex
	set map[string]bool
}

func newPauseSet() *pauseSet {
	return &pauseSet{set: make(map[string]bool)}
}

func (p *pauseSet) pause(table string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.set[table] = true
}

func (p *pauseSet) resume(table string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.set, table)
}

func (p *pauseSet) paused(table string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.set[table]
}
