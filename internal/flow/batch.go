package flow

import "sync"

// Op is the type of a queued canvas mutation.
type Op int

const (
	OpAdd Op = iota
	OpUpdate
	OpRemove
)

// Mutation is one not-yet-applied canvas change. Mutations carry plain
// values, never pooled objects; the engine materializes objects only when a
// mutation is applied.
type Mutation struct {
	Op       Op
	ID       string
	Kind     Kind
	Status   string
	Progress float64
	Label    string
	Count    int // chunk-batch spawn count
}

// Batch is a bounded queue of pending mutations drained on the engine's
// debounce interval. Overflow drops the oldest entries: the newest mutation
// carries the latest state, so recency wins over history.
type Batch struct {
	mu      sync.Mutex
	queue   []Mutation
	ceiling int
	dropped uint64
}

// NewBatch creates a batch holding at most ceiling pending mutations.
func NewBatch(ceiling int) *Batch {
	if ceiling <= 0 {
		ceiling = 1
	}
	return &Batch{ceiling: ceiling}
}

// Push queues one mutation, evicting from the front on overflow.
func (b *Batch) Push(m Mutation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) >= b.ceiling {
		over := len(b.queue) - b.ceiling + 1
		b.queue = append(b.queue[:0], b.queue[over:]...)
		b.dropped += uint64(over)
	}
	b.queue = append(b.queue, m)
}

// Drain returns and clears all pending mutations in arrival order.
func (b *Batch) Drain() []Mutation {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return nil
	}
	out := b.queue
	b.queue = nil
	return out
}

// Len returns the pending count.
func (b *Batch) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Dropped returns how many mutations overflow has discarded.
func (b *Batch) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
