// Package flow is the canvas engine behind the activity visualization: a
// bounded-lifetime particle system deriving objects from canonical state and
// transient event spawns, advanced by a frame loop and recycled through a
// fixed-ceiling pool so memory stays bounded regardless of event volume.
package flow

import (
	"sync"
	"time"
)

// Kind classifies a canvas object.
type Kind string

const (
	KindDocument   Kind = "document"
	KindProcessing Kind = "processing-event"
	KindUpload     Kind = "upload"
	KindChunkBatch Kind = "chunk-batch"
)

// Object is one ephemeral visualization entity. Objects are pool-owned:
// callers obtain them from Pool.Get and must return evicted ones via
// Pool.Put, never retain them past eviction.
type Object struct {
	ID       string  `json:"id"`
	Kind     Kind    `json:"kind"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Size     float64 `json:"size"`
	Speed    float64 `json:"speed"` // px per second, rightward
	Status   string  `json:"status"`
	Progress float64 `json:"progress,omitempty"`
	Opacity  float64 `json:"opacity"`
	Pulse    float64 `json:"pulse,omitempty"` // 0-1, decaying highlight
	Label    string  `json:"label,omitempty"`

	CreatedAt time.Time `json:"createdAt"`

	// exitedAt marks when the object first crossed the right margin;
	// zero while on canvas.
	exitedAt time.Time
}

func (o *Object) reset() {
	*o = Object{}
}

// Pool is a fixed-ceiling free list of Objects. Get prefers a recycled
// object; Put drops objects beyond the ceiling so the spare set never grows
// past it.
type Pool struct {
	mu      sync.Mutex
	free    []*Object
	ceiling int

	reused  uint64
	allocs  uint64
	dropped uint64
}

// NewPool creates a pool holding at most ceiling spare objects.
func NewPool(ceiling int) *Pool {
	if ceiling <= 0 {
		ceiling = 1
	}
	return &Pool{ceiling: ceiling, free: make([]*Object, 0, ceiling)}
}

// Get returns a zeroed object, recycled when a spare is available.
func (p *Pool) Get() *Object {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.free); n > 0 {
		o := p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		p.reused++
		return o
	}
	p.allocs++
	return &Object{}
}

// Put recycles an evicted object. It reports false when the pool is at its
// ceiling and the object was dropped instead.
func (p *Pool) Put(o *Object) bool {
	if o == nil {
		return false
	}
	o.reset()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) >= p.ceiling {
		p.dropped++
		return false
	}
	p.free = append(p.free, o)
	return true
}

// Trim discards spares beyond max. The cleanup sweep uses it to shrink the
// pool back to half its ceiling.
func (p *Pool) Trim(max int) {
	if max < 0 {
		max = 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.free) > max {
		n := len(p.free)
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		p.dropped++
	}
}

// Available returns the current spare count.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// PoolStats is a counter snapshot.
type PoolStats struct {
	Available int    `json:"available"`
	Ceiling   int    `json:"ceiling"`
	Reused    uint64 `json:"reused"`
	Allocs    uint64 `json:"allocs"`
	Dropped   uint64 `json:"dropped"`
}

// Stats returns pool counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Available: len(p.free),
		Ceiling:   p.ceiling,
		Reused:    p.reused,
		Allocs:    p.allocs,
		Dropped:   p.dropped,
	}
}
