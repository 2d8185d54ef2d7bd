package flow

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/koopa0/flowboard/internal/event"
	"github.com/koopa0/flowboard/internal/state"
)

// Engine tuning. Lifetime, margins and ceilings bound the live set on three
// independent axes; the cleanup sweep is the backstop for missed removals.
const (
	liveCeiling    = 60
	poolCeiling    = 64
	batchCeiling   = 128
	objectLifetime = 30 * time.Second

	frameBudget   = 33 * time.Millisecond // ~30 fps
	debounceEvery = 100 * time.Millisecond
	cleanupEvery  = 5 * time.Second

	exitMargin = 48.0
	exitGrace  = 2 * time.Second

	// Aux effects (pulse decay, label refresh) touch one object in
	// auxStride per frame.
	auxStride = 4

	pulseDecayPerSec = 1.5
)

// Per-kind motion profile.
var kindSpeed = map[Kind]float64{
	KindDocument:   40,
	KindUpload:     55,
	KindProcessing: 80,
	KindChunkBatch: 120,
}

var kindSize = map[Kind]float64{
	KindDocument:   28,
	KindUpload:     24,
	KindProcessing: 14,
	KindChunkBatch: 10,
}

// Config sets canvas geometry. Zero values take the defaults.
type Config struct {
	Width  float64
	Height float64
	Lanes  int
}

// Counters expose engine health for the flow endpoint.
type Counters struct {
	Frames        uint64    `json:"frames"`
	SkippedFrames uint64    `json:"skippedFrames"`
	Spawned       uint64    `json:"spawned"`
	AgeEvicted    uint64    `json:"ageEvicted"`
	ExitEvicted   uint64    `json:"exitEvicted"`
	CapEvicted    uint64    `json:"capEvicted"`
	Removed       uint64    `json:"removed"` // explicit OpRemove mutations
	Wraps         uint64    `json:"wraps"`
	BatchDropped  uint64    `json:"batchDropped"`
	Live          int       `json:"live"`
	Pool          PoolStats `json:"pool"`
}

// Snapshot is the render state served to clients.
type Snapshot struct {
	Playing  bool      `json:"playing"`
	Speed    float64   `json:"speed"`
	Width    float64   `json:"width"`
	Height   float64   `json:"height"`
	Objects  []Object  `json:"objects"`
	Counters Counters  `json:"counters"`
	TakenAt  time.Time `json:"takenAt"`
}

// Engine owns the live object set. All mutation happens on the Run goroutine;
// the exported surface only toggles flags, queues mutations, and copies
// snapshots under the lock.
type Engine struct {
	store  *state.Store
	logger *slog.Logger
	pool   *Pool
	batch  *Batch
	deltas chan state.Delta

	width  float64
	height float64
	lanes  int

	mu       sync.Mutex
	playing  bool
	speed    float64 // global multiplier
	live     []*Object
	index    map[string]*Object
	lastTick time.Time
	counters Counters
}

// NewEngine creates a paused engine reading deltas from store.
func NewEngine(store *state.Store, cfg Config, logger *slog.Logger) *Engine {
	if cfg.Width <= 0 {
		cfg.Width = 1280
	}
	if cfg.Height <= 0 {
		cfg.Height = 360
	}
	if cfg.Lanes <= 0 {
		cfg.Lanes = 8
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:  store,
		logger: logger,
		pool:   NewPool(poolCeiling),
		batch:  NewBatch(batchCeiling),
		deltas: make(chan state.Delta, 64),
		width:  cfg.Width,
		height: cfg.Height,
		lanes:  cfg.Lanes,
		speed:  1,
		index:  make(map[string]*Object),
	}
	// Subscribing here rather than in Run means mutations published
	// between construction and the Run goroutine starting are buffered,
	// not lost.
	if err := store.Subscribe("flow-engine", e.deltas); err != nil {
		logger.Error("flow engine subscription failed", "error", err)
	}
	return e
}

// Play starts the frame loop advancing.
func (e *Engine) Play() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.playing {
		e.playing = true
		e.lastTick = time.Time{}
	}
}

// Pause freezes the frame loop; queued mutations still drain.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.playing = false
}

// Playing reports the play/pause flag.
func (e *Engine) Playing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playing
}

// SetSpeed sets the global speed multiplier, clamped to [0.1, 10].
func (e *Engine) SetSpeed(mult float64) {
	if mult < 0.1 {
		mult = 0.1
	}
	if mult > 10 {
		mult = 10
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.speed = mult
}

// EventSink returns the reconciler sink spawning transient objects for
// processing activity and chunk batches.
func (e *Engine) EventSink() event.Sink {
	return func(ev event.Event) {
		switch ev.Kind {
		case event.KindChunkBatch:
			label := ""
			if ev.ChunkCount > 0 {
				label = fmt.Sprintf("%d chunks", ev.ChunkCount)
			}
			e.batch.Push(Mutation{
				Op:    OpAdd,
				ID:    transientID(ev),
				Kind:  KindChunkBatch,
				Label: label,
				Count: ev.ChunkCount,
			})
		case event.KindProgress:
			e.batch.Push(Mutation{
				Op:       OpAdd,
				ID:       transientID(ev),
				Kind:     KindProcessing,
				Status:   ev.Type,
				Progress: ev.Progress,
			})
		}
	}
}

func transientID(ev event.Event) string {
	base := ev.SessionID
	if base == "" {
		base = ev.DocumentID
	}
	return fmt.Sprintf("%s/%s/%d", base, ev.Type, time.Now().UnixNano())
}

// Run drives the engine until ctx is cancelled: it translates state deltas
// into batched mutations, drains the batch on the debounce interval, advances
// frames, and runs the periodic cleanup sweep.
func (e *Engine) Run(ctx context.Context) {
	defer e.store.Unsubscribe("flow-engine")

	frames := time.NewTicker(frameBudget / 2)
	defer frames.Stop()
	drain := time.NewTicker(debounceEvery)
	defer drain.Stop()
	cleanup := time.NewTicker(cleanupEvery)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-e.deltas:
			e.enqueueDelta(d)
		case <-drain.C:
			e.applyPending(time.Now())
		case now := <-frames.C:
			e.step(now)
		case now := <-cleanup.C:
			e.sweep(now)
		}
	}
}

// enqueueDelta maps a canonical-state change onto canvas mutations.
func (e *Engine) enqueueDelta(d state.Delta) {
	switch d.Kind {
	case state.DeltaDocument:
		if d.Document != nil {
			e.batch.Push(documentMutation(*d.Document))
		}
	case state.DeltaDocuments:
		// Full refresh: the poller replaced the list. Live document
		// objects whose status changed get refreshed on their next
		// individual delta; a list refresh only seeds processing items.
		for _, doc := range e.store.Documents() {
			if doc.Status == state.DocProcessing || doc.Status == state.DocQueued {
				e.batch.Push(documentMutation(doc))
			}
		}
	case state.DeltaUpload:
		if d.Upload != nil {
			e.batch.Push(Mutation{
				Op:       OpUpdate,
				ID:       "upload/" + d.Upload.ID.String(),
				Kind:     KindUpload,
				Status:   string(d.Upload.Status),
				Progress: d.Upload.Progress,
				Label:    d.Upload.Name,
			})
		}
	case state.DeltaUploadRemoved:
		e.batch.Push(Mutation{Op: OpRemove, ID: "upload/" + d.RemovedID})
	}
}

func documentMutation(doc state.Document) Mutation {
	return Mutation{
		Op:       OpUpdate,
		ID:       "doc/" + doc.ID,
		Kind:     KindDocument,
		Status:   string(doc.Status),
		Progress: doc.Progress,
		Label:    doc.Title,
	}
}

// applyPending drains the batch and applies its mutations. OpUpdate spawns
// when the target is unknown, so delta ordering never matters.
func (e *Engine) applyPending(now time.Time) {
	muts := e.batch.Drain()
	if len(muts) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, m := range muts {
		switch m.Op {
		case OpAdd:
			e.spawnLocked(m, now)
		case OpUpdate:
			if o, ok := e.index[m.ID]; ok {
				o.Status = m.Status
				if m.Progress > 0 {
					o.Progress = m.Progress
				}
				if m.Label != "" {
					o.Label = m.Label
				}
				o.Pulse = 1
			} else {
				e.spawnLocked(m, now)
			}
		case OpRemove:
			if o, ok := e.index[m.ID]; ok {
				e.evictLocked(o, &e.counters.Removed)
			}
		}
	}
	e.counters.BatchDropped = e.batch.Dropped()
	e.enforceCeilingLocked()
}

func (e *Engine) spawnLocked(m Mutation, now time.Time) {
	if _, ok := e.index[m.ID]; ok {
		return
	}
	o := e.pool.Get()
	o.ID = m.ID
	o.Kind = m.Kind
	o.X = -kindSize[m.Kind]
	o.Y = e.laneY(m.ID)
	o.Size = kindSize[m.Kind]
	o.Speed = kindSpeed[m.Kind]
	o.Status = m.Status
	o.Progress = m.Progress
	o.Opacity = 1
	o.Pulse = 1
	o.Label = m.Label
	o.CreatedAt = now
	e.live = append(e.live, o)
	e.index[o.ID] = o
	e.counters.Spawned++
}

// laneY maps an identifier to a stable lane so wrapped objects re-enter at
// the same height every time.
func (e *Engine) laneY(id string) float64 {
	h := fnv.New32a()
	h.Write([]byte(id))
	lane := int(h.Sum32()) % e.lanes
	if lane < 0 {
		lane += e.lanes
	}
	laneHeight := e.height / float64(e.lanes)
	return laneHeight*float64(lane) + laneHeight/2
}

// step advances one frame. Ticks under the frame budget are skipped.
func (e *Engine) step(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.playing {
		return
	}
	if e.lastTick.IsZero() {
		e.lastTick = now
		return
	}
	elapsed := now.Sub(e.lastTick)
	if elapsed < frameBudget {
		e.counters.SkippedFrames++
		return
	}
	e.lastTick = now
	e.counters.Frames++

	dt := elapsed.Seconds()
	for i, o := range e.live {
		o.X += o.Speed * e.speed * dt

		if o.X > e.width {
			switch o.Kind {
			case KindDocument, KindUpload:
				// Persistent mirrors wrap to their stable lane.
				o.X = -o.Size
				o.Y = e.laneY(o.ID)
				e.counters.Wraps++
			default:
				// Transients drift off and age out past the margin.
				if o.X > e.width+exitMargin && o.exitedAt.IsZero() {
					o.exitedAt = now
				}
			}
		}

		// Throttled aux effects: a quarter of the set per frame.
		if uint64(i)%auxStride == e.counters.Frames%auxStride {
			if o.Pulse > 0 {
				o.Pulse -= pulseDecayPerSec * dt * auxStride
				if o.Pulse < 0 {
					o.Pulse = 0
				}
			}
		}
	}

	e.evictExpiredLocked(now)
	e.enforceCeilingLocked()
}

// evictExpiredLocked applies the age and off-canvas eviction rules.
func (e *Engine) evictExpiredLocked(now time.Time) {
	kept := e.live[:0]
	for _, o := range e.live {
		switch {
		case now.Sub(o.CreatedAt) > objectLifetime:
			e.releaseLocked(o)
			e.counters.AgeEvicted++
		case !o.exitedAt.IsZero() && now.Sub(o.exitedAt) > exitGrace:
			e.releaseLocked(o)
			e.counters.ExitEvicted++
		default:
			kept = append(kept, o)
		}
	}
	for i := len(kept); i < len(e.live); i++ {
		e.live[i] = nil
	}
	e.live = kept
}

// enforceCeilingLocked evicts oldest-first beyond the live ceiling. The live
// slice is append-ordered, so the front holds the oldest objects.
func (e *Engine) enforceCeilingLocked() {
	over := len(e.live) - liveCeiling
	if over <= 0 {
		return
	}
	for _, o := range e.live[:over] {
		e.releaseLocked(o)
		e.counters.CapEvicted++
	}
	n := copy(e.live, e.live[over:])
	for i := n; i < len(e.live); i++ {
		e.live[i] = nil
	}
	e.live = e.live[:n]
}

// evictLocked removes one object and charges the given counter.
func (e *Engine) evictLocked(o *Object, counter *uint64) {
	for i, cand := range e.live {
		if cand == o {
			e.live = append(e.live[:i], e.live[i+1:]...)
			break
		}
	}
	e.releaseLocked(o)
	*counter++
}

// releaseLocked drops the object from the index and recycles it. The caller
// removes it from the live slice.
func (e *Engine) releaseLocked(o *Object) {
	delete(e.index, o.ID)
	e.pool.Put(o)
}

// sweep is the periodic leak defense: force-evict over-lifetime objects and
// trim the pool back to half its ceiling.
func (e *Engine) sweep(now time.Time) {
	e.mu.Lock()
	e.evictExpiredLocked(now)
	e.mu.Unlock()
	e.pool.Trim(poolCeiling / 2)
}

// Snapshot copies the render state. Objects are copied by value; pooled
// storage never escapes.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	objs := make([]Object, len(e.live))
	for i, o := range e.live {
		objs[i] = *o
	}
	c := e.counters
	c.Live = len(e.live)
	c.Pool = e.pool.Stats()
	c.BatchDropped = e.batch.Dropped()
	return Snapshot{
		Playing:  e.playing,
		Speed:    e.speed,
		Width:    e.width,
		Height:   e.height,
		Objects:  objs,
		Counters: c,
		TakenAt:  time.Now(),
	}
}
