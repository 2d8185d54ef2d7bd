// Package grid plans FLIP insertion animations for the document grid:
// capture tile positions before a list mutation, diff against the positions
// after it, and emit invert transforms that animate to zero plus staggered
// entry transforms for fresh tiles. The planner is pure; executing the plan
// is the renderer's job.
package grid

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrAnimating is returned when a plan is requested while a previous one is
// still executing. Overlapping runs are rejected, not queued, so transforms
// never compound.
var ErrAnimating = errors.New("grid: animation in progress")

// Planning defaults.
const (
	DefaultDuration  = 300 * time.Millisecond
	DefaultStagger   = 40 * time.Millisecond
	DefaultFade      = 1200 * time.Millisecond
	DefaultEntryRise = 24.0
)

// Tile is one rendered grid cell's bounding box.
type Tile struct {
	ID string  `json:"id"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
	W  float64 `json:"w"`
	H  float64 `json:"h"`
}

// Transform is a 2D translation applied to a tile.
type Transform struct {
	DX float64 `json:"dx"`
	DY float64 `json:"dy"`
}

// Move animates a surviving tile from its inverted old position to zero.
type Move struct {
	ID       string        `json:"id"`
	Invert   Transform     `json:"invert"`
	Duration time.Duration `json:"duration"`
}

// Entry animates a fresh tile in from an off-grid offset, then fades a
// temporary highlight.
type Entry struct {
	ID        string        `json:"id"`
	From      Transform     `json:"from"`
	Delay     time.Duration `json:"delay"`
	Duration  time.Duration `json:"duration"`
	Highlight time.Duration `json:"highlight"`
}

// MotionPlan is the full animation for one grid mutation.
type MotionPlan struct {
	Moves   []Move  `json:"moves"`
	Entries []Entry `json:"entries"`
}

// Empty reports whether executing the plan would be a no-op.
func (p MotionPlan) Empty() bool {
	return len(p.Moves) == 0 && len(p.Entries) == 0
}

// Options tunes a plan. Zero values take the defaults.
type Options struct {
	Duration    time.Duration
	Stagger     time.Duration
	Fade        time.Duration
	EntryOffset Transform // where fresh tiles slide in from, relative
}

func (o Options) withDefaults() Options {
	if o.Duration <= 0 {
		o.Duration = DefaultDuration
	}
	if o.Stagger < 0 {
		o.Stagger = 0
	} else if o.Stagger == 0 {
		o.Stagger = DefaultStagger
	}
	if o.Fade <= 0 {
		o.Fade = DefaultFade
	}
	if o.EntryOffset == (Transform{}) {
		o.EntryOffset = Transform{DY: DefaultEntryRise}
	}
	return o
}

// Plan diffs before against after and produces the FLIP plan. Tiles present
// in both sets whose position changed get an invert transform equal to the
// negative of their delta; tiles named in fresh get an entry transform with
// a per-index stagger. Zero fresh tiles and zero moved tiles yield an empty
// plan. Moves are planned even when fresh is empty: a reflow without
// insertions (a container resize, a removal upstream) still animates, which
// is a deliberate widening of the insertion-only behavior this replaces.
func Plan(before, after []Tile, fresh map[string]bool, opts Options) (MotionPlan, error) {
	opts = opts.withDefaults()

	old, err := tileIndex(before)
	if err != nil {
		return MotionPlan{}, fmt.Errorf("before set: %w", err)
	}
	if _, err := tileIndex(after); err != nil {
		return MotionPlan{}, fmt.Errorf("after set: %w", err)
	}

	var plan MotionPlan
	entryIdx := 0
	for _, tile := range after {
		if fresh[tile.ID] {
			plan.Entries = append(plan.Entries, Entry{
				ID:        tile.ID,
				From:      opts.EntryOffset,
				Delay:     time.Duration(entryIdx) * opts.Stagger,
				Duration:  opts.Duration,
				Highlight: opts.Fade,
			})
			entryIdx++
			continue
		}
		prev, ok := old[tile.ID]
		if !ok || (prev.X == tile.X && prev.Y == tile.Y) {
			continue
		}
		plan.Moves = append(plan.Moves, Move{
			ID:       tile.ID,
			Invert:   Transform{DX: prev.X - tile.X, DY: prev.Y - tile.Y},
			Duration: opts.Duration,
		})
	}
	return plan, nil
}

func tileIndex(tiles []Tile) (map[string]Tile, error) {
	idx := make(map[string]Tile, len(tiles))
	for _, t := range tiles {
		if t.ID == "" {
			return nil, errors.New("tile without identifier")
		}
		if _, dup := idx[t.ID]; dup {
			return nil, fmt.Errorf("duplicate tile %q", t.ID)
		}
		idx[t.ID] = t
	}
	return idx, nil
}

// Gate serializes plan execution. A second start while one run is active is
// rejected; callers drop the animation rather than queue it.
type Gate struct {
	mu     sync.Mutex
	active bool
}

// Start claims the gate. It fails with ErrAnimating when a run is active.
func (g *Gate) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active {
		return ErrAnimating
	}
	g.active = true
	return nil
}

// Finish releases the gate. Finishing an idle gate is a no-op.
func (g *Gate) Finish() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active = false
}

// Active reports whether a run holds the gate.
func (g *Gate) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Layout computes tile size and column count for a container width. It is
// recalculated per plan, never mid-flight, so an in-progress animation keeps
// the geometry it started with.
type Layout struct {
	Columns  int     `json:"columns"`
	TileSize float64 `json:"tileSize"`
}

// ComputeLayout fits as many min-width tiles as the container allows, then
// stretches them to fill the row.
func ComputeLayout(containerWidth, minTile, gap float64) Layout {
	if minTile <= 0 {
		minTile = 160
	}
	if containerWidth < minTile {
		return Layout{Columns: 1, TileSize: containerWidth}
	}
	cols := int((containerWidth + gap) / (minTile + gap))
	if cols < 1 {
		cols = 1
	}
	size := (containerWidth - gap*float64(cols-1)) / float64(cols)
	return Layout{Columns: cols, TileSize: size}
}
