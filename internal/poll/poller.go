// Package poll keeps canonical state converged with the upstream API.
//
// The live event stream is the fast path; polling is the correctness
// backstop. Every refresh replaces the document list and statistics
// wholesale, so any event the stream dropped or mangled is repaired within
// one cycle. The cadence adapts: fast while uploads are in flight, slow
// when the dashboard is idle.
package poll

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/koopa0/flowboard/internal/ingest"
	"github.com/koopa0/flowboard/internal/state"
)

// Default cadences. Active applies while any upload is in flight.
const (
	DefaultActiveInterval = 3 * time.Second
	DefaultIdleInterval   = 15 * time.Second
)

// Source is the slice of the upstream client the poller reads from.
type Source interface {
	ListDocuments(ctx context.Context) (ingest.DocumentList, error)
	Stats(ctx context.Context) (ingest.Stats, error)
}

// Config tunes the polling cadence. Zero values take the defaults.
type Config struct {
	ActiveInterval time.Duration
	IdleInterval   time.Duration
}

// Poller periodically refreshes documents and statistics into the store.
type Poller struct {
	source Source
	store  *state.Store
	logger *slog.Logger

	activeEvery time.Duration
	idleEvery   time.Duration

	mu      sync.Mutex
	oneShot *time.Timer
	wake    chan struct{}

	failures int
}

// New creates a poller reading from source into store.
func New(source Source, store *state.Store, cfg Config, logger *slog.Logger) *Poller {
	if cfg.ActiveInterval <= 0 {
		cfg.ActiveInterval = DefaultActiveInterval
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = DefaultIdleInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		source:      source,
		store:       store,
		logger:      logger,
		activeEvery: cfg.ActiveInterval,
		idleEvery:   cfg.IdleInterval,
		wake:        make(chan struct{}, 1),
	}
}

// Run polls until ctx is cancelled. One refresh happens immediately so the
// dashboard never starts empty.
func (p *Poller) Run(ctx context.Context) {
	p.refresh(ctx)

	timer := time.NewTimer(p.interval())
	defer timer.Stop()
	defer p.stopOneShot()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-p.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		p.refresh(ctx)
		timer.Reset(p.interval())
	}
}

// RequestPoll schedules one extra refresh after delay, on top of the regular
// cadence. Requests arriving while one is already pending coalesce into it.
func (p *Poller) RequestPoll(delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.oneShot != nil {
		return
	}
	p.oneShot = time.AfterFunc(delay, func() {
		p.mu.Lock()
		p.oneShot = nil
		p.mu.Unlock()
		select {
		case p.wake <- struct{}{}:
		default:
		}
	})
}

func (p *Poller) stopOneShot() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.oneShot != nil {
		p.oneShot.Stop()
		p.oneShot = nil
	}
}

func (p *Poller) interval() time.Duration {
	if len(p.store.ActiveUploads()) > 0 {
		return p.activeEvery
	}
	return p.idleEvery
}

// refresh pulls the document list and statistics. A failed query leaves the
// last known state untouched; the dashboard degrades rather than blanks.
func (p *Poller) refresh(ctx context.Context) {
	list, err := p.source.ListDocuments(ctx)
	if err != nil {
		p.failures++
		p.logger.Warn("document refresh failed, keeping last known list",
			"error", err, "consecutive", p.failures)
	} else {
		docs := make([]state.Document, 0, len(list.Documents))
		for _, d := range list.Documents {
			docs = append(docs, d.ToState())
		}
		p.store.ReplaceDocuments(docs)
		p.failures = 0
	}

	st, err := p.source.Stats(ctx)
	if err != nil {
		p.logger.Warn("stats refresh failed, keeping last known values", "error", err)
		return
	}
	p.store.SetStats(st.ToState())
}
