package upload

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/koopa0/flowboard/internal/state"
)

// transfer runs one upload attempt end to end. Direct transfer below the
// chunk threshold, chunked above. Errors land on the item; cancellation is
// recognized and swallowed.
func (m *Manager) transfer(ctx context.Context, id uuid.UUID, f File) {
	m.setStatus(id, state.UploadUploading)

	var err error
	if f.Size > chunkThreshold {
		err = m.transferChunked(ctx, id, f)
	} else {
		err = m.transferDirect(ctx, id, f)
	}
	if err == nil {
		return
	}

	if canceled(ctx, err) {
		// Cancellation is terminal and user-attributed; the transport
		// error it provokes is not a failure.
		m.logger.Debug("transfer canceled", "id", id, "name", f.Name)
		return
	}

	m.logger.Warn("transfer failed", "id", id, "name", f.Name, "error", err)
	m.fail(id, err)
}

func (m *Manager) transferDirect(ctx context.Context, id uuid.UUID, f File) error {
	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer src.Close()

	pr := &progressReader{
		r:    src,
		size: f.Size,
		report: func(frac float64) {
			m.setProgress(id, (initShare+transferShare)*frac)
		},
	}

	sessionID, events, err := m.client.UploadDirect(ctx, f.Name, f.MediaType, f.Size, pr)
	if err != nil {
		return err
	}
	defer events.Close()

	m.attachSession(id, sessionID)
	m.setProgress(id, initShare+transferShare)
	m.setStatus(id, state.UploadProcessing)

	m.consumeEvents(ctx, events)
	return nil
}

func (m *Manager) transferChunked(ctx context.Context, id uuid.UUID, f File) error {
	total := int((f.Size + chunkSize - 1) / chunkSize)

	sessionID, err := m.client.InitChunked(ctx, f.Name, f.MediaType, f.Size, chunkSize)
	if err != nil {
		return fmt.Errorf("init session: %w", err)
	}
	m.attachSession(id, sessionID)
	m.setChunks(id, 0, total, "", "")
	m.setProgress(id, initShare)

	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer src.Close()

	buf := make([]byte, chunkSize)
	started := time.Now()
	var sentBytes int64

	for index := 0; index < total; index++ {
		// Bounded inter-chunk pause keeps the upstream from being flooded
		// by sequential chunk posts.
		if err := m.pacer.Wait(ctx); err != nil {
			return fmt.Errorf("pacing: %w", err)
		}

		n, err := io.ReadFull(src, buf)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read chunk %d: %w", index, err)
		}
		if n == 0 {
			break
		}

		if err := m.client.UploadChunk(ctx, sessionID, index, buf[:n]); err != nil {
			return fmt.Errorf("chunk %d/%d: %w", index+1, total, err)
		}

		sentBytes += int64(n)
		rate, eta := transferStats(started, sentBytes, f.Size)
		m.setChunks(id, index+1, total, rate, eta)
		m.setProgress(id, initShare+transferShare*float64(index+1)/float64(total))
	}

	events, err := m.client.FinalizeChunked(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("finalize: %w", err)
	}
	defer events.Close()

	m.setProgress(id, initShare+transferShare)
	m.setStatus(id, state.UploadProcessing)

	m.consumeEvents(ctx, events)
	return nil
}

// consumeEvents reads the per-upload progress stream and feeds each payload
// into the shared reconciliation path. Stream errors are absorbed: the
// global feed and the adaptive poller backstop anything missed here.
func (m *Manager) consumeEvents(ctx context.Context, events io.Reader) {
	scanner := bufio.NewScanner(events)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return
		}
		payload, ok := strings.CutPrefix(scanner.Text(), "data: ")
		if !ok || payload == "" {
			continue
		}
		m.events([]byte(payload))
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		m.logger.Debug("upload event stream ended", "error", err)
	}
}

// transferStats derives humanized throughput and ETA strings.
func transferStats(started time.Time, sent, size int64) (rateStr, etaStr string) {
	elapsed := time.Since(started).Seconds()
	if elapsed <= 0 || sent <= 0 {
		return "", ""
	}
	bps := float64(sent) / elapsed
	rateStr = humanize.Bytes(uint64(bps)) + "/s"

	remaining := size - sent
	if remaining > 0 && bps > 0 {
		eta := time.Duration(float64(remaining)/bps) * time.Second
		etaStr = eta.Round(time.Second).String()
	}
	return rateStr, etaStr
}

// canceled reports whether err (or the context) stems from cancellation.
func canceled(ctx context.Context, err error) bool {
	return errors.Is(ctx.Err(), context.Canceled) ||
		errors.Is(err, context.Canceled)
}

// progressReader reports upload fraction as the transport drains it.
type progressReader struct {
	r      io.Reader
	size   int64
	sent   int64
	report func(frac float64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 && p.size > 0 {
		p.sent += int64(n)
		p.report(float64(p.sent) / float64(p.size))
	}
	return n, err
}

// --- store mutation helpers ---

// setStatus transitions an item unless it is already terminal.
func (m *Manager) setStatus(id uuid.UUID, s state.UploadStatus) {
	err := m.store.MutateUpload(id, func(it *state.UploadItem) {
		if it.Status.Terminal() {
			return
		}
		it.Status = s
	})
	if err != nil {
		m.logger.Debug("status update for removed item", "id", id)
	}
}

// setProgress raises the item's progress; progress is monotonically
// non-decreasing across a transfer.
func (m *Manager) setProgress(id uuid.UUID, p float64) {
	_ = m.store.MutateUpload(id, func(it *state.UploadItem) {
		if it.Status.Terminal() {
			return
		}
		if p > it.Progress {
			it.Progress = p
		}
	})
}

func (m *Manager) attachSession(id uuid.UUID, sessionID string) {
	if sessionID == "" {
		return
	}
	_ = m.store.MutateUpload(id, func(it *state.UploadItem) {
		it.SessionID = sessionID
	})
}

func (m *Manager) setChunks(id uuid.UUID, sent, total int, rate, eta string) {
	_ = m.store.MutateUpload(id, func(it *state.UploadItem) {
		it.ChunksSent = sent
		it.ChunksTotal = total
		it.Rate = rate
		it.ETA = eta
	})
}

// fail marks an item errored with a human-readable message, preserving
// cancellation if it raced in first.
func (m *Manager) fail(id uuid.UUID, cause error) {
	_ = m.store.MutateUpload(id, func(it *state.UploadItem) {
		if it.Status.Terminal() {
			return
		}
		it.Status = state.UploadError
		it.LastError = humanMessage(cause)
	})
}

// humanMessage strips wrapping noise down to a message fit for an error
// badge in the queue.
func humanMessage(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "upload timed out"
	case errors.Is(err, ErrFileTooLarge):
		return "file is too large"
	case errors.Is(err, ErrUnsupportedType):
		return "file type is not supported"
	default:
		msg := err.Error()
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return msg
	}
}
