package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// streamPath is the upstream's live event feed.
const streamPath = "/api/events"

// Subscriber consumes the upstream SSE feed and hands each JSON payload to a
// sink. Reconnection with exponential backoff happens here, at the transport
// layer; the reconciler downstream never retries.
type Subscriber struct {
	client *Client
	logger *slog.Logger

	// streamClient has no timeout: the feed is long-lived and lifetime is
	// governed by the context.
	streamClient *http.Client
}

// NewSubscriber creates a subscriber on top of an existing client.
func NewSubscriber(client *Client, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{
		client:       client,
		logger:       logger,
		streamClient: &http.Client{},
	}
}

// Run blocks until ctx is canceled, delivering every event payload to sink.
// Transport and parse failures are logged and absorbed: the connection is
// re-established with exponential backoff and the adaptive poller backstops
// any events lost in between.
func (s *Subscriber) Run(ctx context.Context, sink func([]byte)) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // retry forever; ctx bounds the loop

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		connected, err := s.consume(ctx, sink)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if err != nil {
			s.logger.Warn("event stream disconnected", "error", err)
		}
		if connected {
			// A successful connection resets the backoff schedule.
			bo.Reset()
		}

		wait := bo.NextBackOff()
		s.logger.Debug("reconnecting event stream", "after", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// consume opens one stream connection and reads it to exhaustion. connected
// reports whether the stream was established at all; err is the transport
// error that ended it.
func (s *Subscriber) consume(ctx context.Context, sink func([]byte)) (connected bool, err error) {
	req, err := s.client.newRequest(ctx, http.MethodGet, streamPath, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.streamClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("connect stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("%w: stream: status %d", ErrUpstream, resp.StatusCode)
	}

	s.logger.Info("event stream connected")

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		// Only data lines carry payloads; event names, ids and comments
		// are irrelevant to the reconciler.
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if payload == "" {
			continue
		}
		sink([]byte(payload))
	}
	if err := scanner.Err(); err != nil {
		return true, fmt.Errorf("read stream: %w", err)
	}
	return true, errors.New("stream closed by upstream")
}
