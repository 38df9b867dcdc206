package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/minipass/reconciler/internal/models"
)

// Stream writes server-sent events for one admin connection until ctx is done, the
// broker shuts down or a write fails. Recent events are replayed first, then queued
// events are drained every poll interval with a heartbeat every HeartbeatInterval.
// The admin queue is kept when the stream ends.
func (b *Broker) Stream(ctx context.Context, admin string, w io.Writer) error {
	b.Register(admin)
	b.metrics.StreamOpened()
	defer b.metrics.StreamClosed()

	replayed := make(map[string]struct{})
	for _, ev := range b.RecentSince(admin, b.window) {
		if err := writeEvent(w, ev); err != nil {
			return err
		}
		if ev.ID != "" {
			replayed[ev.ID] = struct{}{}
		}
	}

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()
	lastHeartbeat := b.now()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.closed:
			return nil
		case <-ticker.C:
		}

		for _, ev := range b.Drain(admin) {
			if _, dup := replayed[ev.ID]; dup && ev.ID != "" {
				continue
			}
			if err := writeEvent(w, ev); err != nil {
				return err
			}
		}
		// Only the first drain can overlap with the replay.
		if len(replayed) > 0 {
			replayed = map[string]struct{}{}
		}

		if now := b.now(); now.Sub(lastHeartbeat) >= b.heartbeat {
			if err := writeEvent(w, models.NewHeartbeatEvent(now)); err != nil {
				return err
			}
			lastHeartbeat = now
			b.EvictExpired()
		}
	}
}

func writeEvent(w io.Writer, ev models.NotificationEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		data, _ = json.Marshal(models.NewErrorEvent("Stream error occurred", time.Now()))
		_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
		return fmt.Errorf("failed to encode event %s: %w", ev.ID, err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}
