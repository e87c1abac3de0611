// Package eventstore implements the per-stream append-only log that backs
// resumable SSE delivery. Event ids are monotonic per stream; replay after a
// given id returns the remaining events in append order with no duplicates
// and no gaps.
package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"time"

	"github.com/meridianhq/mcpserve/pkg/kv"
)

const (
	eventsPrefix = "events"
	seqPrefix    = "eventseq"

	// eventIDWidth pads event ids so lexicographic key order matches
	// numeric order.
	eventIDWidth = 20
)

// Event is a single outbound MCP message recorded for a stream.
type Event struct {
	StreamID  string    `json:"-"`
	EventID   uint64    `json:"id"`
	Timestamp time.Time `json:"ts"`
	Kind      string    `json:"kind,omitempty"`
	Payload   []byte    `json:"payload"`
}

// Store appends and replays events for SSE streams.
type Store interface {
	// Append records payload on the stream and returns its event id.
	Append(ctx context.Context, streamID, kind string, payload []byte) (uint64, error)

	// Replay yields events with id > afterEventID in append order. The
	// sequence is lazy: events are fetched when iterated.
	Replay(ctx context.Context, streamID string, afterEventID uint64) iter.Seq2[Event, error]

	// ListStreams returns the ids of all streams with at least one event.
	ListStreams(ctx context.Context) ([]string, error)

	// CleanupOldEvents drops all but the newest keepLast events of the
	// stream, returning how many were removed.
	CleanupOldEvents(ctx context.Context, streamID string, keepLast int) (int, error)

	// DeleteStream removes a stream and all its events.
	DeleteStream(ctx context.Context, streamID string) error
}

// KVStore is the KV-backed Store implementation.
type KVStore struct {
	kv kv.Store
}

// New creates an event store on top of the given KV store.
func New(store kv.Store) *KVStore {
	return &KVStore{kv: store}
}

func formatEventID(id uint64) string {
	return fmt.Sprintf("%0*d", eventIDWidth, id)
}

// nextEventID bumps the per-stream sequence with a CAS loop. The sequence
// key is separate from the event records so stream scans only see events.
func (s *KVStore) nextEventID(ctx context.Context, streamID string) (uint64, error) {
	key := []string{seqPrefix, streamID}
	for {
		raw, err := s.kv.Get(ctx, key)
		var current uint64
		var expected []byte
		switch err {
		case nil:
			if _, scanErr := fmt.Sscanf(string(raw), "%d", &current); scanErr != nil {
				return 0, fmt.Errorf("corrupt sequence for stream %s: %w", streamID, scanErr)
			}
			expected = raw
		case kv.ErrNotFound:
			expected = nil
		default:
			return 0, err
		}

		next := current + 1
		err = s.kv.CompareAndSwap(ctx, key, expected, fmt.Appendf(nil, "%d", next), 0)
		if err == nil {
			return next, nil
		}
		if err != kv.ErrConflict {
			return 0, err
		}
		// Lost the race with a concurrent appender; retry.
	}
}

// Append implements Store.
func (s *KVStore) Append(ctx context.Context, streamID, kind string, payload []byte) (uint64, error) {
	id, err := s.nextEventID(ctx, streamID)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate event id: %w", err)
	}

	ev := Event{EventID: id, Timestamp: time.Now().UTC(), Kind: kind, Payload: payload}
	raw, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("failed to encode event: %w", err)
	}

	if err := s.kv.Set(ctx, []string{eventsPrefix, streamID, formatEventID(id)}, raw, 0); err != nil {
		return 0, fmt.Errorf("failed to append event: %w", err)
	}
	return id, nil
}

// Replay implements Store.
func (s *KVStore) Replay(ctx context.Context, streamID string, afterEventID uint64) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		entries, err := s.kv.ListPrefix(ctx, []string{eventsPrefix, streamID})
		if err != nil {
			yield(Event{}, fmt.Errorf("failed to list events: %w", err))
			return
		}
		for _, entry := range entries {
			var ev Event
			if err := json.Unmarshal(entry.Value, &ev); err != nil {
				if !yield(Event{}, fmt.Errorf("corrupt event record: %w", err)) {
					return
				}
				continue
			}
			if ev.EventID <= afterEventID {
				continue
			}
			ev.StreamID = streamID
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// ListStreams implements Store.
func (s *KVStore) ListStreams(ctx context.Context) ([]string, error) {
	entries, err := s.kv.ListPrefix(ctx, []string{seqPrefix})
	if err != nil {
		return nil, err
	}
	streams := make([]string, 0, len(entries))
	for _, e := range entries {
		if len(e.Key) == 2 {
			streams = append(streams, e.Key[1])
		}
	}
	return streams, nil
}

// CleanupOldEvents implements Store.
func (s *KVStore) CleanupOldEvents(ctx context.Context, streamID string, keepLast int) (int, error) {
	entries, err := s.kv.ListPrefix(ctx, []string{eventsPrefix, streamID})
	if err != nil {
		return 0, err
	}
	if len(entries) <= keepLast {
		return 0, nil
	}

	removed := 0
	for _, entry := range entries[:len(entries)-keepLast] {
		if err := s.kv.Delete(ctx, entry.Key); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// DeleteStream removes every event and the sequence counter of a stream.
// Called on session teardown.
func (s *KVStore) DeleteStream(ctx context.Context, streamID string) error {
	entries, err := s.kv.ListPrefix(ctx, []string{eventsPrefix, streamID})
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := s.kv.Delete(ctx, entry.Key); err != nil {
			return err
		}
	}
	return s.kv.Delete(ctx, []string{seqPrefix, streamID})
}

// Janitor periodically trims every stream to keepLast events. Run it in its
// own goroutine; it stops when ctx is done.
func Janitor(ctx context.Context, store Store, interval time.Duration, keepLast int, logf func(string, ...any)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			streams, err := store.ListStreams(ctx)
			if err != nil {
				logf("event store cleanup failed to list streams: %v", err)
				continue
			}
			for _, stream := range streams {
				if _, err := store.CleanupOldEvents(ctx, stream, keepLast); err != nil {
					logf("event store cleanup failed for stream %s: %v", stream, err)
				}
			}
		}
	}
}
