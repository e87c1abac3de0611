package eventstore

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"

	"github.com/google/uuid"

	"github.com/meridianhq/mcpserve/pkg/kv"
)

const chunksPrefix = "eventchunks"

// Chunked store defaults.
const (
	// DefaultMaxPayloadBytes is the payload size above which an event is
	// split into chunks.
	DefaultMaxPayloadBytes = 60 * 1024

	// DefaultCompressThreshold is the payload size above which chunk data
	// is gzip-compressed.
	DefaultCompressThreshold = 8 * 1024
)

// chunkManifest replaces the payload of a chunked event. Replay resolves it
// back into the original payload.
type chunkManifest struct {
	Chunked     bool   `json:"chunked"`
	MessageID   string `json:"messageId"`
	TotalChunks int    `json:"totalChunks"`
	Compressed  bool   `json:"compressed"`
}

type chunkRecord struct {
	MessageID  string `json:"messageId"`
	ChunkIndex int    `json:"chunkIndex"`
	Data       []byte `json:"data"`
}

// ChunkedStore wraps a KVStore and transparently splits payloads that exceed
// MaxPayloadBytes into numbered chunks, optionally gzip-compressed. Replay
// reassembles chunked events; a chunk set is either complete or treated as
// absent.
type ChunkedStore struct {
	inner *KVStore
	kv    kv.Store

	MaxPayloadBytes   int
	CompressThreshold int
}

// NewChunked creates a chunked event store on the given KV store.
func NewChunked(store kv.Store) *ChunkedStore {
	return &ChunkedStore{
		inner:             New(store),
		kv:                store,
		MaxPayloadBytes:   DefaultMaxPayloadBytes,
		CompressThreshold: DefaultCompressThreshold,
	}
}

// Append implements Store. Payloads at or below the size limit pass through
// to the inner store unchanged.
func (s *ChunkedStore) Append(ctx context.Context, streamID, kind string, payload []byte) (uint64, error) {
	if len(payload) <= s.MaxPayloadBytes {
		return s.inner.Append(ctx, streamID, kind, payload)
	}

	data := payload
	compressed := false
	if len(payload) > s.CompressThreshold {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(payload); err != nil {
			return 0, fmt.Errorf("failed to compress payload: %w", err)
		}
		if err := zw.Close(); err != nil {
			return 0, fmt.Errorf("failed to compress payload: %w", err)
		}
		data = buf.Bytes()
		compressed = true
	}

	messageID := uuid.NewString()
	total := (len(data) + s.MaxPayloadBytes - 1) / s.MaxPayloadBytes

	// Chunks are written before the manifest event. A crash between the two
	// leaves orphan chunks but never a manifest pointing at a partial set.
	for i := 0; i < total; i++ {
		start := i * s.MaxPayloadBytes
		end := min(start+s.MaxPayloadBytes, len(data))
		rec, err := json.Marshal(chunkRecord{MessageID: messageID, ChunkIndex: i, Data: data[start:end]})
		if err != nil {
			return 0, fmt.Errorf("failed to encode chunk: %w", err)
		}
		key := []string{chunksPrefix, messageID, fmt.Sprintf("%06d", i)}
		if err := s.kv.Set(ctx, key, rec, 0); err != nil {
			return 0, fmt.Errorf("failed to store chunk %d/%d: %w", i+1, total, err)
		}
	}

	manifest, err := json.Marshal(chunkManifest{
		Chunked:     true,
		MessageID:   messageID,
		TotalChunks: total,
		Compressed:  compressed,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to encode chunk manifest: %w", err)
	}
	return s.inner.Append(ctx, streamID, kindChunked(kind), manifest)
}

// kindChunked marks manifests so replay knows to reassemble.
func kindChunked(kind string) string {
	if kind == "" {
		return "chunked"
	}
	return kind + "+chunked"
}

func isChunkedKind(kind string) bool {
	return kind == "chunked" || len(kind) > 8 && kind[len(kind)-8:] == "+chunked"
}

func originalKind(kind string) string {
	if kind == "chunked" {
		return ""
	}
	return kind[:len(kind)-len("+chunked")]
}

// Replay implements Store, reassembling chunked events in place.
func (s *ChunkedStore) Replay(ctx context.Context, streamID string, afterEventID uint64) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for ev, err := range s.inner.Replay(ctx, streamID, afterEventID) {
			if err != nil {
				if !yield(ev, err) {
					return
				}
				continue
			}
			if !isChunkedKind(ev.Kind) {
				if !yield(ev, nil) {
					return
				}
				continue
			}

			payload, err := s.reassemble(ctx, ev.Payload)
			if err == errIncompleteChunks {
				// Complete-or-absent: skip the event entirely.
				continue
			}
			if err != nil {
				if !yield(Event{}, err) {
					return
				}
				continue
			}
			ev.Kind = originalKind(ev.Kind)
			ev.Payload = payload
			if !yield(ev, nil) {
				return
			}
		}
	}
}

var errIncompleteChunks = fmt.Errorf("incomplete chunk set")

func (s *ChunkedStore) reassemble(ctx context.Context, manifestRaw []byte) ([]byte, error) {
	var manifest chunkManifest
	if err := json.Unmarshal(manifestRaw, &manifest); err != nil {
		return nil, fmt.Errorf("corrupt chunk manifest: %w", err)
	}

	entries, err := s.kv.ListPrefix(ctx, []string{chunksPrefix, manifest.MessageID})
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}
	if len(entries) != manifest.TotalChunks {
		return nil, errIncompleteChunks
	}

	var data bytes.Buffer
	for i, entry := range entries {
		var rec chunkRecord
		if err := json.Unmarshal(entry.Value, &rec); err != nil {
			return nil, fmt.Errorf("corrupt chunk record: %w", err)
		}
		if rec.ChunkIndex != i {
			return nil, errIncompleteChunks
		}
		data.Write(rec.Data)
	}

	if !manifest.Compressed {
		return data.Bytes(), nil
	}

	zr, err := gzip.NewReader(&data)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress payload: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress payload: %w", err)
	}
	return out, nil
}

// ListStreams implements Store.
func (s *ChunkedStore) ListStreams(ctx context.Context) ([]string, error) {
	return s.inner.ListStreams(ctx)
}

// CleanupOldEvents implements Store, removing the chunk sets of any trimmed
// chunked events.
func (s *ChunkedStore) CleanupOldEvents(ctx context.Context, streamID string, keepLast int) (int, error) {
	entries, err := s.kv.ListPrefix(ctx, []string{eventsPrefix, streamID})
	if err != nil {
		return 0, err
	}
	if len(entries) <= keepLast {
		return 0, nil
	}

	removed := 0
	for _, entry := range entries[:len(entries)-keepLast] {
		var ev Event
		if err := json.Unmarshal(entry.Value, &ev); err == nil && isChunkedKind(ev.Kind) {
			var manifest chunkManifest
			if err := json.Unmarshal(ev.Payload, &manifest); err == nil {
				s.deleteChunks(ctx, manifest.MessageID)
			}
		}
		if err := s.kv.Delete(ctx, entry.Key); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// DeleteStream removes a stream, its sequence counter, and all chunk sets.
func (s *ChunkedStore) DeleteStream(ctx context.Context, streamID string) error {
	entries, err := s.kv.ListPrefix(ctx, []string{eventsPrefix, streamID})
	if err != nil {
		return err
	}
	for _, entry := range entries {
		var ev Event
		if err := json.Unmarshal(entry.Value, &ev); err == nil && isChunkedKind(ev.Kind) {
			var manifest chunkManifest
			if err := json.Unmarshal(ev.Payload, &manifest); err == nil {
				s.deleteChunks(ctx, manifest.MessageID)
			}
		}
	}
	return s.inner.DeleteStream(ctx, streamID)
}

func (s *ChunkedStore) deleteChunks(ctx context.Context, messageID string) {
	chunks, err := s.kv.ListPrefix(ctx, []string{chunksPrefix, messageID})
	if err != nil {
		return
	}
	for _, chunk := range chunks {
		_ = s.kv.Delete(ctx, chunk.Key)
	}
}
