// Package kv provides the ordered key-value store every durable component
// builds on. Keys are paths (slices of string segments); values are opaque
// bytes with an optional TTL. Three backends exist: an in-memory map, a
// sqlite file (the durable default), and Redis.
package kv

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Store errors.
var (
	// ErrNotFound is returned when a key does not exist or has expired.
	ErrNotFound = errors.New("kv: key not found")

	// ErrConflict is returned when a compare-and-swap or compare-and-delete
	// loses against a concurrent writer.
	ErrConflict = errors.New("kv: conflict")
)

// Entry is a single key-value pair returned by prefix scans.
type Entry struct {
	Key   []string
	Value []byte
}

// Store is an ordered key-value store with TTL support and per-key atomic
// operations. Implementations guarantee single-writer linearizability per
// key; prefix scans observe a point-in-time snapshot per key.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key []string) ([]byte, error)

	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key []string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key []string) error

	// CompareAndSwap atomically replaces the value of key with next when its
	// current value equals expected. A nil expected asserts the key must not
	// exist. Returns ErrConflict on mismatch.
	CompareAndSwap(ctx context.Context, key []string, expected, next []byte, ttl time.Duration) error

	// Take atomically reads and deletes key. Returns ErrNotFound when the key
	// is absent, so single-use records (authorization codes) are consumed
	// exactly once.
	Take(ctx context.Context, key []string) ([]byte, error)

	// ListPrefix returns all live entries whose key starts with the given
	// path prefix, in ascending key order.
	ListPrefix(ctx context.Context, prefix []string) ([]Entry, error)

	// Close releases backend resources.
	Close() error
}

// EncodeKey turns a key path into its stored string form. Segments are
// joined with '/'; literal separators and backslashes inside a segment are
// escaped so decoding is unambiguous and lexicographic order follows the
// path hierarchy.
func EncodeKey(key []string) string {
	var b strings.Builder
	for i, seg := range key {
		if i > 0 {
			b.WriteByte('/')
		}
		for j := 0; j < len(seg); j++ {
			switch seg[j] {
			case '/':
				b.WriteString(`\/`)
			case '\\':
				b.WriteString(`\\`)
			default:
				b.WriteByte(seg[j])
			}
		}
	}
	return b.String()
}

// DecodeKey reverses EncodeKey.
func DecodeKey(encoded string) []string {
	var (
		segs []string
		cur  strings.Builder
	)
	for i := 0; i < len(encoded); i++ {
		switch encoded[i] {
		case '\\':
			if i+1 < len(encoded) {
				i++
				cur.WriteByte(encoded[i])
			}
		case '/':
			segs = append(segs, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(encoded[i])
		}
	}
	segs = append(segs, cur.String())
	return segs
}

// EncodePrefix returns the encoded form of a key prefix, including the
// trailing separator that bounds the scan to whole segments.
func EncodePrefix(prefix []string) string {
	if len(prefix) == 0 {
		return ""
	}
	return EncodeKey(prefix) + "/"
}

// PrefixUpperBound returns the smallest string greater than every string
// with the given prefix, for half-open range scans. Empty when no upper
// bound exists (a prefix of all 0xff bytes).
func PrefixUpperBound(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}
