// Package session provides the session manager shared by the HTTP and STDIO
// transports: an in-memory active set with TTL cleanup and write-through
// persistence to the KV store.
package session

import (
	"errors"
	"time"
)

// Session errors.
var (
	// ErrNotFound is returned for session ids the server has never seen or
	// whose records have been purged.
	ErrNotFound = errors.New("session not found")

	// ErrExpired is returned for sessions that are known (a persisted record
	// still exists) but no longer live. The HTTP transport maps this to 410
	// so clients re-initialize.
	ErrExpired = errors.New("session expired")

	// ErrTransportMismatch is returned when a session is used from a
	// transport other than the one that created it.
	ErrTransportMismatch = errors.New("session transport mismatch")

	// ErrTooManySessions is returned when the concurrent session limit is
	// reached.
	ErrTooManySessions = errors.New("maximum concurrent sessions reached")
)

// Transport types.
const (
	TransportHTTP  = "http"
	TransportStdio = "stdio"
)

// Session is a durable session record. All mutation goes through the
// Manager; the struct itself carries no locking.
type Session struct {
	ID            string            `json:"id"`
	UserID        string            `json:"userId,omitempty"`
	ClientID      string            `json:"clientId,omitempty"`
	Scopes        []string          `json:"scopes,omitempty"`
	TransportType string            `json:"transportType"`
	CreatedAt     time.Time         `json:"createdAt"`
	LastActiveAt  time.Time         `json:"lastActiveAt"`
	ExpiresAt     time.Time         `json:"expiresAt"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Expired reports whether the session's idle deadline has passed.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// touch advances the activity timestamps, keeping the invariant
// lastActiveAt <= expiresAt.
func (s *Session) touch(now time.Time, timeout time.Duration) {
	s.LastActiveAt = now
	s.ExpiresAt = now.Add(timeout)
}
