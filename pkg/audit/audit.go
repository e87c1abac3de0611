// Package audit provides an append-only JSON-lines audit trail for security
// relevant events: authentication decisions, token refreshes, workflow
// executions, and session lifecycle. Audit failures are logged but never
// propagate; auditing must not take down the operation it records.
package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"

	"github.com/meridianhq/mcpserve/pkg/config"
	"github.com/meridianhq/mcpserve/pkg/logger"
)

// Outcome of an audited operation.
type Outcome string

// Outcomes.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Event types.
const (
	EventAuthDecision      = "auth_decision"
	EventTokenRefreshed    = "third_party_token_refreshed"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowFailed    = "workflow_failed"
	EventSessionCreated    = "session_created"
	EventSessionDeleted    = "session_deleted"
)

// Event is one audit record.
type Event struct {
	Timestamp  time.Time      `json:"timestamp"`
	Type       string         `json:"type"`
	Outcome    Outcome        `json:"outcome"`
	Subject    string         `json:"subject,omitempty"`
	SessionID  string         `json:"sessionId,omitempty"`
	Target     string         `json:"target,omitempty"`
	DurationMs int64          `json:"durationMs,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// Logger writes audit events as JSON lines. A nil or disabled Logger drops
// everything, so call sites never need to nil-check.
type Logger struct {
	mu     sync.Mutex
	out    io.Writer
	closer io.Closer
}

// NewLogger creates an audit logger per the config. Disabled auditing
// returns a no-op logger. An empty log file path writes to stderr.
func NewLogger(cfg config.AuditConfig) (*Logger, error) {
	if !cfg.Enabled {
		return &Logger{}, nil
	}
	if cfg.LogFile == "" {
		return &Logger{out: os.Stderr}, nil
	}
	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	return &Logger{out: f, closer: f}, nil
}

// Record writes one event. Callers fill Subject and SessionID from their
// request context; the ctx parameter is accepted so recording can later be
// bounded or traced without touching every call site.
func (l *Logger) Record(_ context.Context, event Event) {
	if l == nil || l.out == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	line, err := json.Marshal(event)
	if err != nil {
		logger.Warnw("failed to encode audit event", "type", event.Type, "error", err)
		return
	}
	line = append(line, '\n')

	l.mu.Lock()
	_, err = l.out.Write(line)
	l.mu.Unlock()
	if err != nil {
		logger.Warnw("failed to write audit event", "type", event.Type, "error", err)
	}
}

// Close closes the underlying file, if any.
func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
