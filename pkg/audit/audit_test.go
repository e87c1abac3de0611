package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/mcpserve/pkg/config"
)

func TestLogger_WritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	l, err := NewLogger(config.AuditConfig{Enabled: true, LogFile: path})
	require.NoError(t, err)

	ctx := context.Background()
	l.Record(ctx, Event{Type: EventWorkflowCompleted, Outcome: OutcomeSuccess, Subject: "alice", SessionID: "sess-1", Target: "deploy", DurationMs: 42})
	l.Record(ctx, Event{Type: EventWorkflowFailed, Outcome: OutcomeFailure, Target: "deploy"})
	require.NoError(t, l.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		events = append(events, e)
	}
	require.Len(t, events, 2)

	assert.Equal(t, EventWorkflowCompleted, events[0].Type)
	assert.Equal(t, "alice", events[0].Subject)
	assert.Equal(t, "sess-1", events[0].SessionID)
	assert.Equal(t, int64(42), events[0].DurationMs)
	assert.WithinDuration(t, time.Now(), events[0].Timestamp, time.Minute)
	assert.Equal(t, OutcomeFailure, events[1].Outcome)
}

func TestLogger_DisabledIsNoOp(t *testing.T) {
	l, err := NewLogger(config.AuditConfig{Enabled: false})
	require.NoError(t, err)

	// Must not panic or write anywhere.
	l.Record(context.Background(), Event{Type: EventAuthDecision})
	require.NoError(t, l.Close())

	var nilLogger *Logger
	nilLogger.Record(context.Background(), Event{Type: EventAuthDecision})
	assert.NoError(t, nilLogger.Close())
}
