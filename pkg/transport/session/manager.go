package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meridianhq/mcpserve/pkg/audit"
	"github.com/meridianhq/mcpserve/pkg/config"
	"github.com/meridianhq/mcpserve/pkg/kv"
	"github.com/meridianhq/mcpserve/pkg/logger"
)

const sessionsPrefix = "sessions"

// persistedRetention is how many idle timeouts a persisted record outlives
// its in-memory session, so recently expired ids answer 410 instead of 404.
const persistedRetention = 2

// EvictFunc is called when the cleanup sweep expires a session, so the
// owning transport can drop its binding.
type EvictFunc func(sessionID string)

// Manager owns all session records. It keeps the active set in memory and,
// when persistence is enabled, writes every record through to the KV store
// under sessions/<id>.
type Manager struct {
	mu     sync.RWMutex
	active map[string]*Session

	store   kv.Store // nil when persistence is disabled
	cfg     config.SessionConfig
	onEvict EvictFunc
	auditor *audit.Logger

	stopOnce sync.Once
	stopCh   chan struct{}

	// now is replaceable for expiry tests.
	now func() time.Time
}

// NewManager creates a session manager and starts its cleanup ticker.
// store may be nil to disable persistence; auditor may be nil.
func NewManager(cfg config.SessionConfig, store kv.Store, auditor *audit.Logger, onEvict EvictFunc) *Manager {
	if !cfg.EnablePersistence {
		store = nil
	}
	m := &Manager{
		active:  make(map[string]*Session),
		store:   store,
		cfg:     cfg,
		onEvict: onEvict,
		auditor: auditor,
		stopCh:  make(chan struct{}),
		now:     time.Now,
	}
	go m.cleanupLoop()
	return m
}

func (m *Manager) cleanupLoop() {
	interval := m.cfg.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.CleanupExpired(context.Background())
		case <-m.stopCh:
			return
		}
	}
}

// Create mints a new UUIDv4 session for the given transport.
func (m *Manager) Create(ctx context.Context, transportType string) (*Session, error) {
	now := m.now()
	sess := &Session{
		ID:            uuid.NewString(),
		TransportType: transportType,
		CreatedAt:     now,
		LastActiveAt:  now,
		ExpiresAt:     now.Add(m.cfg.Timeout),
		Metadata:      map[string]string{},
	}

	m.mu.Lock()
	if m.cfg.MaxConcurrentSessions > 0 && len(m.active) >= m.cfg.MaxConcurrentSessions {
		m.mu.Unlock()
		return nil, ErrTooManySessions
	}
	m.active[sess.ID] = sess
	m.mu.Unlock()

	if err := m.persist(ctx, sess); err != nil {
		logger.Warnw("failed to persist new session", "session_id", sess.ID, "error", err)
	}
	m.auditor.Record(ctx, audit.Event{
		Type:      audit.EventSessionCreated,
		Outcome:   audit.OutcomeSuccess,
		SessionID: sess.ID,
		Details:   map[string]any{"transport": transportType},
	})
	return sess, nil
}

// Get validates and touches a session: it must exist, match the requesting
// transport, and not be expired. A session missing from memory but persisted
// with a live idle deadline is restored transparently, so sessions survive a
// process restart; a persisted record past its deadline returns ErrExpired
// so the client knows to re-initialize.
func (m *Manager) Get(ctx context.Context, id, transportType string) (*Session, error) {
	now := m.now()

	m.mu.Lock()
	sess, ok := m.active[id]
	if ok && sess.Expired(now) {
		delete(m.active, id)
		ok = false
	}
	if ok {
		if transportType != "" && sess.TransportType != transportType {
			m.mu.Unlock()
			return nil, ErrTransportMismatch
		}
		sess.touch(now, m.cfg.Timeout)
		snapshot := *sess
		m.mu.Unlock()

		if err := m.persist(ctx, &snapshot); err != nil {
			logger.Debugw("failed to touch persisted session", "session_id", id, "error", err)
		}
		return &snapshot, nil
	}
	m.mu.Unlock()

	return m.Restore(ctx, id, transportType)
}

// Restore re-activates a persisted session after a restart. It fails with
// ErrExpired when the record's idle deadline has passed.
func (m *Manager) Restore(ctx context.Context, id, transportType string) (*Session, error) {
	if m.store == nil {
		return nil, ErrNotFound
	}
	raw, err := m.store.Get(ctx, []string{sessionsPrefix, id})
	if err == kv.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("corrupt session record: %w", err)
	}
	now := m.now()
	if sess.Expired(now) {
		return nil, ErrExpired
	}
	if transportType != "" && sess.TransportType != transportType {
		return nil, ErrTransportMismatch
	}
	sess.touch(now, m.cfg.Timeout)

	m.mu.Lock()
	m.active[sess.ID] = &sess
	snapshot := sess
	m.mu.Unlock()

	if err := m.persist(ctx, &snapshot); err != nil {
		logger.Debugw("failed to persist restored session", "session_id", id, "error", err)
	}
	logger.Infow("restored persisted session", "session_id", id)
	return &snapshot, nil
}

// Authenticate binds an authenticated identity to the session.
func (m *Manager) Authenticate(ctx context.Context, id, userID, clientID string, scopes []string) error {
	m.mu.Lock()
	sess, ok := m.active[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	sess.UserID = userID
	sess.ClientID = clientID
	sess.Scopes = scopes
	snapshot := *sess
	m.mu.Unlock()

	return m.persist(ctx, &snapshot)
}

// Delete removes a session. Deleting an unknown id succeeds; DELETE /mcp is
// idempotent.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	_, existed := m.active[id]
	delete(m.active, id)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.Delete(ctx, []string{sessionsPrefix, id}); err != nil {
			return fmt.Errorf("failed to delete persisted session: %w", err)
		}
	}
	if existed {
		m.auditor.Record(ctx, audit.Event{
			Type:      audit.EventSessionDeleted,
			Outcome:   audit.OutcomeSuccess,
			SessionID: id,
		})
	}
	return nil
}

// CleanupExpired evicts sessions past their idle deadline. Persisted records
// are left behind with a short TTL so a returning client gets "expired"
// rather than "not found".
func (m *Manager) CleanupExpired(ctx context.Context) {
	now := m.now()

	m.mu.Lock()
	var evicted []string
	for id, sess := range m.active {
		if sess.Expired(now) {
			delete(m.active, id)
			evicted = append(evicted, id)
		}
	}
	m.mu.Unlock()

	for _, id := range evicted {
		logger.Infow("session expired", "session_id", id)
		m.auditor.Record(ctx, audit.Event{
			Type:      audit.EventSessionDeleted,
			Outcome:   audit.OutcomeSuccess,
			SessionID: id,
			Details:   map[string]any{"reason": "expired"},
		})
		if m.onEvict != nil {
			m.onEvict(id)
		}
	}

	switch sweeper := m.store.(type) {
	case interface{ Sweep() }:
		sweeper.Sweep()
	case interface{ Sweep(context.Context) error }:
		if err := sweeper.Sweep(ctx); err != nil {
			logger.Debugw("kv sweep failed", "error", err)
		}
	}
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// Stop stops the cleanup ticker. Safe to call more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Manager) persist(ctx context.Context, sess *Session) error {
	if m.store == nil {
		return nil
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	ttl := time.Duration(persistedRetention) * m.cfg.Timeout
	return m.store.Set(ctx, []string{sessionsPrefix, sess.ID}, raw, ttl)
}
