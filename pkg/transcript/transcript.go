// Package transcript records the conversation as interleaved user and
// assistant turns.
package transcript

import (
	"context"
	"sync"
	"time"
)

// Speaker roles as the backend reports them.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultMemCap bounds the in-memory store.
const DefaultMemCap = 200

// Entry is one finalized conversation turn.
type Entry struct {
	Role      string
	Text      string
	Timestamp time.Time
}

// Store persists conversation turns. Implementations are safe for
// concurrent use.
type Store interface {
	// Append records one turn.
	Append(ctx context.Context, sessionID string, entry Entry) error

	// Recent returns up to limit of the latest turns for sessionID,
	// ordered chronologically (oldest first).
	Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error)
}

// MemStore keeps the most recent turns per session in a bounded ring.
// It is the default store when no database is configured.
type MemStore struct {
	cap int

	mu       sync.Mutex
	sessions map[string][]Entry
}

var _ Store = (*MemStore)(nil)

// NewMemStore creates a MemStore holding up to capacity turns per session.
// A non-positive capacity uses [DefaultMemCap].
func NewMemStore(capacity int) *MemStore {
	if capacity <= 0 {
		capacity = DefaultMemCap
	}
	return &MemStore{cap: capacity, sessions: make(map[string][]Entry)}
}

// Append implements [Store]. The oldest turn is evicted once the session
// reaches capacity.
func (m *MemStore) Append(_ context.Context, sessionID string, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := append(m.sessions[sessionID], entry)
	if len(entries) > m.cap {
		entries = entries[len(entries)-m.cap:]
	}
	m.sessions[sessionID] = entries
	return nil
}

// Recent implements [Store].
func (m *MemStore) Recent(_ context.Context, sessionID string, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.sessions[sessionID]
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out, nil
}
