package messaging

import (
	"sync"
	"time"
)

// LocalState is the session-scoped persistence port for cleared-conversation
// markers and locally-read message ids. It exists so a reload inside the same
// session does not resurrect unread counts the user already dismissed; it is
// not a message store. Implementations: storage.Store (SQLite) and the
// in-memory state below.
type LocalState interface {
	// MarkCleared records that a conversation's unread count was cleared at
	// the given time. Messages created after that time still count as unread.
	MarkCleared(conversation string, clearedAt time.Time) error
	// ClearedAt returns the cleared marker for a conversation, if any.
	ClearedAt(conversation string) (time.Time, bool, error)
	// MarkMessageRead records a message key as locally read.
	MarkMessageRead(messageKey string) error
	// IsMessageRead reports whether a message key was locally read.
	IsMessageRead(messageKey string) (bool, error)
}

// MemoryState is a process-lifetime LocalState, used in tests and as the
// fallback when no store is available.
type MemoryState struct {
	mu      sync.Mutex
	cleared map[string]time.Time
	read    map[string]bool
}

// NewMemoryState creates an empty in-memory state.
func NewMemoryState() *MemoryState {
	return &MemoryState{
		cleared: make(map[string]time.Time),
		read:    make(map[string]bool),
	}
}

func (m *MemoryState) MarkCleared(conversation string, clearedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleared[conversation] = clearedAt
	return nil
}

func (m *MemoryState) ClearedAt(conversation string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.cleared[conversation]
	return at, ok, nil
}

func (m *MemoryState) MarkMessageRead(messageKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.read[messageKey] = true
	return nil
}

func (m *MemoryState) IsMessageRead(messageKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read[messageKey], nil
}
