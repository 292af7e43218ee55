// Package session holds the per-session poll state: the byte cursor into the
// status log and the completion shown once a task is done.
package session

import (
	"sync"
	"time"

	"github.com/andi/barkest/backend/models"
)

type entry struct {
	cursor     int64
	completion models.Completion
	touched    time.Time
}

// MemoryStore keeps session state in process memory. State is lost on
// restart and not shared between processes.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*entry
	now      func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*entry),
		now:      time.Now,
	}
}

func (m *MemoryStore) get(id string) *entry {
	e, ok := m.sessions[id]
	if !ok {
		e = &entry{}
		m.sessions[id] = e
	}
	e.touched = m.now()
	return e
}

func (m *MemoryStore) Cursor(sessionID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[sessionID]; ok {
		return e.cursor, nil
	}
	return 0, nil
}

func (m *MemoryStore) SetCursor(sessionID string, pos int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.get(sessionID).cursor = pos
	return nil
}

func (m *MemoryStore) Completion(sessionID string) (models.Completion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.sessions[sessionID]; ok {
		return e.completion, nil
	}
	return models.Completion{}, nil
}

func (m *MemoryStore) SetCompletion(sessionID string, c models.Completion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.get(sessionID).completion = c
	return nil
}

// PurgeExpired drops sessions not written to within ttl and returns how many
// were removed.
func (m *MemoryStore) PurgeExpired(ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-ttl)
	var n int64
	for id, e := range m.sessions {
		if e.touched.Before(cutoff) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of sessions with stored state.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
