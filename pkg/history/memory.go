package history

import "sync"

// MemoryStore keeps transcripts in process memory. Used by tests and by
// ephemeral sessions that opt out of persistence.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string][]Item
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string][]Item)}
}

// Append adds an item to its session's transcript.
func (s *MemoryStore) Append(item Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.SessionID] = append(s.items[item.SessionID], item)
	return nil
}

// Items returns a copy of the session transcript in insertion order.
func (s *MemoryStore) Items(sessionID string) ([]Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := s.items[sessionID]
	out := make([]Item, len(items))
	copy(out, items)
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
