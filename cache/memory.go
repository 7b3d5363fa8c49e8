package cache

import "sync"

// Memory keeps verdicts for the life of the process.
type Memory struct {
	mu       sync.RWMutex
	verdicts map[Key]*Verdict
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{verdicts: make(map[Key]*Verdict)}
}

func (m *Memory) Get(key Key) (*Verdict, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.verdicts[key]
	if !ok {
		return nil, ErrNotFound
	}
	c := *v
	return &c, nil
}

func (m *Memory) Put(key Key, v *Verdict) error {
	c := *v
	m.mu.Lock()
	m.verdicts[key] = &c
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored verdicts.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.verdicts)
}

func (m *Memory) Close() error { return nil }
