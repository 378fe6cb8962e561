// File path: internal/session/memo.go
package session

import "sync"

// memoTable is the explicit compute-or-cached map behind the view's lazy
// derived values.
type memoTable struct {
	mu     sync.Mutex
	values map[string]interface{}
}

func newMemoTable() *memoTable {
	return &memoTable{values: make(map[string]interface{})}
}

func (m *memoTable) get(key string) (interface{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	got, ok := m.values[key]
	return got, ok
}

// put stores the value unless a concurrent build already did, in which case
// the stored value is returned so every caller sees the same result.
func (m *memoTable) put(key string, value interface{}) interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prior, ok := m.values[key]; ok {
		return prior
	}
	m.values[key] = value
	return value
}
