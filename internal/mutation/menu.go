package mutation

import "sync"

// MenuState is the single-selection options menu. The zero value has no
// menu open.
type MenuState struct {
	mu     sync.Mutex
	openID string
}

// Toggle opens the menu for id, closing any other; toggling the open id
// closes it. It returns the id now open, empty when none.
func (m *MenuState) Toggle(id string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openID == id {
		m.openID = ""
	} else {
		m.openID = id
	}
	return m.openID
}

func (m *MenuState) closeIf(id string) {
	m.mu.Lock()
	if m.openID == id {
		m.openID = ""
	}
	m.mu.Unlock()
}
