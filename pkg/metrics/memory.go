package metrics

import "sync"

// MemoryObserver keeps counts and last values in memory. Useful in
// tests and for the debug endpoint.
type MemoryObserver struct {
	mu     sync.Mutex
	counts map[string]int
	last   map[string]MetricsEvent
}

func NewMemoryObserver() *MemoryObserver {
	return &MemoryObserver{
		counts: make(map[string]int),
		last:   make(map[string]MetricsEvent),
	}
}

func (m *MemoryObserver) Observe(ev MetricsEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[ev.Name]++
	m.last[ev.Name] = ev
}

func (m *MemoryObserver) Count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[name]
}

func (m *MemoryObserver) Last(name string) (MetricsEvent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.last[name]
	return ev, ok
}
