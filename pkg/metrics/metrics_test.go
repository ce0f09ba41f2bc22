package metrics

import "testing"

func TestMemoryObserverCountsAndLast(t *testing.T) {
	m := NewMemoryObserver()
	Emit(m, EventTurnStarted, 1, nil)
	Emit(m, EventTurnStarted, 1, map[string]string{"call": "x"})
	if m.Count(EventTurnStarted) != 2 {
		t.Fatalf("count = %d", m.Count(EventTurnStarted))
	}
	last, ok := m.Last(EventTurnStarted)
	if !ok || last.Labels["call"] != "x" {
		t.Fatalf("last = %+v ok=%v", last, ok)
	}
}

func TestEmitNilObserverIsSafe(t *testing.T) {
	Emit(nil, EventCallStarted, 1, nil)
}

func TestAsyncObserverDelivers(t *testing.T) {
	m := NewMemoryObserver()
	a := NewAsyncObserver(m, 8)
	for i := 0; i < 5; i++ {
		a.Observe(MetricsEvent{Name: EventTTSChunk})
	}
	a.Close()
	if m.Count(EventTTSChunk) != 5 {
		t.Fatalf("count = %d", m.Count(EventTTSChunk))
	}
}
