package metrics

import "sync"

// AsyncObserver decouples callers from a slow downstream observer by
// buffering events in a channel. Events are dropped when the buffer is
// full rather than blocking the pipeline.
type AsyncObserver struct {
	next Observer
	ch   chan MetricsEvent
	once sync.Once
	done chan struct{}
}

func NewAsyncObserver(next Observer, buffer int) *AsyncObserver {
	if buffer <= 0 {
		buffer = 256
	}
	a := &AsyncObserver{
		next: next,
		ch:   make(chan MetricsEvent, buffer),
		done: make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *AsyncObserver) loop() {
	for ev := range a.ch {
		a.next.Observe(ev)
	}
	close(a.done)
}

func (a *AsyncObserver) Observe(ev MetricsEvent) {
	select {
	case a.ch <- ev:
	default:
	}
}

// Close drains pending events and stops the worker.
func (a *AsyncObserver) Close() {
	a.once.Do(func() {
		close(a.ch)
		<-a.done
	})
}
