package runner

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type fakeDrainer struct {
	drained atomic.Bool
	block   chan struct{}
}

func (d *fakeDrainer) Drain() error {
	if d.block != nil {
		<-d.block
	}
	d.drained.Store(true)
	return nil
}

func TestRunStopsOnContextCancel(t *testing.T) {
	d := &fakeDrainer{}
	var started, stopped atomic.Bool
	r := NewLifecycleRunner(d, Hooks{
		OnStart: func() { started.Store(true) },
		OnStop:  func() { stopped.Store(true) },
	}, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for r.State() != StateRunning && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !started.Load() {
		t.Fatal("OnStart not invoked")
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	if !d.drained.Load() || !stopped.Load() {
		t.Fatal("drain or OnStop skipped")
	}
	if r.State() != StateStopped {
		t.Fatalf("state = %v, want stopped", r.State())
	}
}

func TestStopTimesOutOnStuckDrain(t *testing.T) {
	d := &fakeDrainer{block: make(chan struct{})}
	r := NewLifecycleRunner(d, Hooks{}, 20*time.Millisecond)
	go func() { _ = r.Run(context.Background()) }()

	deadline := time.Now().Add(time.Second)
	for r.State() != StateRunning && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if err := r.Stop(); err == nil {
		t.Fatal("Stop should report the drain timeout")
	}
	close(d.block)
}

func TestRunRejectsReuse(t *testing.T) {
	r := NewLifecycleRunner(nil, Hooks{}, time.Second)
	_ = r.Stop()
	if err := r.Run(context.Background()); err == nil {
		t.Fatal("Run after Stop should fail")
	}
}
