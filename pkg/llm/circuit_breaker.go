package llm

import (
	"context"
	"sync"
	"time"

	"github.com/voxlane/voxlane/pkg/metrics"
	"github.com/voxlane/voxlane/pkg/resilience"
)

// CircuitBreakerAdapter wraps an Adapter with rate-limit circuit breaking.
type CircuitBreakerAdapter struct {
	inner   Adapter
	breaker *resilience.CircuitBreaker
	obs     metrics.Observer
	open    bool
	mu      sync.Mutex
}

func NewCircuitBreakerAdapter(inner Adapter, breaker *resilience.CircuitBreaker) *CircuitBreakerAdapter {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(3, 30*time.Second)
	}
	return &CircuitBreakerAdapter{inner: inner, breaker: breaker}
}

func (a *CircuitBreakerAdapter) Name() string { return a.inner.Name() }

// SetObserver enables metrics emission for breaker events.
func (a *CircuitBreakerAdapter) SetObserver(obs metrics.Observer) { a.obs = obs }

func (a *CircuitBreakerAdapter) Generate(ctx context.Context, req Request) (Response, error) {
	if !a.breaker.Allow() {
		a.setOpen(true)
		a.record(metrics.EventBreakerDenied)
		return Response{}, &resilience.RateLimitError{}
	}
	a.setOpen(false)
	resp, err := a.inner.Generate(ctx, req)
	if err != nil {
		if resilience.IsRateLimit(err) {
			a.record(metrics.EventRateLimit)
		}
		a.breaker.OnError(err)
		return Response{}, err
	}
	a.breaker.OnSuccess()
	return resp, nil
}

func (a *CircuitBreakerAdapter) Stream(ctx context.Context, req Request) (<-chan string, error) {
	if !a.breaker.Allow() {
		a.setOpen(true)
		a.record(metrics.EventBreakerDenied)
		return nil, &resilience.RateLimitError{}
	}
	a.setOpen(false)
	ch, err := a.inner.Stream(ctx, req)
	if err != nil {
		if resilience.IsRateLimit(err) {
			a.record(metrics.EventRateLimit)
		}
		a.breaker.OnError(err)
		return nil, err
	}
	a.breaker.OnSuccess()
	return ch, nil
}

func (a *CircuitBreakerAdapter) record(name string) {
	if a.obs == nil {
		return
	}
	metrics.Emit(a.obs, name, 1, map[string]string{
		"provider":  a.inner.Name(),
		"component": "llm",
	})
}

func (a *CircuitBreakerAdapter) setOpen(open bool) {
	a.mu.Lock()
	changed := a.open != open
	a.open = open
	a.mu.Unlock()
	if !changed {
		return
	}
	if open {
		a.record(metrics.EventBreakerOpen)
		return
	}
	a.record(metrics.EventBreakerClose)
}
