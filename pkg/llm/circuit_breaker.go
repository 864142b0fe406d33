package llm

import (
	"context"
	"time"

	"github.com/harunnryd/voxbridge/pkg/metrics"
	"github.com/harunnryd/voxbridge/pkg/resilience"
)

// CircuitBreakerGenerator stops calling a generator that keeps answering
// with rate limits. Rejected calls fail fast with a RateLimitError so the
// bot apologizes instead of waiting out the reply timeout.
type CircuitBreakerGenerator struct {
	inner   Generator
	breaker *resilience.CircuitBreaker
	obs     metrics.Observer
}

func NewCircuitBreakerGenerator(inner Generator, breaker *resilience.CircuitBreaker) *CircuitBreakerGenerator {
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(3, 30*time.Second)
	}
	g := &CircuitBreakerGenerator{inner: inner, breaker: breaker}
	breaker.OnStateChange = func(open bool) {
		if open {
			g.record(metrics.EventBreakerOpen)
			return
		}
		g.record(metrics.EventBreakerClose)
	}
	return g
}

func (g *CircuitBreakerGenerator) Name() string { return g.inner.Name() }

// SetObserver must be called before the first Generate.
func (g *CircuitBreakerGenerator) SetObserver(obs metrics.Observer) { g.obs = obs }

func (g *CircuitBreakerGenerator) Generate(ctx context.Context, input Context) (Response, error) {
	if !g.breaker.Allow() {
		g.record(metrics.EventBreakerDenied)
		return Response{}, resilience.RateLimitError{Provider: g.Name(), Message: "generator degraded"}
	}
	resp, err := g.inner.Generate(ctx, input)
	if err != nil {
		if resilience.IsRateLimit(err) {
			g.record(metrics.EventRateLimit)
		}
		g.breaker.OnError(err)
		return Response{}, err
	}
	g.breaker.OnSuccess()
	return resp, nil
}

func (g *CircuitBreakerGenerator) record(name string) {
	metrics.Record(g.obs, name, 1, map[string]string{"provider": g.inner.Name(), "component": "llm"})
}
