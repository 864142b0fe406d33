package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/harunnryd/voxbridge/pkg/resilience"
)

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
	IsRetryable func(error) bool
	Sleep       func(time.Duration)
}

// RetryGenerator retries transient generation failures with exponential backoff.
type RetryGenerator struct {
	inner Generator
	cfg   RetryConfig
}

func NewRetryGenerator(inner Generator, cfg RetryConfig) *RetryGenerator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if cfg.IsRetryable == nil {
		cfg.IsRetryable = DefaultIsRetryable
	}
	if cfg.Sleep == nil {
		cfg.Sleep = time.Sleep
	}
	return &RetryGenerator{inner: inner, cfg: cfg}
}

func (g *RetryGenerator) Name() string { return g.inner.Name() }

func (g *RetryGenerator) Generate(ctx context.Context, input Context) (Response, error) {
	var lastErr error
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	for i := 0; i < g.cfg.MaxAttempts; i++ {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		resp, err := g.inner.Generate(ctx, input)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !g.cfg.IsRetryable(err) || i == g.cfg.MaxAttempts-1 {
			break
		}
		g.cfg.Sleep(backoffDelay(g.cfg.BaseDelay, g.cfg.MaxDelay, g.cfg.Jitter, i, r))
	}
	return Response{}, fmt.Errorf("llm retry failed: %w", lastErr)
}

// DefaultIsRetryable retries everything except cancellation and rate limits,
// which the circuit breaker handles.
func DefaultIsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !resilience.IsRateLimit(err)
}

func backoffDelay(base, max time.Duration, jitter float64, attempt int, r *rand.Rand) time.Duration {
	d := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	if d > max {
		d = max
	}
	if jitter > 0 {
		return d + time.Duration(float64(d)*jitter*r.Float64())
	}
	return d
}
