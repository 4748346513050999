package llm

import (
	"context"
	"time"

	"github.com/sage-x-project/sage-paywall/resilience"
)

// Guarded bounds each call with a timeout and stops calling a provider that
// keeps failing until the breaker's cooldown passes.
type Guarded struct {
	inner   Client
	breaker *resilience.Breaker
	timeout time.Duration
}

// NewGuarded wraps c; a nil c stays nil so callers keep their fallback path.
func NewGuarded(c Client, timeout time.Duration) Client {
	if c == nil {
		return nil
	}
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &Guarded{
		inner:   c,
		breaker: resilience.NewBreaker(resilience.BreakerConfig{Name: "pricing-model", Threshold: 3, Cooldown: 30 * time.Second}),
		timeout: timeout,
	}
}

func (g *Guarded) Chat(ctx context.Context, system, user string) (string, error) {
	var out string
	err := g.breaker.Do(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		var err error
		out, err = g.inner.Chat(ctx, system, user)
		return err
	})
	return out, err
}
