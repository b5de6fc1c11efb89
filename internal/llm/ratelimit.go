package llm

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitedProvider blocks each Generate call until the limiter admits it.
type RateLimitedProvider struct {
	inner   Provider
	limiter *rate.Limiter
}

func NewRateLimitedProvider(inner Provider, requestsPerMinute int, burst int) *RateLimitedProvider {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 9
	}
	if burst <= 0 {
		burst = 1
	}
	every := rate.Every(time.Minute / time.Duration(requestsPerMinute))
	return &RateLimitedProvider{inner: inner, limiter: rate.NewLimiter(every, burst)}
}

func (p *RateLimitedProvider) Generate(ctx context.Context, req Request) (Reply, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return Reply{}, err
	}
	return p.inner.Generate(ctx, req)
}

func (p *RateLimitedProvider) Unwrap() Provider {
	return p.inner
}
