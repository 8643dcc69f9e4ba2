package extraction

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimited spaces out calls to an adapter.
type RateLimited struct {
	next    Adapter
	limiter *rate.Limiter
}

// NewRateLimited allows perMinute calls per minute with a burst of one.
// perMinute <= 0 returns next unchanged.
func NewRateLimited(next Adapter, perMinute int) Adapter {
	if perMinute <= 0 {
		return next
	}
	return &RateLimited{
		next:    next,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1),
	}
}

func (r *RateLimited) Extract(ctx context.Context, req Request) (*Response, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.next.Extract(ctx, req)
}
