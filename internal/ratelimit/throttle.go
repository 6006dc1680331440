package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Throttle caps the emails per second sent across a whole tick, shared by
// every worker
type Throttle struct {
	limiter *rate.Limiter
}

// NewThrottle creates a throttle. perSecond <= 0 disables it.
func NewThrottle(perSecond float64, burst int) *Throttle {
	if perSecond <= 0 {
		return &Throttle{}
	}
	if burst < 1 {
		burst = 1
	}
	return &Throttle{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Wait blocks until one send is permitted or ctx is done
func (t *Throttle) Wait(ctx context.Context) error {
	if t == nil || t.limiter == nil {
		return nil
	}
	return t.limiter.Wait(ctx)
}

// Interval is the minimum spacing between sends once the burst is spent
func (t *Throttle) Interval() time.Duration {
	if t == nil || t.limiter == nil {
		return 0
	}
	return time.Duration(float64(time.Second) / float64(t.limiter.Limit()))
}
