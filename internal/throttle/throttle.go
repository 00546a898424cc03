package throttle

import (
	"context"

	"golang.org/x/time/rate"
)

// Throttle is a token bucket shared by every connection. The zero value and
// a nil *Throttle let everything through.
type Throttle struct {
	limiter *rate.Limiter
}

// New returns a throttle allowing bytesPerSecond. Zero or less disables
// throttling.
func New(bytesPerSecond int) *Throttle {
	if bytesPerSecond <= 0 {
		return &Throttle{}
	}
	return &Throttle{limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), bytesPerSecond)}
}

func (t *Throttle) Enabled() bool {
	return t != nil && t.limiter != nil
}

// Take blocks until a permit for up to want bytes is available and returns
// its size.
func (t *Throttle) Take(ctx context.Context, want int) (int, error) {
	if want <= 0 {
		return 0, nil
	}
	if !t.Enabled() {
		return want, nil
	}

	n := min(want, t.limiter.Burst())
	if err := t.limiter.WaitN(ctx, n); err != nil {
		return 0, err
	}
	return n, nil
}
