package queue

import (
	"math"
	"math/rand"
	"time"

	"github.com/forgebay/runnerd/pkg/config"
)

// backoff computes the delay before the next retry attempt, per
// spec.md §4.3: delay = min(cap, base * factor^(attempts-1)) * jitter.
func backoff(cfg config.RetryConfig, attempts int, rng *rand.Rand) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	base := float64(cfg.BaseMS)
	cap := float64(cfg.CapMS)
	raw := base * math.Pow(cfg.Factor, float64(attempts-1))
	if raw > cap {
		raw = cap
	}
	jitterMin, jitterMax := cfg.JitterMin, cfg.JitterMax
	if jitterMax <= jitterMin {
		jitterMax = jitterMin
	}
	jitter := jitterMin + rng.Float64()*(jitterMax-jitterMin)
	return time.Duration(raw*jitter) * time.Millisecond
}
