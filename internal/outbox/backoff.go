package outbox

import (
	"math/rand/v2"
	"time"
)

const (
	backoffBase = time.Second
	backoffCap  = 5 * time.Minute
)

// nextBackoff returns the delay before retry number attempt (1-based).
// Exponential with a hard cap, plus up to 25% jitter so retries from a
// burst of failures do not land on the same poll tick.
func nextBackoff(attempt int32) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := backoffBase
	for i := int32(1); i < attempt && d < backoffCap; i++ {
		d *= 2
	}
	if d > backoffCap {
		d = backoffCap
	}
	return d + rand.N(d/4+1)
}
