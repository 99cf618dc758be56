package processor

import "math"

// BackoffPolicy shapes the adaptive idle backoff: after n consecutive empty
// polls a processor skips Skips(n) scheduler ticks before polling again. The
// series is multiplicative and saturates at MaxSkip; any non-empty fetch
// resets it.
type BackoffPolicy struct {
	BaseSkip int
	Growth   float64
	MaxSkip  int
}

// DefaultBackoff polls again after 1 skipped tick, doubling up to 32.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{BaseSkip: 1, Growth: 2.0, MaxSkip: 32}
}

// growthExpCap bounds the exponent so the float math cannot overflow; MaxSkip
// saturates the result long before this matters for sane configurations.
const growthExpCap = 30

// Skips returns the number of ticks to skip after emptyPolls consecutive
// empty fetches. Zero or negative counts mean no backoff.
func (p BackoffPolicy) Skips(emptyPolls int) int {
	if emptyPolls <= 0 || p.BaseSkip <= 0 {
		return 0
	}
	exp := emptyPolls - 1
	if exp > growthExpCap {
		exp = growthExpCap
	}
	skip := float64(p.BaseSkip) * math.Pow(p.Growth, float64(exp))
	if skip > float64(p.MaxSkip) {
		return p.MaxSkip
	}
	return int(skip)
}
