package recovery

import (
	"math"
	"time"
)

// backoff is the per-strategy schedule. delay(n) is the wait after the
// n-th failed attempt (n starts at 1).
type backoff interface {
	delay(n int) time.Duration
	maxAttempts() int
	// suspendOnExhaustion reports whether running out of attempts suspends
	// the connection instead of just abandoning the action.
	suspendOnExhaustion() bool
}

type immediate struct{ attempts int }

func (b immediate) delay(int) time.Duration   { return 0 }
func (b immediate) maxAttempts() int          { return b.attempts }
func (b immediate) suspendOnExhaustion() bool { return false }

type exponential struct {
	initial  time.Duration
	factor   float64
	max      time.Duration
	attempts int
}

func (b exponential) delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(b.initial) * math.Pow(b.factor, float64(n-1))
	if d > float64(b.max) || math.IsInf(d, 0) || math.IsNaN(d) {
		return b.max
	}
	return time.Duration(d)
}
func (b exponential) maxAttempts() int          { return b.attempts }
func (b exponential) suspendOnExhaustion() bool { return false }

type linear struct {
	initial  time.Duration
	step     time.Duration
	max      time.Duration
	attempts int
}

func (b linear) delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := b.initial + time.Duration(n-1)*b.step
	if d > b.max || d < 0 {
		return b.max
	}
	return d
}
func (b linear) maxAttempts() int          { return b.attempts }
func (b linear) suspendOnExhaustion() bool { return false }

type circuit struct{ exponential }

func (b circuit) suspendOnExhaustion() bool { return true }

var backoffs = map[Strategy]backoff{
	StrategyImmediate:   immediate{attempts: 3},
	StrategyExponential: exponential{initial: time.Second, factor: 2, max: 300 * time.Second, attempts: 5},
	StrategyLinear:      linear{initial: 5 * time.Second, step: 5 * time.Second, max: 60 * time.Second, attempts: 10},
	StrategyCircuit: circuit{exponential{
		initial: 30 * time.Second, factor: 1.5, max: 600 * time.Second, attempts: 3,
	}},
}

func backoffFor(s Strategy) backoff {
	if b, ok := backoffs[s]; ok {
		return b
	}
	return backoffs[StrategyImmediate]
}

// Delay returns the wait after the n-th failed attempt of strategy s.
func Delay(s Strategy, n int) time.Duration { return backoffFor(s).delay(n) }

// MaxAttempts returns the attempt budget of strategy s.
func MaxAttempts(s Strategy) int { return backoffFor(s).maxAttempts() }
