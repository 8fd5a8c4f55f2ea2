// Package retry provides the bounded fixed-interval polling used by checks
// that wait for a cluster to converge.
package retry

import (
	"errors"
	"time"

	"github.com/NavarchProject/clustercheck/pkg/clock"
)

// ErrStop ends polling immediately with a failed outcome. Checks wrap it
// (fmt.Errorf("...: %w", ErrStop)) when they observe a state that no amount
// of waiting can fix.
var ErrStop = errors.New("stop polling")

// Policy bounds a polling loop.
type Policy struct {
	// MaxAttempts is the maximum number of check invocations.
	// A value of 0 means no attempt limit; MaxElapsed must then be set.
	MaxAttempts int

	// MaxElapsed stops the loop once this much time has passed since the
	// first invocation. A check already running is not interrupted.
	// A value of 0 means no time limit.
	MaxElapsed time.Duration

	// Interval is the fixed sleep between two invocations.
	Interval time.Duration

	// Clock is the clock used for sleeping. If nil, uses real time.
	Clock clock.Clock
}

// Outcome is the result of a polling loop.
type Outcome[T any] struct {
	// Value is what the last invocation returned.
	Value T

	// OK reports whether the check succeeded within the policy bounds.
	OK bool

	// Attempts is the number of invocations performed.
	Attempts int

	// Stopped reports that the check returned ErrStop.
	Stopped bool
}

// Poll invokes check until it reports done, the policy is exhausted, or the
// check returns an error.
//
// Success on the k-th invocation returns after k-1 sleeps. Exhaustion after N
// invocations returns OK=false with the last value and N-1 sleeps; there is
// no sleep after the final attempt. An error wrapping ErrStop ends the loop
// with OK=false and a nil error. Any other error is returned as is.
func Poll[T any](p Policy, check func() (T, bool, error)) (Outcome[T], error) {
	clk := p.Clock
	if clk == nil {
		clk = clock.Real()
	}

	var out Outcome[T]
	start := clk.Now()

	for {
		value, done, err := check()
		out.Attempts++
		out.Value = value

		if err != nil {
			if errors.Is(err, ErrStop) {
				out.Stopped = true
				return out, nil
			}
			return out, err
		}
		if done {
			out.OK = true
			return out, nil
		}

		if p.MaxAttempts > 0 && out.Attempts >= p.MaxAttempts {
			return out, nil
		}
		if p.MaxElapsed > 0 && clk.Since(start)+p.Interval >= p.MaxElapsed {
			return out, nil
		}
		if p.MaxAttempts <= 0 && p.MaxElapsed <= 0 {
			// Unbounded policies degrade to a single attempt.
			return out, nil
		}

		clk.Sleep(p.Interval)
	}
}
