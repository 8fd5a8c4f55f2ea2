// Package clock abstracts wall-clock time so polling loops can be driven
// deterministically in tests.
//
// Production code uses Real(). Tests use NewFakeClock(), whose Sleep returns
// immediately after advancing fake time.
package clock

import "time"

// Clock provides the time operations used by the polling loops.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// Since returns the time elapsed since t.
	Since(t time.Time) time.Duration

	// Sleep pauses the calling goroutine for at least duration d.
	Sleep(d time.Duration)
}
