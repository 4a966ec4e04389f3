package engine

import "time"

// Clock stamps committed transactions.
//
// Timestamps are informational only. Ordering comes from log positions,
// which the store assigns, never from wall-clock time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time {
	return time.Now()
}
