package engine

import "time"

// Clock supplies wall-clock instants for capture timestamps, report timings
// and watermark bookkeeping.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real time in UTC.
type SystemClock struct{}

// Now returns the current time in UTC.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
