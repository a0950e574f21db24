package models

import "time"

// Clock supplies the current time. Injected wherever timestamps or timeouts
// matter so tests can control it.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
