package engine

import "time"

// Clock abstracts wall time so tests can drive timestamps and day
// resets deterministically.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }
