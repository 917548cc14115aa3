// internal/borrowing/clock.go
package borrowing

import "time"

// Clock supplies the current time to the lifecycle operations.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC at the precision Postgres stores.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }
