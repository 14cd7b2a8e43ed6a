package credential

import "time"

// Timer is the handle returned by Clock.AfterFunc.
type Timer interface {
	Stop() bool
}

// Clock abstracts time so renewal scheduling can be tested without sleeping.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// SystemClock is the wall clock.
type SystemClock struct{}

var _ Clock = SystemClock{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

func (SystemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
