// Package clock abstracts wall-clock time and recurring callbacks so TTL and
// projection logic can be stepped deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// Scheduler runs fn every interval until the returned cancel func is called.
// Cancel is idempotent and safe to call from inside fn.
type Scheduler interface {
	Every(interval time.Duration, fn func()) (cancel func())
}

// Real is the wall-clock implementation of Clock and Scheduler.
type Real struct{}

func (Real) Now() time.Time { return time.Now() }

func (Real) Every(interval time.Duration, fn func()) func() {
	if interval <= 0 {
		return func() {}
	}
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	var once sync.Once

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()

	return func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
		})
	}
}
