package worker

import (
	"errors"
	"math/rand"
	"time"
)

// errAborted is returned when a backoff wait is interrupted by a run-fatal error elsewhere in the pool
var errAborted = errors.New("run aborted")

// RetryPolicy bounds the attempts made for one operation
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
	Jitter   bool
}

// Backoff returns the wait after the given failed attempt (1-based): Base doubled per attempt,
// capped at Max. With Jitter the result is drawn from [d/2, d].
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 || p.Base <= 0 {
		return 0
	}

	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.Max > 0 && d >= p.Max {
			break
		}
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}

	if p.Jitter && d > 1 {
		half := d / 2
		d = half + time.Duration(rand.Int63n(int64(d-half)+1))
	}
	return d
}

// sleep waits for d unless abort is closed first
func sleep(d time.Duration, abort <-chan struct{}) error {
	if d <= 0 {
		select {
		case <-abort:
			return errAborted
		default:
			return nil
		}
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-abort:
		return errAborted
	}
}
