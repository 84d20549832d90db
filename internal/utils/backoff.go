package utils

import (
	"math/rand"
	"time"
)

// Backoff computes exponential retry delays: Base doubled per attempt,
// capped at Cap. With Jitter enabled the delay is drawn uniformly from
// [0, computed) to spread out retry storms.
type Backoff struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter bool
}

// Delay returns the wait before the given attempt. Attempt counts from 0.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}

	d := b.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if b.Cap > 0 && d >= b.Cap {
			d = b.Cap
			break
		}
	}
	if b.Cap > 0 && d > b.Cap {
		d = b.Cap
	}

	if b.Jitter && d > 0 {
		d = time.Duration(rand.Int63n(int64(d)))
	}

	return d
}
