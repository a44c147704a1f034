package router

import (
	"math/rand"
	"sync"
	"time"
)

// Backoff computes retry delays: base * 2^attempt with ±Jitter applied,
// capped at Max. The randomness source is injected so tests can fix it.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // fraction of the delay, e.g. 0.2 for ±20%

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewBackoff(base, max time.Duration, src rand.Source) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &Backoff{
		Base:   base,
		Max:    max,
		Jitter: 0.2,
		rnd:    rand.New(src),
	}
}

// Delay returns the wait before retrying after the given attempt
// (0 = first attempt failed).
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := b.Base << uint(attempt)
	if d > b.Max || d <= 0 { // <= 0 on shift overflow
		d = b.Max
	}

	if b.Jitter > 0 {
		b.mu.Lock()
		f := b.rnd.Float64() // [0, 1)
		b.mu.Unlock()
		// Spread the delay across [1-Jitter, 1+Jitter].
		d = time.Duration(float64(d) * (1 - b.Jitter + 2*b.Jitter*f))
	}
	return d
}
