package backend

import (
	"sync"
	"time"
)

// UsageTracker keeps per-backend request and token counts over a rolling
// one-minute window. Counters back both capacity saturation checks (RPM/TPM)
// and the usage-based routing strategy. Each backend has its own lock so
// unrelated traffic never serializes.
type UsageTracker struct {
	mu      sync.RWMutex // guards the map, not the windows
	windows map[string]*usageWindow
	now     func() time.Time
}

type usageWindow struct {
	mu       sync.Mutex
	start    time.Time
	requests int64
	tokens   int64
}

func NewUsageTracker() *UsageTracker {
	return &UsageTracker{
		windows: map[string]*usageWindow{},
		now:     time.Now,
	}
}

func (t *UsageTracker) window(id string) *usageWindow {
	t.mu.RLock()
	w, ok := t.windows[id]
	t.mu.RUnlock()
	if ok {
		return w
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if w, ok = t.windows[id]; ok {
		return w
	}
	w = &usageWindow{start: t.now()}
	t.windows[id] = w
	return w
}

// Record adds one request and its token count to the backend's window.
func (t *UsageTracker) Record(id string, tokens int64) {
	w := t.window(id)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.roll(t.now())
	w.requests++
	w.tokens += tokens
}

// Usage returns the request and token counts in the current window.
func (t *UsageTracker) Usage(id string) (requests, tokens int64) {
	w := t.window(id)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.roll(t.now())
	return w.requests, w.tokens
}

// Saturated reports whether the backend has exhausted its configured
// per-minute request or token capacity.
func (t *UsageTracker) Saturated(d *Descriptor) bool {
	if d.RPM == 0 && d.TPM == 0 {
		return false
	}
	requests, tokens := t.Usage(d.ID)
	if d.RPM > 0 && requests >= d.RPM {
		return true
	}
	if d.TPM > 0 && tokens >= d.TPM {
		return true
	}
	return false
}

// roll resets the window when a minute has elapsed. Windows reset
// independently per backend.
func (w *usageWindow) roll(now time.Time) {
	if now.Sub(w.start) >= time.Minute {
		w.start = now
		w.requests = 0
		w.tokens = 0
	}
}
