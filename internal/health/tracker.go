package health

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the circuit.
	FailureThreshold int
	// FailureWindow bounds how long a failure streak stays relevant.
	FailureWindow time.Duration
	// Cooldown is the initial open duration. It doubles each time a
	// half-open probe fails, up to MaxCooldown.
	Cooldown    time.Duration
	MaxCooldown time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		FailureWindow:    60 * time.Second,
		Cooldown:         60 * time.Second,
		MaxCooldown:      10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = d.FailureWindow
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = d.MaxCooldown
	}
	return c
}

// Tracker gates backend eligibility with one circuit per backend id.
// Each circuit has its own lock; recording a failure on one backend never
// blocks eligibility checks on another.
type Tracker struct {
	mu       sync.RWMutex // guards the map and config, not the circuits
	cfg      Config
	circuits map[string]*circuit
	logger   *zap.Logger
	now      func() time.Time

	// OnTransition, when set, observes every state change.
	onTransition func(backend string, from, to State)
}

type circuit struct {
	mu           sync.Mutex
	state        State
	failures     int
	firstFailure time.Time
	openUntil    time.Time
	cooldown     time.Duration
	probeTaken   bool
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func WithTransitionHook(fn func(backend string, from, to State)) Option {
	return func(t *Tracker) { t.onTransition = fn }
}

func NewTracker(cfg Config, logger *zap.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		cfg:      cfg.withDefaults(),
		circuits: map[string]*circuit{},
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// UpdateConfig applies hot-reloaded thresholds. Existing circuit states are
// preserved; new thresholds apply from the next recorded event.
func (t *Tracker) UpdateConfig(cfg Config) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg = cfg.withDefaults()
}

func (t *Tracker) config() Config {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cfg
}

func (t *Tracker) circuit(id string) *circuit {
	t.mu.RLock()
	c, ok := t.circuits[id]
	t.mu.RUnlock()
	if ok {
		return c
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok = t.circuits[id]; ok {
		return c
	}
	c = &circuit{state: StateClosed, cooldown: t.cfg.Cooldown}
	t.circuits[id] = c
	return c
}

// RecordSuccess closes a half-open circuit and resets the failure streak.
func (t *Tracker) RecordSuccess(id string) {
	cfg := t.config()
	c := t.circuit(id)
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		c.failures = 0
	case StateHalfOpen:
		t.transition(id, c, StateClosed)
		c.failures = 0
		c.cooldown = cfg.Cooldown
		c.probeTaken = false
	}
}

// RecordFailure counts a failure. Enough consecutive failures inside the
// window open the circuit; a failed half-open probe reopens it with a
// doubled (capped) cooldown.
func (t *Tracker) RecordFailure(id string) {
	cfg := t.config()
	c := t.circuit(id)
	c.mu.Lock()
	defer c.mu.Unlock()

	now := t.now()

	switch c.state {
	case StateClosed:
		if c.failures == 0 || now.Sub(c.firstFailure) > cfg.FailureWindow {
			c.failures = 0
			c.firstFailure = now
		}
		c.failures++
		if c.failures >= cfg.FailureThreshold {
			c.cooldown = cfg.Cooldown
			c.openUntil = now.Add(c.cooldown)
			t.transition(id, c, StateOpen)
		}

	case StateHalfOpen:
		c.cooldown = min(c.cooldown*2, cfg.MaxCooldown)
		c.openUntil = now.Add(c.cooldown)
		c.probeTaken = false
		t.transition(id, c, StateOpen)

	case StateOpen:
		// Late failure from a request dispatched before the trip.
	}
}

// IsEligible reports whether the backend could receive a request right now:
// closed, past its cooldown, or half-open with the probe still unclaimed.
// It never changes state, so health reporting and candidate filtering can
// call it freely; dispatch paths claim the probe with AcquireProbe.
func (t *Tracker) IsEligible(id string) bool {
	c := t.circuit(id)
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		return true
	case StateOpen:
		return !t.now().Before(c.openUntil)
	case StateHalfOpen:
		return !c.probeTaken
	}
	return false
}

// AcquireProbe claims the right to dispatch to the backend. Closed circuits
// always grant it. An open circuit whose cooldown has elapsed moves to
// half-open and grants exactly one probe; the caller must resolve the probe
// with RecordSuccess or RecordFailure. Everything else is refused.
func (t *Tracker) AcquireProbe(id string) bool {
	c := t.circuit(id)
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		return true

	case StateOpen:
		if t.now().Before(c.openUntil) {
			return false
		}
		t.transition(id, c, StateHalfOpen)
		c.probeTaken = true
		return true

	case StateHalfOpen:
		if c.probeTaken {
			return false
		}
		c.probeTaken = true
		return true
	}
	return false
}

// ReleaseProbe returns an unresolved probe. Callers that acquired a probe
// but never got a verdict from the backend (e.g. the dispatch was refused
// locally) use this instead of RecordSuccess or RecordFailure.
func (t *Tracker) ReleaseProbe(id string) {
	c := t.circuit(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateHalfOpen {
		c.probeTaken = false
	}
}

// StateOf returns the current circuit state without side effects.
func (t *Tracker) StateOf(id string) State {
	c := t.circuit(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns every tracked backend's state, for health reporting.
func (t *Tracker) Snapshot() map[string]State {
	t.mu.RLock()
	ids := make([]string, 0, len(t.circuits))
	for id := range t.circuits {
		ids = append(ids, id)
	}
	t.mu.RUnlock()

	snap := make(map[string]State, len(ids))
	for _, id := range ids {
		snap[id] = t.StateOf(id)
	}
	return snap
}

// transition is called with the circuit lock held.
func (t *Tracker) transition(id string, c *circuit, to State) {
	from := c.state
	c.state = to

	t.logger.Info("circuit state change",
		zap.String("backend", id),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.Duration("cooldown", c.cooldown),
	)
	if t.onTransition != nil {
		t.onTransition(id, from, to)
	}
}
