package backend

import (
	"fmt"
	"sort"
	"sync/atomic"
)

type Kind string

const (
	KindRemote    Kind = "remote"
	KindLocalPool Kind = "local-pool"
)

// Descriptor identifies one callable model backend. Immutable once
// registered; weight and capacity changes arrive as a full snapshot swap.
type Descriptor struct {
	ID       string
	Model    string // logical model name served by this backend
	Kind     Kind
	Endpoint string
	APIKey   string
	Weight   float64
	RPM      int64 // requests per minute, 0 = unlimited
	TPM      int64 // tokens per minute, 0 = unlimited
	// USD per one million tokens, for cost estimates and ledger rows.
	InputCostPerM  float64
	OutputCostPerM float64
}

// CostUSD estimates the cost of a call with the given token usage.
func (d *Descriptor) CostUSD(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)*d.InputCostPerM/1e6 + float64(outputTokens)*d.OutputCostPerM/1e6
}

// ConfigError reports one rejected registry entry. Invalid entries are
// dropped individually; valid siblings still apply.
type ConfigError struct {
	ID     string
	Index  int
	Reason string
}

func (e *ConfigError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("backend %q (entry %d): %s", e.ID, e.Index, e.Reason)
	}
	return fmt.Sprintf("backend entry %d: %s", e.Index, e.Reason)
}

type snapshot struct {
	byModel map[string][]*Descriptor // config order preserved per model
	byID    map[string]*Descriptor
}

// Registry is the backend catalog. Readers always see a complete snapshot;
// Reload swaps the whole view atomically.
type Registry struct {
	current atomic.Pointer[snapshot]
}

func NewRegistry() *Registry {
	r := &Registry{}
	r.current.Store(&snapshot{
		byModel: map[string][]*Descriptor{},
		byID:    map[string]*Descriptor{},
	})
	return r
}

// Reload validates entries and swaps the catalog. Returns the descriptors
// kept and one ConfigError per rejected entry.
func (r *Registry) Reload(entries []Descriptor) ([]*Descriptor, []*ConfigError) {
	next := &snapshot{
		byModel: map[string][]*Descriptor{},
		byID:    map[string]*Descriptor{},
	}

	var kept []*Descriptor
	var rejected []*ConfigError
	for i := range entries {
		d := entries[i]
		if reason := validate(&d); reason != "" {
			rejected = append(rejected, &ConfigError{ID: d.ID, Index: i, Reason: reason})
			continue
		}
		if _, dup := next.byID[d.ID]; dup {
			rejected = append(rejected, &ConfigError{ID: d.ID, Index: i, Reason: "duplicate backend id"})
			continue
		}
		next.byID[d.ID] = &d
		next.byModel[d.Model] = append(next.byModel[d.Model], &d)
		kept = append(kept, &d)
	}

	r.current.Store(next)
	return kept, rejected
}

func validate(d *Descriptor) string {
	switch {
	case d.ID == "":
		return "missing id"
	case d.Model == "":
		return "missing model"
	case d.Kind != KindRemote && d.Kind != KindLocalPool:
		return fmt.Sprintf("unknown kind %q", d.Kind)
	case d.Endpoint == "":
		return "missing endpoint"
	case d.Weight < 0:
		return "negative weight"
	case d.RPM < 0 || d.TPM < 0:
		return "negative capacity limit"
	}
	return ""
}

// List returns the backends serving a logical model, in configured order.
func (r *Registry) List(model string) []*Descriptor {
	return r.current.Load().byModel[model]
}

func (r *Registry) Get(id string) (*Descriptor, bool) {
	d, ok := r.current.Load().byID[id]
	return d, ok
}

// Models returns the logical model names with at least one backend, sorted.
func (r *Registry) Models() []string {
	snap := r.current.Load()
	models := make([]string, 0, len(snap.byModel))
	for m := range snap.byModel {
		models = append(models, m)
	}
	sort.Strings(models)
	return models
}

// All returns every registered backend sorted by id.
func (r *Registry) All() []*Descriptor {
	snap := r.current.Load()
	all := make([]*Descriptor, 0, len(snap.byID))
	for _, d := range snap.byID {
		all = append(all, d)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all
}
