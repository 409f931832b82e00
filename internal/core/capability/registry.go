package capability

import (
	"errors"
	"fmt"
	"sync"
)

// ErrRegistryFrozen is returned when a mutation is attempted while an
// execution holds the registry.
var ErrRegistryFrozen = errors.New("capability registry is frozen while executions are running")

// =============================================================================
// Registry
// =============================================================================

// Registry tracks which capabilities are enabled for upcoming executions.
// It is safe for concurrent use. While any holder from Acquire is live,
// every mutation fails with ErrRegistryFrozen.
type Registry struct {
	mu      sync.RWMutex
	enabled map[string]Config
	mode    Profile
	holders int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{enabled: make(map[string]Config)}
}

// NewRegistryForProfile returns a registry preloaded with a profile's
// recommended set.
func NewRegistryForProfile(p Profile) (*Registry, error) {
	r := NewRegistry()
	if err := r.SetDeploymentMode(p, true); err != nil {
		return nil, err
	}
	return r, nil
}

// Enable turns on name and, first, any prerequisites that are off. It
// returns the capabilities that changed state, in the order they were
// enabled. cfg replaces the overrides for name only.
func (r *Registry) Enable(name string, cfg Config) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.holders > 0 {
		return nil, ErrRegistryFrozen
	}
	order, err := ResolveOrder([]string{name})
	if err != nil {
		return nil, err
	}

	var added []string
	for _, n := range order {
		if _, ok := r.enabled[n]; !ok {
			r.enabled[n] = nil
			added = append(added, n)
		}
	}
	if cfg != nil {
		r.enabled[name] = cloneConfig(cfg)
	}
	return added, nil
}

// Disable turns off name and every enabled capability that depends on it.
// It returns the capabilities that changed state, name last.
func (r *Registry) Disable(name string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.holders > 0 {
		return nil, ErrRegistryFrozen
	}
	if !Known(name) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCapability, name)
	}
	if _, ok := r.enabled[name]; !ok {
		return nil, nil
	}

	within := make(map[string]bool, len(r.enabled))
	for n := range r.enabled {
		within[n] = true
	}
	removed := DependentsOf(name, within)
	removed = append(removed, name)
	for _, n := range removed {
		delete(r.enabled, n)
	}
	return removed, nil
}

// Has reports whether name is enabled.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.enabled[name]
	return ok
}

// Enabled returns the enabled names in resolved order.
func (r *Registry) Enabled() []string {
	return r.Snapshot().Names()
}

// Recommended returns a profile's recommended set.
func (r *Registry) Recommended(p Profile) ([]string, error) {
	return Recommended(p)
}

// Mode returns the profile last passed to SetDeploymentMode.
func (r *Registry) Mode() Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mode
}

// SetDeploymentMode records the profile. With autoConfigure the enabled
// set is replaced by exactly the profile's recommended set.
func (r *Registry) SetDeploymentMode(p Profile, autoConfigure bool) error {
	names, err := Recommended(p)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.holders > 0 {
		return ErrRegistryFrozen
	}
	r.mode = p
	if autoConfigure {
		r.enabled = make(map[string]Config, len(names))
		for _, n := range names {
			r.enabled[n] = nil
		}
	}
	return nil
}

// Snapshot returns an immutable copy of the enabled set.
func (r *Registry) Snapshot() Set {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := make(map[string]bool, len(r.enabled))
	for n := range r.enabled {
		set[n] = true
	}
	// The enabled set is prerequisite-closed, so sorting cannot fail.
	order, _ := topoSort(set)

	s := Set{order: order, configs: make(map[string]Config, len(order))}
	for _, n := range order {
		s.configs[n] = cloneConfig(r.enabled[n])
	}
	return s
}

// Acquire freezes the registry until the returned release func is called.
// Release is idempotent.
func (r *Registry) Acquire() (release func()) {
	r.mu.Lock()
	r.holders++
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			r.holders--
			r.mu.Unlock()
		})
	}
}

// Frozen reports whether any holder is live.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.holders > 0
}

// =============================================================================
// Report
// =============================================================================

// ReportEntry describes one catalog capability and whether it is enabled.
type ReportEntry struct {
	Definition
	Enabled bool   `json:"enabled"`
	Config  Config `json:"config,omitempty"`
}

// Report returns every catalog capability with its state, in catalog order.
func (r *Registry) Report() []ReportEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := Catalog()
	out := make([]ReportEntry, len(defs))
	for i, d := range defs {
		cfg, ok := r.enabled[d.Name]
		out[i] = ReportEntry{Definition: d, Enabled: ok, Config: cloneConfig(cfg)}
	}
	return out
}
