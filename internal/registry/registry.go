// Package registry multiplexes service providers by kind and capability.
// Selection filters by capability, drops providers with open breakers, then
// picks within the best (lowest) priority tier by strategy.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"ciris/internal/clock"
	"ciris/internal/logging"
	"ciris/internal/types"
)

var (
	ErrNoProvider   = errors.New("registry: no healthy provider available")
	ErrNotRegistered = errors.New("registry: provider not registered")
)

// Registration binds one provider instance to a service kind.
type Registration struct {
	Name         string
	Kind         types.ServiceKind
	Priority     int // lower is preferred
	Capabilities []string
	Strategy     types.SelectionStrategy
	Provider     interface{}

	breaker *CircuitBreaker
	// load counts in-flight invocations for LEAST_LOADED selection.
	loadMu sync.Mutex
	load   int
}

// BreakerState exposes the provider's breaker position.
func (r *Registration) BreakerState() types.BreakerState {
	return r.breaker.State()
}

// RecordSuccess feeds the breaker after a successful invocation.
func (r *Registration) RecordSuccess() { r.breaker.RecordSuccess() }

// RecordFailure feeds the breaker after a failed invocation.
func (r *Registration) RecordFailure() { r.breaker.RecordFailure() }

// Acquire marks an in-flight invocation.
func (r *Registration) Acquire() {
	r.loadMu.Lock()
	r.load++
	r.loadMu.Unlock()
}

// Release ends an in-flight invocation.
func (r *Registration) Release() {
	r.loadMu.Lock()
	if r.load > 0 {
		r.load--
	}
	r.loadMu.Unlock()
}

func (r *Registration) currentLoad() int {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	return r.load
}

func (r *Registration) hasCapability(cap string) bool {
	if cap == "" {
		return true
	}
	for _, c := range r.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Registry is the process-wide provider directory.
type Registry struct {
	mu         sync.RWMutex
	providers  map[types.ServiceKind][]*Registration
	rrCounters map[types.ServiceKind]int

	breakerThreshold int
	breakerCooldown  time.Duration
	clk              clock.Clock
}

// New builds a registry with the given breaker tuning.
func New(breakerThreshold int, breakerCooldown time.Duration, clk clock.Clock) *Registry {
	return &Registry{
		providers:        make(map[types.ServiceKind][]*Registration),
		rrCounters:       make(map[types.ServiceKind]int),
		breakerThreshold: breakerThreshold,
		breakerCooldown:  breakerCooldown,
		clk:              clk,
	}
}

// Register adds a provider. Each provider gets its own breaker.
func (reg *Registry) Register(r *Registration) error {
	if r.Name == "" || r.Kind == "" || r.Provider == nil {
		return fmt.Errorf("registry: name, kind and provider required")
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	for _, existing := range reg.providers[r.Kind] {
		if existing.Name == r.Name {
			return fmt.Errorf("registry: %s/%s already registered", r.Kind, r.Name)
		}
	}

	r.breaker = NewCircuitBreaker(reg.breakerThreshold, reg.breakerCooldown, reg.clk)
	reg.providers[r.Kind] = append(reg.providers[r.Kind], r)
	sort.SliceStable(reg.providers[r.Kind], func(i, j int) bool {
		return reg.providers[r.Kind][i].Priority < reg.providers[r.Kind][j].Priority
	})
	logging.Registry("registered %s/%s priority=%d caps=%v", r.Kind, r.Name, r.Priority, r.Capabilities)
	return nil
}

// Unregister removes a provider by kind and name.
func (reg *Registry) Unregister(kind types.ServiceKind, name string) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	list := reg.providers[kind]
	for i, r := range list {
		if r.Name == name {
			reg.providers[kind] = append(list[:i], list[i+1:]...)
			logging.Registry("unregistered %s/%s", kind, name)
			return nil
		}
	}
	return fmt.Errorf("%w: %s/%s", ErrNotRegistered, kind, name)
}

// Get selects one provider: capability filter, open breakers dropped, best
// priority tier, then the tier's strategy breaks ties.
func (reg *Registry) Get(kind types.ServiceKind, capability string) (*Registration, error) {
	candidates := reg.Candidates(kind, capability)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: kind=%s capability=%q", ErrNoProvider, kind, capability)
	}
	return candidates[0], nil
}

// Candidates returns every selectable provider in invocation order: the
// preferred tier ordered by strategy, then the remaining tiers by priority
// as fallbacks.
func (reg *Registry) Candidates(kind types.ServiceKind, capability string) []*Registration {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	var eligible []*Registration
	for _, r := range reg.providers[kind] {
		if !r.hasCapability(capability) {
			continue
		}
		if !r.breaker.Allow() {
			logging.RegistryWarn("skipping %s/%s: breaker %s", kind, r.Name, r.breaker.State())
			continue
		}
		eligible = append(eligible, r)
	}
	if len(eligible) == 0 {
		return nil
	}

	// The list is priority-sorted; reorder only the leading tier.
	tierEnd := 1
	for tierEnd < len(eligible) && eligible[tierEnd].Priority == eligible[0].Priority {
		tierEnd++
	}
	tier := eligible[:tierEnd]

	switch tier[0].Strategy {
	case types.SelectRoundRobin:
		offset := reg.rrCounters[kind] % len(tier)
		reg.rrCounters[kind]++
		rotated := make([]*Registration, 0, len(tier))
		rotated = append(rotated, tier[offset:]...)
		rotated = append(rotated, tier[:offset]...)
		copy(tier, rotated)
	case types.SelectLeastLoaded:
		sort.SliceStable(tier, func(i, j int) bool {
			return tier[i].currentLoad() < tier[j].currentLoad()
		})
	}

	return eligible
}

// Broadcast returns every selectable provider of a kind, ignoring priority
// tiers. Wisdom guidance fan-out uses this.
func (reg *Registry) Broadcast(kind types.ServiceKind, capability string) []*Registration {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	var out []*Registration
	for _, r := range reg.providers[kind] {
		if r.hasCapability(capability) && r.breaker.State() != types.BreakerOpen {
			out = append(out, r)
		}
	}
	return out
}

// All returns every registration of a kind regardless of breaker state.
// Telemetry uses this so unhealthy providers still appear in snapshots.
func (reg *Registry) All(kind types.ServiceKind) []*Registration {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]*Registration, len(reg.providers[kind]))
	copy(out, reg.providers[kind])
	return out
}

// Kinds returns the service kinds with at least one registration.
func (reg *Registry) Kinds() []types.ServiceKind {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	kinds := make([]types.ServiceKind, 0, len(reg.providers))
	for k, list := range reg.providers {
		if len(list) > 0 {
			kinds = append(kinds, k)
		}
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
