package router

import (
	"sort"
	"sync"
	"time"
)

// HealthTracker keeps one circuit breaker per provider id. Breakers are
// created on first use and dropped by Prune when a provider leaves the
// registry.
type HealthTracker struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker

	failureThreshold      int
	recoveryProbeInterval time.Duration
	onChange              func(provider string, state CircuitState)
}

func NewHealthTracker(failureThreshold int, recoveryProbeInterval time.Duration) *HealthTracker {
	return &HealthTracker{
		breakers:              make(map[string]*CircuitBreaker),
		failureThreshold:      failureThreshold,
		recoveryProbeInterval: recoveryProbeInterval,
	}
}

// OnChange registers fn to be called with a provider's state after every
// recorded outcome. It is used to export breaker state as a metric.
func (ht *HealthTracker) OnChange(fn func(provider string, state CircuitState)) {
	ht.onChange = fn
}

func (ht *HealthTracker) breaker(provider string) *CircuitBreaker {
	ht.mu.RLock()
	cb, ok := ht.breakers[provider]
	ht.mu.RUnlock()
	if ok {
		return cb
	}

	ht.mu.Lock()
	defer ht.mu.Unlock()
	if cb, ok := ht.breakers[provider]; ok {
		return cb
	}
	cb = NewCircuitBreaker(ht.failureThreshold, ht.recoveryProbeInterval)
	ht.breakers[provider] = cb
	return cb
}

// IsAvailable reports whether a call to provider may go out. A half-open
// breaker admits exactly one caller, so only ask when the call will be made.
func (ht *HealthTracker) IsAvailable(provider string) bool {
	return ht.breaker(provider).Allow()
}

// RecordSuccess closes the provider's breaker.
func (ht *HealthTracker) RecordSuccess(provider string) {
	cb := ht.breaker(provider)
	cb.RecordSuccess()
	ht.notify(provider, cb)
}

// RecordFailure counts a transport failure against the provider.
func (ht *HealthTracker) RecordFailure(provider string) {
	cb := ht.breaker(provider)
	cb.RecordFailure()
	ht.notify(provider, cb)
}

func (ht *HealthTracker) notify(provider string, cb *CircuitBreaker) {
	if ht.onChange != nil {
		ht.onChange(provider, cb.State())
	}
}

// Prune forgets breakers for providers keep rejects. Called after a config
// reload so removed providers stop showing up in health output.
func (ht *HealthTracker) Prune(keep func(provider string) bool) int {
	ht.mu.Lock()
	defer ht.mu.Unlock()
	removed := 0
	for id := range ht.breakers {
		if !keep(id) {
			delete(ht.breakers, id)
			removed++
		}
	}
	return removed
}

// ProviderHealth is a point-in-time view of one provider's breaker.
type ProviderHealth struct {
	Provider    string     `json:"provider"`
	State       string     `json:"state"`
	Failures    int        `json:"consecutive_failures"`
	LastFailure *time.Time `json:"last_failure,omitempty"`
}

// Snapshot returns the state of every breaker created so far, by provider.
func (ht *HealthTracker) Snapshot() []ProviderHealth {
	ht.mu.RLock()
	out := make([]ProviderHealth, 0, len(ht.breakers))
	for id, cb := range ht.breakers {
		h := ProviderHealth{Provider: id, State: cb.State().String()}
		var last time.Time
		h.Failures, last = cb.Stats()
		if !last.IsZero() {
			h.LastFailure = &last
		}
		out = append(out, h)
	}
	ht.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}
