package resilience

import (
	"sync"

	"github.com/polaris-platform/polaris-core/pkg/events"
	"github.com/polaris-platform/polaris-core/pkg/logging"
)

// Registry lazily creates and shares circuit breakers by name. All breakers
// publish to the registry's bus, so subscribers see state changes from every
// dependency through one subscription.
type Registry struct {
	mutex    sync.RWMutex
	breakers map[string]*CircuitBreaker
	defaults CircuitBreakerConfig
	bus      *events.Bus
	logger   *logging.Logger
}

// NewRegistry creates a registry whose breakers share the given defaults.
func NewRegistry(defaults CircuitBreakerConfig, bus *events.Bus, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.GetLogger()
	}
	if bus == nil {
		bus = events.NewBus(logger)
	}
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		defaults: defaults,
		bus:      bus,
		logger:   logger,
	}
}

// GetBreaker returns the breaker for the named dependency, creating it on
// first use.
func (r *Registry) GetBreaker(name string) *CircuitBreaker {
	r.mutex.RLock()
	cb, exists := r.breakers[name]
	r.mutex.RUnlock()

	if exists {
		return cb
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	// Double-check: another goroutine may have created it
	if cb, exists = r.breakers[name]; exists {
		return cb
	}

	config := r.defaults
	config.Name = name
	cb = NewCircuitBreaker(config, r.bus, r.logger)
	r.breakers[name] = cb
	return cb
}

// Names returns the names of all breakers created so far.
func (r *Registry) Names() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	return names
}

// States returns a snapshot of every breaker's state.
func (r *Registry) States() map[string]CircuitState {
	r.mutex.RLock()
	breakers := make(map[string]*CircuitBreaker, len(r.breakers))
	for name, cb := range r.breakers {
		breakers[name] = cb
	}
	r.mutex.RUnlock()

	states := make(map[string]CircuitState, len(breakers))
	for name, cb := range breakers {
		states[name] = cb.State()
	}
	return states
}

// Reset discards all breakers.
func (r *Registry) Reset() {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.breakers = make(map[string]*CircuitBreaker)
}
