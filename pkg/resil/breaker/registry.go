package breaker

import (
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Registry hands out one breaker per named dependency. Constructed at
// startup and injected; there is no process-wide instance.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	cfg      Config
	clock    clock.Clock
	log      *zap.Logger

	transitions *prometheus.CounterVec
}

// NewRegistry creates a registry with a shared default config. reg may be
// nil to disable metric export.
func NewRegistry(cfg Config, clk clock.Clock, log *zap.Logger, reg prometheus.Registerer) *Registry {
	r := &Registry{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
		clock:    clk,
		log:      log,
	}
	if reg != nil {
		r.transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "breaker_transitions_total",
			Help: "Circuit breaker state transitions by breaker and target state.",
		}, []string{"breaker", "to"})
		reg.MustRegister(r.transitions)
	}
	return r
}

// Get returns the breaker for a dependency, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = New(name, r.cfg, r.clock, r.log)
		b.onTransition = r.observe
		r.breakers[name] = b
	}
	return b
}

// GetWithConfig creates a breaker with a per-dependency config override.
// If a breaker is already registered under name, it is returned unchanged
// and cfg is ignored.
func (r *Registry) GetWithConfig(name string, cfg Config) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = New(name, cfg, r.clock, r.log)
		b.onTransition = r.observe
		r.breakers[name] = b
	}
	return b
}

func (r *Registry) observe(name string, _, to State) {
	if r.transitions != nil {
		r.transitions.WithLabelValues(name, to.String()).Inc()
	}
}
