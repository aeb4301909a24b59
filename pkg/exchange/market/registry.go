package market

import (
	"fmt"
	"sync"

	"github.com/fundcast/engine/pkg/exchange/types"
)

// Registry manages all markets in a thread-safe manner. Lifecycle
// transitions go through the coordinator's per-market writer; the registry
// only guards the map itself.
type Registry struct {
	mu      sync.RWMutex
	markets map[types.MarketID]*Market
}

func NewRegistry() *Registry {
	return &Registry{markets: make(map[types.MarketID]*Market)}
}

// Register adds a new market. Returns an error if the id is taken or the
// spec is invalid.
func (r *Registry) Register(m *Market) error {
	if m == nil {
		return fmt.Errorf("cannot register nil market")
	}
	if err := m.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.markets[m.ID]; exists {
		return fmt.Errorf("market %s already registered", m.ID)
	}
	r.markets[m.ID] = m
	return nil
}

func (r *Registry) Get(id types.MarketID) (*Market, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, exists := r.markets[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownMarket, id)
	}
	return m, nil
}

// List returns a snapshot copy of all markets.
func (r *Registry) List() []*Market {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Market, 0, len(r.markets))
	for _, m := range r.markets {
		out = append(out, m)
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.markets)
}
