// Package market holds market metadata and the lifecycle state machine.
package market

import (
	"fmt"
	"time"

	"github.com/fundcast/engine/pkg/exchange/types"
)

type Kind int8

const (
	Binary Kind = iota
	Categorical
	Scalar
)

func (k Kind) String() string {
	switch k {
	case Binary:
		return "binary"
	case Categorical:
		return "categorical"
	default:
		return "scalar"
	}
}

type Engine int8

const (
	EngineOrderBook Engine = iota
	EngineAMM
)

func (e Engine) String() string {
	if e == EngineAMM {
		return "amm"
	}
	return "order-book"
}

type State int8

const (
	Draft State = iota
	Active
	Paused
	Resolved
	Cancelled
)

func (s State) String() string {
	switch s {
	case Draft:
		return "draft"
	case Active:
		return "active"
	case Paused:
		return "paused"
	case Resolved:
		return "resolved"
	default:
		return "cancelled"
	}
}

// Resolution records the outcome of a resolved market. For binary and
// categorical markets Outcome indexes the winning label; for scalar
// markets Value is the resolved measurement within [LowerBound, UpperBound].
type Resolution struct {
	Outcome int   `json:"outcome"`
	Value   int64 `json:"value"`
}

// Market is created by an operator and mutates only on lifecycle
// transitions. Resolved and cancelled markets are retained for audit,
// never destroyed.
type Market struct {
	ID             types.MarketID `json:"id"`
	Question       string         `json:"question"`
	Kind           Kind           `json:"kind"`
	Engine         Engine         `json:"engine"`
	State          State          `json:"state"`
	Outcomes       []string       `json:"outcomes"`
	PositionCap    int64          `json:"position_cap"`
	AccreditedOnly bool           `json:"accredited_only"`
	CloseTime      time.Time      `json:"close_time"`
	ResolverID     types.UserID   `json:"resolver_id"`
	Resolution     *Resolution    `json:"resolution,omitempty"`

	// Scalar payoff bounds; the resolved value is interpolated linearly
	// between them onto the tick grid.
	LowerBound int64 `json:"lower_bound,omitempty"`
	UpperBound int64 `json:"upper_bound,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Validate checks a market spec at creation time.
func (m *Market) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("market id required")
	}
	if len(m.Outcomes) < 2 {
		return fmt.Errorf("market %s needs at least 2 outcomes, got %d", m.ID, len(m.Outcomes))
	}
	if m.Kind == Binary && len(m.Outcomes) != 2 {
		return fmt.Errorf("binary market %s must have exactly 2 outcomes", m.ID)
	}
	if m.Kind == Scalar && len(m.Outcomes) != 2 {
		return fmt.Errorf("scalar market %s must have exactly 2 outcomes (long, short)", m.ID)
	}
	if m.Kind == Scalar && m.UpperBound <= m.LowerBound {
		return fmt.Errorf("scalar market %s bounds invalid: [%d, %d]", m.ID, m.LowerBound, m.UpperBound)
	}
	if m.Engine == EngineAMM && m.Kind != Binary {
		return fmt.Errorf("amm engine supports binary markets only, market %s is %s", m.ID, m.Kind)
	}
	if m.PositionCap < 0 {
		return fmt.Errorf("market %s position cap cannot be negative", m.ID)
	}
	return nil
}

// Tradable reports whether orders may be admitted.
func (m *Market) Tradable() bool { return m.State == Active }

// CanTransition validates the lifecycle FSM:
// draft -> active, active <-> paused, active|paused -> resolved,
// any non-resolved -> cancelled.
func (m *Market) CanTransition(to State) error {
	from := m.State
	ok := false
	switch to {
	case Active:
		ok = from == Draft || from == Paused
	case Paused:
		ok = from == Active
	case Resolved:
		ok = from == Active || from == Paused
	case Cancelled:
		ok = from != Resolved && from != Cancelled
	}
	if !ok {
		return fmt.Errorf("%w: %s -> %s for market %s", types.ErrBadTransition, from, to, m.ID)
	}
	return nil
}

// PayoutVector maps the recorded resolution onto ticks per share per
// outcome. Winner-take-all markets pay PriceScale on the winning outcome
// and zero elsewhere; scalar markets interpolate the resolved value
// linearly between the bounds for outcome 0 and pay the complement on
// outcome 1.
func (m *Market) PayoutVector() ([]int64, error) {
	if m.Resolution == nil {
		return nil, fmt.Errorf("market %s has no resolution", m.ID)
	}
	payouts := make([]int64, len(m.Outcomes))
	if m.Kind == Scalar {
		v := m.Resolution.Value
		if v < m.LowerBound {
			v = m.LowerBound
		}
		if v > m.UpperBound {
			v = m.UpperBound
		}
		long := (v - m.LowerBound) * types.PriceScale / (m.UpperBound - m.LowerBound)
		payouts[0] = long
		payouts[1] = types.PriceScale - long
		return payouts, nil
	}
	w := m.Resolution.Outcome
	if w < 0 || w >= len(m.Outcomes) {
		return nil, fmt.Errorf("market %s resolution outcome %d out of range", m.ID, w)
	}
	payouts[w] = types.PriceScale
	return payouts, nil
}
