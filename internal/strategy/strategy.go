package strategy

import (
	"tradefleet/internal/models"
)

// Strategy is the single decision-logic contract shared by the backtest
// simulator and the live runner: given a data window and the carried
// indicator state, emit a trade signal. Implementations must be pure with
// respect to (window, state) so a run can be replayed deterministically.
type Strategy interface {
	Name() string
	Version() string

	// WarmUp is the minimum number of candles required before the
	// strategy can produce a signal. Callers must not request signals
	// from shorter windows.
	WarmUp() int

	// ComputeSignal reads the window (ascending, the last candle is the
	// current one) and the carried state, mutates state, and returns the
	// desired position for the next period.
	ComputeSignal(window []models.Candle, state *State) (models.TradeSignal, error)
}

// State carries a strategy's indicator state between calls. It is explicit
// and serializable so live runners can checkpoint it and tests can inspect
// it; there is no hidden global state.
type State struct {
	Direction models.Direction   `json:"direction"`
	Values    map[string]float64 `json:"values,omitempty"`
}

// NewState returns a flat, empty state.
func NewState() *State {
	return &State{Direction: models.Flat, Values: make(map[string]float64)}
}

// SetValue records a named indicator value. The map is allocated lazily so
// a state decoded from JSON with `values` omitted is still usable.
func (s *State) SetValue(key string, v float64) {
	if s.Values == nil {
		s.Values = make(map[string]float64)
	}
	s.Values[key] = v
}

// Clone returns a deep copy.
func (s *State) Clone() *State {
	cp := &State{Direction: s.Direction, Values: make(map[string]float64, len(s.Values))}
	for k, v := range s.Values {
		cp.Values[k] = v
	}
	return cp
}

func paramOr(params map[string]float64, key string, def float64) float64 {
	if v, ok := params[key]; ok {
		return v
	}
	return def
}
