// Package indicator maintains the fast EMA, slow EMA and session VWAP that
// drive the session state machine.
package indicator

import (
	"time"

	"optionsbot/internal/md"
)

type State struct {
	FastEMA        float64
	SlowEMA        float64
	VWAP           float64
	FastReady      bool
	SlowReady      bool
	VWAPReady      bool
	CumVolume      float64
	CumVolumePrice float64
	Bars           int
	LastTimestamp  time.Time
}

// Ready reports whether all three indicators have been seeded.
func (s State) Ready() bool {
	return s.FastReady && s.SlowReady && s.VWAPReady
}

type Engine struct {
	fast  *EMA
	slow  *EMA
	vwap  VWAP
	state State
}

func NewEngine(fastPeriod, slowPeriod int) *Engine {
	return &Engine{
		fast: NewEMA(fastPeriod),
		slow: NewEMA(slowPeriod),
	}
}

// Update applies one bar. Bars must arrive in strictly increasing timestamp
// order; anything else is rejected without touching the state.
func (e *Engine) Update(bar md.Bar) (State, error) {
	if !e.state.LastTimestamp.IsZero() {
		switch {
		case bar.Timestamp.Equal(e.state.LastTimestamp):
			return e.state, &md.DataError{Kind: md.Duplicate, Symbol: bar.Symbol, Timestamp: bar.Timestamp}
		case bar.Timestamp.Before(e.state.LastTimestamp):
			return e.state, &md.DataError{
				Kind:      md.OutOfOrder,
				Symbol:    bar.Symbol,
				Timestamp: bar.Timestamp,
				Detail:    "previous " + e.state.LastTimestamp.Format(time.RFC3339),
			}
		}
	}

	e.fast.Update(bar.Close)
	e.slow.Update(bar.Close)
	e.vwap.Update(bar.TypicalPrice(), bar.Volume)

	e.state.FastEMA, e.state.FastReady = e.fast.Value()
	e.state.SlowEMA, e.state.SlowReady = e.slow.Value()
	e.state.VWAP, e.state.VWAPReady = e.vwap.Value()
	e.state.CumVolume, e.state.CumVolumePrice = e.vwap.Totals()
	e.state.Bars++
	e.state.LastTimestamp = bar.Timestamp
	return e.state, nil
}

func (e *Engine) State() State {
	return e.state
}

// ResetSession clears the session accumulators. EMAs survive only when
// carryEMA is set; the ordering guard always survives so a late bar from the
// previous session is still rejected.
func (e *Engine) ResetSession(carryEMA bool) {
	e.vwap.Reset()
	last := e.state.LastTimestamp
	if !carryEMA {
		e.fast.Reset()
		e.slow.Reset()
	}
	e.state = State{LastTimestamp: last}
	e.state.FastEMA, e.state.FastReady = e.fast.Value()
	e.state.SlowEMA, e.state.SlowReady = e.slow.Value()
}
