// Package strategy holds the pure decision functions of the EMA/VWAP session:
// bias at the signal time, the fast-EMA touch entry and the exit rules.
package strategy

import (
	"errors"
	"time"
)

type Bias string

const (
	BiasUnset Bias = ""
	Bullish   Bias = "BULLISH"
	Bearish   Bias = "BEARISH"
	Neutral   Bias = "NEUTRAL"
)

type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

type ExitReason string

const (
	ForceClose ExitReason = "FORCE_CLOSE"
	TakeProfit ExitReason = "TAKE_PROFIT"
	StopLoss   ExitReason = "STOP_LOSS"
)

// ErrIndicatorUndefined is returned when a decision needs an indicator that has
// not been seeded yet. Callers defer the decision to the next bar.
var ErrIndicatorUndefined = errors.New("indicator undefined")

type EntrySignal struct {
	Direction Direction
	Price     float64
	Time      time.Time
	Reason    string
}

type ExitSignal struct {
	Reason ExitReason
	Price  float64
	Time   time.Time
}

// OpenPosition is what the exit rules need to know about a held position.
type OpenPosition struct {
	Direction  Direction
	EntryPrice float64
}
