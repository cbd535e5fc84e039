package strategy

import (
	"time"

	"optionsbot/internal/clock"
	"optionsbot/internal/indicator"
	"optionsbot/internal/md"
)

type TakeProfitMode string

const (
	// Intrabar takes profit when the bar's favourable excursion reaches the target.
	Intrabar TakeProfitMode = "intrabar"
	// OnClose only counts the closing price.
	OnClose TakeProfitMode = "close"
)

// priceEpsilon absorbs float noise when comparing a gain with the target.
const priceEpsilon = 1e-9

type PositionMonitor struct {
	ForceCloseAt clock.TimeOfDay
	Location     *time.Location
	ProfitTarget float64
	Mode         TakeProfitMode
}

// Evaluate applies the exit rules in precedence order: force-close, then
// take-profit, then stop-loss on the bar close.
func (m PositionMonitor) Evaluate(bar md.Bar, pos OpenPosition, st indicator.State, now time.Time) (ExitSignal, bool) {
	if m.ForceCloseDue(now) {
		return ExitSignal{Reason: ForceClose, Price: bar.Close, Time: now}, true
	}

	if price, ok := m.takeProfitPrice(bar, pos); ok {
		return ExitSignal{Reason: TakeProfit, Price: price, Time: now}, true
	}

	if st.Ready() && StopLossHit(pos.Direction, bar.Close, st) {
		return ExitSignal{Reason: StopLoss, Price: bar.Close, Time: now}, true
	}
	return ExitSignal{}, false
}

func (m PositionMonitor) ForceCloseDue(now time.Time) bool {
	loc := m.Location
	if loc == nil {
		loc = time.UTC
	}
	return !now.Before(m.ForceCloseAt.On(now, loc))
}

func (m PositionMonitor) takeProfitPrice(bar md.Bar, pos OpenPosition) (float64, bool) {
	if m.ProfitTarget <= 0 {
		return 0, false
	}
	if m.Mode == OnClose {
		if UnrealizedPerContract(pos, bar.Close) >= m.ProfitTarget-priceEpsilon {
			return bar.Close, true
		}
		return 0, false
	}

	best := bar.High
	if pos.Direction == Short {
		best = bar.Low
	}
	if UnrealizedPerContract(pos, best) < m.ProfitTarget-priceEpsilon {
		return 0, false
	}
	if pos.Direction == Short {
		return pos.EntryPrice - m.ProfitTarget, true
	}
	return pos.EntryPrice + m.ProfitTarget, true
}

// StopLossHit reports whether close sits on the losing side of all three
// indicators for the given direction.
func StopLossHit(direction Direction, close float64, st indicator.State) bool {
	switch direction {
	case Long:
		return Classify(close, st) == Bearish
	case Short:
		return Classify(close, st) == Bullish
	}
	return false
}

// UnrealizedPerContract is the underlying move in the position's favour.
func UnrealizedPerContract(pos OpenPosition, price float64) float64 {
	if pos.Direction == Short {
		return pos.EntryPrice - price
	}
	return price - pos.EntryPrice
}
