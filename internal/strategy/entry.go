package strategy

import (
	"math"

	"optionsbot/internal/md"
)

// EntryWatcher fires once per session when a bar trades through the fast EMA.
type EntryWatcher struct {
	// TouchBand widens the bar range by this fraction of the close. Zero
	// means the fast EMA must sit inside [low, high].
	TouchBand float64
	fired     bool
}

func (w *EntryWatcher) CheckTouch(bar md.Bar, bias Bias, fastEMA float64) (EntrySignal, bool) {
	if w.fired || math.IsNaN(fastEMA) {
		return EntrySignal{}, false
	}
	var direction Direction
	switch bias {
	case Bullish:
		direction = Long
	case Bearish:
		direction = Short
	default:
		return EntrySignal{}, false
	}

	band := w.TouchBand * bar.Close
	if fastEMA < bar.Low-band || fastEMA > bar.High+band {
		return EntrySignal{}, false
	}

	w.fired = true
	return EntrySignal{
		Direction: direction,
		Price:     fastEMA,
		Time:      bar.Timestamp,
		Reason:    "fast_ema_touch",
	}, true
}

func (w *EntryWatcher) Fired() bool {
	return w.fired
}

// Disarm stops the watcher for the rest of the session.
func (w *EntryWatcher) Disarm() {
	w.fired = true
}

func (w *EntryWatcher) Reset() {
	w.fired = false
}
