package strategy

import "optionsbot/internal/indicator"

// BiasResolver classifies price against the three indicators once per session.
type BiasResolver struct {
	bias     Bias
	resolved bool
}

// Resolve returns the cached bias after the first successful call.
func (r *BiasResolver) Resolve(price float64, st indicator.State) (Bias, error) {
	if r.resolved {
		return r.bias, nil
	}
	if !st.Ready() {
		return BiasUnset, ErrIndicatorUndefined
	}
	r.bias = Classify(price, st)
	r.resolved = true
	return r.bias, nil
}

func (r *BiasResolver) Bias() Bias {
	return r.bias
}

func (r *BiasResolver) Resolved() bool {
	return r.resolved
}

// Restore marks the resolver as already resolved, used when a session is
// reloaded from a checkpoint.
func (r *BiasResolver) Restore(bias Bias) {
	r.bias = bias
	r.resolved = bias != BiasUnset
}

func (r *BiasResolver) Reset() {
	r.bias = BiasUnset
	r.resolved = false
}

// Classify is the all-three rule: strictly above every indicator is bullish,
// strictly below every indicator is bearish, anything mixed is neutral.
func Classify(price float64, st indicator.State) Bias {
	switch {
	case price > st.FastEMA && price > st.SlowEMA && price > st.VWAP:
		return Bullish
	case price < st.FastEMA && price < st.SlowEMA && price < st.VWAP:
		return Bearish
	default:
		return Neutral
	}
}
