package indicator

// EMA is an incrementally updated exponential moving average seeded with the
// first observed value.
type EMA struct {
	period int
	k      float64
	value  float64
	seeded bool
}

func NewEMA(period int) *EMA {
	return &EMA{
		period: period,
		k:      2 / float64(period+1),
	}
}

func (e *EMA) Update(value float64) float64 {
	if !e.seeded {
		e.value = value
		e.seeded = true
		return e.value
	}
	e.value += e.k * (value - e.value)
	return e.value
}

func (e *EMA) Value() (float64, bool) {
	return e.value, e.seeded
}

func (e *EMA) Period() int {
	return e.period
}

func (e *EMA) Reset() {
	e.value = 0
	e.seeded = false
}
