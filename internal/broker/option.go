package broker

import (
	"fmt"
	"math"
	"time"
)

type OptionRight byte

const (
	Call OptionRight = 'C'
	Put  OptionRight = 'P'
)

type OptionContract struct {
	Underlying string
	Expiration time.Time
	Strike     float64
	Right      OptionRight
	Symbol     string
}

// OptionSelector picks the contract bought on entry: the strike nearest the
// underlying price, shifted out of the money by StrikeOffset increments, at the
// first weekday expiration on or after DTE calendar days.
type OptionSelector struct {
	Underlying      string
	DTE             int
	StrikeIncrement float64
	StrikeOffset    int
}

func (s OptionSelector) Select(right OptionRight, underlyingPrice float64, today time.Time) (OptionContract, error) {
	if underlyingPrice <= 0 {
		return OptionContract{}, fmt.Errorf("select option: invalid underlying price %.4f", underlyingPrice)
	}
	increment := s.StrikeIncrement
	if increment <= 0 {
		increment = 0.5
	}
	atm := math.Round(underlyingPrice/increment) * increment
	strike := atm + float64(s.StrikeOffset)*increment
	if right == Put {
		strike = atm - float64(s.StrikeOffset)*increment
	}
	if strike <= 0 {
		return OptionContract{}, fmt.Errorf("select option: strike %.2f out of range", strike)
	}

	expiration := nextWeekday(today.AddDate(0, 0, s.DTE))
	return OptionContract{
		Underlying: s.Underlying,
		Expiration: expiration,
		Strike:     strike,
		Right:      right,
		Symbol:     OCCSymbol(s.Underlying, expiration, right, strike),
	}, nil
}

// OCCSymbol formats the OSI option symbol, e.g. SPY240315C00450000.
func OCCSymbol(underlying string, expiration time.Time, right OptionRight, strike float64) string {
	return fmt.Sprintf("%s%s%c%08d", underlying, expiration.Format("060102"), right, int64(math.Round(strike*1000)))
}

func nextWeekday(t time.Time) time.Time {
	switch t.Weekday() {
	case time.Saturday:
		return t.AddDate(0, 0, 2)
	case time.Sunday:
		return t.AddDate(0, 0, 1)
	}
	return t
}
