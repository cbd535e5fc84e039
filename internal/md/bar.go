package md

import (
	"fmt"
	"time"
)

type Bar struct {
	Symbol    string
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// End is the instant the bar is complete and observable.
func (b Bar) End(interval time.Duration) time.Time {
	return b.Timestamp.Add(interval)
}

func (b Bar) TypicalPrice() float64 {
	return (b.High + b.Low + b.Close) / 3
}

func (b Bar) Validate() error {
	switch {
	case b.Timestamp.IsZero():
		return &DataError{Kind: MissingField, Symbol: b.Symbol, Detail: "timestamp"}
	case b.Open <= 0 || b.High <= 0 || b.Low <= 0 || b.Close <= 0:
		return &DataError{Kind: MissingField, Symbol: b.Symbol, Timestamp: b.Timestamp, Detail: "non-positive price"}
	case b.High < b.Low:
		return &DataError{Kind: MissingField, Symbol: b.Symbol, Timestamp: b.Timestamp, Detail: "high below low"}
	case b.Volume < 0:
		return &DataError{Kind: MissingField, Symbol: b.Symbol, Timestamp: b.Timestamp, Detail: "negative volume"}
	}
	return nil
}

type DataErrorKind string

const (
	OutOfOrder   DataErrorKind = "out_of_order"
	Duplicate    DataErrorKind = "duplicate"
	MissingField DataErrorKind = "missing_field"
)

// DataError reports a bar that must be discarded.
type DataError struct {
	Kind      DataErrorKind
	Symbol    string
	Timestamp time.Time
	Detail    string
}

func (e *DataError) Error() string {
	msg := fmt.Sprintf("bad bar %s symbol=%s", e.Kind, e.Symbol)
	if !e.Timestamp.IsZero() {
		msg += " ts=" + e.Timestamp.Format(time.RFC3339)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}
