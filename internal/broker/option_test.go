package broker

import (
	"testing"
	"time"
)

func TestOCCSymbol(t *testing.T) {
	exp := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	if got := OCCSymbol("SPY", exp, Call, 450); got != "SPY240315C00450000" {
		t.Fatalf("unexpected symbol %s", got)
	}
	if got := OCCSymbol("SPY", exp, Put, 449.5); got != "SPY240315P00449500" {
		t.Fatalf("unexpected symbol %s", got)
	}
}

func TestOptionSelectorRoundsToIncrement(t *testing.T) {
	selector := OptionSelector{Underlying: "SPY", DTE: 14, StrikeIncrement: 0.5}
	// Monday 2024-03-04 + 14 days is Monday 2024-03-18.
	today := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

	contract, err := selector.Select(Call, 449.3, today)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if contract.Strike != 449.5 {
		t.Fatalf("expected strike 449.5, got %.2f", contract.Strike)
	}
	if contract.Symbol != "SPY240318C00449500" {
		t.Fatalf("unexpected symbol %s", contract.Symbol)
	}
}

func TestOptionSelectorOffsetMovesOutOfTheMoney(t *testing.T) {
	selector := OptionSelector{Underlying: "SPY", DTE: 0, StrikeIncrement: 1, StrikeOffset: 2}
	today := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

	call, err := selector.Select(Call, 450.2, today)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	put, err := selector.Select(Put, 450.2, today)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if call.Strike != 452 || put.Strike != 448 {
		t.Fatalf("expected call 452 and put 448, got %.2f and %.2f", call.Strike, put.Strike)
	}
}

func TestOptionSelectorSkipsWeekend(t *testing.T) {
	selector := OptionSelector{Underlying: "SPY", DTE: 5, StrikeIncrement: 1}
	// Monday + 5 days is Saturday, rolled to Monday 2024-03-11.
	today := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	contract, err := selector.Select(Put, 450, today)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if contract.Expiration.Weekday() != time.Monday || contract.Expiration.Day() != 11 {
		t.Fatalf("expected Monday the 11th, got %s", contract.Expiration)
	}
}

func TestOptionSelectorRejectsBadPrice(t *testing.T) {
	selector := OptionSelector{Underlying: "SPY", DTE: 1, StrikeIncrement: 1}
	if _, err := selector.Select(Call, 0, time.Now()); err == nil {
		t.Fatalf("expected error for zero price")
	}
}
