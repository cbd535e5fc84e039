package engine

import (
	"errors"
	"fmt"
	"time"

	"optionsbot/internal/strategy"
)

type Phase int

const (
	AwaitingSignalTime Phase = iota
	AwaitingEntry
	InPosition
	Closed
)

func (p Phase) String() string {
	switch p {
	case AwaitingSignalTime:
		return "AWAITING_SIGNAL_TIME"
	case AwaitingEntry:
		return "AWAITING_ENTRY"
	case InPosition:
		return "IN_POSITION"
	case Closed:
		return "CLOSED"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

func parsePhase(value string) (Phase, error) {
	for p := AwaitingSignalTime; p <= Closed; p++ {
		if p.String() == value {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown phase %q", value)
}

// Position is the single open option position of a session. EntryPrice is the
// underlying reference price; FillPrice is the premium paid.
type Position struct {
	Direction  strategy.Direction
	Instrument string
	Contracts  int
	EntryPrice float64
	FillPrice  float64
	EntryTime  time.Time
	// PartialRealized accumulates contracts already sold by exit attempts
	// that were cancelled after a partial fill.
	PartialRealized float64
	// Unpriced is set when any fill of the position came back without a
	// premium. Realized stays nil for an unpriced position.
	Unpriced bool
	// Realized is set once the exit fills.
	Realized      *float64
	ExitPrice     float64
	ExitFillPrice float64
}

func (p Position) open() strategy.OpenPosition {
	return strategy.OpenPosition{Direction: p.Direction, EntryPrice: p.EntryPrice}
}

// Session is the state of one trading day for one instance.
type Session struct {
	Date       time.Time
	Bias       strategy.Bias
	Phase      Phase
	TradeTaken bool
	Position   *Position
	// Last holds the closed position once the exit has filled.
	Last       *Position
	Halted     bool
	ExitReason strategy.ExitReason
	// Reason records why the session closed.
	Reason       string
	EntrySignals int
	ExitSignals  int
}

var errPhaseRegression = errors.New("phase regression")

func (s *Session) advance(to Phase) error {
	if to < s.Phase {
		return fmt.Errorf("%w: %s -> %s", errPhaseRegression, s.Phase, to)
	}
	s.Phase = to
	return nil
}

func (s Session) copy() Session {
	out := s
	if s.Position != nil {
		pos := *s.Position
		out.Position = &pos
	}
	if s.Last != nil {
		last := *s.Last
		out.Last = &last
	}
	return out
}

type ErrorKind string

const (
	ErrKindEntry ErrorKind = "entry"
	ErrKindExit  ErrorKind = "exit"
)

// OrderSubmissionError reports an order that could not be placed after
// Attempts tries.
type OrderSubmissionError struct {
	Kind     ErrorKind
	Attempts int
	Err      error
}

func (e *OrderSubmissionError) Error() string {
	return fmt.Sprintf("%s order failed after %d attempts: %v", e.Kind, e.Attempts, e.Err)
}

func (e *OrderSubmissionError) Unwrap() error {
	return e.Err
}
