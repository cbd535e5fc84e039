package risk

import (
	"errors"
	"time"

	"optionsbot/internal/strategy"

	"go.uber.org/zap"
)

type EntryIntent struct {
	Signal    strategy.EntrySignal
	Contracts int
}

type RiskContext struct {
	Now          time.Time
	NoEntryAfter time.Time
	TradeTaken   bool
	Halted       bool
	OrderPending bool
	KillSwitch   bool
	MaxContracts int
}

type ApprovedIntent struct {
	Intent EntryIntent
	Reason string
}

// Gate vets entries only; exits are never blocked so a position can always be
// flattened.
type Gate struct {
	Log *zap.Logger
}

func (g Gate) Evaluate(intent EntryIntent, ctx RiskContext) (ApprovedIntent, error) {
	log := g.Log
	if log == nil {
		log = zap.NewNop()
	}
	log.Info("risk evaluation",
		zap.String("direction", string(intent.Signal.Direction)),
		zap.Int("contracts", intent.Contracts),
		zap.Float64("price", intent.Signal.Price),
	)

	reject := func(reason string, fields ...zap.Field) (ApprovedIntent, error) {
		log.Info("risk rejected", append([]zap.Field{zap.String("reason", reason)}, fields...)...)
		return ApprovedIntent{}, errors.New(reason)
	}

	if ctx.KillSwitch {
		return reject("kill_switch_enabled")
	}
	if ctx.Halted {
		return reject("session_halted")
	}
	if ctx.TradeTaken {
		return reject("trade_already_taken")
	}
	if ctx.OrderPending {
		return reject("open_order_exists")
	}
	if intent.Contracts <= 0 {
		return reject("invalid_quantity", zap.Int("contracts", intent.Contracts))
	}
	if ctx.MaxContracts > 0 && intent.Contracts > ctx.MaxContracts {
		return reject("max_position_exceeded", zap.Int("contracts", intent.Contracts), zap.Int("max", ctx.MaxContracts))
	}
	if !ctx.NoEntryAfter.IsZero() && !ctx.Now.Before(ctx.NoEntryAfter) {
		return reject("entry_window_closed", zap.Time("cutoff", ctx.NoEntryAfter))
	}

	log.Info("risk approved", zap.String("direction", string(intent.Signal.Direction)), zap.Int("contracts", intent.Contracts))
	return ApprovedIntent{Intent: intent, Reason: "approved"}, nil
}
