package risk

import (
	"testing"
	"time"

	"optionsbot/internal/strategy"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func longIntent(contracts int) EntryIntent {
	return EntryIntent{
		Signal:    strategy.EntrySignal{Direction: strategy.Long, Price: 449},
		Contracts: contracts,
	}
}

func TestGateRejectsTradeAlreadyTaken(t *testing.T) {
	gate := Gate{}
	ctx := RiskContext{Now: time.Now(), TradeTaken: true, MaxContracts: 5}

	if _, err := gate.Evaluate(longIntent(1), ctx); err == nil || err.Error() != "trade_already_taken" {
		t.Fatalf("expected trade_already_taken rejection, got %v", err)
	}
}

func TestGateRejectsMaxContracts(t *testing.T) {
	gate := Gate{}
	ctx := RiskContext{Now: time.Now(), MaxContracts: 2}

	if _, err := gate.Evaluate(longIntent(3), ctx); err == nil {
		t.Fatalf("expected max position rejection")
	}
}

func TestGateApprovesValidEntry(t *testing.T) {
	gate := Gate{}
	now := time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)
	ctx := RiskContext{Now: now, NoEntryAfter: now.Add(time.Hour), MaxContracts: 5}

	approved, err := gate.Evaluate(longIntent(1), ctx)
	if err != nil {
		t.Fatalf("expected approval, got %v", err)
	}
	if approved.Intent.Contracts != 1 || approved.Reason != "approved" {
		t.Fatalf("unexpected approval %+v", approved)
	}
}

func TestGateRejectsAfterEntryCutoff(t *testing.T) {
	gate := Gate{}
	now := time.Date(2024, 3, 4, 20, 0, 0, 0, time.UTC)
	ctx := RiskContext{Now: now, NoEntryAfter: now, MaxContracts: 5}

	if _, err := gate.Evaluate(longIntent(1), ctx); err == nil {
		t.Fatalf("expected entry window rejection")
	}
}

func TestGateLogsRejectionReason(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	gate := Gate{Log: zap.New(core)}

	if _, err := gate.Evaluate(longIntent(1), RiskContext{KillSwitch: true}); err == nil {
		t.Fatalf("expected kill switch rejection")
	}
	rejected := logs.FilterMessage("risk rejected").All()
	if len(rejected) != 1 {
		t.Fatalf("expected one rejection log, got %d", len(rejected))
	}
	if reason := rejected[0].ContextMap()["reason"]; reason != "kill_switch_enabled" {
		t.Fatalf("unexpected logged reason %v", reason)
	}
}
