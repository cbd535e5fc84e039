package engine

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"optionsbot/internal/broker"
	"optionsbot/internal/strategy"
)

func TestEntrySubmissionRetriesWithBackoff(t *testing.T) {
	h := newHarness(t, nil)
	h.broker.failures = 2
	h.touchLong()
	if got := len(h.broker.requests()); got != 1 || !h.c.Pending() {
		t.Fatalf("expected one failed attempt pending retry, got %d", got)
	}

	h.tick(time.Second)
	if got := len(h.broker.requests()); got != 1 {
		t.Fatalf("expected no retry before backoff, got %d", got)
	}
	h.tick(time.Second)
	if got := len(h.broker.requests()); got != 2 {
		t.Fatalf("expected second attempt after 2s, got %d", got)
	}
	h.tick(3 * time.Second)
	if got := len(h.broker.requests()); got != 2 {
		t.Fatalf("expected backoff to double, got %d", got)
	}
	h.tick(time.Second)
	reqs := h.broker.requests()
	if len(reqs) != 3 {
		t.Fatalf("expected third attempt after 4s, got %d", len(reqs))
	}
	if reqs[0].ClientOrderID == reqs[1].ClientOrderID || reqs[1].ClientOrderID == reqs[2].ClientOrderID {
		t.Fatalf("expected a fresh client order id per attempt")
	}
	if s := h.c.Session(); s.Phase != AwaitingEntry {
		t.Fatalf("expected phase to hold during retries, got %s", s.Phase)
	}

	h.event(broker.EventFill, 2.40)
	if s := h.c.Session(); s.Phase != InPosition || s.EntrySignals != 1 {
		t.Fatalf("expected one entry after retries, got %+v", s)
	}
}

func TestEntryRetryExhaustionClosesSession(t *testing.T) {
	h := newHarness(t, nil)
	h.broker.failAll = true
	h.touchLong()
	h.tick(2 * time.Second)
	h.tick(4 * time.Second)

	s := h.c.Session()
	if s.Phase != Closed || s.Reason != "entry_failed" || !s.TradeTaken || h.c.Pending() {
		t.Fatalf("expected session closed after exhausted entry, got %+v", s)
	}
	if got := len(h.broker.requests()); got != 3 {
		t.Fatalf("expected max_retries attempts, got %d", got)
	}
	h.tick(time.Minute)
	h.mustFeed(bar(at(9, 5), 101.5, 101.9, 101.3, 101.5))
	if got := len(h.broker.requests()); got != 3 {
		t.Fatalf("expected no further orders, got %d", got)
	}
}

func TestExitExhaustionHaltsAndKeepsRetrying(t *testing.T) {
	h := newHarness(t, nil)
	h.openLong()
	h.broker.setFailAll(true)

	h.mustFeed(bar(at(9, 5), 101.6, 102.7, 101.5, 102.5))
	h.tick(2 * time.Second)
	h.tick(4 * time.Second)

	s := h.c.Session()
	if !s.Halted || s.Phase != InPosition {
		t.Fatalf("expected halted session still in position, got %+v", s)
	}
	var subErr *OrderSubmissionError
	if !errors.As(h.c.Alert(), &subErr) || subErr.Kind != ErrKindExit || subErr.Attempts != 3 {
		t.Fatalf("expected exit alert, got %v", h.c.Alert())
	}

	h.tick(8 * time.Second)
	if got := len(h.broker.requests()); got != 5 {
		t.Fatalf("expected exit to keep retrying, got %d orders", got)
	}

	h.broker.setFailAll(false)
	h.tick(8 * time.Second)
	if got := len(h.broker.requests()); got != 6 {
		t.Fatalf("expected successful exit attempt, got %d orders", got)
	}
	h.event(broker.EventFill, 3.10)

	s = h.c.Session()
	if s.Phase != Closed || s.ExitReason != strategy.TakeProfit || s.ExitSignals != 1 {
		t.Fatalf("expected single take-profit exit, got %+v", s)
	}
	if h.c.Alert() != nil {
		t.Fatalf("expected alert cleared after exit fill")
	}
}

func TestFillTimeoutCancelsBeforeResubmit(t *testing.T) {
	h := newHarness(t, nil)
	h.touchLong()

	h.tick(29 * time.Second)
	if h.broker.cancels() != 0 {
		t.Fatalf("expected no cancel before the fill timeout")
	}
	h.tick(time.Second)
	if h.broker.cancels() != 1 {
		t.Fatalf("expected cancel after the fill timeout")
	}
	h.tick(10 * time.Second)
	if got := len(h.broker.requests()); got != 1 {
		t.Fatalf("expected no resubmit before cancel is confirmed, got %d", got)
	}

	h.event(broker.EventCanceled, 0)
	h.tick(2 * time.Second)
	if got := len(h.broker.requests()); got != 2 {
		t.Fatalf("expected resubmit after cancel confirmation, got %d", got)
	}
	h.event(broker.EventFill, 2.55)
	if s := h.c.Session(); s.Phase != InPosition {
		t.Fatalf("expected in position, got %s", s.Phase)
	}
}

func TestLateFillAfterCancelRequestWins(t *testing.T) {
	h := newHarness(t, nil)
	h.touchLong()
	h.tick(30 * time.Second)
	if h.broker.cancels() != 1 {
		t.Fatalf("expected cancel request")
	}
	h.event(broker.EventFill, 2.50)
	if s := h.c.Session(); s.Phase != InPosition || h.c.Pending() {
		t.Fatalf("expected late fill to open the position, got %s", s.Phase)
	}
}

func TestRejectedOrderIsRetried(t *testing.T) {
	h := newHarness(t, nil)
	h.touchLong()
	h.event(broker.EventRejected, 0)
	if s := h.c.Session(); s.Phase != AwaitingEntry || !h.c.Pending() {
		t.Fatalf("expected rejection to keep the phase, got %s", s.Phase)
	}
	h.tick(2 * time.Second)
	if got := len(h.broker.requests()); got != 2 {
		t.Fatalf("expected resubmission after rejection, got %d", got)
	}
}

func TestReconcileAppliesBrokerFill(t *testing.T) {
	h := newHarness(t, nil)
	h.touchLong()
	handle := h.broker.lastHandle()
	h.broker.mu.Lock()
	h.broker.statuses[handle.ID] = broker.OrderEvent{Handle: handle, Kind: broker.EventFill, FilledQty: 1, FillPrice: 2.45}
	h.broker.mu.Unlock()

	h.tick(5 * time.Second)
	if s := h.c.Session(); s.Phase != AwaitingEntry {
		t.Fatalf("expected no poll before the reconcile interval, got %s", s.Phase)
	}
	h.tick(5 * time.Second)
	s := h.c.Session()
	if s.Phase != InPosition || s.Position.FillPrice != 2.45 {
		t.Fatalf("expected reconciled fill, got %+v", s)
	}
}

func TestPartialEntryFillThenCancelKeepsFilledContracts(t *testing.T) {
	h := newHarness(t, func(s *Settings) { s.Contracts = 2 })
	h.touchLong()
	h.c.OnOrderEvent(h.ctx, broker.OrderEvent{Handle: h.broker.lastHandle(), Kind: broker.EventPartialFill, FilledQty: 1, FillPrice: 2.5})
	h.event(broker.EventCanceled, 0)
	s := h.c.Session()
	if s.Phase != InPosition || s.Position.Contracts != 1 {
		t.Fatalf("expected one-contract position, got %+v", s.Position)
	}
}

func TestPartialExitFillThenCancelRealizesSoldContracts(t *testing.T) {
	h := newHarness(t, func(s *Settings) { s.Contracts = 2 })
	h.touchLong()
	h.c.OnOrderEvent(h.ctx, broker.OrderEvent{Handle: h.broker.lastHandle(), Kind: broker.EventFill, FilledQty: 2, FillPrice: 2.50})
	h.mustFeed(bar(at(9, 5), 101.6, 102.7, 101.5, 102.5))

	h.c.OnOrderEvent(h.ctx, broker.OrderEvent{Handle: h.broker.lastHandle(), Kind: broker.EventPartialFill, FilledQty: 1, FillPrice: 3.0})
	h.event(broker.EventCanceled, 0)
	if s := h.c.Session(); s.Phase != InPosition || s.Position.Contracts != 1 {
		t.Fatalf("expected one contract left, got %+v", s.Position)
	}
	h.tick(2 * time.Second)
	reqs := h.broker.requests()
	if len(reqs) != 3 || reqs[2].Qty != 1 {
		t.Fatalf("expected exit retry for the remaining contract, got %+v", reqs)
	}
	h.event(broker.EventFill, 3.50)

	s := h.c.Session()
	if s.Phase != Closed || s.Last == nil || s.Last.Realized == nil {
		t.Fatalf("expected closed session with realized P&L, got %+v", s)
	}
	if math.Abs(*s.Last.Realized-150) > 1e-9 {
		t.Fatalf("expected realized 150 across both exit fills, got %f", *s.Last.Realized)
	}
}

func TestTimedOutSubmissionFillIsNotLost(t *testing.T) {
	h := newHarness(t, nil)
	h.broker.timeouts = 1
	h.touchLong()
	if !h.c.Pending() {
		t.Fatalf("expected the timed-out entry to stay pending")
	}

	// The accepted order fills on the stream before the retry is due.
	h.event(broker.EventFill, 2.50)
	if s := h.c.Session(); s.Phase != InPosition || h.c.Pending() {
		t.Fatalf("expected fill of the accepted order to open the position, got %s", s.Phase)
	}
	if got := len(h.broker.requests()); got != 1 {
		t.Fatalf("expected a single order, got %d", got)
	}
}

func TestTimedOutSubmissionIsLookedUpBeforeRetry(t *testing.T) {
	h := newHarness(t, nil)
	h.broker.timeouts = 1
	h.touchLong()
	placed := h.broker.lastHandle()

	h.tick(2 * time.Second)
	if got := len(h.broker.requests()); got != 1 {
		t.Fatalf("expected lookup instead of a second order, got %d orders", got)
	}
	h.broker.mu.Lock()
	h.broker.statuses[placed.ID] = broker.OrderEvent{Handle: placed, Kind: broker.EventFill, FilledQty: 1, FillPrice: 2.45}
	h.broker.mu.Unlock()

	h.tick(10 * time.Second)
	s := h.c.Session()
	if s.Phase != InPosition || s.Position.FillPrice != 2.45 {
		t.Fatalf("expected recovered order to fill, got %+v", s)
	}
	if got := len(h.broker.requests()); got != 1 {
		t.Fatalf("expected a single order, got %d", got)
	}
}

func TestUnconfirmedSubmissionResubmitsSameClientID(t *testing.T) {
	h := newHarness(t, nil)
	h.broker.dropped = 1
	h.touchLong()

	h.tick(2 * time.Second)
	reqs := h.broker.requests()
	if len(reqs) != 2 {
		t.Fatalf("expected resubmission after a failed lookup, got %d orders", len(reqs))
	}
	if reqs[0].ClientOrderID != reqs[1].ClientOrderID {
		t.Fatalf("expected the client order id to be kept, got %s then %s", reqs[0].ClientOrderID, reqs[1].ClientOrderID)
	}
	h.event(broker.EventFill, 2.50)
	if s := h.c.Session(); s.Phase != InPosition {
		t.Fatalf("expected in position, got %s", s.Phase)
	}
}

func TestAbandonedUnconfirmedEntryIsSettled(t *testing.T) {
	h := newHarness(t, nil)
	h.broker.timeouts = 1
	h.touchLong()

	h.c.Flatten(h.ctx)
	if !h.c.Pending() {
		t.Fatalf("expected unconfirmed entry to stay pending until settled")
	}
	h.tick(time.Second)
	h.tick(time.Second)
	if h.broker.cancels() != 1 {
		t.Fatalf("expected the recovered order to be cancelled, got %d cancels", h.broker.cancels())
	}
	h.event(broker.EventCanceled, 0)
	s := h.c.Session()
	if s.Phase != Closed || s.Reason != "shutdown" || h.c.Pending() {
		t.Fatalf("expected closed session after cancel, got %+v", s)
	}
	if got := len(h.broker.requests()); got != 1 {
		t.Fatalf("expected a single order, got %d", got)
	}
}

func TestAbandonedEntryNotAtBrokerCloses(t *testing.T) {
	h := newHarness(t, nil)
	h.broker.dropped = 1
	h.touchLong()

	h.c.Flatten(h.ctx)
	h.tick(time.Second)
	s := h.c.Session()
	if s.Phase != Closed || s.Reason != "shutdown" || h.c.Pending() {
		t.Fatalf("expected closed session, got %+v", s)
	}
	if got := len(h.broker.requests()); got != 1 {
		t.Fatalf("expected no resubmission of an abandoned entry, got %d", got)
	}
}

func TestUnknownOrderEventIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.touchLong()
	h.c.OnOrderEvent(h.ctx, broker.OrderEvent{Handle: broker.OrderHandle{ID: "other", ClientOrderID: "other.run.1"}, Kind: broker.EventFill})
	if s := h.c.Session(); s.Phase != AwaitingEntry {
		t.Fatalf("expected foreign fill to be ignored, got %s", s.Phase)
	}
}

func TestOrderSubmissionErrorUnwraps(t *testing.T) {
	cause := context.DeadlineExceeded
	err := error(&OrderSubmissionError{Kind: ErrKindEntry, Attempts: 3, Err: cause})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected wrapped cause")
	}
	if err.Error() != "entry order failed after 3 attempts: context deadline exceeded" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestBackoffDoubles(t *testing.T) {
	c := New(testSettings(), Deps{})
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, w := range want {
		if got := c.backoff(i + 1); got != w {
			t.Fatalf("attempt %d: expected %s, got %s", i+1, w, got)
		}
	}
}
