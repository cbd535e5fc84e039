package engine

import (
	"context"
	"fmt"
	"time"

	"optionsbot/internal/broker"
	"optionsbot/internal/metrics"
	"optionsbot/internal/strategy"
	"optionsbot/internal/trace"

	"go.uber.org/zap"
)

// contractMultiplier converts an option premium into dollars per contract.
const contractMultiplier = 100

// statusUnconfirmed is checkpointed for a submission the broker never
// acknowledged.
const statusUnconfirmed = "unconfirmed"

type orderPurpose string

const (
	purposeEntry orderPurpose = "entry"
	purposeExit  orderPurpose = "exit"
)

// pendingOrder is the single order in flight for a session. handle is nil
// until the broker has accepted the current attempt.
type pendingOrder struct {
	purpose orderPurpose
	req     broker.OrderRequest
	handle  *broker.OrderHandle

	// unconfirmed is set when a submission failed without proof that the
	// broker refused it. The order may exist under req.ClientOrderID, so it is
	// looked up before the next attempt and the client id is kept.
	unconfirmed bool

	attempts    int
	nextAttempt time.Time
	submittedAt time.Time
	lastPoll    time.Time
	canceling   bool

	// abandon is set when a pending entry is no longer wanted; the order is
	// cancelled instead of retried.
	abandon       bool
	abandonReason string

	filledQty int
	fillPrice float64

	entry strategy.EntrySignal
	exit  strategy.ExitSignal
}

func (p *pendingOrder) matches(handle broker.OrderHandle) bool {
	if p.handle == nil {
		return p.unconfirmed && handle.ClientOrderID != "" && handle.ClientOrderID == p.req.ClientOrderID
	}
	if handle.ID != "" && handle.ID == p.handle.ID {
		return true
	}
	return handle.ClientOrderID != "" && handle.ClientOrderID == p.req.ClientOrderID
}

func (p *pendingOrder) kind() ErrorKind {
	if p.purpose == purposeExit {
		return ErrKindExit
	}
	return ErrKindEntry
}

// servicePending advances the pending order: submits a due attempt, cancels a
// stale one and polls the broker for its status.
func (c *Controller) servicePending(ctx context.Context) {
	p := c.pending
	if p == nil {
		return
	}
	now := c.clock.Now()
	if p.handle == nil {
		if now.Before(p.nextAttempt) {
			return
		}
		if p.unconfirmed {
			c.lookup(ctx, p, now)
		} else {
			c.submit(ctx, p, now)
		}
		return
	}

	switch {
	case p.canceling:
	case p.abandon:
		c.cancel(ctx, p, now, p.abandonReason)
	case c.cfg.FillTimeout > 0 && now.Sub(p.submittedAt) >= c.cfg.FillTimeout:
		c.cancel(ctx, p, now, "fill_timeout")
	}

	if c.pending == p && p.handle != nil && now.Sub(p.lastPoll) >= c.cfg.ReconcileInterval {
		c.reconcile(ctx, p, now)
	}
}

func (c *Controller) submit(ctx context.Context, p *pendingOrder, now time.Time) {
	p.attempts++
	if !p.unconfirmed {
		p.req.ClientOrderID = c.nextClientOrderID()
	}

	sctx, cancel := c.withOrderTimeout(ctx)
	defer cancel()
	sctx, span := trace.StartSpan(sctx, "broker.SubmitOrder")
	handle, err := c.broker.SubmitOrder(sctx, p.req)
	span.End()
	metrics.OrdersTotal.WithLabelValues(c.cfg.Instance, string(p.purpose)).Inc()

	if err != nil {
		// A reused client id can be refused as a duplicate of its own order;
		// only a rejection of a fresh id proves nothing was placed.
		p.unconfirmed = p.unconfirmed || !broker.Rejected(err)
		c.orderFailed(p, now, err)
		return
	}
	p.unconfirmed = false
	p.handle = &handle
	p.submittedAt = now
	p.lastPoll = now

	d := c.orderDecision("order_submitted", p)
	d.Result = handle.Status
	c.record(d)
	c.log.Info("order submitted",
		zap.String("purpose", string(p.purpose)),
		zap.String("instrument", p.req.Symbol),
		zap.String("side", string(p.req.Side)),
		zap.Int("qty", p.req.Qty),
		zap.String("order_id", handle.ID),
		zap.String("client_order_id", p.req.ClientOrderID),
		zap.Int("attempt", p.attempts),
	)
}

// orderFailed handles a failed submission, rejection or confirmed cancel. The
// phase is kept and the next attempt is scheduled with exponential backoff.
func (c *Controller) orderFailed(p *pendingOrder, now time.Time, err error) {
	metrics.OrderFailuresTotal.WithLabelValues(c.cfg.Instance, string(p.purpose)).Inc()
	p.handle = nil
	p.canceling = false

	if p.abandon {
		if p.unconfirmed {
			p.nextAttempt = now
			return
		}
		c.dropAbandoned(p, err)
		return
	}
	if p.attempts >= c.cfg.MaxRetries {
		c.exhausted(p, now, err)
		return
	}

	delay := c.backoff(p.attempts)
	p.nextAttempt = now.Add(delay)
	d := c.orderDecision("order_failed", p)
	d.Result = "retry_scheduled"
	if p.unconfirmed {
		d.Result = "lookup_scheduled"
	}
	d.Error = err.Error()
	c.record(d)
	c.log.Warn("order failed, retry scheduled",
		zap.String("purpose", string(p.purpose)),
		zap.Int("attempt", p.attempts),
		zap.Bool("unconfirmed", p.unconfirmed),
		zap.Duration("backoff", delay),
		zap.Error(err),
	)
}

func (c *Controller) dropAbandoned(p *pendingOrder, err error) {
	c.pending = nil
	d := c.orderDecision("order_abandoned", p)
	d.Reason = p.abandonReason
	if err != nil {
		d.Error = err.Error()
	}
	c.record(d)
	c.closeSession(p.abandonReason)
}

func (c *Controller) exhausted(p *pendingOrder, now time.Time, err error) {
	subErr := &OrderSubmissionError{Kind: p.kind(), Attempts: p.attempts, Err: err}
	d := c.orderDecision("order_exhausted", p)
	d.Error = subErr.Error()

	if p.purpose == purposeEntry {
		if p.unconfirmed {
			// The last attempt may still be live; settle it before closing.
			p.abandon = true
			p.abandonReason = "entry_failed"
			p.nextAttempt = now
			d.Result = "abandoning"
			c.record(d)
			c.log.Error("entry abandoned, last attempt unconfirmed", zap.Error(subErr))
			return
		}
		c.pending = nil
		d.Result = "abandoned"
		c.record(d)
		c.log.Error("entry abandoned", zap.Error(subErr))
		c.closeSession("entry_failed")
		return
	}

	c.session.Halted = true
	p.nextAttempt = now.Add(c.backoff(c.cfg.MaxRetries))
	d.Result = "retrying"
	c.record(d)
	if c.stuck {
		c.log.Warn("exit still failing", zap.Error(subErr), zap.Time("next_attempt", p.nextAttempt))
		return
	}
	c.stuck = true
	c.alert = subErr
	metrics.StuckPositions.WithLabelValues(c.cfg.Instance).Set(1)
	c.log.Error("CRITICAL: exit retries exhausted, position left open",
		zap.String("instrument", p.req.Symbol),
		zap.Int("qty", p.req.Qty),
		zap.Error(subErr),
	)
}

func (c *Controller) cancel(ctx context.Context, p *pendingOrder, now time.Time, reason string) {
	cctx, cancel := c.withOrderTimeout(ctx)
	defer cancel()
	if err := c.broker.CancelOrder(cctx, *p.handle); err != nil {
		// The order may have filled meanwhile; poll before trying again.
		p.submittedAt = now
		p.lastPoll = time.Time{}
		c.log.Warn("cancel order failed", zap.String("order_id", p.handle.ID), zap.Error(err))
		return
	}
	p.canceling = true
	d := c.orderDecision("order_cancel_requested", p)
	d.Reason = reason
	c.record(d)
	c.log.Info("cancel requested", zap.String("order_id", p.handle.ID), zap.String("reason", reason))
}

// abandonEntry drops a pending entry, cancelling it at the broker if needed,
// and closes the session once nothing is in flight.
func (c *Controller) abandonEntry(ctx context.Context, reason string) {
	p := c.pending
	if p == nil {
		c.closeSession(reason)
		return
	}
	if p.purpose != purposeEntry || p.abandon {
		return
	}
	if p.handle == nil && !p.unconfirmed {
		c.pending = nil
		c.closeSession(reason)
		return
	}
	p.abandon = true
	p.abandonReason = reason
	if p.handle == nil {
		p.nextAttempt = c.clock.Now()
		return
	}
	if !p.canceling {
		c.cancel(ctx, p, c.clock.Now(), reason)
	}
}

func (c *Controller) OnOrderEvent(ctx context.Context, event broker.OrderEvent) {
	p := c.pending
	if p == nil || !p.matches(event.Handle) {
		c.log.Debug("order event ignored",
			zap.String("order_id", event.Handle.ID),
			zap.String("client_order_id", event.Handle.ClientOrderID),
			zap.String("kind", string(event.Kind)),
		)
		return
	}
	now := c.clock.Now()
	if p.handle == nil {
		c.adopt(p, event.Handle, now)
	}
	p.lastPoll = now
	c.applyOrderEvent(p, event)
	if c.dirty {
		c.checkpoint()
	}
}

func (c *Controller) applyOrderEvent(p *pendingOrder, event broker.OrderEvent) {
	now := c.clock.Now()
	switch {
	case event.Kind == broker.EventFill:
		c.filled(p, event)
	case event.Kind == broker.EventPartialFill:
		if event.FilledQty > p.filledQty {
			p.filledQty = event.FilledQty
		}
		p.fillPrice = event.FillPrice
		c.log.Info("partial fill", zap.String("order_id", p.handle.ID), zap.Int("filled_qty", p.filledQty))
	case event.Failed():
		reason := event.Reason
		if reason == "" {
			reason = string(event.Kind)
		}
		if p.filledQty > 0 {
			if p.purpose == purposeEntry {
				c.filled(p, broker.OrderEvent{Handle: event.Handle, Kind: broker.EventFill, FilledQty: p.filledQty, FillPrice: p.fillPrice, At: event.At})
				return
			}
			pos := c.session.Position
			if p.fillPrice <= 0 || pos.FillPrice <= 0 {
				pos.Unpriced = true
			}
			pos.PartialRealized += (p.fillPrice - pos.FillPrice) * float64(p.filledQty) * contractMultiplier
			pos.Contracts -= p.filledQty
			p.req.Qty = pos.Contracts
			p.filledQty = 0
		}
		c.orderFailed(p, now, fmt.Errorf("order %s: %s", event.Kind, reason))
	default:
		p.handle.Status = event.Handle.Status
	}
}

func (c *Controller) filled(p *pendingOrder, event broker.OrderEvent) {
	s := c.session
	c.pending = nil
	at := event.At
	if at.IsZero() {
		at = c.clock.Now()
	}
	qty := event.FilledQty
	if qty <= 0 {
		qty = p.req.Qty
	}
	unpriced := event.FillPrice <= 0 || event.Reason == broker.ReasonUnpriced
	d := c.orderDecision("order_filled", p)
	d.OrderID = event.Handle.ID
	d.Price = event.FillPrice
	d.Contracts = qty
	if unpriced {
		d.Result = broker.ReasonUnpriced
		c.log.Warn("fill has no premium",
			zap.String("purpose", string(p.purpose)),
			zap.String("instrument", p.req.Symbol),
			zap.String("order_id", event.Handle.ID),
		)
	}

	if p.purpose == purposeEntry {
		s.Position = &Position{
			Direction:  p.entry.Direction,
			Instrument: p.req.Symbol,
			Contracts:  qty,
			EntryPrice: p.entry.Price,
			FillPrice:  event.FillPrice,
			EntryTime:  at,
			Unpriced:   unpriced,
		}
		c.setPhase(InPosition)
		d.Direction = string(p.entry.Direction)
		c.record(d)
		c.log.Info("entry filled",
			zap.String("instrument", p.req.Symbol),
			zap.Int("contracts", qty),
			zap.Float64("fill_price", event.FillPrice),
			zap.Float64("underlying_ref", p.entry.Price),
		)
		return
	}

	pos := s.Position
	pos.ExitFillPrice = event.FillPrice
	realized := pos.PartialRealized + (event.FillPrice-pos.FillPrice)*float64(pos.Contracts)*contractMultiplier
	if unpriced || pos.Unpriced || pos.FillPrice <= 0 {
		pos.Unpriced = true
		realized = 0
	} else {
		pos.Realized = &realized
	}
	s.Last = pos
	s.Position = nil
	if c.stuck {
		c.stuck = false
		c.alert = nil
		metrics.StuckPositions.WithLabelValues(c.cfg.Instance).Set(0)
	}
	metrics.ExitsTotal.WithLabelValues(c.cfg.Instance, string(s.ExitReason)).Inc()
	d.Reason = string(s.ExitReason)
	c.record(d)
	c.log.Info("exit filled",
		zap.String("reason", string(s.ExitReason)),
		zap.String("instrument", pos.Instrument),
		zap.Float64("fill_price", event.FillPrice),
		zap.Float64("realized", realized),
		zap.Bool("unpriced", pos.Unpriced),
	)
	c.closeSession(string(s.ExitReason))
}

func (c *Controller) orderDecision(event string, p *pendingOrder) Decision {
	d := c.decision(event)
	d.Instrument = p.req.Symbol
	d.Contracts = p.req.Qty
	d.ClientOrderID = p.req.ClientOrderID
	d.Attempt = p.attempts
	if p.handle != nil {
		d.OrderID = p.handle.ID
	}
	return d
}

// backoff returns RetryBackoff * 2^(attempt-1).
func (c *Controller) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 16 {
		attempt = 16
	}
	return c.cfg.RetryBackoff << (attempt - 1)
}

func (c *Controller) withOrderTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.OrderTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.OrderTimeout)
}

// nextClientOrderID is prefixed with the instance name so the shared event
// stream can be routed back.
func (c *Controller) nextClientOrderID() string {
	c.orderSeq++
	sep := broker.ClientOrderIDSeparator
	return fmt.Sprintf("%s%s%s%s%d", c.cfg.Instance, sep, c.runID, sep, c.orderSeq)
}
