package engine

import (
	"context"
	"errors"
	"time"

	"optionsbot/internal/broker"

	"go.uber.org/zap"
)

// PositionReader reports the broker's view of a held instrument.
type PositionReader interface {
	Position(ctx context.Context, symbol string) (broker.Position, error)
}

// reconcile polls the broker for the pending order. A terminal status is
// applied as if it had arrived on the event stream.
func (c *Controller) reconcile(ctx context.Context, p *pendingOrder, now time.Time) {
	p.lastPoll = now
	rctx, cancel := c.withOrderTimeout(ctx)
	defer cancel()

	event, err := c.broker.OrderStatus(rctx, *p.handle)
	if err != nil {
		c.log.Warn("reconcile order status failed", zap.String("order_id", p.handle.ID), zap.Error(err))
		return
	}
	if event.Kind == broker.EventNew {
		return
	}
	if event.Kind == broker.EventPartialFill && event.FilledQty <= p.filledQty {
		return
	}
	c.log.Info("reconciled order",
		zap.String("order_id", p.handle.ID),
		zap.String("kind", string(event.Kind)),
		zap.Int("filled_qty", event.FilledQty),
	)
	c.applyOrderEvent(p, event)
}

// lookup asks the broker for an order whose submission was never confirmed.
// A known order is adopted; an unknown one is resubmitted under the same
// client id, or dropped when no longer wanted.
func (c *Controller) lookup(ctx context.Context, p *pendingOrder, now time.Time) {
	rctx, cancel := c.withOrderTimeout(ctx)
	defer cancel()

	event, err := c.broker.OrderStatus(rctx, broker.OrderHandle{ClientOrderID: p.req.ClientOrderID})
	switch {
	case errors.Is(err, broker.ErrOrderNotFound):
		c.log.Info("unconfirmed order not at broker", zap.String("client_order_id", p.req.ClientOrderID))
		if p.abandon {
			c.dropAbandoned(p, nil)
			return
		}
		c.submit(ctx, p, now)
		return
	case err != nil:
		p.nextAttempt = now.Add(c.backoff(p.attempts))
		c.log.Warn("unconfirmed order lookup failed",
			zap.String("client_order_id", p.req.ClientOrderID),
			zap.Time("next_lookup", p.nextAttempt),
			zap.Error(err),
		)
		return
	}

	handle := event.Handle
	if handle.ClientOrderID == "" {
		handle.ClientOrderID = p.req.ClientOrderID
	}
	c.adopt(p, handle, now)
	d := c.orderDecision("order_recovered", p)
	d.Result = string(event.Kind)
	c.record(d)
	c.log.Warn("recovered unconfirmed order",
		zap.String("order_id", handle.ID),
		zap.String("client_order_id", handle.ClientOrderID),
		zap.String("kind", string(event.Kind)),
	)
	if event.Kind != broker.EventNew {
		c.applyOrderEvent(p, event)
	}
}

// adopt binds a pending order to the broker's handle for it.
func (c *Controller) adopt(p *pendingOrder, handle broker.OrderHandle, now time.Time) {
	p.unconfirmed = false
	p.handle = &handle
	p.submittedAt = now
	p.lastPoll = now
}

// ReconcilePosition checks a restored position against the broker. A position
// the broker no longer holds was closed outside the bot and ends the session.
func (c *Controller) ReconcilePosition(ctx context.Context, positions PositionReader) error {
	s := c.session
	if s == nil || s.Position == nil || c.pending != nil {
		return nil
	}
	pos, err := positions.Position(ctx, s.Position.Instrument)
	if err != nil && !errors.Is(err, broker.ErrNoPosition) {
		return err
	}
	if err != nil || pos.Qty <= 0 {
		c.log.Warn("restored position not held at broker", zap.String("instrument", s.Position.Instrument))
		s.Last = s.Position
		s.Position = nil
		c.closeSession("closed_externally")
		c.checkpoint()
		return nil
	}
	if pos.Qty != s.Position.Contracts {
		c.log.Warn("restored position size differs from broker",
			zap.String("instrument", s.Position.Instrument),
			zap.Int("local", s.Position.Contracts),
			zap.Int("broker", pos.Qty),
		)
		s.Position.Contracts = pos.Qty
		c.checkpoint()
	}
	return nil
}
