package engine

import (
	"fmt"

	"optionsbot/internal/broker"
	"optionsbot/internal/clock"
	"optionsbot/internal/state"
	"optionsbot/internal/strategy"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"go.uber.org/zap"
)

func (c *Controller) checkpoint() {
	c.dirty = false
	c.store.Replace(c.snapshot())
	if c.cfg.CheckpointPath == "" {
		return
	}
	if err := c.store.Save(c.cfg.CheckpointPath); err != nil {
		c.log.Error("checkpoint save failed", zap.String("path", c.cfg.CheckpointPath), zap.Error(err))
	}
}

func (c *Controller) snapshot() state.Snapshot {
	snap := state.Snapshot{
		Instance:  c.cfg.Instance,
		UpdatedAt: c.clock.Now().UTC(),
	}
	if c.hasBar {
		snap.LastBarTime = c.lastBar.Timestamp
	}
	s := c.session
	if s == nil {
		return snap
	}
	snap.Date = s.Date.Format(dateLayout)
	snap.Bias = string(s.Bias)
	snap.Phase = s.Phase.String()
	snap.TradeTaken = s.TradeTaken
	snap.Halted = s.Halted
	snap.ExitReason = string(s.ExitReason)
	if pos := s.Position; pos != nil {
		snap.Position = &state.Position{
			Direction:  string(pos.Direction),
			Instrument: pos.Instrument,
			Contracts:  pos.Contracts,
			EntryPrice: pos.EntryPrice,
			FillPrice:  pos.FillPrice,
			EntryTime:  pos.EntryTime,

			PartialRealized: pos.PartialRealized,
			Unpriced:        pos.Unpriced,
		}
	}
	if p := c.pending; p != nil && (p.handle != nil || p.unconfirmed) {
		snap.OpenOrder = &state.OpenOrder{
			ClientOrderID: p.req.ClientOrderID,
			Status:        statusUnconfirmed,
			Purpose:       string(p.purpose),
			Symbol:        p.req.Symbol,
			Side:          string(p.req.Side),
			Qty:           p.req.Qty,
			Direction:     string(p.entry.Direction),
			RefPrice:      p.entry.Price,
		}
		if p.handle != nil {
			snap.OpenOrder.OrderID = p.handle.ID
			snap.OpenOrder.Status = p.handle.Status
		}
	}
	return snap
}

// Restore resumes a checkpoint written earlier on the same trading day so a
// restart cannot take a second trade. Checkpoints from other days are ignored.
func (c *Controller) Restore(snap state.Snapshot) error {
	today := clock.SessionDate(c.clock.Now(), c.cfg.Location)
	if snap.Instance != c.cfg.Instance || snap.Date != today.Format(dateLayout) {
		c.log.Info("checkpoint not for today, starting fresh",
			zap.String("checkpoint_instance", snap.Instance),
			zap.String("checkpoint_date", snap.Date),
		)
		return nil
	}
	phase, err := parsePhase(snap.Phase)
	if err != nil {
		return fmt.Errorf("restore checkpoint: %w", err)
	}

	s := &Session{
		Date:       today,
		Bias:       strategy.Bias(snap.Bias),
		Phase:      phase,
		TradeTaken: snap.TradeTaken,
		Halted:     snap.Halted,
		ExitReason: strategy.ExitReason(snap.ExitReason),
	}
	if pos := snap.Position; pos != nil {
		s.Position = &Position{
			Direction:  strategy.Direction(pos.Direction),
			Instrument: pos.Instrument,
			Contracts:  pos.Contracts,
			EntryPrice: pos.EntryPrice,
			FillPrice:  pos.FillPrice,
			EntryTime:  pos.EntryTime,

			PartialRealized: pos.PartialRealized,
			Unpriced:        pos.Unpriced,
		}
	}
	if s.Phase == InPosition && s.Position == nil {
		return fmt.Errorf("restore checkpoint: phase %s without a position", s.Phase)
	}

	c.session = s
	c.indicators.ResetSession(c.cfg.CarryEMA)
	if s.Bias != strategy.BiasUnset {
		c.bias.Restore(s.Bias)
	}
	if s.TradeTaken || s.Phase > AwaitingEntry {
		c.entry.Disarm()
	}
	if order := snap.OpenOrder; order != nil {
		c.pending = c.restoreOrder(*order)
	}
	c.store.Replace(snap)

	c.log.Info("checkpoint restored",
		zap.String("date", snap.Date),
		zap.Stringer("phase", s.Phase),
		zap.Bool("trade_taken", s.TradeTaken),
		zap.Bool("order_pending", c.pending != nil),
	)
	return nil
}

func (c *Controller) restoreOrder(order state.OpenOrder) *pendingOrder {
	p := &pendingOrder{
		purpose: orderPurpose(order.Purpose),
		req: broker.OrderRequest{
			Symbol:        order.Symbol,
			Qty:           order.Qty,
			Side:          alpaca.Side(order.Side),
			Type:          alpaca.Market,
			TimeInForce:   alpaca.Day,
			ClientOrderID: order.ClientOrderID,
		},
		attempts:    1,
		submittedAt: c.clock.Now(),
	}
	// Without a broker id the submission was never confirmed; look it up by
	// client id before placing anything.
	if order.OrderID == "" {
		p.unconfirmed = true
	} else {
		p.handle = &broker.OrderHandle{
			ID:            order.OrderID,
			ClientOrderID: order.ClientOrderID,
			Status:        order.Status,
		}
	}
	if p.purpose == purposeEntry {
		p.entry = strategy.EntrySignal{Direction: strategy.Direction(order.Direction), Price: order.RefPrice}
	} else {
		p.exit = strategy.ExitSignal{Reason: c.session.ExitReason}
	}
	return p
}
