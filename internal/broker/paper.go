package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ReasonUnpriced marks a paper fill for a symbol that had no mark.
const ReasonUnpriced = "unpriced"

// Paper fills every order immediately at the last marked price and publishes
// the fill on Events. It stands in for the broker when orders must not leave
// the process. A client order id is filled at most once.
type Paper struct {
	mu       sync.Mutex
	log      *zap.Logger
	marks    map[string]float64
	orders   map[string]OrderEvent
	byClient map[string]string
	events   chan OrderEvent
	now      func() time.Time
}

func NewPaper(log *zap.Logger, buffer int) *Paper {
	return &Paper{
		log:      log,
		marks:    map[string]float64{},
		orders:   map[string]OrderEvent{},
		byClient: map[string]string{},
		events:   make(chan OrderEvent, buffer),
		now:      time.Now,
	}
}

func (p *Paper) Events() <-chan OrderEvent {
	return p.events
}

func (p *Paper) Mark(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marks[symbol] = price
}

func (p *Paper) SubmitOrder(ctx context.Context, req OrderRequest) (OrderHandle, error) {
	if err := ctx.Err(); err != nil {
		return OrderHandle{}, err
	}
	if req.Qty <= 0 {
		return OrderHandle{}, fmt.Errorf("paper order %s: invalid qty %d: %w", req.ClientOrderID, req.Qty, ErrRejected)
	}

	p.mu.Lock()
	if id, ok := p.byClient[req.ClientOrderID]; ok && req.ClientOrderID != "" {
		handle := p.orders[id].Handle
		p.mu.Unlock()
		p.log.Info("paper order already placed", zap.String("client_order_id", req.ClientOrderID), zap.String("order_id", id))
		return handle, nil
	}
	price, marked := p.marks[req.Symbol]
	if req.LimitPrice != nil {
		price, marked = *req.LimitPrice, true
	}
	handle := OrderHandle{ID: uuid.NewString(), ClientOrderID: req.ClientOrderID, Status: "filled"}
	event := OrderEvent{
		Handle:    handle,
		Kind:      EventFill,
		FilledQty: req.Qty,
		FillPrice: price,
		At:        p.now(),
	}
	if !marked {
		event.Reason = ReasonUnpriced
	}
	p.orders[handle.ID] = event
	if req.ClientOrderID != "" {
		p.byClient[req.ClientOrderID] = handle.ID
	}
	p.mu.Unlock()

	if marked {
		p.log.Info("paper order filled",
			zap.String("symbol", req.Symbol),
			zap.String("side", string(req.Side)),
			zap.Int("qty", req.Qty),
			zap.Float64("price", price),
			zap.String("client_order_id", req.ClientOrderID),
		)
	} else {
		p.log.Warn("paper order filled unpriced",
			zap.String("symbol", req.Symbol),
			zap.String("side", string(req.Side)),
			zap.Int("qty", req.Qty),
			zap.String("client_order_id", req.ClientOrderID),
		)
	}

	// The fill stays retrievable through OrderStatus when ctx ends first.
	select {
	case p.events <- event:
	case <-ctx.Done():
		p.log.Warn("paper fill not published", zap.String("client_order_id", req.ClientOrderID), zap.Error(ctx.Err()))
	}
	return handle, nil
}

// CancelOrder never succeeds: paper orders are filled on submission.
func (p *Paper) CancelOrder(ctx context.Context, handle OrderHandle) error {
	return fmt.Errorf("paper order %s already filled", handle.ID)
}

func (p *Paper) OrderStatus(ctx context.Context, handle OrderHandle) (OrderEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := handle.ID
	if id == "" {
		id = p.byClient[handle.ClientOrderID]
	}
	event, ok := p.orders[id]
	if !ok {
		return OrderEvent{}, fmt.Errorf("paper order %s%s: %w", handle.ID, handle.ClientOrderID, ErrOrderNotFound)
	}
	return event, nil
}
