package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type OrderRequest struct {
	Symbol        string
	Qty           int
	Side          alpaca.Side
	Type          alpaca.OrderType
	TimeInForce   alpaca.TimeInForce
	ClientOrderID string
	LimitPrice    *float64
}

type OrderHandle struct {
	ID            string
	ClientOrderID string
	Status        string
}

type EventKind string

const (
	EventNew         EventKind = "new"
	EventFill        EventKind = "fill"
	EventPartialFill EventKind = "partial_fill"
	EventRejected    EventKind = "rejected"
	EventCanceled    EventKind = "canceled"
	EventExpired     EventKind = "expired"
)

// OrderEvent is a fill or rejection notification keyed by the order handle.
type OrderEvent struct {
	Handle    OrderHandle
	Kind      EventKind
	FilledQty int
	FillPrice float64
	Reason    string
	At        time.Time
}

// Failed reports whether the order ended without a fill.
func (e OrderEvent) Failed() bool {
	switch e.Kind {
	case EventRejected, EventCanceled, EventExpired:
		return true
	}
	return false
}

// Broker places and tracks orders. OrderStatus looks the order up by ID, or by
// ClientOrderID when the handle has no ID.
type Broker interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderHandle, error)
	CancelOrder(ctx context.Context, handle OrderHandle) error
	OrderStatus(ctx context.Context, handle OrderHandle) (OrderEvent, error)
}

var (
	// ErrRejected marks a submission the broker refused outright; no order
	// exists for its client order id.
	ErrRejected = errors.New("order rejected")
	// ErrOrderNotFound is returned by OrderStatus for an order the broker has
	// no record of.
	ErrOrderNotFound = errors.New("order not found")
)

// Rejected reports whether err proves the order was not placed. Timeouts and
// transport or server errors are ambiguous: the order may exist.
func Rejected(err error) bool {
	if errors.Is(err, ErrRejected) {
		return true
	}
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.StatusCode
		return code >= 400 && code < 500 && code != http.StatusRequestTimeout
	}
	return false
}

type Position struct {
	Symbol   string
	Qty      int
	AvgEntry float64
}

// ErrNoPosition is returned by Position when the account is flat in symbol.
var ErrNoPosition = errors.New("no position")

type Client struct {
	client *alpaca.Client
	log    *zap.Logger
}

// New builds an Alpaca trading client. The SDK methods take no context, so
// requestTimeout bounds every HTTP request through the client instead. Zero
// keeps the SDK default.
func New(log *zap.Logger, apiKey, apiSecret, baseURL string, requestTimeout time.Duration) *Client {
	opts := alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	}
	if requestTimeout > 0 {
		opts.HTTPClient = &http.Client{Timeout: requestTimeout}
	}
	return &Client{client: alpaca.NewClient(opts), log: log}
}

func (c *Client) SubmitOrder(ctx context.Context, req OrderRequest) (OrderHandle, error) {
	if err := ctx.Err(); err != nil {
		return OrderHandle{}, err
	}
	qty := decimal.NewFromInt(int64(req.Qty))
	orderReq := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          req.Side,
		Type:          req.Type,
		TimeInForce:   req.TimeInForce,
		ClientOrderID: req.ClientOrderID,
	}
	if req.LimitPrice != nil {
		limitPrice := decimal.NewFromFloat(*req.LimitPrice).Round(2)
		orderReq.LimitPrice = &limitPrice
	}

	order, err := c.client.PlaceOrder(orderReq)
	if err != nil {
		c.log.Error("place order failed",
			zap.String("side", string(req.Side)),
			zap.String("symbol", req.Symbol),
			zap.Int("qty", req.Qty),
			zap.String("client_order_id", req.ClientOrderID),
			zap.Error(err),
		)
		return OrderHandle{}, err
	}

	c.log.Info("place order success",
		zap.String("order_id", order.ID),
		zap.String("side", string(req.Side)),
		zap.String("symbol", req.Symbol),
		zap.Int("qty", req.Qty),
		zap.String("status", string(order.Status)),
	)
	return OrderHandle{
		ID:            order.ID,
		ClientOrderID: order.ClientOrderID,
		Status:        string(order.Status),
	}, nil
}

func (c *Client) CancelOrder(ctx context.Context, handle OrderHandle) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.client.CancelOrder(handle.ID); err != nil {
		c.log.Error("cancel order failed", zap.String("order_id", handle.ID), zap.Error(err))
		return err
	}
	c.log.Info("cancel order requested", zap.String("order_id", handle.ID))
	return nil
}

func (c *Client) OrderStatus(ctx context.Context, handle OrderHandle) (OrderEvent, error) {
	if err := ctx.Err(); err != nil {
		return OrderEvent{}, err
	}
	var (
		order *alpaca.Order
		err   error
	)
	if handle.ID == "" {
		order, err = c.client.GetOrderByClientOrderID(handle.ClientOrderID)
	} else {
		order, err = c.client.GetOrder(handle.ID)
	}
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return OrderEvent{}, fmt.Errorf("order %s%s: %w", handle.ID, handle.ClientOrderID, ErrOrderNotFound)
		}
		c.log.Error("fetch order failed",
			zap.String("order_id", handle.ID),
			zap.String("client_order_id", handle.ClientOrderID),
			zap.Error(err),
		)
		return OrderEvent{}, err
	}
	event := OrderEvent{
		Handle: OrderHandle{
			ID:            order.ID,
			ClientOrderID: order.ClientOrderID,
			Status:        string(order.Status),
		},
		Kind:      statusKind(string(order.Status)),
		FilledQty: int(order.FilledQty.IntPart()),
		At:        order.UpdatedAt,
	}
	if order.FilledAvgPrice != nil {
		event.FillPrice, _ = order.FilledAvgPrice.Float64()
	}
	return event, nil
}

// StreamEvents forwards trade updates to handler until ctx is done.
func (c *Client) StreamEvents(ctx context.Context, handler func(OrderEvent)) {
	c.client.StreamTradeUpdatesInBackground(ctx, func(update alpaca.TradeUpdate) {
		event := OrderEvent{
			Handle: OrderHandle{
				ID:            update.Order.ID,
				ClientOrderID: update.Order.ClientOrderID,
				Status:        string(update.Order.Status),
			},
			Kind: EventKind(update.Event),
			At:   update.At,
		}
		if update.Qty != nil {
			event.FilledQty = int(update.Qty.IntPart())
		}
		if update.Price != nil {
			event.FillPrice, _ = update.Price.Float64()
		}
		c.log.Debug("trade update",
			zap.String("event", update.Event),
			zap.String("order_id", update.Order.ID),
			zap.String("client_order_id", update.Order.ClientOrderID),
		)
		handler(event)
	})
}

func (c *Client) Position(ctx context.Context, symbol string) (Position, error) {
	if err := ctx.Err(); err != nil {
		return Position{}, err
	}
	pos, err := c.client.GetPosition(symbol)
	if err != nil {
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == 404 {
			return Position{}, fmt.Errorf("%s: %w", symbol, ErrNoPosition)
		}
		c.log.Error("fetch position failed", zap.String("symbol", symbol), zap.Error(err))
		return Position{}, err
	}
	avgEntry, _ := pos.AvgEntryPrice.Float64()
	return Position{
		Symbol:   pos.Symbol,
		Qty:      int(pos.Qty.IntPart()),
		AvgEntry: avgEntry,
	}, nil
}

func statusKind(status string) EventKind {
	switch status {
	case "filled":
		return EventFill
	case "partially_filled":
		return EventPartialFill
	case "rejected":
		return EventRejected
	case "canceled":
		return EventCanceled
	case "expired":
		return EventExpired
	default:
		return EventNew
	}
}

func WaitForContext(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
