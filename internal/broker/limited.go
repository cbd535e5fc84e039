package broker

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limited serialises order traffic from every strategy instance sharing one
// broker account and keeps it under the account's request rate.
type Limited struct {
	next    Broker
	limiter *rate.Limiter
	mu      sync.Mutex
}

func NewLimited(next Broker, perSecond float64, burst int) *Limited {
	if burst < 1 {
		burst = 1
	}
	return &Limited{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

func (l *Limited) SubmitOrder(ctx context.Context, req OrderRequest) (OrderHandle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.limiter.Wait(ctx); err != nil {
		return OrderHandle{}, err
	}
	return l.next.SubmitOrder(ctx, req)
}

func (l *Limited) CancelOrder(ctx context.Context, handle OrderHandle) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}
	return l.next.CancelOrder(ctx, handle)
}

func (l *Limited) OrderStatus(ctx context.Context, handle OrderHandle) (OrderEvent, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return OrderEvent{}, err
	}
	return l.next.OrderStatus(ctx, handle)
}
