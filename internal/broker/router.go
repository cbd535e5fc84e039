package broker

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ClientOrderIDSeparator splits the owning instance from the rest of a client
// order id.
const ClientOrderIDSeparator = "."

// Router fans one account-wide event stream out to the instance that owns the
// order, matched on the client order id prefix.
type Router struct {
	mu     sync.RWMutex
	log    *zap.Logger
	routes map[string]chan OrderEvent
}

func NewRouter(log *zap.Logger) *Router {
	return &Router{log: log, routes: map[string]chan OrderEvent{}}
}

func (r *Router) Register(instance string, buffer int) <-chan OrderEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan OrderEvent, buffer)
	r.routes[instance] = ch
	return ch
}

// Dispatch blocks until the owning instance accepts the event or ctx is done;
// fills are never dropped.
func (r *Router) Dispatch(ctx context.Context, event OrderEvent) {
	instance, _, ok := strings.Cut(event.Handle.ClientOrderID, ClientOrderIDSeparator)
	if !ok {
		r.log.Warn("order event without instance prefix", zap.String("client_order_id", event.Handle.ClientOrderID))
		return
	}
	r.mu.RLock()
	ch, found := r.routes[instance]
	r.mu.RUnlock()
	if !found {
		r.log.Warn("order event for unknown instance",
			zap.String("instance", instance),
			zap.String("order_id", event.Handle.ID),
		)
		return
	}
	select {
	case ch <- event:
	case <-ctx.Done():
	}
}

// Pump forwards every event from src until it closes or ctx is done.
func (r *Router) Pump(ctx context.Context, src <-chan OrderEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-src:
			if !ok {
				return
			}
			r.Dispatch(ctx, event)
		}
	}
}
