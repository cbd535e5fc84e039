package broker

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestRouterDispatchesByInstancePrefix(t *testing.T) {
	router := NewRouter(zap.NewNop())
	spy := router.Register("spy", 1)
	qqq := router.Register("qqq", 1)

	router.Dispatch(context.Background(), OrderEvent{Handle: OrderHandle{ClientOrderID: "qqq.run.1"}, Kind: EventFill})

	select {
	case event := <-qqq:
		if event.Kind != EventFill {
			t.Fatalf("unexpected event %+v", event)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected event on qqq route")
	}
	select {
	case event := <-spy:
		t.Fatalf("unexpected event on spy route %+v", event)
	default:
	}
}

func TestRouterDropsUnknownPrefix(t *testing.T) {
	router := NewRouter(zap.NewNop())
	spy := router.Register("spy", 1)
	router.Dispatch(context.Background(), OrderEvent{Handle: OrderHandle{ClientOrderID: "manual-order"}})
	router.Dispatch(context.Background(), OrderEvent{Handle: OrderHandle{ClientOrderID: "iwm.run.1"}})
	if len(spy) != 0 {
		t.Fatalf("expected no events routed")
	}
}

func TestRouterPumpStopsOnClose(t *testing.T) {
	router := NewRouter(zap.NewNop())
	spy := router.Register("spy", 2)
	src := make(chan OrderEvent, 2)
	src <- OrderEvent{Handle: OrderHandle{ClientOrderID: "spy.run.1"}, Kind: EventNew}
	close(src)

	done := make(chan struct{})
	go func() {
		router.Pump(context.Background(), src)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("pump did not stop on closed source")
	}
	if len(spy) != 1 {
		t.Fatalf("expected one routed event, got %d", len(spy))
	}
}
