package broker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"go.uber.org/zap"
)

func TestClientRequestTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer server.Close()

	client := New(zap.NewNop(), "key", "secret", server.URL, 50*time.Millisecond)
	start := time.Now()
	_, err := client.SubmitOrder(context.Background(), OrderRequest{
		Symbol:        "SPY240318C00449500",
		Qty:           1,
		Side:          alpaca.Buy,
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: "spy.run.1",
	})
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("expected the request to be cut off near the timeout, took %s", elapsed)
	}
	if Rejected(err) {
		t.Fatalf("a timed-out submission must not count as rejected: %v", err)
	}
}

func TestClientOrderStatusByClientID(t *testing.T) {
	var gotPath, gotClientID string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotClientID = r.URL.Query().Get("client_order_id")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":40410000,"message":"order not found"}`))
	}))
	defer server.Close()

	client := New(zap.NewNop(), "key", "secret", server.URL, time.Second)
	_, err := client.OrderStatus(context.Background(), OrderHandle{ClientOrderID: "spy.run.3"})
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
	if gotPath != "/v2/orders:by_client_order_id" || gotClientID != "spy.run.3" {
		t.Fatalf("expected lookup by client order id, got %s ?client_order_id=%s", gotPath, gotClientID)
	}
}

func TestClientSubmitRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"code":40310000,"message":"insufficient buying power"}`))
	}))
	defer server.Close()

	client := New(zap.NewNop(), "key", "secret", server.URL, time.Second)
	_, err := client.SubmitOrder(context.Background(), OrderRequest{Symbol: "SPY", Qty: 1, Side: alpaca.Buy, Type: alpaca.Market, TimeInForce: alpaca.Day})
	if !Rejected(err) {
		t.Fatalf("expected a definitive rejection, got %v", err)
	}
}
