package md

import (
	"context"
	"fmt"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata/stream"
	"go.uber.org/zap"
)

type BarHandler func(Bar)

// StartStream subscribes to one-minute bars for every symbol and blocks
// until ctx is done or the stream terminates.
func StartStream(ctx context.Context, log *zap.Logger, apiKey, apiSecret, feed string, symbols []string, handler BarHandler) error {
	client := stream.NewStocksClient(
		parseFeed(feed),
		stream.WithCredentials(apiKey, apiSecret),
	)

	// Connect must be called before subscribing in this SDK version.
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect market data stream: %w", err)
	}
	log.Info("market data stream connected", zap.Strings("symbols", symbols), zap.String("feed", feed))

	if err := client.SubscribeToBars(func(bar stream.Bar) {
		log.Debug("bar received",
			zap.String("symbol", bar.Symbol),
			zap.Time("timestamp", bar.Timestamp),
			zap.Float64("close", bar.Close),
		)
		handler(Bar{
			Symbol:    bar.Symbol,
			Timestamp: bar.Timestamp,
			Open:      bar.Open,
			High:      bar.High,
			Low:       bar.Low,
			Close:     bar.Close,
			Volume:    float64(bar.Volume),
		})
	}, symbols...); err != nil {
		return fmt.Errorf("subscribe to bars: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-client.Terminated():
		if err != nil {
			return fmt.Errorf("market data stream terminated: %w", err)
		}
		return nil
	}
}

func parseFeed(feed string) marketdata.Feed {
	switch feed {
	case "iex":
		return marketdata.IEX
	case "sip":
		return marketdata.SIP
	default:
		return marketdata.IEX
	}
}
