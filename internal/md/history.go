package md

import (
	"context"
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
)

// BarFetcher is the subset of the marketdata client used for history.
type BarFetcher interface {
	GetBars(symbol string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error)
}

func NewHistoryClient(apiKey, apiSecret string) *marketdata.Client {
	return marketdata.NewClient(marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	})
}

// History fetches completed bars in [start, end) so a session started mid-day
// can rebuild its indicators before live bars arrive.
func History(ctx context.Context, client BarFetcher, symbol, feed string, interval time.Duration, start, end time.Time) ([]Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	minutes := int(interval / time.Minute)
	if minutes <= 0 {
		return nil, fmt.Errorf("bar interval %s is below one minute", interval)
	}
	raw, err := client.GetBars(symbol, marketdata.GetBarsRequest{
		TimeFrame: marketdata.NewTimeFrame(minutes, marketdata.Min),
		Start:     start,
		End:       end,
		Feed:      parseFeed(feed),
	})
	if err != nil {
		return nil, fmt.Errorf("get bars %s: %w", symbol, err)
	}
	bars := make([]Bar, 0, len(raw))
	for _, b := range raw {
		// The last bar may still be forming.
		if b.Timestamp.Add(interval).After(end) {
			continue
		}
		bars = append(bars, Bar{
			Symbol:    symbol,
			Timestamp: b.Timestamp,
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    float64(b.Volume),
		})
	}
	return bars, nil
}
