package md

import (
	"testing"
	"time"
)

func minuteBar(symbol string, ts time.Time, o, h, l, c, v float64) Bar {
	return Bar{Symbol: symbol, Timestamp: ts, Open: o, High: h, Low: l, Close: c, Volume: v}
}

func TestAggregatorEmitsOnLastMinute(t *testing.T) {
	start := time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC)
	agg := NewAggregator(5 * time.Minute)
	closes := []float64{100, 101, 99, 102, 101.5}
	for i, c := range closes {
		out := agg.Add(minuteBar("SPY", start.Add(time.Duration(i)*time.Minute), c-0.2, c+0.5, c-0.5, c, 10))
		if i < 4 && len(out) != 0 {
			t.Fatalf("minute %d: expected no bar yet, got %+v", i, out)
		}
		if i == 4 {
			if len(out) != 1 {
				t.Fatalf("expected one bar on the last minute, got %d", len(out))
			}
			b := out[0]
			if !b.Timestamp.Equal(start) || b.Open != 99.8 || b.High != 102.5 || b.Low != 98.5 || b.Close != 101.5 || b.Volume != 50 {
				t.Fatalf("unexpected aggregate %+v", b)
			}
		}
	}
}

func TestAggregatorFlushesGappedBucket(t *testing.T) {
	start := time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC)
	agg := NewAggregator(5 * time.Minute)
	agg.Add(minuteBar("SPY", start, 100, 101, 99, 100.5, 10))
	agg.Add(minuteBar("SPY", start.Add(time.Minute), 100.5, 102, 100, 101, 5))

	out := agg.Add(minuteBar("SPY", start.Add(6*time.Minute), 101, 101.2, 100.8, 101.1, 7))
	if len(out) != 1 || !out[0].Timestamp.Equal(start) || out[0].Volume != 15 || out[0].High != 102 {
		t.Fatalf("expected the gapped bucket to flush, got %+v", out)
	}
	if late := agg.Add(minuteBar("SPY", start.Add(2*time.Minute), 1, 1, 1, 1, 1)); len(late) != 0 {
		t.Fatalf("expected late minute to be dropped, got %+v", late)
	}
}

func TestAggregatorKeepsSymbolsApart(t *testing.T) {
	start := time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC)
	agg := NewAggregator(5 * time.Minute)
	for i := 0; i < 4; i++ {
		at := start.Add(time.Duration(i) * time.Minute)
		agg.Add(minuteBar("SPY", at, 500, 501, 499, 500, 1))
		agg.Add(minuteBar("QQQ", at, 400, 401, 399, 400, 1))
	}
	out := agg.Add(minuteBar("SPY", start.Add(4*time.Minute), 500, 503, 499, 502, 1))
	if len(out) != 1 || out[0].Symbol != "SPY" || out[0].High != 503 {
		t.Fatalf("unexpected SPY bar %+v", out)
	}
	out = agg.Add(minuteBar("QQQ", start.Add(4*time.Minute), 400, 400.5, 398, 399, 1))
	if len(out) != 1 || out[0].Symbol != "QQQ" || out[0].Low != 398 || out[0].Volume != 5 {
		t.Fatalf("unexpected QQQ bar %+v", out)
	}
}

func TestAggregatorPassesThroughMinuteInterval(t *testing.T) {
	agg := NewAggregator(time.Minute)
	b := minuteBar("SPY", time.Date(2024, 3, 4, 14, 31, 0, 0, time.UTC), 1, 2, 1, 2, 3)
	if out := agg.Add(b); len(out) != 1 || out[0] != b {
		t.Fatalf("expected pass-through, got %+v", out)
	}
}
