package md

import (
	"sync"
	"time"
)

// Aggregator rolls one-minute bars up into interval bars aligned on the
// interval boundary. A bucket is emitted when its last minute arrives, or when
// a minute from a later bucket shows up first.
type Aggregator struct {
	mu       sync.Mutex
	interval time.Duration
	open     map[string]*Bar
	emitted  map[string]time.Time
}

func NewAggregator(interval time.Duration) *Aggregator {
	return &Aggregator{
		interval: interval,
		open:     map[string]*Bar{},
		emitted:  map[string]time.Time{},
	}
}

// Add folds minute into its bucket and returns the bars it completed, oldest
// first. Minutes belonging to an already emitted bucket are dropped.
func (a *Aggregator) Add(minute Bar) []Bar {
	if a.interval <= time.Minute {
		return []Bar{minute}
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	start := minute.Timestamp.Truncate(a.interval)
	if last, ok := a.emitted[minute.Symbol]; ok && !start.After(last) {
		return nil
	}

	var done []Bar
	cur := a.open[minute.Symbol]
	if cur != nil && start.Before(cur.Timestamp) {
		return nil
	}
	if cur != nil && !cur.Timestamp.Equal(start) {
		done = append(done, *cur)
		a.emitted[minute.Symbol] = cur.Timestamp
		cur = nil
	}
	if cur == nil {
		b := minute
		b.Timestamp = start
		cur = &b
	} else {
		cur.High = max(cur.High, minute.High)
		cur.Low = min(cur.Low, minute.Low)
		cur.Close = minute.Close
		cur.Volume += minute.Volume
	}

	if minute.Timestamp.Add(time.Minute).Before(start.Add(a.interval)) {
		a.open[minute.Symbol] = cur
		return done
	}
	delete(a.open, minute.Symbol)
	a.emitted[minute.Symbol] = start
	return append(done, *cur)
}
