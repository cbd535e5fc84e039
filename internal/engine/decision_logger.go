package engine

import (
	"bufio"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type Decision struct {
	RunID         string    `json:"run_id"`
	Instance      string    `json:"instance"`
	Timestamp     time.Time `json:"timestamp"`
	BarTime       time.Time `json:"bar_time,omitempty"`
	Symbol        string    `json:"symbol"`
	Close         float64   `json:"close,omitempty"`
	FastEMA       float64   `json:"fast_ema,omitempty"`
	SlowEMA       float64   `json:"slow_ema,omitempty"`
	VWAP          float64   `json:"vwap,omitempty"`
	Phase         string    `json:"phase"`
	Bias          string    `json:"bias,omitempty"`
	Event         string    `json:"event"`
	Result        string    `json:"result,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Direction     string    `json:"direction,omitempty"`
	Instrument    string    `json:"instrument,omitempty"`
	Contracts     int       `json:"contracts,omitempty"`
	Price         float64   `json:"price,omitempty"`
	OrderID       string    `json:"order_id,omitempty"`
	ClientOrderID string    `json:"client_order_id,omitempty"`
	Attempt       int       `json:"attempt,omitempty"`
	Substituted   bool      `json:"substituted,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// DecisionLogger appends one JSON line per decision. A nil logger discards.
type DecisionLogger struct {
	runID  string
	log    *zap.Logger
	file   *os.File
	writer *bufio.Writer
	mu     sync.Mutex
}

func NewDecisionLogger(log *zap.Logger, path string, runID string) (*DecisionLogger, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &DecisionLogger{
		runID:  runID,
		log:    log,
		file:   file,
		writer: bufio.NewWriter(file),
	}, nil
}

func (d *DecisionLogger) RunID() string {
	if d == nil {
		return ""
	}
	return d.runID
}

func (d *DecisionLogger) Append(decision Decision) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	decision.RunID = d.runID
	payload, err := json.Marshal(decision)
	if err != nil {
		d.log.Error("marshal decision failed", zap.Error(err))
		return
	}
	if _, err := d.writer.Write(append(payload, '\n')); err != nil {
		d.log.Error("write decision failed", zap.Error(err))
		return
	}
	if err := d.writer.Flush(); err != nil {
		d.log.Error("flush decision log failed", zap.Error(err))
	}
}

func (d *DecisionLogger) Close() error {
	if d == nil {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return multierr.Append(d.writer.Flush(), d.file.Close())
}
