package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"optionsbot/internal/broker"
	"optionsbot/internal/clock"
	"optionsbot/internal/indicator"
	"optionsbot/internal/md"
	"optionsbot/internal/metrics"
	"optionsbot/internal/risk"
	"optionsbot/internal/state"
	"optionsbot/internal/strategy"
	"optionsbot/internal/trace"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"go.uber.org/zap"
)

const dateLayout = "2006-01-02"

// Settings is the resolved configuration of one instance.
type Settings struct {
	Instance     string
	Symbol       string
	Contracts    int
	MaxContracts int
	ProfitTarget float64

	Location       *time.Location
	BarInterval    time.Duration
	SignalTime     clock.TimeOfDay
	ForceCloseTime clock.TimeOfDay
	NoEntryAfter   clock.TimeOfDay

	FastPeriod     int
	SlowPeriod     int
	TouchBand      float64
	TakeProfitMode strategy.TakeProfitMode
	CarryEMA       bool
	Option         broker.OptionSelector

	MaxRetries        int
	RetryBackoff      time.Duration
	OrderTimeout      time.Duration
	FillTimeout       time.Duration
	ReconcileInterval time.Duration
	ShutdownTimeout   time.Duration
	TickInterval      time.Duration

	KillSwitch     bool
	CheckpointPath string
}

type Deps struct {
	Broker    broker.Broker
	Clock     clock.Clock
	Log       *zap.Logger
	Decisions *DecisionLogger
	Store     *state.Store
	Gate      risk.Gate
	RunID     string
}

// Controller drives one instance through its trading day. All methods must be
// called from a single goroutine; Run provides that loop.
type Controller struct {
	cfg       Settings
	broker    broker.Broker
	clock     clock.Clock
	log       *zap.Logger
	decisions *DecisionLogger
	store     *state.Store
	gate      risk.Gate
	runID     string

	indicators *indicator.Engine
	bias       strategy.BiasResolver
	entry      strategy.EntryWatcher
	monitor    strategy.PositionMonitor

	session   *Session
	pending   *pendingOrder
	lastBar   md.Bar
	lastState indicator.State
	hasBar    bool
	stuck     bool
	alert     error
	dirty     bool
	orderSeq  uint64

	// biasTriedAt is the last bar the clock fallback evaluated.
	biasTriedAt time.Time
}

func New(cfg Settings, deps Deps) *Controller {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.BarInterval <= 0 {
		cfg.BarInterval = 5 * time.Minute
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 1
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.NoEntryAfter.IsZero() {
		cfg.NoEntryAfter = cfg.ForceCloseTime
	}

	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("instance", cfg.Instance), zap.String("symbol", cfg.Symbol))
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	store := deps.Store
	if store == nil {
		store = state.NewStore()
	}
	gate := deps.Gate
	if gate.Log == nil {
		gate.Log = log
	}
	runID := deps.RunID
	if runID == "" {
		runID = deps.Decisions.RunID()
	}

	return &Controller{
		cfg:        cfg,
		broker:     deps.Broker,
		clock:      clk,
		log:        log,
		decisions:  deps.Decisions,
		store:      store,
		gate:       gate,
		runID:      runID,
		indicators: indicator.NewEngine(cfg.FastPeriod, cfg.SlowPeriod),
		entry:      strategy.EntryWatcher{TouchBand: cfg.TouchBand},
		monitor: strategy.PositionMonitor{
			ForceCloseAt: cfg.ForceCloseTime,
			Location:     cfg.Location,
			ProfitTarget: cfg.ProfitTarget,
			Mode:         cfg.TakeProfitMode,
		},
	}
}

func (c *Controller) Name() string {
	return c.cfg.Instance
}

// Session returns a copy of the current session, or the zero Session before
// the first bar.
func (c *Controller) Session() Session {
	if c.session == nil {
		return Session{}
	}
	return c.session.copy()
}

func (c *Controller) Pending() bool {
	return c.pending != nil
}

// Alert is non-nil while an exit order has exhausted its retries and the
// position is still open.
func (c *Controller) Alert() error {
	return c.alert
}

// Warmup replays bars already printed this session into the indicators without
// taking any decisions.
func (c *Controller) Warmup(bars []md.Bar) {
	applied := 0
	for _, bar := range bars {
		if err := bar.Validate(); err != nil {
			c.log.Warn("warmup bar discarded", zap.Time("bar_time", bar.Timestamp), zap.Error(err))
			continue
		}
		c.rollSession(bar)
		st, err := c.indicators.Update(bar)
		if err != nil {
			c.log.Warn("warmup bar discarded", zap.Time("bar_time", bar.Timestamp), zap.Error(err))
			continue
		}
		c.lastBar, c.lastState, c.hasBar = bar, st, true
		applied++
	}
	st := c.indicators.State()
	c.log.Info("indicators warmed up",
		zap.Int("bars", applied),
		zap.Float64("fast_ema", st.FastEMA),
		zap.Float64("slow_ema", st.SlowEMA),
		zap.Float64("vwap", st.VWAP),
	)
}

func (c *Controller) OnBar(ctx context.Context, bar md.Bar) error {
	ctx, span := trace.StartSpan(ctx, "engine.OnBar")
	defer span.End()

	if err := bar.Validate(); err != nil {
		c.discard(bar, err)
		return err
	}
	c.rollSession(bar)
	st, err := c.indicators.Update(bar)
	if err != nil {
		c.discard(bar, err)
		return err
	}
	c.lastBar, c.lastState, c.hasBar = bar, st, true
	metrics.BarsTotal.WithLabelValues(c.cfg.Instance).Inc()

	at := bar.End(c.cfg.BarInterval)
	c.log.Debug("bar",
		zap.Time("bar_time", bar.Timestamp),
		zap.Float64("close", bar.Close),
		zap.Float64("fast_ema", st.FastEMA),
		zap.Float64("slow_ema", st.SlowEMA),
		zap.Float64("vwap", st.VWAP),
		zap.Stringer("phase", c.session.Phase),
	)

	c.servicePending(ctx)
	switch c.session.Phase {
	case AwaitingSignalTime:
		c.resolveBias(bar, st, at)
	case AwaitingEntry:
		c.watchEntry(ctx, bar, st, at)
	case InPosition:
		c.watchExit(ctx, bar, st, at)
	}
	c.checkpoint()
	return nil
}

// Tick runs the time-driven checks against the wall clock so a stalled bar
// stream cannot skip the signal time or the force-close.
func (c *Controller) Tick(ctx context.Context) {
	c.servicePending(ctx)
	s := c.session
	if s == nil {
		if c.dirty {
			c.checkpoint()
		}
		return
	}
	now := c.clock.Now()

	if s.Phase == AwaitingSignalTime && c.hasBar {
		grace := c.sessionTime(c.cfg.SignalTime).Add(c.cfg.BarInterval)
		stale := !c.lastBar.Timestamp.After(c.biasTriedAt)
		if !now.Before(grace) && !stale && clock.SessionDate(c.lastBar.Timestamp, c.cfg.Location).Equal(s.Date) {
			c.biasTriedAt = c.lastBar.Timestamp
			c.log.Warn("no bar at signal time, using last bar", zap.Time("bar_time", c.lastBar.Timestamp))
			c.resolveBias(c.lastBar, c.lastState, now)
		}
	}

	if !now.Before(c.sessionTime(c.cfg.ForceCloseTime)) {
		switch s.Phase {
		case AwaitingSignalTime:
			c.closeSession("no_bias_before_force_close")
		case AwaitingEntry:
			c.abandonEntry(ctx, "no_entry_before_force_close")
		case InPosition:
			if c.pending == nil {
				c.log.Warn("force close from clock")
				c.exit(ctx, strategy.ExitSignal{Reason: strategy.ForceClose, Price: c.lastBar.Close, Time: now})
			}
		}
	}
	if c.dirty {
		c.checkpoint()
	}
}

// Flatten cancels a pending entry and force-closes an open position.
func (c *Controller) Flatten(ctx context.Context) {
	s := c.session
	if s == nil {
		return
	}
	switch {
	case c.pending != nil && c.pending.purpose == purposeEntry:
		c.abandonEntry(ctx, "shutdown")
	case c.pending == nil && s.Phase == InPosition:
		c.log.Info("flattening position on shutdown", zap.String("instrument", s.Position.Instrument))
		c.exit(ctx, strategy.ExitSignal{Reason: strategy.ForceClose, Price: c.lastBar.Close, Time: c.clock.Now()})
	}
	c.checkpoint()
}

// Run multiplexes bars, order events and clock ticks until ctx is done, then
// flattens and waits up to ShutdownTimeout for the exit to fill.
func (c *Controller) Run(ctx context.Context, bars <-chan md.Bar, events <-chan broker.OrderEvent) error {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return c.shutdown(events)
		case bar, ok := <-bars:
			if !ok {
				bars = nil
				continue
			}
			_ = c.OnBar(ctx, bar)
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.OnOrderEvent(ctx, event)
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

func (c *Controller) shutdown(events <-chan broker.OrderEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownTimeout)
	defer cancel()
	c.Flatten(ctx)

	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()
	for !c.flat() {
		select {
		case <-ctx.Done():
			c.checkpoint()
			c.log.Error("shutdown with open exposure", zap.Bool("order_pending", c.pending != nil))
			return fmt.Errorf("instance %s: flatten: %w", c.cfg.Instance, ctx.Err())
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.OnOrderEvent(ctx, event)
		case <-ticker.C:
			c.servicePending(ctx)
			c.Flatten(ctx)
		}
	}
	c.checkpoint()
	c.log.Info("instance stopped flat")
	return nil
}

func (c *Controller) flat() bool {
	if c.pending != nil {
		return false
	}
	return c.session == nil || c.session.Position == nil
}

func (c *Controller) discard(bar md.Bar, err error) {
	kind := "invalid"
	var dataErr *md.DataError
	if errors.As(err, &dataErr) {
		kind = string(dataErr.Kind)
	}
	metrics.DataErrorsTotal.WithLabelValues(c.cfg.Instance, kind).Inc()
	c.log.Warn("bar discarded", zap.String("kind", kind), zap.Time("bar_time", bar.Timestamp), zap.Error(err))
	d := c.decision("bar_discarded")
	d.BarTime = bar.Timestamp
	d.Reason = kind
	d.Error = err.Error()
	c.record(d)
}

// rollSession starts a new session on the first bar of a new date. A session
// with open exposure is kept until it is flat.
func (c *Controller) rollSession(bar md.Bar) {
	date := clock.SessionDate(bar.Timestamp, c.cfg.Location)
	if c.session != nil && !date.After(c.session.Date) {
		return
	}
	if c.session != nil && !c.flat() {
		c.log.Warn("new date with open exposure, holding session",
			zap.String("session", c.session.Date.Format(dateLayout)),
			zap.String("date", date.Format(dateLayout)),
		)
		return
	}
	if prev := c.session; prev != nil {
		c.log.Info("session ended",
			zap.String("date", prev.Date.Format(dateLayout)),
			zap.Stringer("phase", prev.Phase),
			zap.String("reason", prev.Reason),
		)
	}
	c.session = &Session{Date: date, Phase: AwaitingSignalTime}
	c.indicators.ResetSession(c.cfg.CarryEMA)
	c.bias.Reset()
	c.entry.Reset()
	metrics.SessionPhase.WithLabelValues(c.cfg.Instance).Set(float64(AwaitingSignalTime))
	c.log.Info("session started", zap.String("date", date.Format(dateLayout)))
	c.record(c.decision("session_start"))
}

func (c *Controller) resolveBias(bar md.Bar, st indicator.State, at time.Time) {
	s := c.session
	if !at.Before(c.sessionTime(c.cfg.ForceCloseTime)) {
		c.closeSession("no_bias_before_force_close")
		return
	}
	signalAt := c.sessionTime(c.cfg.SignalTime)
	if at.Before(signalAt) {
		return
	}

	d := c.barDecision("bias", bar, st)
	d.Substituted = at.After(signalAt)
	bias, err := c.bias.Resolve(bar.Close, st)
	if err != nil {
		d.Result = "deferred"
		d.Error = err.Error()
		c.record(d)
		c.log.Info("bias deferred", zap.Time("bar_time", bar.Timestamp), zap.Error(err))
		return
	}
	s.Bias = bias
	d.Result = string(bias)
	c.record(d)
	c.log.Info("bias resolved",
		zap.String("bias", string(bias)),
		zap.Float64("price", bar.Close),
		zap.Bool("substituted", d.Substituted),
	)

	if bias == strategy.Neutral {
		c.closeSession("neutral_bias")
		return
	}
	c.setPhase(AwaitingEntry)
}

func (c *Controller) watchEntry(ctx context.Context, bar md.Bar, st indicator.State, at time.Time) {
	s := c.session
	if !at.Before(c.sessionTime(c.cfg.ForceCloseTime)) {
		c.abandonEntry(ctx, "no_entry_before_force_close")
		return
	}
	if c.pending != nil || s.TradeTaken {
		return
	}
	signal, ok := c.entry.CheckTouch(bar, s.Bias, st.FastEMA)
	if !ok {
		return
	}
	s.EntrySignals++
	c.enter(ctx, signal, bar, st, at)
}

func (c *Controller) enter(ctx context.Context, signal strategy.EntrySignal, bar md.Bar, st indicator.State, at time.Time) {
	s := c.session
	d := c.barDecision("entry_signal", bar, st)
	d.Direction = string(signal.Direction)
	d.Price = signal.Price
	d.Reason = signal.Reason

	approved, err := c.gate.Evaluate(risk.EntryIntent{Signal: signal, Contracts: c.cfg.Contracts}, risk.RiskContext{
		Now:          at,
		NoEntryAfter: c.sessionTime(c.cfg.NoEntryAfter),
		TradeTaken:   s.TradeTaken,
		Halted:       s.Halted,
		OrderPending: c.pending != nil,
		KillSwitch:   c.cfg.KillSwitch,
		MaxContracts: c.cfg.MaxContracts,
	})
	if err != nil {
		d.Result = "rejected"
		d.Error = err.Error()
		c.record(d)
		c.closeSession("entry_rejected")
		return
	}

	right := broker.Call
	if signal.Direction == strategy.Short {
		right = broker.Put
	}
	contract, err := c.cfg.Option.Select(right, signal.Price, s.Date)
	if err != nil {
		d.Result = "contract_failed"
		d.Error = err.Error()
		c.record(d)
		c.log.Error("option selection failed", zap.Error(err))
		c.closeSession("contract_selection_failed")
		return
	}

	s.TradeTaken = true
	c.entry.Disarm()
	d.Result = approved.Reason
	d.Instrument = contract.Symbol
	d.Contracts = approved.Intent.Contracts
	c.record(d)
	c.log.Info("entry signal",
		zap.String("direction", string(signal.Direction)),
		zap.Float64("price", signal.Price),
		zap.String("instrument", contract.Symbol),
		zap.Int("contracts", approved.Intent.Contracts),
	)

	c.pending = &pendingOrder{
		purpose: purposeEntry,
		req: broker.OrderRequest{
			Symbol:      contract.Symbol,
			Qty:         approved.Intent.Contracts,
			Side:        alpaca.Buy,
			Type:        alpaca.Market,
			TimeInForce: alpaca.Day,
		},
		entry:       signal,
		nextAttempt: c.clock.Now(),
	}
	c.servicePending(ctx)
}

func (c *Controller) watchExit(ctx context.Context, bar md.Bar, st indicator.State, at time.Time) {
	if c.pending != nil {
		return
	}
	var (
		signal strategy.ExitSignal
		ok     bool
	)
	if !at.Before(c.sessionTime(c.cfg.ForceCloseTime)) {
		signal, ok = strategy.ExitSignal{Reason: strategy.ForceClose, Price: bar.Close, Time: at}, true
	} else {
		signal, ok = c.monitor.Evaluate(bar, c.session.Position.open(), st, at)
	}
	if !ok {
		return
	}
	d := c.barDecision("exit_signal", bar, st)
	d.Reason = string(signal.Reason)
	d.Price = signal.Price
	c.record(d)
	c.exit(ctx, signal)
}

func (c *Controller) exit(ctx context.Context, signal strategy.ExitSignal) {
	s := c.session
	pos := s.Position
	s.ExitSignals++
	s.ExitReason = signal.Reason
	pos.ExitPrice = signal.Price
	c.log.Info("exit signal",
		zap.String("reason", string(signal.Reason)),
		zap.Float64("price", signal.Price),
		zap.Float64("underlying_pnl", strategy.UnrealizedPerContract(pos.open(), signal.Price)),
		zap.String("instrument", pos.Instrument),
	)

	c.pending = &pendingOrder{
		purpose: purposeExit,
		req: broker.OrderRequest{
			Symbol:      pos.Instrument,
			Qty:         pos.Contracts,
			Side:        alpaca.Sell,
			Type:        alpaca.Market,
			TimeInForce: alpaca.Day,
		},
		exit:        signal,
		nextAttempt: c.clock.Now(),
	}
	c.servicePending(ctx)
}

func (c *Controller) closeSession(reason string) {
	s := c.session
	if s.Phase == Closed {
		return
	}
	s.Reason = reason
	c.entry.Disarm()
	c.setPhase(Closed)
	d := c.decision("session_closed")
	d.Reason = reason
	c.record(d)
	c.log.Info("session closed", zap.String("reason", reason), zap.Bool("trade_taken", s.TradeTaken))
}

func (c *Controller) setPhase(to Phase) {
	if err := c.session.advance(to); err != nil {
		c.log.Error("invalid phase transition", zap.Error(err))
		return
	}
	metrics.SessionPhase.WithLabelValues(c.cfg.Instance).Set(float64(to))
}

func (c *Controller) sessionTime(t clock.TimeOfDay) time.Time {
	return t.On(c.session.Date, c.cfg.Location)
}

func (c *Controller) decision(event string) Decision {
	return Decision{
		Instance:  c.cfg.Instance,
		Timestamp: c.clock.Now().UTC(),
		Symbol:    c.cfg.Symbol,
		Event:     event,
	}
}

func (c *Controller) barDecision(event string, bar md.Bar, st indicator.State) Decision {
	d := c.decision(event)
	d.BarTime = bar.Timestamp
	d.Close = bar.Close
	d.FastEMA = st.FastEMA
	d.SlowEMA = st.SlowEMA
	d.VWAP = st.VWAP
	return d
}

func (c *Controller) record(d Decision) {
	if s := c.session; s != nil {
		d.Phase = s.Phase.String()
		d.Bias = string(s.Bias)
	}
	c.dirty = true
	c.decisions.Append(d)
}
