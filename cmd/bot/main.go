package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"optionsbot/internal/broker"
	"optionsbot/internal/clock"
	"optionsbot/internal/config"
	"optionsbot/internal/engine"
	"optionsbot/internal/logger"
	"optionsbot/internal/md"
	"optionsbot/internal/metrics"
	"optionsbot/internal/state"
	"optionsbot/internal/strategy"
	"optionsbot/internal/trace"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	eventBuffer  = 64
	barBuffer    = 64
	maxReconnect = time.Minute
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	runID := uuid.NewString()
	zl := logger.New(logger.Options{Level: cfg.LogLevel, File: cfg.LogFile}).With(zap.String("run_id", runID))
	defer func() { _ = zl.Sync() }()

	if err := run(cfg, zl, runID); err != nil {
		zl.Error("bot stopped with error", zap.Error(err))
		_ = zl.Sync()
		log.Fatalf("bot error: %v", err)
	}
	zl.Info("bot shutdown complete")
}

func run(cfg config.Config, zl *zap.Logger, runID string) (err error) {
	if err := trace.Init(); err != nil {
		zl.Warn("tracing disabled", zap.Error(err))
	}
	var srv *http.Server
	if cfg.MetricsAddr != "" {
		srv = metrics.Serve(cfg.MetricsAddr)
		zl.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
	}

	decisions, err := engine.NewDecisionLogger(zl, cfg.DecisionsPath, runID)
	if err != nil {
		return err
	}

	// Order events must keep flowing while instances flatten after a signal,
	// so the plumbing outlives the signal context.
	plumbing, stopPlumbing := context.WithCancel(context.Background())
	defer func() {
		stopPlumbing()
		err = multierr.Append(err, closeAll(zl, decisions, srv))
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	router := broker.NewRouter(zl.Named("router"))
	var (
		orders    broker.Broker
		positions engine.PositionReader
		paper     *broker.Paper
	)
	switch cfg.Mode {
	case config.ModeStream:
		paper = broker.NewPaper(zl.Named("paper"), eventBuffer)
		orders = paper
		go router.Pump(plumbing, paper.Events())
	default:
		client := broker.New(zl.Named("broker"), cfg.APIKey, cfg.APISecret, cfg.BaseURL(), cfg.OrderTimeout)
		orders = client
		positions = client
		client.StreamEvents(plumbing, func(event broker.OrderEvent) {
			router.Dispatch(plumbing, event)
		})
	}
	orders = broker.NewLimited(orders, cfg.OrdersPerSecond, len(cfg.Instances))

	history := md.NewHistoryClient(cfg.APIKey, cfg.APISecret)
	g, gctx := errgroup.WithContext(ctx)
	feeds := map[string][]chan md.Bar{}
	var symbols []string

	for _, inst := range cfg.Instances {
		settings := settingsFor(cfg, inst)
		store := state.NewStore()
		controller := engine.New(settings, engine.Deps{
			Broker:    orders,
			Log:       zl,
			Decisions: decisions,
			Store:     store,
			RunID:     runID,
		})

		if err := restore(zl, controller, store, settings.CheckpointPath); err != nil {
			return err
		}
		if cfg.APIKey != "" {
			warmup(ctx, zl, cfg, inst, history, controller)
		}
		if positions != nil {
			if err := controller.ReconcilePosition(ctx, positions); err != nil {
				zl.Warn("position reconcile failed", zap.String("instance", inst.Name), zap.Error(err))
			}
		}

		bars := make(chan md.Bar, barBuffer)
		if _, seen := feeds[inst.Ticker]; !seen {
			symbols = append(symbols, inst.Ticker)
		}
		feeds[inst.Ticker] = append(feeds[inst.Ticker], bars)
		events := router.Register(inst.Name, eventBuffer)

		g.Go(func() error {
			return controller.Run(gctx, bars, events)
		})
	}

	agg := md.NewAggregator(cfg.BarInterval)
	g.Go(func() error {
		streamBars(gctx, zl, cfg, symbols, func(minute md.Bar) {
			if paper != nil {
				paper.Mark(minute.Symbol, minute.Close)
			}
			for _, bar := range agg.Add(minute) {
				for _, ch := range feeds[bar.Symbol] {
					select {
					case ch <- bar:
					case <-gctx.Done():
						return
					}
				}
			}
		})
		return nil
	})

	zl.Info("bot started",
		zap.String("mode", string(cfg.Mode)),
		zap.String("feed", cfg.Feed),
		zap.Strings("symbols", symbols),
		zap.Bool("kill_switch", cfg.KillSwitch),
	)
	return g.Wait()
}

func settingsFor(cfg config.Config, inst config.Instance) engine.Settings {
	return engine.Settings{
		Instance:          inst.Name,
		Symbol:            inst.Ticker,
		Contracts:         inst.Contracts,
		MaxContracts:      inst.MaxContracts,
		ProfitTarget:      inst.ProfitTarget,
		Location:          cfg.Location,
		BarInterval:       cfg.BarInterval,
		SignalTime:        inst.Schedule.SignalTime,
		ForceCloseTime:    inst.Schedule.ForceClose,
		NoEntryAfter:      inst.Schedule.NoEntryAfter,
		FastPeriod:        inst.FastPeriod,
		SlowPeriod:        inst.SlowPeriod,
		TouchBand:         inst.TouchBand,
		TakeProfitMode:    strategy.TakeProfitMode(inst.TakeProfitMode),
		CarryEMA:          inst.CarryEMA,
		MaxRetries:        cfg.MaxRetries,
		RetryBackoff:      cfg.RetryBackoff,
		OrderTimeout:      cfg.OrderTimeout,
		FillTimeout:       cfg.FillTimeout,
		ReconcileInterval: cfg.ReconcileInterval,
		ShutdownTimeout:   cfg.ShutdownTimeout,
		TickInterval:      time.Second,
		KillSwitch:        cfg.KillSwitch,
		CheckpointPath:    cfg.CheckpointPath(inst.Name),
		Option: broker.OptionSelector{
			Underlying:      inst.Ticker,
			DTE:             inst.OptionDTE,
			StrikeIncrement: inst.StrikeIncrement,
			StrikeOffset:    inst.StrikeOffset,
		},
	}
}

func restore(zl *zap.Logger, controller *engine.Controller, store *state.Store, path string) error {
	if err := store.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		zl.Warn("checkpoint unreadable, starting fresh", zap.String("path", path), zap.Error(err))
		return nil
	}
	if err := controller.Restore(store.Snapshot()); err != nil {
		return err
	}
	zl.Info("checkpoint loaded", zap.String("instance", controller.Name()), zap.String("path", path))
	return nil
}

// warmup replays today's completed bars so a mid-session start has live
// indicators.
func warmup(ctx context.Context, zl *zap.Logger, cfg config.Config, inst config.Instance, history md.BarFetcher, controller *engine.Controller) {
	now := time.Now()
	start := inst.Schedule.MarketOpen.On(clock.SessionDate(now, cfg.Location), cfg.Location)
	if !now.After(start) {
		return
	}
	bars, err := md.History(ctx, history, inst.Ticker, cfg.Feed, cfg.BarInterval, start, now)
	if err != nil {
		zl.Warn("history warmup failed", zap.String("instance", inst.Name), zap.Error(err))
		return
	}
	controller.Warmup(bars)
}

// streamBars keeps the market data stream up until ctx is done.
func streamBars(ctx context.Context, zl *zap.Logger, cfg config.Config, symbols []string, handler md.BarHandler) {
	delay := time.Second
	for {
		err := md.StartStream(ctx, zl.Named("md"), cfg.APIKey, cfg.APISecret, cfg.Feed, symbols, handler)
		if ctx.Err() != nil {
			return
		}
		zl.Warn("market data stream stopped, reconnecting", zap.Duration("delay", delay), zap.Error(err))
		if broker.WaitForContext(ctx, delay) != nil {
			return
		}
		delay *= 2
		if delay > maxReconnect {
			delay = maxReconnect
		}
	}
}

func closeAll(zl *zap.Logger, decisions *engine.DecisionLogger, srv *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := decisions.Close()
	err = multierr.Append(err, trace.Shutdown(ctx))
	if srv != nil {
		err = multierr.Append(err, srv.Shutdown(ctx))
	}
	if err != nil {
		zl.Warn("shutdown cleanup failed", zap.Error(err))
	}
	return err
}
