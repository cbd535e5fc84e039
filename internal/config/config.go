package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"optionsbot/internal/clock"

	"github.com/joho/godotenv"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

type Mode string

const (
	// ModeStream consumes live bars but fills orders in-process.
	ModeStream Mode = "stream"
	ModePaper  Mode = "paper"
	ModeLive   Mode = "live"
)

// Instance is one independently traded underlying.
type Instance struct {
	Name            string  `yaml:"name"`
	Ticker          string  `yaml:"ticker"`
	Contracts       int     `yaml:"contracts"`
	MaxContracts    int     `yaml:"max_contracts"`
	ProfitTarget    float64 `yaml:"profit_target"`
	MarketOpen      string  `yaml:"market_open"`
	MarketClose     string  `yaml:"market_close"`
	SignalTime      string  `yaml:"signal_time"`
	ForceCloseTime  string  `yaml:"force_close_time"`
	NoEntryAfter    string  `yaml:"no_entry_after"`
	FastPeriod      int     `yaml:"fast_period"`
	SlowPeriod      int     `yaml:"slow_period"`
	TouchBand       float64 `yaml:"touch_band"`
	TakeProfitMode  string  `yaml:"take_profit_mode"`
	CarryEMA        bool    `yaml:"carry_ema"`
	OptionDTE       int     `yaml:"option_dte"`
	StrikeIncrement float64 `yaml:"strike_increment"`
	StrikeOffset    int     `yaml:"strike_offset"`

	// Schedule holds the parsed times; it is filled in by validation.
	Schedule Schedule `yaml:"-"`
}

type Schedule struct {
	MarketOpen   clock.TimeOfDay
	MarketClose  clock.TimeOfDay
	SignalTime   clock.TimeOfDay
	ForceClose   clock.TimeOfDay
	NoEntryAfter clock.TimeOfDay
}

type Config struct {
	Mode              Mode          `yaml:"mode"`
	Feed              string        `yaml:"feed"`
	Timezone          string        `yaml:"timezone"`
	BarInterval       time.Duration `yaml:"bar_interval"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
	OrderTimeout      time.Duration `yaml:"order_timeout"`
	FillTimeout       time.Duration `yaml:"fill_timeout"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	OrdersPerSecond   float64       `yaml:"orders_per_second"`
	KillSwitch        bool          `yaml:"kill_switch"`
	DecisionsPath     string        `yaml:"decisions_path"`
	CheckpointDir     string        `yaml:"checkpoint_dir"`
	MetricsAddr       string        `yaml:"metrics_addr"`
	LogLevel          string        `yaml:"log_level"`
	LogFile           string        `yaml:"log_file"`
	PaperBaseURL      string        `yaml:"paper_base_url"`
	LiveBaseURL       string        `yaml:"live_base_url"`
	Instances         []Instance    `yaml:"instances"`

	APIKey    string         `yaml:"-"`
	APISecret string         `yaml:"-"`
	Location  *time.Location `yaml:"-"`
}

// ConfigError names the offending field. Load may return several joined with
// multierr; errors.As finds the first.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}

func Default() Config {
	return Config{
		Mode:              ModeStream,
		Feed:              "iex",
		Timezone:          "America/Chicago",
		BarInterval:       5 * time.Minute,
		MaxRetries:        3,
		RetryBackoff:      2 * time.Second,
		OrderTimeout:      5 * time.Second,
		FillTimeout:       30 * time.Second,
		ReconcileInterval: 10 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		OrdersPerSecond:   2,
		DecisionsPath:     "decisions.ndjson",
		CheckpointDir:     "checkpoints",
		MetricsAddr:       ":9090",
		LogLevel:          "info",
		PaperBaseURL:      "https://paper-api.alpaca.markets",
		LiveBaseURL:       "https://api.alpaca.markets",
	}
}

func DefaultInstance() Instance {
	return Instance{
		Ticker:          "SPY",
		Contracts:       1,
		ProfitTarget:    1.0,
		MarketOpen:      "08:30",
		MarketClose:     "15:00",
		SignalTime:      "09:00",
		ForceCloseTime:  "14:55",
		FastPeriod:      9,
		SlowPeriod:      20,
		TakeProfitMode:  "intrabar",
		OptionDTE:       14,
		StrikeIncrement: 0.5,
	}
}

// UnmarshalYAML starts every listed instance from the defaults so omitted keys
// keep their default rather than the zero value.
func (i *Instance) UnmarshalYAML(node *yaml.Node) error {
	type plain Instance
	p := plain(DefaultInstance())
	if err := node.Decode(&p); err != nil {
		return err
	}
	*i = Instance(p)
	return nil
}

// CheckpointPath is the per-instance checkpoint file.
func (c Config) CheckpointPath(instance string) string {
	return filepath.Join(c.CheckpointDir, instance+".json")
}

// BaseURL is the trading API endpoint for the mode.
func (c Config) BaseURL() string {
	if c.Mode == ModeLive {
		return c.LiveBaseURL
	}
	return c.PaperBaseURL
}

func Load() (Config, error) {
	return LoadArgs(os.Args[1:])
}

// LoadArgs resolves the configuration with precedence defaults < YAML file <
// environment < flags set on the command line.
func LoadArgs(args []string) (Config, error) {
	var (
		configPath string
		envFile    string
		fl         = Default()
		inst       = DefaultInstance()
	)
	flags := flag.NewFlagSet("bot", flag.ContinueOnError)
	flags.StringVar(&configPath, "config", "", "path to YAML config")
	flags.StringVar(&envFile, "env-file", ".env", "dotenv file with credentials")
	flags.StringVar((*string)(&fl.Mode), "mode", string(fl.Mode), "run mode: stream, paper or live")
	flags.StringVar(&fl.Feed, "feed", fl.Feed, "market data feed: iex or sip")
	flags.StringVar(&fl.Timezone, "timezone", fl.Timezone, "session timezone")
	flags.DurationVar(&fl.BarInterval, "bar-interval", fl.BarInterval, "bar interval")
	flags.IntVar(&fl.MaxRetries, "max-retries", fl.MaxRetries, "order submission attempts")
	flags.DurationVar(&fl.RetryBackoff, "retry-backoff", fl.RetryBackoff, "initial retry backoff")
	flags.DurationVar(&fl.OrderTimeout, "order-timeout", fl.OrderTimeout, "per-attempt submission timeout")
	flags.DurationVar(&fl.FillTimeout, "fill-timeout", fl.FillTimeout, "cancel an unfilled order after this long")
	flags.DurationVar(&fl.ReconcileInterval, "reconcile-interval", fl.ReconcileInterval, "order status poll interval")
	flags.DurationVar(&fl.ShutdownTimeout, "shutdown-timeout", fl.ShutdownTimeout, "time allowed to flatten on stop")
	flags.Float64Var(&fl.OrdersPerSecond, "orders-per-second", fl.OrdersPerSecond, "shared broker rate limit")
	flags.BoolVar(&fl.KillSwitch, "kill-switch", fl.KillSwitch, "if true, never open positions")
	flags.StringVar(&fl.DecisionsPath, "decisions-path", fl.DecisionsPath, "path to decisions log")
	flags.StringVar(&fl.CheckpointDir, "checkpoint-dir", fl.CheckpointDir, "directory for per-instance checkpoints")
	flags.StringVar(&fl.MetricsAddr, "metrics-addr", fl.MetricsAddr, "metrics listen address, empty to disable")
	flags.StringVar(&fl.LogLevel, "log-level", fl.LogLevel, "debug, info, warn or error")
	flags.StringVar(&fl.LogFile, "log-file", fl.LogFile, "rotate logs into this file as well as stdout")
	flags.StringVar(&fl.PaperBaseURL, "paper-base-url", fl.PaperBaseURL, "paper trading base URL")
	flags.StringVar(&fl.LiveBaseURL, "live-base-url", fl.LiveBaseURL, "live trading base URL")
	flags.StringVar(&inst.Name, "name", "", "instance name when no config file lists instances")
	flags.StringVar(&inst.Ticker, "ticker", inst.Ticker, "underlying ticker when no config file lists instances")
	flags.IntVar(&inst.Contracts, "contracts", inst.Contracts, "contracts per entry when no config file lists instances")
	flags.Float64Var(&inst.ProfitTarget, "profit-target", inst.ProfitTarget, "take-profit move in underlying dollars")
	if err := flags.Parse(args); err != nil {
		return Config{}, &ConfigError{Field: "flags", Reason: err.Error()}
	}

	if err := loadDotEnv(envFile); err != nil {
		return Config{}, &ConfigError{Field: "env-file", Reason: err.Error()}
	}

	cfg := Default()
	if configPath != "" {
		if err := loadYAML(configPath, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	flags.Visit(func(f *flag.Flag) {
		applyFlag(&cfg, fl, f.Name)
	})
	if len(cfg.Instances) == 0 {
		cfg.Instances = []Instance{inst}
	}

	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadDotEnv loads path into the environment without overriding variables that
// are already set. A missing file is not an error.
func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &ConfigError{Field: "config", Reason: err.Error()}
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return &ConfigError{Field: "config", Reason: fmt.Sprintf("parse %s: %v", path, err)}
	}
	return nil
}

func applyEnv(cfg *Config) error {
	cfg.APIKey = os.Getenv("APCA_API_KEY_ID")
	cfg.APISecret = os.Getenv("APCA_API_SECRET_KEY")
	if v := os.Getenv("BOT_MODE"); v != "" {
		cfg.Mode = Mode(v)
	}
	if v := os.Getenv("BOT_FEED"); v != "" {
		cfg.Feed = v
	}
	if v := os.Getenv("BOT_TIMEZONE"); v != "" {
		cfg.Timezone = v
	}
	if v := os.Getenv("BOT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("BOT_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("BOT_KILL_SWITCH"); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return &ConfigError{Field: "BOT_KILL_SWITCH", Reason: err.Error()}
		}
		cfg.KillSwitch = on
	}
	return nil
}

func applyFlag(cfg *Config, fl Config, name string) {
	switch name {
	case "mode":
		cfg.Mode = fl.Mode
	case "feed":
		cfg.Feed = fl.Feed
	case "timezone":
		cfg.Timezone = fl.Timezone
	case "bar-interval":
		cfg.BarInterval = fl.BarInterval
	case "max-retries":
		cfg.MaxRetries = fl.MaxRetries
	case "retry-backoff":
		cfg.RetryBackoff = fl.RetryBackoff
	case "order-timeout":
		cfg.OrderTimeout = fl.OrderTimeout
	case "fill-timeout":
		cfg.FillTimeout = fl.FillTimeout
	case "reconcile-interval":
		cfg.ReconcileInterval = fl.ReconcileInterval
	case "shutdown-timeout":
		cfg.ShutdownTimeout = fl.ShutdownTimeout
	case "orders-per-second":
		cfg.OrdersPerSecond = fl.OrdersPerSecond
	case "kill-switch":
		cfg.KillSwitch = fl.KillSwitch
	case "decisions-path":
		cfg.DecisionsPath = fl.DecisionsPath
	case "checkpoint-dir":
		cfg.CheckpointDir = fl.CheckpointDir
	case "metrics-addr":
		cfg.MetricsAddr = fl.MetricsAddr
	case "log-level":
		cfg.LogLevel = fl.LogLevel
	case "log-file":
		cfg.LogFile = fl.LogFile
	case "paper-base-url":
		cfg.PaperBaseURL = fl.PaperBaseURL
	case "live-base-url":
		cfg.LiveBaseURL = fl.LiveBaseURL
	}
}

func validate(cfg *Config) error {
	var errs error
	fail := func(field, format string, args ...any) {
		errs = multierr.Append(errs, &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)})
	}

	switch cfg.Mode {
	case ModeStream, ModePaper, ModeLive:
	default:
		fail("mode", "invalid mode %q", cfg.Mode)
	}
	if (cfg.Mode == ModePaper || cfg.Mode == ModeLive) && (cfg.APIKey == "" || cfg.APISecret == "") {
		fail("credentials", "APCA_API_KEY_ID and APCA_API_SECRET_KEY are required in %s mode", cfg.Mode)
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		fail("timezone", "%v", err)
	} else {
		cfg.Location = loc
	}
	if cfg.BarInterval <= 0 || cfg.BarInterval%time.Minute != 0 {
		fail("bar_interval", "must be a positive whole number of minutes")
	}
	if cfg.MaxRetries < 1 {
		fail("max_retries", "must be >= 1")
	}
	for field, d := range map[string]time.Duration{
		"retry_backoff":      cfg.RetryBackoff,
		"order_timeout":      cfg.OrderTimeout,
		"fill_timeout":       cfg.FillTimeout,
		"reconcile_interval": cfg.ReconcileInterval,
		"shutdown_timeout":   cfg.ShutdownTimeout,
	} {
		if d <= 0 {
			fail(field, "must be > 0")
		}
	}
	if cfg.OrdersPerSecond <= 0 {
		fail("orders_per_second", "must be > 0")
	}

	if len(cfg.Instances) == 0 {
		fail("instances", "at least one instance is required")
	}
	seen := map[string]bool{}
	for i := range cfg.Instances {
		inst := &cfg.Instances[i]
		if inst.Name == "" {
			inst.Name = strings.ToLower(inst.Ticker)
		}
		prefix := "instances." + inst.Name
		if strings.Contains(inst.Name, ".") {
			fail(prefix+".name", "must not contain '.'")
		}
		if seen[inst.Name] {
			fail(prefix+".name", "duplicate instance name")
		}
		seen[inst.Name] = true
		errs = multierr.Append(errs, validateInstance(prefix, inst))
	}
	return errs
}

func validateInstance(prefix string, inst *Instance) error {
	var errs error
	fail := func(field, format string, args ...any) {
		errs = multierr.Append(errs, &ConfigError{Field: prefix + "." + field, Reason: fmt.Sprintf(format, args...)})
	}

	if inst.Ticker == "" {
		fail("ticker", "required")
	}
	if inst.FastPeriod <= 1 || inst.SlowPeriod <= 1 {
		fail("fast_period", "periods must be > 1")
	} else if inst.FastPeriod >= inst.SlowPeriod {
		fail("fast_period", "must be < slow_period")
	}
	if inst.MaxContracts == 0 {
		inst.MaxContracts = inst.Contracts
	}
	if inst.Contracts <= 0 {
		fail("contracts", "must be > 0")
	} else if inst.Contracts > inst.MaxContracts {
		fail("contracts", "must be <= max_contracts")
	}
	if inst.ProfitTarget <= 0 {
		fail("profit_target", "must be > 0")
	}
	if inst.TouchBand < 0 {
		fail("touch_band", "must be >= 0")
	}
	switch inst.TakeProfitMode {
	case "intrabar", "close":
	default:
		fail("take_profit_mode", "must be intrabar or close, got %q", inst.TakeProfitMode)
	}
	if inst.OptionDTE < 0 {
		fail("option_dte", "must be >= 0")
	}
	if inst.StrikeIncrement <= 0 {
		fail("strike_increment", "must be > 0")
	}

	if inst.NoEntryAfter == "" {
		inst.NoEntryAfter = inst.ForceCloseTime
	}
	parse := func(field, value string) clock.TimeOfDay {
		t, err := clock.ParseTimeOfDay(value)
		if err != nil {
			fail(field, "%v", err)
		}
		return t
	}
	s := Schedule{
		MarketOpen:   parse("market_open", inst.MarketOpen),
		MarketClose:  parse("market_close", inst.MarketClose),
		SignalTime:   parse("signal_time", inst.SignalTime),
		ForceClose:   parse("force_close_time", inst.ForceCloseTime),
		NoEntryAfter: parse("no_entry_after", inst.NoEntryAfter),
	}
	if errs != nil {
		return errs
	}
	if s.SignalTime.Before(s.MarketOpen) {
		fail("signal_time", "must not be before market_open")
	}
	if !s.SignalTime.Before(s.ForceClose) {
		fail("signal_time", "must be before force_close_time")
	}
	if s.MarketClose.Before(s.ForceClose) {
		fail("force_close_time", "must not be after market_close")
	}
	if s.ForceClose.Before(s.NoEntryAfter) {
		fail("no_entry_after", "must not be after force_close_time")
	}
	inst.Schedule = s
	return errs
}
