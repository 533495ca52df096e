package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"risk-gated-trader/internal/ai/predictor"
	"risk-gated-trader/internal/ai/review"
	"risk-gated-trader/internal/api"
	"risk-gated-trader/internal/auth"
	"risk-gated-trader/internal/broker"
	"risk-gated-trader/internal/circuit"
	"risk-gated-trader/internal/compliance"
	"risk-gated-trader/internal/database"
	"risk-gated-trader/internal/domain"
	"risk-gated-trader/internal/engine"
	"risk-gated-trader/internal/feed"
	"risk-gated-trader/internal/gate"
	"risk-gated-trader/internal/instrument"
	"risk-gated-trader/internal/logging"
	"risk-gated-trader/internal/market"
	"risk-gated-trader/internal/notification"
	"risk-gated-trader/internal/pacing"
	"risk-gated-trader/internal/risk"
	"risk-gated-trader/internal/scanner"
	"risk-gated-trader/internal/store"
	"risk-gated-trader/internal/vault"
)

type Config struct {
	Logging        logging.Config     `json:"logging"`
	Venue          VenueConfig        `json:"venue"`
	Tiers          []TierConfig       `json:"tiers"`
	Scanner        ScannerConfig      `json:"scanner"`
	Decision       DecisionConfig     `json:"decision"`
	Compliance     compliance.Rules   `json:"compliance"`
	CircuitBreaker circuit.Config     `json:"circuit_breaker"`
	Pacing         pacing.Config      `json:"pacing"`
	Gate           gate.Config        `json:"gate"`
	Calendar       CalendarConfig     `json:"calendar"`
	Monitor        MonitorConfig      `json:"monitor"`
	Instruments    []instrument.Spec  `json:"instruments"`
	Redis          store.Config       `json:"redis"`
	Database       database.Config    `json:"database"`
	Vault          vault.Config       `json:"vault"`
	Notification   NotificationConfig `json:"notification"`
	API            APIConfig          `json:"api"`
	Feed           FeedConfig         `json:"feed"`
	Predictor      PredictorConfig    `json:"predictor"`
	Review         ReviewConfig       `json:"review"`
	Paper          broker.PaperConfig `json:"paper"`
}

// VenueConfig holds the venue clock settings. Day boundaries for compliance
// and the weekend/session checks use this timezone.
type VenueConfig struct {
	Timezone string `json:"timezone"`
}

// TierConfig is one priority class of instruments
type TierConfig struct {
	Name                string   `json:"name"` // HIGH, MEDIUM or LOW
	Symbols             []string `json:"symbols"`
	ScanIntervalSecs    int      `json:"scan_interval_secs"`
	FastTrackConfidence float64  `json:"fast_track_confidence"` // 0 disables fast track
}

type ScannerConfig struct {
	SymbolDelayMillis  int      `json:"symbol_delay_millis"`
	PredictTimeoutSecs int      `json:"predict_timeout_secs"`
	Timeframes         []string `json:"timeframes"`
	MaxCandles         int      `json:"max_candles"`
	SignalTTLSecs      int      `json:"signal_ttl_secs"`
	StructureTimeframe string   `json:"structure_timeframe"`
}

type DecisionConfig struct {
	PollIntervalMillis    int     `json:"poll_interval_millis"`
	MinConfidence         float64 `json:"min_confidence"`
	MinTimeframeAgreement float64 `json:"min_timeframe_agreement"`
	ReviewTimeoutSecs     int     `json:"review_timeout_secs"`
	BrokerTimeoutSecs     int     `json:"broker_timeout_secs"`
	BrokerCallsPerSecond  float64 `json:"broker_calls_per_second"`
	HeadroomFraction      float64 `json:"headroom_fraction"`
	MaxTradesPerDay       int     `json:"max_trades_per_day"`
	DefaultStopPips       float64 `json:"default_stop_pips"`
	DefaultTargetPips     float64 `json:"default_target_pips"`
	DryRun                bool    `json:"dry_run"`
}

// CalendarConfig points at a JSON list of economic events. With the
// database enabled the events are upserted there; otherwise they are served
// from memory.
type CalendarConfig struct {
	EventsFile string `json:"events_file"`
}

type MonitorConfig struct {
	Stops              risk.StopConfig `json:"stops"`
	TickIntervalMillis int             `json:"tick_interval_millis"`
}

type NotificationConfig struct {
	Telegram        notification.TelegramConfig `json:"telegram"`
	Discord         notification.DiscordConfig  `json:"discord"`
	TradeAlerts     bool                        `json:"trade_alerts"`
	SendTimeoutSecs int                         `json:"send_timeout_secs"`
}

type APIConfig struct {
	Enabled           bool            `json:"enabled"`
	Host              string          `json:"host"`
	Port              int             `json:"port"`
	ProductionMode    bool            `json:"production_mode"`
	AllowedOrigins    []string        `json:"allowed_origins"`
	RequestsPerMinute int             `json:"requests_per_minute"`
	TokenMinutes      int             `json:"token_minutes"`
	JWTSecret         string          `json:"jwt_secret"`
	Operators         []auth.Operator `json:"operators"`
}

type FeedConfig struct {
	URL              string `json:"url"`
	ReadTimeoutSecs  int    `json:"read_timeout_secs"`
	PingIntervalSecs int    `json:"ping_interval_secs"`
	MaxBackoffSecs   int    `json:"max_backoff_secs"`
}

// PredictorConfig selects the model server; an empty BaseURL uses the
// built-in heuristic
type PredictorConfig struct {
	BaseURL     string                    `json:"base_url"`
	APIKey      string                    `json:"api_key"`
	TimeoutSecs int                       `json:"timeout_secs"`
	Heuristic   predictor.HeuristicConfig `json:"heuristic"`
}

type ReviewConfig struct {
	Enabled     bool            `json:"enabled"`
	Provider    review.Provider `json:"provider"`
	Endpoint    string          `json:"endpoint"`
	APIKey      string          `json:"api_key"`
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature"`
	TimeoutSecs int             `json:"timeout_secs"`
}

// Default returns the documented defaults: daily loss 5%, max drawdown 10%,
// profit target 10% over 30 days, flash crash 30 pips in 60s, rapid drawdown
// 2% in 5m, three consecutive losses, breakeven at 25 pips, trailing 20 pips
// behind once 40 pips in profit, 24h max hold.
func Default() *Config {
	dec := engine.DefaultDecisionConfig()
	rev := review.DefaultClientConfig()
	return &Config{
		Logging: logging.DefaultConfig(),
		Venue:   VenueConfig{Timezone: "UTC"},
		Tiers: []TierConfig{
			{Name: string(domain.TierHigh), Symbols: []string{"EURUSD", "GBPUSD"}, ScanIntervalSecs: 30, FastTrackConfidence: 85},
			{Name: string(domain.TierMedium), Symbols: []string{"USDJPY", "AUDUSD"}, ScanIntervalSecs: 60, FastTrackConfidence: 90},
			{Name: string(domain.TierLow), Symbols: []string{"USDCHF", "USDCAD", "NZDUSD"}, ScanIntervalSecs: 120, FastTrackConfidence: 95},
		},
		Scanner: ScannerConfig{
			SymbolDelayMillis:  250,
			PredictTimeoutSecs: 10,
			Timeframes:         []string{"5m", "15m", "1h"},
			MaxCandles:         500,
			SignalTTLSecs:      900,
			StructureTimeframe: "15m",
		},
		Decision: DecisionConfig{
			PollIntervalMillis:    int(dec.PollInterval / time.Millisecond),
			MinConfidence:         dec.MinConfidence,
			MinTimeframeAgreement: dec.MinTimeframeAgreement,
			ReviewTimeoutSecs:     int(dec.ReviewTimeout / time.Second),
			BrokerTimeoutSecs:     int(broker.DefaultGuardConfig().Timeout / time.Second),
			BrokerCallsPerSecond:  broker.DefaultGuardConfig().CallsPerSecond,
			HeadroomFraction:      dec.HeadroomFraction,
			MaxTradesPerDay:       dec.MaxTradesPerDay,
			DefaultStopPips:       dec.DefaultStopPips,
			DefaultTargetPips:     dec.DefaultTargetPips,
			DryRun:                true,
		},
		Compliance:     compliance.DefaultRules(),
		CircuitBreaker: circuit.DefaultConfig(),
		Pacing:         pacing.DefaultConfig(),
		Gate:           gate.DefaultConfig(),
		Monitor: MonitorConfig{
			Stops:              risk.DefaultStopConfig(),
			TickIntervalMillis: 1000,
		},
		Redis:    store.DefaultConfig(),
		Database: database.DefaultConfig(),
		Vault:    vault.DefaultConfig(),
		Notification: NotificationConfig{
			SendTimeoutSecs: 10,
		},
		API: APIConfig{
			Host:              api.DefaultServerConfig().Host,
			Port:              api.DefaultServerConfig().Port,
			AllowedOrigins:    api.DefaultServerConfig().AllowedOrigins,
			RequestsPerMinute: api.DefaultServerConfig().RequestsPerMinute,
			TokenMinutes:      api.DefaultServerConfig().TokenMinutes,
		},
		Feed: FeedConfig{
			ReadTimeoutSecs:  60,
			PingIntervalSecs: 20,
			MaxBackoffSecs:   60,
		},
		Predictor: PredictorConfig{
			TimeoutSecs: 10,
			Heuristic:   predictor.DefaultHeuristicConfig(),
		},
		Review: ReviewConfig{
			Provider:    rev.Provider,
			Model:       rev.Model,
			MaxTokens:   rev.MaxTokens,
			Temperature: rev.Temperature,
			TimeoutSecs: int(rev.Timeout / time.Second),
		},
		Paper: broker.PaperConfig{
			StartingBalance: 100000,
			SpreadPips:      1,
		},
	}
}

// Load reads .env, then the JSON file at path over the defaults, then
// environment overrides, and validates the result. A missing file is not an
// error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		if err := loadFromFile(path, cfg); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(filename string, cfg *Config) error {
	file, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}
	if err := json.Unmarshal(file, cfg); err != nil {
		return fmt.Errorf("error parsing config file: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config
func applyEnvOverrides(cfg *Config) {
	// Logging
	cfg.Logging.Level = getEnvOrDefault("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Output = getEnvOrDefault("LOG_OUTPUT", cfg.Logging.Output)
	cfg.Logging.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.Logging.JSONFormat)
	cfg.Logging.IncludeFile = getEnvBoolOrDefault("LOG_INCLUDE_FILE", cfg.Logging.IncludeFile)

	cfg.Venue.Timezone = getEnvOrDefault("VENUE_TIMEZONE", cfg.Venue.Timezone)

	// Decision loop
	cfg.Decision.DryRun = getEnvBoolOrDefault("TRADING_DRY_RUN", cfg.Decision.DryRun)
	cfg.Decision.MinConfidence = getEnvFloatOrDefault("DECISION_MIN_CONFIDENCE", cfg.Decision.MinConfidence)
	cfg.Decision.MaxTradesPerDay = getEnvIntOrDefault("DECISION_MAX_TRADES_PER_DAY", cfg.Decision.MaxTradesPerDay)

	// Compliance
	cfg.Compliance.DailyLossLimitPct = getEnvFloatOrDefault("COMPLIANCE_DAILY_LOSS_PCT", cfg.Compliance.DailyLossLimitPct)
	cfg.Compliance.MaxDrawdownPct = getEnvFloatOrDefault("COMPLIANCE_MAX_DRAWDOWN_PCT", cfg.Compliance.MaxDrawdownPct)
	cfg.Compliance.ProfitTargetPct = getEnvFloatOrDefault("COMPLIANCE_PROFIT_TARGET_PCT", cfg.Compliance.ProfitTargetPct)
	cfg.Compliance.ChallengeDays = getEnvIntOrDefault("COMPLIANCE_CHALLENGE_DAYS", cfg.Compliance.ChallengeDays)
	cfg.Compliance.ConsistencyEnabled = getEnvBoolOrDefault("COMPLIANCE_CONSISTENCY_ENABLED", cfg.Compliance.ConsistencyEnabled)

	// Circuit breaker
	cfg.CircuitBreaker.Enabled = getEnvBoolOrDefault("CIRCUIT_BREAKER_ENABLED", cfg.CircuitBreaker.Enabled)
	cfg.CircuitBreaker.FlashCrashPips = getEnvFloatOrDefault("CIRCUIT_FLASH_CRASH_PIPS", cfg.CircuitBreaker.FlashCrashPips)
	cfg.CircuitBreaker.RapidDrawdownPct = getEnvFloatOrDefault("CIRCUIT_RAPID_DRAWDOWN_PCT", cfg.CircuitBreaker.RapidDrawdownPct)
	cfg.CircuitBreaker.MaxConsecutiveLosses = getEnvIntOrDefault("CIRCUIT_MAX_CONSECUTIVE_LOSSES", cfg.CircuitBreaker.MaxConsecutiveLosses)
	cfg.CircuitBreaker.ConnectGraceSecs = getEnvIntOrDefault("CIRCUIT_CONNECT_GRACE_SECS", cfg.CircuitBreaker.ConnectGraceSecs)

	// Redis
	cfg.Redis.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.Redis.Enabled)
	cfg.Redis.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.Redis.Address)
	cfg.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvIntOrDefault("REDIS_DB", cfg.Redis.DB)

	// Database
	cfg.Database.Enabled = getEnvBoolOrDefault("DB_ENABLED", cfg.Database.Enabled)
	cfg.Database.Host = getEnvOrDefault("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnvIntOrDefault("DB_PORT", cfg.Database.Port)
	cfg.Database.User = getEnvOrDefault("DB_USER", cfg.Database.User)
	cfg.Database.Password = getEnvOrDefault("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Database = getEnvOrDefault("DB_NAME", cfg.Database.Database)
	cfg.Database.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.Database.SSLMode)

	// Vault
	cfg.Vault.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.Vault.Enabled)
	cfg.Vault.Address = getEnvOrDefault("VAULT_ADDR", cfg.Vault.Address)
	cfg.Vault.Token = getEnvOrDefault("VAULT_TOKEN", cfg.Vault.Token)
	cfg.Vault.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.Vault.MountPath)
	cfg.Vault.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.Vault.SecretPath)

	// Notification
	cfg.Notification.Telegram.Enabled = getEnvBoolOrDefault("TELEGRAM_ENABLED", cfg.Notification.Telegram.Enabled)
	cfg.Notification.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.Notification.Telegram.BotToken)
	cfg.Notification.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.Notification.Telegram.ChatID)
	cfg.Notification.Discord.Enabled = getEnvBoolOrDefault("DISCORD_ENABLED", cfg.Notification.Discord.Enabled)
	cfg.Notification.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.Notification.Discord.WebhookURL)

	// API
	cfg.API.Enabled = getEnvBoolOrDefault("API_ENABLED", cfg.API.Enabled)
	cfg.API.Host = getEnvOrDefault("API_HOST", cfg.API.Host)
	cfg.API.Port = getEnvIntOrDefault("API_PORT", cfg.API.Port)
	cfg.API.JWTSecret = getEnvOrDefault("API_JWT_SECRET", cfg.API.JWTSecret)
	if origins := os.Getenv("API_ALLOWED_ORIGINS"); origins != "" {
		cfg.API.AllowedOrigins = splitList(origins)
	}

	cfg.Calendar.EventsFile = getEnvOrDefault("CALENDAR_EVENTS_FILE", cfg.Calendar.EventsFile)

	// Collaborators
	cfg.Feed.URL = getEnvOrDefault("FEED_URL", cfg.Feed.URL)
	cfg.Predictor.BaseURL = getEnvOrDefault("PREDICTOR_URL", cfg.Predictor.BaseURL)
	cfg.Predictor.APIKey = getEnvOrDefault("PREDICTOR_API_KEY", cfg.Predictor.APIKey)
	cfg.Review.Enabled = getEnvBoolOrDefault("REVIEW_ENABLED", cfg.Review.Enabled)
	cfg.Review.Provider = review.Provider(getEnvOrDefault("REVIEW_PROVIDER", string(cfg.Review.Provider)))
	cfg.Review.APIKey = getEnvOrDefault("REVIEW_API_KEY", cfg.Review.APIKey)
	cfg.Review.Model = getEnvOrDefault("REVIEW_MODEL", cfg.Review.Model)
	cfg.Paper.StartingBalance = getEnvFloatOrDefault("PAPER_STARTING_BALANCE", cfg.Paper.StartingBalance)
}

// ApplySecrets overlays non-empty Vault secrets onto the config
func (c *Config) ApplySecrets(s vault.Secrets) {
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.Database.Password, s.DatabasePassword)
	set(&c.Redis.Password, s.RedisPassword)
	set(&c.API.JWTSecret, s.JWTSecret)
	set(&c.Notification.Telegram.BotToken, s.TelegramBotToken)
	set(&c.Notification.Discord.WebhookURL, s.DiscordWebhookURL)
	set(&c.Predictor.APIKey, s.PredictorAPIKey)
	set(&c.Review.APIKey, s.ReviewAPIKey)
}

// Validate rejects configurations the engine cannot run safely with
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if _, err := time.LoadLocation(c.Venue.Timezone); err != nil {
		add("venue.timezone %q: %v", c.Venue.Timezone, err)
	}

	if len(c.Tiers) == 0 {
		add("at least one tier is required")
	}
	seen := make(map[string]string)
	for _, t := range c.Tiers {
		switch domain.Tier(strings.ToUpper(t.Name)) {
		case domain.TierHigh, domain.TierMedium, domain.TierLow:
		default:
			add("tier %q: name must be HIGH, MEDIUM or LOW", t.Name)
		}
		if len(t.Symbols) == 0 {
			add("tier %s: no symbols", t.Name)
		}
		if t.ScanIntervalSecs <= 0 {
			add("tier %s: scan_interval_secs must be positive", t.Name)
		}
		for _, s := range t.Symbols {
			sym := strings.ToUpper(s)
			if other, dup := seen[sym]; dup {
				add("symbol %s appears in tiers %s and %s", sym, other, t.Name)
			}
			seen[sym] = t.Name
		}
	}

	if _, err := market.ParseTimeframes(c.Scanner.Timeframes); err != nil || len(c.Scanner.Timeframes) == 0 {
		add("scanner.timeframes invalid: %v", c.Scanner.Timeframes)
	}
	if c.Scanner.StructureTimeframe != "" && market.Timeframe(c.Scanner.StructureTimeframe).Duration() == 0 {
		add("scanner.structure_timeframe %q unknown", c.Scanner.StructureTimeframe)
	}

	if c.Compliance.DailyLossLimitPct <= 0 {
		add("compliance.daily_loss_limit_pct must be positive")
	}
	if c.Compliance.MaxDrawdownPct <= 0 {
		add("compliance.max_drawdown_pct must be positive")
	}
	if c.Compliance.ProfitTargetPct <= 0 {
		add("compliance.profit_target_pct must be positive")
	}
	if c.Compliance.ChallengeDays <= 0 {
		add("compliance.challenge_days must be positive")
	}
	if c.Compliance.ConsistencyEnabled && (c.Compliance.ConsistencyFraction <= 0 || c.Compliance.ConsistencyFraction > 1) {
		add("compliance.consistency_fraction must be in (0, 1]")
	}

	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.FlashCrashPips <= 0 || c.CircuitBreaker.FlashCrashWindowSecs <= 0 {
			add("circuit_breaker flash crash threshold and window must be positive")
		}
		if c.CircuitBreaker.RapidDrawdownPct <= 0 || c.CircuitBreaker.DrawdownWindowSecs <= 0 {
			add("circuit_breaker rapid drawdown threshold and window must be positive")
		}
		if c.CircuitBreaker.MaxConsecutiveLosses <= 0 {
			add("circuit_breaker.max_consecutive_losses must be positive")
		}
		if c.CircuitBreaker.ConnectGraceSecs < 0 {
			add("circuit_breaker.connect_grace_secs must not be negative")
		}
	}

	if c.Decision.PollIntervalMillis <= 0 {
		add("decision.poll_interval_millis must be positive")
	}
	if c.Decision.HeadroomFraction <= 0 || c.Decision.HeadroomFraction > 1 {
		add("decision.headroom_fraction must be in (0, 1]")
	}
	if c.Decision.DefaultStopPips <= 0 {
		add("decision.default_stop_pips must be positive")
	}
	if c.Paper.StartingBalance <= 0 {
		add("paper.starting_balance must be positive")
	}
	if c.API.Enabled && c.API.JWTSecret == "" && !c.Vault.Enabled {
		add("api.jwt_secret is required when the API is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Location returns the venue timezone
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Venue.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Timeframes returns the parsed scanner timeframes
func (c *Config) Timeframes() []market.Timeframe {
	tfs, _ := market.ParseTimeframes(c.Scanner.Timeframes)
	return tfs
}

// Symbols returns every tier symbol
func (c *Config) Symbols() []string {
	var out []string
	for _, t := range c.Tiers {
		for _, s := range t.Symbols {
			out = append(out, strings.ToUpper(s))
		}
	}
	return out
}

// ScannerConfigs builds one scanner configuration per tier
func (c *Config) ScannerConfigs() []scanner.Config {
	out := make([]scanner.Config, 0, len(c.Tiers))
	for _, t := range c.Tiers {
		symbols := make([]string, len(t.Symbols))
		for i, s := range t.Symbols {
			symbols[i] = strings.ToUpper(s)
		}
		out = append(out, scanner.Config{
			Tier:           domain.Tier(strings.ToUpper(t.Name)),
			Symbols:        symbols,
			Interval:       time.Duration(t.ScanIntervalSecs) * time.Second,
			SymbolDelay:    time.Duration(c.Scanner.SymbolDelayMillis) * time.Millisecond,
			PredictTimeout: time.Duration(c.Scanner.PredictTimeoutSecs) * time.Second,
			Timeframes:     c.Timeframes(),
		})
	}
	return out
}

// DecisionConfig builds the decision loop settings
func (c *Config) DecisionConfig() engine.DecisionConfig {
	fast := make(map[domain.Tier]float64, len(c.Tiers))
	for _, t := range c.Tiers {
		fast[domain.Tier(strings.ToUpper(t.Name))] = t.FastTrackConfidence
	}
	return engine.DecisionConfig{
		PollInterval:          time.Duration(c.Decision.PollIntervalMillis) * time.Millisecond,
		MinConfidence:         c.Decision.MinConfidence,
		MinTimeframeAgreement: c.Decision.MinTimeframeAgreement,
		FastTrack:             fast,
		ReviewTimeout:         time.Duration(c.Decision.ReviewTimeoutSecs) * time.Second,
		IOTimeout:             engine.DefaultDecisionConfig().IOTimeout,
		HeadroomFraction:      c.Decision.HeadroomFraction,
		MaxTradesPerDay:       c.Decision.MaxTradesPerDay,
		DefaultStopPips:       c.Decision.DefaultStopPips,
		DefaultTargetPips:     c.Decision.DefaultTargetPips,
		DryRun:                c.Decision.DryRun,
	}
}

// GuardConfig builds the broker guard settings
func (c *Config) GuardConfig() broker.GuardConfig {
	g := broker.DefaultGuardConfig()
	if c.Decision.BrokerTimeoutSecs > 0 {
		g.Timeout = time.Duration(c.Decision.BrokerTimeoutSecs) * time.Second
	}
	if c.Decision.BrokerCallsPerSecond > 0 {
		g.CallsPerSecond = c.Decision.BrokerCallsPerSecond
	}
	return g
}

// MonitorConfig builds the position monitor settings. A tier is never
// checked faster than it is scanned.
func (c *Config) MonitorConfig() risk.MonitorConfig {
	tick := time.Duration(c.Monitor.TickIntervalMillis) * time.Millisecond
	intervals := make(map[domain.Tier]time.Duration, len(c.Tiers))
	for _, t := range c.Tiers {
		d := time.Duration(t.ScanIntervalSecs) * time.Second
		if d < tick {
			d = tick
		}
		intervals[domain.Tier(strings.ToUpper(t.Name))] = d
	}
	return risk.MonitorConfig{
		Stops:         c.Monitor.Stops,
		TickInterval:  tick,
		TierIntervals: intervals,
	}
}

// NotificationSettings builds the notifier settings
func (c *Config) NotificationSettings() notification.Config {
	return notification.Config{
		Telegram:    c.Notification.Telegram,
		Discord:     c.Notification.Discord,
		TradeAlerts: c.Notification.TradeAlerts,
		SendTimeout: time.Duration(c.Notification.SendTimeoutSecs) * time.Second,
	}
}

// FeedSettings builds the tick feed settings
func (c *Config) FeedSettings() feed.Config {
	f := feed.DefaultConfig()
	f.URL = c.Feed.URL
	f.Symbols = c.Symbols()
	if c.Feed.ReadTimeoutSecs > 0 {
		f.ReadTimeout = time.Duration(c.Feed.ReadTimeoutSecs) * time.Second
	}
	if c.Feed.PingIntervalSecs > 0 {
		f.PingInterval = time.Duration(c.Feed.PingIntervalSecs) * time.Second
	}
	if c.Feed.MaxBackoffSecs > 0 {
		f.MaxBackoff = time.Duration(c.Feed.MaxBackoffSecs) * time.Second
	}
	return f
}

// PredictorClientConfig builds the model server client settings
func (c *Config) PredictorClientConfig() predictor.ClientConfig {
	return predictor.ClientConfig{
		BaseURL: c.Predictor.BaseURL,
		APIKey:  c.Predictor.APIKey,
		Timeout: time.Duration(c.Predictor.TimeoutSecs) * time.Second,
	}
}

// ReviewClientConfig builds the secondary reviewer settings
func (c *Config) ReviewClientConfig() review.ClientConfig {
	return review.ClientConfig{
		Provider:    c.Review.Provider,
		Endpoint:    c.Review.Endpoint,
		APIKey:      c.Review.APIKey,
		Model:       c.Review.Model,
		MaxTokens:   c.Review.MaxTokens,
		Temperature: c.Review.Temperature,
		Timeout:     time.Duration(c.Review.TimeoutSecs) * time.Second,
	}
}

// ServerConfig builds the operator API settings
func (c *Config) ServerConfig() api.ServerConfig {
	return api.ServerConfig{
		Port:              c.API.Port,
		Host:              c.API.Host,
		ProductionMode:    c.API.ProductionMode,
		AllowedOrigins:    c.API.AllowedOrigins,
		RequestsPerMinute: c.API.RequestsPerMinute,
		TokenMinutes:      c.API.TokenMinutes,
		JWTSecret:         c.API.JWTSecret,
		Operators:         c.API.Operators,
	}
}

// WriteSample writes the default configuration as indented JSON
func WriteSample(filename string) error {
	data, err := json.MarshalIndent(Default(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
