package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Environment string          `mapstructure:"environment"`
	LogLevel    string          `mapstructure:"log_level"`
	Server      ServerConfig    `mapstructure:"server"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Redis       RedisConfig     `mapstructure:"redis"`
	Stream      StreamConfig    `mapstructure:"stream"`
	Trigger     TriggerConfig   `mapstructure:"trigger"`
	Gate        GateConfig      `mapstructure:"gate"`
	Pool        PoolConfig      `mapstructure:"pool"`
	Validator   ValidatorConfig `mapstructure:"validator"`
}

type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StreamConfig configures the upstream market-data connection.
type StreamConfig struct {
	WebsocketURL     string        `mapstructure:"websocket_url"`
	Symbols          []string      `mapstructure:"symbols"`
	Channels         []string      `mapstructure:"channels"`
	ReconnectDelay   time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnectWait time.Duration `mapstructure:"max_reconnect_wait"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	FreshnessWindow  time.Duration `mapstructure:"freshness_window"`
	TickBuffer       int           `mapstructure:"tick_buffer"`
}

// TriggerConfig configures the trigger engine's windows and factor weights.
type TriggerConfig struct {
	ShortWindow      time.Duration      `mapstructure:"short_window"`
	LongWindow       time.Duration      `mapstructure:"long_window"`
	BufferSize       int                `mapstructure:"buffer_size"`
	MinHistory       int                `mapstructure:"min_history"`
	IndicatorWeights map[string]float64 `mapstructure:"indicator_weights"`
}

// GateConfig configures deduplication, consensus, and lane routing.
type GateConfig struct {
	DedupWindow          time.Duration `mapstructure:"dedup_window"`
	SimilarityThreshold  float64       `mapstructure:"similarity_threshold"`
	ConfidenceEpsilon    float64       `mapstructure:"confidence_epsilon"`
	ConflictThreshold    float64       `mapstructure:"conflict_threshold"`
	StrengthenDelta      float64       `mapstructure:"strengthen_delta"`
	ConsensusOverlap     float64       `mapstructure:"consensus_overlap"`
	ConsensusDiversity   float64       `mapstructure:"consensus_diversity"`
	ConsensusActionBias  float64       `mapstructure:"consensus_action_bias"`
	ExpressBudget        time.Duration `mapstructure:"express_budget"`
	StandardBudget       time.Duration `mapstructure:"standard_budget"`
	DeepBudget           time.Duration `mapstructure:"deep_budget"`
	MinStrength          float64       `mapstructure:"min_strength"`
	MinLiquidity         float64       `mapstructure:"min_liquidity"`
	MaxRisk              float64       `mapstructure:"max_risk"`
	ExpressCompleteness  float64       `mapstructure:"express_completeness"`
	ExpressClarity       float64       `mapstructure:"express_clarity"`
	ExpressMinConfidence float64       `mapstructure:"express_min_confidence"`
}

// PoolConfig configures source-weight adaptation.
type PoolConfig struct {
	HistoryWindow     time.Duration `mapstructure:"history_window"`
	LearningStep      float64       `mapstructure:"learning_step"`
	DecayFactor       float64       `mapstructure:"decay_factor"`
	MinWeight         float64       `mapstructure:"min_weight"`
	MaxWeight         float64       `mapstructure:"max_weight"`
	MinSamples        int           `mapstructure:"min_samples"`
	IngestBuffer      int           `mapstructure:"ingest_buffer"`
	HighPriorityFloor float64       `mapstructure:"high_priority_floor"`
}

// ValidatorConfig configures outcome tracking and threshold recalculation.
type ValidatorConfig struct {
	TrackingWindow   time.Duration `mapstructure:"tracking_window"`
	RecalcInterval   time.Duration `mapstructure:"recalc_interval"`
	MetricsWindow    time.Duration `mapstructure:"metrics_window"`
	MinSampleSize    int           `mapstructure:"min_sample_size"`
	SafetyFloor      float64       `mapstructure:"safety_floor"`
	AdjustmentStep   float64       `mapstructure:"adjustment_step"`
	WinRateDefault   float64       `mapstructure:"win_rate_default"`
	ObservationBand  float64       `mapstructure:"observation_band"`
	ProfitLossStart  float64       `mapstructure:"profit_loss_default"`
	ConfidenceStart  float64       `mapstructure:"confidence_default"`
	WinRateBounds    []float64     `mapstructure:"win_rate_bounds"`
	ProfitLossBounds []float64     `mapstructure:"profit_loss_bounds"`
	ConfidenceBounds []float64     `mapstructure:"confidence_bounds"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	setDefaults()

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Config file not found, use defaults and environment variables
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.Environment = strings.ToLower(config.Environment)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &config, nil
}

// Validate fails fast on values that would otherwise surface as silent
// misbehaviour deep inside the pipeline.
func (c *Config) Validate() error {
	if len(c.Stream.Symbols) == 0 {
		return fmt.Errorf("stream.symbols cannot be empty")
	}
	if c.Trigger.MinHistory <= 0 {
		return fmt.Errorf("trigger.min_history must be positive")
	}
	if c.Trigger.BufferSize < c.Trigger.MinHistory {
		return fmt.Errorf("trigger.buffer_size (%d) must be >= trigger.min_history (%d)",
			c.Trigger.BufferSize, c.Trigger.MinHistory)
	}
	if c.Gate.DedupWindow <= 0 {
		return fmt.Errorf("gate.dedup_window must be positive")
	}
	if c.Gate.SimilarityThreshold <= 0 || c.Gate.SimilarityThreshold > 1 {
		return fmt.Errorf("gate.similarity_threshold must be in (0,1], got %v", c.Gate.SimilarityThreshold)
	}
	if c.Validator.TrackingWindow <= 0 {
		return fmt.Errorf("validator.tracking_window must be positive")
	}
	if c.Validator.MinSampleSize <= 0 {
		return fmt.Errorf("validator.min_sample_size must be positive")
	}
	for name, b := range map[string][]float64{
		"win_rate_bounds":    c.Validator.WinRateBounds,
		"profit_loss_bounds": c.Validator.ProfitLossBounds,
		"confidence_bounds":  c.Validator.ConfidenceBounds,
	} {
		if len(b) != 2 {
			return fmt.Errorf("validator.%s must hold exactly [min, max]", name)
		}
		if b[0] >= b[1] {
			return fmt.Errorf("validator.%s: min %v must be below max %v", name, b[0], b[1])
		}
	}
	if c.Validator.WinRateDefault < c.Validator.WinRateBounds[0] || c.Validator.WinRateDefault > c.Validator.WinRateBounds[1] {
		return fmt.Errorf("validator.win_rate_default %v outside win_rate_bounds", c.Validator.WinRateDefault)
	}
	if c.Pool.MinWeight >= c.Pool.MaxWeight {
		return fmt.Errorf("pool.min_weight must be below pool.max_weight")
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("environment", "development")
	viper.SetDefault("log_level", "info")

	// Server
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})

	// Database
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.dbname", "tickforge")
	viper.SetDefault("database.sslmode", "disable")

	// Redis
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// Stream
	viper.SetDefault("stream.websocket_url", "wss://stream.example.com/ws")
	viper.SetDefault("stream.symbols", []string{"BTCUSD", "ETHUSD"})
	viper.SetDefault("stream.channels", []string{"trade", "ticker"})
	viper.SetDefault("stream.reconnect_delay", "1s")
	viper.SetDefault("stream.max_reconnect_wait", "60s")
	viper.SetDefault("stream.ping_interval", "15s")
	viper.SetDefault("stream.freshness_window", "30s")
	viper.SetDefault("stream.tick_buffer", 1024)

	// Trigger
	viper.SetDefault("trigger.short_window", "1m")
	viper.SetDefault("trigger.long_window", "5m")
	viper.SetDefault("trigger.buffer_size", 600)
	viper.SetDefault("trigger.min_history", 30)
	viper.SetDefault("trigger.indicator_weights", map[string]float64{
		"momentum_short": 0.25,
		"momentum_long":  0.20,
		"volatility":     0.10,
		"volume_surge":   0.15,
		"rsi":            0.10,
		"ma_cross":       0.10,
		"macd":           0.10,
	})

	// Gate
	viper.SetDefault("gate.dedup_window", "15m")
	viper.SetDefault("gate.similarity_threshold", 0.85)
	viper.SetDefault("gate.confidence_epsilon", 0.03)
	viper.SetDefault("gate.conflict_threshold", 0.15)
	viper.SetDefault("gate.strengthen_delta", 0.08)
	viper.SetDefault("gate.consensus_overlap", 0.72)
	viper.SetDefault("gate.consensus_diversity", 0.80)
	viper.SetDefault("gate.consensus_action_bias", 0.85)
	viper.SetDefault("gate.express_budget", "3ms")
	viper.SetDefault("gate.standard_budget", "15ms")
	viper.SetDefault("gate.deep_budget", "40ms")
	viper.SetDefault("gate.min_strength", 70.0)
	viper.SetDefault("gate.min_liquidity", 0.6)
	viper.SetDefault("gate.max_risk", 0.3)
	viper.SetDefault("gate.express_completeness", 0.9)
	viper.SetDefault("gate.express_clarity", 0.8)
	viper.SetDefault("gate.express_min_confidence", 0.75)

	// Pool
	viper.SetDefault("pool.history_window", "168h")
	viper.SetDefault("pool.learning_step", 0.05)
	viper.SetDefault("pool.decay_factor", 0.9)
	viper.SetDefault("pool.min_weight", 0.5)
	viper.SetDefault("pool.max_weight", 1.5)
	viper.SetDefault("pool.min_samples", 5)
	viper.SetDefault("pool.ingest_buffer", 256)
	viper.SetDefault("pool.high_priority_floor", 0.65)

	// Validator
	viper.SetDefault("validator.tracking_window", "48h")
	viper.SetDefault("validator.recalc_interval", "30m")
	viper.SetDefault("validator.metrics_window", "168h")
	viper.SetDefault("validator.min_sample_size", 20)
	viper.SetDefault("validator.safety_floor", 0.30)
	viper.SetDefault("validator.adjustment_step", 0.02)
	viper.SetDefault("validator.win_rate_default", 0.62)
	viper.SetDefault("validator.observation_band", 0.10)
	viper.SetDefault("validator.profit_loss_default", 1.5)
	viper.SetDefault("validator.confidence_default", 0.70)
	viper.SetDefault("validator.win_rate_bounds", []float64{0.50, 0.85})
	viper.SetDefault("validator.profit_loss_bounds", []float64{1.0, 3.0})
	viper.SetDefault("validator.confidence_bounds", []float64{0.55, 0.95})
}
