// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration. Values come from environment
// variables (optionally a .env file); scoring weights can additionally be
// overridden from a YAML file so every scoring consumer reads one source.
type Config struct {
	DataDir  string // Base directory for all databases, always absolute
	Port     int
	LogLevel string
	DevMode  bool

	Evolution  EvolutionConfig
	Monitoring MonitoringConfig
	Backtest   BacktestConfig
	MarketData MarketDataConfig
	Mutation   MutationConfig
	Scoring    ScoringWeights
}

// EvolutionConfig controls the evolution worker.
type EvolutionConfig struct {
	Interval        time.Duration // period of the evolution cycle
	ParallelWorkers int           // bounded pool size within a cycle
	BatchMax        int           // effective batch = min(BatchMax, 0.8*provider rate)
	MaxAttempts     int           // discard cap on evolution_attempts
	MaxPopulation   int           // active population cap
	StaleAfter      time.Duration // last_backtest_at older than this is priority 2
	WindowDays      int           // backtest window length
	// ResetAttemptsOnDemotion resets evolution_attempts when a strategy is
	// demoted CANDIDATE -> EXPERIMENT. Off by default: attempts measure total
	// learning effort toward the discard cap.
	ResetAttemptsOnDemotion bool
}

// MonitoringConfig controls the monitoring worker.
type MonitoringConfig struct {
	Interval         time.Duration
	SanityMinTrades  int
	SanityMaxDD      float64
	SanityWindowDays int
}

// WFAConfig controls walk-forward analysis windows.
type WFAConfig struct {
	InSampleMonths  int
	OutSampleMonths int
	StepMonths      int
}

// BacktestConfig controls the backtest engine.
type BacktestConfig struct {
	TrainRatio       float64
	WFA              WFAConfig
	MonteCarloIters  int
	MinCandles       int
	Deadline         time.Duration
	InitialCapital   float64
	UnlimitedCapital bool
}

// MarketDataConfig controls the market data gateway.
type MarketDataConfig struct {
	CacheTTLPrice     time.Duration
	CacheTTLCandles   time.Duration
	CacheTTLSentiment time.Duration
	RateWindow        time.Duration
	ProviderRates     map[string]int // provider key -> max requests per window
	MaxBackoff        time.Duration
	BackoffBase       time.Duration
	QueueDepthMax     int
	RequestTimeout    time.Duration
}

// RateFor returns the configured per-window budget for a provider, with a
// conservative default for unknown keys.
func (m MarketDataConfig) RateFor(provider string) int {
	if r, ok := m.ProviderRates[provider]; ok && r > 0 {
		return r
	}
	return 30
}

// MutationConfig controls the genetic mutation engine.
type MutationConfig struct {
	Rate            float64 // per-parameter mutation probability
	CrossoverRate   float64 // probability of crossover when a second parent exists
	EliteFraction   float64 // top fraction preserved unchanged per cycle
	TournamentSize  int
	TimeframeLadder []string // ordered rungs for TIMEFRAME_CHANGE
	// SymbolPools maps asset type to the transplant pool for ASSET_TRANSPLANT.
	SymbolPools map[string][]string
}

// ScoringWeights are the composite score weights. Absent metric components
// have their weight redistributed proportionally at score time.
type ScoringWeights struct {
	WinRate    float64 `yaml:"win_rate"`
	RiskAdj    float64 `yaml:"risk_adj"`
	Drawdown   float64 `yaml:"drawdown"`
	Stability  float64 `yaml:"stability"`
	Sharpe     float64 `yaml:"sharpe"`
	WFA        float64 `yaml:"wfa"`
	MonteCarlo float64 `yaml:"monte_carlo"`
}

// DefaultScoringWeights returns the standard weight set.
func DefaultScoringWeights() ScoringWeights {
	return ScoringWeights{
		WinRate:    0.30,
		RiskAdj:    0.20,
		Drawdown:   0.20,
		Stability:  0.15,
		Sharpe:     0.05,
		WFA:        0.10,
		MonteCarlo: 0.10,
	}
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("EVOQUANT_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("EVOQUANT_PORT", 8010),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("DEV_MODE", false),
		Evolution: EvolutionConfig{
			Interval:                getEnvAsDuration("EVOLUTION_INTERVAL_S", 480),
			ParallelWorkers:         getEnvAsInt("EVOLUTION_PARALLEL_WORKERS", 3),
			BatchMax:                getEnvAsInt("EVOLUTION_BATCH_MAX", 50),
			MaxAttempts:             getEnvAsInt("EVOLUTION_MAX_ATTEMPTS", 10),
			MaxPopulation:           getEnvAsInt("EVOLUTION_MAX_POPULATION", 100),
			StaleAfter:              time.Duration(getEnvAsInt("EVOLUTION_STALE_DAYS", 7)) * 24 * time.Hour,
			WindowDays:              getEnvAsInt("EVOLUTION_WINDOW_DAYS", 200),
			ResetAttemptsOnDemotion: getEnvAsBool("EVOLUTION_RESET_ATTEMPTS_ON_DEMOTION", false),
		},
		Monitoring: MonitoringConfig{
			Interval:         getEnvAsDuration("MONITORING_INTERVAL_S", 900),
			SanityMinTrades:  getEnvAsInt("MONITORING_SANITY_MIN_TRADES", 10),
			SanityMaxDD:      getEnvAsFloat("MONITORING_SANITY_MAX_DD", 0.70),
			SanityWindowDays: getEnvAsInt("MONITORING_SANITY_WINDOW_DAYS", 90),
		},
		Backtest: BacktestConfig{
			TrainRatio: getEnvAsFloat("BACKTEST_TRAIN_RATIO", 0.70),
			WFA: WFAConfig{
				InSampleMonths:  getEnvAsInt("BACKTEST_WFA_IN_MONTHS", 12),
				OutSampleMonths: getEnvAsInt("BACKTEST_WFA_OOS_MONTHS", 3),
				StepMonths:      getEnvAsInt("BACKTEST_WFA_STEP_MONTHS", 3),
			},
			MonteCarloIters:  getEnvAsInt("BACKTEST_MC_ITERS", 1000),
			MinCandles:       getEnvAsInt("BACKTEST_MIN_CANDLES", 60),
			Deadline:         getEnvAsDuration("BACKTEST_DEADLINE_S", 120),
			InitialCapital:   getEnvAsFloat("BACKTEST_INITIAL_CAPITAL", 10000),
			UnlimitedCapital: getEnvAsBool("BACKTEST_UNLIMITED_CAPITAL", false),
		},
		MarketData: MarketDataConfig{
			CacheTTLPrice:     getEnvAsDuration("MDG_CACHE_TTL_PRICE_S", 5),
			CacheTTLCandles:   getEnvAsDuration("MDG_CACHE_TTL_CANDLES_S", 5),
			CacheTTLSentiment: getEnvAsDuration("MDG_CACHE_TTL_SENTIMENT_S", 60),
			RateWindow:        getEnvAsDuration("MDG_RATE_WINDOW_S", 60),
			ProviderRates: map[string]int{
				"alphavantage": getEnvAsInt("MDG_RATE_ALPHAVANTAGE", 30),
				"yahoo":        getEnvAsInt("MDG_RATE_YAHOO", 60),
			},
			MaxBackoff:     getEnvAsDuration("MDG_MAX_BACKOFF_S", 60),
			BackoffBase:    getEnvAsDuration("MDG_BACKOFF_BASE_S", 1),
			QueueDepthMax:  getEnvAsInt("MDG_QUEUE_DEPTH_MAX", 64),
			RequestTimeout: getEnvAsDuration("MDG_REQUEST_TIMEOUT_S", 15),
		},
		Mutation: MutationConfig{
			Rate:            getEnvAsFloat("MUTATION_RATE", 0.2),
			CrossoverRate:   getEnvAsFloat("MUTATION_CROSSOVER_RATE", 0.7),
			EliteFraction:   getEnvAsFloat("MUTATION_ELITE_FRACTION", 0.1),
			TournamentSize:  getEnvAsInt("MUTATION_TOURNAMENT_SIZE", 4),
			TimeframeLadder: []string{"15m", "1h", "4h", "1d", "1w"},
			SymbolPools: map[string][]string{
				"equity": {"AAPL", "MSFT", "GOOG", "AMZN", "NVDA", "META"},
				"crypto": {"BTC-USD", "ETH-USD", "SOL-USD"},
				"fx":     {"EURUSD", "GBPUSD", "USDJPY"},
			},
		},
		Scoring: DefaultScoringWeights(),
	}

	// Optional scoring weight override file keeps every scoring consumer on
	// one source of truth.
	if path := getEnv("SCORING_WEIGHTS_FILE", ""); path != "" {
		if err := cfg.loadScoringWeights(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadScoringWeights reads a YAML weight override file.
func (c *Config) loadScoringWeights(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read scoring weights file: %w", err)
	}
	weights := c.Scoring
	if err := yaml.Unmarshal(data, &weights); err != nil {
		return fmt.Errorf("failed to parse scoring weights file: %w", err)
	}
	c.Scoring = weights
	return nil
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.Backtest.TrainRatio <= 0 || c.Backtest.TrainRatio >= 1 {
		return fmt.Errorf("backtest train ratio must be in (0,1), got %v", c.Backtest.TrainRatio)
	}
	if c.Evolution.ParallelWorkers < 1 {
		return fmt.Errorf("evolution parallel workers must be >= 1, got %d", c.Evolution.ParallelWorkers)
	}
	if c.Evolution.MaxPopulation < 1 {
		return fmt.Errorf("evolution max population must be >= 1, got %d", c.Evolution.MaxPopulation)
	}
	if c.Mutation.EliteFraction < 0 || c.Mutation.EliteFraction > 0.5 {
		return fmt.Errorf("mutation elite fraction must be in [0,0.5], got %v", c.Mutation.EliteFraction)
	}
	sum := c.Scoring.WinRate + c.Scoring.RiskAdj + c.Scoring.Drawdown +
		c.Scoring.Stability + c.Scoring.Sharpe + c.Scoring.WFA + c.Scoring.MonteCarlo
	if sum <= 0 {
		return fmt.Errorf("scoring weights must sum to a positive value, got %v", sum)
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvAsDuration reads a whole-second env value.
func getEnvAsDuration(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultSeconds)) * time.Second
}
