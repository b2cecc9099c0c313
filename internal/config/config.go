// Package config loads the engine's runtime configuration via viper, with a
// YAML file as the primary source and environment variables as overrides —
// the same layered approach sawpanic-cryptorun and r3e-network-service_layer
// use for their service configs.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the strategy-evolution engine.
type Config struct {
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	DataDir    string           `yaml:"data_dir" mapstructure:"data_dir"`
	LogLevel   string           `yaml:"log_level" mapstructure:"log_level"`
	Evolution  EvolutionConfig  `yaml:"evolution" mapstructure:"evolution"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	MDG        MDGConfig        `yaml:"market_data_gateway" mapstructure:"market_data_gateway"`
	MemorySink MemorySinkConfig `yaml:"memory_sink" mapstructure:"memory_sink"`
	Royalty    RoyaltyConfig    `yaml:"royalty" mapstructure:"royalty"`
}

type ServerConfig struct {
	Host         string        `yaml:"host" mapstructure:"host"`
	Port         int           `yaml:"port" mapstructure:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
}

type EvolutionConfig struct {
	Interval         time.Duration `yaml:"interval" mapstructure:"interval"`                 // T_E
	BatchSize        int           `yaml:"batch_size" mapstructure:"batch_size"`             // B
	MaxParallel      int           `yaml:"max_parallel" mapstructure:"max_parallel"`         // P
	PopulationCap    int           `yaml:"population_cap" mapstructure:"population_cap"`     // N_max
	StaleAfter       time.Duration `yaml:"stale_after" mapstructure:"stale_after"`
	AttemptsToMutate int           `yaml:"attempts_to_mutate" mapstructure:"attempts_to_mutate"`
	BacktestDeadline time.Duration `yaml:"backtest_deadline" mapstructure:"backtest_deadline"`
	BacktestWindow   time.Duration `yaml:"backtest_window" mapstructure:"backtest_window"`
}

type MonitoringConfig struct {
	Interval           time.Duration `yaml:"interval" mapstructure:"interval"` // T_M
	RegimeDiversityMin int           `yaml:"regime_diversity_min" mapstructure:"regime_diversity_min"`
	WFAStabilityMin    float64       `yaml:"wfa_stability_min" mapstructure:"wfa_stability_min"`
	RobustnessPromote  float64       `yaml:"robustness_promote" mapstructure:"robustness_promote"`
	RobustnessDiscard  float64       `yaml:"robustness_discard" mapstructure:"robustness_discard"`
	SanityMinTrades    int           `yaml:"sanity_min_trades" mapstructure:"sanity_min_trades"`
	SanityMaxDrawdown  float64       `yaml:"sanity_max_drawdown" mapstructure:"sanity_max_drawdown"`
}

type MDGConfig struct {
	CacheTTL       time.Duration            `yaml:"cache_ttl" mapstructure:"cache_ttl"`
	RequestsPerSec map[string]float64       `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
	Providers      []string                 `yaml:"providers" mapstructure:"providers"`
	BreakerTimeout time.Duration            `yaml:"breaker_timeout" mapstructure:"breaker_timeout"`
}

type MemorySinkConfig struct {
	Endpoint   string        `yaml:"endpoint" mapstructure:"endpoint"`
	Timeout    time.Duration `yaml:"timeout" mapstructure:"timeout"`
	RetryLimit int           `yaml:"retry_limit" mapstructure:"retry_limit"`
}

type RoyaltyConfig struct {
	Enabled    bool          `yaml:"enabled" mapstructure:"enabled"`
	RetryLimit int           `yaml:"retry_limit" mapstructure:"retry_limit"`
	RetryDelay time.Duration `yaml:"retry_delay" mapstructure:"retry_delay"`
}

// Default returns the baseline configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Host: "0.0.0.0", Port: 8090, ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second},
		DataDir:  "./data",
		LogLevel: "info",
		Evolution: EvolutionConfig{
			Interval:         480 * time.Second,
			BatchSize:        50,
			MaxParallel:      3,
			PopulationCap:    100,
			StaleAfter:       7 * 24 * time.Hour,
			AttemptsToMutate: 3,
			BacktestDeadline: 120 * time.Second,
			BacktestWindow:   200 * 24 * time.Hour,
		},
		Monitoring: MonitoringConfig{
			Interval:           900 * time.Second,
			RegimeDiversityMin: 2,
			WFAStabilityMin:    0.25,
			RobustnessPromote:  70,
			RobustnessDiscard:  40,
			SanityMinTrades:    10,
			SanityMaxDrawdown:  0.70,
		},
		MDG: MDGConfig{
			CacheTTL:       30 * time.Second,
			RequestsPerSec: map[string]float64{"primary": 5, "secondary": 2},
			Providers:      []string{"primary", "secondary"},
			BreakerTimeout: 30 * time.Second,
		},
		MemorySink: MemorySinkConfig{Endpoint: "memory://local", Timeout: 5 * time.Second, RetryLimit: 3},
		Royalty:    RoyaltyConfig{Enabled: true, RetryLimit: 5, RetryDelay: 2 * time.Second},
	}
}

// Load reads configuration from path (if non-empty) layered with environment
// variable overrides prefixed STRATEGYEVO_, e.g. STRATEGYEVO_SERVER_PORT.
// An environment variable only overrides a key the file at path also sets;
// with an empty path Load returns Default() and reads no environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("strategyevo")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("config: unmarshal %s: %w", path, err)
		}
	}
	return cfg, nil
}

// WriteSample marshals the default configuration to path as YAML, for
// operators bootstrapping a new data directory via `strategyevo migrate`.
// It refuses to overwrite an existing file.
func WriteSample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config: %s already exists", path)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("config: stat %s: %w", path, err)
	}

	out, err := yaml.Marshal(Default())
	if err != nil {
		return fmt.Errorf("config: marshal sample: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
