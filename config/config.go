// Package config loads and validates the daemon configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds the main runtime configuration.
type Config struct {
	Env     string        `yaml:"env"`
	Log     LogConfig     `yaml:"log"`
	Engine  EngineConfig  `yaml:"engine"`
	Journal JournalConfig `yaml:"journal"`
	Tape    TapeConfig    `yaml:"tape"`
	API     APIConfig     `yaml:"api"`
	Metrics MetricsConfig `yaml:"metrics"`
	Kafka   KafkaConfig   `yaml:"kafka"`
	Feed    FeedConfig    `yaml:"feed"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type EngineConfig struct {
	DayResetHour   int `yaml:"dayResetHour"`
	DayResetMinute int `yaml:"dayResetMinute"`
	MaintainMs     int `yaml:"maintainMs"`
}

type JournalConfig struct {
	Dir           string `yaml:"dir"`
	SegmentSizeMB int    `yaml:"segmentSizeMB"`
	SyncMs        int    `yaml:"syncMs"`
}

type TapeConfig struct {
	Dir string `yaml:"dir"`
}

type APIConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// KafkaConfig wires the trade broadcaster and the depth publisher. An
// empty broker list disables both.
type KafkaConfig struct {
	Brokers         []string `yaml:"brokers"`
	TradeTopic      string   `yaml:"tradeTopic"`
	DepthTopic      string   `yaml:"depthTopic"`
	DepthIntervalMs int      `yaml:"depthIntervalMs"`
	DepthLevels     int      `yaml:"depthLevels"`
}

// FeedConfig drives the external market data mirror.
type FeedConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Symbol         string `yaml:"symbol"`
	RestURL        string `yaml:"restURL"`
	StreamURL      string `yaml:"streamURL"`
	PollIntervalMs int    `yaml:"pollIntervalMs"`
	Depth          int    `yaml:"depth"`
}

// Default returns the configuration used when a field is absent.
func Default() Config {
	return Config{
		Env: "dev",
		Log: LogConfig{Level: "info"},
		Engine: EngineConfig{
			DayResetHour:   15,
			DayResetMinute: 59,
			MaintainMs:     1000,
		},
		Journal: JournalConfig{
			Dir:           "data/journal",
			SegmentSizeMB: 64,
			SyncMs:        200,
		},
		Tape: TapeConfig{Dir: "data/tape"},
		API: APIConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"*"},
		},
		Metrics: MetricsConfig{Addr: ":9100"},
		Kafka: KafkaConfig{
			TradeTopic:      "agora.trades",
			DepthTopic:      "agora.depth",
			DepthIntervalMs: 1000,
			DepthLevels:     10,
		},
		Feed: FeedConfig{
			Symbol:         "BTCUSDT",
			RestURL:        "https://api.binance.com/api/v3/depth",
			StreamURL:      "wss://stream.binance.com:9443",
			PollIntervalMs: 2000,
			Depth:          50,
		},
	}
}

// Load reads YAML config from path on top of the defaults and applies
// basic validation.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides deployment-specific
// fields from env vars if present.
func LoadWithEnvOverrides(path string) (Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if v := os.Getenv("AGORA_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("AGORA_API_ADDR"); v != "" {
		cfg.API.Addr = v
	}
	if v := os.Getenv("AGORA_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("AGORA_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	return cfg, Validate(cfg)
}

// Validate ensures required fields are present and in range.
func Validate(cfg Config) error {
	if cfg.Env == "" {
		return errors.New("env is required")
	}
	if cfg.Log.Level == "" {
		return errors.New("log.level is required")
	}
	if cfg.Engine.DayResetHour < 0 || cfg.Engine.DayResetHour > 23 {
		return fmt.Errorf("engine.dayResetHour %d out of range", cfg.Engine.DayResetHour)
	}
	if cfg.Engine.DayResetMinute < 0 || cfg.Engine.DayResetMinute > 59 {
		return fmt.Errorf("engine.dayResetMinute %d out of range", cfg.Engine.DayResetMinute)
	}
	if cfg.Engine.MaintainMs <= 0 {
		return errors.New("engine.maintainMs must be > 0")
	}
	if cfg.Journal.Dir == "" {
		return errors.New("journal.dir is required")
	}
	if cfg.Journal.SegmentSizeMB <= 0 {
		return errors.New("journal.segmentSizeMB must be > 0")
	}
	if cfg.Journal.SyncMs <= 0 {
		return errors.New("journal.syncMs must be > 0")
	}
	if cfg.Tape.Dir == "" {
		return errors.New("tape.dir is required")
	}
	if cfg.API.Addr == "" {
		return errors.New("api.addr is required")
	}
	if len(cfg.Kafka.Brokers) > 0 {
		if cfg.Kafka.TradeTopic == "" {
			return errors.New("kafka.tradeTopic is required when brokers are set")
		}
		if cfg.Kafka.DepthTopic == "" {
			return errors.New("kafka.depthTopic is required when brokers are set")
		}
		if cfg.Kafka.DepthIntervalMs <= 0 {
			return errors.New("kafka.depthIntervalMs must be > 0")
		}
		if cfg.Kafka.DepthLevels <= 0 {
			return errors.New("kafka.depthLevels must be > 0")
		}
	}
	if cfg.Feed.Enabled {
		if cfg.Feed.Symbol == "" {
			return errors.New("feed.symbol is required when feed is enabled")
		}
		if cfg.Feed.RestURL == "" {
			return errors.New("feed.restURL is required when feed is enabled")
		}
		if cfg.Feed.PollIntervalMs <= 0 {
			return errors.New("feed.pollIntervalMs must be > 0")
		}
		if cfg.Feed.Depth <= 0 {
			return errors.New("feed.depth must be > 0")
		}
	}
	return nil
}
