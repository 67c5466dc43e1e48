package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr   string       `yaml:"listen_addr" env:"LISTEN_ADDR"`
	PolicyPath   string       `yaml:"policy_path" env:"POLICY_PATH"`
	SchemaDir    string       `yaml:"schema_dir" env:"SCHEMA_DIR"`
	EventType    string       `yaml:"event_type" env:"EVENT_TYPE"`
	EventSource  string       `yaml:"event_source" env:"EVENT_SOURCE"`
	BatchWorkers int          `yaml:"batch_workers" env:"BATCH_WORKERS"`
	APIToken     string       `yaml:"api_token" env:"API_TOKEN"`
	Scorer       ScorerConfig `yaml:"scorer" envPrefix:"SCORER_"`
	Ledger       LedgerConfig `yaml:"ledger" envPrefix:"LEDGER_"`
	Kafka        KafkaConfig  `yaml:"kafka" envPrefix:"KAFKA_"`
	Log          LogConfig    `yaml:"log" envPrefix:"LOG_"`
}

type ScorerConfig struct {
	Kind        string   `yaml:"kind" env:"KIND"`
	ModelPath   string   `yaml:"model_path" env:"MODEL_PATH"`
	BlendWeight *float64 `yaml:"blend_weight" env:"BLEND_WEIGHT"`
}

type LedgerConfig struct {
	Driver string `yaml:"driver" env:"DRIVER"`
	DSN    string `yaml:"dsn" env:"DSN"`
}

// KafkaConfig enables event publishing. With Outbox set, events are written
// to the ledger with the decision and relayed to Kafka in the background.
type KafkaConfig struct {
	Brokers        []string      `yaml:"brokers" env:"BROKERS" envSeparator:","`
	Topic          string        `yaml:"topic" env:"TOPIC"`
	Outbox         bool          `yaml:"outbox" env:"OUTBOX"`
	OutboxInterval time.Duration `yaml:"outbox_interval" env:"OUTBOX_INTERVAL"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// EnvPrefix namespaces every environment override, e.g. ORCA_LEDGER_DSN.
const EnvPrefix = "ORCA_"

const DefaultBlendWeight = 0.5

func Default() Config {
	return Config{
		ListenAddr:   ":8080",
		BatchWorkers: 4,
		Scorer:       ScorerConfig{Kind: "rule"},
		Ledger:       LedgerConfig{Driver: "memory"},
		Log:          LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads an optional YAML file over the defaults, expands ${VAR}
// references, applies ORCA_* environment overrides and validates.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		// #nosec G304 -- path is operator-provided config path.
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}

		expanded := os.ExpandEnv(string(raw))
		expanded = strings.ReplaceAll(expanded, "\r\n", "\n")

		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

// Weight returns the blend weight, defaulting when unset.
func (s ScorerConfig) Weight() float64 {
	if s.BlendWeight == nil {
		return DefaultBlendWeight
	}
	return *s.BlendWeight
}

func (c Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, fmt.Errorf("listen_addr is required"))
	}
	if c.BatchWorkers < 0 {
		errs = append(errs, fmt.Errorf("batch_workers must not be negative"))
	}

	switch c.Scorer.Kind {
	case "", "rule":
	case "model", "blended":
		if c.Scorer.ModelPath == "" {
			errs = append(errs, fmt.Errorf("scorer.model_path is required when scorer.kind=%s", c.Scorer.Kind))
		}
	default:
		errs = append(errs, fmt.Errorf("scorer.kind %q is not one of rule, model, blended", c.Scorer.Kind))
	}
	if w := c.Scorer.Weight(); w < 0 || w > 1 {
		errs = append(errs, fmt.Errorf("scorer.blend_weight %v outside [0, 1]", w))
	}

	switch c.Ledger.Driver {
	case "", "memory":
	case "sqlite", "postgres":
		if c.Ledger.DSN == "" {
			errs = append(errs, fmt.Errorf("ledger.dsn is required when ledger.driver=%s", c.Ledger.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("ledger.driver %q is not one of memory, sqlite, postgres", c.Ledger.Driver))
	}

	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		errs = append(errs, fmt.Errorf("kafka.topic is required when kafka.brokers is set"))
	}
	if c.Kafka.Outbox && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, fmt.Errorf("kafka.outbox requires kafka.brokers"))
	}
	if c.Kafka.OutboxInterval < 0 {
		errs = append(errs, fmt.Errorf("kafka.outbox_interval must not be negative"))
	}

	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of text, json", c.Log.Format))
	}

	return errors.Join(errs...)
}
