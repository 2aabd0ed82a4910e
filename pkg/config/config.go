package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/launchyard/launchyard/pkg/stores"
	"github.com/launchyard/launchyard/pkg/telemetry"
	"github.com/launchyard/launchyard/pkg/workflow"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "LAUNCHYARD_"

// Config is the launchyard configuration file.
type Config struct {
	// Engine controls how workflows are scheduled.
	Engine EngineConfig `yaml:"engine"`

	// Store configures run persistence.
	Store stores.Config `yaml:"store"`

	// Telemetry configures logging, tracing, metrics, and events.
	Telemetry telemetry.Config `yaml:"telemetry"`

	// Bus configures forwarding of workflow events to NATS.
	Bus BusConfig `yaml:"bus"`
}

// EngineConfig holds executor defaults. Pipeline files may override them.
type EngineConfig struct {
	// MaxParallel bounds how many jobs of one run execute at once.
	MaxParallel int `yaml:"max_parallel" validate:"gte=1"`

	// FailurePolicy is "abort" or "continue".
	FailurePolicy string `yaml:"failure_policy" validate:"omitempty,oneof=abort continue"`

	// WorkDir is the default working directory for command jobs.
	WorkDir string `yaml:"work_dir"`
}

// Policy returns the configured failure policy.
func (e EngineConfig) Policy() workflow.FailurePolicy {
	p, err := workflow.ParseFailurePolicy(e.FailurePolicy)
	if err != nil {
		return workflow.AbortOnFirstFailure
	}
	return p
}

// BusConfig configures the NATS event forwarder.
type BusConfig struct {
	Enabled        bool          `yaml:"enabled"`
	URL            string        `yaml:"url" validate:"required_if=Enabled true"`
	Subject        string        `yaml:"subject" validate:"required_if=Enabled true"`
	ClientName     string        `yaml:"client_name"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxParallel:   workflow.DefaultMaxParallel,
			FailurePolicy: string(workflow.AbortOnFirstFailure),
		},
		Store: stores.Config{
			Path: "launchyard.db",
		},
		Telemetry: *telemetry.DefaultConfig(),
		Bus: BusConfig{
			URL:            "nats://127.0.0.1:4222",
			Subject:        "launchyard.events",
			ClientName:     "launchyard",
			ConnectTimeout: 5 * time.Second,
		},
	}
}

var validate = validator.New()

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Load reads path over the defaults, applies environment overrides, and
// validates the result. An empty path loads defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := cfg.decode(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates it. Environment
// overrides are not applied.
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(r); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// LookupFunc has the signature of os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides fields from LAUNCHYARD_* variables.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookup(EnvPrefix + "MAX_PARALLEL"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sMAX_PARALLEL: %w", EnvPrefix, err)
		}
		c.Engine.MaxParallel = n
	}
	str("FAILURE_POLICY", &c.Engine.FailurePolicy)
	str("WORK_DIR", &c.Engine.WorkDir)
	str("DB_PATH", &c.Store.Path)
	str("LOG_LEVEL", &c.Telemetry.Logging.Level)
	str("LOG_FORMAT", &c.Telemetry.Logging.Format)
	str("ENVIRONMENT", &c.Telemetry.Environment)

	if v, ok := lookup(EnvPrefix + "OTLP_ENDPOINT"); ok && v != "" {
		c.Telemetry.Tracing.Enabled = true
		c.Telemetry.Tracing.Exporter = "otlp"
		c.Telemetry.Tracing.Endpoint = v
	}
	if v, ok := lookup(EnvPrefix + "METRICS_ADDR"); ok && v != "" {
		c.Telemetry.Metrics.Enabled = true
		c.Telemetry.Metrics.ListenAddress = v
	}
	if v, ok := lookup(EnvPrefix + "NATS_URL"); ok && v != "" {
		c.Bus.Enabled = true
		c.Bus.URL = v
	}
	str("NATS_SUBJECT", &c.Bus.Subject)
	return nil
}
