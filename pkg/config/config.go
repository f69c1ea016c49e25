package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/passportd/passportd/pkg/stores"
	"github.com/passportd/passportd/pkg/telemetry"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "PASSPORTD_"

// ServiceConfig is the complete configuration of a passportd process.
type ServiceConfig struct {
	Server    ServerConfig     `yaml:"server" envPrefix:"SERVER_"`
	Database  stores.Config    `yaml:"database" envPrefix:"DATABASE_"`
	Cache     CacheConfig      `yaml:"cache" envPrefix:"CACHE_"`
	Anchoring AnchoringConfig  `yaml:"anchoring" envPrefix:"ANCHORING_"`
	Policy    PolicyConfig     `yaml:"policy" envPrefix:"POLICY_"`
	Schemas   SchemasConfig    `yaml:"schemas" envPrefix:"SCHEMAS_"`
	Telemetry telemetry.Config `yaml:"telemetry" envPrefix:"TELEMETRY_"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	ListenAddress   string        `yaml:"listen_address" env:"LISTEN_ADDRESS" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT" validate:"gte=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" validate:"gte=0"`

	// UserHeader and RulesHeader carry the caller identity asserted by the
	// fronting gateway.
	UserHeader     string `yaml:"user_header" env:"USER_HEADER" validate:"required"`
	RulesHeader    string `yaml:"rules_header" env:"RULES_HEADER" validate:"required"`
	EmployeeHeader string `yaml:"employee_header" env:"EMPLOYEE_HEADER"`
}

// CacheConfig configures the identity cache.
type CacheConfig struct {
	// Backend is redis or sqlite. The sqlite backend shares the database.
	Backend         string        `yaml:"backend" env:"BACKEND" validate:"oneof=redis sqlite"`
	Addr            string        `yaml:"addr" env:"ADDR"`
	Username        string        `yaml:"username" env:"USERNAME"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	DB              int           `yaml:"db" env:"DB" validate:"gte=0"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT" validate:"gt=0"`
	TTL             time.Duration `yaml:"ttl" env:"TTL" validate:"gt=0"`
	Namespace       string        `yaml:"namespace" env:"NAMESPACE" validate:"required"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"CLEANUP_INTERVAL" validate:"gte=0"`
}

// AnchoringConfig configures the content store, the ledger and the worker pool.
type AnchoringConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	// Backend selects the content store: s3 or gateway.
	Backend string `yaml:"backend" env:"BACKEND" validate:"omitempty,oneof=s3 gateway"`

	S3         S3Config `yaml:"s3" envPrefix:"S3_"`
	GatewayURL string   `yaml:"gateway_url" env:"GATEWAY_URL" validate:"omitempty,url"`

	// LedgerURL is optional; without it protocols are uploaded but not recorded.
	LedgerURL   string `yaml:"ledger_url" env:"LEDGER_URL" validate:"omitempty,url"`
	LedgerToken string `yaml:"ledger_token" env:"LEDGER_TOKEN"`

	Workers      int           `yaml:"workers" env:"WORKERS" validate:"gte=1"`
	BatchSize    int           `yaml:"batch_size" env:"BATCH_SIZE" validate:"gte=1"`
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL" validate:"gt=0"`
	Lease        time.Duration `yaml:"lease" env:"LEASE" validate:"gt=0"`
	MaxAttempts  int           `yaml:"max_attempts" env:"MAX_ATTEMPTS" validate:"gte=1"`
	CallTimeout  time.Duration `yaml:"call_timeout" env:"CALL_TIMEOUT" validate:"gt=0"`
	BaseBackoff  time.Duration `yaml:"base_backoff" env:"BASE_BACKOFF" validate:"gt=0"`
	MaxBackoff   time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF" validate:"gtefield=BaseBackoff"`
}

// S3Config locates the S3-compatible bucket used as content store.
type S3Config struct {
	Bucket          string `yaml:"bucket" env:"BUCKET"`
	Region          string `yaml:"region" env:"REGION"`
	Endpoint        string `yaml:"endpoint" env:"ENDPOINT"`
	Prefix          string `yaml:"prefix" env:"PREFIX"`
	AccessKeyID     string `yaml:"access_key_id" env:"ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" env:"SECRET_ACCESS_KEY"`
	PathStyle       bool   `yaml:"path_style" env:"PATH_STYLE"`
}

// PolicyConfig configures Rego policy loading.
type PolicyConfig struct {
	Paths   []string `yaml:"paths" env:"PATHS" envSeparator:","`
	Watch   bool     `yaml:"watch" env:"WATCH"`
	Enable  []string `yaml:"enable" env:"ENABLE" envSeparator:","`
	Disable []string `yaml:"disable" env:"DISABLE" envSeparator:","`
}

// SchemasConfig configures the production schema catalog.
type SchemasConfig struct {
	Directory string `yaml:"directory" env:"DIRECTORY"`
	Watch     bool   `yaml:"watch" env:"WATCH"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *ServiceConfig {
	tel := telemetry.DefaultConfig()
	return &ServiceConfig{
		Server: ServerConfig{
			ListenAddress:   ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			UserHeader:      "X-Passport-User",
			RulesHeader:     "X-Passport-Rules",
			EmployeeHeader:  "X-Passport-Employee",
		},
		Database: stores.Config{
			Path: "passportd.db",
		},
		Cache: CacheConfig{
			Backend:         "sqlite",
			ConnectTimeout:  3 * time.Second,
			TTL:             14 * 24 * time.Hour,
			Namespace:       "employees",
			CleanupInterval: time.Hour,
		},
		Anchoring: AnchoringConfig{
			Enabled:      false,
			Backend:      "gateway",
			Workers:      4,
			BatchSize:    16,
			PollInterval: 5 * time.Second,
			Lease:        2 * time.Minute,
			MaxAttempts:  8,
			CallTimeout:  30 * time.Second,
			BaseBackoff:  2 * time.Second,
			MaxBackoff:   5 * time.Minute,
		},
		Telemetry: *tel,
	}
}

// Load reads the YAML file at path, if any, over the defaults and then
// applies PASSPORTD_* environment variables. The result is validated.
func Load(path string) (*ServiceConfig, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer func() { _ = f.Close() }()
		if err := decodeYAML(f, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse reads a YAML document over the defaults without consulting the
// environment.
func Parse(data []byte) (*ServiceConfig, error) {
	cfg := Default()
	if err := decodeYAML(bytes.NewReader(data), cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(r io.Reader, cfg *ServiceConfig) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks field constraints and the cross-field rules of each section.
func (c *ServiceConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	if c.Cache.Backend == "redis" && c.Cache.Addr == "" {
		return fmt.Errorf("invalid config: cache.addr is required for the redis backend")
	}
	if c.Anchoring.Enabled {
		switch c.Anchoring.Backend {
		case "s3":
			if c.Anchoring.S3.Bucket == "" {
				return fmt.Errorf("invalid config: anchoring.s3.bucket is required for the s3 backend")
			}
		case "gateway":
			if c.Anchoring.GatewayURL == "" {
				return fmt.Errorf("invalid config: anchoring.gateway_url is required for the gateway backend")
			}
		default:
			return fmt.Errorf("invalid config: anchoring.backend is required when anchoring is enabled")
		}
	}
	return nil
}
