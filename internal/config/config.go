// Package config loads the indexer configuration from YAML and environment.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"credit-ledger-indexer/internal/domain"
)

// Environment variables that override file settings.
const (
	EnvRPCURL        = "JSON_RPC_URL"
	EnvDatabaseURL   = "DATABASE_URL"
	EnvClickHouseDSN = "CLICKHOUSE_DSN"
	EnvLogLevel      = "LOG_LEVEL"
)

// Config is the full indexer configuration.
type Config struct {
	Chain      ChainConfig      `yaml:"chain"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Registry   RegistryConfig   `yaml:"registry"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
	HTTP       HTTPConfig       `yaml:"http"`
	Logging    LoggingConfig    `yaml:"logging"`
	// Projects seeds the in-memory project feed.
	Projects []ProjectSeed `yaml:"projects"`
}

// ChainConfig selects the node endpoint. ws:// and wss:// use push
// subscriptions; http:// and https:// poll a log filter.
type ChainConfig struct {
	Endpoint     string        `yaml:"endpoint"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type PostgresConfig struct {
	DSN     string `yaml:"dsn"`
	Migrate bool   `yaml:"migrate"`
}

// ClickHouseConfig enables the operation journal when DSN is set.
type ClickHouseConfig struct {
	DSN string `yaml:"dsn"`
}

type RegistryConfig struct {
	ScanInterval time.Duration `yaml:"scan_interval"`
}

type ReconcilerConfig struct {
	Workers     int `yaml:"workers"`
	QueueSize   int `yaml:"queue_size"`
	MaxAttempts int `yaml:"max_attempts"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ProjectSeed is a project declared in the config file.
type ProjectSeed struct {
	ID             string `yaml:"id"`
	Name           string `yaml:"name"`
	CreditType     string `yaml:"credit_type"`
	Contract       string `yaml:"contract"`
	VerifiedAt     string `yaml:"verified_at"` // RFC3339, optional
	MintedQuantity string `yaml:"minted_quantity"`
	DocumentsHash  string `yaml:"documents_hash"`
	// ABI is the contract ABI as JSON. Empty selects the standard ERC-1155 event.
	ABI string `yaml:"abi"`
}

// Default returns the configuration used for unset fields.
func Default() *Config {
	return &Config{
		Chain: ChainConfig{
			PollInterval: 2 * time.Second,
		},
		Postgres: PostgresConfig{
			Migrate: true,
		},
		Registry: RegistryConfig{
			ScanInterval: 5 * time.Minute,
		},
		Reconciler: ReconcilerConfig{
			Workers:     4,
			QueueSize:   256,
			MaxAttempts: 3,
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path (optional) over the defaults and applies environment overrides.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := decode(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv(lookup)
	return cfg, nil
}

// decode rejects unknown keys so typos surface at startup.
func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvRPCURL); ok && v != "" {
		c.Chain.Endpoint = v
	}
	if v, ok := lookup(EnvDatabaseURL); ok && v != "" {
		c.Postgres.DSN = v
	}
	if v, ok := lookup(EnvClickHouseDSN); ok && v != "" {
		c.ClickHouse.DSN = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Logging.Level = v
	}
}

// Validate reports every missing or malformed setting. useMemory relaxes
// the Postgres requirement.
func (c *Config) Validate(useMemory bool) error {
	var errs []error

	if c.Chain.Endpoint == "" {
		errs = append(errs, fmt.Errorf("chain.endpoint is required (or set %s)", EnvRPCURL))
	}
	if c.Chain.PollInterval <= 0 {
		errs = append(errs, errors.New("chain.poll_interval must be positive"))
	}
	if !useMemory && c.Postgres.DSN == "" {
		errs = append(errs, fmt.Errorf("postgres.dsn is required (or set %s)", EnvDatabaseURL))
	}
	if c.Registry.ScanInterval <= 0 {
		errs = append(errs, errors.New("registry.scan_interval must be positive"))
	}
	if c.Reconciler.Workers <= 0 {
		errs = append(errs, errors.New("reconciler.workers must be positive"))
	}
	if c.Reconciler.QueueSize <= 0 {
		errs = append(errs, errors.New("reconciler.queue_size must be positive"))
	}
	if c.Reconciler.MaxAttempts <= 0 {
		errs = append(errs, errors.New("reconciler.max_attempts must be positive"))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be json or console", c.Logging.Format))
	}
	for i, seed := range c.Projects {
		if _, err := seed.Project(); err != nil {
			errs = append(errs, fmt.Errorf("projects[%d]: %w", i, err))
		}
	}

	return errors.Join(errs...)
}

// SeedProjects converts the declared projects into domain projects.
func (c *Config) SeedProjects() ([]*domain.Project, error) {
	out := make([]*domain.Project, 0, len(c.Projects))
	for i, seed := range c.Projects {
		p, err := seed.Project()
		if err != nil {
			return nil, fmt.Errorf("projects[%d]: %w", i, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// Project validates the seed and converts it to a domain project.
func (s ProjectSeed) Project() (*domain.Project, error) {
	p := &domain.Project{
		ID:            s.ID,
		Name:          s.Name,
		CreditType:    domain.CreditType(strings.ToUpper(s.CreditType)),
		DocumentsHash: s.DocumentsHash,
	}

	if p.ID != "" {
		if _, err := uuid.Parse(p.ID); err != nil {
			return nil, fmt.Errorf("id %q is not a uuid", s.ID)
		}
	}
	if !p.CreditType.IsValid() {
		return nil, fmt.Errorf("credit_type %q must be CARBON, BIODIVERSITY or RECYCLING", s.CreditType)
	}

	addr, ok := domain.ParseAddress(s.Contract)
	if !ok || domain.IsZero(addr) {
		return nil, fmt.Errorf("contract %q is not a valid address", s.Contract)
	}
	p.ContractAddress = addr

	if s.VerifiedAt != "" {
		t, err := time.Parse(time.RFC3339, s.VerifiedAt)
		if err != nil {
			return nil, fmt.Errorf("verified_at: %w", err)
		}
		p.VerifiedAt = t.UTC()
	}
	if s.MintedQuantity != "" {
		q, err := decimal.NewFromString(s.MintedQuantity)
		if err != nil {
			return nil, fmt.Errorf("minted_quantity: %w", err)
		}
		p.MintedQuantity = q
	}
	if abi := strings.TrimSpace(s.ABI); abi != "" {
		if !json.Valid([]byte(abi)) {
			return nil, errors.New("abi is not valid JSON")
		}
		p.ABI = json.RawMessage(abi)
	}

	return p, nil
}
