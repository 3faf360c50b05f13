package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

const (
	// EnvOracleKey carries the oracle signing key as a hex string. Secrets
	// never live in the config file.
	EnvOracleKey = "ESCROWD_ORACLE_KEY"
	// EnvAPIToken carries the bearer token guarding mutating API routes.
	EnvAPIToken = "ESCROWD_API_TOKEN"
	// EnvDatabaseDSN overrides the configured database DSN.
	EnvDatabaseDSN = "ESCROWD_DATABASE_DSN"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for escrowd.
type Config struct {
	ListenAddress string             `yaml:"listen"`
	Environment   string             `yaml:"environment"`
	ActiveNetwork string             `yaml:"active_network"`
	Database      DatabaseConfig     `yaml:"database"`
	Networks      map[string]Network `yaml:"networks"`

	// Secrets, populated from the environment by Load.
	OracleKey string `yaml:"-"`
	APIToken  string `yaml:"-"`
}

// DatabaseConfig selects the persistence backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Network describes one chain the oracle watches, keyed by chain id.
type Network struct {
	Name             string   `yaml:"name"`
	RPCHTTP          string   `yaml:"rpc_http"`
	RPCWS            string   `yaml:"rpc_ws"`
	Factory          string   `yaml:"factory"`
	Token            string   `yaml:"token"`
	ConfirmationLag  uint64   `yaml:"confirmation_lag"`
	BackfillInterval Duration `yaml:"backfill_interval"`
	AddressChunk     int      `yaml:"address_chunk"`
}

// FactoryAddress returns the parsed factory address.
func (n Network) FactoryAddress() common.Address {
	return common.HexToAddress(n.Factory)
}

// TokenAddress returns the parsed payment token address.
func (n Network) TokenAddress() common.Address {
	return common.HexToAddress(n.Token)
}

// Load reads configuration from the supplied path and folds in secrets from
// the environment.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	applyEnv(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Active returns the chain id and network block the oracle should run
// against.
func (c Config) Active() (string, Network, error) {
	net, ok := c.Networks[c.ActiveNetwork]
	if !ok {
		return "", Network{}, fmt.Errorf("active network %q not configured", c.ActiveNetwork)
	}
	return c.ActiveNetwork, net, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7089"
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "/var/data/escrowd.sqlite"
	}
	for id, net := range cfg.Networks {
		if net.ConfirmationLag == 0 {
			net.ConfirmationLag = 2
		}
		if net.BackfillInterval.Duration == 0 {
			net.BackfillInterval.Duration = 10 * time.Second
		}
		if net.AddressChunk <= 0 {
			net.AddressChunk = 500
		}
		cfg.Networks[id] = net
	}
}

func applyEnv(cfg *Config) {
	cfg.OracleKey = strings.TrimSpace(os.Getenv(EnvOracleKey))
	cfg.OracleKey = strings.TrimPrefix(cfg.OracleKey, "0x")
	cfg.APIToken = strings.TrimSpace(os.Getenv(EnvAPIToken))
	if dsn := strings.TrimSpace(os.Getenv(EnvDatabaseDSN)); dsn != "" {
		cfg.Database.DSN = dsn
	}
}

func validate(cfg Config) error {
	if len(cfg.Networks) == 0 {
		return fmt.Errorf("at least one network must be configured")
	}
	if cfg.ActiveNetwork == "" {
		return fmt.Errorf("active_network must be set")
	}
	if _, ok := cfg.Networks[cfg.ActiveNetwork]; !ok {
		return fmt.Errorf("active network %q not configured", cfg.ActiveNetwork)
	}
	switch cfg.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database dsn must be set")
	}
	for id, net := range cfg.Networks {
		if net.RPCHTTP == "" {
			return fmt.Errorf("network %s: rpc_http must be set", id)
		}
		if !common.IsHexAddress(net.Factory) {
			return fmt.Errorf("network %s: factory address %q is invalid", id, net.Factory)
		}
		if !common.IsHexAddress(net.Token) {
			return fmt.Errorf("network %s: token address %q is invalid", id, net.Token)
		}
	}
	return nil
}
