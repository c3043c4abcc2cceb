package config

import (
	"sync"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Provider is the interface for obtaining configuration.
// Consumers should depend on this interface rather than calling the global Get() directly.
type Provider interface {
	GetConfig() *Config
}

// GlobalProvider implements Provider using the package-level singleton.
type GlobalProvider struct{}

func (GlobalProvider) GetConfig() *Config { return Get() }

// StaticProvider implements Provider with a fixed config value, useful for testing.
type StaticProvider struct {
	Cfg *Config
}

func (p *StaticProvider) GetConfig() *Config { return p.Cfg }

type Config struct {
	Auth     AuthConfig     `mapstructure:"auth"`
	Deployer DeployerConfig `mapstructure:"deployer"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	API      APIConfig      `mapstructure:"api"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type DeployerConfig struct {
	ChallengeDir  string        `mapstructure:"challenge_dir"`          // Directory holding challenge manifests
	HostKeychains string        `mapstructure:"host_keychains"`         // Keychain file path or vault://mount/path
	InstanceTTL   time.Duration `mapstructure:"instance_ttl,omitempty"` // Lifetime of instanced deployments (default: 10m)
	Lookahead     time.Duration `mapstructure:"lookahead,omitempty"`    // Expiry scheduler window (default: 1m)
	NumWorkers    int           `mapstructure:"num_workers,omitempty"`  // Redis pool workers (default: 10)
	MaxRetries    int           `mapstructure:"max_retries,omitempty"`  // Destroy job requeue bound (default: 3)
	StallTimeout  time.Duration `mapstructure:"stall_timeout,omitempty"` // Age after which an unfinished deploy or teardown is recovered (default: 15m)
	VaultAddr     string        `mapstructure:"vault_addr"`             // Overrides VAULT_ADDR when set
}

type DatabaseConfig struct {
	Driver                 string `mapstructure:"driver"`                   // "sqlite" or "postgres"
	DSN                    string `mapstructure:"dsn"`                      // File path for sqlite, connection string for postgres
	MigrateReferenceTables bool   `mapstructure:"migrate_reference_tables"` // Create challenges/teams tables (dev only)
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`     // Redis address; empty runs jobs in-process
	Password string `mapstructure:"password"` // Redis password (optional)
	DB       int    `mapstructure:"db"`       // Redis database number (default: 0)
}

type APIConfig struct {
	RateLimit float64 `mapstructure:"rate_limit"` // Requests per second per client, 0 disables
	RateBurst int     `mapstructure:"rate_burst"`
}

var (
	current *Config
	mu      sync.RWMutex
)

func Load() error {
	zap.S().Infof("Loading config from %s", viper.ConfigFileUsed())
	mu.Lock()
	defer mu.Unlock()

	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return err
	}
	zap.S().Info("Config loaded successfully")
	current = cfg
	return nil
}

func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

func Reload() error {
	return Load()
}

func LoadDefaults() error {
	mu.Lock()
	defer mu.Unlock()

	current = Defaults()
	return nil
}

// Defaults returns the configuration used when no config file is present.
func Defaults() *Config {
	return &Config{
		Auth: AuthConfig{
			JWTSecret: "defaultsecret",
		},
		Deployer: DeployerConfig{
			ChallengeDir:  "./challenges",
			HostKeychains: "./keychains.yaml",
			InstanceTTL:   10 * time.Minute,
			Lookahead:     time.Minute,
			NumWorkers:    10,
			MaxRetries:    3,
			StallTimeout:  15 * time.Minute,
		},
		Database: DatabaseConfig{
			Driver:                 "sqlite",
			DSN:                    "nerine.db",
			MigrateReferenceTables: true,
		},
	}
}
