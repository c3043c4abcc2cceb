package cmd

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ctf-gg/nerine/pkg/config"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:   "nerine",
	Short: "nerine challenge deployer",
	Long:  "nerine deploys CTF challenge containers on Docker hosts and publishes them through Caddy. The platform backend drives it over a small JWT-protected API.",
}

var cfgFile string

var (
	lastReload time.Time
	reloadMu   sync.Mutex
)

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "An error occurred: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.AddCommand(serveCmd)
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	viper.SetConfigType("yaml")

	viper.SetDefault("auth.jwt_secret", "")
	viper.SetDefault("deployer.challenge_dir", "./challenges")
	viper.SetDefault("deployer.host_keychains", "./keychains.yaml")
	viper.SetDefault("deployer.instance_ttl", "10m")
	viper.SetDefault("deployer.lookahead", "1m")
	viper.SetDefault("deployer.num_workers", 10)
	viper.SetDefault("deployer.max_retries", 3)
	viper.SetDefault("deployer.stall_timeout", "15m")
	viper.SetDefault("database.driver", "sqlite")
	viper.SetDefault("database.dsn", "nerine.db")
	viper.SetDefault("database.migrate_reference_tables", false)
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("api.rate_limit", 0)
	viper.SetDefault("api.rate_burst", 20)

	for key, env := range map[string]string{
		"auth.jwt_secret":         "JWT_SECRET",
		"database.dsn":            "DATABASE_URL",
		"deployer.host_keychains": "HOST_KEYCHAINS",
		"deployer.challenge_dir":  "CHALLENGES_DIR",
		"redis.addr":              "REDIS_ADDR",
		"deployer.vault_addr":     "VAULT_ADDR",
	} {
		_ = viper.BindEnv(key, env)
	}

	if cfgFile == "" {
		zap.S().Warn("No config file specified, using defaults and environment")
		if err := config.Load(); err != nil {
			zap.S().Fatalf("Error loading config: %v", err)
		}
		return
	}

	viper.SetConfigFile(cfgFile)
	if err := viper.ReadInConfig(); err != nil {
		zap.S().Fatalf("Error reading config file: %v", err)
	}

	if err := config.Load(); err != nil {
		zap.S().Fatalf("Error loading config: %v", err)
	}

	viper.WatchConfig()
	viper.OnConfigChange(func(e fsnotify.Event) {
		handleConfigChange(e.Name)
	})
}

func handleConfigChange(filename string) {
	reloadMu.Lock()
	defer reloadMu.Unlock()

	if time.Since(lastReload) < 500*time.Millisecond {
		return // ignore duplicate events
	}
	lastReload = time.Now()
	zap.S().Infof("Config file %s changed", filename)

	if err := config.Reload(); err != nil {
		zap.S().Errorf("Error reloading config: %v", err)
		return
	}
	zap.S().Info("Config reloaded successfully")
}
