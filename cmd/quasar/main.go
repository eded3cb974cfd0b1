package main

import (
	"fmt"
	"os"

	"github.com/oriys/quasar/internal/config"
	"github.com/spf13/cobra"
)

var (
	configFile string
	redisAddr  string
	redisPass  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "quasar",
		Short: "Quasar - rate-limit aware cache for third-party APIs",
		Long:  "Cache, rate-limit and queue outbound calls to third-party APIs such as Reply.io",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (yaml or json)")
	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis", "", "Redis address (enables the shared rate-limit backend)")
	rootCmd.PersistentFlags().StringVar(&redisPass, "redis-pass", "", "Redis password")

	rootCmd.AddCommand(
		daemonCmd(),
		campaignCmd(),
		limitsCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig resolves file, environment and persistent flags, in that order.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	config.LoadFromEnv(cfg)

	if cmd.Flags().Changed("redis") {
		cfg.Redis.Addr = redisAddr
		cfg.RateLimit.Backend = "redis"
	}
	if cmd.Flags().Changed("redis-pass") {
		cfg.Redis.Password = redisPass
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
