// bastion enforces policy between MCP clients and their tool backend.
//
// Two modes: `proxy` runs the WebSocket enforcement point, `check`
// evaluates a single call against the policy and exits.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	root := &cobra.Command{
		Use:           "bastion",
		Short:         "Policy enforcement for MCP tool traffic",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newProxyCmd(), newCheckCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func mustBuildLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	if envOrDefault("BASTION_ENV", "production") == "development" {
		cfg = zap.NewDevelopmentConfig()
	}
	if lvl := os.Getenv("BASTION_LOG_LEVEL"); lvl != "" {
		parsed, err := zap.ParseAtomicLevel(lvl)
		if err != nil {
			fmt.Fprintln(os.Stderr, "invalid BASTION_LOG_LEVEL:", err)
			os.Exit(1)
		}
		cfg.Level = parsed
	}
	logger, err := cfg.Build()
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init:", err)
		os.Exit(1)
	}
	return logger
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
