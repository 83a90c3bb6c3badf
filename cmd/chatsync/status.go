package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and auth status",
	Long:  "Display the current configuration and whether an auth token is set.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:  %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		fmt.Printf("  Log level: %s\n", valueOrDefault(cfg.Default.LogLevel, "warn"))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.UserID != "" {
			fmt.Printf("  User ID:   %s\n", cfg.Auth.UserID)
			fmt.Printf("  User name: %s\n", valueOrDefault(cfg.Auth.UserName, "(not set)"))
		} else {
			fmt.Println("  User:      (not configured)")
		}
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:     %s\n", maskToken(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:     (not set)")
		}
		return nil
	},
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 12 {
		return "****"
	}
	return token[:8] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
