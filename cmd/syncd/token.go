package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/callivate/syncd/internal/api"
	"github.com/callivate/syncd/internal/config"
	"github.com/spf13/cobra"
)

var tokenTTL time.Duration

var tokenCmd = &cobra.Command{
	Use:   "token <owner-id>",
	Short: "Issue a bearer token for an owner",
	Long:  "Sign a token with the configured JWT secret. Intended for development and smoke tests.",
	Args:  cobra.ExactArgs(1),
	RunE:  runToken,
}

func init() {
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithoutSecrets()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("SYNCD_JWT_SECRET is required (or set SYNCD_DEV_MODE=true)")
	}
	if tokenTTL <= 0 {
		return errors.New("--ttl must be positive")
	}

	tok, err := api.IssueToken(cfg.Auth.JWTSecret, args[0], cfg.Auth.Issuer, cfg.Auth.Audience, tokenTTL, time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), tok)
	return nil
}
