package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	http_api "reportd/internal/api/http"
	"reportd/internal/config"
	"reportd/internal/domain"
)

var tokenCmd = &cobra.Command{
	Use:   "token <subject>",
	Short: "Sign an API token with the configured secret",
	Long: `Token signs a bearer token for the HTTP API, for local development and
scripting. The secret and issuer come from the same configuration as serve.

Examples:
  reportd token alice --perm submit:jobs
  reportd token ops --perm submit:jobs,write:jobs,read:jobs --ttl 1h`,
	Args: cobra.ExactArgs(1),
	RunE: runToken,
}

var (
	tokenConfig string
	tokenPerms  []string
	tokenEmail  string
	tokenTTL    time.Duration
)

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().StringVar(&tokenConfig, "config", "", "Config file")
	tokenCmd.Flags().StringSliceVar(&tokenPerms, "perm", []string{domain.PermSubmitJobs}, "Permissions to grant")
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "Email claim")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(tokenConfig)
	if err != nil {
		return err
	}
	if cfg.Auth.Disabled || cfg.Auth.Secret == "" {
		return fmt.Errorf("authentication is disabled; no token needed")
	}

	caller := domain.Caller{
		User:        domain.User{Sub: strings.TrimSpace(args[0]), Email: tokenEmail},
		Permissions: tokenPerms,
	}
	var audience []string
	if cfg.Auth.Audience != "" {
		audience = append(audience, cfg.Auth.Audience)
	}
	tok, err := http_api.SignToken([]byte(cfg.Auth.Secret), cfg.Auth.Issuer, caller, tokenTTL, audience...)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), tok)
	return nil
}
