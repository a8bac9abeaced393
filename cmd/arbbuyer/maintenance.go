package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/alanyoungcy/arbbuyer/internal/app"
	"github.com/alanyoungcy/arbbuyer/internal/config"
	"github.com/alanyoungcy/arbbuyer/internal/domain"
	"github.com/alanyoungcy/arbbuyer/internal/server/middleware"
)

func evaluateCommand(load loader) *cobra.Command {
	var orgID string
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Re-evaluate an organization's open candidates under its current rules",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			a := app.New(cfg, version, logger)
			defer a.Close()

			n, err := a.Reevaluate(cmd.Context(), orgID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "re-evaluated %d candidates for %s\n", n, orgID)
			return nil
		},
	}
	cmd.Flags().StringVar(&orgID, "org", "", "organization id")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}

func reapCommand(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Fail in-progress attempts whose worker lease expired",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			a := app.New(cfg, version, logger)
			defer a.Close()

			n, err := a.Reap(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reaped %d attempts\n", n)
			return nil
		},
	}
}

func sessionCommand(load loader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Manage stored supplier sessions",
	}

	var orgID, marketplace, file string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Seal and store session cookies exported from a logged-in browser",
		Long: `Seal and store session cookies exported from a logged-in browser.

The file holds JSON of the form {"cookies": [...], "user_agent": "..."}.
Importing clears any reauth flag on the previous session.

Examples:
  arbbuyer session import --org org-1 --marketplace amazon.co.jp --file cookies.json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read %s: %w", file, err)
			}
			var material domain.SessionMaterial
			if err := json.Unmarshal(raw, &material); err != nil {
				return fmt.Errorf("decode %s: %w", file, err)
			}

			cfg, logger, err := load()
			if err != nil {
				return err
			}
			a := app.New(cfg, version, logger)
			defer a.Close()

			if err := a.ImportSession(cmd.Context(), orgID, marketplace, material); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored session %s:%s (%d cookies)\n", orgID, marketplace, len(material.Cookies))
			return nil
		},
	}
	importCmd.Flags().StringVar(&orgID, "org", "", "organization id")
	importCmd.Flags().StringVar(&marketplace, "marketplace", "", "supplier marketplace, e.g. amazon.co.jp")
	importCmd.Flags().StringVar(&file, "file", "", "path to the cookie JSON file")
	for _, f := range []string{"org", "marketplace", "file"} {
		_ = importCmd.MarkFlagRequired(f)
	}

	var listOrg string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List an organization's sessions and their reauth state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			a := app.New(cfg, version, logger)
			defer a.Close()

			sessions, err := a.Sessions(cmd.Context(), listOrg)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MARKETPLACE\tREAUTH\tREASON\tVALIDATED\tUPDATED")
			for _, s := range sessions {
				validated := "-"
				if s.LastValidatedAt != nil {
					validated = s.LastValidatedAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%t\t%s\t%s\t%s\n", s.Marketplace, s.RequiresReauth, s.ReauthReason,
					validated, s.UpdatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	listCmd.Flags().StringVar(&listOrg, "org", "", "organization id")
	_ = listCmd.MarkFlagRequired("org")

	cmd.AddCommand(importCmd, listCmd)
	return cmd
}

func tokenCommand(load loader) *cobra.Command {
	var (
		subject string
		orgID   string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token signed with the configured secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is not configured")
			}
			if role != middleware.RoleOperator && role != middleware.RoleAdmin {
				return fmt.Errorf("role must be %q or %q", middleware.RoleOperator, middleware.RoleAdmin)
			}
			if role == middleware.RoleOperator && orgID == "" {
				return fmt.Errorf("operator tokens need --org")
			}
			tok, err := middleware.IssueToken(cfg.Auth.JWTSecret, cfg.Auth.Issuer, subject, orgID, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject, e.g. an operator's email")
	cmd.Flags().StringVar(&orgID, "org", "", "organization the token is scoped to (empty for a global admin)")
	cmd.Flags().StringVar(&role, "role", middleware.RoleOperator, "operator or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func configCommand(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			redacted := config.RedactedConfig(cfg)
			return toml.NewEncoder(cmd.OutOrStdout()).Encode(redacted)
		},
	}
}
