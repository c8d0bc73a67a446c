package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/relay/internal/auth"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/storage"
	"github.com/haasonsaas/relay/pkg/models"
)

// =============================================================================
// Migration Commands
// =============================================================================

func buildMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration commands",
		Long: `Manage the relay schema on the configured SQL database.

Migrations only apply to database.backend: sql.`,
	}
	cmd.AddCommand(buildMigrateUpCmd(), buildMigrateDownCmd(), buildMigrateStatusCmd())
	return cmd
}

func buildMigrateUpCmd() *cobra.Command {
	var configPath string
	var steps int
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), configPath, func(m *storage.Migrator) error {
				applied, err := m.Up(cmd.Context(), steps)
				if err != nil {
					return err
				}
				return printMigrations(cmd.OutOrStdout(), "applied", applied)
			})
		},
	}
	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVar(&steps, "steps", 0, "Number of migrations to apply (0 = all)")
	return cmd
}

func buildMigrateDownCmd() *cobra.Command {
	var configPath string
	var steps int
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), configPath, func(m *storage.Migrator) error {
				rolled, err := m.Down(cmd.Context(), steps)
				if err != nil {
					return err
				}
				return printMigrations(cmd.OutOrStdout(), "rolled back", rolled)
			})
		},
	}
	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVar(&steps, "steps", 1, "Number of migrations to roll back")
	return cmd
}

func buildMigrateStatusCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show applied and pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), configPath, func(m *storage.Migrator) error {
				applied, pending, err := m.Status(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tSTATE\tAPPLIED AT")
				for _, entry := range applied {
					state := "applied"
					if entry.Changed {
						state = "changed"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\n", entry.ID, state, entry.AppliedAt.UTC().Format(time.RFC3339))
				}
				for _, migration := range pending {
					fmt.Fprintf(w, "%s\tpending\t-\n", migration.ID)
				}
				return w.Flush()
			})
		},
	}
	addConfigFlag(cmd, &configPath)
	return cmd
}

func withMigrator(ctx context.Context, configPath string, fn func(*storage.Migrator) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Database.Backend != "sql" {
		return fmt.Errorf("migrations need database.backend: sql (got %q)", cfg.Database.Backend)
	}
	sqlCfg := cfg.Database.SQL
	db, dialect, err := storage.OpenDB(&sqlCfg)
	if err != nil {
		return err
	}
	defer db.Close()
	migrator, err := storage.NewMigrator(db, dialect)
	if err != nil {
		return err
	}
	return fn(migrator)
}

func printMigrations(w io.Writer, verb string, ids []string) error {
	if len(ids) == 0 {
		_, err := fmt.Fprintf(w, "nothing %s\n", verb)
		return err
	}
	for _, id := range ids {
		if _, err := fmt.Fprintf(w, "%s %s\n", verb, id); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// Token Commands
// =============================================================================

func buildTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue access tokens",
	}
	cmd.AddCommand(buildTokenIssueCmd())
	return cmd
}

func buildTokenIssueCmd() *cobra.Command {
	var (
		configPath string
		userID     string
		username   string
		ttl        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a signed JWT for a user",
		Example: `  # Token with the configured expiry
  relay token issue --user alice

  # Short-lived token
  relay token issue --user alice --ttl 15m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(userID) == "" {
				return fmt.Errorf("--user is required")
			}
			cfg, _, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
				return fmt.Errorf("auth.jwt_secret is not configured")
			}
			if ttl <= 0 {
				ttl = cfg.Auth.TokenExpiry
			}
			service := auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, ttl)
			token, err := service.Generate(&models.User{ID: userID, Username: username})
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	addConfigFlag(cmd, &configPath)
	cmd.Flags().StringVar(&userID, "user", "", "User id placed in the token subject")
	cmd.Flags().StringVar(&username, "username", "", "Optional username claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default: auth.token_expiry)")
	return cmd
}

// =============================================================================
// Config Commands
// =============================================================================

func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(buildConfigSchemaCmd(), buildConfigValidateCmd())
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := config.JSONSchema()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
			return err
		},
	}
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, path, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s is valid\n", path)
			return err
		},
	}
	addConfigFlag(cmd, &configPath)
	return cmd
}
