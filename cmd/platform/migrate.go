package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	identity "github.com/visible-governance/platform/internal/auth"
	"github.com/visible-governance/platform/internal/remotestore"
	"github.com/visible-governance/platform/internal/shared/auth"
	"github.com/visible-governance/platform/internal/shared/database"
	"github.com/visible-governance/platform/internal/shared/log"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		listOnly, _ := cmd.Flags().GetBool("list")
		if listOnly {
			versions, err := database.Migrations()
			if err != nil {
				return err
			}
			for _, v := range versions {
				fmt.Fprintln(cmd.OutOrStdout(), v)
			}
			return nil
		}

		db, err := database.New(cmd.Context(), cfg.Database)
		if err != nil {
			return err
		}
		defer db.Close()

		applied, err := database.Migrate(cmd.Context(), db.Pool)
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "database is up to date")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "applied: %s\n", strings.Join(applied, ", "))
		return nil
	},
}

var seedAdminsCmd = &cobra.Command{
	Use:   "seed-admins",
	Short: "Create accounts for department admins listed in the role registry",
	Long: `Reads the role registry (ROLE_REGISTRY_PATH or --registry) and signs up every
admin that has a password set. Existing accounts are left untouched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path, _ := cmd.Flags().GetString("registry")
		if path == "" {
			path = cfg.Auth.RoleRegistryPath
		}
		if path == "" {
			return fmt.Errorf("no role registry given (set ROLE_REGISTRY_PATH or --registry)")
		}
		registry, err := identity.LoadRegistry(path)
		if err != nil {
			return err
		}

		issuer := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
		be, err := openBackend(cmd.Context(), cfg, issuer, log.WithComponent("remotestore"))
		if err != nil {
			return err
		}
		defer be.Close()

		created, err := seedAdmins(cmd.Context(), be.client.Auth, registry)
		for _, email := range created {
			fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", email)
		}
		return err
	},
}

func init() {
	migrateCmd.Flags().Bool("list", false, "list embedded migrations without connecting")
	seedAdminsCmd.Flags().String("registry", "", "role registry file (defaults to ROLE_REGISTRY_PATH)")
}

// seedAdmins signs up registry admins that have a password and no account
// yet. Their first department becomes the default in metadata.
func seedAdmins(ctx context.Context, provider remotestore.AuthProvider, registry *identity.Registry) ([]string, error) {
	var created []string
	var errs []error
	for _, entry := range registry.Entries() {
		if entry.Password == "" {
			continue
		}
		client, err := provider.Client(ctx, "")
		if err != nil {
			return created, err
		}
		name := entry.Name
		if name == "" {
			name = entry.Email
		}
		_, err = client.SignUp(ctx, entry.Email, entry.Password, map[string]any{
			auth.MetaName:       name,
			auth.MetaRole:       string(identity.RoleAdmin),
			auth.MetaDepartment: entry.Departments[0],
		})
		switch {
		case errors.Is(err, remotestore.ErrUserExists):
		case err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", entry.Email, err))
		default:
			created = append(created, entry.Email)
			client.SignOut(ctx)
		}
	}
	return created, errors.Join(errs...)
}
