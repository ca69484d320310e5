package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/chronicle/internal/config"
)

func migrateCmd() *cobra.Command {
	var migrationsDir string
	cmd := &cobra.Command{
		Use:   "migrate [up|down|version]",
		Short: "Apply or inspect Postgres schema migrations",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			action := "up"
			if len(args) == 1 {
				action = args[0]
			}
			return runMigrate(migrationsDir, action)
		},
	}
	cmd.Flags().StringVar(&migrationsDir, "dir", "./migrations", "directory of .up.sql/.down.sql migration files")
	return cmd
}

func runMigrate(dir, action string) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("migrate: load config: %w", err)
	}
	if cfg.Database.Mode != "postgres" {
		fmt.Println("migrate: database.mode is sqlite; this command only migrates Postgres and internal/store/sqlite does not apply migrations, nothing to run here")
		return nil
	}
	if cfg.Database.PostgresDSN == "" {
		return errors.New("migrate: no postgres DSN configured (set POSTGRES_DSN or SUPABASE_SERVICE_KEY)")
	}

	m, err := migrate.New("file://"+dir, toPostgresURL(cfg.Database.PostgresDSN))
	if err != nil {
		return fmt.Errorf("migrate: init: %w", err)
	}
	defer m.Close()

	switch action {
	case "up":
		err = m.Up()
	case "down":
		err = m.Steps(-1)
	case "version":
		v, dirty, verr := m.Version()
		if verr != nil {
			return fmt.Errorf("migrate: version: %w", verr)
		}
		fmt.Printf("version %d (dirty=%v)\n", v, dirty)
		return nil
	default:
		return fmt.Errorf("migrate: unknown action %q (want up|down|version)", action)
	}

	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate: %s: %w", action, err)
	}
	fmt.Printf("migrate: %s complete\n", action)
	return nil
}

// toPostgresURL adapts a libpq-style DSN into the postgres:// form
// golang-migrate's database/postgres driver expects; DSNs already in URL
// form pass through unchanged.
func toPostgresURL(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return dsn
	}
	return "postgres://" + dsn
}
