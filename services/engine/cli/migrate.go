package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/tbwo/internal/postgres"
	"github.com/ramiqadoumi/tbwo/internal/sqlite"
	"github.com/ramiqadoumi/tbwo/services/engine/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long: `Apply the work order schema to the configured store.

For postgres the DSN comes from --postgres-dsn, TBWO_POSTGRES_DSN or the
config file. For sqlite the database file is created when missing.`,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	out := cmd.OutOrStdout()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch cfg.Store {
	case config.StorePostgres:
		pool, err := postgres.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()
		applied, err := postgres.Migrate(ctx, pool)
		if err != nil {
			return err
		}
		for _, f := range applied {
			fmt.Fprintf(out, "applied %s\n", f)
		}
	case config.StoreSQLite:
		repo, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return err
		}
		_ = repo.Close()
		fmt.Fprintf(out, "schema ready in %s\n", cfg.SQLitePath)
	default:
		return fmt.Errorf("store %q has no schema to migrate", cfg.Store)
	}

	fmt.Fprintln(out, "migrations complete")
	return nil
}
