package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/factorrun/internal/persistence/postgres"
)

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import",
		Short: "Load a panel CSV into postgres",
		RunE:  runImport,
	}
}

func runImport(cmd *cobra.Command, args []string) error {
	if fromDB, _ := cmd.Flags().GetBool("from-db"); fromDB {
		return fmt.Errorf("import reads --panel, not --from-db")
	}
	e, err := loadEnv(cmd, true)
	if err != nil {
		return err
	}
	defer e.close()

	if !e.recorder.IsEnabled() {
		return fmt.Errorf("database is disabled: set database.enabled or PG_ENABLED")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	if err := postgres.EnsureSchema(ctx, e.recorder.Manager().DB()); err != nil {
		return err
	}
	n, err := e.recorder.ImportPanel(ctx, e.store)
	if err != nil {
		return err
	}
	log.Info().Int("rows", n).Msg("Panel imported")
	fmt.Fprintf(cmd.OutOrStdout(), "Imported %d rows\n", n)
	return nil
}
