package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"docproc.evalgo.org/common"
	"docproc.evalgo.org/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "create or update the database schema",
	Long: `Apply the database schema.

Run once before starting the services, and again after upgrading to a
release that changes the schema. Migration is additive and idempotent.`,
	RunE: runMigrate,
}

func init() {
	RootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	settings, err := loadSettings()
	if err != nil {
		return err
	}

	gdb, err := db.Connect(settings.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Migrate(gdb); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	common.Logger.Info("database schema up to date")
	return nil
}
