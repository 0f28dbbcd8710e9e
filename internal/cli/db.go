package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/pkgforge/internal/db"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Session record management",
}

func openDB() (*db.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return db.Open(cfg.Storage.DB)
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDB()
		if err != nil {
			return err
		}
		defer d.Close()
		if err := d.Migrate(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Schema up to date (%s)\n", d.Dialect())
		return nil
	},
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop every recorded session (destructive!)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return fmt.Errorf("refusing to drop the session record without --yes")
		}
		d, err := openDB()
		if err != nil {
			return err
		}
		defer d.Close()
		if err := d.Reset(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Session record reset.")
		return nil
	},
}

func init() {
	dbResetCmd.Flags().Bool("yes", false, "confirm the reset")
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbResetCmd)
}
