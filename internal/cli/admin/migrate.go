package admin

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cloo-solutions/regaudit/internal/cli"
	"github.com/cloo-solutions/regaudit/internal/database"
	"github.com/cloo-solutions/regaudit/internal/jobs"
)

// MigrateCmd returns the migrate command
func MigrateCmd() *cobra.Command {
	var (
		dir  string
		down int
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long:  "Apply the schema migrations and the job queue migrations, or roll schema migrations back with --down",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := cli.OutputFormat(cmd)
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			if down > 0 {
				if err := database.MigrateDown(cfg.DatabaseURL, dir, down); err != nil {
					return err
				}
				if format == cli.OutputJSON {
					return cli.PrintJSON(cmd.OutOrStdout(), map[string]any{"rolled_back": down})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Rolled back %d migration(s)\n", down)
				return nil
			}

			status, err := database.Migrate(cfg.DatabaseURL, dir)
			if err != nil {
				return err
			}

			pool, err := getDBPool(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := jobs.Migrate(cmd.Context(), pool); err != nil {
				return err
			}

			if format == cli.OutputJSON {
				return cli.PrintJSON(cmd.OutOrStdout(), map[string]any{
					"version": status.Version,
					"applied": status.Applied,
				})
			}
			if status.Applied {
				fmt.Fprintf(cmd.OutOrStdout(), "Migrated to version %d\n", status.Version)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Database is up to date (version %d)\n", status.Version)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", database.DefaultMigrationsDir, "Directory holding the SQL migrations")
	cmd.Flags().IntVar(&down, "down", 0, "Roll back this many schema migrations instead of applying")
	cli.AddOutputFlag(cmd)

	return cmd
}
