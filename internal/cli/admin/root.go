package admin

import (
	"github.com/spf13/cobra"

	"github.com/cloo-solutions/regaudit/internal/cli"
)

// RootCmd returns the regauditd command tree
func RootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "regauditd",
		Short:         "Regulatory compliance scan engine",
		Long:          "regauditd serves the compliance scan API and workers and administers cases, regulations and repositories",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cli.AddHelpJSONFlag(rootCmd)
	rootCmd.AddCommand(ServeCmd())
	rootCmd.AddCommand(MigrateCmd())
	rootCmd.AddCommand(CaseCmd())
	rootCmd.AddCommand(RegulationCmd())
	rootCmd.AddCommand(RepoCmd())
	rootCmd.AddCommand(IngestCmd())

	return rootCmd
}
