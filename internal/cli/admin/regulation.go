package admin

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloo-solutions/regaudit/internal/api/handlers"
	"github.com/cloo-solutions/regaudit/internal/cli"
	"github.com/cloo-solutions/regaudit/internal/domain"
)

func RegulationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "regulation",
		Short: "Manage regulations",
		Long:  "Load regulations from the configured source and list the loaded ones",
	}

	cmd.AddCommand(regulationEnsureCmd())
	cmd.AddCommand(regulationListCmd())
	cmd.AddCommand(regulationHistoryCmd())

	return cmd
}

func regulationEnsureCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "ensure [regulation-id...]",
		Short: "Load regulations if missing or changed",
		Long: "Ensure each regulation is loaded at its current source content. A changed text publishes a new " +
			"version and supersedes the active one. With --all every regulation of the source is ensured.",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := cli.OutputFormat(cmd)
			if err != nil {
				return err
			}
			if !all && len(args) == 0 {
				return fmt.Errorf("pass at least one regulation id or --all")
			}
			return withApp(cmd, appOptions{}, func(a *app) error {
				ids := args
				if all {
					available, err := a.registry.Available(cmd.Context())
					if err != nil {
						return err
					}
					ids = available
				}
				regs, err := a.registry.EnsureAll(cmd.Context(), ids)
				if err != nil {
					return err
				}
				return printRegulations(cmd.OutOrStdout(), regs, format)
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Ensure every regulation of the source")
	cli.AddOutputFlag(cmd)

	return cmd
}

func regulationListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List loaded regulations",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := cli.OutputFormat(cmd)
			if err != nil {
				return err
			}
			return withApp(cmd, appOptions{}, func(a *app) error {
				regs, err := a.registry.List(cmd.Context())
				if err != nil {
					return err
				}
				return printRegulations(cmd.OutOrStdout(), regs, format)
			})
		},
	}
	cli.AddOutputFlag(cmd)
	return cmd
}

type versionOutput struct {
	ID            string `json:"id"`
	VersionNumber int64  `json:"version_number"`
	ContentHash   string `json:"content_hash"`
	IsActive      bool   `json:"is_active"`
	SupersededBy  string `json:"superseded_by,omitempty"`
	PublishedAt   string `json:"published_at"`
}

func regulationHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <regulation-id>",
		Short: "List the published versions of a regulation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := cli.OutputFormat(cmd)
			if err != nil {
				return err
			}
			return withApp(cmd, appOptions{}, func(a *app) error {
				versions, err := a.registry.History(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				out := make([]versionOutput, 0, len(versions))
				for _, v := range versions {
					out = append(out, versionOutput{
						ID:            v.ID,
						VersionNumber: v.VersionNumber,
						ContentHash:   v.ContentHash,
						IsActive:      v.IsActive,
						SupersededBy:  v.SupersededBy,
						PublishedAt:   v.PublishedAt.UTC().Format(time.RFC3339),
					})
				}
				if format == cli.OutputJSON {
					return cli.PrintJSON(cmd.OutOrStdout(), out)
				}
				for _, v := range out {
					state := "superseded by " + v.SupersededBy
					if v.IsActive {
						state = "active"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "v%d  %s  %s  %s\n", v.VersionNumber, v.ID, v.PublishedAt, state)
				}
				return nil
			})
		},
	}
	cli.AddOutputFlag(cmd)
	return cmd
}

func printRegulations(w io.Writer, regs []*domain.Regulation, format string) error {
	if format == cli.OutputJSON {
		out := make([]handlers.RegulationResponse, 0, len(regs))
		for _, reg := range regs {
			out = append(out, handlers.RegulationToResponse(reg))
		}
		return cli.PrintJSON(w, out)
	}

	if len(regs) == 0 {
		fmt.Fprintln(w, "No regulations found")
		return nil
	}
	for _, reg := range regs {
		fmt.Fprintf(w, "  %s: %s (%s) active version %s\n", reg.ID, reg.Title, reg.IssuingBody, reg.ActiveVersionID)
	}
	return nil
}
