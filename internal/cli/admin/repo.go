package admin

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloo-solutions/regaudit/internal/api/handlers"
	"github.com/cloo-solutions/regaudit/internal/cli"
	"github.com/cloo-solutions/regaudit/internal/domain"
)

func RepoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repo",
		Short: "Manage scanned repositories",
		Long:  "Register repositories and their default regulations",
	}

	cmd.AddCommand(repoAddCmd())
	cmd.AddCommand(repoListCmd())

	return cmd
}

func repoAddCmd() *cobra.Command {
	var (
		id            string
		branch        string
		regulationIDs []string
	)

	cmd := &cobra.Command{
		Use:   "add <owner/name>",
		Short: "Register a repository",
		Long:  "Register a repository by its full name. Registering an existing id updates its branch and regulations.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := cli.OutputFormat(cmd)
			if err != nil {
				return err
			}
			return withApp(cmd, appOptions{}, func(a *app) error {
				repoID := id
				if repoID == "" {
					repoID = (&domain.DefaultUUIDGenerator{}).NewString()
				}
				repo := domain.NewRepository(repoID, args[0], branch, regulationIDs, time.Now().UTC())
				if err := domain.ValidateRepository(repo); err != nil {
					return err
				}
				if err := a.repos.Save(cmd.Context(), repo); err != nil {
					return err
				}
				stored, err := a.repos.GetRepository(cmd.Context(), repoID)
				if err != nil {
					return err
				}
				return printRepositories(cmd.OutOrStdout(), []*domain.Repository{stored}, format)
			})
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Repository id (generated when empty)")
	cmd.Flags().StringVar(&branch, "branch", "main", "Default branch whose pushes trigger scans")
	cmd.Flags().StringSliceVar(&regulationIDs, "regulation", nil, "Default regulation id (repeatable)")
	cli.AddOutputFlag(cmd)

	return cmd
}

func repoListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered repositories",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := cli.OutputFormat(cmd)
			if err != nil {
				return err
			}
			return withApp(cmd, appOptions{}, func(a *app) error {
				repos, err := a.repos.List(cmd.Context())
				if err != nil {
					return err
				}
				return printRepositories(cmd.OutOrStdout(), repos, format)
			})
		},
	}
	cli.AddOutputFlag(cmd)
	return cmd
}

func printRepositories(w io.Writer, repos []*domain.Repository, format string) error {
	if format == cli.OutputJSON {
		out := make([]handlers.RepositoryResponse, 0, len(repos))
		for _, repo := range repos {
			out = append(out, handlers.RepositoryToResponse(repo))
		}
		return cli.PrintJSON(w, out)
	}

	if len(repos) == 0 {
		fmt.Fprintln(w, "No repositories found")
		return nil
	}
	for _, repo := range repos {
		fmt.Fprintf(w, "  %s: %s@%s [%s]\n", repo.ID, repo.FullName, repo.DefaultBranch, strings.Join(repo.DefaultRegulationIDs, ", "))
	}
	return nil
}
