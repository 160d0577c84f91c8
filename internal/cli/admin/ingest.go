package admin

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/cloo-solutions/regaudit/internal/cli"
	"github.com/cloo-solutions/regaudit/internal/domain"
	"github.com/cloo-solutions/regaudit/internal/ingest"
)

func IngestCmd() *cobra.Command {
	var (
		repoID      string
		dir         string
		retryFailed bool
	)

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Chunk a repository checkout into the code corpus",
		Long: "Walk a local checkout and record every source file as a new revision of the repository's code corpus. " +
			"Unchanged files are skipped and files no longer present are retired. " +
			"--retry-failed returns chunks whose embedding failed to the indexing queue.",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := cli.OutputFormat(cmd)
			if err != nil {
				return err
			}
			if dir == "" && !retryFailed {
				return fmt.Errorf("--dir is required unless --retry-failed is set")
			}

			return withApp(cmd, appOptions{}, func(a *app) error {
				ctx := cmd.Context()
				if _, err := a.repos.GetRepository(ctx, repoID); err != nil {
					return fmt.Errorf("repository %s: %w", repoID, err)
				}

				out := ingestOutput{RepoID: repoID}
				if dir != "" {
					res, err := a.ingest.IngestDirectory(ctx, repoID, dir)
					if err != nil {
						return err
					}
					out.Directory = res
				}
				if retryFailed {
					n, err := a.chunks.RequeueFailed(ctx, domain.CorpusCode, repoID)
					if err != nil {
						return err
					}
					out.Requeued = &n
				}

				if format == cli.OutputJSON {
					return cli.PrintJSON(cmd.OutOrStdout(), out)
				}
				printIngest(cmd.OutOrStdout(), out)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&repoID, "repo", "", "Repository id")
	cmd.Flags().StringVar(&dir, "dir", "", "Path of the repository checkout")
	cmd.Flags().BoolVar(&retryFailed, "retry-failed", false, "Requeue chunks whose embedding failed")
	_ = cmd.MarkFlagRequired("repo")
	cli.AddOutputFlag(cmd)

	return cmd
}

type ingestOutput struct {
	RepoID    string                  `json:"repo_id"`
	Directory *ingest.DirectoryResult `json:"directory,omitempty"`
	Requeued  *int64                  `json:"requeued,omitempty"`
}

func printIngest(w io.Writer, out ingestOutput) {
	if res := out.Directory; res != nil {
		fmt.Fprintf(w, "Ingested %s: %d files, %d unchanged, %d chunks created, %d reused, %d retired\n",
			out.RepoID, res.Files, res.Skipped, res.Created, res.Reused, res.Retired)
		if len(res.Errors) > 0 {
			files := make([]string, 0, len(res.Errors))
			for f := range res.Errors {
				files = append(files, f)
			}
			sort.Strings(files)
			fmt.Fprintf(w, "%d file(s) failed:\n", len(files))
			for _, f := range files {
				fmt.Fprintf(w, "  %s: %s\n", f, res.Errors[f])
			}
		}
	}
	if out.Requeued != nil {
		fmt.Fprintf(w, "Requeued %d failed chunk(s) of %s\n", *out.Requeued, out.RepoID)
	}
}
