package admin

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cloo-solutions/regaudit/internal/api/handlers"
	"github.com/cloo-solutions/regaudit/internal/cli"
	"github.com/cloo-solutions/regaudit/internal/domain"
	"github.com/cloo-solutions/regaudit/internal/orchestrator"
)

// withApp wires the engine for one command run
func withApp(cmd *cobra.Command, opts appOptions, fn func(a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, opts)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func CaseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "case",
		Short: "Manage audit cases",
		Long:  "Start, inspect, resume, cancel and approve audit cases",
	}

	cmd.AddCommand(caseStartCmd())
	cmd.AddCommand(caseShowCmd())
	cmd.AddCommand(caseResumeCmd())
	cmd.AddCommand(caseCancelCmd())
	cmd.AddCommand(caseApproveCmd())
	cmd.AddCommand(caseEventsCmd())
	cmd.AddCommand(caseVerdictsCmd())

	return cmd
}

func caseStartCmd() *cobra.Command {
	var (
		repoID        string
		regulationIDs []string
		inline        bool
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start an audit case",
		Long:  "Create an audit case for a repository. The case is queued for the server's workers unless --inline is set.",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := cli.OutputFormat(cmd)
			if err != nil {
				return err
			}
			return withApp(cmd, appOptions{Inline: inline}, func(a *app) error {
				c, err := a.orchestrator.StartCase(cmd.Context(), orchestrator.StartInput{
					RepoID:        repoID,
					RegulationIDs: regulationIDs,
				})
				if c != nil {
					if perr := printCase(cmd.OutOrStdout(), c, format); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}

	cmd.Flags().StringVar(&repoID, "repo", "", "Repository id")
	cmd.Flags().StringSliceVar(&regulationIDs, "regulation", nil, "Regulation id (repeatable, defaults to the repository's regulations)")
	cmd.Flags().BoolVar(&inline, "inline", false, "Run the case in this process")
	_ = cmd.MarkFlagRequired("repo")
	cli.AddOutputFlag(cmd)

	return cmd
}

func caseShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <case-id>",
		Short: "Show an audit case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := cli.OutputFormat(cmd)
			if err != nil {
				return err
			}
			return withApp(cmd, appOptions{}, func(a *app) error {
				c, err := a.orchestrator.GetCase(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printCase(cmd.OutOrStdout(), c, format)
			})
		},
	}
	cli.AddOutputFlag(cmd)
	return cmd
}

func caseResumeCmd() *cobra.Command {
	var inline bool

	cmd := &cobra.Command{
		Use:   "resume <case-id>",
		Short: "Resume a failed or stalled case",
		Long:  "Resume a case from its first incomplete stage. Completed stages are not re-run.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := cli.OutputFormat(cmd)
			if err != nil {
				return err
			}
			return withApp(cmd, appOptions{Inline: inline}, func(a *app) error {
				c, err := a.orchestrator.ResumeCase(cmd.Context(), args[0])
				if c != nil {
					if perr := printCase(cmd.OutOrStdout(), c, format); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}

	cmd.Flags().BoolVar(&inline, "inline", false, "Run the case in this process")
	cli.AddOutputFlag(cmd)
	return cmd
}

func caseCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <case-id>",
		Short: "Request cancellation of a running case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := cli.OutputFormat(cmd)
			if err != nil {
				return err
			}
			return withApp(cmd, appOptions{}, func(a *app) error {
				c, err := a.orchestrator.CancelCase(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printCase(cmd.OutOrStdout(), c, format)
			})
		},
	}
	cli.AddOutputFlag(cmd)
	return cmd
}

func caseApproveCmd() *cobra.Command {
	var (
		decline         bool
		itemIDs         []string
		expectedVersion int64
		retry           bool
	)

	cmd := &cobra.Command{
		Use:   "approve <case-id>",
		Short: "Record the approval decision of a case",
		Long: "Approve the drafted remediation items of a case waiting for approval. With --item only the listed " +
			"items are approved. --decline rejects every item. --retry-tickets recreates tickets that failed.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := cli.OutputFormat(cmd)
			if err != nil {
				return err
			}
			if decline && len(itemIDs) > 0 {
				return fmt.Errorf("--decline and --item are mutually exclusive")
			}
			return withApp(cmd, appOptions{}, func(a *app) error {
				if retry {
					c, err := a.orchestrator.RetryTickets(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					return printCase(cmd.OutOrStdout(), c, format)
				}

				c, err := a.orchestrator.SubmitApproval(cmd.Context(), approvalInput(args[0], decline, itemIDs, expectedVersion))
				if err != nil {
					return err
				}
				return printCase(cmd.OutOrStdout(), c, format)
			})
		},
	}

	cmd.Flags().BoolVar(&decline, "decline", false, "Decline every item")
	cmd.Flags().StringSliceVar(&itemIDs, "item", nil, "Approve only this item id (repeatable)")
	cmd.Flags().Int64Var(&expectedVersion, "expected-version", 0, "Fail unless the case is at this version")
	cmd.Flags().BoolVar(&retry, "retry-tickets", false, "Retry ticket creation for approved items")
	cli.AddOutputFlag(cmd)

	return cmd
}

func approvalInput(caseID string, decline bool, itemIDs []string, expectedVersion int64) orchestrator.ApprovalInput {
	in := orchestrator.ApprovalInput{
		CaseID:          caseID,
		Decision:        domain.DecisionApproved,
		ExpectedVersion: expectedVersion,
	}
	if decline {
		in.Decision = domain.DecisionDeclined
		return in
	}
	if len(itemIDs) > 0 {
		in.Items = make([]domain.ItemEdit, 0, len(itemIDs))
		for _, id := range itemIDs {
			in.Items = append(in.Items, domain.ItemEdit{ID: id})
		}
	}
	return in
}

func caseEventsCmd() *cobra.Command {
	var (
		limit  int
		cursor string
	)

	cmd := &cobra.Command{
		Use:   "events <case-id>",
		Short: "List the event log of a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := cli.OutputFormat(cmd)
			if err != nil {
				return err
			}
			return withApp(cmd, appOptions{}, func(a *app) error {
				page, err := a.orchestrator.ListEvents(cmd.Context(), args[0], cursor, limit)
				if err != nil {
					return err
				}
				if format == cli.OutputJSON {
					if page.Items == nil {
						page.Items = []domain.CaseEvent{}
					}
					return cli.PrintJSON(cmd.OutOrStdout(), page)
				}
				printEvents(cmd.OutOrStdout(), page.Items)
				if page.HasMore && page.Cursor != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "\nMore events available. Use --cursor %s\n", page.Cursor)
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of events")
	cmd.Flags().StringVar(&cursor, "cursor", "", "Pagination cursor from previous output")
	cli.AddOutputFlag(cmd)

	return cmd
}

func caseVerdictsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verdicts <case-id>",
		Short: "List the verdicts of a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := cli.OutputFormat(cmd)
			if err != nil {
				return err
			}
			return withApp(cmd, appOptions{}, func(a *app) error {
				verdicts, err := a.orchestrator.ListVerdicts(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if format == cli.OutputJSON {
					if verdicts == nil {
						verdicts = []domain.Verdict{}
					}
					return cli.PrintJSON(cmd.OutOrStdout(), verdicts)
				}
				printVerdicts(cmd.OutOrStdout(), verdicts)
				return nil
			})
		},
	}
	cli.AddOutputFlag(cmd)
	return cmd
}

func printCase(w io.Writer, c *domain.AuditCase, format string) error {
	if format == cli.OutputJSON {
		return cli.PrintJSON(w, handlers.CaseToResponse(c))
	}

	fmt.Fprintf(w, "Case %s\n", c.ID)
	fmt.Fprintf(w, "  repository:  %s\n", c.RepoID)
	fmt.Fprintf(w, "  regulations: %s\n", strings.Join(c.RegulationIDs, ", "))
	fmt.Fprintf(w, "  status:      %s (%d%%)\n", c.Status, c.Progress())
	fmt.Fprintf(w, "  step:        %s\n", c.CurrentStep)
	fmt.Fprintf(w, "  version:     %d\n", c.Version)
	if c.ErrorMessage != "" {
		fmt.Fprintf(w, "  error:       %s (stage %s)\n", c.ErrorMessage, c.FailedStage)
	}
	if c.UserDecision != "" {
		fmt.Fprintf(w, "  decision:    %s\n", c.UserDecision)
	}
	if len(c.ApprovalItems) > 0 {
		fmt.Fprintln(w, "  items:")
		for _, it := range c.ApprovalItems {
			mark := " "
			if it.Approved {
				mark = "x"
			}
			fmt.Fprintf(w, "    [%s] %s %s (%s, %s)", mark, it.ID, it.Title, it.Priority, it.File)
			switch {
			case it.TicketID != "":
				fmt.Fprintf(w, " ticket %s", it.TicketID)
			case it.TicketError != "":
				fmt.Fprintf(w, " ticket failed: %s", it.TicketError)
			}
			fmt.Fprintln(w)
		}
	}
	return nil
}

func printEvents(w io.Writer, events []domain.CaseEvent) {
	if len(events) == 0 {
		fmt.Fprintln(w, "No events found")
		return
	}
	for _, e := range events {
		line := fmt.Sprintf("%4d  %s  %s", e.Seq, e.CreatedAt.UTC().Format("2006-01-02 15:04:05"), e.Type)
		if e.Stage != "" {
			line += " " + string(e.Stage)
		}
		if e.Attempt > 0 {
			line += fmt.Sprintf(" (attempt %d)", e.Attempt)
		}
		if e.Message != "" {
			line += ": " + e.Message
		}
		fmt.Fprintln(w, line)
	}
}

func printVerdicts(w io.Writer, verdicts []domain.Verdict) {
	if len(verdicts) == 0 {
		fmt.Fprintln(w, "No verdicts found")
		return
	}
	for _, v := range verdicts {
		fmt.Fprintf(w, "%s  %s:%d-%d  %s/%s  score %d  [%s]\n",
			v.ID, v.File, v.StartLine, v.EndLine, v.Classification, v.Severity, v.Score, v.ReviewStatus)
	}
}
