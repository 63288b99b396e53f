package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openpolicy/civicsync/internal/model"
	"github.com/openpolicy/civicsync/internal/resilience"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		st, err := initStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		zap.L().Info("migrations applied", zap.String("driver", cfg.Store.Driver))
		return nil
	},
}

var issuesCmd = &cobra.Command{
	Use:   "issues <jurisdiction-id>",
	Short: "Show recent quality issues for a jurisdiction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		issues, err := st.RecentIssues(ctx, args[0], limit)
		if err != nil {
			return eris.Wrap(err, "issues")
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(issues)
		}
		if len(issues) == 0 {
			fmt.Fprintf(os.Stderr, "No issues recorded for %s.\n", args[0])
			return nil
		}
		formatIssues(os.Stdout, issues)
		return nil
	},
}

var deadLettersCmd = &cobra.Command{
	Use:     "deadletters",
	Aliases: []string{"dlq"},
	Short:   "List jobs that exhausted their retries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		jurisdiction, _ := cmd.Flags().GetString("jurisdiction")
		errType, _ := cmd.Flags().GetString("error-type")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		entries, err := st.ListDeadLetters(ctx, resilience.DeadLetterFilter{
			JurisdictionID: jurisdiction,
			ErrorType:      errType,
			Limit:          limit,
		})
		if err != nil {
			return eris.Wrap(err, "deadletters")
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(entries)
		}
		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "Dead-letter queue is empty.")
			return nil
		}
		formatDeadLetters(os.Stdout, entries)
		return nil
	},
}

// formatIssues writes a table of quality issues to w.
func formatIssues(out io.Writer, issues []model.QualityIssue) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "DETECTED\tRULE\tVERDICT\tSEVERITY\tRUN\tDESCRIPTION")
	_, _ = fmt.Fprintln(w, "--------\t----\t-------\t--------\t---\t-----------")
	for _, i := range issues {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			i.DetectedAt.Format("2006-01-02 15:04"),
			i.Rule,
			i.Verdict,
			i.Severity,
			truncateID(i.RunID),
			truncate(i.Description, 70),
		)
	}
	_ = w.Flush()
}

// formatDeadLetters writes a table of dead-lettered jobs to w.
func formatDeadLetters(out io.Writer, entries []model.DeadLetter) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "FAILED\tJURISDICTION\tATTEMPTS\tTYPE\tERROR")
	_, _ = fmt.Fprintln(w, "------\t------------\t--------\t----\t-----")
	for _, e := range entries {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			e.FailedAt.Format("2006-01-02 15:04"),
			e.JurisdictionID,
			e.Attempts,
			e.ErrorType,
			truncate(e.LastError, 70),
		)
	}
	_ = w.Flush()
}

func init() {
	issuesCmd.Flags().Int("limit", 20, "max number of issues to display")
	issuesCmd.Flags().Bool("json", false, "print as JSON")

	deadLettersCmd.Flags().String("jurisdiction", "", "filter by jurisdiction id")
	deadLettersCmd.Flags().String("error-type", "", "filter by error type (transient, permanent)")
	deadLettersCmd.Flags().Int("limit", 50, "max number of entries to display")
	deadLettersCmd.Flags().Bool("json", false, "print as JSON")

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(issuesCmd)
	rootCmd.AddCommand(deadLettersCmd)
}
