package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openpolicy/civicsync/internal/model"
	"github.com/openpolicy/civicsync/internal/orchestrator"
)

var (
	runTier       string
	runIDs        []string
	runTest       bool
	runMaxRecords int
	runJSON       bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one scrape pass over selected jurisdictions",
	Long: "Runs every selected jurisdiction once and waits for the results. With --test each " +
		"jurisdiction gets a single attempt, failures are not dead-lettered and runs are recorded " +
		"with run type test.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		opts, err := runOptions(runTier, runIDs, runMaxRecords)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		var results []orchestrator.TestResult
		if runTest {
			results, err = env.State.RunTest(ctx, opts)
		} else {
			results, err = env.State.RunOnce(ctx, opts)
		}
		if err != nil && len(results) == 0 {
			return eris.Wrap(err, "run")
		}
		if err != nil {
			zap.L().Warn("run incomplete", zap.Error(err))
		}

		if runJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(results)
		}
		if len(results) == 0 {
			fmt.Fprintln(os.Stderr, "No jurisdictions selected.")
			return nil
		}
		formatResults(os.Stdout, results)

		if failed := countFailed(results); failed > 0 {
			return eris.Errorf("%d of %d jurisdictions failed", failed, len(results))
		}
		return nil
	},
}

func runOptions(tier string, ids []string, maxRecords int) (orchestrator.TestRunOptions, error) {
	opts := orchestrator.TestRunOptions{IDs: ids, MaxRecords: maxRecords}
	if maxRecords < 0 {
		return opts, eris.New("--max-records must be >= 0")
	}
	if tier != "" {
		t, err := model.ParseTier(tier)
		if err != nil {
			return opts, err
		}
		opts.Tier = &t
	}
	return opts, nil
}

func countFailed(results []orchestrator.TestResult) int {
	n := 0
	for _, r := range results {
		if r.State != model.JobSucceeded {
			n++
		}
	}
	return n
}

// formatResults writes a per-jurisdiction summary table to w.
func formatResults(out io.Writer, results []orchestrator.TestResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "JURISDICTION\tSTATE\tRECORDS\tACCEPTED\tREJECTED\tPASS\tWARN\tFAIL\tERROR")
	_, _ = fmt.Fprintln(w, "------------\t-----\t-------\t--------\t--------\t----\t----\t----\t-----")
	for _, r := range results {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n",
			r.JurisdictionID,
			r.State,
			r.Records,
			r.Accepted,
			r.Rejected,
			r.Verdicts.Pass,
			r.Verdicts.Warn,
			r.Verdicts.Fail,
			truncate(r.Error, 60),
		)
	}
	_ = w.Flush()
}

// truncate shortens s to n characters with an ellipsis.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func init() {
	runCmd.Flags().StringVar(&runTier, "tier", "", "only jurisdictions of this tier (federal, provincial, municipal)")
	runCmd.Flags().StringSliceVar(&runIDs, "id", nil, "jurisdiction ids to run (overrides --tier)")
	runCmd.Flags().BoolVar(&runTest, "test", false, "test mode: one attempt, no dead letters, run type test")
	runCmd.Flags().IntVar(&runMaxRecords, "max-records", 0, "truncate collector output to N records (0 = no limit)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print results as JSON")
	rootCmd.AddCommand(runCmd)
}
