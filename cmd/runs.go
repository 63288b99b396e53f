package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/openpolicy/civicsync/internal/model"
	"github.com/openpolicy/civicsync/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect scraping run history",
	Long:  "Commands for listing and summarizing the append-only run log.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scraping runs, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		jurisdiction, _ := cmd.Flags().GetString("jurisdiction")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		runs, err := st.ListRuns(ctx, store.RunFilter{
			JurisdictionID: jurisdiction,
			Status:         model.RunStatus(status),
			Limit:          limit,
		})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(runs)
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate run statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		since, _ := cmd.Flags().GetDuration("since")
		filter := store.RunFilter{Limit: 10000}
		if since > 0 {
			filter.Since = time.Now().UTC().Add(-since)
		}

		runs, err := st.ListRuns(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}

		formatRunStats(os.Stdout, computeRunStats(runs))
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by run status (succeeded, failed)")
	runsListCmd.Flags().String("jurisdiction", "", "filter by jurisdiction id")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")
	runsListCmd.Flags().Bool("json", false, "print as JSON")

	runsStatsCmd.Flags().Duration("since", 24*time.Hour, "time window for stats (e.g. 24h, 72h, 168h)")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

// runStats holds aggregate statistics computed from a set of runs.
type runStats struct {
	Total      int
	Succeeded  int
	Failed     int
	Test       int
	Accepted   int
	Rejected   int
	Verdicts   model.VerdictCounts
	AvgDurSecs float64
}

// computeRunStats computes aggregate statistics from a list of runs. Test
// runs are counted separately and excluded from the rest.
func computeRunStats(runs []model.ScrapingRun) runStats {
	var s runStats

	var totalDur time.Duration
	var durCount int

	for _, r := range runs {
		if r.RunType == model.SourceTest {
			s.Test++
			continue
		}
		s.Total++
		switch r.Status {
		case model.RunSucceeded:
			s.Succeeded++
		case model.RunFailed:
			s.Failed++
		}
		s.Accepted += r.RecordsAccepted
		s.Rejected += r.RecordsRejected
		s.Verdicts.Pass += r.Verdicts.Pass
		s.Verdicts.Warn += r.Verdicts.Warn
		s.Verdicts.Fail += r.Verdicts.Fail
		if !r.EndedAt.IsZero() {
			totalDur += r.Duration()
			durCount++
		}
	}

	if durCount > 0 {
		s.AvgDurSecs = totalDur.Seconds() / float64(durCount)
	}
	return s
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.ScrapingRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tJURISDICTION\tTYPE\tSTATUS\tATTEMPT\tACCEPTED\tREJECTED\tSTARTED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t------------\t----\t------\t-------\t--------\t--------\t-------\t--------")

	for _, r := range runs {
		dur := ""
		if !r.EndedAt.IsZero() {
			dur = r.Duration().Round(time.Millisecond).String()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			truncateID(r.ID),
			r.JurisdictionID,
			r.RunType,
			r.Status,
			r.Attempt,
			r.RecordsAccepted,
			r.RecordsRejected,
			r.StartedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// formatRunStats writes aggregate stats to w.
func formatRunStats(out io.Writer, s runStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Succeeded:\t%d\n", s.Succeeded)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.Failed)
	_, _ = fmt.Fprintf(w, "Records accepted:\t%d\n", s.Accepted)
	_, _ = fmt.Fprintf(w, "Records rejected:\t%d\n", s.Rejected)
	_, _ = fmt.Fprintf(w, "Verdicts:\tpass %d, warn %d, fail %d\n", s.Verdicts.Pass, s.Verdicts.Warn, s.Verdicts.Fail)
	if s.Test > 0 {
		_, _ = fmt.Fprintf(w, "Test runs (excluded):\t%d\n", s.Test)
	}
	if s.AvgDurSecs > 0 {
		_, _ = fmt.Fprintf(w, "Avg duration:\t%.1fs\n", s.AvgDurSecs)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
