package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/openpolicy/civicsync/internal/api"
	"github.com/openpolicy/civicsync/internal/monitoring"
)

// statusView is what the status command prints. Remote holds the API
// response; Local holds a snapshot read from the store.
type statusView struct {
	Remote *api.StatusResponse  `json:"remote,omitempty"`
	Local  *monitoring.Snapshot `json:"local,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show orchestrator health",
	Long: "Queries the running server for scheduler, queue and run health. With --local the " +
		"run and dead-letter counts are read from the store directly and queue state is omitted.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		local, _ := cmd.Flags().GetBool("local")
		lookback, _ := cmd.Flags().GetDuration("lookback")
		asJSON, _ := cmd.Flags().GetBool("json")

		var view statusView
		if local {
			st, err := initStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck

			snap, err := monitoring.NewCollector(st, nil).Collect(ctx, lookback)
			if err != nil {
				return eris.Wrap(err, "status")
			}
			view.Local = snap
		} else {
			var resp api.StatusResponse
			if err := newAPIClient().do(ctx, http.MethodGet, "/status", &resp); err != nil {
				return err
			}
			view.Remote = &resp
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(view)
		}
		formatStatus(os.Stdout, view)
		return nil
	},
}

// formatStatus writes a status summary to w.
func formatStatus(out io.Writer, v statusView) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	if r := v.Remote; r != nil {
		_, _ = fmt.Fprintf(w, "Scheduler:\t%s\n", r.Scheduler)
		_, _ = fmt.Fprintf(w, "Jurisdictions:\t%d\n", r.Jurisdictions)
		_, _ = fmt.Fprintf(w, "Queue depth:\t%d\n", r.QueueDepth)
		_, _ = fmt.Fprintf(w, "In flight:\t%d\n", len(r.InFlight))
		domains := make([]string, 0, len(r.Circuits))
		for d := range r.Circuits {
			domains = append(domains, d)
		}
		sort.Strings(domains)
		for _, d := range domains {
			_, _ = fmt.Fprintf(w, "Circuit %s:\t%s\n", d, r.Circuits[d])
		}
		if s := r.Snapshot; s != nil {
			writeRunCounts(w, s.Lookback, s.RunsTotal, s.RunsSucceeded, s.RunsFailed, s.FailRate, s.RecordsAccepted, s.RecordsRejected, s.DeadLetters)
		}
	}
	if s := v.Local; s != nil {
		writeRunCounts(w, s.Lookback.String(), s.RunsTotal, s.RunsSucceeded, s.RunsFailed, s.FailRate, s.RecordsAccepted, s.RecordsRejected, s.DeadLetters)
	}
	_ = w.Flush()
}

func writeRunCounts(w io.Writer, lookback string, total, ok, failed int, failRate float64, accepted, rejected, dead int) {
	_, _ = fmt.Fprintf(w, "Runs (last %s):\t%d\n", lookback, total)
	_, _ = fmt.Fprintf(w, "  Succeeded:\t%d\n", ok)
	_, _ = fmt.Fprintf(w, "  Failed:\t%d\n", failed)
	_, _ = fmt.Fprintf(w, "Fail rate:\t%.1f%%\n", failRate*100)
	_, _ = fmt.Fprintf(w, "Records accepted:\t%d\n", accepted)
	_, _ = fmt.Fprintf(w, "Records rejected:\t%d\n", rejected)
	_, _ = fmt.Fprintf(w, "Dead letters:\t%d\n", dead)
}

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Start or stop the scheduler of the running server",
}

var schedulerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start periodic scheduling",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return schedulerAction(cmd, "start")
	},
}

var schedulerStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop periodic scheduling; queued jobs still run",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return schedulerAction(cmd, "stop")
	},
}

func schedulerAction(cmd *cobra.Command, action string) error {
	var resp struct {
		Scheduler string `json:"scheduler"`
		Changed   bool   `json:"changed"`
	}
	if err := newAPIClient().do(cmd.Context(), http.MethodPost, "/scheduler/"+action, &resp); err != nil {
		return err
	}
	if resp.Changed {
		fmt.Fprintf(os.Stdout, "scheduler %s\n", resp.Scheduler)
	} else {
		fmt.Fprintf(os.Stdout, "scheduler already %s\n", resp.Scheduler)
	}
	return nil
}

func init() {
	statusCmd.Flags().Bool("local", false, "read counts from the store instead of the running server")
	statusCmd.Flags().Duration("lookback", 24*time.Hour, "run window for --local")
	statusCmd.Flags().Bool("json", false, "print as JSON")

	schedulerCmd.AddCommand(schedulerStartCmd)
	schedulerCmd.AddCommand(schedulerStopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(schedulerCmd)
}
