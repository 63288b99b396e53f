package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/openpolicy/civicsync/internal/model"
	"github.com/openpolicy/civicsync/internal/rollout"
)

var (
	rolloutPhasesFile string
	rolloutStatusOnly bool
	rolloutJSON       bool
)

var rolloutCmd = &cobra.Command{
	Use:   "rollout <name>",
	Short: "Run a phased rollout",
	Long: "Runs the rollout phases in order with this process's workers. Jurisdictions that " +
		"already succeeded under the same rollout name are skipped, so re-running a rollout " +
		"retries only what is left. --status prints the recorded phases instead.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		name := args[0]

		if rolloutStatusOnly {
			st, err := initStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck

			phases, err := st.RolloutPhases(ctx, name)
			if err != nil {
				return eris.Wrap(err, "rollout status")
			}
			if len(phases) == 0 {
				fmt.Fprintf(os.Stderr, "No phases recorded for rollout %q.\n", name)
				return nil
			}
			return printPhases(phases)
		}

		var phases []model.RolloutPhase
		if rolloutPhasesFile != "" {
			p, err := rollout.LoadPhases(rolloutPhasesFile)
			if err != nil {
				return err
			}
			phases = p
		}

		env, err := initEnv(ctx, "rollout")
		if err != nil {
			return err
		}
		defer env.Close()

		out, err := env.State.RunRollout(ctx, name, phases)
		if len(out) > 0 {
			if perr := printPhases(out); perr != nil {
				return perr
			}
		}
		if err != nil {
			return eris.Wrapf(err, "rollout %s", name)
		}
		return nil
	},
}

func printPhases(phases []model.RolloutPhase) error {
	if rolloutJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(phases)
	}
	formatPhases(os.Stdout, phases)
	return nil
}

// formatPhases writes a table of rollout phases to w.
func formatPhases(out io.Writer, phases []model.RolloutPhase) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PHASE\tSTATUS\tSUCCEEDED\tRATIO\tTARGET\tDURATION")
	_, _ = fmt.Fprintln(w, "-----\t------\t---------\t-----\t------\t--------")
	for _, p := range phases {
		dur := ""
		if p.StartedAt != nil && p.EndedAt != nil {
			dur = p.EndedAt.Sub(*p.StartedAt).Round(time.Second).String()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d/%d\t%.0f%%\t%.0f%%\t%s\n",
			p.Name,
			p.Status,
			p.Succeeded,
			p.Total,
			p.Ratio()*100,
			p.SuccessRatio*100,
			dur,
		)
	}
	_ = w.Flush()
}

func init() {
	rolloutCmd.Flags().StringVar(&rolloutPhasesFile, "phases", "", "YAML file of phase definitions (default from config)")
	rolloutCmd.Flags().BoolVar(&rolloutStatusOnly, "status", false, "print the recorded phases and exit")
	rolloutCmd.Flags().BoolVar(&rolloutJSON, "json", false, "print phases as JSON")
	rootCmd.AddCommand(rolloutCmd)
}
