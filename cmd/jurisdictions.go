package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openpolicy/civicsync/internal/model"
	"github.com/openpolicy/civicsync/internal/registry"
)

var jurisdictionsCmd = &cobra.Command{
	Use:     "jurisdictions",
	Aliases: []string{"j"},
	Short:   "List jurisdictions or toggle them on a running server",
}

var jurisdictionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jurisdictions from the catalog, or from a running server with --remote",
	RunE: func(cmd *cobra.Command, _ []string) error {
		tierFlag, _ := cmd.Flags().GetString("tier")
		remote, _ := cmd.Flags().GetBool("remote")
		asJSON, _ := cmd.Flags().GetBool("json")

		var tier *model.Tier
		if tierFlag != "" {
			t, err := model.ParseTier(tierFlag)
			if err != nil {
				return err
			}
			tier = &t
		}

		var js []model.Jurisdiction
		if remote {
			path := "/jurisdictions"
			if tier != nil {
				path += "?tier=" + url.QueryEscape(string(*tier))
			}
			var resp struct {
				Jurisdictions []model.Jurisdiction `json:"jurisdictions"`
			}
			if err := newAPIClient().do(cmd.Context(), http.MethodGet, path, &resp); err != nil {
				return err
			}
			js = resp.Jurisdictions
		} else {
			all, err := registry.Load(cfg.Orchestrator.CatalogPath)
			if err != nil {
				return err
			}
			js = registry.New(all, nil).List(tier)
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(js)
		}
		formatJurisdictions(os.Stdout, js)
		return nil
	},
}

var jurisdictionsDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Stop scheduling a jurisdiction on the running server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newAPIClient().do(cmd.Context(), http.MethodPost, "/jurisdictions/"+url.PathEscape(args[0])+"/disable", nil); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "%s disabled\n", args[0])
		return nil
	},
}

var jurisdictionsEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Resume scheduling a jurisdiction on the running server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newAPIClient().do(cmd.Context(), http.MethodPost, "/jurisdictions/"+url.PathEscape(args[0])+"/enable", nil); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "%s enabled\n", args[0])
		return nil
	},
}

// formatJurisdictions writes a table of jurisdictions to w.
func formatJurisdictions(out io.Writer, js []model.Jurisdiction) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tTIER\tPROVINCE\tCADENCE\tENABLED")
	_, _ = fmt.Fprintln(w, "--\t----\t----\t--------\t-------\t-------")
	for _, j := range js {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\n",
			j.ID,
			truncate(j.Name, 40),
			j.Tier,
			j.Province,
			j.Cadence,
			j.Enabled,
		)
	}
	_ = w.Flush()
}

func init() {
	jurisdictionsListCmd.Flags().String("tier", "", "filter by tier (federal, provincial, municipal)")
	jurisdictionsListCmd.Flags().Bool("remote", false, "list from the running server, with live enabled flags")
	jurisdictionsListCmd.Flags().Bool("json", false, "print as JSON")

	for _, c := range []*cobra.Command{jurisdictionsCmd, statusCmd, schedulerCmd} {
		c.PersistentFlags().StringVar(&apiAddr, "api", "", "operator API base URL (default http://localhost:<server.port>)")
		c.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key sent as X-API-Key")
		c.PersistentFlags().StringVar(&apiRole, "role", "admin", "caller role sent as X-Caller-Role")
	}

	jurisdictionsCmd.AddCommand(jurisdictionsListCmd)
	jurisdictionsCmd.AddCommand(jurisdictionsDisableCmd)
	jurisdictionsCmd.AddCommand(jurisdictionsEnableCmd)
	rootCmd.AddCommand(jurisdictionsCmd)
}
