package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"stallpos/internal/reconcile"
)

type SyncKindResult struct {
	reconcile.Result
	Error string `json:"error,omitempty"`
}

type SyncResult struct {
	Available bool             `json:"available"`
	Results   []SyncKindResult `json:"results"`
	Remaining int              `json:"remaining"`
	Errors    int              `json:"errors"`
}

func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	var pullMenus bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one reconciliation pass over every kind",
		Long: `Run one reconciliation pass over every kind, bypassing the scheduler's
check gate.

Exit codes:
  0 - every record is confirmed remotely
  1 - the remote is unavailable or records remain unsynced
  2 - command error`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			if pullMenus {
				if _, err := a.Engine.PullMenus(cmd.Context(), "manual"); err != nil {
					return WrapExitError(ExitFailure, "menu refresh failed", err)
				}
			}
			out := SyncResult{Available: a.Engine.Available()}
			for _, r := range a.Engine.SyncNow(cmd.Context()) {
				kr := SyncKindResult{Result: r}
				if r.Err != nil {
					kr.Error = r.Err.Error()
					out.Errors++
				}
				out.Remaining += r.Remaining
				out.Results = append(out.Results, kr)
			}
			if err := render(cmd.OutOrStdout(), rootOpts.Format, out, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "KIND\tSCANNED\tPUSHED\tDUPLICATES\tFAILED\tREMAINING\tNOTE")
				for _, r := range out.Results {
					note := string(r.Skipped)
					if r.Error != "" {
						note = r.Error
					}
					fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%s\n", r.Kind, r.Scanned, r.Pushed, r.Duplicates, r.Failed, r.Remaining, note)
				}
				tw.Flush()
			}); err != nil {
				return err
			}
			if !out.Available {
				return NewExitError(ExitFailure, "remote store is not available")
			}
			if out.Remaining > 0 || out.Errors > 0 {
				return NewExitError(ExitFailure, fmt.Sprintf("%d records remain unsynced", out.Remaining))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&pullMenus, "pull-menus", false, "refresh the menu snapshot before pushing")
	return cmd
}
