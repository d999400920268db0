package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"stallpos/internal/model"
	"stallpos/internal/reconcile"
)

type PendingKind struct {
	Kind     model.Kind `json:"kind"`
	Unsynced int        `json:"unsynced"`
	LastSync *time.Time `json:"lastSync,omitempty"`
}

type PendingResult struct {
	BranchID string        `json:"branchId"`
	Kinds    []PendingKind `json:"kinds"`
}

func NewPendingCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "Show unsynced record counts and last clean sync per kind",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := pending(a.Config.BranchID, a.Engine)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read outbox", err)
			}
			return render(cmd.OutOrStdout(), rootOpts.Format, res, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "KIND\tUNSYNCED\tLAST SYNC")
				for _, k := range res.Kinds {
					last := "never"
					if k.LastSync != nil {
						last = k.LastSync.Format(time.RFC3339)
					}
					fmt.Fprintf(tw, "%s\t%d\t%s\n", k.Kind, k.Unsynced, last)
				}
				tw.Flush()
			})
		},
	}
}

func pending(branchID string, eng *reconcile.Engine) (PendingResult, error) {
	res := PendingResult{BranchID: branchID}
	for _, k := range model.Kinds() {
		n, err := eng.Unsynced(k)
		if err != nil {
			return PendingResult{}, err
		}
		pk := PendingKind{Kind: k, Unsynced: n}
		cur, err := eng.Cursor(k)
		if err != nil {
			return PendingResult{}, err
		}
		if !cur.IsZero() {
			pk.LastSync = &cur
		}
		res.Kinds = append(res.Kinds, pk)
	}
	return res, nil
}
