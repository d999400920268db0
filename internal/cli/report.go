package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"stallpos/internal/aggregate"
)

type reportOptions struct {
	Day string
}

func (o reportOptions) day() (time.Time, error) {
	if o.Day == "" {
		return time.Now().UTC(), nil
	}
	d, err := time.Parse("2006-01-02", o.Day)
	if err != nil {
		return time.Time{}, NewExitError(ExitCommandError, "--day must be YYYY-MM-DD")
	}
	return d, nil
}

func NewReportCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Read merged local and remote reports",
	}
	cmd.AddCommand(newVisitorReportCommand(rootOpts))
	cmd.AddCommand(newMenuSalesReportCommand(rootOpts))
	return cmd
}

func newVisitorReportCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		ro      reportOptions
		minutes int
		group   string
	)
	cmd := &cobra.Command{
		Use:   "visitors",
		Short: "Visitor counts per time bucket for one day",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if minutes <= 0 || minutes > 24*60 {
				return NewExitError(ExitCommandError, "--bucket must be a positive number of minutes")
			}
			day, err := ro.day()
			if err != nil {
				return err
			}
			a, err := rootOpts.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.Engine.VisitorReport(cmd.Context(), day, minutes, group)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to build report", err)
			}
			return render(cmd.OutOrStdout(), rootOpts.Format, rep, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "BUCKET\tVISITORS")
				for _, b := range rep.Buckets {
					fmt.Fprintf(tw, "%s\t%d\n", b.Label, b.Total)
				}
				fmt.Fprintf(tw, "total\t%d\n", rep.Total)
				tw.Flush()
				if rep.Partial {
					fmt.Fprintln(w, "(remote unavailable: local taps only)")
				}
			})
		},
	}
	cmd.Flags().StringVar(&ro.Day, "day", "", "UTC day YYYY-MM-DD (default today)")
	cmd.Flags().IntVar(&minutes, "bucket", aggregate.DefaultBucketMinutes, "bucket width in minutes")
	cmd.Flags().StringVar(&group, "group", "", "only this visitor group")
	return cmd
}

func newMenuSalesReportCommand(rootOpts *RootOptions) *cobra.Command {
	var ro reportOptions
	cmd := &cobra.Command{
		Use:   "menu-sales",
		Short: "Per-menu sales for one day with sell-out projections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			day, err := ro.day()
			if err != nil {
				return err
			}
			a, err := rootOpts.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.Engine.MenuSalesReport(cmd.Context(), day, time.Hour)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to build report", err)
			}
			return render(cmd.OutOrStdout(), rootOpts.Format, rep, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "MENU\tQTY\tREVENUE")
				for _, m := range rep.Menus {
					fmt.Fprintf(tw, "%s\t%d\t%s\n", m.Name, m.Quantity, m.Revenue)
				}
				tw.Flush()
				fmt.Fprintf(w, "transactions: %d  revenue: %s\n", rep.Totals.Transactions, rep.Totals.Revenue)
			})
		},
	}
	cmd.Flags().StringVar(&ro.Day, "day", "", "UTC day YYYY-MM-DD (default today)")
	return cmd
}
