package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"stallpos/internal/model"
)

// MenuFile is the import format: the same shape GET /menus returns.
type MenuFile struct {
	Menus      []model.Menu     `json:"menus"`
	Categories []model.Category `json:"categories"`
}

func NewMenusCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "menus",
		Short: "Manage the local menu snapshot",
	}
	cmd.AddCommand(newMenusImportCommand(rootOpts))
	cmd.AddCommand(newMenusPullCommand(rootOpts))
	return cmd
}

func newMenusImportCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Replace the local menu snapshot from a JSON file",
		Long: `Replace the local menu snapshot from a JSON file of the form
{"menus": [...], "categories": [...]}. Menus without a branchId get the
configured branch. Stock of sales still waiting to sync is taken off tracked
menus, as with a remote refresh.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mf, err := readMenuFile(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid menu file", err)
			}
			a, err := rootOpts.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			for i := range mf.Menus {
				if mf.Menus[i].BranchID == "" {
					mf.Menus[i].BranchID = a.Config.BranchID
				}
			}
			for i := range mf.Categories {
				if mf.Categories[i].BranchID == "" {
					mf.Categories[i].BranchID = a.Config.BranchID
				}
			}
			if err := a.Recorder.ReplaceMenus(mf.Menus); err != nil {
				return WrapExitError(ExitFailure, "import failed", err)
			}
			if mf.Categories != nil {
				if err := a.Recorder.ReplaceCategories(mf.Categories); err != nil {
					return WrapExitError(ExitFailure, "import failed", err)
				}
			}
			out := map[string]int{"menus": len(mf.Menus), "categories": len(mf.Categories)}
			return render(cmd.OutOrStdout(), rootOpts.Format, out, func(w io.Writer) {
				fmt.Fprintf(w, "imported %d menus, %d categories\n", len(mf.Menus), len(mf.Categories))
			})
		},
	}
}

func newMenusPullCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pull",
		Short: "Refresh the local menu snapshot from the remote store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			if !a.Engine.Available() {
				return NewExitError(ExitFailure, "remote store is not available")
			}
			n, err := a.Engine.PullMenus(cmd.Context(), "manual")
			if err != nil {
				return WrapExitError(ExitFailure, "menu refresh failed", err)
			}
			return render(cmd.OutOrStdout(), rootOpts.Format, map[string]int{"menus": n}, func(w io.Writer) {
				fmt.Fprintf(w, "refreshed %d menus\n", n)
			})
		},
	}
}

func readMenuFile(path string) (MenuFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return MenuFile{}, err
	}
	var mf MenuFile
	if err := json.Unmarshal(b, &mf); err != nil {
		return MenuFile{}, fmt.Errorf("parse %s: %w", path, err)
	}
	for i, m := range mf.Menus {
		if m.ID == "" || m.Name == "" {
			return MenuFile{}, fmt.Errorf("menu %d: id and name are required", i)
		}
		if m.Price.IsNegative() {
			return MenuFile{}, fmt.Errorf("menu %s: negative price", m.ID)
		}
	}
	return mf, nil
}
