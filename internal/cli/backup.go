package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"stallpos/internal/backup"
)

func NewBackupCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Snapshot the local store and publish it as the latest manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			m, err := a.Backups().Backup()
			if err != nil {
				return WrapExitError(ExitFailure, "backup failed", err)
			}
			return render(cmd.OutOrStdout(), rootOpts.Format, m, func(w io.Writer) {
				fmt.Fprintf(w, "snapshot %s: %d keys, %d unsynced\n", m.SnapshotID, m.Keys, m.Unsynced)
			})
		},
	}
}

type RestoreOutput struct {
	backup.RestoreResult
	Audit *backup.Audit `json:"audit,omitempty"`
}

func NewRestoreCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		snapshotID string
		force      bool
		noAudit    bool
	)
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore the local store from a snapshot",
		Long: `Restore the local store from the latest snapshot, or from --snapshot.

The store must be empty unless --force is given. After restoring, the file
journal is replayed from the snapshot's creation time: every sale, tap or
expense recorded since then must either be confirmed remotely or be present
in the restored store. Records that are neither are listed as missing and the
command exits 1.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			r := a.Restorer()
			var res backup.RestoreResult
			if snapshotID != "" {
				res, err = r.RestoreFromSnapshot(snapshotID, force)
			} else {
				res, err = r.RestoreLatest(force)
			}
			switch {
			case errors.Is(err, backup.ErrNotEmpty):
				return WrapExitError(ExitCommandError, "store is not empty (use --force)", err)
			case errors.Is(err, backup.ErrNoManifest):
				return WrapExitError(ExitCommandError, "no backup manifest found", err)
			case err != nil:
				return WrapExitError(ExitFailure, "restore failed", err)
			}

			out := RestoreOutput{RestoreResult: res}
			if path := a.JournalPath(); !noAudit && path != "" {
				since := time.Time{}
				if res.Manifest.CreatedAtEpochSecond > 0 {
					since = res.Manifest.CreatedAt()
				}
				audit, err := backup.AuditJournal(path, since, a.Store)
				switch {
				case errors.Is(err, os.ErrNotExist):
				case err != nil:
					return WrapExitError(ExitFailure, "journal audit failed", err)
				default:
					out.Audit = &audit
				}
			}

			if err := render(cmd.OutOrStdout(), rootOpts.Format, out, func(w io.Writer) {
				fmt.Fprintf(w, "restored %s: %d keys, %d unsynced, %d replaced\n",
					res.Manifest.SnapshotID, res.Applied, res.Unsynced, res.Replaced)
				if out.Audit != nil {
					fmt.Fprintf(w, "journal: %d recorded since snapshot, %d confirmed, %d present, %d missing\n",
						out.Audit.Recorded, out.Audit.Confirmed, out.Audit.Present, len(out.Audit.Missing))
					for _, k := range out.Audit.Missing {
						fmt.Fprintf(w, "  missing %s\n", k)
					}
				}
			}); err != nil {
				return err
			}
			if out.Audit != nil && len(out.Audit.Missing) > 0 {
				return NewExitError(ExitFailure, fmt.Sprintf("%d records missing after restore", len(out.Audit.Missing)))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&snapshotID, "snapshot", "", "snapshot id (default: latest manifest)")
	cmd.Flags().BoolVar(&force, "force", false, "replace a non-empty store")
	cmd.Flags().BoolVar(&noAudit, "no-audit", false, "skip the journal audit")
	return cmd
}
