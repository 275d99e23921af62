package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/agencysync/internal/engine"
	"github.com/roach88/agencysync/internal/snapshot"
)

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	*RootOptions
	Database string
	NodeID   string
	Agency   int64
	Since    string
	Accounts bool
	Out      string
}

// ExportResult describes a written snapshot.
type ExportResult struct {
	SnapshotID string                      `json:"snapshot_id"`
	CapturedAt string                      `json:"captured_at"`
	Since      string                      `json:"since,omitempty"`
	Rows       int                         `json:"rows"`
	Counts     map[snapshot.Collection]int `json:"counts"`
	Digest     string                      `json:"digest"`
	Path       string                      `json:"path"`
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a snapshot of the local database",
		Long: `Export the local database as a snapshot document.

Reference data (agencies, families) is always exported in full. With --since,
transactional collections only carry rows updated at or after that instant.
Without --out the document is written to stdout.

Example:
  agencysync export --db ./agency.db --agency 1 --out snap.json
  agencysync export --db ./agency.db --since 2024-03-01T00:00:00Z > delta.json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, flagDatabase, "", "path to SQLite database")
	cmd.Flags().StringVar(&opts.NodeID, flagNode, "", "node id recorded as the snapshot source")
	cmd.Flags().Int64Var(&opts.Agency, flagAgency, 0, "limit agency-owned collections to one agency")
	cmd.Flags().StringVar(&opts.Since, "since", "", "RFC 3339 lower bound for transactional rows")
	cmd.Flags().BoolVar(&opts.Accounts, "accounts", false, "include the accounts collection")
	cmd.Flags().StringVarP(&opts.Out, "out", "o", "", "output file (default stdout)")

	return cmd
}

func runExport(opts *ExportOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions, cmd)
	if err != nil {
		return err
	}

	scope := engine.Scope{
		Agency:          agencyFlag(cmd, cfg.AgencyID),
		IncludeAccounts: opts.Accounts,
	}
	if opts.Since != "" {
		since, err := time.Parse(time.RFC3339Nano, opts.Since)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --since", err)
		}
		scope.Since = &since
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore(st)

	exporter := engine.NewExporter(st, engine.ExporterOptions{NodeID: cfg.NodeID})
	snap, err := exporter.Export(commandContext(cmd), scope)
	if err != nil {
		return WrapExitError(ExitCommandError, "export failed", err)
	}
	data, err := snapshot.Encode(snap)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to encode snapshot", err)
	}
	digest, err := snapshot.Digest(data)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to digest snapshot", err)
	}

	if opts.Out == "" {
		if _, err := cmd.OutOrStdout().Write(data); err != nil {
			return WrapExitError(ExitCommandError, "failed to write snapshot", err)
		}
		slog.Info("snapshot written", "snapshot_id", snap.SnapshotID, "rows", snap.Len(), "digest", digest)
		return nil
	}

	if err := writeFile(opts.Out, data); err != nil {
		return WrapExitError(ExitCommandError, "failed to write snapshot", err)
	}

	result := ExportResult{
		SnapshotID: snap.SnapshotID,
		CapturedAt: snap.CapturedAt.String(),
		Rows:       snap.Len(),
		Counts:     snap.Counts(),
		Digest:     digest,
		Path:       opts.Out,
	}
	if snap.Since != nil {
		result.Since = snap.Since.String()
	}

	formatter := newFormatter(opts.RootOptions, cmd)
	if opts.Format == "json" {
		return formatter.Success(result)
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "✓ Exported %d row(s) to %s\n", result.Rows, result.Path)
	fmt.Fprintf(w, "  snapshot: %s\n", result.SnapshotID)
	fmt.Fprintf(w, "  captured: %s\n", result.CapturedAt)
	fmt.Fprintf(w, "  digest:   %s\n", result.Digest)
	return nil
}

// writeFile writes data through a temporary file so a reader never sees a
// partial snapshot.
func writeFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
