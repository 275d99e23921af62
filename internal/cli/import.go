package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/agencysync/internal/engine"
	"github.com/roach88/agencysync/internal/snapshot"
)

// ImportOptions holds flags for the import command.
type ImportOptions struct {
	*RootOptions
	Database  string
	Agency    int64
	BackupDir string
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ImportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "import <snapshot-file>",
		Short: "Merge a snapshot into the local database",
		Long: `Merge a snapshot document into the local database.

Rows are matched by natural key. Rows that cannot be merged are skipped and
listed in the report; the rest of the snapshot still merges. With --agency,
every agency-owned row is stored in that agency. Use "-" to read stdin.

Exit codes:
  0 - Every row merged
  1 - The merge finished but some rows were skipped
  2 - Command error (unreadable snapshot, store failure, etc.)

Example:
  agencysync import --db ./agency.db snap.json
  agencysync import --db ./agency.db --agency 2 --backup-dir ./backups snap.json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, flagDatabase, "", "path to SQLite database")
	cmd.Flags().Int64Var(&opts.Agency, flagAgency, 0, "store agency-owned rows in this agency")
	cmd.Flags().StringVar(&opts.BackupDir, flagBackupDir, "", "back up the database here before merging")

	return cmd
}

func runImport(opts *ImportOptions, path string, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions, cmd)
	if err != nil {
		return err
	}

	data, err := readInput(cmd, path)
	if err != nil {
		return err
	}
	snap, err := snapshot.Decode(data)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to decode snapshot", err)
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore(st)

	importer := engine.NewImporter(st, engine.ImporterOptions{BackupDir: cfg.BackupDir})
	report, err := importer.Import(commandContext(cmd), snap, engine.TargetScope{Agency: agencyFlag(cmd, nil)})
	if err != nil {
		if report != nil && len(report.Committed) > 0 {
			_ = outputReport(opts.RootOptions, cmd, report)
		}
		return WrapExitError(ExitCommandError, "import failed", err)
	}

	if err := outputReport(opts.RootOptions, cmd, report); err != nil {
		return err
	}
	if !report.OK() {
		return reported(NewExitError(ExitFailure, fmt.Sprintf("%d row(s) skipped", len(report.Errors))))
	}
	return nil
}

// outputReport writes an import report in the configured format.
func outputReport(opts *RootOptions, cmd *cobra.Command, report *engine.ImportReport) error {
	if opts.Format != "json" {
		return report.WriteText(cmd.OutOrStdout())
	}

	response := CLIResponse{
		Status: "ok",
		Data:   report,
		RunID:  report.RunID,
	}
	if !report.OK() {
		response.Status = "error"
		response.Error = &CLIError{
			Code:    ErrCodeRowErrors,
			Message: fmt.Sprintf("%d row(s) skipped", len(report.Errors)),
		}
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(response)
}
