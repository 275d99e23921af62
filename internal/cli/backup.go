package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// BackupResult describes a written backup.
type BackupResult struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

// NewBackupCommand creates the backup command.
func NewBackupCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup <dest>",
		Short: "Write a consistent copy of the local database",
		Long: `Write a consistent copy of the local database to dest, which must not
exist. The copy is taken online; other processes may keep writing.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackup(rootOpts, args[0], cmd)
		},
	}

	cmd.Flags().String(flagDatabase, "", "path to SQLite database")
	return cmd
}

func runBackup(opts *RootOptions, dest string, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts, cmd)
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore(st)

	if err := st.Backup(commandContext(cmd), dest); err != nil {
		return WrapExitError(ExitCommandError, "backup failed", err)
	}

	result := BackupResult{Source: cfg.Database, Destination: dest}
	if opts.Format == "json" {
		return newFormatter(opts, cmd).Success(result)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Backed up %s to %s\n", result.Source, result.Destination)
	return nil
}
