package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/agencysync/internal/config"
	"github.com/roach88/agencysync/internal/engine"
	"github.com/roach88/agencysync/internal/store"
)

// Flags shared by the commands that work on a local database. A flag that
// is set wins over the configuration file.
const (
	flagDatabase  = "db"
	flagNode      = "node"
	flagAgency    = "agency"
	flagLockDir   = "lock-dir"
	flagBackupDir = "backup-dir"
)

// loadConfig reads the --config file, when given, and applies the command's
// flags on top. The result is not verified; each command checks what it
// needs.
func loadConfig(opts *RootOptions, cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", &configError{err})
	}

	flags := cmd.Flags()
	str := func(name string, dst *string) {
		if flags.Lookup(name) != nil && flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	str(flagDatabase, &cfg.Database)
	str(flagNode, &cfg.NodeID)
	str(flagLockDir, &cfg.LockDir)
	str(flagBackupDir, &cfg.BackupDir)

	cfg.FillDerived()
	return cfg, nil
}

// agencyFlag returns the --agency value when it was set, fallback otherwise.
func agencyFlag(cmd *cobra.Command, fallback *int64) *int64 {
	if cmd.Flags().Lookup(flagAgency) == nil || !cmd.Flags().Changed(flagAgency) {
		return fallback
	}
	id, _ := cmd.Flags().GetInt64(flagAgency)
	return &id
}

// openStore opens the configured database, creating it if needed.
func openStore(cfg *config.Config) (*store.Store, error) {
	if cfg.Database == "" {
		return nil, NewExitError(ExitCommandError, "no database: pass --db or set database in the config file")
	}
	slog.Debug("opening database", "path", cfg.Database)
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", &engine.DataAccessError{Op: "open", Err: err})
	}
	return st, nil
}

func closeStore(st *store.Store) {
	if err := st.Close(); err != nil {
		slog.Error("error closing database", "error", err)
	}
}

// readInput reads a file argument; "-" reads the command's stdin.
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("failed to read %s", path), err)
	}
	return data, nil
}

// commandContext returns the command's context, or Background when the
// command runs outside Execute.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
