package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/agencysync/internal/config"
	"github.com/roach88/agencysync/internal/engine"
	"github.com/roach88/agencysync/internal/store"
	"github.com/roach88/agencysync/internal/syncer"
	"github.com/roach88/agencysync/internal/transport"
	"github.com/roach88/agencysync/internal/watermark"
)

// SyncOptions holds flags for the sync commands.
type SyncOptions struct {
	*RootOptions
	Interval time.Duration
}

// SyncResult summarizes one sync cycle.
type SyncResult struct {
	NodeID string   `json:"node_id"`
	Peers  []string `json:"peers"`
}

// NewSyncCommand creates the sync command group.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Exchange snapshots with the configured peers",
		Long: `Run the confirm, receive, push cycle against every peer in the config file.

Snapshots travel through the directory transport: each node drops snapshots
in its peers' inboxes and acknowledgements in their ack folders. A peer's
watermark only moves when it acknowledges a snapshot without row errors.`,
	}

	cmd.PersistentFlags().String(flagDatabase, "", "path to SQLite database")
	cmd.PersistentFlags().String(flagNode, "", "this node's id")
	cmd.PersistentFlags().String(flagLockDir, "", "directory holding peer lock files")
	cmd.PersistentFlags().String(flagBackupDir, "", "back up the database here before each merge")

	once := &cobra.Command{
		Use:           "once",
		Short:         "Run a single sync cycle",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSyncOnce(opts, cmd)
		},
	}

	run := &cobra.Command{
		Use:   "run",
		Short: "Run sync cycles until interrupted",
		Long: `Run a sync cycle immediately and then every interval until SIGINT or
SIGTERM. A cycle that overruns the interval delays the next one.

Example:
  agencysync sync run --config ./node.yaml
  agencysync sync run --config ./node.yaml --interval 30s --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSyncLoop(opts, cmd)
		},
	}
	run.Flags().DurationVar(&opts.Interval, "interval", 0, "time between cycles (default from config)")

	cmd.AddCommand(once, run)
	return cmd
}

// node bundles what a sync command opens.
type node struct {
	cfg    *config.Config
	store  *store.Store
	syncer *syncer.Syncer
}

func (n *node) close() {
	closeStore(n.store)
}

func openNode(opts *RootOptions, cmd *cobra.Command) (*node, error) {
	cfg, err := loadConfig(opts, cmd)
	if err != nil {
		return nil, err
	}
	if err := cfg.Verify(); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", &configError{err})
	}

	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	peers := make([]syncer.Peer, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		peers = append(peers, syncer.Peer{
			NodeID:          p.NodeID,
			TargetAgency:    p.TargetAgency,
			IncludeAccounts: p.IncludeAccounts,
		})
	}

	s, err := syncer.New(syncer.Options{
		NodeID:     cfg.NodeID,
		Agency:     cfg.AgencyID,
		Peers:      peers,
		Exporter:   engine.NewExporter(st, engine.ExporterOptions{NodeID: cfg.NodeID}),
		Importer:   engine.NewImporter(st, engine.ImporterOptions{BackupDir: cfg.BackupDir}),
		Watermarks: watermark.New(st, cfg.LockDir, nil),
		Transport:  transport.NewDir(cfg.Transport.Dir, transport.DirOptions{Retries: cfg.Transport.Retries}),
		Timeout:    cfg.Transport.Timeout,
	})
	if err != nil {
		closeStore(st)
		return nil, WrapExitError(ExitCommandError, "invalid sync setup", err)
	}
	return &node{cfg: cfg, store: st, syncer: s}, nil
}

func runSyncOnce(opts *SyncOptions, cmd *cobra.Command) error {
	n, err := openNode(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer n.close()

	result := SyncResult{NodeID: n.cfg.NodeID, Peers: []string{}}
	for _, p := range n.syncer.Peers() {
		result.Peers = append(result.Peers, p.NodeID)
	}

	if err := n.syncer.Tick(commandContext(cmd)); err != nil {
		return WrapExitError(ExitCommandError, "sync cycle failed", err)
	}

	if opts.Format == "json" {
		return newFormatter(opts.RootOptions, cmd).Success(result)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Sync cycle complete for %s (%d peer(s))\n", result.NodeID, len(result.Peers))
	return nil
}

func runSyncLoop(opts *SyncOptions, cmd *cobra.Command) error {
	if cmd.Flags().Changed("interval") && opts.Interval <= 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("--interval must be positive, got %s", opts.Interval))
	}

	n, err := openNode(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer n.close()

	interval := n.cfg.Interval
	if opts.Interval > 0 {
		interval = opts.Interval
	}

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
			// Parent context cancelled (e.g., from test)
		}
	}()

	slog.Info("sync starting", "node", n.cfg.NodeID, "db", n.cfg.Database, "transport", n.cfg.Transport.Dir)
	fmt.Fprintf(cmd.OutOrStdout(), "Syncing %s every %s. Press Ctrl-C to stop.\n", n.cfg.NodeID, interval)

	if err := n.syncer.Run(ctx, interval); err != nil {
		return WrapExitError(ExitCommandError, "sync loop failed", err)
	}

	slog.Info("sync stopped gracefully")
	return nil
}
