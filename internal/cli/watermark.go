package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/agencysync/internal/snapshot"
	"github.com/roach88/agencysync/internal/store"
	"github.com/roach88/agencysync/internal/watermark"
)

// WatermarkEntry is one peer's sync boundary.
type WatermarkEntry struct {
	NodeID    string `json:"node_id"`
	Date      string `json:"last_sync_date,omitempty"`
	Timestamp string `json:"last_sync_timestamp,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

// NewWatermarkCommand creates the watermark command group.
func NewWatermarkCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watermark",
		Short: "Inspect or move peer watermarks",
		Long: `A watermark is the capture time of the last snapshot a peer confirmed.
The next push to that peer exports everything changed since then.`,
	}

	cmd.PersistentFlags().String(flagDatabase, "", "path to SQLite database")
	cmd.PersistentFlags().String(flagLockDir, "", "directory holding peer lock files")

	cmd.AddCommand(newWatermarkGetCommand(rootOpts))
	cmd.AddCommand(newWatermarkSetCommand(rootOpts))
	return cmd
}

func newWatermarkGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "get [node]",
		Short:         "Show one watermark, or all of them",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			node := ""
			if len(args) == 1 {
				node = args[0]
			}
			return runWatermarkGet(rootOpts, node, cmd)
		},
	}
}

func newWatermarkSetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "set <node> <timestamp>",
		Short: "Move a watermark forward",
		Long: `Set the watermark of a peer. Watermarks never move backwards; use a
later RFC 3339 timestamp than the stored one.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatermarkSet(rootOpts, args[0], args[1], cmd)
		},
	}
}

func openWatermarks(opts *RootOptions, cmd *cobra.Command) (*watermark.Service, *store.Store, error) {
	cfg, err := loadConfig(opts, cmd)
	if err != nil {
		return nil, nil, err
	}
	st, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	return watermark.New(st, cfg.LockDir, nil), st, nil
}

func runWatermarkGet(opts *RootOptions, node string, cmd *cobra.Command) error {
	svc, st, err := openWatermarks(opts, cmd)
	if err != nil {
		return err
	}
	defer closeStore(st)
	ctx := commandContext(cmd)

	var entries []WatermarkEntry
	if node == "" {
		list, err := svc.List(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read watermarks", err)
		}
		for _, w := range list {
			entries = append(entries, WatermarkEntry{
				NodeID:    w.NodeID,
				Date:      w.LastSyncDate.String(),
				Timestamp: w.LastSyncTimestamp.String(),
				UpdatedAt: w.UpdatedAt.String(),
			})
		}
	} else {
		if !watermark.ValidNodeID(node) {
			return NewExitError(ExitCommandError, fmt.Sprintf("invalid node id %q", node))
		}
		ts, err := svc.Get(ctx, node)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read watermark", err)
		}
		entry := WatermarkEntry{NodeID: node}
		if ts != nil {
			entry.Timestamp = ts.String()
		}
		entries = append(entries, entry)
	}

	if opts.Format == "json" {
		if entries == nil {
			entries = []WatermarkEntry{}
		}
		return newFormatter(opts, cmd).Success(entries)
	}

	w := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(w, "No watermarks.")
		return nil
	}
	for _, e := range entries {
		if e.Timestamp == "" {
			fmt.Fprintf(w, "%s: never synced\n", e.NodeID)
			continue
		}
		fmt.Fprintf(w, "%s: %s\n", e.NodeID, e.Timestamp)
	}
	return nil
}

func runWatermarkSet(opts *RootOptions, node, value string, cmd *cobra.Command) error {
	ts, err := snapshot.ParseTimestamp(value)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid timestamp", err)
	}
	if !watermark.ValidNodeID(node) {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid node id %q", node))
	}

	svc, st, err := openWatermarks(opts, cmd)
	if err != nil {
		return err
	}
	defer closeStore(st)
	ctx := commandContext(cmd)

	// Hold the peer lock so a running sync cycle cannot interleave.
	lock, err := svc.Lock(ctx, node)
	if err != nil {
		return WrapExitError(ExitCommandError, "peer is locked", err)
	}
	defer lock.Unlock()

	if err := svc.Set(ctx, node, ts); err != nil {
		if errors.Is(err, watermark.ErrRegression) {
			return WrapExitError(ExitFailure, "watermark not moved", err)
		}
		return WrapExitError(ExitCommandError, "failed to set watermark", err)
	}

	if opts.Format == "json" {
		return newFormatter(opts, cmd).Success(WatermarkEntry{NodeID: node, Timestamp: ts.String()})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ %s: %s\n", node, ts.String())
	return nil
}
