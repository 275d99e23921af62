package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/agencysync/internal/snapshot"
)

// VerifyResult describes a snapshot document.
type VerifyResult struct {
	Valid           bool                        `json:"valid"`
	Version         string                      `json:"version"`
	SnapshotID      string                      `json:"snapshot_id"`
	SourceNode      string                      `json:"source_node,omitempty"`
	SourceAgency    *int64                      `json:"source_agency"`
	CapturedAt      string                      `json:"captured_at"`
	Since           string                      `json:"since,omitempty"`
	IncludeAccounts bool                        `json:"include_accounts"`
	Rows            int                         `json:"rows"`
	Counts          map[snapshot.Collection]int `json:"counts"`
	Digest          string                      `json:"digest"`
	Problems        []string                    `json:"problems,omitempty"`
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <snapshot-file>",
		Short: "Check a snapshot without importing it",
		Long: `Decode a snapshot document and report its header, row counts, content
digest and every row that would be rejected on import.

The digest ignores layout: two documents with the same content have the same
digest however they were indented.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runVerify(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	data, err := readInput(cmd, path)
	if err != nil {
		return err
	}
	formatter.VerboseLog("Read %d byte(s) from %s", len(data), path)

	snap, err := snapshot.Decode(data)
	if err != nil {
		_ = formatter.Error(ErrCodeDecode, "snapshot cannot be decoded", err.Error())
		return reported(WrapExitError(ExitCommandError, "failed to decode snapshot", err))
	}
	digest, err := snapshot.Digest(data)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to digest snapshot", err)
	}

	result := VerifyResult{
		Valid:           len(snap.Problems) == 0,
		Version:         snap.Version,
		SnapshotID:      snap.SnapshotID,
		SourceNode:      snap.SourceNode,
		SourceAgency:    snap.SourceAgency,
		CapturedAt:      snap.CapturedAt.String(),
		IncludeAccounts: snap.IncludeAccounts,
		Rows:            snap.Len(),
		Counts:          snap.Counts(),
		Digest:          digest,
	}
	if snap.Since != nil {
		result.Since = snap.Since.String()
	}
	for _, p := range snap.Problems {
		result.Problems = append(result.Problems, p.Error())
	}

	if opts.Format == "json" {
		if err := formatter.Success(result); err != nil {
			return err
		}
	} else {
		outputVerifyText(cmd, result)
	}

	if !result.Valid {
		return reported(NewExitError(ExitFailure, fmt.Sprintf("%d row(s) would be rejected", len(result.Problems))))
	}
	return nil
}

func outputVerifyText(cmd *cobra.Command, result VerifyResult) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "snapshot %s (version %s)\n", result.SnapshotID, result.Version)
	if result.SourceNode != "" {
		fmt.Fprintf(w, "  source node:   %s\n", result.SourceNode)
	}
	if result.SourceAgency != nil {
		fmt.Fprintf(w, "  source agency: %d\n", *result.SourceAgency)
	}
	fmt.Fprintf(w, "  captured at:   %s\n", result.CapturedAt)
	if result.Since != "" {
		fmt.Fprintf(w, "  since:         %s\n", result.Since)
	}
	fmt.Fprintf(w, "  digest:        %s\n", result.Digest)

	names := make([]string, 0, len(result.Counts))
	for c := range result.Counts {
		names = append(names, string(c))
	}
	sort.Strings(names)
	for _, c := range names {
		fmt.Fprintf(w, "  %-20s %d\n", c, result.Counts[snapshot.Collection(c)])
	}

	if result.Valid {
		fmt.Fprintf(w, "✓ %d row(s), no problems\n", result.Rows)
		return
	}
	fmt.Fprintf(w, "✗ %d problem(s):\n", len(result.Problems))
	for _, p := range result.Problems {
		fmt.Fprintf(w, "  %s\n", p)
	}
}
