package cli

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/agencysync/internal/identity"
)

// PolicyRow describes how one collection is merged.
type PolicyRow struct {
	Collection    string   `json:"collection"`
	Strategy      string   `json:"strategy"`
	Key           []string `json:"key"`
	Scope         string   `json:"scope"`
	Tier          int      `json:"tier"`
	Transactional bool     `json:"transactional"`
	DependsOn     []string `json:"depends_on"`
}

// NewPolicyCommand creates the policy command.
func NewPolicyCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy [policy.cue]",
		Short: "Show the identity policy table in merge order",
		Long: `Show how every collection is identified and in which order collections
are merged. With a file argument, the CUE policy document is validated
against the schema and its dependency graph is checked for cycles instead
of showing the built-in table.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			return runPolicy(rootOpts, path, cmd)
		},
	}

	return cmd
}

func runPolicy(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	table := identity.Default()
	if path != "" {
		data, err := readInput(cmd, path)
		if err != nil {
			return err
		}
		table, err = identity.Load(string(data))
		if err != nil {
			_ = formatter.Error(ErrCodeConfig, "invalid policy table", err.Error())
			return reported(WrapExitError(ExitFailure, "invalid policy table", err))
		}
		formatter.VerboseLog("Loaded policy table from %s", path)
	}

	var rows []PolicyRow
	for _, c := range table.Order() {
		p, _ := table.Policy(c)
		row := PolicyRow{
			Collection:    string(c),
			Strategy:      string(p.Strategy),
			Key:           p.Key,
			Scope:         string(p.Scope),
			Tier:          p.Tier,
			Transactional: p.Transactional,
			DependsOn:     []string{},
		}
		for _, dep := range p.DependsOn {
			row.DependsOn = append(row.DependsOn, string(dep))
		}
		rows = append(rows, row)
	}

	if opts.Format == "json" {
		return formatter.Success(rows)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tCOLLECTION\tSTRATEGY\tKEY\tSCOPE\tTX\tDEPENDS ON")
	for i, r := range rows {
		tx := "-"
		if r.Transactional {
			tx = "yes"
		}
		deps := strings.Join(r.DependsOn, ",")
		if deps == "" {
			deps = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			i+1, r.Collection, r.Strategy, strings.Join(r.Key, "+"), r.Scope, tx, deps)
	}
	return tw.Flush()
}
