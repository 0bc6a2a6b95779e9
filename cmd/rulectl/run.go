package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/liamcoop/rulesets/rules"
)

type runOptions struct {
	rulesFile string
	factsFile string
	costLimit uint64
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a rule file against facts",
		Long: `Deploy a rule file into an in-memory engine and execute it once.

Facts are a JSON object read from --facts, or from stdin when --facts is "-"
or omitted.

Examples:
  rulectl run --rules pricing.rules --facts order.json
  echo '{"amount": 60}' | rulectl run --rules pricing.rules -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var in io.Reader = cmd.InOrStdin()
			if opts.factsFile != "" && opts.factsFile != "-" {
				f, err := os.Open(opts.factsFile)
				if err != nil {
					return fmt.Errorf("failed to open facts: %w", err)
				}
				defer f.Close()
				in = f
			}
			return runRules(cmd.Context(), cmd.OutOrStdout(), in, opts, root.format)
		},
	}

	cmd.Flags().StringVarP(&opts.rulesFile, "rules", "r", "", "rule file to execute (required)")
	cmd.Flags().StringVarP(&opts.factsFile, "facts", "f", "", "JSON facts file, - for stdin")
	cmd.Flags().Uint64Var(&opts.costLimit, "cost-limit", rules.DefaultCostLimit, "CEL evaluation cost limit")
	_ = cmd.MarkFlagRequired("rules")
	return cmd
}

func runRules(ctx context.Context, w io.Writer, factsIn io.Reader, opts *runOptions, format string) error {
	data, err := os.ReadFile(opts.rulesFile)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", opts.rulesFile, err)
	}

	facts, err := rules.DecodeFacts(factsIn)
	if err != nil {
		return err
	}

	cfg := rules.DefaultConfig()
	cfg.CostLimit = opts.costLimit
	engine, err := rules.NewEngine(ctx, rules.NewInMemoryRegistry(), rules.NewInMemoryContentStore(), cfg)
	if err != nil {
		return err
	}

	deployed := engine.Deploy(ctx, string(data))
	if !deployed.Successful {
		for _, d := range deployed.ValidationErrors {
			if d.Severity == rules.SeverityError {
				fmt.Fprintf(w, "%s %s: line %d: %s\n", d.Severity, d.Code, d.Line, d.Message)
			}
		}
		return fmt.Errorf("%s: %s", opts.rulesFile, deployed.Message)
	}

	res, err := engine.Execute(ctx, deployed.ID, facts)
	if err != nil {
		return err
	}

	if format == formatJSON {
		return printJSON(w, res)
	}

	fmt.Fprintf(w, "fired: %s\n", strings.Join(res.Fired, ", "))
	keys := make([]string, 0, len(res.Outputs))
	for k := range res.Outputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s = %v\n", k, res.Outputs[k])
	}
	return nil
}
