package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/liamcoop/rulesets/internal/logger"
)

var (
	// Version is the semantic version (set by build flags)
	Version = "0.1.0"
	// GitCommit is the git commit hash (set by build flags)
	GitCommit = "unknown"
)

const (
	formatText = "text"
	formatJSON = "json"
)

type rootOptions struct {
	format  string
	verbose bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "rulectl",
		Short: "Validate, fingerprint and execute rule files",
		Long: `rulectl compiles and runs rule files without a server.

Rule files use the rule set DSL:

  ruleset Pricing
  rule Discount when amount > 50 then discount = 10; tier = "gold"

Conditions and action values are CEL expressions over the supplied facts.`,
		Version:       fmt.Sprintf("%s (%s)", Version, GitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.format != formatText && opts.format != formatJSON {
				return fmt.Errorf("unsupported format %q (expected text or json)", opts.format)
			}
			// Engine logs share stdout with command output
			if opts.verbose {
				logger.SetLevel(logger.LevelDebug)
			} else {
				logger.SetLevel(logger.LevelError)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.format, "format", "o", formatText, "output format: text, json")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "verbose output")

	cmd.AddCommand(
		newValidateCmd(opts),
		newRunCmd(opts),
		newFingerprintCmd(opts),
	)
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
