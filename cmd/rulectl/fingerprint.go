package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/liamcoop/rulesets/rules"
)

func newFingerprintCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint FILE...",
		Short: "Print the rule set id of each file",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make(map[string]string, len(args))
			for _, file := range args {
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("failed to read %s: %w", file, err)
				}
				ids[file] = rules.FingerprintContent(string(data))
			}

			if root.format == formatJSON {
				return printJSON(cmd.OutOrStdout(), ids)
			}
			for _, file := range args {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", ids[file], file)
			}
			return nil
		},
	}
}
