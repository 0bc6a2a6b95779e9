package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/liamcoop/rulesets/rules"
)

// errInvalid is returned when at least one file fails validation
var errInvalid = errors.New("validation failed")

type fileReport struct {
	File   string                 `json:"file"`
	ID     string                 `json:"id"`
	Result rules.ValidationResult `json:"result"`
}

func newValidateCmd(root *rootOptions) *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "validate FILE...",
		Short: "Check rule files for errors",
		Long: `Compile rule files and report their diagnostics.

Exits non-zero if any file has an ERROR diagnostic, or any diagnostic at all
with --strict.

Examples:
  rulectl validate pricing.rules
  rulectl validate --strict -o json rules/*.rules`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			compiler, err := rules.NewCELCompiler()
			if err != nil {
				return err
			}
			return validateFiles(cmd.OutOrStdout(), compiler, args, root.format, strict)
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "treat warnings as errors")
	return cmd
}

func validateFiles(w io.Writer, compiler rules.Compiler, files []string, format string, strict bool) error {
	reports := make([]fileReport, 0, len(files))
	failed := false

	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", file, err)
		}
		content := string(data)

		vr := rules.Validate(compiler, content)
		if !vr.Valid || (strict && len(vr.Diagnostics) > 0) {
			failed = true
		}
		reports = append(reports, fileReport{
			File:   file,
			ID:     rules.FingerprintContent(content),
			Result: vr,
		})
	}

	if format == formatJSON {
		if err := printJSON(w, reports); err != nil {
			return err
		}
	} else {
		for _, r := range reports {
			printReport(w, r)
		}
	}

	if failed {
		return errInvalid
	}
	return nil
}

func printReport(w io.Writer, r fileReport) {
	status := "ok"
	if !r.Result.Valid {
		status = "invalid"
	}
	fmt.Fprintf(w, "%s: %s (%.2fms)\n", r.File, status, r.Result.ValidationTimeMs)

	for _, d := range r.Result.Diagnostics {
		location := ""
		if d.Line > 0 {
			location = fmt.Sprintf("line %d: ", d.Line)
		}
		if d.Rule != "" {
			location += fmt.Sprintf("rule %s: ", d.Rule)
		}
		fmt.Fprintf(w, "  %s %s: %s%s\n", d.Severity, d.Code, location, d.Message)
	}
}
