package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate <program/period/orgUnit[/aoc]>",
	Short: "Evaluate the validation rules of an instance",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	key, err := parseInstanceArg(args[0])
	if err != nil {
		return err
	}

	a, err := openLocal(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	summary, err := a.validator.Validate(ctx, key)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, summary)
	}

	fmt.Fprintf(out, "Rules checked: %d\n", summary.TotalRulesChecked)
	fmt.Fprintf(out, "Passed:        %d\n", summary.PassedRules)
	fmt.Fprintf(out, "Errors:        %d\n", summary.ErrorCount)
	fmt.Fprintf(out, "Warnings:      %d\n", summary.WarningCount)
	fmt.Fprintf(out, "Can complete:  %t\n", summary.CanComplete)

	if len(summary.Issues) > 0 {
		fmt.Fprintln(out)
		w := newTabWriter(out)
		fmt.Fprintln(w, "SEVERITY\tRULE\tDESCRIPTION")
		for _, is := range summary.Issues {
			fmt.Fprintf(w, "%s\t%s\t%s\n", is.Severity, is.RuleID, is.Description)
		}
		w.Flush()
	}
	return nil
}
