package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <program/period/orgUnit[/aoc]>",
	Short: "Show the resolved value of every field of an instance",
	Args:  cobra.ExactArgs(1),
	RunE:  runResolve,
}

func runResolve(cmd *cobra.Command, args []string) error {
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

	fields, err := a.resolver.Resolve(ctx, key)
	if err != nil {
		return err
	}
	state := a.manager.State(ctx, key)

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, map[string]any{
			"instance":   key,
			"sync_state": state,
			"fields":     fields,
		})
	}

	fmt.Fprintf(out, "Instance:   %s\n", key)
	fmt.Fprintf(out, "Sync state: %s\n\n", state)

	w := newTabWriter(out)
	fmt.Fprintln(w, "FIELD\tVALUE\tSOURCE\tSYNCED")
	for _, f := range fields {
		synced := "yes"
		if f.NotSynced {
			synced = "no"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", f.Key.Ref(), displayValue(f.Value), f.Source, synced)
	}
	w.Flush()

	return nil
}
