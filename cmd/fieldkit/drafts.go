package main

import (
	"bufio"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/fieldkit/internal/types"
)

var discardForce bool

var draftsCmd = &cobra.Command{
	Use:   "drafts",
	Short: "List values not yet confirmed by the server",
	Args:  cobra.NoArgs,
	RunE:  runDraftsList,
}

var draftsDiscardCmd = &cobra.Command{
	Use:   "discard <program/period/orgUnit[/aoc]>",
	Short: "Discard every local draft of an instance",
	Long:  "Permanently discard the unsynced edits of one instance. Requires --force or interactive confirmation.",
	Args:  cobra.ExactArgs(1),
	RunE:  runDraftsDiscard,
}

func init() {
	draftsDiscardCmd.Flags().BoolVar(&discardForce, "force", false,
		"Skip confirmation prompt")
	draftsCmd.AddCommand(draftsDiscardCmd)
}

func runDraftsList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := openLocal(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	instances, err := a.store.ListInstancesWithDrafts(ctx)
	if err != nil {
		return fmt.Errorf("list instances: %w", err)
	}

	var drafts []types.Draft
	for _, key := range instances {
		list, err := a.store.ListDraftsForInstance(ctx, key)
		if err != nil {
			return fmt.Errorf("list drafts for %s: %w", key, err)
		}
		drafts = append(drafts, list...)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, map[string]any{
			"drafts":    drafts,
			"instances": len(instances),
			"total":     len(drafts),
		})
	}

	if len(drafts) == 0 {
		fmt.Fprintln(out, "No local changes.")
		return nil
	}

	w := newTabWriter(out)
	fmt.Fprintln(w, "INSTANCE\tFIELD\tVALUE\tCOMMENT\tMODIFIED")
	for _, d := range drafts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			d.Key.Instance,
			d.Key.Ref(),
			displayValue(d.Value),
			displayValue(d.Comment),
			time.UnixMilli(d.LastModified).Format("2006-01-02 15:04"),
		)
	}
	w.Flush()

	return nil
}

func runDraftsDiscard(cmd *cobra.Command, args []string) error {
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

	n, err := a.store.CountDraftsForInstance(ctx, key)
	if err != nil {
		return err
	}
	if n == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No local changes for %s\n", key)
		return nil
	}

	if !discardForce {
		errOut := cmd.ErrOrStderr()
		fmt.Fprintf(errOut, "WARNING: This will discard %d unsynced value(s) of %s.\n", n, key)
		fmt.Fprint(errOut, "Type the org unit id to confirm: ")

		reader := bufio.NewReader(cmd.InOrStdin())
		input, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read confirmation: %w", err)
		}
		if strings.TrimSpace(input) != key.OrgUnitID {
			fmt.Fprintln(errOut, "Aborted. Org unit id did not match.")
			return nil
		}
	}

	if err := a.store.DeleteDraftsForInstance(ctx, key); err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"instance":  key,
			"discarded": n,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Discarded %d draft(s) of %s\n", n, key)
	return nil
}

func displayValue(s *string) string {
	switch {
	case s == nil:
		return "-"
	case *s == "":
		return "(cleared)"
	default:
		return *s
	}
}
