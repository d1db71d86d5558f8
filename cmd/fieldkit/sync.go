package main

import (
	"errors"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	fksync "github.com/hyperengineering/fieldkit/internal/sync"
)

var syncForce bool

var syncCmd = &cobra.Command{
	Use:   "sync [program/period/orgUnit[/aoc]]",
	Short: "Upload local drafts and refresh cached values",
	Long:  "Synchronize every instance with local changes, or a single instance when one is given. Offline syncs are queued for the server's drain worker.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSync,
}

func init() {
	syncCmd.Flags().BoolVar(&syncForce, "force", false,
		"Bypass the sync throttle")
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := openLocal(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	var res fksync.Result
	if len(args) == 1 {
		key, err := parseInstanceArg(args[0])
		if err != nil {
			return err
		}
		res, err = a.manager.StartSyncForInstance(ctx, key)
		if err != nil {
			return err
		}
	} else {
		res, err = a.manager.StartSync(ctx, syncForce)
		if err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return printJSON(out, res)
	}

	fmt.Fprintf(out, "Status:    %s\n", res.Status)
	fmt.Fprintf(out, "Instances: %d\n", res.Instances)
	fmt.Fprintf(out, "Uploaded:  %d\n", res.Uploaded)
	fmt.Fprintf(out, "Failed:    %d\n", res.Failed)
	if len(res.Errors) > 0 {
		keys := make([]string, 0, len(res.Errors))
		for k := range res.Errors {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		w := newTabWriter(out)
		fmt.Fprintln(w, "FIELD\tERROR")
		for _, k := range keys {
			fmt.Fprintf(w, "%s\t%s\n", k, res.Errors[k])
		}
		w.Flush()
	}
	if res.Status == fksync.StatusFailed {
		if err := a.manager.LastError(); err != nil {
			return fmt.Errorf("sync failed: %w", err)
		}
		return errors.New("sync failed")
	}
	return nil
}
