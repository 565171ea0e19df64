package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Run one poll cycle",
	Long: `Run one poll cycle: reconcile session state against the live tmux
server, then fetch candidates for every configured project, score and
filter them, and perform the ready-action for the top items that fit the
available WIP slots.

Intended to run from cron. Failures for individual items are reported but
never abort the rest of the cycle.

Examples:
  foreman poll
  foreman poll --skip-reconcile   # cycle only, no session reconciliation`,
	Run: func(cmd *cobra.Command, args []string) {
		skipReconcile, _ := cmd.Flags().GetBool("skip-reconcile")

		c := buildComponents()
		ctx := context.Background()

		if !skipReconcile {
			rec, err := c.coord.Reconcile(c.registry)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: reconciliation failed: %v\n", err)
				os.Exit(1)
			}
			for _, name := range rec.KilledOrphans {
				fmt.Printf("Killed orphaned session %s\n", name)
			}
			for _, key := range rec.DroppedKeys {
				fmt.Printf("Dropped stale WIP entry %s\n", key)
			}
		}

		res, err := c.coord.RunCycle(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: poll cycle failed: %v\n", err)
			os.Exit(1)
		}

		green := color.New(color.FgGreen).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		if len(res.Selected) == 0 {
			fmt.Printf("%s\n", gray("No items selected this cycle"))
		}
		for _, key := range res.Selected {
			fmt.Printf("%s %s\n", green("✓"), key)
		}
		for id, reason := range res.Skipped {
			fmt.Printf("%s %s: %s\n", gray("-"), id, reason)
		}
		for _, cycleErr := range res.Errors {
			fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("✗"), cycleErr)
		}
		if len(res.Errors) > 0 {
			os.Exit(1)
		}
	},
}

func init() {
	pollCmd.Flags().Bool("skip-reconcile", false, "skip session reconciliation before the cycle")
	rootCmd.AddCommand(pollCmd)
}
