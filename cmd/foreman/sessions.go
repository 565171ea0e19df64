package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and clean up managed sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live managed sessions",
	Long: `List tmux sessions carrying this config's foreman metadata. Sessions
belonging to other foreman configs, or to the user, are not shown.`,
	Run: func(cmd *cobra.Command, args []string) {
		c := buildComponents()

		managed, err := c.registry.ListManagedSessions()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		gray := color.New(color.FgHiBlack).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()

		if len(managed) == 0 {
			fmt.Printf("%s\n", gray("No managed sessions"))
			return
		}
		for _, meta := range managed {
			marker := " "
			orphan, err := c.registry.IsOrphan(meta.Name)
			if err == nil && orphan {
				marker = red("!")
			}
			fmt.Printf("%s %s\n", marker, meta.Name)
			fmt.Printf("    item:      %s\n", orDash(meta.ItemKey))
			fmt.Printf("    workspace: %s\n", orDash(meta.Workspace))
			fmt.Printf("    branch:    %s\n", orDash(meta.Branch))
		}
	},
}

var sessionsKillCmd = &cobra.Command{
	Use:   "kill <session-name>",
	Short: "Kill a managed session and clear its item state",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		c := buildComponents()

		name := args[0]
		itemKey := sessionItemKey(c, name)
		if err := c.registry.Kill(name); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := c.wip.RemoveSession(itemKey); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to update WIP state: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Killed %s\n", color.GreenString("✓"), name)
	},
}

var sessionsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Kill orphaned sessions and drop stale WIP entries",
	Long: `Find managed sessions whose declared workspace no longer exists on
disk, kill them, and drop WIP entries whose sessions are gone.

Examples:
  foreman sessions cleanup            # reclaim orphans
  foreman sessions cleanup --dry-run  # preview only`,
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		c := buildComponents()

		if dryRun {
			fmt.Printf("%s\n", color.YellowString("DRY RUN MODE - nothing will be killed"))
			orphans, err := c.registry.ListOrphans()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			if len(orphans) == 0 {
				fmt.Println("No orphaned sessions")
				return
			}
			for _, meta := range orphans {
				fmt.Printf("Would kill %s (workspace %s)\n", meta.Name, orDash(meta.Workspace))
			}
			return
		}

		res, err := c.coord.Reconcile(c.registry)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		green := color.New(color.FgGreen).SprintFunc()
		for _, name := range res.KilledOrphans {
			fmt.Printf("%s Killed orphaned session %s\n", green("✓"), name)
		}
		for _, key := range res.DroppedKeys {
			fmt.Printf("%s Dropped stale WIP entry %s\n", green("✓"), key)
		}
		if len(res.KilledOrphans) == 0 && len(res.DroppedKeys) == 0 {
			fmt.Println("Nothing to clean up")
		}
	},
}

// sessionItemKey maps a session name to its tracked item key, falling back
// to the name itself when the session is already gone.
func sessionItemKey(c *components, name string) string {
	meta, err := c.registry.GetMetadata(name)
	if err != nil || meta.ItemKey == "" {
		return name
	}
	return meta.ItemKey
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	sessionsCleanupCmd.Flags().Bool("dry-run", false, "preview without killing anything")
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsKillCmd)
	sessionsCmd.AddCommand(sessionsCleanupCmd)
	rootCmd.AddCommand(sessionsCmd)
}
