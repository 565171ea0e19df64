package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show WIP counts against limits",
	Long:  `Display active session counts per project and globally, with limits.`,
	Run: func(cmd *cobra.Command, args []string) {
		c := buildComponents()

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		fmt.Printf("\n%s\n\n", cyan("=== Foreman Status ==="))

		total, err := c.wip.CountActive()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to read WIP state: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s %d/%d sessions\n\n", yellow("Global:"), total, c.file.WipLimits.MaxConcurrent)

		for _, id := range c.file.List() {
			cfg := c.file.GetWithDefaults(id)
			count, err := c.wip.CountForProject(id)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to count sessions for %s: %v\n", id, err)
				os.Exit(1)
			}
			slots, err := c.wip.AvailableSlots(id)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("  %s  %d/%d active, %d slot(s) free\n",
				id, count, cfg.WipLimits.MaxConcurrent, slots)

			sessions, err := c.wip.ListSessionsForProject(id)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			for key, s := range sessions {
				label := s.Priority
				if label == "" {
					label = "-"
				}
				fmt.Printf("    %s %s (%s, started %s ago)\n",
					gray("•"), key, label, formatAge(s.StartedAt))
			}
		}
		fmt.Println()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
