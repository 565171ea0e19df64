package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var errorsCmd = &cobra.Command{
	Use:   "errors",
	Short: "Inspect and clear per-item error state",
}

var errorsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List items currently in error state",
	Run: func(cmd *cobra.Command, args []string) {
		c := buildComponents()

		errs, err := c.policy.ListErrors()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		gray := color.New(color.FgHiBlack).SprintFunc()
		if len(errs) == 0 {
			fmt.Printf("%s\n", gray("No items in error state"))
			return
		}

		keys := make([]string, 0, len(errs))
		for k := range errs {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		red := color.New(color.FgRed).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		now := time.Now()
		for _, key := range keys {
			state := errs[key]
			fmt.Printf("%s %s\n", red("✗"), key)
			fmt.Printf("    type:     %s\n", state.Type)
			fmt.Printf("    message:  %s\n", state.Message)
			if state.MaxAttempts > 0 {
				fmt.Printf("    attempts: %d/%d\n", state.Attempts, state.MaxAttempts)
			} else {
				fmt.Printf("    attempts: %d\n", state.Attempts)
			}
			switch {
			case !state.Type.Retryable():
				fmt.Printf("    retry:    %s\n", gray("never (permanent)"))
			case state.MaxAttempts > 0 && state.Attempts >= state.MaxAttempts:
				fmt.Printf("    retry:    %s\n", gray("never (attempts exhausted)"))
			case state.NextRetry.After(now):
				fmt.Printf("    retry:    %s\n", yellow("in "+state.NextRetry.Sub(now).Round(time.Second).String()))
			default:
				fmt.Printf("    retry:    next poll\n")
			}
		}
	},
}

var errorsClearCmd = &cobra.Command{
	Use:   "clear [item-key]",
	Short: "Clear error state so an item is retried immediately",
	Long: `Clear the recorded error for one item, or every errored item with
--all. Cleared items become eligible again on the next poll.

Examples:
  foreman errors clear myorg/api#142
  foreman errors clear --all`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		all, _ := cmd.Flags().GetBool("all")
		if all == (len(args) == 1) {
			fmt.Fprintf(os.Stderr, "Error: provide an item key or --all, not both\n")
			os.Exit(1)
		}

		c := buildComponents()
		green := color.New(color.FgGreen).SprintFunc()

		if all {
			errs, err := c.policy.ListErrors()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			for key := range errs {
				if err := c.policy.Clear(key); err != nil {
					fmt.Fprintf(os.Stderr, "Error: %v\n", err)
					os.Exit(1)
				}
			}
			fmt.Printf("%s Cleared %d error(s)\n", green("✓"), len(errs))
			return
		}

		key := args[0]
		if err := c.policy.Clear(key); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Cleared %s\n", green("✓"), key)
	},
}

func init() {
	errorsClearCmd.Flags().Bool("all", false, "clear every errored item")
	errorsCmd.AddCommand(errorsListCmd)
	errorsCmd.AddCommand(errorsClearCmd)
	rootCmd.AddCommand(errorsCmd)
}
