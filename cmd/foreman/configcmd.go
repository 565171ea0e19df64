package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configShowCmd = &cobra.Command{
	Use:   "show [project-id]",
	Short: "Show resolved configuration",
	Long: `Show configuration after default filling, as the poller sees it.
Without an argument, every configured project is shown.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		file := mustLoadConfig()

		ids := file.List()
		if len(args) == 1 {
			id := args[0]
			if _, ok := file.Get(id); !ok {
				fmt.Fprintf(os.Stderr, "Error: project %q is not configured\n", id)
				os.Exit(1)
			}
			ids = []string{id}
		}

		bold := color.New(color.Bold).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		fmt.Printf("%s %s\n", gray("config:"), file.ID())
		fmt.Printf("%s %s\n", gray("state: "), file.StateDir)
		fmt.Printf("%s %d\n", gray("global max concurrent:"), file.WipLimits.MaxConcurrent)

		for _, id := range ids {
			cfg := file.GetWithDefaults(id)
			data, err := yaml.Marshal(cfg)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("\n%s\n%s", bold(id+":"), indent(string(data)))
		}
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration inspection",
}

func indent(s string) string {
	var b strings.Builder
	for _, line := range strings.Split(strings.TrimRight(s, "\n"), "\n") {
		b.WriteString("  ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
