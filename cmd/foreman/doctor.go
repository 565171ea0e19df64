package main

import (
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/mod/semver"

	"github.com/tkearney/foreman/internal/config"
)

// Minimum tool versions. tmux needs show-environment -t and the -F
// session format; git needs worktree support for downstream provisioners.
const (
	minTmuxVersion = "v2.6"
	minGitVersion  = "v2.20"
)

var versionPattern = regexp.MustCompile(`\d+(?:\.\d+)+[a-z]?`)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check foreman installation and environment health",
	Long: `Run health checks to diagnose common configuration and environment
issues.

This command checks for:
- Config file existence and validity
- State directory accessibility
- Stale state lock files
- Required tools (tmux, git, devcontainer) and their versions
- Tracker credentials
- Configured project paths

Exit codes:
  0 - All checks passed
  1 - One or more checks failed (but not critical)
  2 - Critical failures that prevent foreman from running`,
	Run: func(cmd *cobra.Command, args []string) {
		green := color.New(color.FgGreen).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		cyan := color.New(color.FgCyan).SprintFunc()

		fmt.Printf("Running foreman health checks...\n\n")

		var failures []string
		var warnings []string
		var criticalFailures []string

		// Check 1: Config file
		fmt.Printf("%s Config file\n", cyan("→"))
		file, err := config.Load(configPath)
		if err != nil {
			criticalFailures = append(criticalFailures, fmt.Sprintf("Cannot load config: %v", err))
			fmt.Printf("  %s Cannot load %s\n", red("✗"), configPath)
			if verbose {
				fmt.Printf("    Error: %v\n", err)
			}
		} else {
			fmt.Printf("  %s Loaded %s (%d project(s))\n", green("✓"), file.ID(), len(file.List()))
		}

		if file == nil {
			fmt.Printf("\n%s Critical failures prevent foreman from running\n", red("✗"))
			os.Exit(2)
		}

		// Check 2: State directory
		fmt.Printf("%s State directory\n", cyan("→"))
		if info, err := os.Stat(file.StateDir); err != nil {
			if os.IsNotExist(err) {
				fmt.Printf("  %s State directory does not exist (created on first poll)\n", green("✓"))
			} else {
				failures = append(failures, fmt.Sprintf("Cannot access state directory: %v", err))
				fmt.Printf("  %s Cannot access state directory\n", red("✗"))
			}
		} else if !info.IsDir() {
			criticalFailures = append(criticalFailures, fmt.Sprintf("%s exists but is not a directory", file.StateDir))
			fmt.Printf("  %s %s is not a directory\n", red("✗"), file.StateDir)
		} else {
			fmt.Printf("  %s State directory accessible: %s\n", green("✓"), file.StateDir)
		}

		// Check 3: Stale lock files
		fmt.Printf("%s State locks\n", cyan("→"))
		stale := 0
		for _, p := range []string{file.WipStatePath(), file.ProcessedStatePath()} {
			if _, err := os.Stat(p + ".lock"); err == nil {
				stale++
				if verbose {
					fmt.Printf("    lock file present: %s.lock\n", p)
				}
			}
		}
		if stale > 0 {
			// Advisory flocks release on process exit, so a lingering lock
			// file alone is harmless.
			fmt.Printf("  %s Found %d lock file(s); harmless unless a poll is wedged\n", green("✓"), stale)
		} else {
			fmt.Printf("  %s No lock files present\n", green("✓"))
		}

		// Check 4: tmux
		fmt.Printf("%s tmux\n", cyan("→"))
		if ver, err := toolVersion("tmux", "-V"); err != nil {
			failures = append(failures, fmt.Sprintf("tmux not usable: %v", err))
			fmt.Printf("  %s tmux not found\n", red("✗"))
			fmt.Printf("    Session reconciliation and cleanup will not work\n")
		} else if !versionAtLeast(ver, minTmuxVersion) {
			failures = append(failures, fmt.Sprintf("tmux %s is older than required %s", ver, minTmuxVersion))
			fmt.Printf("  %s tmux %s found, need %s or newer\n", red("✗"), strings.TrimPrefix(ver, "v"), strings.TrimPrefix(minTmuxVersion, "v"))
		} else {
			fmt.Printf("  %s tmux %s\n", green("✓"), strings.TrimPrefix(ver, "v"))
		}

		// Check 5: git
		fmt.Printf("%s git\n", cyan("→"))
		if ver, err := toolVersion("git", "--version"); err != nil {
			warnings = append(warnings, fmt.Sprintf("git not usable: %v", err))
			fmt.Printf("  %s git not found\n", yellow("⚠"))
		} else if !versionAtLeast(ver, minGitVersion) {
			warnings = append(warnings, fmt.Sprintf("git %s is older than recommended %s", ver, minGitVersion))
			fmt.Printf("  %s git %s found, recommend %s or newer\n", yellow("⚠"), strings.TrimPrefix(ver, "v"), strings.TrimPrefix(minGitVersion, "v"))
		} else {
			fmt.Printf("  %s git %s\n", green("✓"), strings.TrimPrefix(ver, "v"))
		}

		// Check 6: devcontainer CLI
		fmt.Printf("%s devcontainer CLI\n", cyan("→"))
		if ver, err := toolVersion("devcontainer", "--version"); err != nil {
			// Provisioning runs downstream of foreman, so absence is only
			// worth a warning.
			warnings = append(warnings, "devcontainer CLI not found (downstream provisioning will fail)")
			fmt.Printf("  %s devcontainer CLI not found\n", yellow("⚠"))
		} else {
			fmt.Printf("  %s devcontainer %s\n", green("✓"), strings.TrimPrefix(ver, "v"))
		}

		// Check 7: Tracker credentials
		fmt.Printf("%s Tracker credentials\n", cyan("→"))
		creds := credentialsFromEnv()
		needGitHub, needLinear := false, false
		for _, id := range file.List() {
			switch file.GetWithDefaults(id).IssueTracker.Source {
			case "linear":
				needLinear = true
			default:
				needGitHub = true
			}
		}
		if needGitHub {
			if creds.GitHubToken == "" {
				failures = append(failures, "GitHub token not set (FOREMAN_GITHUB_TOKEN or GITHUB_TOKEN)")
				fmt.Printf("  %s GitHub token not set\n", red("✗"))
			} else {
				fmt.Printf("  %s GitHub token is set\n", green("✓"))
			}
		}
		if needLinear {
			if creds.LinearAPIKey == "" {
				failures = append(failures, "LINEAR_API_KEY not set")
				fmt.Printf("  %s LINEAR_API_KEY not set\n", red("✗"))
			} else {
				fmt.Printf("  %s LINEAR_API_KEY is set\n", green("✓"))
			}
		}
		if !needGitHub && !needLinear {
			fmt.Printf("  %s No projects configured, nothing to check\n", green("✓"))
		}

		// Check 8: Project paths
		fmt.Printf("%s Project paths\n", cyan("→"))
		for _, id := range file.List() {
			cfg := file.GetWithDefaults(id)
			if cfg.RepoPath == "" {
				continue
			}
			if info, err := os.Stat(cfg.RepoPath); err != nil {
				warnings = append(warnings, fmt.Sprintf("%s: repo_path %s not accessible", id, cfg.RepoPath))
				fmt.Printf("  %s %s: %s not accessible\n", yellow("⚠"), id, cfg.RepoPath)
			} else if !info.IsDir() {
				warnings = append(warnings, fmt.Sprintf("%s: repo_path %s is not a directory", id, cfg.RepoPath))
				fmt.Printf("  %s %s: %s is not a directory\n", yellow("⚠"), id, cfg.RepoPath)
			} else {
				fmt.Printf("  %s %s: %s\n", green("✓"), id, cfg.RepoPath)
			}
		}
		if len(file.List()) == 0 {
			warnings = append(warnings, "No projects configured")
			fmt.Printf("  %s No projects configured\n", yellow("⚠"))
		}

		// Summary
		fmt.Printf("\n%s\n", strings.Repeat("─", 60))

		totalIssues := len(criticalFailures) + len(failures) + len(warnings)
		if totalIssues == 0 {
			fmt.Printf("%s All checks passed! foreman is ready to run.\n", green("✓"))
			os.Exit(0)
		}

		if len(criticalFailures) > 0 {
			fmt.Printf("\n%s Critical failures (%d):\n", red("✗"), len(criticalFailures))
			for _, failure := range criticalFailures {
				fmt.Printf("  • %s\n", failure)
			}
		}

		if len(failures) > 0 {
			fmt.Printf("\n%s Failures (%d):\n", red("✗"), len(failures))
			for _, failure := range failures {
				fmt.Printf("  • %s\n", failure)
			}
		}

		if len(warnings) > 0 {
			fmt.Printf("\n%s Warnings (%d):\n", yellow("⚠"), len(warnings))
			for _, warning := range warnings {
				fmt.Printf("  • %s\n", warning)
			}
		}

		if len(criticalFailures) > 0 {
			fmt.Printf("\n%s foreman cannot run until critical issues are resolved.\n", red("✗"))
			os.Exit(2)
		}

		if len(failures) > 0 {
			fmt.Printf("\n%s foreman may not work correctly. Please address the failures above.\n", yellow("⚠"))
			os.Exit(1)
		}

		fmt.Printf("\n%s foreman should work, but some warnings were detected.\n", green("✓"))
		os.Exit(0)
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

// toolVersion runs the tool's version command and extracts a canonical
// "vX.Y[.Z]" string from its output.
func toolVersion(name string, args ...string) (string, error) {
	out, err := exec.Command(name, args...).Output()
	if err != nil {
		return "", fmt.Errorf("failed to run %s: %w", name, err)
	}
	return parseToolVersion(string(out))
}

// parseToolVersion pulls the version number out of output like
// "tmux 3.4" or "git version 2.43.0". Trailing letter suffixes
// ("3.3a") are dropped.
func parseToolVersion(out string) (string, error) {
	m := versionPattern.FindString(out)
	if m == "" {
		return "", fmt.Errorf("no version number in %q", strings.TrimSpace(out))
	}
	m = strings.TrimRight(m, "abcdefghijklmnopqrstuvwxyz")
	v := "v" + m
	if !semver.IsValid(v) {
		return "", fmt.Errorf("unparseable version %q", m)
	}
	return v, nil
}

func versionAtLeast(have, want string) bool {
	return semver.Compare(have, want) >= 0
}
