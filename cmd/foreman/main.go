// foreman decides which backlog items may start an isolated development
// session, subject to global and per-project concurrency limits, and keeps
// declared session state honest against the live tmux process list.
//
// Every subcommand is a short-lived invocation; correctness across
// concurrent invocations comes from the lock-guarded state documents, not
// from a daemon.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/tkearney/foreman/internal/config"
	"github.com/tkearney/foreman/internal/coordinator"
	"github.com/tkearney/foreman/internal/readiness"
	"github.com/tkearney/foreman/internal/retry"
	"github.com/tkearney/foreman/internal/session"
	"github.com/tkearney/foreman/internal/statestore"
	"github.com/tkearney/foreman/internal/tracker"
	"github.com/tkearney/foreman/internal/wip"
)

// tmuxSocket isolates foreman-managed sessions from the user's own tmux
// server.
const tmuxSocket = "foreman"

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "Backlog admission scheduler for isolated dev sessions",
	Long: `Foreman polls configured issue trackers, scores and filters candidate
items, and admits the best ones up to global and per-project WIP limits.
Selected items receive their configured ready-action (e.g. a label) so
downstream tooling can start an isolated session for them.

State is kept in lock-guarded JSON documents, so cron-triggered polls and
manual commands can run concurrently without a coordinating daemon.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath(), "path to the foreman config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func defaultConfigPath() string {
	if p := os.Getenv("FOREMAN_CONFIG"); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "foreman.yaml"
	}
	return filepath.Join(dir, "foreman", "foreman.yaml")
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// mustLoadConfig loads the config file or exits. Commands that cannot run
// without configuration call this first.
func mustLoadConfig() *config.File {
	file, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return file
}

func credentialsFromEnv() tracker.Credentials {
	token := os.Getenv("FOREMAN_GITHUB_TOKEN")
	if token == "" {
		token = os.Getenv("GITHUB_TOKEN")
	}
	return tracker.Credentials{
		GitHubToken:  token,
		LinearAPIKey: os.Getenv("LINEAR_API_KEY"),
	}
}

// components wires the full object graph for one invocation.
type components struct {
	file     *config.File
	policy   *retry.Policy
	wip      *wip.Tracker
	registry *session.Registry
	coord    *coordinator.Coordinator
	logger   *slog.Logger
}

func buildComponents() *components {
	file := mustLoadConfig()
	logger := newLogger()
	store := statestore.New(statestore.DefaultLockWait)
	policy := retry.NewPolicy(store, file.ProcessedStatePath())
	tr := wip.NewTracker(store, file.WipStatePath(), wip.ConfigLimits{File: file})
	registry := session.NewRegistry(session.ExecRunner{Socket: tmuxSocket}, file.ID(), policy, logger)

	creds := credentialsFromEnv()
	coord := &coordinator.Coordinator{
		File:   file,
		Wip:    tr,
		Policy: policy,
		Eval:   &readiness.Evaluator{},
		NewClient: func(cfg config.TrackerConfig) (tracker.Client, error) {
			return tracker.New(cfg, creds)
		},
		Logger: logger,
	}
	return &components{
		file:     file,
		policy:   policy,
		wip:      tr,
		registry: registry,
		coord:    coord,
		logger:   logger,
	}
}

func formatAge(t time.Time) string {
	return time.Since(t).Round(time.Second).String()
}
