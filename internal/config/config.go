// Package config loads the foreman configuration file and resolves
// per-project settings with layered defaults.
//
// One YAML file describes everything: global settings (state directory,
// global WIP limit) and a map of managed projects. The file is loaded once
// per invocation and the resulting File is passed explicitly into every
// component constructor; no package reads configuration from ambient
// globals.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Defaults applied where the file is silent.
const (
	DefaultGlobalWipLimit  = 5
	DefaultProjectWipLimit = 3
	DefaultAgeWeight       = 1

	defaultStateDirName = "foreman"
)

// defaultRepoYAML is the fixed default document merged under every
// per-project config. Explicit values always win; the merge is recursive
// per mapping node and wholesale per sequence.
const defaultRepoYAML = `
readiness:
  labels:
    exclude: []
  priority:
    labels: []
    age_weight: 1
  dependencies:
    check_body_references: true
    min_checkboxes: 2
    blocking_labels: []
wip_limits:
  max_concurrent: 3
`

// LabelWeight maps one priority label to its score weight.
type LabelWeight struct {
	Label  string `yaml:"label" json:"label"`
	Weight int    `yaml:"weight" json:"weight"`
}

// LabelRules configures label-based gating.
type LabelRules struct {
	Exclude []string `yaml:"exclude" json:"exclude"`
}

// PriorityRules configures priority scoring.
type PriorityRules struct {
	Labels    []LabelWeight `yaml:"labels" json:"labels"`
	AgeWeight int           `yaml:"age_weight" json:"age_weight"`
}

// DependencyRules configures dependency gating. MinCheckboxes is the number
// of checkbox lines at which a body is treated as a tracking issue; the
// default of 2 exempts lone reminder checkboxes.
type DependencyRules struct {
	CheckBodyReferences bool     `yaml:"check_body_references" json:"check_body_references"`
	MinCheckboxes       int      `yaml:"min_checkboxes" json:"min_checkboxes"`
	BlockingLabels      []string `yaml:"blocking_labels" json:"blocking_labels"`
}

// ReadinessConfig groups the gating and scoring rules for one project.
type ReadinessConfig struct {
	Labels       LabelRules      `yaml:"labels" json:"labels"`
	Priority     PriorityRules   `yaml:"priority" json:"priority"`
	Dependencies DependencyRules `yaml:"dependencies" json:"dependencies"`
}

// ReadyAction is the externally visible action performed when an item is
// selected (e.g. adding a label via the tracker API).
type ReadyAction struct {
	Type  string `yaml:"type" json:"type"`
	Label string `yaml:"label" json:"label"`
}

// TrackerConfig binds a project to its issue tracker.
type TrackerConfig struct {
	Source      string      `yaml:"source" json:"source"` // "github" or "linear"
	Repo        string      `yaml:"repo" json:"repo"`     // "owner/name" for GitHub
	TeamKey     string      `yaml:"team_key" json:"team_key"`
	Labels      []string    `yaml:"labels" json:"labels"` // fetch filter
	State       string      `yaml:"state" json:"state"`   // "open" unless set
	ReadyAction ReadyAction `yaml:"ready_action" json:"ready_action"`
}

// WipLimits caps concurrent sessions.
type WipLimits struct {
	MaxConcurrent int `yaml:"max_concurrent" json:"max_concurrent"`
}

// RepoConfig is the resolved configuration for one managed project.
type RepoConfig struct {
	RepoPath     string          `yaml:"repo_path" json:"repo_path"`
	IssueTracker TrackerConfig   `yaml:"issue_tracker" json:"issue_tracker"`
	Readiness    ReadinessConfig `yaml:"readiness" json:"readiness"`
	WipLimits    WipLimits       `yaml:"wip_limits" json:"wip_limits"`
}

// File is the loaded configuration. Per-project documents are kept in raw
// form so GetWithDefaults can distinguish absent fields from explicit
// zero values when merging.
type File struct {
	// StateDir holds the shared JSON state documents.
	StateDir string `yaml:"state_dir"`
	// WipLimits is the process-wide admission cap, independent of any
	// per-project limit.
	WipLimits WipLimits `yaml:"wip_limits"`

	path  string
	repos map[string]map[string]any
}

type fileDoc struct {
	StateDir  string                    `yaml:"state_dir"`
	WipLimits WipLimits                 `yaml:"wip_limits"`
	Repos     map[string]map[string]any `yaml:"repos"`
}

// Load reads and validates the configuration file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("malformed config %s: %w", path, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %s: %w", path, err)
	}

	f := &File{
		StateDir:  doc.StateDir,
		WipLimits: doc.WipLimits,
		path:      abs,
		repos:     doc.Repos,
	}
	if f.repos == nil {
		f.repos = map[string]map[string]any{}
	}
	if f.WipLimits.MaxConcurrent == 0 {
		f.WipLimits.MaxConcurrent = DefaultGlobalWipLimit
	}
	if f.StateDir == "" {
		f.StateDir = defaultStateDir()
	}
	f.StateDir = ExpandPath(f.StateDir)

	return f, nil
}

// ID returns the absolute config file path. It doubles as the poll-config
// discriminator stamped onto every session this instance creates.
func (f *File) ID() string {
	return f.path
}

// WipStatePath is the WIP-session document location.
func (f *File) WipStatePath() string {
	return filepath.Join(f.StateDir, "wip.json")
}

// ProcessedStatePath is the error/processed document location.
func (f *File) ProcessedStatePath() string {
	return filepath.Join(f.StateDir, "processed.json")
}

// Get returns the project's configuration exactly as written, with no
// default filling. The second return is false when the id is not
// configured.
func (f *File) Get(id string) (RepoConfig, bool) {
	raw, ok := f.repos[id]
	if !ok {
		return RepoConfig{}, false
	}
	cfg, err := decodeRepo(raw)
	if err != nil {
		return RepoConfig{}, false
	}
	return cfg, true
}

// GetWithDefaults returns the project's configuration with the fixed
// default document merged underneath. Explicit values win over defaults at
// every nesting level; missing nested keys are filled individually.
// Unknown ids resolve to pure defaults.
func (f *File) GetWithDefaults(id string) RepoConfig {
	merged := deepMerge(defaultRepoDoc(), f.repos[id])
	cfg, err := decodeRepo(merged)
	if err != nil {
		// The raw doc decoded at Load time; a merge of two valid mapping
		// trees cannot produce an undecodable one.
		return RepoConfig{}
	}
	cfg.RepoPath = ExpandPath(cfg.RepoPath)
	return cfg
}

// FindByLocalPath maps a filesystem location back to its project id by
// comparing canonicalized paths (symlinks resolved, ~ expanded). The second
// return is false when no configured project matches.
func (f *File) FindByLocalPath(path string) (string, bool) {
	want := canonicalPath(path)
	if want == "" {
		return "", false
	}
	for _, id := range f.List() {
		cfg, ok := f.Get(id)
		if !ok || cfg.RepoPath == "" {
			continue
		}
		if canonicalPath(cfg.RepoPath) == want {
			return id, true
		}
	}
	return "", false
}

// List returns all configured project ids, sorted for stable output.
func (f *File) List() []string {
	ids := make([]string, 0, len(f.repos))
	for id := range f.repos {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func decodeRepo(raw map[string]any) (RepoConfig, error) {
	// Round-trip through YAML so the same tags drive both file parsing and
	// merged-document decoding.
	data, err := yaml.Marshal(raw)
	if err != nil {
		return RepoConfig{}, err
	}
	var cfg RepoConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return RepoConfig{}, err
	}
	return cfg, nil
}

func defaultRepoDoc() map[string]any {
	var doc map[string]any
	// A constant string literal; cannot fail.
	_ = yaml.Unmarshal([]byte(defaultRepoYAML), &doc)
	return doc
}

// deepMerge overlays src onto dst. Mapping nodes merge recursively;
// sequences and scalars from src replace dst wholesale. dst is the defaults
// layer and is never mutated through the result's nested maps from src.
func deepMerge(dst, src map[string]any) map[string]any {
	out := make(map[string]any, len(dst)+len(src))
	for k, v := range dst {
		out[k] = v
	}
	for k, v := range src {
		srcMap, srcIsMap := v.(map[string]any)
		dstMap, dstIsMap := out[k].(map[string]any)
		if srcIsMap && dstIsMap {
			out[k] = deepMerge(dstMap, srcMap)
			continue
		}
		out[k] = v
	}
	return out
}

// ExpandPath resolves a leading ~ against the current user's home
// directory. All other paths pass through unchanged.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
	}
	return path
}

// canonicalPath expands, absolutizes and symlink-resolves a path for
// comparison. Nonexistent paths fall back to the cleaned absolute form so
// configs can be validated before clones exist.
func canonicalPath(path string) string {
	p := ExpandPath(path)
	abs, err := filepath.Abs(p)
	if err != nil {
		return ""
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return filepath.Clean(abs)
}

func defaultStateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, defaultStateDirName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), defaultStateDirName)
	}
	return filepath.Join(home, ".local", "state", defaultStateDirName)
}
