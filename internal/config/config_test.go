package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) *File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "foreman.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	f, err := Load(path)
	require.NoError(t, err)
	return f
}

func TestLoadGlobalDefaults(t *testing.T) {
	f := writeConfig(t, `
repos:
  acme/widgets:
    repo_path: /tmp/widgets
`)

	assert.Equal(t, DefaultGlobalWipLimit, f.WipLimits.MaxConcurrent)
	assert.NotEmpty(t, f.StateDir)
	assert.Equal(t, []string{"acme/widgets"}, f.List())
}

func TestLoadExplicitGlobalLimit(t *testing.T) {
	f := writeConfig(t, `
wip_limits:
  max_concurrent: 9
state_dir: /var/tmp/foreman-test
`)

	assert.Equal(t, 9, f.WipLimits.MaxConcurrent)
	assert.Equal(t, "/var/tmp/foreman-test", f.StateDir)
	assert.Equal(t, filepath.Join("/var/tmp/foreman-test", "wip.json"), f.WipStatePath())
}

func TestGetNoDefaulting(t *testing.T) {
	f := writeConfig(t, `
repos:
  acme/widgets:
    repo_path: /tmp/widgets
`)

	cfg, ok := f.Get("acme/widgets")
	require.True(t, ok)
	// Get is an exact lookup: absent fields stay zero.
	assert.Equal(t, 0, cfg.WipLimits.MaxConcurrent)
	assert.False(t, cfg.Readiness.Dependencies.CheckBodyReferences)

	_, ok = f.Get("nope/nothing")
	assert.False(t, ok)
}

func TestGetWithDefaultsFillsMissing(t *testing.T) {
	f := writeConfig(t, `
repos:
  acme/widgets:
    repo_path: /tmp/widgets
`)

	cfg := f.GetWithDefaults("acme/widgets")
	assert.Equal(t, "/tmp/widgets", cfg.RepoPath)
	assert.Equal(t, DefaultProjectWipLimit, cfg.WipLimits.MaxConcurrent)
	assert.Equal(t, DefaultAgeWeight, cfg.Readiness.Priority.AgeWeight)
	assert.True(t, cfg.Readiness.Dependencies.CheckBodyReferences)
	assert.Equal(t, 2, cfg.Readiness.Dependencies.MinCheckboxes)
	assert.Empty(t, cfg.Readiness.Labels.Exclude)
}

func TestGetWithDefaultsExplicitWinsPerKey(t *testing.T) {
	// age_weight is explicit but priority.labels is not: only the missing
	// sibling key must be filled in.
	f := writeConfig(t, `
repos:
  acme/widgets:
    repo_path: /tmp/widgets
    readiness:
      priority:
        age_weight: 4
      dependencies:
        check_body_references: false
`)

	cfg := f.GetWithDefaults("acme/widgets")
	assert.Equal(t, 4, cfg.Readiness.Priority.AgeWeight)
	assert.Empty(t, cfg.Readiness.Priority.Labels)
	assert.False(t, cfg.Readiness.Dependencies.CheckBodyReferences)
	assert.Equal(t, 2, cfg.Readiness.Dependencies.MinCheckboxes)
}

func TestGetWithDefaultsArraysReplaceWholesale(t *testing.T) {
	f := writeConfig(t, `
repos:
  acme/widgets:
    readiness:
      dependencies:
        blocking_labels: [blocked, waiting]
`)

	cfg := f.GetWithDefaults("acme/widgets")
	assert.Equal(t, []string{"blocked", "waiting"}, cfg.Readiness.Dependencies.BlockingLabels)
}

func TestFindByLocalPath(t *testing.T) {
	repoDir := t.TempDir()
	f := writeConfig(t, `
repos:
  acme/widgets:
    repo_path: `+repoDir+`
  acme/gadgets:
    repo_path: /does/not/exist
`)

	id, ok := f.FindByLocalPath(repoDir)
	require.True(t, ok)
	assert.Equal(t, "acme/widgets", id)

	// Relative spelling of the same location resolves identically.
	wd, err := os.Getwd()
	require.NoError(t, err)
	rel, err := filepath.Rel(wd, repoDir)
	require.NoError(t, err)
	id, ok = f.FindByLocalPath(rel)
	require.True(t, ok)
	assert.Equal(t, "acme/widgets", id)

	_, ok = f.FindByLocalPath(t.TempDir())
	assert.False(t, ok)
}

func TestFindByLocalPathThroughSymlink(t *testing.T) {
	repoDir := t.TempDir()
	link := filepath.Join(t.TempDir(), "link")
	require.NoError(t, os.Symlink(repoDir, link))

	f := writeConfig(t, `
repos:
  acme/widgets:
    repo_path: `+link+`
`)

	id, ok := f.FindByLocalPath(repoDir)
	require.True(t, ok)
	assert.Equal(t, "acme/widgets", id)
}

func TestDeepMergeDoesNotMutateDefaults(t *testing.T) {
	f := writeConfig(t, `
repos:
  acme/widgets:
    readiness:
      priority:
        age_weight: 7
`)

	_ = f.GetWithDefaults("acme/widgets")
	// A second resolve of a different project must still see the pristine
	// defaults.
	cfg := f.GetWithDefaults("acme/gadgets")
	assert.Equal(t, DefaultAgeWeight, cfg.Readiness.Priority.AgeWeight)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("repos: [not: a map"), 0644))
	_, err = Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), path)
}
