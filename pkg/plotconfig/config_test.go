package plotconfig_test

import (
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/chia-network/go-plot-manager/pkg/plotconfig"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaultsRefresh(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"plot_directories":[{"path":"/data/plots","recursive":true}]}`)

	root, err := plotconfig.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(root.Directories) != 1 || root.Directories[0].Path != "/data/plots" || !root.Directories[0].Recursive {
		t.Fatalf("Directories = %+v, unexpected", root.Directories)
	}
	want := plotconfig.DefaultRefreshParameter()
	if root.Refresh != want {
		t.Fatalf("Refresh = %+v, want defaults %+v", root.Refresh, want)
	}
}

func TestLoadOverridesRefresh(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{
		"plot_directories":[{"path":"/data/plots"}],
		"refresh":{"interval_seconds":30,"batch_size":8}
	}`)

	root, err := plotconfig.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if root.Refresh.IntervalSeconds != 30 {
		t.Fatalf("IntervalSeconds = %d, want 30", root.Refresh.IntervalSeconds)
	}
	if root.Refresh.BatchSize != 8 {
		t.Fatalf("BatchSize = %d, want 8", root.Refresh.BatchSize)
	}
	defaults := plotconfig.DefaultRefreshParameter()
	if root.Refresh.RetryInvalidSeconds != defaults.RetryInvalidSeconds {
		t.Fatalf("RetryInvalidSeconds = %d, want unchanged default %d", root.Refresh.RetryInvalidSeconds, defaults.RetryInvalidSeconds)
	}
}

func TestLoadRequiresAtLeastOneDirectory(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `{"plot_directories":[]}`)
	if _, err := plotconfig.Load(path); err == nil {
		t.Fatal("expected an error for an empty plot_directories list")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := plotconfig.Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestGetPlotFilenames(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "a")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(sub, "plot.dat"), nil, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg := &plotconfig.Root{
		Directories: []plotconfig.Directory{{Path: sub, Recursive: false}},
		Refresh:     plotconfig.DefaultRefreshParameter(),
	}
	out := plotconfig.GetPlotFilenames(cfg, log.Default())
	if len(out[sub]) != 1 {
		t.Fatalf("GetPlotFilenames()[%s] = %v, want one entry", sub, out[sub])
	}
}
