// Package plotconfig loads the directory-root configuration the
// manager needs from the outside (spec §6: "consumed from the root via
// get_plot_filenames(root)"). It also carries the refresh tuning
// parameters (spec §3).
//
// The file is decoded with encoding/json straight into private structs
// for this module's own key set; unknown keys are ignored, and there
// are no nested $include/$env directives to expand.
package plotconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/chia-network/go-plot-manager/pkg/plotpath"
)

// RefreshParameter tunes the refresh loop (spec §3).
type RefreshParameter struct {
	IntervalSeconds     int64
	BatchSize           int
	RetryInvalidSeconds int64
	ExpirySeconds       int64
}

// DefaultRefreshParameter matches the values implied by spec.md §3/§8.
func DefaultRefreshParameter() RefreshParameter {
	return RefreshParameter{
		IntervalSeconds:     120,
		BatchSize:           64,
		RetryInvalidSeconds: 1200,
		ExpirySeconds:       int64((7 * 24 * time.Hour) / time.Second),
	}
}

// Directory is one configured plot directory.
type Directory struct {
	Path      string
	Recursive bool
}

// Root is the directory-config external collaborator named in spec
// §6. It is loaded from a small JSON document:
//
//	{
//	  "plot_directories": [
//	    {"path": "/data/plots", "recursive": true}
//	  ],
//	  "refresh": {
//	    "interval_seconds": 120,
//	    "batch_size": 64,
//	    "retry_invalid_seconds": 1200,
//	    "expiry_seconds": 604800
//	  }
//	}
type Root struct {
	Directories []Directory
	Refresh     RefreshParameter
}

type rawConfig struct {
	PlotDirectories []rawDirectory `json:"plot_directories"`
	Refresh         *rawRefresh    `json:"refresh"`
}

type rawDirectory struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive"`
}

type rawRefresh struct {
	IntervalSeconds     *int64 `json:"interval_seconds"`
	BatchSize           *int   `json:"batch_size"`
	RetryInvalidSeconds *int64 `json:"retry_invalid_seconds"`
	ExpirySeconds       *int64 `json:"expiry_seconds"`
}

// Load reads and validates a directory-config file at path. A missing
// "refresh" section falls back to DefaultRefreshParameter field by
// field.
func Load(path string) (*Root, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("plotconfig: read %s: %w", path, err)
	}
	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("plotconfig: parse %s: %w", path, err)
	}
	if len(raw.PlotDirectories) == 0 {
		return nil, fmt.Errorf("plotconfig: %s: at least one plot directory is required", path)
	}

	root := &Root{Refresh: DefaultRefreshParameter()}
	for _, d := range raw.PlotDirectories {
		if d.Path == "" {
			return nil, fmt.Errorf("plotconfig: %s: plot_directories entries need a non-empty path", path)
		}
		root.Directories = append(root.Directories, Directory{Path: d.Path, Recursive: d.Recursive})
	}
	if raw.Refresh != nil {
		if raw.Refresh.IntervalSeconds != nil {
			root.Refresh.IntervalSeconds = *raw.Refresh.IntervalSeconds
		}
		if raw.Refresh.BatchSize != nil {
			root.Refresh.BatchSize = *raw.Refresh.BatchSize
		}
		if raw.Refresh.RetryInvalidSeconds != nil {
			root.Refresh.RetryInvalidSeconds = *raw.Refresh.RetryInvalidSeconds
		}
		if raw.Refresh.ExpirySeconds != nil {
			root.Refresh.ExpirySeconds = *raw.Refresh.ExpirySeconds
		}
	}
	return root, nil
}

// GetPlotFilenames is the external collaborator named in spec §6:
// directory -> list of candidate plot paths found under it. It walks
// root.Directories via pkg/plotpath.
func GetPlotFilenames(root *Root, logger plotpath.Logger) map[string][]string {
	out := make(map[string][]string, len(root.Directories))
	for _, d := range root.Directories {
		dirs := map[string]bool{d.Path: d.Recursive}
		out[d.Path] = plotpath.Enumerate(dirs, logger)
	}
	return out
}
