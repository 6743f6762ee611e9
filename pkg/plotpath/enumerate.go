// Package plotpath implements the Path Enumerator component (spec
// §4.C): turning a set of configured root directories into a flat
// list of candidate plot paths, tolerating missing directories the
// way perkeep's localdisk enumerator tolerates an EOF on an empty
// queue directory (blobserver/localdisk/enumerate.go).
package plotpath

import (
	"log"
	"os"
	"path/filepath"
	"sort"
)

// Logger is the subset of *log.Logger the enumerator needs. Passing
// nil to Enumerate falls back to the standard logger, matching the
// rest of this module's ambient logging story.
type Logger interface {
	Printf(format string, v ...interface{})
}

// Enumerate walks dirs (each optionally recursive) and returns a
// sorted, deduplicated list of absolute candidate file paths. A root
// that is itself a symlink is resolved and walked; symlinks found below
// a root are not followed and are returned as candidate paths
// themselves. A directory that does not exist is logged and
// skipped, not treated as an error (spec §4.C, §7 EnumerationError).
func Enumerate(dirs map[string]bool, logger Logger) []string {
	if logger == nil {
		logger = log.Default()
	}
	seen := make(map[string]struct{})
	var out []string
	for dir, recursive := range dirs {
		paths, err := enumerateOne(dir, recursive)
		if err != nil {
			logger.Printf("plotpath: skipping %s: %v", dir, err)
			continue
		}
		for _, p := range paths {
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func enumerateOne(dir string, recursive bool) ([]string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, err
	}

	// filepath.Walk does not follow symlinks, not even for the root;
	// EvalSymlinks the root first so a root that is itself a symlink is
	// still walked.
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, err
	}

	var out []string
	walkFn := func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if path != resolved && !recursive {
				return filepath.SkipDir
			}
			return nil
		}
		out = append(out, path)
		return nil
	}

	if err := filepath.Walk(resolved, walkFn); err != nil {
		return nil, err
	}
	return out, nil
}
