package plotbatch_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/chia-network/go-plot-manager/pkg/plotbatch"
	"github.com/chia-network/go-plot-manager/pkg/plotcache"
	"github.com/chia-network/go-plot-manager/pkg/plotdedup"
	"github.com/chia-network/go-plot-manager/pkg/plotkey"
	"github.com/chia-network/go-plot-manager/pkg/plotprover/plotprovertest"
)

// harness bundles the manager-owned tables plotbatch.Deps closures over,
// standing in for the subset of pkg/plotmanager's Manager state the
// batch processor needs.
type harness struct {
	mu           sync.Mutex
	live         map[string]bool
	failedToOpen map[string]int64
	noKey        map[string]struct{}
	farmer       plotkey.List
	pool         plotkey.List
}

func newHarness() *harness {
	return &harness{
		live:         make(map[string]bool),
		failedToOpen: make(map[string]int64),
		noKey:        make(map[string]struct{}),
	}
}

func (h *harness) deps(reg *plotprovertest.Registry, cache *plotcache.Store, dedup *plotdedup.Index, cfg plotbatch.Config, now func() int64) *plotbatch.Deps {
	return &plotbatch.Deps{
		Adapter:    reg.Adapter(),
		Cache:      cache,
		Dedup:      dedup,
		Config:     cfg,
		Now:        now,
		Refreshing: func() bool { return true },
		IsLive: func(path string) bool {
			h.mu.Lock()
			defer h.mu.Unlock()
			return h.live[path]
		},
		FailedAt: func(path string) (int64, bool) {
			h.mu.Lock()
			defer h.mu.Unlock()
			at, ok := h.failedToOpen[path]
			return at, ok
		},
		MarkFailed: func(path string, at int64) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.failedToOpen[path] = at
		},
		ClearFailed: func(path string) {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.failedToOpen, path)
		},
		WasNoKey: func(path string) bool {
			h.mu.Lock()
			defer h.mu.Unlock()
			_, ok := h.noKey[path]
			return ok
		},
		AddNoKey: func(path string) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.noKey[path] = struct{}{}
		},
		RemoveNoKey: func(path string) {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.noKey, path)
		},
		FarmerAllowed: func(k plotkey.G1) bool {
			h.mu.Lock()
			defer h.mu.Unlock()
			return h.farmer.Contains(k)
		},
		PoolAllowed: func(k plotkey.G1) bool {
			h.mu.Lock()
			defer h.mu.Unlock()
			return h.pool.Contains(k)
		},
	}
}

func writePlot(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

var allowedFarmerKey = func() plotkey.G1 {
	var raw [48]byte
	raw[0] = 0xc0
	k, _ := plotkey.FromBytes(raw[:])
	return k
}()

func TestProcessAdmitsSinglePlot(t *testing.T) {
	dir := t.TempDir()
	path := writePlot(t, dir, "plot-k32.dat", 1024)

	reg := plotprovertest.NewRegistry()
	reg.Set(path, plotprovertest.Header{K: 1, FarmerPublicKey: allowedFarmerKey})

	h := newHarness()
	h.farmer = plotkey.NewList([]plotkey.G1{allowedFarmerKey})
	cache := plotcache.NewStore(filepath.Join(dir, "cache.dat"))
	dedup := plotdedup.New()
	deps := h.deps(reg, cache, dedup, plotbatch.Config{}, func() int64 { return 1000 })

	result := plotbatch.Process([]string{path}, deps)
	if len(result.Loaded) != 1 {
		t.Fatalf("Loaded = %v, want exactly one admitted plot", result.Loaded)
	}
	if result.Loaded[0].Path != path {
		t.Fatalf("Loaded[0].Path = %s, want %s", result.Loaded[0].Path, path)
	}
	if cache.Len() != 1 {
		t.Fatalf("cache.Len() = %d, want 1", cache.Len())
	}
}

func TestProcessSkipsFileLikelyCopying(t *testing.T) {
	dir := t.TempDir()
	// k=32's expected size is large; a tiny file should be treated as
	// still being copied in, not a failure.
	path := writePlot(t, dir, "plot-k32.dat", 10)

	reg := plotprovertest.NewRegistry()
	reg.Set(path, plotprovertest.Header{K: 32, FarmerPublicKey: allowedFarmerKey})

	h := newHarness()
	h.farmer = plotkey.NewList([]plotkey.G1{allowedFarmerKey})
	cache := plotcache.NewStore(filepath.Join(dir, "cache.dat"))
	dedup := plotdedup.New()
	deps := h.deps(reg, cache, dedup, plotbatch.Config{}, func() int64 { return 1000 })

	result := plotbatch.Process([]string{path}, deps)
	if len(result.Loaded) != 0 {
		t.Fatalf("Loaded = %v, want nothing admitted for a likely-copying file", result.Loaded)
	}
	if _, failed := h.failedToOpen[path]; failed {
		t.Fatal("a likely-copying file must not be recorded as a failed open")
	}
}

func TestProcessFailedOpenThrottlesRetry(t *testing.T) {
	dir := t.TempDir()
	path := writePlot(t, dir, "plot.dat", 64)

	reg := plotprovertest.NewRegistry()
	reg.Set(path, plotprovertest.Header{FailOpen: true})

	h := newHarness()
	cache := plotcache.NewStore(filepath.Join(dir, "cache.dat"))
	dedup := plotdedup.New()
	cfg := plotbatch.Config{RetryInvalidSeconds: 100}

	now := int64(1000)
	deps := h.deps(reg, cache, dedup, cfg, func() int64 { return now })
	plotbatch.Process([]string{path}, deps)
	if _, failed := h.failedToOpen[path]; !failed {
		t.Fatal("expected a failed-open record")
	}

	// immediate retry within the throttle window must be skipped by the
	// admission gate, so the path is never even attempted again.
	now = 1050
	result := plotbatch.Process([]string{path}, deps)
	if len(result.Loaded) != 0 || result.Processed != 0 {
		t.Fatalf("expected the admission gate to block a retry inside the window, got %+v", result)
	}

	// once the retry window elapses, the path is attempted again.
	now = 1101
	result = plotbatch.Process([]string{path}, deps)
	if result.Processed != 1 {
		t.Fatalf("expected a retry attempt once retry_invalid_seconds elapsed, got %+v", result)
	}
}

func TestProcessKeyNotAllowed(t *testing.T) {
	dir := t.TempDir()
	path := writePlot(t, dir, "plot.dat", 64)

	unknownKey := plotkey.G1{}
	reg := plotprovertest.NewRegistry()
	reg.Set(path, plotprovertest.Header{K: 1, FarmerPublicKey: unknownKey})

	h := newHarness()
	h.farmer = plotkey.NewList([]plotkey.G1{allowedFarmerKey}) // unknownKey not in it
	cache := plotcache.NewStore(filepath.Join(dir, "cache.dat"))
	dedup := plotdedup.New()
	deps := h.deps(reg, cache, dedup, plotbatch.Config{}, func() int64 { return 1000 })

	result := plotbatch.Process([]string{path}, deps)
	if len(result.Loaded) != 0 {
		t.Fatal("a plot whose farmer key is not allow-listed must not be admitted")
	}
	if _, noKey := h.noKey[path]; !noKey {
		t.Fatal("expected the path to be recorded in the no-key set")
	}
}

func TestProcessKeyNotAllowedButOpenNoKeyFilenames(t *testing.T) {
	dir := t.TempDir()
	path := writePlot(t, dir, "plot.dat", 64)

	unknownKey := plotkey.G1{}
	reg := plotprovertest.NewRegistry()
	reg.Set(path, plotprovertest.Header{K: 1, FarmerPublicKey: unknownKey})

	h := newHarness()
	h.farmer = plotkey.NewList([]plotkey.G1{allowedFarmerKey})
	cache := plotcache.NewStore(filepath.Join(dir, "cache.dat"))
	dedup := plotdedup.New()
	deps := h.deps(reg, cache, dedup, plotbatch.Config{OpenNoKeyFilenames: true}, func() int64 { return 1000 })

	result := plotbatch.Process([]string{path}, deps)
	if len(result.Loaded) != 1 {
		t.Fatal("OpenNoKeyFilenames should admit even an unlisted key")
	}
}

func TestProcessDuplicateBasenameSkipped(t *testing.T) {
	dir := t.TempDir()
	primaryDir := filepath.Join(dir, "a")
	dupDir := filepath.Join(dir, "b")
	os.MkdirAll(primaryDir, 0o755)
	os.MkdirAll(dupDir, 0o755)
	primary := writePlot(t, primaryDir, "plot.dat", 64)
	duplicate := writePlot(t, dupDir, "plot.dat", 64)

	reg := plotprovertest.NewRegistry()
	reg.Set(primary, plotprovertest.Header{K: 1, FarmerPublicKey: allowedFarmerKey})
	reg.Set(duplicate, plotprovertest.Header{K: 1, FarmerPublicKey: allowedFarmerKey})

	h := newHarness()
	h.farmer = plotkey.NewList([]plotkey.G1{allowedFarmerKey})
	cache := plotcache.NewStore(filepath.Join(dir, "cache.dat"))
	dedup := plotdedup.New()
	deps := h.deps(reg, cache, dedup, plotbatch.Config{}, func() int64 { return 1000 })

	result := plotbatch.Process([]string{primary, duplicate}, deps)
	if len(result.Loaded) != 1 {
		t.Fatalf("Loaded = %v, want exactly one admission", result.Loaded)
	}
	dups := dedup.ListDuplicates()
	if len(dups) != 1 {
		t.Fatalf("ListDuplicates() = %v, want exactly one duplicate", dups)
	}
	// whichever parent directory registered first wins; the other must
	// be the loser, and the two must not be the same path.
	if result.Loaded[0].Path == dups[0] {
		t.Fatalf("the admitted path and the duplicate must differ, both were %s", dups[0])
	}
}

func TestProcessMatchStrFilter(t *testing.T) {
	dir := t.TempDir()
	match := writePlot(t, dir, "keep-me.dat", 64)
	skip := writePlot(t, dir, "other.dat", 64)

	reg := plotprovertest.NewRegistry()
	reg.Set(match, plotprovertest.Header{K: 1, FarmerPublicKey: allowedFarmerKey})
	reg.Set(skip, plotprovertest.Header{K: 1, FarmerPublicKey: allowedFarmerKey})

	h := newHarness()
	h.farmer = plotkey.NewList([]plotkey.G1{allowedFarmerKey})
	cache := plotcache.NewStore(filepath.Join(dir, "cache.dat"))
	dedup := plotdedup.New()
	deps := h.deps(reg, cache, dedup, plotbatch.Config{MatchStr: "keep"}, func() int64 { return 1000 })

	result := plotbatch.Process([]string{match, skip}, deps)
	if len(result.Loaded) != 1 || result.Loaded[0].Path != match {
		t.Fatalf("Loaded = %v, want only %s", result.Loaded, match)
	}
}

func TestProcessCacheHitReusesBlobWithoutReopening(t *testing.T) {
	dir := t.TempDir()
	path := writePlot(t, dir, "plot.dat", 1024)

	reg := plotprovertest.NewRegistry()
	reg.Set(path, plotprovertest.Header{K: 1, FarmerPublicKey: allowedFarmerKey})

	h := newHarness()
	h.farmer = plotkey.NewList([]plotkey.G1{allowedFarmerKey})
	cache := plotcache.NewStore(filepath.Join(dir, "cache.dat"))
	dedup := plotdedup.New()
	deps := h.deps(reg, cache, dedup, plotbatch.Config{}, func() int64 { return 1000 })

	plotbatch.Process([]string{path}, deps)
	entry, ok := cache.Get(path)
	if !ok {
		t.Fatal("expected a cache entry after the first pass")
	}
	blob := entry.Blob

	// deregister the header so a fresh Open would fail; a cache hit
	// must still succeed via Reload.
	reg.Set(path, plotprovertest.Header{FailOpen: true})

	dedup2 := plotdedup.New() // fresh dedup index: path is "new" again to the gate
	h.live = map[string]bool{}
	deps2 := h.deps(reg, cache, dedup2, plotbatch.Config{}, func() int64 { return 2000 })
	result := plotbatch.Process([]string{path}, deps2)
	if len(result.Loaded) != 1 {
		t.Fatalf("expected the cache-hit path to still admit via blob reload, got %+v", result)
	}
	if entry.Blob == nil || len(entry.Blob) == 0 {
		t.Fatal("expected a non-empty blob on the cache entry")
	}
	_ = blob
}
