// Package plotbatch implements the Batch Processor component (spec
// §4.E): applying per-file admission to one batch of candidate paths,
// fanned out across a bounded worker pool.
//
// The fanout shape is lifted directly from perkeep's
// blobserver/localdisk/stat.go (StatBlobs): a buffered channel used as
// a semaphore, a slot acquired before each item's goroutine is started,
// and a result channel the caller drains until it is closed once every
// worker has finished.
package plotbatch

import (
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chia-network/go-plot-manager/pkg/plotcache"
	"github.com/chia-network/go-plot-manager/pkg/plotdedup"
	"github.com/chia-network/go-plot-manager/pkg/plotkey"
	"github.com/chia-network/go-plot-manager/pkg/plotprover"
)

// maxParallelOpens bounds how many plot files are opened and parsed
// concurrently within one batch, matching the spirit of localdisk's
// maxParallelStats.
const maxParallelOpens = 20

// Config mirrors the subset of spec §3's refresh parameters the batch
// processor needs.
type Config struct {
	MatchStr            string
	OpenNoKeyFilenames  bool
	RetryInvalidSeconds int64
}

// Deps are the manager-owned tables and policies the batch processor
// consults and mutates while processing a batch. Every function here
// is expected to acquire whatever lock the manager uses internally;
// none are held across the Prover I/O plotbatch performs (spec §5).
type Deps struct {
	Adapter *plotprover.Adapter
	Cache   *plotcache.Store
	Dedup   *plotdedup.Index
	Config  Config
	Now     func() int64

	Refreshing    func() bool
	IsLive        func(path string) bool
	FailedAt      func(path string) (int64, bool)
	MarkFailed    func(path string, at int64)
	ClearFailed   func(path string)
	WasNoKey      func(path string) bool
	AddNoKey      func(path string)
	RemoveNoKey   func(path string)
	FarmerAllowed func(plotkey.G1) bool
	PoolAllowed   func(plotkey.G1) bool

	Logger *log.Logger
}

func (d *Deps) logf(format string, v ...interface{}) {
	if d.Logger != nil {
		d.Logger.Printf(format, v...)
	}
}

// Loaded pairs an admitted path with its descriptor.
type Loaded struct {
	Path string
	Info *PlotInfo
}

// Result is one batch's outcome (spec §6 refresh_result, batch-scoped
// subset: loaded/processed/duration; remaining is filled in by the
// caller, which alone knows the cross-batch total).
type Result struct {
	Loaded    []Loaded
	Processed int
	Duration  time.Duration
}

// Process runs the admission gate over paths, fans the survivors out
// to a bounded worker pool, and returns every successfully admitted
// plot. It does not mutate any live-plots map itself — the caller
// merges Result.Loaded under its own lock (spec §4.E step 4).
func Process(paths []string, d *Deps) Result {
	start := time.Now()

	var toOpen []string
	for _, p := range paths {
		if admissionGate(p, d) {
			toOpen = append(toOpen, p)
		}
	}

	result := Result{Processed: len(toOpen)}
	if len(toOpen) == 0 {
		result.Duration = time.Since(start)
		return result
	}

	type outcome struct {
		path string
		info *PlotInfo
	}
	results := make(chan outcome, len(toOpen))
	gate := make(chan struct{}, maxParallelOpens)
	var wg sync.WaitGroup
	for _, p := range toOpen {
		p := p
		wg.Add(1)
		gate <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-gate }()
			info := processFile(p, d)
			results <- outcome{path: p, info: info}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	for o := range results {
		if o.info != nil {
			result.Loaded = append(result.Loaded, Loaded{Path: o.path, Info: o.info})
		}
	}
	result.Duration = time.Since(start)
	return result
}

// admissionGate is the pre-filter of spec §4.E step 1, applied before
// any file is opened.
func admissionGate(path string, d *Deps) bool {
	if !d.Refreshing() {
		return false
	}
	if d.Config.MatchStr != "" && !strings.Contains(filepath.Base(path), d.Config.MatchStr) {
		return false
	}
	if at, failed := d.FailedAt(path); failed && d.Now()-at < d.Config.RetryInvalidSeconds {
		return false
	}
	if d.IsLive(path) {
		return false
	}
	if d.Dedup.Peek(path) {
		return false
	}
	return true
}

// processFile runs the per-file admission steps of spec §4.E step 3.
//
// A cache hit reconstructs its Prover from the entry's stored blob
// (plotprover.Adapter.Reload) rather than reopening and reparsing the
// plot file — the whole point of persisting a prover_blob (spec §6).
// Only a cache miss, or a hit whose blob fails to reload, pays for a
// full plotprover.Adapter.Open.
func processFile(path string, d *Deps) *PlotInfo {
	now := d.Now()

	stat, err := plotprover.StatFile(path)
	if err != nil {
		d.MarkFailed(path, now)
		d.logf("plotbatch: failed to stat %s: %v", path, err)
		return nil
	}

	entry, cacheHit := d.Cache.Get(path)

	var prover plotprover.Prover
	if cacheHit && entry.Blob != nil {
		if p, err := d.Adapter.Reload(path, entry.Blob); err == nil {
			prover = p
		} else {
			cacheHit = false
		}
	}
	if prover == nil {
		openStat, p, err := d.Adapter.Open(path)
		if err != nil {
			d.MarkFailed(path, now)
			d.logf("plotbatch: failed to open %s: %v", path, err)
			return nil
		}
		stat, prover, cacheHit = openStat, p, false
	}

	expected := float64(ExpectedPlotSize(prover.Size())) * UIActualSpaceConstantFactor
	if prover.Size() >= 30 && float64(stat.Size) < 0.98*expected {
		d.logf("plotbatch: not farming %s, size %d bytes but expected at least %.0f bytes; assuming still being copied",
			path, stat.Size, expected)
		prover.Close()
		return nil
	}

	if !cacheHit {
		entry = plotcache.NewEntry(prover, now)
		d.Cache.Update(path, entry)
	} else {
		entry.SetProver(prover)
	}

	if !d.FarmerAllowed(entry.FarmerPublicKey) {
		d.logf("plotbatch: %s has a farmer public key not in the farmer allow-list", path)
		d.AddNoKey(path)
		if !d.Config.OpenNoKeyFilenames {
			return nil
		}
	}
	if entry.HasPoolPublicKey && !d.PoolAllowed(entry.PoolPublicKey) {
		d.logf("plotbatch: %s has a pool public key not in the pool allow-list", path)
		d.AddNoKey(path)
		if !d.Config.OpenNoKeyFilenames {
			return nil
		}
	}
	if d.WasNoKey(path) {
		d.RemoveNoKey(path)
	}

	if d.Dedup.Register(path) == plotdedup.Duplicate {
		d.logf("plotbatch: skipping duplicate plot %s", path)
		return nil
	}

	info := &PlotInfo{
		Prover:                 entry.Prover(),
		PoolPublicKey:          entry.PoolPublicKey,
		HasPoolPublicKey:       entry.HasPoolPublicKey,
		PoolContractPuzzleHash: entry.PoolContractPuzzleHash,
		HasPoolContractHash:    entry.HasPoolContractHash,
		PlotPublicKey:          entry.PlotPublicKey,
		Size:                   stat.Size,
		ModTime:                stat.ModTime,
	}
	entry.BumpLastUse(now)
	d.ClearFailed(path)
	d.logf("plotbatch: found plot %s of size %d, cache_hit=%v", path, prover.Size(), cacheHit)
	return info
}
