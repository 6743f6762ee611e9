// Package plotmanager implements the Refresh Loop and Manager Facade
// components (spec §4.F, §4.G): the top-level object a farmer process
// constructs once and polls/queries while a background goroutine keeps
// the live plot table in sync with the filesystem.
//
// The start/stop/running-flag/background-goroutine shape is lifted
// from perkeep's pkg/importer.Host (importer.go), which solves the
// same problem — a long-lived, externally triggerable background task
// a caller can start, stop, and query concurrently.
package plotmanager

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chia-network/go-plot-manager/pkg/plotbatch"
	"github.com/chia-network/go-plot-manager/pkg/plotcache"
	"github.com/chia-network/go-plot-manager/pkg/plotconfig"
	"github.com/chia-network/go-plot-manager/pkg/plotdedup"
	"github.com/chia-network/go-plot-manager/pkg/plotkey"
	"github.com/chia-network/go-plot-manager/pkg/plotpath"
	"github.com/chia-network/go-plot-manager/pkg/plotprover"
)

// PlotInfo is re-exported so callers don't need to import plotbatch
// just to read a query result.
type PlotInfo = plotbatch.PlotInfo

// DirectorySource is the external collaborator named in spec §6:
// directory -> candidate plot paths. NewFromConfig builds one from a
// *plotconfig.Root via plotconfig.GetPlotFilenames.
type DirectorySource func() (map[string][]string, error)

// Options configures a new Manager.
type Options struct {
	CachePath          string
	MatchStr           string
	OpenNoKeyFilenames bool
	RefreshParameter   plotconfig.RefreshParameter
	Adapter            *plotprover.Adapter
	Logger             *log.Logger

	// Now returns the current unix time. Defaults to time.Now().Unix().
	// Tests override it for deterministic TTL/backoff behavior.
	Now func() int64
}

// Manager is the Manager Facade (spec §4.G). It owns every table named
// in spec §3 and drives the Refresh Loop (spec §4.F) on a dedicated
// background goroutine.
type Manager struct {
	directories DirectorySource
	cache       *plotcache.Store
	dedup       *plotdedup.Index
	adapter     *plotprover.Adapter
	logger      *log.Logger
	now         func() int64

	matchStr           string
	openNoKeyFilenames bool
	refreshParameter   plotconfig.RefreshParameter

	// big lock: serializes plots, failedToOpen, noKey, and initial
	// (spec §5). Never held across Prover I/O.
	mu           sync.Mutex
	plots        map[string]*PlotInfo
	failedToOpen map[string]int64
	noKey        map[string]struct{}
	initial      bool

	keysMu     sync.RWMutex
	farmerKeys plotkey.List
	poolKeys   plotkey.List

	callbackMu sync.Mutex
	callback   Callback

	lastRefreshTime int64 // unix seconds, atomic

	runMu   sync.Mutex
	running bool
	enabled int32 // atomic bool
	doneCh  chan struct{}
}

// New constructs a Manager. It does not start refreshing.
func New(directories DirectorySource, callback Callback, opts Options) *Manager {
	if opts.Now == nil {
		opts.Now = func() int64 { return time.Now().Unix() }
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "plotmanager: ", log.LstdFlags)
	}
	if opts.CachePath == "" {
		opts.CachePath = filepath.Join("cache", "plot_manager.dat")
	}
	m := &Manager{
		directories:        directories,
		cache:              plotcache.NewStore(opts.CachePath),
		dedup:              plotdedup.New(),
		adapter:            opts.Adapter,
		logger:             opts.Logger,
		now:                opts.Now,
		matchStr:           opts.MatchStr,
		openNoKeyFilenames: opts.OpenNoKeyFilenames,
		refreshParameter:   opts.RefreshParameter,
		plots:              make(map[string]*PlotInfo),
		failedToOpen:       make(map[string]int64),
		noKey:              make(map[string]struct{}),
		initial:            true,
		callback:           callback,
	}
	return m
}

// NewFromConfig is a convenience constructor wiring a plotconfig.Root
// up as the DirectorySource (spec §6).
func NewFromConfig(root *plotconfig.Root, cachePath string, callback Callback, adapter *plotprover.Adapter, logger *log.Logger) *Manager {
	source := func() (map[string][]string, error) {
		return plotconfig.GetPlotFilenames(root, logger), nil
	}
	return New(source, callback, Options{
		CachePath:        cachePath,
		RefreshParameter: root.Refresh,
		Adapter:          adapter,
		Logger:           logger,
	})
}

// SetPublicKeys wholesale-replaces the farmer/pool allow-lists (spec
// §4.G). The next cycle checks the new lists against every plot that
// is not live, including those held back in the no-key set. Plots that
// are already live are not re-checked: the admission gate skips live
// paths, so removing a key from a list does not unload a plot that was
// admitted under it.
func (m *Manager) SetPublicKeys(farmer, pool []plotkey.G1) {
	m.keysMu.Lock()
	defer m.keysMu.Unlock()
	m.farmerKeys = plotkey.NewList(farmer)
	m.poolKeys = plotkey.NewList(pool)
}

func (m *Manager) farmerAllowed(k plotkey.G1) bool {
	m.keysMu.RLock()
	defer m.keysMu.RUnlock()
	return m.farmerKeys.Contains(k)
}

func (m *Manager) poolAllowed(k plotkey.G1) bool {
	m.keysMu.RLock()
	defer m.keysMu.RUnlock()
	return m.poolKeys.Contains(k)
}

// PublicKeysAvailable reports whether both allow-lists are non-empty.
func (m *Manager) PublicKeysAvailable() bool {
	m.keysMu.RLock()
	defer m.keysMu.RUnlock()
	return m.farmerKeys.Len() > 0 && m.poolKeys.Len() > 0
}

// SetRefreshCallback atomically swaps the observer.
func (m *Manager) SetRefreshCallback(cb Callback) {
	m.callbackMu.Lock()
	defer m.callbackMu.Unlock()
	m.callback = cb
}

func (m *Manager) emit(event Event, result RefreshResult) {
	m.callbackMu.Lock()
	cb := m.callback
	m.callbackMu.Unlock()
	if cb == nil {
		return
	}
	cb(event, result)
}

// PlotCount returns the number of currently live plots.
func (m *Manager) PlotCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.plots)
}

// InitialRefresh reports whether the first cycle since construction
// (or the last Reset) has not yet completed.
func (m *Manager) InitialRefresh() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initial
}

// GetDuplicates returns every known non-primary plot path.
func (m *Manager) GetDuplicates() []string {
	return m.dedup.ListDuplicates()
}

// NeedsRefresh reports whether more than interval_seconds have elapsed
// since the last cycle completed (or since the last Reset).
func (m *Manager) NeedsRefresh() bool {
	last := atomic.LoadInt64(&m.lastRefreshTime)
	return m.now()-last > m.refreshParameter.IntervalSeconds
}

// TriggerRefresh forces the next poll to start a cycle immediately.
func (m *Manager) TriggerRefresh() {
	atomic.StoreInt64(&m.lastRefreshTime, 0)
}

// Reset atomically empties every table the manager owns (spec §3,
// §4.G). Called explicitly, or by the refresh loop after any cycle
// error.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.plots = make(map[string]*PlotInfo)
	m.failedToOpen = make(map[string]int64)
	m.noKey = make(map[string]struct{})
	m.initial = true
	m.dedup.Reset()
	m.mu.Unlock()
	atomic.StoreInt64(&m.lastRefreshTime, m.now())
}

// StartRefreshing enables the refresh loop and spawns it if it is not
// already running; it loads the cache first (spec §4.G).
func (m *Manager) StartRefreshing() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	atomic.StoreInt32(&m.enabled, 1)
	if m.running {
		return
	}
	if err := m.cache.Load(); err != nil {
		m.logger.Printf("plotmanager: cache load failed, starting empty: %v", err)
	}
	m.running = true
	done := make(chan struct{})
	m.doneCh = done
	go func() {
		defer close(done)
		m.refreshLoop()
	}()
}

// StopRefreshing disables the loop and waits for the in-flight cycle
// (if any) to return; in-flight batches are never interrupted, but the
// loop checks the enabled flag between batches and aborts the cycle
// (spec §5).
func (m *Manager) StopRefreshing() {
	atomic.StoreInt32(&m.enabled, 0)
	m.runMu.Lock()
	done := m.doneCh
	m.runMu.Unlock()
	if done != nil {
		<-done
	}
	m.runMu.Lock()
	m.running = false
	m.doneCh = nil
	m.runMu.Unlock()
}

func (m *Manager) refreshingEnabled() bool {
	return atomic.LoadInt32(&m.enabled) != 0
}

func (m *Manager) refreshLoop() {
	for m.refreshingEnabled() {
		for !m.NeedsRefresh() && m.refreshingEnabled() {
			time.Sleep(time.Second)
		}
		if !m.refreshingEnabled() {
			return
		}
		m.runCycleGuarded()
	}
}

// runCycleGuarded wraps one cycle with the blanket error recovery the
// spec mandates: any panic or returned error is logged and turned into
// a Reset, never propagated out of the loop (spec §4.F, §7).
func (m *Manager) runCycleGuarded() {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Printf("plotmanager: refresh cycle panicked: %v\n%s", r, debug.Stack())
			m.Reset()
		}
	}()
	if err := m.runCycle(); err != nil {
		m.logger.Printf("plotmanager: refresh cycle failed: %v", err)
		m.Reset()
	}
}

func (m *Manager) runCycle() error {
	plotFilenames, err := m.directories()
	if err != nil {
		return fmt.Errorf("enumerate plot directories: %w", err)
	}
	var candidates []string
	for _, paths := range plotFilenames {
		candidates = append(candidates, paths...)
	}
	liveSet := plotdedup.NewLiveSet(candidates)
	total := len(candidates)

	m.emit(Started, RefreshResult{Remaining: total})

	m.pruneFailedAndNoKey(liveSet)
	removed := m.reconcile(liveSet)

	var totalLoaded []plotbatch.Loaded
	remaining := total
	batchSize := m.refreshParameter.BatchSize
	if batchSize <= 0 {
		batchSize = len(candidates)
		if batchSize == 0 {
			batchSize = 1
		}
	}
	for start := 0; start < len(candidates); start += batchSize {
		end := start + batchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		batch := candidates[start:end]

		result := plotbatch.Process(batch, m.batchDeps())
		remaining -= len(batch)
		if remaining < 0 {
			remaining = 0
		}

		m.mergeLoaded(result.Loaded)
		totalLoaded = append(totalLoaded, result.Loaded...)

		m.emit(BatchProcessed, RefreshResult{
			Loaded:    result.Loaded,
			Processed: result.Processed,
			Remaining: remaining,
			Duration:  result.Duration,
		})

		if !m.refreshingEnabled() {
			return nil // abort: suppress Done (spec §5)
		}
	}

	m.emit(Done, RefreshResult{Loaded: totalLoaded, Removed: removed})

	m.mu.Lock()
	m.initial = false
	m.mu.Unlock()

	m.sweepCache()
	atomic.StoreInt64(&m.lastRefreshTime, m.now())
	return nil
}

func (m *Manager) pruneFailedAndNoKey(live plotdedup.LiveSet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for path := range m.failedToOpen {
		if !live.Has(path) {
			delete(m.failedToOpen, path)
		}
	}
	for path := range m.noKey {
		if !live.Has(path) {
			delete(m.noKey, path)
		}
	}
}

// reconcile drops dedup entries (and their live plots) that no longer
// appear among the candidate paths (spec §4.F step 5). Big lock is
// held across the dedup call, matching the lock-ordering rule (big
// before dedup).
func (m *Manager) reconcile(live plotdedup.LiveSet) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	dropped := m.dedup.DropMissing(live)
	removed := make([]string, 0, len(dropped))
	for _, d := range dropped {
		removed = append(removed, d.Path)
		delete(m.plots, d.Path)
	}
	return removed
}

func (m *Manager) mergeLoaded(loaded []plotbatch.Loaded) {
	if len(loaded) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range loaded {
		m.plots[l.Path] = l.Info
	}
}

func (m *Manager) sweepCache() {
	now := m.now()
	var toRemove []string
	items := m.cache.Items()
	for path, entry := range items {
		m.mu.Lock()
		_, live := m.plots[path]
		m.mu.Unlock()
		if live {
			entry.BumpLastUse(now)
			continue
		}
		if entry.Expired(now, m.refreshParameter.ExpirySeconds) {
			toRemove = append(toRemove, path)
		}
	}
	if len(toRemove) > 0 {
		m.cache.Remove(toRemove)
	}
	if m.cache.Changed() {
		if err := m.cache.Save(); err != nil {
			m.logger.Printf("plotmanager: cache save failed, will retry next cycle: %v", err)
		}
	}
}

func (m *Manager) batchDeps() *plotbatch.Deps {
	return &plotbatch.Deps{
		Adapter: m.adapter,
		Cache:   m.cache,
		Dedup:   m.dedup,
		Config: plotbatch.Config{
			MatchStr:            m.matchStr,
			OpenNoKeyFilenames:  m.openNoKeyFilenames,
			RetryInvalidSeconds: m.refreshParameter.RetryInvalidSeconds,
		},
		Now:        m.now,
		Refreshing: m.refreshingEnabled,
		IsLive: func(path string) bool {
			m.mu.Lock()
			defer m.mu.Unlock()
			_, ok := m.plots[path]
			return ok
		},
		FailedAt: func(path string) (int64, bool) {
			m.mu.Lock()
			defer m.mu.Unlock()
			at, ok := m.failedToOpen[path]
			return at, ok
		},
		MarkFailed: func(path string, at int64) {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.failedToOpen[path] = at
		},
		ClearFailed: func(path string) {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.failedToOpen, path)
		},
		WasNoKey: func(path string) bool {
			m.mu.Lock()
			defer m.mu.Unlock()
			_, ok := m.noKey[path]
			return ok
		},
		AddNoKey: func(path string) {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.noKey[path] = struct{}{}
		},
		RemoveNoKey: func(path string) {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.noKey, path)
		},
		FarmerAllowed: m.farmerAllowed,
		PoolAllowed:   m.poolAllowed,
		Logger:        m.logger,
	}
}

// plotpath.Logger compatibility shim: *log.Logger already implements
// Printf(format string, v ...interface{}), so it satisfies
// plotpath.Logger directly; this var exists only to document that.
var _ plotpath.Logger = (*log.Logger)(nil)
