// Package plotcache implements the Cache Store component (spec
// §4.B): a persistent path -> Entry map that lets the manager skip
// reparsing a plot's expensive header on every refresh cycle.
//
// Persistence follows perkeep's localdisk generation marker
// (blobserver/localdisk/generation.go): write the whole map to a
// temporary sibling file, then rename it over the target, so a reader
// never observes a partially written cache file.
package plotcache

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/snappy"

	"github.com/chia-network/go-plot-manager/pkg/plotkey"
	"github.com/chia-network/go-plot-manager/pkg/plotprover"
)

// magic identifies this module's cache file format; version allows the
// on-disk schema to change without a reader mistaking old bytes for
// new ones (spec §6: "magic/version prefix").
var magic = [4]byte{'P', 'L', 'T', 'C'}

const version = 1

// Entry is one cache record (spec §3 "Cache entry"). Prover is kept
// in memory only — it is never persisted. On a cache hit the caller
// (via plotprover.Adapter) builds a new handle and attaches it with
// SetProver, which closes any handle the entry already held.
type Entry struct {
	FarmerPublicKey        plotkey.G1
	PoolPublicKey          plotkey.G1
	HasPoolPublicKey       bool
	PoolContractPuzzleHash plotkey.PuzzleHash
	HasPoolContractHash    bool
	PlotPublicKey          plotkey.G1
	LastUse                int64 // unix seconds

	// Blob is the Prover's marshaled form (spec §6 prover_blob),
	// letting a cache hit reconstruct a Prover via
	// plotprover.Adapter.Reload instead of reopening the plot file.
	Blob []byte

	prover plotprover.Prover
}

// NewEntry builds an Entry from a freshly parsed Prover, taking
// ownership of the handle. If the Prover cannot be marshaled, the
// entry is still usable this cycle but a later cache hit will fall
// back to a full reopen.
func NewEntry(p plotprover.Prover, now int64) *Entry {
	e := &Entry{
		FarmerPublicKey: p.FarmerPublicKey(),
		PlotPublicKey:   p.PlotPublicKey(),
		LastUse:         now,
		prover:          p,
	}
	if pk, ok := p.PoolPublicKey(); ok {
		e.PoolPublicKey, e.HasPoolPublicKey = pk, true
	}
	if h, ok := p.PoolContractPuzzleHash(); ok {
		e.PoolContractPuzzleHash, e.HasPoolContractHash = h, true
	}
	if blob, err := p.Marshal(); err == nil {
		e.Blob = blob
	}
	return e
}

// Prover returns the currently held handle, or nil if none is open
// (e.g. this entry was just loaded from disk and not yet reopened).
func (e *Entry) Prover() plotprover.Prover { return e.prover }

// SetProver attaches an opened handle to the entry, closing any
// previously held one first.
func (e *Entry) SetProver(p plotprover.Prover) {
	if e.prover != nil && e.prover != p {
		e.prover.Close()
	}
	e.prover = p
}

// Close releases the entry's handle, if any.
func (e *Entry) Close() error {
	if e.prover == nil {
		return nil
	}
	err := e.prover.Close()
	e.prover = nil
	return err
}

// BumpLastUse marks the entry as used at now.
func (e *Entry) BumpLastUse(now int64) { e.LastUse = now }

// Expired reports whether the entry has been unused for longer than
// expirySeconds. The TTL is advisory (spec §4.B) — only the refresh
// loop's cache sweep consults it.
func (e *Entry) Expired(now, expirySeconds int64) bool {
	return now-e.LastUse > expirySeconds
}

// persisted is the on-disk shape of an Entry: identical fields, minus
// the unexported in-memory Prover handle, plus the path it belongs to
// (the live map is keyed by path, which gob would otherwise drop).
type persisted struct {
	Path                   string
	FarmerPublicKey        plotkey.G1
	PoolPublicKey          plotkey.G1
	HasPoolPublicKey       bool
	PoolContractPuzzleHash plotkey.PuzzleHash
	HasPoolContractHash    bool
	PlotPublicKey          plotkey.G1
	LastUse                int64
	Blob                   []byte
}

// Store is the Cache Store component. Every method takes Store's own
// mutex, so the map and dirty bit are safe for concurrent use. The
// manager does not hold its big lock around cache calls: batch workers
// call Get and Update concurrently, and the end-of-cycle sweep calls
// Items, Remove and Save.
type Store struct {
	path string

	mu      sync.Mutex
	entries map[string]*Entry
	dirty   bool
}

// NewStore returns a Store that will load from and save to path.
func NewStore(path string) *Store {
	return &Store{path: path, entries: make(map[string]*Entry)}
}

// Load reads the cache file. A missing or corrupt file is tolerated:
// the store simply starts empty (spec §7 CacheLoadFailed).
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]*Entry)
	s.dirty = false

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil // absent cache file: start empty
	}
	if len(raw) < 5 || raw[0] != magic[0] || raw[1] != magic[1] || raw[2] != magic[2] || raw[3] != magic[3] || raw[4] != version {
		return nil // unrecognized magic/version: start empty
	}
	plain, err := snappy.Decode(nil, raw[5:])
	if err != nil {
		return nil // corrupt snappy block: start empty
	}
	var list []persisted
	if err := gob.NewDecoder(bytes.NewReader(plain)).Decode(&list); err != nil {
		return nil // corrupt gob payload: start empty
	}
	for _, p := range list {
		s.entries[p.Path] = &Entry{
			FarmerPublicKey:        p.FarmerPublicKey,
			PoolPublicKey:          p.PoolPublicKey,
			HasPoolPublicKey:       p.HasPoolPublicKey,
			PoolContractPuzzleHash: p.PoolContractPuzzleHash,
			HasPoolContractHash:    p.HasPoolContractHash,
			PlotPublicKey:          p.PlotPublicKey,
			LastUse:                p.LastUse,
			Blob:                   p.Blob,
		}
	}
	return nil
}

// Save atomically persists the current map, via a temporary sibling
// file and a rename (spec §6 "atomic replace on save").
func (s *Store) Save() error {
	s.mu.Lock()
	list := make([]persisted, 0, len(s.entries))
	for path, e := range s.entries {
		list = append(list, persisted{
			Path:                   path,
			FarmerPublicKey:        e.FarmerPublicKey,
			PoolPublicKey:          e.PoolPublicKey,
			HasPoolPublicKey:       e.HasPoolPublicKey,
			PoolContractPuzzleHash: e.PoolContractPuzzleHash,
			HasPoolContractHash:    e.HasPoolContractHash,
			PlotPublicKey:          e.PlotPublicKey,
			LastUse:                e.LastUse,
			Blob:                   e.Blob,
		})
	}
	s.mu.Unlock()

	var plain bytes.Buffer
	if err := gob.NewEncoder(&plain).Encode(list); err != nil {
		return fmt.Errorf("plotcache: encode: %w", err)
	}
	compressed := snappy.Encode(nil, plain.Bytes())

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("plotcache: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".plot_manager.dat.tmp-*")
	if err != nil {
		return fmt.Errorf("plotcache: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(magic[:]); err != nil {
		tmp.Close()
		return fmt.Errorf("plotcache: write magic: %w", err)
	}
	if _, err := tmp.Write([]byte{version}); err != nil {
		tmp.Close()
		return fmt.Errorf("plotcache: write version: %w", err)
	}
	if _, err := tmp.Write(compressed); err != nil {
		tmp.Close()
		return fmt.Errorf("plotcache: write payload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("plotcache: close temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("plotcache: rename: %w", err)
	}

	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()
	return nil
}

// Get performs a pure lookup.
func (s *Store) Get(path string) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[path]
	return e, ok
}

// Update inserts or overwrites path's entry and marks the store dirty.
func (s *Store) Update(path string, e *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[path] = e
	s.dirty = true
}

// Remove bulk-deletes paths, marking the store dirty if anything was
// actually removed. Removed entries have their Prover handle closed.
func (s *Store) Remove(paths []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, path := range paths {
		e, ok := s.entries[path]
		if !ok {
			continue
		}
		e.Close()
		delete(s.entries, path)
		s.dirty = true
	}
}

// Items returns a snapshot of the current path -> Entry map.
func (s *Store) Items() map[string]*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*Entry, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out
}

// Changed reports the dirty bit.
func (s *Store) Changed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// Len reports the number of entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
