// Package plotprover adapts a plot file on disk into the fixed record
// the rest of the manager needs (size, modification time, and the
// keys embedded in the plot header). The header parser itself — the
// "prover" — is a black box supplied by the caller; this package never
// interprets plot bytes.
package plotprover

import (
	"fmt"
	"os"
	"time"

	"github.com/chia-network/go-plot-manager/pkg/plotkey"
)

// Prover exposes a plot's header metadata. A Prover owns a file
// descriptor until Close is called; the caller that keeps the longest
// reference (a cache entry, optionally shared with a live PlotInfo) is
// responsible for closing it.
type Prover interface {
	// Size returns the plot's "k" parameter.
	Size() uint8
	// Filename returns the path the header was read from.
	Filename() string
	FarmerPublicKey() plotkey.G1
	PoolPublicKey() (plotkey.G1, bool)
	PoolContractPuzzleHash() (plotkey.PuzzleHash, bool)
	PlotPublicKey() plotkey.G1
	// Marshal serializes enough of the header to let Adapter.Reload
	// reconstruct an equivalent Prover without reopening the plot file
	// (spec §6: "the prover blob must be reloadable ... without
	// reopening the plot").
	Marshal() ([]byte, error)
	Close() error
}

// Stat carries a plot file's filesystem metadata.
type Stat struct {
	Size    int64
	ModTime time.Time
}

// StatFile stats path without opening or parsing it. The batch
// processor uses this ahead of consulting the cache, since a cache hit
// never needs to touch the file at all beyond this cheap stat.
func StatFile(path string) (Stat, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return Stat{}, fmt.Errorf("plotprover: stat %s: %w", path, err)
	}
	return Stat{Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

// HeaderParser parses an already-open plot file's header into a
// Prover. On success it takes ownership of f (it must close f, usually
// from within the returned Prover's Close). On error the caller closes
// f itself.
type HeaderParser func(path string, f *os.File) (Prover, error)

// ProverUnmarshaler reconstructs a Prover purely from a blob produced
// by a prior Prover.Marshal call, without any filesystem access. It is
// what makes a persisted cache entry actually save the expensive parse
// on a hit.
type ProverUnmarshaler func(path string, blob []byte) (Prover, error)

// Adapter is the Prover Adapter component (spec §4.A). It either opens
// a file fresh and hands it to a HeaderParser, or reconstructs a
// Prover from a previously marshaled blob.
type Adapter struct {
	parse     HeaderParser
	unmarshal ProverUnmarshaler
}

// NewAdapter builds an Adapter around the given header parser and
// blob unmarshaler.
func NewAdapter(parse HeaderParser, unmarshal ProverUnmarshaler) *Adapter {
	return &Adapter{parse: parse, unmarshal: unmarshal}
}

// Open opens path, stats it, and parses its header from scratch. Any
// I/O or parse failure is returned as a single opaque error — callers
// only need to know that opening failed, not why (spec §4.A).
func (a *Adapter) Open(path string) (Stat, Prover, error) {
	f, err := os.Open(path)
	if err != nil {
		return Stat{}, nil, fmt.Errorf("plotprover: open %s: %w", path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return Stat{}, nil, fmt.Errorf("plotprover: stat %s: %w", path, err)
	}
	prover, err := a.parse(path, f)
	if err != nil {
		f.Close()
		return Stat{}, nil, fmt.Errorf("plotprover: parse header %s: %w", path, err)
	}
	return Stat{Size: fi.Size(), ModTime: fi.ModTime()}, prover, nil
}

// Reload reconstructs a Prover from a blob previously produced by
// Prover.Marshal, without touching the filesystem.
func (a *Adapter) Reload(path string, blob []byte) (Prover, error) {
	prover, err := a.unmarshal(path, blob)
	if err != nil {
		return nil, fmt.Errorf("plotprover: reload %s: %w", path, err)
	}
	return prover, nil
}
