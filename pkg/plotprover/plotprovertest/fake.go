// Package plotprovertest provides a fake plot header parser for tests
// and the demo command, so the manager can be exercised end to end
// without real plot files on disk.
package plotprovertest

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"
	"sync"

	"github.com/chia-network/go-plot-manager/pkg/plotkey"
	"github.com/chia-network/go-plot-manager/pkg/plotprover"
)

// Header is the fake header data a test registers for a given path.
type Header struct {
	K                      uint8
	FarmerPublicKey        plotkey.G1
	PoolPublicKey          plotkey.G1
	HasPoolPublicKey       bool
	PoolContractPuzzleHash plotkey.PuzzleHash
	HasPoolContractHash    bool
	PlotPublicKey          plotkey.G1
	FailOpen               bool
}

// Registry maps plot paths to fake headers and produces a
// plotprover.HeaderParser/ProverUnmarshaler pair bound to those
// headers. Tests register headers before the manager opens the
// corresponding path.
type Registry struct {
	mu      sync.Mutex
	headers map[string]Header
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{headers: make(map[string]Header)}
}

// Set registers the header that should be returned for path.
func (r *Registry) Set(path string, h Header) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.headers[path] = h
}

// Adapter returns a plotprover.Adapter backed by this registry, usable
// directly by tests in place of a real on-disk header parser.
func (r *Registry) Adapter() *plotprover.Adapter {
	return plotprover.NewAdapter(r.parse, r.unmarshal)
}

func (r *Registry) parse(path string, f *os.File) (plotprover.Prover, error) {
	r.mu.Lock()
	h, ok := r.headers[path]
	r.mu.Unlock()
	if !ok || h.FailOpen {
		f.Close()
		return nil, fmt.Errorf("plotprovertest: no fake header registered for %s", path)
	}
	return &fakeProver{path: path, h: h, f: f}, nil
}

func (r *Registry) unmarshal(path string, blob []byte) (plotprover.Prover, error) {
	var h Header
	if err := gob.NewDecoder(bytes.NewReader(blob)).Decode(&h); err != nil {
		return nil, fmt.Errorf("plotprovertest: decode blob for %s: %w", path, err)
	}
	return &fakeProver{path: path, h: h}, nil
}

type fakeProver struct {
	path string
	h    Header
	f    *os.File
}

func (p *fakeProver) Size() uint8                  { return p.h.K }
func (p *fakeProver) Filename() string              { return p.path }
func (p *fakeProver) FarmerPublicKey() plotkey.G1 { return p.h.FarmerPublicKey }

func (p *fakeProver) PoolPublicKey() (plotkey.G1, bool) {
	return p.h.PoolPublicKey, p.h.HasPoolPublicKey
}

func (p *fakeProver) PoolContractPuzzleHash() (plotkey.PuzzleHash, bool) {
	return p.h.PoolContractPuzzleHash, p.h.HasPoolContractHash
}

func (p *fakeProver) PlotPublicKey() plotkey.G1 { return p.h.PlotPublicKey }

func (p *fakeProver) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p.h); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (p *fakeProver) Close() error {
	if p.f == nil {
		return nil
	}
	err := p.f.Close()
	p.f = nil
	return err
}
