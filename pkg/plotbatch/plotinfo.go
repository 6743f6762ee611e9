package plotbatch

import (
	"time"

	"github.com/chia-network/go-plot-manager/pkg/plotkey"
	"github.com/chia-network/go-plot-manager/pkg/plotprover"
)

// PlotInfo describes one admitted live plot (spec §3).
type PlotInfo struct {
	Prover                 plotprover.Prover
	PoolPublicKey          plotkey.G1
	HasPoolPublicKey       bool
	PoolContractPuzzleHash plotkey.PuzzleHash
	HasPoolContractHash    bool
	PlotPublicKey          plotkey.G1
	Size                   int64
	ModTime                time.Time
}

// UIActualSpaceConstantFactor scales a plot's theoretical table size
// down to the actual bytes a finished plot occupies on disk; applied
// to ExpectedPlotSize before the "still being copied" size check
// (spec §4.E).
const UIActualSpaceConstantFactor = 0.762

// ExpectedPlotSize returns the expected size, in bytes, of a finished
// plot of the given k parameter.
func ExpectedPlotSize(k uint8) uint64 {
	if k == 0 {
		return 0
	}
	return uint64(2*uint32(k)+1) << (k - 1)
}
