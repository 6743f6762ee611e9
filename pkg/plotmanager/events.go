package plotmanager

import (
	"time"

	"github.com/chia-network/go-plot-manager/pkg/plotbatch"
)

// Event is one of the three refresh-cycle lifecycle events a cycle can
// report (spec §4.F).
type Event int

const (
	// Started fires once per cycle, before any batch is processed.
	Started Event = iota
	// BatchProcessed fires once per batch within a cycle.
	BatchProcessed
	// Done fires once per cycle, on clean completion only (an aborted
	// cycle — stop_refreshing mid-batch, or a panic-equivalent error —
	// suppresses it).
	Done
)

func (e Event) String() string {
	switch e {
	case Started:
		return "started"
	case BatchProcessed:
		return "batch_processed"
	case Done:
		return "done"
	default:
		return "unknown"
	}
}

// RefreshResult is the refresh_result payload of spec §6, reported to
// the observer alongside each Event.
type RefreshResult struct {
	Loaded    []plotbatch.Loaded
	Removed   []string
	Processed int
	Remaining int
	Duration  time.Duration
}

// Callback is the observer signature (spec §6). It runs on the loop
// thread and must not block indefinitely; a panic inside it is caught
// by the refresh loop exactly like any other cycle error (spec §4.F,
// §7 ObserverCallbackError) and triggers Reset.
type Callback func(event Event, result RefreshResult)
