// Command plot-manager-demo wires a plotmanager.Manager up against a
// directory config file and logs every refresh-cycle event until
// interrupted. With -fake it skips real plot files entirely and drives
// the manager against an in-memory plotprovertest registry, which is
// useful for exercising the refresh loop without a farm on hand.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chia-network/go-plot-manager/pkg/plotconfig"
	"github.com/chia-network/go-plot-manager/pkg/plotmanager"
	"github.com/chia-network/go-plot-manager/pkg/plotprover"
	"github.com/chia-network/go-plot-manager/pkg/plotprover/plotprovertest"
)

func main() {
	configPath := flag.String("config", "plot_manager.json", "path to the directory config file")
	cachePath := flag.String("cache", "cache/plot_manager.dat", "path to the persistent cache file")
	fake := flag.Bool("fake", false, "use an in-memory fake prover instead of parsing real plot headers")
	flag.Parse()

	logger := log.New(os.Stdout, "plot-manager-demo: ", log.LstdFlags)

	root, err := plotconfig.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	var adapter *plotprover.Adapter
	if *fake {
		adapter = plotprovertest.NewRegistry().Adapter()
	} else {
		logger.Fatalf("no real plot header parser is wired in; rerun with -fake")
	}

	onEvent := func(event plotmanager.Event, result plotmanager.RefreshResult) {
		switch event {
		case plotmanager.Started:
			logger.Printf("cycle started, %d candidate remaining", result.Remaining)
		case plotmanager.BatchProcessed:
			logger.Printf("batch processed: %d loaded, %d processed, %d remaining, took %s",
				len(result.Loaded), result.Processed, result.Remaining, result.Duration)
		case plotmanager.Done:
			logger.Printf("cycle done: %d loaded total, %d removed", len(result.Loaded), len(result.Removed))
		}
	}

	mgr := plotmanager.NewFromConfig(root, *cachePath, onEvent, adapter, logger)
	mgr.StartRefreshing()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-sig:
			logger.Printf("stopping...")
			mgr.StopRefreshing()
			return
		case <-ticker.C:
			logger.Printf("plot_count=%d initial_refresh=%v duplicates=%d",
				mgr.PlotCount(), mgr.InitialRefresh(), len(mgr.GetDuplicates()))
		}
	}
}
