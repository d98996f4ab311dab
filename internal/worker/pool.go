package worker

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/geofleet/tileflow/internal/model"
)

// TileTask describes one encoded tile handed to a worker.
type TileTask struct {
	ImagePath  string
	TileBounds model.Bounds
	ImageID    string
	RegionID   string
}

// TileProcessor handles one tile. Errors are tile failures; they never
// escape the pool.
type TileProcessor interface {
	ProcessTile(ctx context.Context, task TileTask) error
}

// ProcessorFactory builds one processor per worker, so each worker owns an
// independent detector client and store writer.
type ProcessorFactory func() (TileProcessor, error)

// PoolResult aggregates the outcome of one region's tile run.
type PoolResult struct {
	Processed int
	Succeeded int
	Failed    int
}

// Pool is a bounded set of tile workers draining a shared channel. Workers
// share no mutable state; results flow back through atomic counters.
type Pool struct {
	workers int
	factory ProcessorFactory
}

// PoolSize computes the worker count from the host CPU count.
func PoolSize(workersPerCPU int) int {
	if workersPerCPU <= 0 {
		workersPerCPU = 1
	}
	return runtime.NumCPU() * workersPerCPU
}

// NewPool creates a pool of the given size.
func NewPool(workers int, factory ProcessorFactory) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{workers: workers, factory: factory}
}

// Run drains the task channel with the pool's workers and blocks until
// every queued tile is terminal. The caller closes tasks when production is
// done. Worker construction failures abort the run.
func (p *Pool) Run(ctx context.Context, tasks <-chan TileTask) (PoolResult, error) {
	var succeeded, failed atomic.Int64
	var wg sync.WaitGroup

	processors := make([]TileProcessor, 0, p.workers)
	for i := 0; i < p.workers; i++ {
		proc, err := p.factory()
		if err != nil {
			return PoolResult{}, err
		}
		processors = append(processors, proc)
	}

	for i, proc := range processors {
		wg.Add(1)
		go func(workerID int, proc TileProcessor) {
			defer wg.Done()
			for task := range tasks {
				if err := proc.ProcessTile(ctx, task); err != nil {
					failed.Add(1)
					slog.Error("tile processing failed",
						"worker", workerID, "tile", task.TileBounds.ID(), "error", err)
					continue
				}
				succeeded.Add(1)
			}
		}(i, proc)
	}
	wg.Wait()

	result := PoolResult{
		Succeeded: int(succeeded.Load()),
		Failed:    int(failed.Load()),
	}
	result.Processed = result.Succeeded + result.Failed
	return result, nil
}
