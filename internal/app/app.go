// Package app hosts the runner's main loop: a single-threaded poller that
// drives the region queue first, then the image scheduler, and dispatches
// work to the handlers. Multiple runner processes cooperate across a
// cluster purely through the shared queues and tables.
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/geofleet/tileflow/internal/handler"
	"github.com/geofleet/tileflow/internal/model"
	"github.com/geofleet/tileflow/internal/queue"
	"github.com/geofleet/tileflow/internal/scheduler"
	"github.com/geofleet/tileflow/internal/worker"
)

var (
	loopTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tileflow_main_loop_ticks_total",
		Help: "Main loop iterations.",
	})
	imagesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tileflow_images_started_total",
		Help: "Image requests admitted by the scheduler.",
	})
	regionsHandled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tileflow_regions_handled_total",
		Help: "Region requests pulled from the region queue.",
	})
	regionsThrottled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tileflow_regions_throttled_total",
		Help: "Region requests deferred because the endpoint was saturated.",
	})
	resultEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tileflow_async_result_events_total",
		Help: "Async result, failure and poller messages processed.",
	})
)

// App is the assembled runner.
type App struct {
	RegionQueue   *queue.WorkQueue
	ResultsQueue  *queue.WorkQueue
	Scheduler     *scheduler.LoadScheduler
	ImageHandler  *handler.ImageHandler
	RegionHandler *handler.RegionHandler
	Results       *worker.ResultsWorker
	Resources     *worker.ResourceManager
}

// Run drives the main loop until the context is cancelled.
func (a *App) Run(ctx context.Context) error {
	slog.Info("model runner started")
	if a.Resources != nil {
		a.Resources.Start(ctx)
		defer a.Resources.Stop(context.WithoutCancel(ctx))
	}
	for {
		select {
		case <-ctx.Done():
			slog.Info("model runner stopping")
			return nil
		default:
		}
		loopTicks.Inc()

		a.drainResults(ctx)

		if handled := a.pollRegions(ctx); handled {
			continue
		}
		a.pollImages(ctx)
	}
}

// drainResults processes any pending async result notifications without
// blocking the loop.
func (a *App) drainResults(ctx context.Context) {
	if a.ResultsQueue == nil || a.Results == nil {
		return
	}
	msgs, err := a.ResultsQueue.Receive(ctx, 10)
	if err != nil {
		slog.Error("failed to receive result events", "error", err)
		return
	}
	for _, msg := range msgs {
		resultEvents.Inc()
		if err := a.Results.HandleMessage(ctx, msg.Body); err != nil {
			if model.IsKind(err, model.KindInvalidRequest) {
				slog.Error("dropping unprocessable result event", "error", err)
				if finErr := a.ResultsQueue.Finish(ctx, msg); finErr != nil {
					slog.Error("failed to finish result event", "error", finErr)
				}
				continue
			}
			slog.Error("result event failed, releasing", "error", err)
			if relErr := a.ResultsQueue.Release(ctx, msg); relErr != nil {
				slog.Error("failed to release result event", "error", relErr)
			}
			continue
		}
		if err := a.ResultsQueue.Finish(ctx, msg); err != nil {
			slog.Error("failed to finish result event", "error", err)
		}
	}
}

// pollRegions checks the region queue for work. Regions take precedence
// over new images so the cluster finishes what it started before admitting
// more.
func (a *App) pollRegions(ctx context.Context) bool {
	msgs, err := a.RegionQueue.Receive(ctx, 1)
	if err != nil {
		slog.Error("failed to receive region requests", "error", err)
		return false
	}
	if len(msgs) == 0 {
		return false
	}
	msg := msgs[0]
	regionsHandled.Inc()

	req, err := model.ParseRegionRequest([]byte(msg.Body))
	if err != nil {
		slog.Error("invalid region request", "error", err)
		if dlErr := a.RegionQueue.DeadLetter(ctx, msg, err.Error()); dlErr != nil {
			slog.Error("failed to dead-letter region request", "error", dlErr)
		}
		return true
	}

	outcome, err := a.RegionHandler.Process(ctx, req, nil)
	a.disposeRegion(ctx, msg, outcome, err)
	return true
}

func (a *App) disposeRegion(ctx context.Context, msg queue.Message, outcome handler.Outcome, err error) {
	switch {
	case outcome == handler.OutcomeThrottled:
		regionsThrottled.Inc()
		if relErr := a.RegionQueue.Release(ctx, msg); relErr != nil {
			slog.Error("failed to release throttled region", "error", relErr)
		}
	case err != nil && model.IsKind(err, model.KindRetryableJob):
		slog.Warn("region hit transient failure, releasing", "error", err)
		if relErr := a.RegionQueue.Release(ctx, msg); relErr != nil {
			slog.Error("failed to release region", "error", relErr)
		}
	case err != nil:
		// Terminal failure already recorded against the region.
		slog.Error("region processing failed", "error", err)
		if finErr := a.RegionQueue.Finish(ctx, msg); finErr != nil {
			slog.Error("failed to finish failed region", "error", finErr)
		}
	default:
		if finErr := a.RegionQueue.Finish(ctx, msg); finErr != nil {
			slog.Error("failed to finish region", "error", finErr)
		}
	}
}

// pollImages asks the load scheduler for the next admissible image. The
// upstream message was consumed at intake; retries are driven entirely by
// the outstanding-jobs record.
func (a *App) pollImages(ctx context.Context) {
	job, err := a.Scheduler.GetNextScheduledRequest(ctx)
	if err != nil {
		slog.Error("image scheduling failed", "error", err)
		return
	}
	if job == nil || job.Request == nil {
		return
	}
	imagesStarted.Inc()
	slog.Info("processing image request", "job_id", job.JobID, "attempt", job.NumAttempts)

	if _, err := a.ImageHandler.Process(ctx, job.Request); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		// The attempt is already counted on the record; the buffered queue
		// reschedules it after the retry window or dead-letters it when the
		// budget runs out.
		slog.Error("image processing failed", "job_id", job.JobID, "error", err)
	}
}

// WaitForShutdown blocks until the context ends, for callers embedding the
// app in a larger process.
func (a *App) WaitForShutdown(ctx context.Context) {
	<-ctx.Done()
	time.Sleep(100 * time.Millisecond)
}
