package handler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/geofleet/tileflow/internal/awsauth"
	"github.com/geofleet/tileflow/internal/detect"
	"github.com/geofleet/tileflow/internal/metrics"
	"github.com/geofleet/tileflow/internal/model"
	"github.com/geofleet/tileflow/internal/raster"
	"github.com/geofleet/tileflow/internal/tiling"
	"github.com/geofleet/tileflow/internal/worker"
)

// RegionFinalizer completes a region whose tiles are all terminal. The
// async results worker provides the canonical implementation; the region
// handler calls it after async submission in case every tile was already
// terminal (resume or creation failures).
type RegionFinalizer interface {
	FinalizeRegionIfComplete(ctx context.Context, imageID, regionID string) error
}

// RegionHooks lets deployments customize region execution without a
// parallel handler implementation: one pipeline, pluggable observation
// points injected at construction.
type RegionHooks interface {
	BeforeRegion(ctx context.Context, req *model.RegionRequest) error
	AfterRegion(ctx context.Context, req *model.RegionRequest, succeeded, failed int) error
}

// RegionHandlerConfig carries the tunables of region execution.
type RegionHandlerConfig struct {
	WorkersPerCPU         int
	SelfThrottling        bool
	MaxRegionsPerEndpoint int
	AsyncBucket           string
	AsyncPrefix           string
	TilePollerDelay       time.Duration
	// ExtensionFallback controls how hook failures are treated: when set,
	// the hook error is logged and processing continues; otherwise the
	// region fails with an extension-configuration error.
	ExtensionFallback bool
}

// RegionHandler executes a single region: bound a dataset window, encode
// tiles, dispatch them to the worker pool, and report terminal state.
type RegionHandler struct {
	cfg       RegionHandlerConfig
	regions   RegionRequests
	images    ImageRequests
	jobs      OutstandingJobs
	features  Features
	tiles     worker.TileIndex
	monitor   StatusEvents
	throttle  EndpointThrottle
	strategy  tiling.Strategy
	awsConfig aws.Config
	smRuntime detect.SageMakerRuntimeAPI
	objects   worker.ObjectStoreAPI
	poller    worker.DelayedSender
	resources *worker.ResourceManager
	finalizer RegionFinalizer
	hooks     RegionHooks
	sink      metrics.Sink
}

// WithHooks attaches optional region execution hooks.
func (h *RegionHandler) WithHooks(hooks RegionHooks) *RegionHandler {
	h.hooks = hooks
	return h
}

// runHook applies the extension failure policy to one hook invocation.
func (h *RegionHandler) runHook(name string, err error) error {
	if err == nil {
		return nil
	}
	if h.cfg.ExtensionFallback {
		slog.Warn("region hook failed, continuing without it", "hook", name, "error", err)
		return nil
	}
	return model.Errorf(model.KindExtensionConfig, "%s hook: %w", name, err)
}

// NewRegionHandler wires the region executor.
func NewRegionHandler(cfg RegionHandlerConfig, regions RegionRequests, images ImageRequests, jobs OutstandingJobs, features Features, tiles worker.TileIndex, monitor StatusEvents, throttle EndpointThrottle, strategy tiling.Strategy, awsConfig aws.Config, smRuntime detect.SageMakerRuntimeAPI, objects worker.ObjectStoreAPI, poller worker.DelayedSender, resources *worker.ResourceManager, finalizer RegionFinalizer, sink metrics.Sink) *RegionHandler {
	if sink == nil {
		sink = metrics.Nop{}
	}
	return &RegionHandler{
		cfg:       cfg,
		regions:   regions,
		images:    images,
		jobs:      jobs,
		features:  features,
		tiles:     tiles,
		monitor:   monitor,
		throttle:  throttle,
		strategy:  strategy,
		awsConfig: awsConfig,
		smRuntime: smRuntime,
		objects:   objects,
		poller:    poller,
		resources: resources,
		finalizer: finalizer,
		sink:      sink,
	}
}

// Process executes the region. The dataset may be pre-loaded by the image
// handler for the inline first region; otherwise it is opened here with the
// request's read role.
func (h *RegionHandler) Process(ctx context.Context, req *model.RegionRequest, ds *raster.Dataset) (Outcome, error) {
	logger := slog.With("image_id", req.ImageID, "region_id", req.RegionID)
	start := time.Now()

	if h.cfg.SelfThrottling && h.throttle != nil {
		inProgress, err := h.throttle.InProgressRegions(ctx, req.Endpoint.Name)
		if err != nil {
			return OutcomeRetry, model.Errorf(model.KindRetryableJob, "read endpoint statistics: %w", err)
		}
		if inProgress >= h.cfg.MaxRegionsPerEndpoint {
			logger.Info("endpoint at region capacity, deferring",
				"endpoint", req.Endpoint.Name, "in_progress", inProgress)
			return OutcomeThrottled, nil
		}
		if err := h.throttle.IncrementRegions(ctx, req.Endpoint.Name); err != nil {
			return OutcomeRetry, model.Errorf(model.KindRetryableJob, "claim endpoint region slot: %w", err)
		}
		defer func() {
			// Release the slot no matter how processing ended.
			if err := h.throttle.DecrementRegions(context.WithoutCancel(ctx), req.Endpoint.Name); err != nil {
				logger.Error("failed to release endpoint region slot", "error", err)
			}
		}()
	}

	if h.hooks != nil {
		if err := h.runHook("before-region", h.hooks.BeforeRegion(ctx, req)); err != nil {
			return h.failRegion(ctx, req, 0, 0, 0, err.Error())
		}
	}

	record, err := h.regions.StartRegionRequest(ctx, req)
	if err != nil {
		return OutcomeRetry, model.Errorf(model.KindRetryableJob, "start region request: %w", err)
	}

	if ds == nil {
		readCfg := awsauth.AssumeRole(h.awsConfig, req.ImageReadRole)
		env, err := awsauth.GDALCredentialEnv(ctx, readCfg)
		if err != nil {
			return h.failRegion(ctx, req, 0, 0, 0, fmt.Sprintf("resolve image credentials: %v", err))
		}
		ds, err = raster.OpenDatasetWithEnv(req.ImageURL, env)
		if err != nil {
			return h.failRegion(ctx, req, 0, 0, 0, fmt.Sprintf("load image: %v", err))
		}
		defer ds.Close()
	}

	allTiles := h.strategy.ComputeTiles(req.RegionBounds, req.TileSize, req.TileOverlap)
	total := len(allTiles)

	// A resumed region skips tiles that already succeeded.
	resumed := map[string]bool{}
	for _, tileID := range record.SucceededTiles {
		resumed[tileID] = true
	}
	pending := allTiles[:0]
	for _, tile := range allTiles {
		if !resumed[tile.ID()] {
			pending = append(pending, tile)
		}
	}

	tempDir, err := os.MkdirTemp("", "tileflow-region-")
	if err != nil {
		return h.failRegion(ctx, req, total, len(resumed), 0, fmt.Sprintf("create temp dir: %v", err))
	}
	asyncMode := req.Endpoint.Type == model.InvokeSMAsync
	if !asyncMode {
		// Async tiles are deleted by the submission worker as they are
		// uploaded; the synchronous path owns the whole directory.
		defer os.RemoveAll(tempDir)
	}

	factory := raster.NewTileFactory(ds, req.TileFormat, req.TileCompression, tempDir)
	tasks := make(chan worker.TileTask, len(pending))
	creationFailures := 0
	produced := 0
	tilingStart := time.Now()
	for _, tile := range pending {
		tilePath, err := factory.CreateTile(tile)
		if err != nil {
			creationFailures++
			logger.Error("tile creation failed", "tile", tile.ID(), "error", err)
			h.sink.Count(ctx, metrics.MetricErrors, 1, metrics.Dims{
				metrics.DimOperation: metrics.OpRegionProcess,
				metrics.DimErrorCode: "TileCreationFailure",
			})
			h.recordCreationFailure(ctx, req, tile, asyncMode)
			continue
		}
		tasks <- worker.TileTask{
			ImagePath:  tilePath,
			TileBounds: tile,
			ImageID:    req.ImageID,
			RegionID:   req.RegionID,
		}
		produced++
	}
	close(tasks)
	h.sink.Millis(ctx, metrics.MetricTilingLatency, time.Since(tilingStart), metrics.Dims{
		metrics.DimOperation: metrics.OpRegionProcess,
	})

	if asyncMode {
		// The results worker needs the total before it can finalize.
		if err := h.regions.SetTotalTiles(ctx, req.ImageID, req.RegionID, total); err != nil {
			return OutcomeRetry, model.Errorf(model.KindRetryableJob, "record region tile total: %w", err)
		}
	}

	pool := worker.NewPool(worker.PoolSize(h.cfg.WorkersPerCPU), h.processorFactory(req, ds, asyncMode))
	result, err := pool.Run(ctx, tasks)
	if err != nil {
		return h.failRegion(ctx, req, total, len(resumed), creationFailures,
			model.Errorf(model.KindSetupWorkers, "start tile workers: %v", err).Error())
	}
	logger.Info("region tile pass finished",
		"total", total, "submitted", produced, "succeeded", result.Succeeded,
		"failed", result.Failed, "creation_failures", creationFailures, "resumed", len(resumed))

	if asyncMode {
		// Tiles complete out of band; if everything was already terminal
		// (all creation failures, or a fully resumed region), finalize now.
		if h.finalizer != nil {
			if err := h.finalizer.FinalizeRegionIfComplete(ctx, req.ImageID, req.RegionID); err != nil {
				return OutcomeRetry, model.Errorf(model.KindRetryableJob, "finalize async region: %w", err)
			}
		}
		return OutcomeDone, nil
	}

	succeeded := len(resumed) + result.Succeeded
	failed := creationFailures + result.Failed
	if h.hooks != nil {
		if err := h.runHook("after-region", h.hooks.AfterRegion(ctx, req, succeeded, failed)); err != nil {
			return h.failRegion(ctx, req, total, succeeded, failed, err.Error())
		}
	}
	status := model.StatusSuccess
	message := ""
	if succeeded == 0 {
		status = model.StatusFailed
		message = "all tiles failed"
	}
	transitioned, err := h.regions.CompleteRegionRequest(ctx, req.ImageID, req.RegionID, total, succeeded, failed, status, message)
	if err != nil {
		return OutcomeRetry, model.Errorf(model.KindRetryableJob, "complete region request: %w", err)
	}
	if transitioned {
		if err := h.images.CompleteRegion(ctx, req.ImageID, status == model.StatusFailed, failed); err != nil {
			return OutcomeRetry, model.Errorf(model.KindRetryableJob, "record region on image: %w", err)
		}
		if err := h.jobs.CompleteRegion(ctx, req.Endpoint.Name, req.JobID, req.RegionID); err != nil {
			return OutcomeRetry, model.Errorf(model.KindRetryableJob, "record region on job: %w", err)
		}
		if err := h.monitor.RegionEvent(ctx, req.ImageID, req.RegionID, status, message); err != nil {
			logger.Error("failed to publish region event", "error", err)
		}
	}
	h.sink.Count(ctx, metrics.MetricRegionsProcessed, 1, metrics.Dims{metrics.DimOperation: metrics.OpRegionProcess})
	h.sink.Millis(ctx, metrics.MetricRegionLatency, time.Since(start), metrics.Dims{
		metrics.DimOperation: metrics.OpRegionProcess,
		metrics.DimModelName: req.Endpoint.Name,
	})
	return OutcomeDone, nil
}

// recordCreationFailure marks a tile that never reached the workers as
// failed, on both the region row and, for async regions, the tile table so
// completion counting sees it.
func (h *RegionHandler) recordCreationFailure(ctx context.Context, req *model.RegionRequest, tile model.Bounds, asyncMode bool) {
	if err := h.regions.AddTileResult(ctx, req.ImageID, req.RegionID, tile.ID(), false); err != nil {
		slog.Error("failed to record tile creation failure", "tile", tile.ID(), "error", err)
	}
	if asyncMode && h.tiles != nil {
		row := model.NewTileRequest(req.ImageID, req.RegionID, tile, "")
		if _, err := h.tiles.StartTileRequest(ctx, row); err != nil {
			slog.Error("failed to record failed tile request", "tile", tile.ID(), "error", err)
			return
		}
		if _, err := h.tiles.CompleteTileRequest(ctx, req.RegionID, tile.ID(), model.StatusFailed, "tile creation failed"); err != nil {
			slog.Error("failed to mark tile request failed", "tile", tile.ID(), "error", err)
		}
	}
}

// processorFactory builds the per-worker tile processor for the request's
// endpoint mode. Each worker gets an independent detector client.
func (h *RegionHandler) processorFactory(req *model.RegionRequest, ds *raster.Dataset, asyncMode bool) worker.ProcessorFactory {
	if asyncMode {
		return func() (worker.TileProcessor, error) {
			invoker := detect.NewAsyncInvoker(h.smRuntime, req.Endpoint.Name)
			return worker.NewAsyncProcessor(h.objects, h.cfg.AsyncBucket, h.cfg.AsyncPrefix,
				invoker, h.tiles, h.poller, h.cfg.TilePollerDelay, h.resources), nil
		}
	}
	return func() (worker.TileProcessor, error) {
		detector, err := detect.NewDetector(detect.Deps{SMRuntime: h.smRuntime}, req.Endpoint, req.TargetVariant())
		if err != nil {
			return nil, err
		}
		enricher := worker.NewEnricher(req.ImageID, ds.Metadata(req.ImageURL),
			req.Endpoint.Name, req.TargetVariant(), req.FeatureProperties)
		return worker.NewSyncProcessor(detector, h.features, h.regions, enricher, h.sink), nil
	}
}

// failRegion records a terminal failure for the whole region and mirrors it
// onto the image and job records.
func (h *RegionHandler) failRegion(ctx context.Context, req *model.RegionRequest, total, succeeded, failed int, message string) (Outcome, error) {
	slog.Error("region failed", "image_id", req.ImageID, "region_id", req.RegionID, "message", message)
	transitioned, err := h.regions.CompleteRegionRequest(ctx, req.ImageID, req.RegionID, total, succeeded, failed, model.StatusFailed, message)
	if err != nil {
		return OutcomeRetry, model.Errorf(model.KindRetryableJob, "record region failure: %w", err)
	}
	if transitioned {
		if err := h.images.CompleteRegion(ctx, req.ImageID, true, failed); err != nil {
			return OutcomeRetry, model.Errorf(model.KindRetryableJob, "record failed region on image: %w", err)
		}
		if err := h.jobs.CompleteRegion(ctx, req.Endpoint.Name, req.JobID, req.RegionID); err != nil {
			return OutcomeRetry, model.Errorf(model.KindRetryableJob, "record failed region on job: %w", err)
		}
		if err := h.monitor.RegionEvent(ctx, req.ImageID, req.RegionID, model.StatusFailed, message); err != nil {
			slog.Error("failed to publish region failure event", "error", err)
		}
	}
	return OutcomeDone, nil
}
