package handler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/paulmach/orb/geojson"

	"github.com/geofleet/tileflow/internal/awsauth"
	"github.com/geofleet/tileflow/internal/metrics"
	"github.com/geofleet/tileflow/internal/model"
	"github.com/geofleet/tileflow/internal/raster"
	"github.com/geofleet/tileflow/internal/sink"
	"github.com/geofleet/tileflow/internal/tiling"
)

// VariantPicker fills in a target variant for requests that lack one.
type VariantPicker interface {
	SelectVariant(ctx context.Context, req *model.ImageRequest) *model.ImageRequest
}

// ImageHandlerConfig carries the tunables of image-level coordination.
type ImageHandlerConfig struct {
	RegionSize        int
	CompletePollEvery time.Duration
	CompleteTimeout   time.Duration
}

// ImageHandler is the top-level coordinator for one admitted image: it
// derives the region work, executes the first region inline, waits for the
// cluster to finish the rest, and aggregates the results into the output
// sinks.
type ImageHandler struct {
	cfg         ImageHandlerConfig
	images      ImageRequests
	jobs        OutstandingJobs
	features    Features
	monitor     StatusEvents
	regionQueue RegionQueue
	regions     *RegionHandler
	strategy    tiling.Strategy
	sinks       *sink.Factory
	variants    VariantPicker
	awsConfig   aws.Config
	sink        metrics.Sink
}

// NewImageHandler wires the image coordinator.
func NewImageHandler(cfg ImageHandlerConfig, images ImageRequests, jobs OutstandingJobs, features Features, monitor StatusEvents, regionQueue RegionQueue, regions *RegionHandler, strategy tiling.Strategy, sinks *sink.Factory, variants VariantPicker, awsConfig aws.Config, metricsSink metrics.Sink) *ImageHandler {
	if cfg.CompletePollEvery <= 0 {
		cfg.CompletePollEvery = 5 * time.Second
	}
	if cfg.CompleteTimeout <= 0 {
		cfg.CompleteTimeout = 15 * time.Minute
	}
	if metricsSink == nil {
		metricsSink = metrics.Nop{}
	}
	return &ImageHandler{
		cfg:         cfg,
		images:      images,
		jobs:        jobs,
		features:    features,
		monitor:     monitor,
		regionQueue: regionQueue,
		regions:     regions,
		strategy:    strategy,
		sinks:       sinks,
		variants:    variants,
		awsConfig:   awsConfig,
		sink:        metricsSink,
	}
}

// Process drives one admitted image request to a terminal state. A non-nil
// error means this attempt failed: the image row is marked failed and any
// retry comes from the outstanding-jobs record, since the upstream message
// was already deleted at intake. OutcomeDone with nil error means the image
// reached a terminal state (including recorded failures like an
// out-of-image ROI).
func (h *ImageHandler) Process(ctx context.Context, req *model.ImageRequest) (Outcome, error) {
	logger := slog.With("image_id", req.ImageID, "job_id", req.JobID)
	start := time.Now()

	if h.variants != nil && req.TargetVariant() == "" {
		h.variants.SelectVariant(ctx, req)
	}

	if _, err := h.images.StartImageRequest(ctx, req); err != nil {
		// No row exists yet; synthesize the failure event so the status
		// stream still terminates, then surface the error for retry.
		if evErr := h.monitor.ImageEvent(ctx, req.ImageID, req.JobID, model.StatusFailed,
			fmt.Sprintf("failed to persist image request: %v", err), 0); evErr != nil {
			logger.Error("failed to publish synthesized failure event", "error", evErr)
		}
		return OutcomeRetry, model.Errorf(model.KindRetryableJob, "start image request: %w", err)
	}
	if evErr := h.monitor.ImageEvent(ctx, req.ImageID, req.JobID, model.StatusStarted, "started processing", 0); evErr != nil {
		logger.Error("failed to publish started event", "error", evErr)
	}

	outcome, err := h.process(ctx, req, logger, start)
	if err != nil {
		// The row exists: record the failure, emit the terminal event, then
		// return the error to the main loop, which logs it.
		h.failImage(ctx, req, err.Error(), start)
		return outcome, err
	}
	return outcome, nil
}

func (h *ImageHandler) process(ctx context.Context, req *model.ImageRequest, logger *slog.Logger, start time.Time) (Outcome, error) {
	readCfg := awsauth.AssumeRole(h.awsConfig, req.ImageReadRole)
	env, err := awsauth.GDALCredentialEnv(ctx, readCfg)
	if err != nil {
		return OutcomeRetry, model.Errorf(model.KindRetryableJob, "resolve image credentials: %w", err)
	}
	ds, err := raster.OpenDatasetWithEnv(req.ImageURL, env)
	if err != nil {
		return OutcomeRetry, model.Errorf(model.KindLoadImage, "load image %s: %w", req.ImageURL, err)
	}
	defer ds.Close()

	bounds, intersects, err := raster.ComputeProcessingBounds(req.RegionOfInterest, ds)
	if err != nil {
		return OutcomeRetry, err
	}
	if !intersects {
		logger.Info("region of interest does not intersect image")
		h.terminate(ctx, req, model.StatusFailed, "ROI has no intersection with image", start)
		return OutcomeDone, nil
	}

	regionSize := model.Dimensions{Width: h.cfg.RegionSize, Height: h.cfg.RegionSize}
	regions := h.strategy.ComputeRegions(bounds, regionSize, req.TileSize, req.TileOverlap)
	if len(regions) == 0 {
		h.terminate(ctx, req, model.StatusFailed, "image produced no processable regions", start)
		return OutcomeDone, nil
	}
	logger.Info("image tiled into regions", "regions", len(regions), "bounds", bounds)

	if err := h.images.SetImageStats(ctx, req.ImageID, len(regions), ds.Width(), ds.Height()); err != nil {
		return OutcomeRetry, model.Errorf(model.KindRetryableJob, "record image stats: %w", err)
	}
	if err := h.jobs.UpdateRegionCount(ctx, req.Endpoint.Name, req.JobID, len(regions)); err != nil {
		return OutcomeRetry, model.Errorf(model.KindRetryableJob, "record job region count: %w", err)
	}

	// Queue every region except the first; this worker already has the
	// dataset open, so it runs the first region inline.
	for _, regionBounds := range regions[1:] {
		regionReq := model.NewRegionRequest(req, regionBounds)
		body, err := regionReq.Marshal()
		if err != nil {
			return OutcomeRetry, err
		}
		if err := h.regionQueue.Send(ctx, string(body)); err != nil {
			return OutcomeRetry, model.Errorf(model.KindRetryableJob, "queue region %s: %w", regionReq.RegionID, err)
		}
	}

	firstRegion := model.NewRegionRequest(req, regions[0])
	if outcome, err := h.regions.Process(ctx, firstRegion, ds); err != nil {
		return outcome, err
	} else if outcome == OutcomeThrottled {
		// The inline region could not be admitted; requeue it like the rest
		// and keep waiting for the cluster.
		body, mErr := firstRegion.Marshal()
		if mErr != nil {
			return OutcomeRetry, mErr
		}
		if sendErr := h.regionQueue.Send(ctx, string(body)); sendErr != nil {
			return OutcomeRetry, model.Errorf(model.KindRetryableJob, "requeue throttled region: %w", sendErr)
		}
	}

	if err := h.waitForCompletion(ctx, req.ImageID); err != nil {
		return OutcomeRetry, err
	}

	if err := h.aggregate(ctx, req, ds); err != nil {
		return OutcomeRetry, err
	}

	final, err := h.images.GetImageRequest(ctx, req.ImageID)
	if err != nil {
		return OutcomeRetry, model.Errorf(model.KindRetryableJob, "read final image state: %w", err)
	}
	status := model.StatusSuccess
	if final != nil {
		status = final.FinalStatus()
	}
	h.terminate(ctx, req, status, "processing complete", start)
	h.sink.Millis(ctx, metrics.MetricImageLatency, time.Since(start), metrics.Dims{
		metrics.DimOperation: metrics.OpImageProcess,
		metrics.DimModelName: req.Endpoint.Name,
	})
	return OutcomeDone, nil
}

// waitForCompletion polls the image row until every region is terminal,
// honoring shutdown and the configured ceiling.
func (h *ImageHandler) waitForCompletion(ctx context.Context, imageID string) error {
	deadline := time.Now().Add(h.cfg.CompleteTimeout)
	ticker := time.NewTicker(h.cfg.CompletePollEvery)
	defer ticker.Stop()
	for {
		complete, err := h.images.GetImageRequest(ctx, imageID)
		if err != nil {
			return model.Errorf(model.KindRetryableJob, "poll image completion: %w", err)
		}
		if complete != nil && complete.Complete() {
			return nil
		}
		if time.Now().After(deadline) {
			return model.Errorf(model.KindRetryableJob, "image %s did not complete within %s", imageID, h.cfg.CompleteTimeout)
		}
		select {
		case <-ctx.Done():
			return model.Errorf(model.KindRetryableJob, "shutdown while waiting for image %s: %w", imageID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// aggregate reads the image's features back, geolocates them, deduplicates
// across overlap seams, and writes the final collection to every sink.
func (h *ImageHandler) aggregate(ctx context.Context, req *model.ImageRequest, ds *raster.Dataset) error {
	features, err := h.features.GetAllFeatures(ctx, req.ImageID)
	if err != nil {
		return model.Errorf(model.KindAggregateFeatures, "read features for %s: %w", req.ImageID, err)
	}

	if step, ok := req.DistillationStep(); ok && step.Algorithm.AlgorithmType == model.AlgorithmNMS {
		bounds, _, _ := raster.ComputeProcessingBounds(req.RegionOfInterest, ds)
		regionSize := model.Dimensions{Width: h.cfg.RegionSize, Height: h.cfg.RegionSize}
		selector := tiling.NewNMSSelector(step.Algorithm.IouThreshold)
		features = h.strategy.CleanupDuplicateFeatures(bounds, regionSize, req.TileSize, req.TileOverlap, features, selector)
	}

	if sensor := ds.Sensor(); sensor != nil {
		raster.GeolocateFeatures(sensor, features)
	} else {
		slog.Warn("image has no geo transform, results are not geo-referenced", "image_url", req.ImageURL)
	}

	fc := geojson.NewFeatureCollection()
	fc.Features = features

	sinks, err := h.sinks.ForOutputs(req.Outputs)
	if err != nil {
		return err
	}
	for _, out := range sinks {
		if err := out.Write(ctx, req.ImageID, fc); err != nil {
			return model.Errorf(model.KindAggregateOutputs, "write features to %s: %w", out.Name(), err)
		}
		slog.Info("feature collection written", "sink", out.Name(), "features", len(fc.Features))
	}
	return nil
}

// terminate records the terminal status, publishes the final event and
// releases the outstanding-job record.
func (h *ImageHandler) terminate(ctx context.Context, req *model.ImageRequest, status model.RequestStatus, message string, start time.Time) {
	record, err := h.images.EndImageRequest(ctx, req.ImageID, status, message)
	if err != nil {
		slog.Error("failed to end image request", "image_id", req.ImageID, "error", err)
	}
	duration := int64(time.Since(start).Seconds())
	if record != nil && record.ProcessingDuration > 0 {
		duration = record.ProcessingDuration
	}
	if duration <= 0 {
		duration = 1
	}
	if err := h.monitor.ImageEvent(ctx, req.ImageID, req.JobID, status, message, duration); err != nil {
		slog.Error("failed to publish terminal image event", "image_id", req.ImageID, "error", err)
	}
	if err := h.jobs.RemoveRequest(ctx, req.Endpoint.Name, req.JobID); err != nil {
		slog.Error("failed to remove outstanding job", "job_id", req.JobID, "error", err)
	}
}

// failImage handles the post-row failure path: mark the row failed, publish
// the terminal event, leave the outstanding record for the retry machinery.
func (h *ImageHandler) failImage(ctx context.Context, req *model.ImageRequest, message string, start time.Time) {
	ctx = context.WithoutCancel(ctx)
	if _, err := h.images.EndImageRequest(ctx, req.ImageID, model.StatusFailed, message); err != nil {
		slog.Error("failed to record image failure", "image_id", req.ImageID, "error", err)
	}
	duration := int64(time.Since(start).Seconds())
	if duration <= 0 {
		duration = 1
	}
	if err := h.monitor.ImageEvent(ctx, req.ImageID, req.JobID, model.StatusFailed, message, duration); err != nil {
		slog.Error("failed to publish image failure event", "image_id", req.ImageID, "error", err)
	}
}
