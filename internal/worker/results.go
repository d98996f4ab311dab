package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/geofleet/tileflow/internal/detect"
	"github.com/geofleet/tileflow/internal/metrics"
	"github.com/geofleet/tileflow/internal/model"
	"github.com/geofleet/tileflow/internal/raster"
	"github.com/geofleet/tileflow/internal/store"
)

// maxPollerTicks bounds how often the poller re-checks one tile before the
// tile is declared timed out.
const maxPollerTicks = 10

// lookup retry schedule for notifications that race the submission worker's
// row write: retry with backoff, then defer to the poller.
const (
	lookupRetries      = 3
	lookupInitialDelay = 250 * time.Millisecond
)

// RegionIndex is the slice of the region store the results worker uses.
type RegionIndex interface {
	GetRegionRequest(ctx context.Context, imageID, regionID string) (*store.RegionRecord, error)
	AddTileResult(ctx context.Context, imageID, regionID, tileID string, succeeded bool) error
	CompleteRegionRequest(ctx context.Context, imageID, regionID string, total, succeeded, failed int, status model.RequestStatus, message string) (bool, error)
}

// ImageProgress is the slice of the image store the results worker uses.
type ImageProgress interface {
	CompleteRegion(ctx context.Context, imageID string, failed bool, failedTiles int) error
}

// JobsProgress is the slice of the requested-jobs store the results worker
// uses.
type JobsProgress interface {
	CompleteRegion(ctx context.Context, endpointID, jobID, regionID string) error
}

// RegionEventPublisher publishes region lifecycle events.
type RegionEventPublisher interface {
	RegionEvent(ctx context.Context, imageID, regionID string, status model.RequestStatus, message string) error
}

// s3Event is the object-store notification shape.
type s3Event struct {
	Records []struct {
		S3 struct {
			Bucket struct {
				Name string `json:"name"`
			} `json:"bucket"`
			Object struct {
				Key string `json:"key"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

// endpointEvent is the async endpoint notification shape.
type endpointEvent struct {
	InvocationStatus   string `json:"invocationStatus"`
	InferenceID        string `json:"inferenceId"`
	FailureReason      string `json:"failureReason"`
	ResponseParameters struct {
		OutputLocation string `json:"outputLocation"`
	} `json:"responseParameters"`
}

// ResultsWorker is the consuming half of the asynchronous inference
// pipeline. It turns result notifications, failure notifications and poller
// ticks into terminal tile states, and finalizes regions whose tiles are all
// terminal.
type ResultsWorker struct {
	tiles       TileIndex
	objects     ObjectStoreAPI
	features    FeatureWriter
	regions     RegionIndex
	images      ImageProgress
	jobs        JobsProgress
	monitor     RegionEventPublisher
	poller      DelayedSender
	pollerDelay time.Duration
	resources   *ResourceManager
	sink        metrics.Sink
	enrichers   *expirable.LRU[string, *Enricher]
	sleep       func(time.Duration)
}

// NewResultsWorker assembles the results worker.
func NewResultsWorker(tiles TileIndex, objects ObjectStoreAPI, features FeatureWriter, regions RegionIndex, images ImageProgress, jobs JobsProgress, monitor RegionEventPublisher, poller DelayedSender, pollerDelay time.Duration, resources *ResourceManager, sink metrics.Sink) *ResultsWorker {
	if sink == nil {
		sink = metrics.Nop{}
	}
	return &ResultsWorker{
		tiles:       tiles,
		objects:     objects,
		features:    features,
		regions:     regions,
		images:      images,
		jobs:        jobs,
		monitor:     monitor,
		poller:      poller,
		pollerDelay: pollerDelay,
		resources:   resources,
		sink:        sink,
		enrichers:   expirable.NewLRU[string, *Enricher](64, nil, 15*time.Minute),
		sleep:       time.Sleep,
	}
}

// HandleMessage dispatches one results-queue message by shape: a poller
// tick, an object-store success notification, or an endpoint notification.
func (w *ResultsWorker) HandleMessage(ctx context.Context, body string) error {
	var tick PollerTick
	if err := json.Unmarshal([]byte(body), &tick); err == nil && tick.Kind == PollerTickKind {
		return w.handlePollerTick(ctx, tick)
	}

	var objEvent s3Event
	if err := json.Unmarshal([]byte(body), &objEvent); err == nil && len(objEvent.Records) > 0 {
		return w.handleObjectEvent(ctx, objEvent)
	}

	var epEvent endpointEvent
	if err := json.Unmarshal([]byte(body), &epEvent); err == nil && epEvent.InferenceID != "" {
		return w.handleEndpointEvent(ctx, epEvent)
	}

	return model.Errorf(model.KindInvalidRequest, "unrecognized results message: %s", truncateBody(body))
}

func truncateBody(body string) string {
	if len(body) > 256 {
		return body[:256] + "..."
	}
	return body
}

// lookupTile retries the given lookup with backoff. Result notifications
// can outrun the submission worker's inference-info write; retrying here
// recovers most of those races explicitly instead of silently dropping the
// event and leaning on the poller.
func (w *ResultsWorker) lookupTile(lookup func() (*model.TileRequest, error)) (*model.TileRequest, error) {
	delay := lookupInitialDelay
	var lastErr error
	for attempt := 0; attempt < lookupRetries; attempt++ {
		tile, err := lookup()
		if err != nil {
			lastErr = err
		} else if tile != nil {
			return tile, nil
		}
		w.sleep(delay)
		delay *= 2
	}
	return nil, lastErr
}

func (w *ResultsWorker) handleObjectEvent(ctx context.Context, event s3Event) error {
	for _, record := range event.Records {
		location := fmt.Sprintf("s3://%s/%s", record.S3.Bucket.Name, record.S3.Object.Key)
		tile, err := w.lookupTile(func() (*model.TileRequest, error) {
			return w.tiles.GetTileRequestByOutputLocation(ctx, location)
		})
		if err != nil {
			return err
		}
		if tile == nil {
			// The poller will pick this tile up from its row.
			slog.Warn("no tile request for result object, deferring to poller", "location", location)
			continue
		}
		if err := w.processSuccess(ctx, tile); err != nil {
			return err
		}
	}
	return nil
}

func (w *ResultsWorker) handleEndpointEvent(ctx context.Context, event endpointEvent) error {
	tile, err := w.lookupTile(func() (*model.TileRequest, error) {
		return w.tiles.GetTileRequestByInferenceID(ctx, event.InferenceID)
	})
	if err != nil {
		return err
	}
	if tile == nil {
		slog.Warn("no tile request for inference event, deferring to poller", "inference_id", event.InferenceID)
		return nil
	}
	if strings.EqualFold(event.InvocationStatus, "Completed") {
		return w.processSuccess(ctx, tile)
	}
	reason := event.FailureReason
	if reason == "" {
		reason = "async inference failed"
	}
	return w.processFailure(ctx, tile, reason)
}

func (w *ResultsWorker) handlePollerTick(ctx context.Context, tick PollerTick) error {
	tile, err := w.tiles.GetTileRequest(ctx, tick.RegionID, tick.TileID)
	if err != nil {
		return err
	}
	if tile == nil || tile.Terminal() {
		return nil
	}
	if tile.OutputLocation != "" && w.objectExists(ctx, tile.OutputLocation) {
		return w.processSuccess(ctx, tile)
	}
	if tile.FailureLocation != "" && w.objectExists(ctx, tile.FailureLocation) {
		reason, err := w.downloadText(ctx, tile.FailureLocation)
		if err != nil {
			reason = "async inference reported failure"
		}
		return w.processFailure(ctx, tile, reason)
	}
	// Nothing landed yet. Re-arm the poller until the tick budget runs out.
	if tile.RetryCount+1 >= maxPollerTicks {
		return w.processFailure(ctx, tile,
			model.Errorf(model.KindAsyncTimeout, "no result after %d poller checks", maxPollerTicks).Error())
	}
	if err := w.tiles.IncrementRetryCount(ctx, tick.RegionID, tick.TileID); err != nil {
		return err
	}
	body, err := MarshalPollerTick(tick.RegionID, tick.TileID)
	if err != nil {
		return err
	}
	return w.poller.SendDelayed(ctx, body, w.pollerDelay)
}

func parseS3URL(location string) (bucket, key string, err error) {
	trimmed := strings.TrimPrefix(location, "s3://")
	if trimmed == location {
		return "", "", fmt.Errorf("not an s3 url: %s", location)
	}
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed s3 url: %s", location)
	}
	return parts[0], parts[1], nil
}

func (w *ResultsWorker) objectExists(ctx context.Context, location string) bool {
	bucket, key, err := parseS3URL(location)
	if err != nil {
		return false
	}
	_, err = w.objects.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	return err == nil
}

func (w *ResultsWorker) downloadText(ctx context.Context, location string) (string, error) {
	bucket, key, err := parseS3URL(location)
	if err != nil {
		return "", err
	}
	out, err := w.objects.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", model.Errorf(model.KindS3Operation, "download %s: %w", location, err)
	}
	defer out.Body.Close()
	body, err := io.ReadAll(out.Body)
	if err != nil {
		return "", model.Errorf(model.KindS3Operation, "read %s: %w", location, err)
	}
	return string(body), nil
}

// enricherFor builds (and caches) the feature enricher for one image. The
// image URL is recoverable from the image id, and the model identity comes
// from the region row.
func (w *ResultsWorker) enricherFor(ctx context.Context, tile *model.TileRequest) (*Enricher, error) {
	if cached, ok := w.enrichers.Get(tile.ImageID); ok {
		return cached, nil
	}
	region, err := w.regions.GetRegionRequest(ctx, tile.ImageID, tile.RegionID)
	if err != nil {
		return nil, err
	}
	imageURL := tile.ImageID
	if idx := strings.Index(tile.ImageID, ":"); idx >= 0 {
		imageURL = tile.ImageID[idx+1:]
	}
	source := model.SourceMetadata{
		Location: imageURL,
		Format:   raster.ImageFormat(imageURL),
	}
	modelName := ""
	if region != nil {
		modelName = region.EndpointID
	}
	enricher := NewEnricher(tile.ImageID, source, modelName, "", nil)
	w.enrichers.Add(tile.ImageID, enricher)
	return enricher, nil
}

// processSuccess downloads and parses the result object, persists the
// enriched features, and transitions the tile. Download or parse failures
// fail the tile instead.
func (w *ResultsWorker) processSuccess(ctx context.Context, tile *model.TileRequest) error {
	if tile.Terminal() {
		return nil
	}
	payload, err := w.downloadText(ctx, tile.OutputLocation)
	if err != nil {
		return w.processFailure(ctx, tile, err.Error())
	}
	fc, err := detect.ParseFeatureCollection([]byte(payload))
	if err != nil {
		return w.processFailure(ctx, tile, err.Error())
	}
	enricher, err := w.enricherFor(ctx, tile)
	if err != nil {
		return err
	}
	features := enricher.Enrich(fc.Features, tile.TileBounds)
	if err := w.features.AddFeatures(ctx, tile.ImageID, tile.RegionID, tile.TileBounds, features); err != nil {
		return w.processFailure(ctx, tile, err.Error())
	}
	transitioned, err := w.tiles.CompleteTileRequest(ctx, tile.RegionID, tile.TileID, model.StatusSuccess, "")
	if err != nil {
		return err
	}
	if !transitioned {
		return nil
	}
	w.sink.Count(ctx, metrics.MetricTilesProcessed, 1, metrics.Dims{metrics.DimOperation: metrics.OpAsyncResults})
	return w.recordTerminal(ctx, tile, true)
}

// processFailure transitions the tile to FAILED with the reason.
func (w *ResultsWorker) processFailure(ctx context.Context, tile *model.TileRequest, reason string) error {
	if tile.Terminal() {
		return nil
	}
	transitioned, err := w.tiles.CompleteTileRequest(ctx, tile.RegionID, tile.TileID, model.StatusFailed, reason)
	if err != nil {
		return err
	}
	if !transitioned {
		return nil
	}
	slog.Warn("async tile failed", "region_id", tile.RegionID, "tile_id", tile.TileID, "reason", reason)
	return w.recordTerminal(ctx, tile, false)
}

// recordTerminal mirrors the tile's terminal state onto the region row,
// schedules object cleanup, and finalizes the region if this was its last
// outstanding tile.
func (w *ResultsWorker) recordTerminal(ctx context.Context, tile *model.TileRequest, succeeded bool) error {
	if err := w.regions.AddTileResult(ctx, tile.ImageID, tile.RegionID, tile.TileID, succeeded); err != nil {
		return err
	}
	w.scheduleObjectCleanup(tile.InputLocation)
	w.scheduleObjectCleanup(tile.OutputLocation)
	return w.FinalizeRegionIfComplete(ctx, tile.ImageID, tile.RegionID)
}

func (w *ResultsWorker) scheduleObjectCleanup(location string) {
	if location == "" || w.resources == nil {
		return
	}
	bucket, key, err := parseS3URL(location)
	if err != nil {
		return
	}
	w.resources.Register(Resource{
		Name:   "object " + location,
		Policy: Immediately(),
		Cleanup: func(ctx context.Context) error {
			_, err := w.objects.DeleteObject(ctx, &s3.DeleteObjectInput{
				Bucket: aws.String(bucket),
				Key:    aws.String(key),
			})
			return err
		},
	})
}

// FinalizeRegionIfComplete completes the region once every tile is terminal. The
// conditional region update elects exactly one finalizer under concurrency.
func (w *ResultsWorker) FinalizeRegionIfComplete(ctx context.Context, imageID, regionID string) error {
	region, err := w.regions.GetRegionRequest(ctx, imageID, regionID)
	if err != nil {
		return err
	}
	if region == nil || region.TotalTiles == 0 {
		// Submission has not recorded the tile total yet.
		return nil
	}
	failed, completed, err := w.tiles.GetRegionCompleteCounts(ctx, regionID)
	if err != nil {
		return err
	}
	if completed < region.TotalTiles {
		return nil
	}
	succeeded := completed - failed
	status := model.StatusSuccess
	message := ""
	if succeeded == 0 {
		status = model.StatusFailed
		message = "all tiles failed"
	}
	transitioned, err := w.regions.CompleteRegionRequest(ctx, imageID, regionID, region.TotalTiles, succeeded, failed, status, message)
	if err != nil {
		return err
	}
	if !transitioned {
		return nil
	}
	if err := w.images.CompleteRegion(ctx, imageID, status == model.StatusFailed, failed); err != nil {
		return err
	}
	if region.JobID != "" && region.EndpointID != "" {
		if err := w.jobs.CompleteRegion(ctx, region.EndpointID, region.JobID, regionID); err != nil {
			return err
		}
	}
	if err := w.monitor.RegionEvent(ctx, imageID, regionID, status, message); err != nil {
		slog.Error("failed to publish region event", "region_id", regionID, "error", err)
	}
	w.sink.Count(ctx, metrics.MetricRegionsProcessed, 1, metrics.Dims{metrics.DimOperation: metrics.OpAsyncResults})
	return nil
}
