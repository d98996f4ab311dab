package worker

import (
	"context"
	"log/slog"

	"github.com/paulmach/orb/geojson"

	"github.com/geofleet/tileflow/internal/detect"
	"github.com/geofleet/tileflow/internal/metrics"
	"github.com/geofleet/tileflow/internal/model"
)

// FeatureWriter persists one tile's features. Satisfied by the feature
// store.
type FeatureWriter interface {
	AddFeatures(ctx context.Context, imageID, regionID string, tileBounds model.Bounds, features []*geojson.Feature) error
}

// TileResultWriter records per-tile terminal state on the region row.
// Satisfied by the region store.
type TileResultWriter interface {
	AddTileResult(ctx context.Context, imageID, regionID, tileID string, succeeded bool) error
}

// SyncProcessor drives one tile through a synchronous detector: invoke,
// enrich, persist features, record the tile result.
type SyncProcessor struct {
	detector detect.FeatureDetector
	features FeatureWriter
	results  TileResultWriter
	enricher *Enricher
	sink     metrics.Sink
}

// NewSyncProcessor assembles a processor for one pool worker.
func NewSyncProcessor(detector detect.FeatureDetector, features FeatureWriter, results TileResultWriter, enricher *Enricher, sink metrics.Sink) *SyncProcessor {
	if sink == nil {
		sink = metrics.Nop{}
	}
	return &SyncProcessor{
		detector: detector,
		features: features,
		results:  results,
		enricher: enricher,
		sink:     sink,
	}
}

// ProcessTile handles one tile. The result row is written on both paths so
// the region can account for every tile; the feature write happens strictly
// before the success mark, keeping the invariant that a SUCCESS tile's
// features are present in the store.
func (p *SyncProcessor) ProcessTile(ctx context.Context, task TileTask) error {
	tileID := task.TileBounds.ID()
	fc, err := p.detector.DetectFeatures(ctx, task.ImagePath)
	if err != nil {
		p.recordFailure(ctx, task, tileID)
		return model.Errorf(model.KindProcessTiles, "detect features for tile %s: %w", tileID, err)
	}
	features := p.enricher.Enrich(fc.Features, task.TileBounds)
	if err := p.features.AddFeatures(ctx, task.ImageID, task.RegionID, task.TileBounds, features); err != nil {
		p.recordFailure(ctx, task, tileID)
		return model.Errorf(model.KindProcessTiles, "store features for tile %s: %w", tileID, err)
	}
	if err := p.results.AddTileResult(ctx, task.ImageID, task.RegionID, tileID, true); err != nil {
		return model.Errorf(model.KindProcessTiles, "record tile %s success: %w", tileID, err)
	}
	p.sink.Count(ctx, metrics.MetricTilesProcessed, 1, metrics.Dims{
		metrics.DimOperation: metrics.OpTileProcess,
		metrics.DimModelName: p.detector.ModelName(),
	})
	return nil
}

func (p *SyncProcessor) recordFailure(ctx context.Context, task TileTask, tileID string) {
	if err := p.results.AddTileResult(ctx, task.ImageID, task.RegionID, tileID, false); err != nil {
		slog.Error("failed to record tile failure", "tile", tileID, "error", err)
	}
}
