package raster

import (
	"context"

	"github.com/geofleet/tileflow/internal/model"
	"github.com/geofleet/tileflow/internal/tiling"
)

// RegionCounter computes the region count for an image request by opening
// the image header. The buffered intake uses it so the scheduler can reason
// about load before any worker commits to the image.
type RegionCounter struct {
	regionSize model.Dimensions
	strategy   tiling.Strategy
}

// NewRegionCounter creates a counter using the given region size.
func NewRegionCounter(regionSize int, strategy tiling.Strategy) *RegionCounter {
	return &RegionCounter{
		regionSize: model.Dimensions{Width: regionSize, Height: regionSize},
		strategy:   strategy,
	}
}

// CalculateRegionCount opens the image header and counts regions over the
// full extent. The region of interest is not applied here; intake only
// needs a load estimate, and an ROI can only shrink it.
func (c *RegionCounter) CalculateRegionCount(ctx context.Context, req *model.ImageRequest) (int, error) {
	return CountRegions(req.ImageURL, c.regionSize, req.TileSize, req.TileOverlap, c.strategy.ComputeRegions)
}
