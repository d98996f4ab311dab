package raster

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"

	"github.com/geofleet/tileflow/internal/model"
)

// ParseROI parses a well-known-text polygon in lon-lat order. An empty
// string means no region of interest.
func ParseROI(roiWKT string) (orb.Polygon, error) {
	if roiWKT == "" {
		return nil, nil
	}
	geom, err := wkt.Unmarshal(roiWKT)
	if err != nil {
		return nil, model.Errorf(model.KindInvalidRequest, "parse region of interest: %w", err)
	}
	poly, ok := geom.(orb.Polygon)
	if !ok {
		return nil, model.Errorf(model.KindInvalidRequest, "region of interest must be a polygon, got %T", geom)
	}
	return poly, nil
}

// ComputeProcessingBounds intersects the optional region of interest with
// the image extent. The second return is false when the ROI does not
// intersect the image; the caller fails the request with the ROI reason.
// Without a sensor model the ROI cannot be positioned, so the full extent is
// processed.
func ComputeProcessingBounds(roiWKT string, ds *Dataset) (model.Bounds, bool, error) {
	extent := ds.Extent()
	if roiWKT == "" {
		return extent, true, nil
	}
	poly, err := ParseROI(roiWKT)
	if err != nil {
		return model.Bounds{}, false, err
	}
	sensor := ds.Sensor()
	if sensor == nil {
		return extent, true, nil
	}
	ring := GeoPolygonToPixels(sensor, poly)
	bounds, ok := PixelRingBounds(ring, extent)
	if !ok {
		return model.Bounds{}, false, nil
	}
	return bounds, true, nil
}
