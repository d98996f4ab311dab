package raster

import (
	"math"

	"github.com/paulmach/orb"

	"github.com/geofleet/tileflow/internal/model"
)

// SensorModel maps between image pixel coordinates and geographic
// coordinates derived from the image metadata.
type SensorModel interface {
	// PixelToGeo converts (col, row) to (lon, lat).
	PixelToGeo(col, row float64) orb.Point
	// GeoToPixel converts (lon, lat) to (col, row).
	GeoToPixel(lon, lat float64) orb.Point
}

// GeoTransformSensor implements SensorModel from a GDAL affine
// geotransform: x = gt0 + col*gt1 + row*gt2, y = gt3 + col*gt4 + row*gt5.
type GeoTransformSensor struct {
	Transform [6]float64
}

// PixelToGeo applies the forward transform.
func (s *GeoTransformSensor) PixelToGeo(col, row float64) orb.Point {
	gt := s.Transform
	return orb.Point{
		gt[0] + col*gt[1] + row*gt[2],
		gt[3] + col*gt[4] + row*gt[5],
	}
}

// GeoToPixel inverts the affine transform.
func (s *GeoTransformSensor) GeoToPixel(lon, lat float64) orb.Point {
	gt := s.Transform
	det := gt[1]*gt[5] - gt[2]*gt[4]
	if det == 0 {
		return orb.Point{math.NaN(), math.NaN()}
	}
	dx := lon - gt[0]
	dy := lat - gt[3]
	col := (dx*gt[5] - dy*gt[2]) / det
	row := (dy*gt[1] - dx*gt[4]) / det
	return orb.Point{col, row}
}

// GeoPolygonToPixels converts a geographic polygon's exterior ring to pixel
// space. Interior rings are ignored; the region of interest contract only
// considers the exterior boundary.
func GeoPolygonToPixels(sensor SensorModel, poly orb.Polygon) orb.Ring {
	if len(poly) == 0 {
		return nil
	}
	ring := make(orb.Ring, 0, len(poly[0]))
	for _, pt := range poly[0] {
		ring = append(ring, sensor.GeoToPixel(pt[0], pt[1]))
	}
	return ring
}

// PixelRingBounds returns the integer pixel window covering the ring,
// clipped to the image extent. The second return is false when the ring does
// not intersect the extent at all.
func PixelRingBounds(ring orb.Ring, extent model.Bounds) (model.Bounds, bool) {
	if len(ring) == 0 {
		return model.Bounds{}, false
	}
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, pt := range ring {
		minX = math.Min(minX, pt[0])
		maxX = math.Max(maxX, pt[0])
		minY = math.Min(minY, pt[1])
		maxY = math.Max(maxY, pt[1])
	}
	roi := model.Bounds{
		Row:    int(math.Round(minY)),
		Col:    int(math.Round(minX)),
		Width:  int(math.Round(maxX - minX)),
		Height: int(math.Round(maxY - minY)),
	}
	clipped := roi.Intersect(extent)
	if clipped.IsEmpty() {
		return model.Bounds{}, false
	}
	return clipped, true
}
