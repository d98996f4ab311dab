package raster

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geofleet/tileflow/internal/model"
)

// northUpTransform is a typical north-up geotransform: origin (-120, 45),
// 0.001 degrees per pixel.
var northUpTransform = [6]float64{-120, 0.001, 0, 45, 0, -0.001}

func TestGeoTransformRoundTrip(t *testing.T) {
	sensor := &GeoTransformSensor{Transform: northUpTransform}

	geo := sensor.PixelToGeo(100, 200)
	assert.InDelta(t, -119.9, geo[0], 1e-9)
	assert.InDelta(t, 44.8, geo[1], 1e-9)

	pixel := sensor.GeoToPixel(geo[0], geo[1])
	assert.InDelta(t, 100, pixel[0], 1e-6)
	assert.InDelta(t, 200, pixel[1], 1e-6)
}

func TestGeoPolygonToPixels(t *testing.T) {
	sensor := &GeoTransformSensor{Transform: northUpTransform}
	poly := orb.Polygon{{
		{-120, 45}, {-119.9, 45}, {-119.9, 44.9}, {-120, 44.9}, {-120, 45},
	}}
	ring := GeoPolygonToPixels(sensor, poly)
	require.Len(t, ring, 5)
	assert.InDelta(t, 0, ring[0][0], 1e-6)
	assert.InDelta(t, 0, ring[0][1], 1e-6)
	assert.InDelta(t, 100, ring[1][0], 1e-6)
	assert.InDelta(t, 100, ring[2][1], 1e-6)
}

func TestPixelRingBoundsClipsToExtent(t *testing.T) {
	extent := model.Bounds{Width: 100, Height: 100}
	ring := orb.Ring{{50, 50}, {150, 50}, {150, 150}, {50, 150}, {50, 50}}
	bounds, ok := PixelRingBounds(ring, extent)
	require.True(t, ok)
	assert.Equal(t, model.Bounds{Row: 50, Col: 50, Width: 50, Height: 50}, bounds)
}

func TestPixelRingBoundsOutsideExtent(t *testing.T) {
	extent := model.Bounds{Width: 100, Height: 100}
	// Matches the classic out-of-image ROI: far away from a 100x100 image.
	ring := orb.Ring{{1000, 1000}, {1001, 1000}, {1001, 1001}, {1000, 1001}, {1000, 1000}}
	_, ok := PixelRingBounds(ring, extent)
	assert.False(t, ok)
}

func TestParseROI(t *testing.T) {
	poly, err := ParseROI("POLYGON ((-120 45, -119.9 45, -119.9 44.9, -120 44.9, -120 45))")
	require.NoError(t, err)
	require.Len(t, poly, 1)
	assert.Len(t, poly[0], 5)
}

func TestParseROIEmpty(t *testing.T) {
	poly, err := ParseROI("")
	require.NoError(t, err)
	assert.Nil(t, poly)
}

func TestParseROIRejectsNonPolygon(t *testing.T) {
	_, err := ParseROI("POINT (1 2)")
	require.Error(t, err)
	assert.True(t, model.IsKind(err, model.KindInvalidRequest))
}

func TestParseROIRejectsGarbage(t *testing.T) {
	_, err := ParseROI("not wkt at all")
	require.Error(t, err)
}

func TestGDALPath(t *testing.T) {
	assert.Equal(t, "/vsis3/bucket/key.ntf", GDALPath("s3://bucket/key.ntf"))
	assert.Equal(t, "/local/file.tif", GDALPath("/local/file.tif"))
}

func TestImageFormat(t *testing.T) {
	assert.Equal(t, "NITF", ImageFormat("s3://b/img.NTF"))
	assert.Equal(t, "GTIFF", ImageFormat("s3://b/img.tif"))
	assert.Equal(t, "", ImageFormat("s3://b/img.bin"))
}
