package worker

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geofleet/tileflow/internal/model"
)

func TestEnrichTranslatesTileCoordinates(t *testing.T) {
	e := NewEnricher("job-1:s3://bucket/img.ntf",
		model.SourceMetadata{Location: "s3://bucket/img.ntf", Format: "NITF"},
		"centerpoint", "v1", map[string]any{"mission": "test"})

	detection := geojson.NewFeature(orb.Polygon{{
		{10, 20}, {110, 20}, {110, 80}, {10, 80}, {10, 20},
	}})
	detection.Properties["score"] = 0.9

	tile := model.Bounds{Row: 1000, Col: 2000, Width: 512, Height: 512}
	out := e.Enrich([]*geojson.Feature{detection}, tile)
	require.Len(t, out, 1)
	f := out[0]

	// Geometry shifted into image pixel space.
	poly, ok := f.Geometry.(orb.Polygon)
	require.True(t, ok)
	assert.Equal(t, orb.Point{2010, 1020}, poly[0][0])

	bbox, ok := model.PixelBBox(f)
	require.True(t, ok)
	assert.Equal(t, [4]float64{2010, 1020, 2110, 1080}, bbox)

	assert.Equal(t, "job-1:s3://bucket/img.ntf", f.Properties[model.PropImageID])
	assert.Equal(t, "test", f.Properties["mission"])
	assert.Equal(t, 0.9, f.Properties["score"])

	src, ok := f.Properties[model.PropSourceMetadata].(model.SourceMetadata)
	require.True(t, ok)
	assert.Equal(t, "NITF", src.Format)

	inf, ok := f.Properties[model.PropInferenceMetadata].(model.InferenceMetadata)
	require.True(t, ok)
	assert.Equal(t, "centerpoint", inf.ModelName)
	assert.Equal(t, "v1", inf.TargetVariant)
	assert.NotEmpty(t, inf.Timestamp)
}

func TestEnrichHandlesPointDetections(t *testing.T) {
	e := NewEnricher("img", model.SourceMetadata{}, "m", "", nil)
	pt := geojson.NewFeature(orb.Point{50, 60})
	out := e.Enrich([]*geojson.Feature{pt}, model.Bounds{Row: 100, Col: 200})
	require.Len(t, out, 1)
	assert.Equal(t, orb.Point{250, 160}, out[0].Geometry)
	center, ok := model.PixelBBoxCenter(out[0])
	require.True(t, ok)
	assert.Equal(t, orb.Point{250, 160}, center)
}
