package tiling

import (
	"math/rand"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geofleet/tileflow/internal/model"
)

func dims(w, h int) model.Dimensions { return model.Dimensions{Width: w, Height: h} }

func TestComputeTilesSmallImage(t *testing.T) {
	s := NewOverlapStrategy()
	// 1024x1024 image, 512 tiles with 128 overlap: stride 384, three
	// positions per axis.
	tiles := s.ComputeTiles(model.Bounds{Width: 1024, Height: 1024}, dims(512, 512), dims(128, 128))
	assert.Len(t, tiles, 9)

	// Edge tiles are clamped to the image.
	for _, tile := range tiles {
		assert.LessOrEqual(t, tile.Col+tile.Width, 1024)
		assert.LessOrEqual(t, tile.Row+tile.Height, 1024)
		assert.Greater(t, tile.Width, 0)
		assert.Greater(t, tile.Height, 0)
	}
}

func TestComputeTilesNoOverlap(t *testing.T) {
	s := NewOverlapStrategy()
	tiles := s.ComputeTiles(model.Bounds{Width: 1024, Height: 1024}, dims(512, 512), dims(0, 0))
	assert.Len(t, tiles, 4)
}

func TestComputeTilesCoversEveryPixel(t *testing.T) {
	s := NewOverlapStrategy()
	bounds := model.Bounds{Width: 1000, Height: 700}
	tiles := s.ComputeTiles(bounds, dims(256, 256), dims(32, 32))
	for _, probe := range []struct{ row, col int }{
		{0, 0}, {699, 999}, {350, 500}, {699, 0}, {0, 999},
	} {
		found := false
		for _, tile := range tiles {
			if tile.Contains(probe.row, probe.col) {
				found = true
				break
			}
		}
		assert.True(t, found, "pixel (%d,%d) uncovered", probe.row, probe.col)
	}
}

func TestComputeRegionsSingleRegion(t *testing.T) {
	s := NewOverlapStrategy()
	regions := s.ComputeRegions(model.Bounds{Width: 1024, Height: 1024}, dims(20480, 20480), dims(512, 512), dims(128, 128))
	require.Len(t, regions, 1)
	assert.Equal(t, model.Bounds{Width: 1024, Height: 1024}, regions[0])
}

func TestComputeRegionsLargeImage(t *testing.T) {
	s := NewOverlapStrategy()
	regions := s.ComputeRegions(model.Bounds{Width: 40960, Height: 20480}, dims(20480, 20480), dims(512, 512), dims(128, 128))
	// 40960 wide with stride 20352 needs three columns, one row.
	assert.Len(t, regions, 3)
}

func TestComputeTilesEmptyBounds(t *testing.T) {
	s := NewOverlapStrategy()
	assert.Empty(t, s.ComputeTiles(model.Bounds{}, dims(512, 512), dims(128, 128)))
}

func pixelFeature(minCol, minRow, maxCol, maxRow float64, score float64) *geojson.Feature {
	f := geojson.NewFeature(orb.Point{(minCol + maxCol) / 2, (minRow + maxRow) / 2})
	f.Properties["score"] = score
	model.SetPixelBBox(f, minCol, minRow, maxCol, maxRow)
	return f
}

func TestCleanupDuplicateFeaturesInteriorPassThrough(t *testing.T) {
	s := NewOverlapStrategy()
	bounds := model.Bounds{Width: 1024, Height: 1024}
	// Center of the first tile, far from any seam.
	interior := pixelFeature(100, 100, 120, 120, 0.9)
	out := s.CleanupDuplicateFeatures(bounds, dims(20480, 20480), dims(512, 512), dims(128, 128),
		[]*geojson.Feature{interior}, NewNMSSelector(0.5))
	assert.Len(t, out, 1)
}

func TestCleanupDuplicateFeaturesSeamDeduped(t *testing.T) {
	s := NewOverlapStrategy()
	bounds := model.Bounds{Width: 1024, Height: 1024}
	// Two detections of the same object in the overlap band between the
	// first and second tile columns (cols 384..512 are in both).
	a := pixelFeature(400, 100, 460, 160, 0.9)
	b := pixelFeature(402, 102, 462, 162, 0.8)
	out := s.CleanupDuplicateFeatures(bounds, dims(20480, 20480), dims(512, 512), dims(128, 128),
		[]*geojson.Feature{a, b}, NewNMSSelector(0.5))
	require.Len(t, out, 1)
	assert.Equal(t, 0.9, out[0].Properties["score"])
}

func TestCleanupDuplicateFeaturesOrderIndependent(t *testing.T) {
	s := NewOverlapStrategy()
	bounds := model.Bounds{Width: 2048, Height: 2048}
	var features []*geojson.Feature
	for i := 0; i < 20; i++ {
		base := float64(380 + i*7)
		features = append(features, pixelFeature(base, base, base+50, base+50, float64(i%10)/10))
	}
	first := s.CleanupDuplicateFeatures(bounds, dims(20480, 20480), dims(512, 512), dims(128, 128),
		features, NewNMSSelector(0.5))

	shuffled := make([]*geojson.Feature, len(features))
	copy(shuffled, features)
	rand.New(rand.NewSource(42)).Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	second := s.CleanupDuplicateFeatures(bounds, dims(20480, 20480), dims(512, 512), dims(128, 128),
		shuffled, NewNMSSelector(0.5))

	assert.Equal(t, len(first), len(second))
}
