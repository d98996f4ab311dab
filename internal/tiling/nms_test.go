package tiling

import (
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNMSSuppressesOverlapping(t *testing.T) {
	selector := NewNMSSelector(0.5)
	best := pixelFeature(0, 0, 100, 100, 0.95)
	duplicate := pixelFeature(5, 5, 105, 105, 0.70)
	separate := pixelFeature(300, 300, 400, 400, 0.40)

	kept := selector.Select([]*geojson.Feature{duplicate, separate, best})
	require.Len(t, kept, 2)
	scores := []any{kept[0].Properties["score"], kept[1].Properties["score"]}
	assert.Contains(t, scores, 0.95)
	assert.Contains(t, scores, 0.40)
	assert.NotContains(t, scores, 0.70)
}

func TestNMSKeepsBarelyOverlapping(t *testing.T) {
	selector := NewNMSSelector(0.75)
	a := pixelFeature(0, 0, 100, 100, 0.9)
	b := pixelFeature(60, 0, 160, 100, 0.8) // IoU 40/160 = 0.25
	kept := selector.Select([]*geojson.Feature{a, b})
	assert.Len(t, kept, 2)
}

func TestNMSPassesThroughFeaturesWithoutBBox(t *testing.T) {
	selector := NewNMSSelector(0.5)
	bare := geojson.NewFeature(orb.Point{1, 1})
	kept := selector.Select([]*geojson.Feature{bare})
	assert.Len(t, kept, 1)
}

func TestNMSDeterministicTieBreak(t *testing.T) {
	selector := NewNMSSelector(0.5)
	a := pixelFeature(0, 0, 100, 100, 0.9)
	b := pixelFeature(10, 10, 110, 110, 0.9)

	first := selector.Select([]*geojson.Feature{a, b})
	second := selector.Select([]*geojson.Feature{b, a})
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, first[0], second[0])
}
