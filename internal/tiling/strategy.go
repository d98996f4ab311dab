// Package tiling implements the region and tile geometry of the pipeline:
// how an image's processing bounds break into regions, how a region breaks
// into overlapping tiles, and how detections duplicated across overlap seams
// are reduced to a single survivor.
package tiling

import (
	"github.com/paulmach/orb/geojson"

	"github.com/geofleet/tileflow/internal/model"
)

// Strategy is the tiling contract used by the image and region handlers.
// Handlers never reinvent tile math; they delegate here.
type Strategy interface {
	// ComputeRegions splits the processing bounds into distributable regions.
	ComputeRegions(processingBounds model.Bounds, regionSize, tileSize, tileOverlap model.Dimensions) []model.Bounds
	// ComputeTiles splits one region into model-invocation sized tiles.
	ComputeTiles(regionBounds model.Bounds, tileSize, tileOverlap model.Dimensions) []model.Bounds
	// CleanupDuplicateFeatures removes detections duplicated across tile and
	// region overlap seams, delegating the choice among duplicates to the
	// selector.
	CleanupDuplicateFeatures(processingBounds model.Bounds, regionSize, tileSize, tileOverlap model.Dimensions, features []*geojson.Feature, selector FeatureSelector) []*geojson.Feature
}

// FeatureSelector reduces a multiset of seam features to the survivors. The
// selector must be deterministic given the same input multiset; input
// ordering must not matter.
type FeatureSelector interface {
	Select(features []*geojson.Feature) []*geojson.Feature
}

// OverlapStrategy is the concrete Strategy. Crops advance by
// size − overlap; edge crops are clamped to the bounds and partial trailing
// crops are kept so every pixel is covered.
type OverlapStrategy struct{}

// NewOverlapStrategy returns the standard tiling strategy.
func NewOverlapStrategy() *OverlapStrategy {
	return &OverlapStrategy{}
}

// computeCrops is the shared sliding-window math for regions and tiles.
func computeCrops(bounds model.Bounds, size, overlap model.Dimensions) []model.Bounds {
	if bounds.IsEmpty() {
		return nil
	}
	strideX := size.Width - overlap.Width
	strideY := size.Height - overlap.Height
	if strideX <= 0 || strideY <= 0 {
		// Degenerate geometry; a single clamped crop still covers the bounds.
		return []model.Bounds{bounds}
	}
	var crops []model.Bounds
	for row := bounds.Row; row < bounds.Row+bounds.Height; row += strideY {
		h := min(size.Height, bounds.Row+bounds.Height-row)
		for col := bounds.Col; col < bounds.Col+bounds.Width; col += strideX {
			w := min(size.Width, bounds.Col+bounds.Width-col)
			crops = append(crops, model.Bounds{Row: row, Col: col, Width: w, Height: h})
			if col+size.Width >= bounds.Col+bounds.Width {
				break
			}
		}
		if row+size.Height >= bounds.Row+bounds.Height {
			break
		}
	}
	return crops
}

// ComputeRegions splits the processing bounds into regions. Regions overlap
// by the tile overlap so detections straddling a region boundary can be
// recovered by deduplication, the same way tile seams are.
func (s *OverlapStrategy) ComputeRegions(processingBounds model.Bounds, regionSize, tileSize, tileOverlap model.Dimensions) []model.Bounds {
	return computeCrops(processingBounds, regionSize, tileOverlap)
}

// ComputeTiles splits one region into tiles.
func (s *OverlapStrategy) ComputeTiles(regionBounds model.Bounds, tileSize, tileOverlap model.Dimensions) []model.Bounds {
	return computeCrops(regionBounds, tileSize, tileOverlap)
}

// axisCover counts how many grid windows of the given size and stride
// contain coordinate t (relative to the grid origin), where the grid covers
// [0, extent).
func axisCover(t, extent, size, stride float64) int {
	if extent <= 0 || t < 0 || t >= extent {
		return 0
	}
	if stride <= 0 || size >= extent {
		return 1
	}
	// Window i covers [i*stride, i*stride+size); valid i are those whose
	// window start lies inside the bounds.
	lo := int((t-size)/stride) + 1
	if t < size {
		lo = 0
	}
	hi := int(t / stride)
	// Windows starting at or past the extent never exist; the last window is
	// the one whose start is the largest multiple of stride below extent.
	maxStart := extent - 1
	for hi > 0 && float64(hi)*stride > maxStart {
		hi--
	}
	if hi < lo {
		return 1
	}
	return hi - lo + 1
}

// CleanupDuplicateFeatures partitions features into interior (covered by
// exactly one tile of one region) and seam (covered by 2 or more windows).
// Interior features pass through untouched; seam features are reduced by the
// selector. Deduplication runs in pixel space to avoid map-projection
// distortion.
func (s *OverlapStrategy) CleanupDuplicateFeatures(processingBounds model.Bounds, regionSize, tileSize, tileOverlap model.Dimensions, features []*geojson.Feature, selector FeatureSelector) []*geojson.Feature {
	tileStrideX := float64(tileSize.Width - tileOverlap.Width)
	tileStrideY := float64(tileSize.Height - tileOverlap.Height)
	regionStrideX := float64(regionSize.Width - tileOverlap.Width)
	regionStrideY := float64(regionSize.Height - tileOverlap.Height)

	var interior, seam []*geojson.Feature
	for _, f := range features {
		center, ok := model.PixelBBoxCenter(f)
		if !ok {
			// No pixel geometry to reason about; keep the feature as-is.
			interior = append(interior, f)
			continue
		}
		x := center[0] - float64(processingBounds.Col)
		y := center[1] - float64(processingBounds.Row)
		regionsX := axisCover(x, float64(processingBounds.Width), float64(regionSize.Width), regionStrideX)
		regionsY := axisCover(y, float64(processingBounds.Height), float64(regionSize.Height), regionStrideY)
		// Tile cover is computed within the region grid; overlap bands repeat
		// with the tile stride across the whole image.
		tilesX := axisCover(modPos(x, regionStrideX), float64(regionSize.Width), float64(tileSize.Width), tileStrideX)
		tilesY := axisCover(modPos(y, regionStrideY), float64(regionSize.Height), float64(tileSize.Height), tileStrideY)
		if regionsX*regionsY > 1 || tilesX*tilesY > 1 {
			seam = append(seam, f)
		} else {
			interior = append(interior, f)
		}
	}
	if len(seam) == 0 || selector == nil {
		return append(interior, seam...)
	}
	return append(interior, selector.Select(seam)...)
}

func modPos(v, m float64) float64 {
	if m <= 0 {
		return v
	}
	r := v - float64(int(v/m))*m
	if r < 0 {
		r += m
	}
	return r
}
