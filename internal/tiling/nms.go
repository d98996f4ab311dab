package tiling

import (
	"sort"

	"github.com/paulmach/orb/geojson"

	"github.com/geofleet/tileflow/internal/model"
)

// NMSSelector is the default FeatureSelector: greedy non-maximum suppression
// over pixel-space bounding boxes. Detections whose overlap with an already
// kept detection exceeds the IoU threshold are suppressed.
type NMSSelector struct {
	IoUThreshold float64
}

// NewNMSSelector creates a selector with the given IoU threshold.
func NewNMSSelector(iouThreshold float64) *NMSSelector {
	return &NMSSelector{IoUThreshold: iouThreshold}
}

func featureScore(f *geojson.Feature) float64 {
	for _, key := range []string{"score", "confidence"} {
		if v, ok := f.Properties[key]; ok {
			if score, ok := v.(float64); ok {
				return score
			}
		}
	}
	return 1.0
}

func iou(a, b [4]float64) float64 {
	interW := min(a[2], b[2]) - max(a[0], b[0])
	interH := min(a[3], b[3]) - max(a[1], b[1])
	if interW <= 0 || interH <= 0 {
		return 0
	}
	inter := interW * interH
	areaA := (a[2] - a[0]) * (a[3] - a[1])
	areaB := (b[2] - b[0]) * (b[3] - b[1])
	union := areaA + areaB - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Select runs NMS. The candidate ordering is fully determined by score with
// bbox coordinates as the tie breaker, so the result does not depend on the
// input ordering.
func (s *NMSSelector) Select(features []*geojson.Feature) []*geojson.Feature {
	type candidate struct {
		feature *geojson.Feature
		bbox    [4]float64
		score   float64
		hasBBox bool
	}
	candidates := make([]candidate, 0, len(features))
	var passthrough []*geojson.Feature
	for _, f := range features {
		bbox, ok := model.PixelBBox(f)
		if !ok {
			passthrough = append(passthrough, f)
			continue
		}
		candidates = append(candidates, candidate{feature: f, bbox: bbox, score: featureScore(f), hasBBox: true})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		a, b := candidates[i].bbox, candidates[j].bbox
		for k := range a {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return false
	})
	kept := passthrough
	var keptBoxes [][4]float64
	for _, c := range candidates {
		suppressed := false
		for _, kb := range keptBoxes {
			if iou(c.bbox, kb) > s.IoUThreshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, c.feature)
			keptBoxes = append(keptBoxes, c.bbox)
		}
	}
	return kept
}
