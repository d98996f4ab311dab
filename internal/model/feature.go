package model

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Property keys the runner adds to every detector feature. Detections arrive
// in tile-local pixel coordinates; the pipeline rewrites them into full-image
// pixel space, then geolocates the survivors after deduplication.
const (
	PropImageID           = "image_id"
	PropImageBBox         = "imageBBox"     // [minCol, minRow, maxCol, maxRow] in image pixels
	PropImageGeometry     = "imageGeometry" // pixel-space polygon of the detection
	PropSourceMetadata    = "sourceMetadata"
	PropInferenceMetadata = "inferenceMetadata"
)

// SourceMetadata describes the image a feature came from.
type SourceMetadata struct {
	Location        string `json:"location"`
	Format          string `json:"format,omitempty"`
	SourceID        string `json:"sourceId,omitempty"`
	AcquisitionTime string `json:"acquisitionTime,omitempty"`
}

// InferenceMetadata describes the model invocation that produced a feature.
type InferenceMetadata struct {
	ModelName     string `json:"modelName"`
	TargetVariant string `json:"targetVariant,omitempty"`
	Timestamp     string `json:"timestamp"`
}

// PixelBBox extracts the image-space bounding box previously attached to a
// feature. The second return is false when the property is absent or
// malformed.
func PixelBBox(f *geojson.Feature) ([4]float64, bool) {
	var bbox [4]float64
	raw, ok := f.Properties[PropImageBBox]
	if !ok {
		return bbox, false
	}
	switch v := raw.(type) {
	case [4]float64:
		return v, true
	case []float64:
		if len(v) != 4 {
			return bbox, false
		}
		copy(bbox[:], v)
		return bbox, true
	case []any:
		if len(v) != 4 {
			return bbox, false
		}
		for i, e := range v {
			f64, ok := e.(float64)
			if !ok {
				return bbox, false
			}
			bbox[i] = f64
		}
		return bbox, true
	}
	return bbox, false
}

// SetPixelBBox records the image-space bounding box on a feature.
func SetPixelBBox(f *geojson.Feature, minCol, minRow, maxCol, maxRow float64) {
	f.Properties[PropImageBBox] = []float64{minCol, minRow, maxCol, maxRow}
}

// PixelBBoxCenter returns the center of the feature's image-space box.
func PixelBBoxCenter(f *geojson.Feature) (orb.Point, bool) {
	bbox, ok := PixelBBox(f)
	if !ok {
		return orb.Point{}, false
	}
	return orb.Point{(bbox[0] + bbox[2]) / 2, (bbox[1] + bbox[3]) / 2}, true
}
