// Package worker contains the tile processing machinery: the per-region
// worker pool for synchronous endpoints, the submission and results workers
// for asynchronous endpoints, and the resource manager that cleans up after
// both.
package worker

import (
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/geofleet/tileflow/internal/model"
)

// translateGeometry shifts a tile-local pixel geometry into full-image
// pixel coordinates.
func translateGeometry(geom orb.Geometry, dCol, dRow float64) orb.Geometry {
	switch g := geom.(type) {
	case orb.Point:
		return orb.Point{g[0] + dCol, g[1] + dRow}
	case orb.MultiPoint:
		out := make(orb.MultiPoint, len(g))
		for i, pt := range g {
			out[i] = orb.Point{pt[0] + dCol, pt[1] + dRow}
		}
		return out
	case orb.LineString:
		out := make(orb.LineString, len(g))
		for i, pt := range g {
			out[i] = orb.Point{pt[0] + dCol, pt[1] + dRow}
		}
		return out
	case orb.Ring:
		out := make(orb.Ring, len(g))
		for i, pt := range g {
			out[i] = orb.Point{pt[0] + dCol, pt[1] + dRow}
		}
		return out
	case orb.Polygon:
		out := make(orb.Polygon, len(g))
		for i, ring := range g {
			out[i] = translateGeometry(ring, dCol, dRow).(orb.Ring)
		}
		return out
	case orb.MultiPolygon:
		out := make(orb.MultiPolygon, len(g))
		for i, poly := range g {
			out[i] = translateGeometry(poly, dCol, dRow).(orb.Polygon)
		}
		return out
	}
	return geom
}

// Enricher rewrites raw detector output into system features: tile-local
// pixel coordinates become image coordinates, and source, inference and
// user-supplied properties are attached.
type Enricher struct {
	ImageID    string
	Source     model.SourceMetadata
	Inference  model.InferenceMetadata
	UserProps  map[string]any
}

// NewEnricher builds an enricher for one image and endpoint.
func NewEnricher(imageID string, source model.SourceMetadata, modelName, targetVariant string, userProps map[string]any) *Enricher {
	return &Enricher{
		ImageID: imageID,
		Source:  source,
		Inference: model.InferenceMetadata{
			ModelName:     modelName,
			TargetVariant: targetVariant,
			Timestamp:     time.Now().UTC().Format(time.RFC3339),
		},
		UserProps: userProps,
	}
}

// Enrich rewrites the features of one tile in place and returns them.
func (e *Enricher) Enrich(features []*geojson.Feature, tileBounds model.Bounds) []*geojson.Feature {
	dCol := float64(tileBounds.Col)
	dRow := float64(tileBounds.Row)
	for _, f := range features {
		if f.Properties == nil {
			f.Properties = geojson.Properties{}
		}
		if f.Geometry != nil {
			f.Geometry = translateGeometry(f.Geometry, dCol, dRow)
			bound := f.Geometry.Bound()
			model.SetPixelBBox(f, bound.Min[0], bound.Min[1], bound.Max[0], bound.Max[1])
		}
		f.Properties[model.PropImageID] = e.ImageID
		f.Properties[model.PropSourceMetadata] = e.Source
		f.Properties[model.PropInferenceMetadata] = e.Inference
		for k, v := range e.UserProps {
			f.Properties[k] = v
		}
	}
	return features
}
