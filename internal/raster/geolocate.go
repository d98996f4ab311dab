package raster

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/geofleet/tileflow/internal/model"
)

// transformGeometry maps a pixel-space geometry through the sensor model.
func transformGeometry(sensor SensorModel, geom orb.Geometry) orb.Geometry {
	switch g := geom.(type) {
	case orb.Point:
		return sensor.PixelToGeo(g[0], g[1])
	case orb.MultiPoint:
		out := make(orb.MultiPoint, len(g))
		for i, pt := range g {
			out[i] = sensor.PixelToGeo(pt[0], pt[1])
		}
		return out
	case orb.LineString:
		out := make(orb.LineString, len(g))
		for i, pt := range g {
			out[i] = sensor.PixelToGeo(pt[0], pt[1])
		}
		return out
	case orb.Ring:
		out := make(orb.Ring, len(g))
		for i, pt := range g {
			out[i] = sensor.PixelToGeo(pt[0], pt[1])
		}
		return out
	case orb.Polygon:
		out := make(orb.Polygon, len(g))
		for i, ring := range g {
			out[i] = transformGeometry(sensor, ring).(orb.Ring)
		}
		return out
	case orb.MultiPolygon:
		out := make(orb.MultiPolygon, len(g))
		for i, poly := range g {
			out[i] = transformGeometry(sensor, poly).(orb.Polygon)
		}
		return out
	}
	return geom
}

// GeolocateFeatures rewrites each feature's geometry from image pixel space
// to geographic coordinates, preserving the pixel geometry in the feature
// properties. Features without a pixel geometry are left untouched.
func GeolocateFeatures(sensor SensorModel, features []*geojson.Feature) {
	if sensor == nil {
		return
	}
	for _, f := range features {
		if f.Geometry == nil {
			continue
		}
		f.Properties[model.PropImageGeometry] = geojson.NewGeometry(f.Geometry)
		f.Geometry = transformGeometry(sensor, f.Geometry)
	}
}
