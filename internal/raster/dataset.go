// Package raster wraps GDAL (via godal) access to source imagery: opening
// datasets from object-store URLs, encoding pixel windows into model-ready
// tiles, and mapping between pixel and geographic coordinates.
package raster

import (
	"fmt"
	"strings"
	"sync"

	"github.com/airbusgeo/godal"

	"github.com/geofleet/tileflow/internal/model"
)

var registerOnce sync.Once

// Dataset is an open raster with its sensor model.
type Dataset struct {
	ds     *godal.Dataset
	path   string
	width  int
	height int
	sensor SensorModel
}

// GDALPath converts an s3:// URL into the GDAL virtual filesystem path that
// streams pixels incrementally; other paths pass through unchanged.
func GDALPath(imageURL string) string {
	if strings.HasPrefix(imageURL, "s3://") {
		return "/vsis3/" + strings.TrimPrefix(imageURL, "s3://")
	}
	return imageURL
}

// OpenDataset opens the image behind the URL read-only. The returned dataset
// is not safe for concurrent tile encoding; each worker pool owns one.
func OpenDataset(imageURL string) (*Dataset, error) {
	return OpenDatasetWithEnv(imageURL, nil)
}

// OpenDatasetWithEnv opens the image with additional GDAL configuration
// options in KEY=VALUE form. Per-request assumed-role credentials are passed
// this way so GDAL's incremental object-store reads run as the customer
// role, scoped to this dataset handle rather than the process.
func OpenDatasetWithEnv(imageURL string, env []string) (*Dataset, error) {
	registerOnce.Do(godal.RegisterAll)
	path := GDALPath(imageURL)
	ds, err := godal.Open(path, godal.ConfigOption(env...))
	if err != nil {
		return nil, model.Errorf(model.KindLoadImage, "open dataset %s: %w", path, err)
	}
	structure := ds.Structure()
	d := &Dataset{
		ds:     ds,
		path:   path,
		width:  structure.SizeX,
		height: structure.SizeY,
	}
	if gt, err := ds.GeoTransform(); err == nil {
		d.sensor = &GeoTransformSensor{Transform: gt}
	}
	return d, nil
}

// Close releases the underlying GDAL handle.
func (d *Dataset) Close() error {
	if d.ds == nil {
		return nil
	}
	err := d.ds.Close()
	d.ds = nil
	return err
}

// Width returns the raster width in pixels.
func (d *Dataset) Width() int { return d.width }

// Height returns the raster height in pixels.
func (d *Dataset) Height() int { return d.height }

// Extent returns the full-image pixel bounds.
func (d *Dataset) Extent() model.Bounds {
	return model.Bounds{Row: 0, Col: 0, Width: d.width, Height: d.height}
}

// Sensor returns the dataset's sensor model, or nil when the image carries
// no geo positioning metadata. Output for such images is not geo-referenced.
func (d *Dataset) Sensor() SensorModel { return d.sensor }

// Metadata extracts source metadata recorded alongside every feature.
func (d *Dataset) Metadata(imageURL string) model.SourceMetadata {
	meta := model.SourceMetadata{
		Location: imageURL,
		Format:   ImageFormat(imageURL),
	}
	if d.ds != nil {
		// NITF carries acquisition time and source id in well-known keys;
		// other drivers simply return empty strings.
		meta.AcquisitionTime = d.ds.Metadata("NITF_IDATIM")
		meta.SourceID = d.ds.Metadata("NITF_ISORCE")
	}
	return meta
}

// ImageFormat guesses the container format from the URL suffix.
func ImageFormat(imageURL string) string {
	lower := strings.ToLower(imageURL)
	switch {
	case strings.HasSuffix(lower, ".ntf"), strings.HasSuffix(lower, ".nitf"):
		return "NITF"
	case strings.HasSuffix(lower, ".tif"), strings.HasSuffix(lower, ".tiff"):
		return "GTIFF"
	case strings.HasSuffix(lower, ".jp2"):
		return "JPEG2000"
	case strings.HasSuffix(lower, ".png"):
		return "PNG"
	case strings.HasSuffix(lower, ".jpg"), strings.HasSuffix(lower, ".jpeg"):
		return "JPEG"
	}
	return ""
}

// CountRegions opens only the image header to compute the number of regions
// the request will produce. The scheduler uses this for admission control
// before any worker commits to the image.
func CountRegions(imageURL string, regionSize, tileSize, tileOverlap model.Dimensions, compute func(model.Bounds, model.Dimensions, model.Dimensions, model.Dimensions) []model.Bounds) (int, error) {
	ds, err := OpenDataset(imageURL)
	if err != nil {
		return 0, err
	}
	defer ds.Close()
	regions := compute(ds.Extent(), regionSize, tileSize, tileOverlap)
	if len(regions) == 0 {
		return 0, fmt.Errorf("image %s produced no regions", imageURL)
	}
	return len(regions), nil
}
