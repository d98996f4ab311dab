// Package handler contains the two request coordinators: the image handler
// that turns an admitted image into region work and aggregates its results,
// and the region handler that executes a single region. Handlers report
// their disposition as a tagged outcome; the main loop decides what happens
// to the upstream message.
package handler

import (
	"context"

	"github.com/paulmach/orb/geojson"

	"github.com/geofleet/tileflow/internal/model"
	"github.com/geofleet/tileflow/internal/store"
)

// Outcome tells the main loop how to dispose of the message that produced
// the work.
type Outcome int

const (
	// OutcomeDone means processing finished (successfully or with a recorded
	// terminal failure); the message is deleted.
	OutcomeDone Outcome = iota
	// OutcomeRetry means a transient failure; the message is released with
	// zero visibility so another worker retries immediately.
	OutcomeRetry
	// OutcomeThrottled means the endpoint is at capacity; the region message
	// is released untouched.
	OutcomeThrottled
)

// Store interfaces, narrowed to what the handlers use so tests can fake
// them.

// ImageRequests is the image-request table surface.
type ImageRequests interface {
	StartImageRequest(ctx context.Context, req *model.ImageRequest) (*store.ImageRecord, error)
	SetImageStats(ctx context.Context, imageID string, regionCount, width, height int) error
	CompleteRegion(ctx context.Context, imageID string, failed bool, failedTiles int) error
	GetImageRequest(ctx context.Context, imageID string) (*store.ImageRecord, error)
	EndImageRequest(ctx context.Context, imageID string, status model.RequestStatus, message string) (*store.ImageRecord, error)
}

// RegionRequests is the region-request table surface.
type RegionRequests interface {
	StartRegionRequest(ctx context.Context, req *model.RegionRequest) (*store.RegionRecord, error)
	SetTotalTiles(ctx context.Context, imageID, regionID string, total int) error
	AddTileResult(ctx context.Context, imageID, regionID, tileID string, succeeded bool) error
	CompleteRegionRequest(ctx context.Context, imageID, regionID string, total, succeeded, failed int, status model.RequestStatus, message string) (bool, error)
	GetRegionRequest(ctx context.Context, imageID, regionID string) (*store.RegionRecord, error)
}

// OutstandingJobs is the requested-jobs table surface.
type OutstandingJobs interface {
	UpdateRegionCount(ctx context.Context, endpointID, jobID string, regionCount int) error
	CompleteRegion(ctx context.Context, endpointID, jobID, regionID string) error
	RemoveRequest(ctx context.Context, endpointID, jobID string) error
}

// Features is the feature table surface.
type Features interface {
	AddFeatures(ctx context.Context, imageID, regionID string, tileBounds model.Bounds, features []*geojson.Feature) error
	GetAllFeatures(ctx context.Context, imageID string) ([]*geojson.Feature, error)
}

// StatusEvents publishes lifecycle events.
type StatusEvents interface {
	ImageEvent(ctx context.Context, imageID, jobID string, status model.RequestStatus, message string, duration int64) error
	RegionEvent(ctx context.Context, imageID, regionID string, status model.RequestStatus, message string) error
}

// EndpointThrottle is the shared in-progress region counter.
type EndpointThrottle interface {
	InProgressRegions(ctx context.Context, endpointID string) (int, error)
	IncrementRegions(ctx context.Context, endpointID string) error
	DecrementRegions(ctx context.Context, endpointID string) error
}

// RegionQueue enqueues derived region requests.
type RegionQueue interface {
	Send(ctx context.Context, body string) error
}
