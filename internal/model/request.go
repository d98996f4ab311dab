package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// OutputSpec describes one destination for the aggregated feature collection.
type OutputSpec struct {
	Type      string `json:"type"` // "S3" or "Kinesis"
	Bucket    string `json:"bucket,omitempty"`
	Prefix    string `json:"prefix,omitempty"`
	Stream    string `json:"stream,omitempty"`
	BatchSize int    `json:"batchSize,omitempty"`
}

// EndpointSpec identifies the model endpoint and how to invoke it.
type EndpointSpec struct {
	Name string     `json:"name"`
	Type InvokeMode `json:"type"`
}

// PostProcessingAlgorithm selects the feature distillation algorithm.
type PostProcessingAlgorithm struct {
	AlgorithmType string  `json:"algorithmType"`
	IouThreshold  float64 `json:"iouThreshold"`
}

// PostProcessingStep is one entry in the request's postProcessing list.
type PostProcessingStep struct {
	Step      string                  `json:"step"`
	Algorithm PostProcessingAlgorithm `json:"algorithm"`
}

const (
	// StepFeatureDistillation is the only post-processing step currently
	// recognized; it triggers deduplication of overlapping detections.
	StepFeatureDistillation = "FEATURE_DISTILLATION"
	// AlgorithmNMS selects non-maximum suppression for distillation.
	AlgorithmNMS = "NMS"
)

// TargetVariantKey is the endpoint parameter carrying an explicit variant
// override. An explicit value is never clobbered by the variant selector.
const TargetVariantKey = "TargetVariant"

// imageRequestMessage is the wire shape of an upstream queue message.
type imageRequestMessage struct {
	JobName                      string               `json:"jobName"`
	JobID                        string               `json:"jobId"`
	ImageURLs                    []string             `json:"imageUrls"`
	Outputs                      []OutputSpec         `json:"outputs"`
	ImageProcessor               EndpointSpec         `json:"imageProcessor"`
	ImageProcessorParameters     map[string]string    `json:"imageProcessorParameters,omitempty"`
	ImageProcessorTileSize       int                  `json:"imageProcessorTileSize"`
	ImageProcessorTileOverlap    int                  `json:"imageProcessorTileOverlap"`
	ImageProcessorTileFormat     string               `json:"imageProcessorTileFormat,omitempty"`
	ImageProcessorTileCompression string              `json:"imageProcessorTileCompression,omitempty"`
	PostProcessing               []PostProcessingStep `json:"postProcessing,omitempty"`
	RegionOfInterest             string               `json:"regionOfInterest,omitempty"`
	ImageReadRole                string               `json:"imageReadRole,omitempty"`
	ImageProcessorRole           string               `json:"imageProcessorRole,omitempty"`
	FeatureProperties            map[string]any       `json:"featureProperties,omitempty"`
}

// ImageRequest is the admission unit of the system: one image to be tiled,
// dispatched to a model endpoint and aggregated into a feature collection.
type ImageRequest struct {
	JobName            string
	JobID              string
	ImageID            string
	ImageURL           string
	Outputs            []OutputSpec
	Endpoint           EndpointSpec
	EndpointParameters map[string]string
	TileSize           Dimensions
	TileOverlap        Dimensions
	TileFormat         string
	TileCompression    string
	PostProcessing     []PostProcessingStep
	RegionOfInterest   string
	ImageReadRole      string
	ImageProcessorRole string
	FeatureProperties  map[string]any
	ReceivedAt         time.Time
}

// ParseImageRequest decodes an upstream queue message body.
func ParseImageRequest(body []byte) (*ImageRequest, error) {
	var msg imageRequestMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, Errorf(KindInvalidRequest, "unmarshal image request: %w", err)
	}
	req := &ImageRequest{
		JobName:            msg.JobName,
		JobID:              msg.JobID,
		Outputs:            msg.Outputs,
		Endpoint:           msg.ImageProcessor,
		EndpointParameters: msg.ImageProcessorParameters,
		TileSize:           Dimensions{Width: msg.ImageProcessorTileSize, Height: msg.ImageProcessorTileSize},
		TileOverlap:        Dimensions{Width: msg.ImageProcessorTileOverlap, Height: msg.ImageProcessorTileOverlap},
		TileFormat:         msg.ImageProcessorTileFormat,
		TileCompression:    msg.ImageProcessorTileCompression,
		PostProcessing:     msg.PostProcessing,
		RegionOfInterest:   msg.RegionOfInterest,
		ImageReadRole:      msg.ImageReadRole,
		ImageProcessorRole: msg.ImageProcessorRole,
		FeatureProperties:  msg.FeatureProperties,
		ReceivedAt:         time.Now().UTC(),
	}
	if len(msg.ImageURLs) > 0 {
		req.ImageURL = msg.ImageURLs[0]
	}
	if req.TileFormat == "" {
		req.TileFormat = "NITF"
	}
	if req.TileCompression == "" {
		req.TileCompression = "NONE"
	}
	req.ImageID = ImageID(req.JobID, req.ImageURL)
	return req, nil
}

// ImageID derives the fleet-wide image identifier from the job id and URL.
func ImageID(jobID, imageURL string) string {
	return jobID + ":" + imageURL
}

// Validate checks the request invariants: identity fields present, a usable
// invoke mode, positive tile size, and overlap strictly smaller than the tile
// in both axes.
func (r *ImageRequest) Validate() error {
	if strings.TrimSpace(r.JobID) == "" {
		return Errorf(KindInvalidRequest, "jobId is required")
	}
	if strings.TrimSpace(r.ImageURL) == "" {
		return Errorf(KindInvalidRequest, "at least one image URL is required")
	}
	if r.Endpoint.Name == "" {
		return Errorf(KindInvalidRequest, "imageProcessor.name is required")
	}
	if !r.Endpoint.Type.Valid() {
		return Errorf(KindInvalidRequest, "unrecognized imageProcessor.type %q", r.Endpoint.Type)
	}
	if r.TileSize.Width <= 0 || r.TileSize.Height <= 0 {
		return Errorf(KindInvalidRequest, "tile size must be positive, got %dx%d", r.TileSize.Width, r.TileSize.Height)
	}
	if r.TileOverlap.Width < 0 || r.TileOverlap.Height < 0 {
		return Errorf(KindInvalidRequest, "tile overlap must be non-negative")
	}
	if r.TileOverlap.Width >= r.TileSize.Width || r.TileOverlap.Height >= r.TileSize.Height {
		return Errorf(KindInvalidRequest, "tile overlap %dx%d must be smaller than tile size %dx%d",
			r.TileOverlap.Width, r.TileOverlap.Height, r.TileSize.Width, r.TileSize.Height)
	}
	if len(r.Outputs) == 0 {
		return Errorf(KindInvalidRequest, "at least one output sink is required")
	}
	for _, out := range r.Outputs {
		switch out.Type {
		case "S3":
			if out.Bucket == "" {
				return Errorf(KindInvalidRequest, "S3 output requires a bucket")
			}
		case "Kinesis":
			if out.Stream == "" {
				return Errorf(KindInvalidRequest, "Kinesis output requires a stream")
			}
		default:
			return Errorf(KindInvalidRequest, "unrecognized output type %q", out.Type)
		}
	}
	return nil
}

// TargetVariant returns the explicit variant override, if any.
func (r *ImageRequest) TargetVariant() string {
	if r.EndpointParameters == nil {
		return ""
	}
	return r.EndpointParameters[TargetVariantKey]
}

// SetTargetVariant records a selected variant on the request. Callers must
// not overwrite an explicit override; the variant selector checks first.
func (r *ImageRequest) SetTargetVariant(variant string) {
	if r.EndpointParameters == nil {
		r.EndpointParameters = map[string]string{}
	}
	r.EndpointParameters[TargetVariantKey] = variant
}

// DistillationStep returns the feature-distillation post-processing step when
// the request carries one.
func (r *ImageRequest) DistillationStep() (PostProcessingStep, bool) {
	for _, step := range r.PostProcessing {
		if step.Step == StepFeatureDistillation {
			return step, true
		}
	}
	return PostProcessingStep{}, false
}

// Marshal serializes the request back to its wire shape so it can be stored
// in the outstanding-jobs table and replayed on retry.
func (r *ImageRequest) Marshal() ([]byte, error) {
	msg := imageRequestMessage{
		JobName:                      r.JobName,
		JobID:                        r.JobID,
		ImageURLs:                    []string{r.ImageURL},
		Outputs:                      r.Outputs,
		ImageProcessor:               r.Endpoint,
		ImageProcessorParameters:     r.EndpointParameters,
		ImageProcessorTileSize:       r.TileSize.Width,
		ImageProcessorTileOverlap:    r.TileOverlap.Width,
		ImageProcessorTileFormat:     r.TileFormat,
		ImageProcessorTileCompression: r.TileCompression,
		PostProcessing:               r.PostProcessing,
		RegionOfInterest:             r.RegionOfInterest,
		ImageReadRole:                r.ImageReadRole,
		ImageProcessorRole:           r.ImageProcessorRole,
		FeatureProperties:            r.FeatureProperties,
	}
	return json.Marshal(msg)
}

// RegionRequest is a per-region work unit derived from an ImageRequest. One
// image yields one or more regions, each tiled and processed independently.
type RegionRequest struct {
	JobID              string            `json:"jobId"`
	ImageID            string            `json:"imageId"`
	ImageURL           string            `json:"imageUrl"`
	RegionID           string            `json:"regionId"`
	RegionBounds       Bounds            `json:"regionBounds"`
	Outputs            []OutputSpec      `json:"outputs"`
	Endpoint           EndpointSpec      `json:"imageProcessor"`
	EndpointParameters map[string]string `json:"imageProcessorParameters,omitempty"`
	TileSize           Dimensions        `json:"tileSize"`
	TileOverlap        Dimensions        `json:"tileOverlap"`
	TileFormat         string            `json:"tileFormat"`
	TileCompression    string            `json:"tileCompression"`
	ImageReadRole      string            `json:"imageReadRole,omitempty"`
	ImageProcessorRole string            `json:"imageProcessorRole,omitempty"`
	FeatureProperties  map[string]any    `json:"featureProperties,omitempty"`
}

// NewRegionRequest derives the region work unit for one window of the image.
func NewRegionRequest(img *ImageRequest, bounds Bounds) *RegionRequest {
	return &RegionRequest{
		JobID:              img.JobID,
		ImageID:            img.ImageID,
		ImageURL:           img.ImageURL,
		RegionID:           bounds.ID(),
		RegionBounds:       bounds,
		Outputs:            img.Outputs,
		Endpoint:           img.Endpoint,
		EndpointParameters: img.EndpointParameters,
		TileSize:           img.TileSize,
		TileOverlap:        img.TileOverlap,
		TileFormat:         img.TileFormat,
		TileCompression:    img.TileCompression,
		ImageReadRole:      img.ImageReadRole,
		ImageProcessorRole: img.ImageProcessorRole,
		FeatureProperties:  img.FeatureProperties,
	}
}

// ParseRegionRequest decodes a region queue message body.
func ParseRegionRequest(body []byte) (*RegionRequest, error) {
	var req RegionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, Errorf(KindInvalidRequest, "unmarshal region request: %w", err)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return &req, nil
}

// Validate checks the region request invariants.
func (r *RegionRequest) Validate() error {
	if r.ImageID == "" || r.ImageURL == "" {
		return Errorf(KindInvalidRequest, "region request missing image identity")
	}
	if r.RegionID == "" {
		return Errorf(KindInvalidRequest, "region request missing region id")
	}
	if r.RegionBounds.IsEmpty() {
		return Errorf(KindInvalidRequest, "region bounds %v are empty", r.RegionBounds)
	}
	if r.Endpoint.Name == "" || !r.Endpoint.Type.Valid() {
		return Errorf(KindInvalidRequest, "region request has no usable endpoint")
	}
	if r.TileSize.Width <= 0 || r.TileSize.Height <= 0 {
		return Errorf(KindInvalidRequest, "region request tile size must be positive")
	}
	return nil
}

// TargetVariant returns the variant override carried by the region request.
func (r *RegionRequest) TargetVariant() string {
	if r.EndpointParameters == nil {
		return ""
	}
	return r.EndpointParameters[TargetVariantKey]
}

// Marshal serializes the region request for the region work queue.
func (r *RegionRequest) Marshal() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("marshal region request: %w", err)
	}
	return data, nil
}
