package model

import "time"

// TileRequestTTL bounds the lifetime of async tile rows; DynamoDB expires
// them via the expire_time attribute.
const TileRequestTTL = 7 * 24 * time.Hour

// TileRequest is the per-tile record used by the asynchronous inference
// path. It is keyed by (region_id, tile_id) and indexed secondarily by
// inference id and by result object URI, because async result notifications
// may arrive keyed by either.
type TileRequest struct {
	RegionID        string        `dynamodbav:"region_id"`
	TileID          string        `dynamodbav:"tile_id"`
	ImageID         string        `dynamodbav:"image_id"`
	ImagePath       string        `dynamodbav:"image_path"`
	TileBounds      Bounds        `dynamodbav:"tile_bounds"`
	Status          RequestStatus `dynamodbav:"tile_status"`
	InferenceID     string        `dynamodbav:"inference_id,omitempty"`
	InputLocation   string        `dynamodbav:"input_location,omitempty"`
	OutputLocation  string        `dynamodbav:"output_location,omitempty"`
	FailureLocation string        `dynamodbav:"failure_location,omitempty"`
	ErrorMessage    string        `dynamodbav:"error_message,omitempty"`
	RetryCount      int           `dynamodbav:"retry_count"`
	StartTime       int64         `dynamodbav:"start_time"`
	EndTime         int64         `dynamodbav:"end_time,omitempty"`
	ExpireTime      int64         `dynamodbav:"expire_time"`
}

// NewTileRequest creates a pending tile row for the async submission worker.
func NewTileRequest(imageID, regionID string, bounds Bounds, imagePath string) *TileRequest {
	now := time.Now()
	return &TileRequest{
		RegionID:   regionID,
		TileID:     bounds.ID(),
		ImageID:    imageID,
		ImagePath:  imagePath,
		TileBounds: bounds,
		Status:     StatusPending,
		StartTime:  now.Unix(),
		ExpireTime: now.Add(TileRequestTTL).Unix(),
	}
}

// Terminal reports whether the tile has reached a final state. Terminal rows
// ignore further notifications and poller ticks.
func (t *TileRequest) Terminal() bool {
	return t.Status.Terminal()
}
