package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/geofleet/tileflow/internal/model"
)

// ImageRecord is one row of the image-request table, hash keyed by image_id.
type ImageRecord struct {
	ImageID            string              `dynamodbav:"image_id"`
	JobID              string              `dynamodbav:"job_id"`
	ImageURL           string              `dynamodbav:"image_url"`
	EndpointID         string              `dynamodbav:"endpoint_id"`
	Status             model.RequestStatus `dynamodbav:"status"`
	Message            string              `dynamodbav:"message,omitempty"`
	RegionCount        int                 `dynamodbav:"region_count"`
	RegionSuccess      int                 `dynamodbav:"region_success"`
	RegionError        int                 `dynamodbav:"region_error"`
	TileErrors         int                 `dynamodbav:"tile_errors"`
	Width              int                 `dynamodbav:"width,omitempty"`
	Height             int                 `dynamodbav:"height,omitempty"`
	FeatureProperties  string              `dynamodbav:"feature_properties,omitempty"`
	StartTime          int64               `dynamodbav:"start_time"`
	EndTime            int64               `dynamodbav:"end_time,omitempty"`
	ProcessingDuration int64               `dynamodbav:"processing_duration,omitempty"`
}

// RegionsComplete is the number of regions that have reached a terminal
// state, successful or not.
func (r *ImageRecord) RegionsComplete() int {
	return r.RegionSuccess + r.RegionError
}

// Complete reports whether every region of the image is terminal.
func (r *ImageRecord) Complete() bool {
	return r.RegionCount > 0 && r.RegionsComplete() >= r.RegionCount
}

// ImageStore tracks per-image lifecycle in the image-request table.
type ImageStore struct {
	client API
	table  string
}

// NewImageStore creates a store over the given table.
func NewImageStore(client API, table string) *ImageStore {
	return &ImageStore{client: client, table: table}
}

func imageKey(imageID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"image_id": &types.AttributeValueMemberS{Value: imageID},
	}
}

// StartImageRequest persists the initial row for an admitted image request.
func (s *ImageStore) StartImageRequest(ctx context.Context, req *model.ImageRequest) (*ImageRecord, error) {
	record := &ImageRecord{
		ImageID:    req.ImageID,
		JobID:      req.JobID,
		ImageURL:   req.ImageURL,
		EndpointID: req.Endpoint.Name,
		Status:     model.StatusInProgress,
		StartTime:  time.Now().Unix(),
	}
	if len(req.FeatureProperties) > 0 {
		props, err := json.Marshal(req.FeatureProperties)
		if err != nil {
			return nil, fmt.Errorf("marshal feature properties: %w", err)
		}
		record.FeatureProperties = string(props)
	}
	item, err := attributevalue.MarshalMap(record)
	if err != nil {
		return nil, fmt.Errorf("marshal image record: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	})
	if err != nil {
		return nil, fmt.Errorf("start image request %s: %w", req.ImageID, err)
	}
	return record, nil
}

// SetImageStats records the region count and raster dimensions once the
// image has been opened and tiled.
func (s *ImageStore) SetImageStats(ctx context.Context, imageID string, regionCount, width, height int) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.table),
		Key:              imageKey(imageID),
		UpdateExpression: aws.String("SET region_count = :rc, width = :w, height = :h"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":rc": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", regionCount)},
			":w":  &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", width)},
			":h":  &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", height)},
		},
	})
	if err != nil {
		return fmt.Errorf("set image stats for %s: %w", imageID, err)
	}
	return nil
}

// CompleteRegion atomically bumps the success or error counter for a
// finished region, along with the image-wide failed tile tally. Completion
// of the image is detected by comparing the region counters against
// region_count; the tile tally decides SUCCESS versus PARTIAL at the end.
func (s *ImageStore) CompleteRegion(ctx context.Context, imageID string, failed bool, failedTiles int) error {
	attr := "region_success"
	if failed {
		attr = "region_error"
	}
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.table),
		Key:              imageKey(imageID),
		UpdateExpression: aws.String(fmt.Sprintf("ADD %s :one, tile_errors :tiles", attr)),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one":   &types.AttributeValueMemberN{Value: "1"},
			":tiles": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", failedTiles)},
		},
		ConditionExpression: aws.String("attribute_exists(image_id)"),
	})
	if err != nil {
		return fmt.Errorf("complete region on image %s: %w", imageID, err)
	}
	return nil
}

// FinalStatus derives the terminal status from the region and tile
// counters.
func (r *ImageRecord) FinalStatus() model.RequestStatus {
	switch {
	case r.RegionCount > 0 && r.RegionError >= r.RegionCount:
		return model.StatusFailed
	case r.RegionError > 0 || r.TileErrors > 0:
		return model.StatusPartial
	default:
		return model.StatusSuccess
	}
}

// GetImageRequest fetches the row, or nil when absent.
func (s *ImageStore) GetImageRequest(ctx context.Context, imageID string) (*ImageRecord, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            imageKey(imageID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get image request %s: %w", imageID, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var record ImageRecord
	if err := attributevalue.UnmarshalMap(out.Item, &record); err != nil {
		return nil, fmt.Errorf("unmarshal image record %s: %w", imageID, err)
	}
	return &record, nil
}

// IsImageComplete reports whether all regions of the image are terminal.
func (s *ImageStore) IsImageComplete(ctx context.Context, imageID string) (bool, error) {
	record, err := s.GetImageRequest(ctx, imageID)
	if err != nil {
		return false, err
	}
	if record == nil {
		return false, fmt.Errorf("image request %s not found", imageID)
	}
	return record.Complete(), nil
}

// EndImageRequest marks the row terminal and records the processing
// duration.
func (s *ImageStore) EndImageRequest(ctx context.Context, imageID string, status model.RequestStatus, message string) (*ImageRecord, error) {
	now := time.Now().Unix()
	record, err := s.GetImageRequest(ctx, imageID)
	if err != nil {
		return nil, err
	}
	var duration int64
	if record != nil && record.StartTime > 0 {
		duration = now - record.StartTime
	}
	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key:       imageKey(imageID),
		UpdateExpression: aws.String(
			"SET #status = :status, end_time = :end, processing_duration = :dur, message = :msg"),
		ExpressionAttributeNames: map[string]string{"#status": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status": &types.AttributeValueMemberS{Value: string(status)},
			":end":    &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", now)},
			":dur":    &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", duration)},
			":msg":    &types.AttributeValueMemberS{Value: message},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("end image request %s: %w", imageID, err)
	}
	if record != nil {
		record.Status = status
		record.EndTime = now
		record.ProcessingDuration = duration
		record.Message = message
	}
	return record, nil
}
