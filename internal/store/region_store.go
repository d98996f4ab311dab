package store

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/geofleet/tileflow/internal/model"
)

// RegionRecord is one row of the region-request table, keyed by
// (image_id, region_id).
type RegionRecord struct {
	ImageID        string              `dynamodbav:"image_id"`
	RegionID       string              `dynamodbav:"region_id"`
	JobID          string              `dynamodbav:"job_id"`
	EndpointID     string              `dynamodbav:"endpoint_id"`
	Status         model.RequestStatus `dynamodbav:"status"`
	Message        string              `dynamodbav:"message,omitempty"`
	TotalTiles     int                 `dynamodbav:"total_tile_count"`
	SucceededCount int                 `dynamodbav:"succeeded_tile_count"`
	FailedCount    int                 `dynamodbav:"failed_tile_count"`
	SucceededTiles []string            `dynamodbav:"succeeded_tiles,stringset,omitempty"`
	FailedTiles    []string            `dynamodbav:"failed_tiles,stringset,omitempty"`
	StartTime      int64               `dynamodbav:"start_time"`
	EndTime        int64               `dynamodbav:"end_time,omitempty"`
}

// Terminal reports whether every tile of the region is accounted for.
func (r *RegionRecord) Terminal() bool {
	return r.TotalTiles > 0 && r.SucceededCount+r.FailedCount >= r.TotalTiles
}

// RegionStore tracks per-region progress in the region-request table.
type RegionStore struct {
	client API
	table  string
}

// NewRegionStore creates a store over the given table.
func NewRegionStore(client API, table string) *RegionStore {
	return &RegionStore{client: client, table: table}
}

func regionKey(imageID, regionID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"image_id":  &types.AttributeValueMemberS{Value: imageID},
		"region_id": &types.AttributeValueMemberS{Value: regionID},
	}
}

// StartRegionRequest writes the in-progress row for a region. Re-running a
// region overwrites the prior attempt's row but first reads it back and
// carries over the succeeded tile set and count (resume path).
func (s *RegionStore) StartRegionRequest(ctx context.Context, req *model.RegionRequest) (*RegionRecord, error) {
	existing, err := s.GetRegionRequest(ctx, req.ImageID, req.RegionID)
	if err != nil {
		return nil, err
	}
	record := &RegionRecord{
		ImageID:    req.ImageID,
		RegionID:   req.RegionID,
		JobID:      req.JobID,
		EndpointID: req.Endpoint.Name,
		Status:     model.StatusInProgress,
		StartTime:  time.Now().Unix(),
	}
	if existing != nil {
		record.SucceededTiles = existing.SucceededTiles
		record.SucceededCount = existing.SucceededCount
	}
	item, err := attributevalue.MarshalMap(record)
	if err != nil {
		return nil, fmt.Errorf("marshal region record: %w", err)
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	}); err != nil {
		return nil, fmt.Errorf("start region request %s/%s: %w", req.ImageID, req.RegionID, err)
	}
	return record, nil
}

// SetTotalTiles records the tile count for the region once tiling is done.
func (s *RegionStore) SetTotalTiles(ctx context.Context, imageID, regionID string, total int) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.table),
		Key:              regionKey(imageID, regionID),
		UpdateExpression: aws.String("SET total_tile_count = :total"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":total": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", total)},
		},
	})
	if err != nil {
		return fmt.Errorf("set total tiles for %s/%s: %w", imageID, regionID, err)
	}
	return nil
}

// AddTileResult atomically records one terminal tile. The tile id is added
// to the matching string set, so a duplicate add does not change the set;
// the matching counter is bumped on every call, and CompleteRegionRequest
// later overwrites both counters with the caller's final counts.
func (s *RegionStore) AddTileResult(ctx context.Context, imageID, regionID, tileID string, succeeded bool) error {
	attr := "succeeded_tiles"
	counter := "succeeded_tile_count"
	if !succeeded {
		attr = "failed_tiles"
		counter = "failed_tile_count"
	}
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.table),
		Key:              regionKey(imageID, regionID),
		UpdateExpression: aws.String(fmt.Sprintf("ADD %s :tile, %s :one", attr, counter)),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":tile": &types.AttributeValueMemberSS{Value: []string{tileID}},
			":one":  &types.AttributeValueMemberN{Value: "1"},
		},
	})
	if err != nil {
		return fmt.Errorf("add tile result %s to %s/%s: %w", tileID, imageID, regionID, err)
	}
	return nil
}

// CompleteRegionRequest marks the region terminal with its final counts.
// The update is conditional on the row not already being terminal, so
// concurrent finalizers agree on exactly one transition; the loser sees
// transitioned=false.
func (s *RegionStore) CompleteRegionRequest(ctx context.Context, imageID, regionID string, total, succeeded, failed int, status model.RequestStatus, message string) (bool, error) {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key:       regionKey(imageID, regionID),
		UpdateExpression: aws.String(
			"SET #status = :status, total_tile_count = :total, succeeded_tile_count = :succ, " +
				"failed_tile_count = :fail, end_time = :end, message = :msg"),
		ConditionExpression: aws.String("NOT #status IN (:success, :partial, :terminal_failed)"),
		ExpressionAttributeNames: map[string]string{"#status": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status":          &types.AttributeValueMemberS{Value: string(status)},
			":total":           &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", total)},
			":succ":            &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", succeeded)},
			":fail":            &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", failed)},
			":end":             &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", time.Now().Unix())},
			":msg":             &types.AttributeValueMemberS{Value: message},
			":success":         &types.AttributeValueMemberS{Value: string(model.StatusSuccess)},
			":partial":         &types.AttributeValueMemberS{Value: string(model.StatusPartial)},
			":terminal_failed": &types.AttributeValueMemberS{Value: string(model.StatusFailed)},
		},
	})
	if err != nil {
		if IsConditionalCheckFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("complete region request %s/%s: %w", imageID, regionID, err)
	}
	return true, nil
}

// GetRegionRequest fetches the row, or nil when absent.
func (s *RegionStore) GetRegionRequest(ctx context.Context, imageID, regionID string) (*RegionRecord, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            regionKey(imageID, regionID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get region request %s/%s: %w", imageID, regionID, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var record RegionRecord
	if err := attributevalue.UnmarshalMap(out.Item, &record); err != nil {
		return nil, fmt.Errorf("unmarshal region record %s/%s: %w", imageID, regionID, err)
	}
	return &record, nil
}
