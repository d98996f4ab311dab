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

// Secondary index names on the tile-request table. Async result
// notifications arrive keyed either by inference id (endpoint events) or by
// result object URI (object-store events), so both need an index.
const (
	InferenceIDIndex    = "inference_id-index"
	OutputLocationIndex = "output_location-index"
)

// TileStore tracks per-tile async inference state, keyed by
// (region_id, tile_id) with a 7-day TTL.
type TileStore struct {
	client API
	table  string
}

// NewTileStore creates a store over the given table.
func NewTileStore(client API, table string) *TileStore {
	return &TileStore{client: client, table: table}
}

func tileKey(regionID, tileID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"region_id": &types.AttributeValueMemberS{Value: regionID},
		"tile_id":   &types.AttributeValueMemberS{Value: tileID},
	}
}

// StartTileRequest writes the pending row for a tile about to be submitted.
// If the row already exists (a retried submission), the existing row is
// returned unchanged.
func (s *TileStore) StartTileRequest(ctx context.Context, tile *model.TileRequest) (*model.TileRequest, error) {
	item, err := attributevalue.MarshalMap(tile)
	if err != nil {
		return nil, fmt.Errorf("marshal tile request: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(tile_id)"),
	})
	if err != nil {
		if IsConditionalCheckFailed(err) {
			return s.GetTileRequest(ctx, tile.RegionID, tile.TileID)
		}
		return nil, fmt.Errorf("start tile request %s/%s: %w", tile.RegionID, tile.TileID, err)
	}
	return tile, nil
}

// UpdateInferenceInfo records the inference id and result locations returned
// by the async endpoint and moves the row to IN_PROGRESS.
func (s *TileStore) UpdateInferenceInfo(ctx context.Context, regionID, tileID, inferenceID, inputLocation, outputLocation, failureLocation string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key:       tileKey(regionID, tileID),
		UpdateExpression: aws.String(
			"SET tile_status = :status, inference_id = :inf, input_location = :in, " +
				"output_location = :out, failure_location = :fail"),
		ConditionExpression: aws.String("attribute_exists(tile_id)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status": &types.AttributeValueMemberS{Value: string(model.StatusInProgress)},
			":inf":    &types.AttributeValueMemberS{Value: inferenceID},
			":in":     &types.AttributeValueMemberS{Value: inputLocation},
			":out":    &types.AttributeValueMemberS{Value: outputLocation},
			":fail":   &types.AttributeValueMemberS{Value: failureLocation},
		},
	})
	if err != nil {
		return fmt.Errorf("update inference info for %s/%s: %w", regionID, tileID, err)
	}
	return nil
}

// CompleteTileRequest transitions the row to a terminal status. The update
// is conditional on the row being non-terminal: exactly one of the possible
// completion events (success notification, failure notification, poller
// result) takes effect, later ones are no-ops reported as transitioned=false.
func (s *TileStore) CompleteTileRequest(ctx context.Context, regionID, tileID string, status model.RequestStatus, errorMessage string) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("complete tile request with non-terminal status %s", status)
	}
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key:       tileKey(regionID, tileID),
		UpdateExpression: aws.String(
			"SET tile_status = :status, error_message = :msg, end_time = :end"),
		ConditionExpression: aws.String(
			"attribute_exists(tile_id) AND NOT tile_status IN (:success, :partial, :failed)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":status":  &types.AttributeValueMemberS{Value: string(status)},
			":msg":     &types.AttributeValueMemberS{Value: errorMessage},
			":end":     &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", time.Now().Unix())},
			":success": &types.AttributeValueMemberS{Value: string(model.StatusSuccess)},
			":partial": &types.AttributeValueMemberS{Value: string(model.StatusPartial)},
			":failed":  &types.AttributeValueMemberS{Value: string(model.StatusFailed)},
		},
	})
	if err != nil {
		if IsConditionalCheckFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("complete tile request %s/%s: %w", regionID, tileID, err)
	}
	return true, nil
}

// IncrementRetryCount bumps the retry counter for a tile.
func (s *TileStore) IncrementRetryCount(ctx context.Context, regionID, tileID string) error {
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.table),
		Key:              tileKey(regionID, tileID),
		UpdateExpression: aws.String("ADD retry_count :one"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": &types.AttributeValueMemberN{Value: "1"},
		},
	})
	if err != nil {
		return fmt.Errorf("increment retry count for %s/%s: %w", regionID, tileID, err)
	}
	return nil
}

// GetTileRequest fetches one row, or nil when absent.
func (s *TileStore) GetTileRequest(ctx context.Context, regionID, tileID string) (*model.TileRequest, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            tileKey(regionID, tileID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get tile request %s/%s: %w", regionID, tileID, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var tile model.TileRequest
	if err := attributevalue.UnmarshalMap(out.Item, &tile); err != nil {
		return nil, fmt.Errorf("unmarshal tile request %s/%s: %w", regionID, tileID, err)
	}
	return &tile, nil
}

func (s *TileStore) queryIndexUnique(ctx context.Context, index, attr, value string) (*model.TileRequest, error) {
	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		IndexName:              aws.String(index),
		KeyConditionExpression: aws.String(fmt.Sprintf("%s = :v", attr)),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v": &types.AttributeValueMemberS{Value: value},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("query %s for %s: %w", index, value, err)
	}
	if len(out.Items) == 0 {
		return nil, nil
	}
	if len(out.Items) > 1 {
		// A correlation key must resolve to a unique tile; multiple matches
		// indicate a bug upstream and are treated as a lookup failure.
		return nil, fmt.Errorf("%s resolved %d tile requests for %s", index, len(out.Items), value)
	}
	var tile model.TileRequest
	if err := attributevalue.UnmarshalMap(out.Items[0], &tile); err != nil {
		return nil, fmt.Errorf("unmarshal tile request from %s: %w", index, err)
	}
	return &tile, nil
}

// GetTileRequestByInferenceID resolves an endpoint event to its tile.
func (s *TileStore) GetTileRequestByInferenceID(ctx context.Context, inferenceID string) (*model.TileRequest, error) {
	return s.queryIndexUnique(ctx, InferenceIDIndex, "inference_id", inferenceID)
}

// GetTileRequestByOutputLocation resolves an object-store event to its tile.
func (s *TileStore) GetTileRequestByOutputLocation(ctx context.Context, outputLocation string) (*model.TileRequest, error) {
	return s.queryIndexUnique(ctx, OutputLocationIndex, "output_location", outputLocation)
}

// GetTilesForRegion returns every tile row for the region.
func (s *TileStore) GetTilesForRegion(ctx context.Context, regionID string) ([]*model.TileRequest, error) {
	var tiles []*model.TileRequest
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			KeyConditionExpression: aws.String("region_id = :r"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":r": &types.AttributeValueMemberS{Value: regionID},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("query tiles for region %s: %w", regionID, err)
		}
		for _, item := range out.Items {
			var tile model.TileRequest
			if err := attributevalue.UnmarshalMap(item, &tile); err != nil {
				return nil, fmt.Errorf("unmarshal tile request: %w", err)
			}
			tiles = append(tiles, &tile)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return tiles, nil
}

// GetRegionCompleteCounts returns how many tiles of the region have failed
// and how many are terminal overall. Errors propagate; callers must not see
// fabricated defaults.
func (s *TileStore) GetRegionCompleteCounts(ctx context.Context, regionID string) (failed, completed int, err error) {
	tiles, err := s.GetTilesForRegion(ctx, regionID)
	if err != nil {
		return 0, 0, err
	}
	for _, tile := range tiles {
		switch tile.Status {
		case model.StatusFailed:
			failed++
			completed++
		case model.StatusSuccess:
			completed++
		}
	}
	return failed, completed, nil
}
