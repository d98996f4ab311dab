package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/paulmach/orb/geojson"

	"github.com/geofleet/tileflow/internal/model"
)

// featureBatchSize bounds features per item to stay well under the DynamoDB
// item size cap for typical detections.
const featureBatchSize = 50

// ddbBatchWriteMax is the BatchWriteItem request cap.
const ddbBatchWriteMax = 25

// FeatureStore persists per-tile feature collections, hash keyed by image id
// with a tile-salted range key. Writing the same tile's features again
// overwrites the same range keys, which keeps retried tiles idempotent: a
// region's contribution lands at most once regardless of attempts.
type FeatureStore struct {
	client API
	table  string
}

// NewFeatureStore creates a store over the given table.
func NewFeatureStore(client API, table string) *FeatureStore {
	return &FeatureStore{client: client, table: table}
}

// AddFeatures writes the features detected in one tile.
func (s *FeatureStore) AddFeatures(ctx context.Context, imageID, regionID string, tileBounds model.Bounds, features []*geojson.Feature) error {
	if len(features) == 0 {
		return nil
	}
	tileID := tileBounds.ID()
	var writes []types.WriteRequest
	for start := 0; start < len(features); start += featureBatchSize {
		end := min(start+featureBatchSize, len(features))
		payload, err := json.Marshal(features[start:end])
		if err != nil {
			return fmt.Errorf("marshal features for %s/%s: %w", imageID, tileID, err)
		}
		// The salt spreads one tile's features across range keys while
		// remaining deterministic, so rewrites replace rather than append.
		rangeKey := fmt.Sprintf("%s:%s:%d", regionID, tileID, start/featureBatchSize)
		writes = append(writes, types.WriteRequest{
			PutRequest: &types.PutRequest{
				Item: map[string]types.AttributeValue{
					"image_id": &types.AttributeValueMemberS{Value: imageID},
					"tile_key": &types.AttributeValueMemberS{Value: rangeKey},
					"features": &types.AttributeValueMemberS{Value: string(payload)},
				},
			},
		})
	}
	for start := 0; start < len(writes); start += ddbBatchWriteMax {
		end := min(start+ddbBatchWriteMax, len(writes))
		batch := writes[start:end]
		for len(batch) > 0 {
			out, err := s.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{
				RequestItems: map[string][]types.WriteRequest{s.table: batch},
			})
			if err != nil {
				return fmt.Errorf("batch write features for %s/%s: %w", imageID, tileID, err)
			}
			batch = out.UnprocessedItems[s.table]
		}
	}
	return nil
}

// GetAllFeatures reads back every feature recorded for the image.
func (s *FeatureStore) GetAllFeatures(ctx context.Context, imageID string) ([]*geojson.Feature, error) {
	var features []*geojson.Feature
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			KeyConditionExpression: aws.String("image_id = :img"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":img": &types.AttributeValueMemberS{Value: imageID},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return nil, fmt.Errorf("query features for %s: %w", imageID, err)
		}
		for _, item := range out.Items {
			raw, ok := item["features"].(*types.AttributeValueMemberS)
			if !ok {
				return nil, fmt.Errorf("feature item for %s missing features attribute", imageID)
			}
			var batch []*geojson.Feature
			if err := json.Unmarshal([]byte(raw.Value), &batch); err != nil {
				return nil, fmt.Errorf("unmarshal features for %s: %w", imageID, err)
			}
			features = append(features, batch...)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return features, nil
}
