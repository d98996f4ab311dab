package sink

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/paulmach/orb/geojson"

	"github.com/geofleet/tileflow/internal/model"
)

// defaultBatchSize is used when the output spec does not set one.
const defaultBatchSize = 500

// kinesisPutRecordsMax is the PutRecords request cap.
const kinesisPutRecordsMax = 500

// KinesisAPI is the slice of the Kinesis client the sink uses.
type KinesisAPI interface {
	PutRecords(ctx context.Context, params *kinesis.PutRecordsInput, optFns ...func(*kinesis.Options)) (*kinesis.PutRecordsOutput, error)
}

// KinesisSink streams the collection as batched records. Each record is a
// FeatureCollection of up to batchSize features so consumers can parse
// records independently.
type KinesisSink struct {
	client    KinesisAPI
	stream    string
	batchSize int
}

// NewKinesisSink creates the sink.
func NewKinesisSink(client KinesisAPI, stream string, batchSize int) *KinesisSink {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &KinesisSink{client: client, stream: stream, batchSize: batchSize}
}

// Name identifies the sink in logs and error messages.
func (s *KinesisSink) Name() string {
	return "kinesis://" + s.stream
}

// Write partitions the features into batches and streams them.
func (s *KinesisSink) Write(ctx context.Context, imageID string, fc *geojson.FeatureCollection) error {
	var entries []types.PutRecordsRequestEntry
	for start := 0; start < len(fc.Features) || start == 0; start += s.batchSize {
		end := min(start+s.batchSize, len(fc.Features))
		batch := geojson.NewFeatureCollection()
		batch.Features = fc.Features[start:end]
		payload, err := json.Marshal(batch)
		if err != nil {
			return model.Errorf(model.KindAggregateOutputs, "marshal feature batch: %w", err)
		}
		entries = append(entries, types.PutRecordsRequestEntry{
			Data:         payload,
			PartitionKey: aws.String(imageID),
		})
		if end >= len(fc.Features) {
			break
		}
	}
	for start := 0; start < len(entries); start += kinesisPutRecordsMax {
		end := min(start+kinesisPutRecordsMax, len(entries))
		out, err := s.client.PutRecords(ctx, &kinesis.PutRecordsInput{
			StreamName: aws.String(s.stream),
			Records:    entries[start:end],
		})
		if err != nil {
			return model.Errorf(model.KindAggregateOutputs, "stream features to %s: %w", s.Name(), err)
		}
		if failed := aws.ToInt32(out.FailedRecordCount); failed > 0 {
			return model.Errorf(model.KindAggregateOutputs,
				"%s rejected %d records", s.Name(), failed)
		}
	}
	return nil
}
