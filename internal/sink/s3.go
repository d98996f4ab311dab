package sink

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/paulmach/orb/geojson"

	"github.com/geofleet/tileflow/internal/model"
)

// S3ObjectAPI is the slice of the S3 client the sink uses.
type S3ObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink writes the collection as a single GeoJSON object under the
// configured prefix.
type S3Sink struct {
	client S3ObjectAPI
	bucket string
	prefix string
}

// NewS3Sink creates the sink.
func NewS3Sink(client S3ObjectAPI, bucket, prefix string) *S3Sink {
	return &S3Sink{client: client, bucket: bucket, prefix: prefix}
}

// Name identifies the sink in logs and error messages.
func (s *S3Sink) Name() string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, s.prefix)
}

// objectKey flattens the image id into a safe key component.
func objectKey(prefix, imageID string) string {
	safe := strings.NewReplacer("/", "_", ":", "_", " ", "_").Replace(imageID)
	return path.Join(prefix, safe+".geojson")
}

// Write uploads the feature collection.
func (s *S3Sink) Write(ctx context.Context, imageID string, fc *geojson.FeatureCollection) error {
	payload, err := fc.MarshalJSON()
	if err != nil {
		return model.Errorf(model.KindAggregateOutputs, "marshal feature collection: %w", err)
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey(s.prefix, imageID)),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/geo+json"),
	})
	if err != nil {
		return model.Errorf(model.KindAggregateOutputs, "write features to %s: %w", s.Name(), err)
	}
	return nil
}
