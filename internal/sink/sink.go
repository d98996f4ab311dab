// Package sink delivers aggregated feature collections to the request's
// output destinations.
package sink

import (
	"context"

	"github.com/paulmach/orb/geojson"

	"github.com/geofleet/tileflow/internal/model"
)

// FeatureSink writes one image's aggregated features to a destination.
type FeatureSink interface {
	Write(ctx context.Context, imageID string, fc *geojson.FeatureCollection) error
	Name() string
}

// Factory builds the sinks for a request's output specs.
type Factory struct {
	s3      S3ObjectAPI
	kinesis KinesisAPI
}

// NewFactory creates a sink factory over the shared AWS clients.
func NewFactory(s3Client S3ObjectAPI, kinesisClient KinesisAPI) *Factory {
	return &Factory{s3: s3Client, kinesis: kinesisClient}
}

// ForOutputs resolves each output spec into a sink.
func (f *Factory) ForOutputs(outputs []model.OutputSpec) ([]FeatureSink, error) {
	var sinks []FeatureSink
	for _, out := range outputs {
		switch out.Type {
		case "S3":
			sinks = append(sinks, NewS3Sink(f.s3, out.Bucket, out.Prefix))
		case "Kinesis":
			sinks = append(sinks, NewKinesisSink(f.kinesis, out.Stream, out.BatchSize))
		default:
			return nil, model.Errorf(model.KindInvalidRequest, "unrecognized output type %q", out.Type)
		}
	}
	return sinks, nil
}
