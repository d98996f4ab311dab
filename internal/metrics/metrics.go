// Package metrics publishes operational metrics to CloudWatch behind a small
// sink interface. Emission is fire-and-forget: a failing metrics backend must
// never disturb the data path, so every sink implementation logs and swallows
// its own errors.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// Metric names used across the runner.
const (
	MetricInvocations       = "Invocations"
	MetricDuration          = "Duration"
	MetricErrors            = "Errors"
	MetricThrottles         = "Throttles"
	MetricUtilization       = "Utilization"
	MetricQueueDepth        = "QueueDepth"
	MetricImageAccessErrors = "ImageAccessErrors"
	MetricRegionLatency     = "RegionLatency"
	MetricTilingLatency     = "TilingLatency"
	MetricTilesProcessed    = "TilesProcessed"
	MetricRegionsProcessed  = "RegionsProcessed"
	MetricImageLatency      = "ImageLatency"
)

// Dimension names.
const (
	DimOperation = "Operation"
	DimModelName = "ModelName"
	DimErrorCode = "ErrorCode"
)

// Operation dimension values.
const (
	OpScheduling    = "Scheduling"
	OpImageProcess  = "ImageProcessing"
	OpRegionProcess = "RegionProcessing"
	OpTileProcess   = "TileProcessing"
	OpAsyncResults  = "AsyncResults"
)

// Dims is an ordered-irrelevant set of metric dimensions.
type Dims map[string]string

// Sink accepts metric observations. Implementations must not return errors
// to callers and must not panic; the data path treats emission as advisory.
type Sink interface {
	Count(ctx context.Context, name string, value float64, dims Dims)
	Millis(ctx context.Context, name string, d time.Duration, dims Dims)
	Percent(ctx context.Context, name string, value float64, dims Dims)
}

// cloudWatchAPI is the slice of the CloudWatch client the sink uses.
type cloudWatchAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchSink publishes metrics to a CloudWatch namespace.
type CloudWatchSink struct {
	client    cloudWatchAPI
	namespace string
}

// NewCloudWatchSink creates a sink publishing under the given namespace.
func NewCloudWatchSink(client *cloudwatch.Client, namespace string) *CloudWatchSink {
	return &CloudWatchSink{client: client, namespace: namespace}
}

func (s *CloudWatchSink) put(ctx context.Context, name string, value float64, unit types.StandardUnit, dims Dims) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("metric emission panicked", "metric", name, "panic", r)
		}
	}()
	datum := types.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(value),
		Unit:       unit,
		Timestamp:  aws.Time(time.Now()),
	}
	for k, v := range dims {
		datum.Dimensions = append(datum.Dimensions, types.Dimension{Name: aws.String(k), Value: aws.String(v)})
	}
	_, err := s.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(s.namespace),
		MetricData: []types.MetricDatum{datum},
	})
	if err != nil {
		slog.Warn("failed to publish metric", "metric", name, "error", err)
	}
}

func (s *CloudWatchSink) Count(ctx context.Context, name string, value float64, dims Dims) {
	s.put(ctx, name, value, types.StandardUnitCount, dims)
}

func (s *CloudWatchSink) Millis(ctx context.Context, name string, d time.Duration, dims Dims) {
	s.put(ctx, name, float64(d.Milliseconds()), types.StandardUnitMilliseconds, dims)
}

func (s *CloudWatchSink) Percent(ctx context.Context, name string, value float64, dims Dims) {
	s.put(ctx, name, value, types.StandardUnitPercent, dims)
}

// Nop is a sink that discards every observation. Useful in tests and as a
// default when no CloudWatch client is configured.
type Nop struct{}

func (Nop) Count(context.Context, string, float64, Dims)         {}
func (Nop) Millis(context.Context, string, time.Duration, Dims)  {}
func (Nop) Percent(context.Context, string, float64, Dims)       {}
