// Package scheduler implements the two-level work scheduler: a buffered
// lookahead queue that decides which images are candidates, and an
// endpoint-aware load scheduler that decides which candidate to admit next.
package scheduler

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
	smtypes "github.com/aws/aws-sdk-go-v2/service/sagemaker/types"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/geofleet/tileflow/internal/metrics"
)

// InstanceConcurrencyTag is the endpoint tag that overrides how many
// concurrent tiles one instance absorbs.
const InstanceConcurrencyTag = "osml:instance-concurrency"

// SageMakerAPI is the slice of the SageMaker control-plane client the
// estimator and variant selector use.
type SageMakerAPI interface {
	DescribeEndpoint(ctx context.Context, params *sagemaker.DescribeEndpointInput, optFns ...func(*sagemaker.Options)) (*sagemaker.DescribeEndpointOutput, error)
	ListTags(ctx context.Context, params *sagemaker.ListTagsInput, optFns ...func(*sagemaker.Options)) (*sagemaker.ListTagsOutput, error)
}

// CapacityEstimator answers how many concurrent tiles an endpoint can
// absorb right now, as a single integer.
type CapacityEstimator struct {
	client                     SageMakerAPI
	defaultHTTPConcurrency     int
	defaultInstanceConcurrency int
	sink                       metrics.Sink

	endpointCache *expirable.LRU[string, *sagemaker.DescribeEndpointOutput]
	tagCache      *expirable.LRU[string, map[string]string]

	// Stale values survive cache expiry so API outages degrade to the last
	// known capacity instead of a hard default.
	mu            sync.Mutex
	staleEndpoint map[string]*sagemaker.DescribeEndpointOutput
	staleTags     map[string]map[string]string
}

// EstimatorOption configures a CapacityEstimator.
type EstimatorOption func(*CapacityEstimator)

// WithEstimatorMetrics attaches a metrics sink.
func WithEstimatorMetrics(sink metrics.Sink) EstimatorOption {
	return func(e *CapacityEstimator) { e.sink = sink }
}

// NewCapacityEstimator creates an estimator with TTL+LRU bounded caches.
func NewCapacityEstimator(client SageMakerAPI, defaultHTTPConcurrency, defaultInstanceConcurrency int, cacheTTL time.Duration, cacheSize int, opts ...EstimatorOption) *CapacityEstimator {
	if cacheSize <= 0 {
		cacheSize = 100
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	e := &CapacityEstimator{
		client:                     client,
		defaultHTTPConcurrency:     defaultHTTPConcurrency,
		defaultInstanceConcurrency: defaultInstanceConcurrency,
		sink:                       metrics.Nop{},
		endpointCache:              expirable.NewLRU[string, *sagemaker.DescribeEndpointOutput](cacheSize, nil, cacheTTL),
		tagCache:                   expirable.NewLRU[string, map[string]string](cacheSize, nil, cacheTTL),
		staleEndpoint:              map[string]*sagemaker.DescribeEndpointOutput{},
		staleTags:                  map[string]map[string]string{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// IsHTTPEndpoint reports whether the endpoint name is a direct URL rather
// than a SageMaker endpoint name.
func IsHTTPEndpoint(name string) bool {
	return strings.HasPrefix(name, "http://") || strings.HasPrefix(name, "https://")
}

func (e *CapacityEstimator) emitError(ctx context.Context, endpointName string) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("error metric emission panicked", "panic", r)
		}
	}()
	e.sink.Count(ctx, metrics.MetricErrors, 1, metrics.Dims{
		metrics.DimOperation: metrics.OpScheduling,
		metrics.DimModelName: endpointName,
	})
}

// DescribeEndpoint returns the endpoint metadata through the cache, falling
// back to a stale value on API failure.
func (e *CapacityEstimator) DescribeEndpoint(ctx context.Context, endpointName string) (*sagemaker.DescribeEndpointOutput, error) {
	if cached, ok := e.endpointCache.Get(endpointName); ok {
		return cached, nil
	}
	out, err := e.client.DescribeEndpoint(ctx, &sagemaker.DescribeEndpointInput{
		EndpointName: aws.String(endpointName),
	})
	if err != nil {
		e.emitError(ctx, endpointName)
		e.mu.Lock()
		stale, ok := e.staleEndpoint[endpointName]
		e.mu.Unlock()
		if ok {
			slog.Warn("describe endpoint failed, using stale metadata", "endpoint", endpointName, "error", err)
			return stale, nil
		}
		return nil, err
	}
	e.endpointCache.Add(endpointName, out)
	e.mu.Lock()
	e.staleEndpoint[endpointName] = out
	e.mu.Unlock()
	return out, nil
}

func (e *CapacityEstimator) endpointTags(ctx context.Context, endpointARN string) map[string]string {
	if endpointARN == "" {
		return map[string]string{}
	}
	if cached, ok := e.tagCache.Get(endpointARN); ok {
		return cached
	}
	out, err := e.client.ListTags(ctx, &sagemaker.ListTagsInput{ResourceArn: aws.String(endpointARN)})
	if err != nil {
		e.emitError(ctx, endpointARN)
		e.mu.Lock()
		stale, ok := e.staleTags[endpointARN]
		e.mu.Unlock()
		if ok {
			return stale
		}
		return map[string]string{}
	}
	tags := make(map[string]string, len(out.Tags))
	for _, tag := range out.Tags {
		tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}
	e.tagCache.Add(endpointARN, tags)
	e.mu.Lock()
	e.staleTags[endpointARN] = tags
	e.mu.Unlock()
	return tags
}

func (e *CapacityEstimator) instanceConcurrency(ctx context.Context, endpointARN string) int {
	tags := e.endpointTags(ctx, endpointARN)
	raw, ok := tags[InstanceConcurrencyTag]
	if !ok {
		return e.defaultInstanceConcurrency
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		slog.Warn("ignoring non-numeric instance-concurrency tag", "value", raw)
		return e.defaultInstanceConcurrency
	}
	return n
}

func (e *CapacityEstimator) variantCapacity(ctx context.Context, variant smtypes.ProductionVariantSummary, endpointARN string) int {
	if variant.CurrentServerlessConfig != nil {
		return int(aws.ToInt32(variant.CurrentServerlessConfig.MaxConcurrency))
	}
	instances := int(aws.ToInt32(variant.CurrentInstanceCount))
	if instances <= 0 {
		return 0
	}
	return instances * e.instanceConcurrency(ctx, endpointARN)
}

// EstimateCapacity returns the concurrency ceiling for the endpoint,
// restricted to variantName when non-empty.
func (e *CapacityEstimator) EstimateCapacity(ctx context.Context, endpointName, variantName string) int {
	if IsHTTPEndpoint(endpointName) {
		return e.defaultHTTPConcurrency
	}
	desc, err := e.DescribeEndpoint(ctx, endpointName)
	if err != nil {
		slog.Warn("capacity lookup failed, using default", "endpoint", endpointName, "error", err)
		return e.defaultInstanceConcurrency
	}
	arn := aws.ToString(desc.EndpointArn)
	if variantName != "" {
		for _, variant := range desc.ProductionVariants {
			if aws.ToString(variant.VariantName) == variantName {
				return e.variantCapacity(ctx, variant, arn)
			}
		}
		// Unknown variant absorbs nothing.
		return 0
	}
	total := 0
	for _, variant := range desc.ProductionVariants {
		total += e.variantCapacity(ctx, variant, arn)
	}
	return total
}
