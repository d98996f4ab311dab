package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker"
	smtypes "github.com/aws/aws-sdk-go-v2/service/sagemaker/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSageMaker struct {
	endpoints     map[string]*sagemaker.DescribeEndpointOutput
	tags          map[string][]smtypes.Tag
	describeErr   error
	listTagsErr   error
	describeCalls int
	listTagCalls  int
}

func (f *fakeSageMaker) DescribeEndpoint(_ context.Context, params *sagemaker.DescribeEndpointInput, _ ...func(*sagemaker.Options)) (*sagemaker.DescribeEndpointOutput, error) {
	f.describeCalls++
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	out, ok := f.endpoints[aws.ToString(params.EndpointName)]
	if !ok {
		return nil, errors.New("endpoint not found")
	}
	return out, nil
}

func (f *fakeSageMaker) ListTags(_ context.Context, params *sagemaker.ListTagsInput, _ ...func(*sagemaker.Options)) (*sagemaker.ListTagsOutput, error) {
	f.listTagCalls++
	if f.listTagsErr != nil {
		return nil, f.listTagsErr
	}
	return &sagemaker.ListTagsOutput{Tags: f.tags[aws.ToString(params.ResourceArn)]}, nil
}

func instanceVariant(name string, instances int32, weight float32) smtypes.ProductionVariantSummary {
	return smtypes.ProductionVariantSummary{
		VariantName:          aws.String(name),
		CurrentInstanceCount: aws.Int32(instances),
		CurrentWeight:        aws.Float32(weight),
	}
}

func serverlessVariant(name string, maxConcurrency int32) smtypes.ProductionVariantSummary {
	return smtypes.ProductionVariantSummary{
		VariantName: aws.String(name),
		CurrentServerlessConfig: &smtypes.ProductionVariantServerlessConfig{
			MaxConcurrency: aws.Int32(maxConcurrency),
		},
	}
}

func newTestEstimator(f *fakeSageMaker) *CapacityEstimator {
	return NewCapacityEstimator(f, 10, 2, 5*time.Minute, 100)
}

func TestHTTPEndpointReturnsDefaultConcurrency(t *testing.T) {
	e := newTestEstimator(&fakeSageMaker{})
	assert.Equal(t, 10, e.EstimateCapacity(context.Background(), "http://example.com/model", ""))
	assert.Equal(t, 10, e.EstimateCapacity(context.Background(), "https://api.example.com/inference", ""))
}

func TestServerlessEndpointReturnsMaxConcurrency(t *testing.T) {
	f := &fakeSageMaker{endpoints: map[string]*sagemaker.DescribeEndpointOutput{
		"serverless-ep": {
			EndpointArn:        aws.String("arn:serverless-ep"),
			ProductionVariants: []smtypes.ProductionVariantSummary{serverlessVariant("AllTraffic", 100)},
		},
	}}
	e := newTestEstimator(f)
	assert.Equal(t, 100, e.EstimateCapacity(context.Background(), "serverless-ep", ""))
}

func TestInstanceBackedEndpointWithoutTag(t *testing.T) {
	f := &fakeSageMaker{endpoints: map[string]*sagemaker.DescribeEndpointOutput{
		"instance-ep": {
			EndpointArn:        aws.String("arn:instance-ep"),
			ProductionVariants: []smtypes.ProductionVariantSummary{instanceVariant("AllTraffic", 3, 1)},
		},
	}}
	e := newTestEstimator(f)
	// 3 instances x default concurrency 2.
	assert.Equal(t, 6, e.EstimateCapacity(context.Background(), "instance-ep", ""))
}

func TestInstanceBackedEndpointWithTag(t *testing.T) {
	f := &fakeSageMaker{
		endpoints: map[string]*sagemaker.DescribeEndpointOutput{
			"tagged-ep": {
				EndpointArn:        aws.String("arn:tagged-ep"),
				ProductionVariants: []smtypes.ProductionVariantSummary{instanceVariant("AllTraffic", 3, 1)},
			},
		},
		tags: map[string][]smtypes.Tag{
			"arn:tagged-ep": {{Key: aws.String(InstanceConcurrencyTag), Value: aws.String("5")}},
		},
	}
	e := newTestEstimator(f)
	assert.Equal(t, 15, e.EstimateCapacity(context.Background(), "tagged-ep", ""))
}

func TestInvalidTagFallsBackToDefault(t *testing.T) {
	f := &fakeSageMaker{
		endpoints: map[string]*sagemaker.DescribeEndpointOutput{
			"bad-tag-ep": {
				EndpointArn:        aws.String("arn:bad-tag-ep"),
				ProductionVariants: []smtypes.ProductionVariantSummary{instanceVariant("AllTraffic", 4, 1)},
			},
		},
		tags: map[string][]smtypes.Tag{
			"arn:bad-tag-ep": {{Key: aws.String(InstanceConcurrencyTag), Value: aws.String("not-a-number")}},
		},
	}
	e := newTestEstimator(f)
	assert.Equal(t, 8, e.EstimateCapacity(context.Background(), "bad-tag-ep", ""))
}

func TestMultiVariantCapacity(t *testing.T) {
	f := &fakeSageMaker{endpoints: map[string]*sagemaker.DescribeEndpointOutput{
		"multi-ep": {
			EndpointArn: aws.String("arn:multi-ep"),
			ProductionVariants: []smtypes.ProductionVariantSummary{
				instanceVariant("v1", 2, 0.8),
				instanceVariant("v2", 1, 0.2),
			},
		},
	}}
	e := newTestEstimator(f)
	// All variants.
	assert.Equal(t, 6, e.EstimateCapacity(context.Background(), "multi-ep", ""))
	// One variant.
	assert.Equal(t, 4, e.EstimateCapacity(context.Background(), "multi-ep", "v1"))
	assert.Equal(t, 2, e.EstimateCapacity(context.Background(), "multi-ep", "v2"))
	// Unknown variant.
	assert.Equal(t, 0, e.EstimateCapacity(context.Background(), "multi-ep", "v9"))
}

func TestZeroInstancesZeroCapacity(t *testing.T) {
	f := &fakeSageMaker{endpoints: map[string]*sagemaker.DescribeEndpointOutput{
		"cold-ep": {
			EndpointArn:        aws.String("arn:cold-ep"),
			ProductionVariants: []smtypes.ProductionVariantSummary{instanceVariant("AllTraffic", 0, 1)},
		},
	}}
	e := newTestEstimator(f)
	assert.Equal(t, 0, e.EstimateCapacity(context.Background(), "cold-ep", ""))
}

func TestEmptyVariantListZeroCapacity(t *testing.T) {
	f := &fakeSageMaker{endpoints: map[string]*sagemaker.DescribeEndpointOutput{
		"empty-ep": {EndpointArn: aws.String("arn:empty-ep")},
	}}
	e := newTestEstimator(f)
	assert.Equal(t, 0, e.EstimateCapacity(context.Background(), "empty-ep", ""))
}

func TestDescribeFailureReturnsDefault(t *testing.T) {
	f := &fakeSageMaker{describeErr: errors.New("throttled")}
	e := newTestEstimator(f)
	assert.Equal(t, 2, e.EstimateCapacity(context.Background(), "broken-ep", ""))
}

func TestDescribeFailureUsesStaleValue(t *testing.T) {
	f := &fakeSageMaker{endpoints: map[string]*sagemaker.DescribeEndpointOutput{
		"flappy-ep": {
			EndpointArn:        aws.String("arn:flappy-ep"),
			ProductionVariants: []smtypes.ProductionVariantSummary{instanceVariant("AllTraffic", 3, 1)},
		},
	}}
	// Short TTL so the cache entry expires between calls.
	e := NewCapacityEstimator(f, 10, 2, 10*time.Millisecond, 100)
	require.Equal(t, 6, e.EstimateCapacity(context.Background(), "flappy-ep", ""))

	time.Sleep(25 * time.Millisecond)
	f.describeErr = errors.New("api down")
	// Stale metadata still answers.
	assert.Equal(t, 6, e.EstimateCapacity(context.Background(), "flappy-ep", ""))
}

func TestCapacityCachingReducesAPICalls(t *testing.T) {
	f := &fakeSageMaker{endpoints: map[string]*sagemaker.DescribeEndpointOutput{
		"cached-ep": {
			EndpointArn:        aws.String("arn:cached-ep"),
			ProductionVariants: []smtypes.ProductionVariantSummary{instanceVariant("AllTraffic", 1, 1)},
		},
	}}
	e := newTestEstimator(f)
	for i := 0; i < 5; i++ {
		e.EstimateCapacity(context.Background(), "cached-ep", "")
	}
	assert.Equal(t, 1, f.describeCalls)
}
