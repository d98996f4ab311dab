package detect

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sagemakerruntime"
	"github.com/paulmach/orb/geojson"
)

// SageMakerRuntimeAPI is the slice of the SageMaker runtime client the
// detectors use.
type SageMakerRuntimeAPI interface {
	InvokeEndpoint(ctx context.Context, params *sagemakerruntime.InvokeEndpointInput, optFns ...func(*sagemakerruntime.Options)) (*sagemakerruntime.InvokeEndpointOutput, error)
	InvokeEndpointAsync(ctx context.Context, params *sagemakerruntime.InvokeEndpointAsyncInput, optFns ...func(*sagemakerruntime.Options)) (*sagemakerruntime.InvokeEndpointAsyncOutput, error)
}

// SageMakerDetector invokes a synchronous SageMaker endpoint.
type SageMakerDetector struct {
	client        SageMakerRuntimeAPI
	endpointName  string
	targetVariant string
}

// NewSageMakerDetector creates a detector for the endpoint, optionally
// pinned to one production variant.
func NewSageMakerDetector(client SageMakerRuntimeAPI, endpointName, targetVariant string) *SageMakerDetector {
	return &SageMakerDetector{client: client, endpointName: endpointName, targetVariant: targetVariant}
}

// ModelName returns the endpoint name.
func (d *SageMakerDetector) ModelName() string { return d.endpointName }

// DetectFeatures invokes the endpoint with the tile bytes.
func (d *SageMakerDetector) DetectFeatures(ctx context.Context, tilePath string) (*geojson.FeatureCollection, error) {
	payload, err := readTile(tilePath)
	if err != nil {
		return nil, err
	}
	input := &sagemakerruntime.InvokeEndpointInput{
		EndpointName: aws.String(d.endpointName),
		Body:         payload,
		ContentType:  aws.String("application/octet-stream"),
	}
	if d.targetVariant != "" {
		input.TargetVariant = aws.String(d.targetVariant)
	}
	out, err := d.client.InvokeEndpoint(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("invoke endpoint %s: %w", d.endpointName, err)
	}
	return ParseFeatureCollection(out.Body)
}

// AsyncInvocation is the correlation data returned by an asynchronous
// endpoint invocation.
type AsyncInvocation struct {
	InferenceID     string
	OutputLocation  string
	FailureLocation string
}

// AsyncInvoker submits tiles already uploaded to the object store to an
// asynchronous SageMaker endpoint.
type AsyncInvoker struct {
	client       SageMakerRuntimeAPI
	endpointName string
}

// NewAsyncInvoker creates an invoker for the endpoint.
func NewAsyncInvoker(client SageMakerRuntimeAPI, endpointName string) *AsyncInvoker {
	return &AsyncInvoker{client: client, endpointName: endpointName}
}

// Invoke starts an async inference over the uploaded input object and
// returns the identifiers later used to correlate the result.
func (a *AsyncInvoker) Invoke(ctx context.Context, inputLocation string) (*AsyncInvocation, error) {
	out, err := a.client.InvokeEndpointAsync(ctx, &sagemakerruntime.InvokeEndpointAsyncInput{
		EndpointName:  aws.String(a.endpointName),
		InputLocation: aws.String(inputLocation),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return nil, fmt.Errorf("invoke async endpoint %s: %w", a.endpointName, err)
	}
	return &AsyncInvocation{
		InferenceID:     aws.ToString(out.InferenceId),
		OutputLocation:  aws.ToString(out.OutputLocation),
		FailureLocation: aws.ToString(out.FailureLocation),
	}, nil
}
