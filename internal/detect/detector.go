// Package detect holds the model endpoint clients. A detector converts one
// encoded tile into a GeoJSON feature collection by invoking a remote
// endpoint; the runner never performs inference itself.
package detect

import (
	"context"
	"fmt"
	"os"

	"github.com/paulmach/orb/geojson"

	"github.com/geofleet/tileflow/internal/model"
)

// FeatureDetector converts a single encoded tile into a feature collection.
// Implementations own their timeouts; a failed or timed-out invocation
// surfaces as a tile failure, never as a process fault.
type FeatureDetector interface {
	DetectFeatures(ctx context.Context, tilePath string) (*geojson.FeatureCollection, error)
	ModelName() string
}

// ParseFeatureCollection decodes a detector response body. Detectors return
// either a FeatureCollection or a bare feature list; both are accepted.
func ParseFeatureCollection(body []byte) (*geojson.FeatureCollection, error) {
	fc, err := geojson.UnmarshalFeatureCollection(body)
	if err == nil {
		return fc, nil
	}
	// Some containers reply with a bare array of features.
	var features []*geojson.Feature
	if listErr := fcUnmarshalList(body, &features); listErr == nil {
		fc = geojson.NewFeatureCollection()
		fc.Features = features
		return fc, nil
	}
	return nil, fmt.Errorf("parse detector response: %w", err)
}

// NewDetector builds the detector for the request's endpoint mode. The
// async mode has no synchronous detector; its tiles flow through the
// submission and results workers instead.
func NewDetector(deps Deps, endpoint model.EndpointSpec, targetVariant string) (FeatureDetector, error) {
	switch endpoint.Type {
	case model.InvokeHTTP:
		return NewHTTPDetector(endpoint.Name), nil
	case model.InvokeSMSync:
		return NewSageMakerDetector(deps.SMRuntime, endpoint.Name, targetVariant), nil
	default:
		return nil, model.Errorf(model.KindUnsupportedModel, "no synchronous detector for endpoint mode %s", endpoint.Type)
	}
}

// Deps carries the AWS clients detectors are built from.
type Deps struct {
	SMRuntime SageMakerRuntimeAPI
}

func readTile(tilePath string) ([]byte, error) {
	payload, err := os.ReadFile(tilePath)
	if err != nil {
		return nil, fmt.Errorf("read tile %s: %w", tilePath, err)
	}
	return payload, nil
}
