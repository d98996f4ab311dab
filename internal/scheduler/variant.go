package scheduler

import (
	"context"
	"log/slog"
	"math/rand/v2"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/geofleet/tileflow/internal/model"
)

// VariantSelector fills in a target variant for requests aimed at
// multi-variant SageMaker endpoints, drawing by current traffic weight.
// Explicit overrides on the request always pass through unchanged.
type VariantSelector struct {
	estimator *CapacityEstimator
	randFloat func() float64
}

// SelectorOption configures a VariantSelector.
type SelectorOption func(*VariantSelector)

// WithRand overrides the random source; tests pin it.
func WithRand(f func() float64) SelectorOption {
	return func(s *VariantSelector) { s.randFloat = f }
}

// NewVariantSelector creates a selector sharing the estimator's endpoint
// cache, so variant lookups ride the same TTL/LRU bounds.
func NewVariantSelector(estimator *CapacityEstimator, opts ...SelectorOption) *VariantSelector {
	s := &VariantSelector{estimator: estimator, randFloat: rand.Float64}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SelectVariant picks a variant for the request when one is needed. The
// request is mutated in place and returned for convenience.
func (s *VariantSelector) SelectVariant(ctx context.Context, req *model.ImageRequest) *model.ImageRequest {
	if req.TargetVariant() != "" {
		return req
	}
	if IsHTTPEndpoint(req.Endpoint.Name) {
		// Variants are a SageMaker concept.
		return req
	}
	desc, err := s.estimator.DescribeEndpoint(ctx, req.Endpoint.Name)
	if err != nil {
		slog.Warn("variant selection skipped, endpoint unreadable", "endpoint", req.Endpoint.Name, "error", err)
		return req
	}
	variants := desc.ProductionVariants
	if len(variants) == 0 {
		slog.Warn("variant selection skipped, endpoint has no variants", "endpoint", req.Endpoint.Name)
		return req
	}
	if len(variants) == 1 {
		req.SetTargetVariant(aws.ToString(variants[0].VariantName))
		return req
	}

	var totalWeight float64
	for _, variant := range variants {
		totalWeight += float64(aws.ToFloat32(variant.CurrentWeight))
	}
	if totalWeight <= 0 {
		// All weights zero; fall back to a uniform draw.
		idx := int(s.randFloat() * float64(len(variants)))
		if idx >= len(variants) {
			idx = len(variants) - 1
		}
		req.SetTargetVariant(aws.ToString(variants[idx].VariantName))
		return req
	}
	draw := s.randFloat() * totalWeight
	for _, variant := range variants {
		weight := float64(aws.ToFloat32(variant.CurrentWeight))
		if weight <= 0 {
			continue
		}
		draw -= weight
		if draw < 0 {
			req.SetTargetVariant(aws.ToString(variant.VariantName))
			return req
		}
	}
	// Floating point spill; take the last weighted variant.
	for i := len(variants) - 1; i >= 0; i-- {
		if aws.ToFloat32(variants[i].CurrentWeight) > 0 {
			req.SetTargetVariant(aws.ToString(variants[i].VariantName))
			return req
		}
	}
	return req
}
