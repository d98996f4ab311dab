package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure by how the main loop should dispose of the
// upstream message that produced it.
type ErrorKind string

const (
	KindInvalidRequest    ErrorKind = "InvalidRequest"
	KindLoadImage         ErrorKind = "LoadImageError"
	KindUnsupportedModel  ErrorKind = "UnsupportedModel"
	KindRetryableJob      ErrorKind = "RetryableJob"
	KindSelfThrottled     ErrorKind = "SelfThrottledRegion"
	KindSetupWorkers      ErrorKind = "SetupWorkers"
	KindProcessTiles      ErrorKind = "ProcessTiles"
	KindAggregateFeatures ErrorKind = "AggregateFeatures"
	KindAggregateOutputs  ErrorKind = "AggregateOutputFeatures"
	KindS3Operation       ErrorKind = "S3Operation"
	KindAsyncTimeout      ErrorKind = "AsyncInferenceTimeout"
	KindExtensionConfig   ErrorKind = "ExtensionConfiguration"
)

// KindError wraps an underlying error with its taxonomy kind so handlers and
// the main loop can switch on disposition without string matching.
type KindError struct {
	Kind ErrorKind
	Err  error
}

func (e *KindError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Err.Error())
}

func (e *KindError) Unwrap() error { return e.Err }

// NewError wraps err with the given kind. A nil err produces an error whose
// message is just the kind, which is occasionally useful for signal-only
// conditions like self-throttling.
func NewError(kind ErrorKind, err error) error {
	return &KindError{Kind: kind, Err: err}
}

// Errorf is NewError with fmt.Errorf formatting.
func Errorf(kind ErrorKind, format string, args ...any) error {
	return &KindError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// IsKind reports whether any error in err's chain carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind == kind
	}
	return false
}

// KindOf returns the kind of the first KindError in the chain, or an empty
// kind when the error is untyped.
func KindOf(err error) ErrorKind {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return ""
}
