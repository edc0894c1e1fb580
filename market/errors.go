package market

import (
	"errors"
	"fmt"
)

var (
	// ErrUpstreamUnavailable is returned when a catalog or quote call fails
	// entirely.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrAggregationFailed is matched by every *AggregationError.
	ErrAggregationFailed = errors.New("aggregation failed")

	// ErrMarketClosed is reported by the boundary when the session is closed
	// and no snapshot has been built yet.
	ErrMarketClosed = errors.New("market closed")
)

// Error kinds carried by ErrorPayload.
const (
	KindAggregationFailed   = "aggregation_failed"
	KindUpstreamUnavailable = "upstream_unavailable"
	KindMarketClosed        = "market_closed"
	KindInternal            = "internal"
)

// AggregationError reports a snapshot build that produced no usable data.
type AggregationError struct {
	Cause error
}

func (e *AggregationError) Error() string {
	if e.Cause == nil {
		return ErrAggregationFailed.Error()
	}
	return fmt.Sprintf("%s: %v", ErrAggregationFailed, e.Cause)
}

func (e *AggregationError) Unwrap() error {
	return e.Cause
}

func (e *AggregationError) Is(target error) bool {
	return target == ErrAggregationFailed
}

// ErrorPayload is the structured error handed to the presentation layer.
type ErrorPayload struct {
	Kind  string `json:"kind"`
	Cause string `json:"cause,omitempty"`
}

// NewErrorPayload classifies err into an ErrorPayload.
func NewErrorPayload(err error) *ErrorPayload {
	if err == nil {
		return nil
	}
	kind := KindInternal
	switch {
	case errors.Is(err, ErrMarketClosed):
		kind = KindMarketClosed
	case errors.Is(err, ErrAggregationFailed):
		kind = KindAggregationFailed
	case errors.Is(err, ErrUpstreamUnavailable):
		kind = KindUpstreamUnavailable
	}
	return &ErrorPayload{Kind: kind, Cause: err.Error()}
}
