// Package pipeline owns the task graph, run execution, and run reporting.
package pipeline

import (
	"context"
	"errors"
	"net"

	"github.com/hlanalytics/go-hla/internal/domain/clinical"
	"github.com/hlanalytics/go-hla/pkg/circuitbreaker"
)

// ErrRunInFlight is returned when a run is requested while one is already
// executing. Runs never interleave; the request is rejected, not queued.
var ErrRunInFlight = errors.New("pipeline: run already in flight")

// ErrSinkUnavailable marks a sink that could not be reached. Transient.
var ErrSinkUnavailable = errors.New("pipeline: sink unavailable")

// IsTransient reports whether an error is worth retrying: connectivity and
// timeout failures. Malformed data is permanent for a given input and is
// handled row-by-row, never retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrSinkUnavailable) ||
		errors.Is(err, clinical.ErrUnavailable) ||
		errors.Is(err, circuitbreaker.ErrOpen) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// IsCancellation reports whether an error is an observed cancellation or
// deadline expiry.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
