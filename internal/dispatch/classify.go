package dispatch

import (
	"errors"

	"epd-frame-backend/internal/frame"
	"epd-frame-backend/internal/pool"
	"epd-frame-backend/internal/rotation"
	"epd-frame-backend/internal/telemetry"
)

// Kind classifies a request failure for the caller.
type Kind int

const (
	Internal Kind = iota
	PoolExhausted
	SelectionFailed
	DataCorruption
	TelemetryWriteFailed
	BadRequest
)

func (k Kind) String() string {
	switch k {
	case PoolExhausted:
		return "pool_exhausted"
	case SelectionFailed:
		return "selection_failed"
	case DataCorruption:
		return "data_corruption"
	case TelemetryWriteFailed:
		return "telemetry_write_failed"
	case BadRequest:
		return "bad_request"
	default:
		return "internal"
	}
}

// Classify maps an error returned by the dispatcher to its Kind.
func Classify(err error) Kind {
	switch {
	case errors.Is(err, pool.ErrExhausted):
		return PoolExhausted
	case errors.Is(err, telemetry.ErrMalformedPayload):
		return BadRequest
	case errors.Is(err, frame.ErrDataCorruption):
		return DataCorruption
	case errors.Is(err, rotation.ErrSelectionFailed):
		return SelectionFailed
	case errors.Is(err, telemetry.ErrWriteFailed):
		return TelemetryWriteFailed
	default:
		return Internal
	}
}
