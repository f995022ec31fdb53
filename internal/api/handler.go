package api

import (
	"context"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/rs/zerolog"

	"epd-frame-backend/internal/dispatch"
	"epd-frame-backend/internal/store"
)

// FrameService runs device requests through the frame pipeline.
type FrameService interface {
	FetchFrame(ctx context.Context, req dispatch.FrameRequest) ([]byte, error)
	SubmitTelemetry(ctx context.Context, req dispatch.TelemetryRequest) error
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store   store.Store
	frames  FrameService
	webpush *webpush.Options
	log     zerolog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(s store.Store, frames FrameService, webpushOptions *webpush.Options, logger zerolog.Logger) *Handler {
	return &Handler{
		store:   s,
		frames:  frames,
		webpush: webpushOptions,
		log:     logger.With().Str("component", "api").Logger(),
	}
}
