package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"epd-frame-backend/internal/frame"
	"epd-frame-backend/internal/pool"
	"epd-frame-backend/internal/rotation"
	"epd-frame-backend/internal/telemetry"
)

// Session is one pooled store handle. The pipeline holds it exclusively from
// Acquire to Release.
type Session interface {
	rotation.Catalog
	telemetry.Writer
	Close() error
}

// FrameRequest is a frame fetch. Telemetry is nil when the device sent none.
type FrameRequest struct {
	Telemetry  *telemetry.Payload
	RemoteAddr string
}

// TelemetryRequest is a batch of status reports without a frame.
type TelemetryRequest struct {
	Payloads   []telemetry.Payload
	RemoteAddr string
}

// Handler runs requests to completion on the calling goroutine.
type Handler interface {
	Frame(ctx context.Context, req FrameRequest) ([]byte, error)
	Telemetry(ctx context.Context, req TelemetryRequest) error
}

// Pipeline is the per-request work a dispatcher worker performs.
type Pipeline struct {
	pool     *pool.Pool[Session]
	selector *rotation.Selector
	composer *frame.Composer
	recorder *telemetry.Recorder
	log      zerolog.Logger
}

// NewPipeline creates a Pipeline.
func NewPipeline(p *pool.Pool[Session], s *rotation.Selector, c *frame.Composer, r *telemetry.Recorder, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		pool:     p,
		selector: s,
		composer: c,
		recorder: r,
		log:      logger.With().Str("component", "pipeline").Logger(),
	}
}

// Frame selects, composes and records one frame. The frame is returned even
// when its telemetry could not be stored. Once a handle is acquired the
// request runs to completion even if the caller goes away.
func (p *Pipeline) Frame(ctx context.Context, req FrameRequest) ([]byte, error) {
	sess, err := p.pool.Acquire()
	if err != nil {
		return nil, err
	}
	defer p.pool.Release(sess)
	ctx = context.WithoutCancel(ctx)

	sel, err := p.selector.SelectAndAdvance(ctx, sess)
	if err != nil {
		return nil, err
	}

	buf, err := p.composer.Compose(sel.Items)
	if err != nil {
		return nil, fmt.Errorf("failed to compose frame for %s: %w", sel.PrimaryID(), err)
	}

	var payload telemetry.Payload
	if req.Telemetry != nil {
		payload = *req.Telemetry
	}
	primary := sel.PrimaryID()
	refs := telemetry.ItemRefs{Primary: &primary, Partner: sel.PartnerID()}
	if err := p.recorder.Record(ctx, sess, payload, refs, req.RemoteAddr); err != nil {
		p.log.Warn().Err(err).Str("item", primary).Str("remote", req.RemoteAddr).Msg("frame served without telemetry")
	}
	return buf, nil
}

// Telemetry stores every payload in the batch. All payloads are attempted;
// the failures are joined.
func (p *Pipeline) Telemetry(ctx context.Context, req TelemetryRequest) error {
	sess, err := p.pool.Acquire()
	if err != nil {
		return err
	}
	defer p.pool.Release(sess)
	ctx = context.WithoutCancel(ctx)

	var errs []error
	for _, payload := range req.Payloads {
		if err := p.recorder.Record(ctx, sess, payload, telemetry.ItemRefs{}, req.RemoteAddr); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
