// Package telemetry decodes device status reports and persists them, one
// record per device-generated identity.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"epd-frame-backend/internal/model"
)

// ErrWriteFailed wraps store failures while recording telemetry.
var ErrWriteFailed = errors.New("telemetry write failed")

// Writer persists a record, merging it into an existing one with the same identity.
type Writer interface {
	UpsertTelemetry(ctx context.Context, rec *model.Telemetry) error
}

// Alerter is told about frames reporting a low battery. Implementations must not block.
type Alerter interface {
	LowBattery(rec model.Telemetry)
}

// ItemRefs names the items shown in the frame the report accompanies.
type ItemRefs struct {
	Primary *string
	Partner *string
}

// Recorder turns payloads into telemetry rows.
type Recorder struct {
	now          func() time.Time
	log          zerolog.Logger
	alerter      Alerter
	lowBatteryMV int32
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithClock overrides the time source.
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// WithLowBatteryAlerts enables alerts for voltages below thresholdMV.
func WithLowBatteryAlerts(a Alerter, thresholdMV int) RecorderOption {
	return func(r *Recorder) {
		r.alerter = a
		r.lowBatteryMV = int32(thresholdMV)
	}
}

// NewRecorder creates a Recorder.
func NewRecorder(logger zerolog.Logger, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		now: time.Now,
		log: logger.With().Str("component", "telemetry").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record persists p through w. A payload without an identity gets a fresh one,
// so it is stored as a new record rather than merged.
func (r *Recorder) Record(ctx context.Context, w Writer, p Payload, refs ItemRefs, remoteAddr string) error {
	identity := p.DeviceIdentity
	if identity == uuid.Nil {
		identity = uuid.New()
	}

	rec := model.Telemetry{
		TS:             r.now().Unix(),
		ItemID:         refs.Primary,
		ItemID2:        refs.Partner,
		DeviceIdentity: identity,
		ChipID:         p.ChipID,
		BatteryVoltage: p.BatteryVoltage,
		BootCode:       p.BootCode,
		ErrorCode:      p.ErrorCode,
		ReturnCode:     p.ReturnCode,
		BytesWritten:   p.BytesWritten,
		RemoteAddrs:    []string{remoteAddr},
	}

	if err := w.UpsertTelemetry(ctx, &rec); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}

	r.log.Debug().
		Str("identity", identity.String()).
		Int32("battery_mv", rec.BatteryVoltage).
		Int32("error_code", rec.ErrorCode).
		Msg("telemetry recorded")

	// Zero voltage means the device did not report one.
	if r.alerter != nil && rec.BatteryVoltage > 0 && rec.BatteryVoltage < r.lowBatteryMV {
		r.alerter.LowBattery(rec)
	}
	return nil
}
