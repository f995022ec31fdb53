package notification

import (
	"context"
	"fmt"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"epd-frame-backend/internal/model"
)

// NotificationSender defines the interface for sending a web push notification.
type NotificationSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of NotificationSender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// Alert is one low-battery report.
type Alert struct {
	DeviceIdentity uuid.UUID
	BatteryVoltage int32
	ItemID         *string
}

// Message renders the push body.
func (a Alert) Message() string {
	msg := fmt.Sprintf("Frame battery low: %.2f V (report %s)", float64(a.BatteryVoltage)/1000, a.DeviceIdentity)
	if a.ItemID != nil {
		msg += fmt.Sprintf(", showing %s", *a.ItemID)
	}
	return msg
}

// WorkerPool manages a pool of workers for sending notifications.
type WorkerPool struct {
	size    int
	jobs    chan Alert
	db      *gorm.DB
	webpush *webpush.Options
	sender  NotificationSender
	log     zerolog.Logger
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(size int, db *gorm.DB, webpushOptions *webpush.Options, logger zerolog.Logger) *WorkerPool {
	return &WorkerPool{
		size:    size,
		jobs:    make(chan Alert, size), // Buffered channel
		db:      db,
		webpush: webpushOptions,
		sender:  &WebPushSender{}, // Use the real sender by default
		log:     logger.With().Str("component", "notification").Logger(),
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

// worker is the actual worker goroutine.
func (wp *WorkerPool) worker(ctx context.Context, id int) {
	wp.log.Debug().Int("worker", id).Msg("worker started")
	for {
		select {
		case alert := <-wp.jobs:
			wp.log.Debug().Int("worker", id).Str("identity", alert.DeviceIdentity.String()).Msg("processing alert")
			wp.broadcast(ctx, alert)
		case <-ctx.Done():
			wp.log.Debug().Int("worker", id).Msg("worker shutting down")
			return
		}
	}
}

// Dispatch queues an alert. It never blocks; when the queue is full the alert is dropped.
func (wp *WorkerPool) Dispatch(alert Alert) bool {
	select {
	case wp.jobs <- alert:
		return true
	default:
		wp.log.Warn().Str("identity", alert.DeviceIdentity.String()).Msg("notification queue full, dropping alert")
		return false
	}
}

// LowBattery queues an alert for a telemetry record.
func (wp *WorkerPool) LowBattery(rec model.Telemetry) {
	wp.Dispatch(Alert{
		DeviceIdentity: rec.DeviceIdentity,
		BatteryVoltage: rec.BatteryVoltage,
		ItemID:         rec.ItemID,
	})
}

// Jobs returns the jobs channel for testing.
func (wp *WorkerPool) Jobs() chan Alert {
	return wp.jobs
}

// broadcast sends the alert to every subscribed browser.
func (wp *WorkerPool) broadcast(ctx context.Context, alert Alert) {
	var subscriptions []model.PushSubscription
	if err := wp.db.WithContext(ctx).Find(&subscriptions).Error; err != nil {
		wp.log.Error().Err(err).Msg("failed to fetch subscriptions")
		return
	}

	if len(subscriptions) == 0 {
		return
	}

	wp.log.Info().Int("subscriptions", len(subscriptions)).Int32("battery_mv", alert.BatteryVoltage).Msg("sending low battery alert")

	message := []byte(alert.Message())
	for _, sub := range subscriptions {
		wp.sendNotification(ctx, sub, message)
	}
}

// sendNotification sends a single web push notification.
func (wp *WorkerPool) sendNotification(ctx context.Context, sub model.PushSubscription, payload []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(payload, wpSub, wp.webpush)
	if err != nil {
		wp.log.Error().Err(err).Str("endpoint", sub.Endpoint).Msg("failed to send notification")
		return
	}
	defer resp.Body.Close()

	// Handle expired subscriptions
	if resp.StatusCode == http.StatusGone {
		wp.log.Info().Str("endpoint", sub.Endpoint).Msg("subscription expired, deleting")
		if err := wp.db.WithContext(ctx).Delete(&sub).Error; err != nil {
			wp.log.Error().Err(err).Str("endpoint", sub.Endpoint).Msg("failed to delete expired subscription")
		}
	}
}
