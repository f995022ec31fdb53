package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"epd-frame-backend/internal/dispatch"
	"epd-frame-backend/internal/telemetry"
)

// DataHeader carries the device's status report on frame fetches.
const DataHeader = "Data"

// GetFrame handles GET /frame: it returns the next composed frame as raw bytes.
func (h *Handler) GetFrame(c *gin.Context) {
	var payload *telemetry.Payload
	if raw := c.GetHeader(DataHeader); raw != "" {
		p, err := telemetry.ParsePayload([]byte(raw))
		if err != nil {
			h.fail(c, err)
			return
		}
		payload = &p
	}

	buf, err := h.frames.FetchFrame(c.Request.Context(), dispatch.FrameRequest{
		Telemetry:  payload,
		RemoteAddr: c.ClientIP(),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", buf)
}

// PostTelemetry handles POST /telemetry.
func (h *Handler) PostTelemetry(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	payloads, err := telemetry.ParseBatch(body)
	if err != nil {
		h.fail(c, err)
		return
	}

	err = h.frames.SubmitTelemetry(c.Request.Context(), dispatch.TelemetryRequest{
		Payloads:   payloads,
		RemoteAddr: c.ClientIP(),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.String(http.StatusOK, "Ok")
}

// statusFor maps a failure kind to its HTTP status.
func statusFor(kind dispatch.Kind) int {
	switch kind {
	case dispatch.BadRequest:
		return http.StatusBadRequest
	case dispatch.PoolExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail writes the classified error. Frame failures never carry partial data.
func (h *Handler) fail(c *gin.Context, err error) {
	kind := dispatch.Classify(err)
	status := statusFor(kind)
	if errors.Is(err, dispatch.ErrStopped) {
		status = http.StatusServiceUnavailable
	}

	event := h.log.Error()
	if status < http.StatusInternalServerError {
		event = h.log.Warn()
	}
	event.Err(err).
		Str("kind", kind.String()).
		Str("path", c.Request.URL.Path).
		Str("remote", c.ClientIP()).
		Int("status", status).
		Msg("request failed")

	c.AbortWithStatusJSON(status, gin.H{"error": kind.String()})
}
