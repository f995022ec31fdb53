package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrMalformedPayload marks device input that could not be decoded.
var ErrMalformedPayload = errors.New("malformed telemetry payload")

// Payload is the status document a frame reports about its previous cycle.
type Payload struct {
	DeviceIdentity uuid.UUID `json:"uuidNumber"`
	ChipID         *int32    `json:"chipID,omitempty"`
	BootCode       int32     `json:"bootCode"`
	BatteryVoltage int32     `json:"batVoltage"`
	ErrorCode      int32     `json:"errorCode"`
	ReturnCode     *int32    `json:"returnCode,omitempty"`
	BytesWritten   *int32    `json:"writeBytes,omitempty"`
}

type eventLog struct {
	Events []Payload `json:"event_log"`
}

// ParsePayload decodes a single payload object.
func ParsePayload(raw []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return p, nil
}

// ParseBatch decodes a POSTed telemetry body. Devices send either a single
// object, a bare array of objects, or {"event_log": [...]}.
func ParseBatch(raw []byte) ([]Payload, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedPayload)
	}

	switch trimmed[0] {
	case '[':
		var batch []Payload
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
		}
		return batch, nil
	case '{':
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &probe); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
		}
		if _, ok := probe["event_log"]; ok {
			var doc eventLog
			if err := json.Unmarshal(trimmed, &doc); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
			}
			return doc.Events, nil
		}
		p, err := ParsePayload(trimmed)
		if err != nil {
			return nil, err
		}
		return []Payload{p}, nil
	default:
		return nil, fmt.Errorf("%w: expected a JSON object or array", ErrMalformedPayload)
	}
}
