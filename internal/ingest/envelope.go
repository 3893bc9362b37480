package ingest

import (
	"encoding/json"
	"errors"
	"fmt"

	"driveguard/internal/model"
)

const (
	KindOccurrence = "occurrence"
	KindEvent      = "event"
)

// Envelope is the wire shape consumed from the ingest topic: either one
// alert occurrence or one corroborating trigger event.
type Envelope struct {
	Kind       string            `json:"kind"`
	Occurrence *model.Occurrence `json:"occurrence,omitempty"`
	DriverID   string            `json:"driver_id,omitempty"`
	EventType  string            `json:"event_type,omitempty"`
}

func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	switch env.Kind {
	case KindOccurrence:
		if env.Occurrence == nil || env.Occurrence.SourceType == "" || env.Occurrence.DriverID == "" {
			return Envelope{}, errors.New("occurrence envelope requires source_type and driver_id")
		}
	case KindEvent:
		if env.DriverID == "" || env.EventType == "" {
			return Envelope{}, errors.New("event envelope requires driver_id and event_type")
		}
	default:
		return Envelope{}, fmt.Errorf("unknown envelope kind %q", env.Kind)
	}
	return env, nil
}
