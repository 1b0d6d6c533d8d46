// README: Courier presence: last known position, accuracy and availability.
package courier

import (
	"time"

	"courierhub/internal/types"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

func (s Status) Valid() bool {
	return s == StatusOnline || s == StatusBusy || s == StatusOffline
}

type Presence struct {
	CourierID types.ID    `json:"courier_id"`
	Status    Status      `json:"status"`
	Position  types.Point `json:"position"`
	AccuracyM float64     `json:"accuracy_m"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Sample is one position report pushed by a courier device.
type Sample struct {
	CourierID  types.ID
	Position   types.Point
	AccuracyM  float64
	RecordedAt time.Time
}
