package model

import (
	"time"
)

// Connection status values
const (
	ConnectionStatusDisconnected = "disconnected"
	ConnectionStatusPairing      = "pairing"
	ConnectionStatusConnected    = "connected"
	ConnectionStatusError        = "error"
)

// Connection represents a clinic's link to one gateway instance. There is one
// row per clinic; it is soft state only and never hard-deleted while the
// clinic exists.
type Connection struct {
	ID                   int64      `json:"-" gorm:"column:id;primaryKey;autoIncrement"`
	ClinicID             string     `json:"clinic_id" gorm:"column:clinic_id;uniqueIndex" validate:"required"`
	InstanceID           string     `json:"instance_id" gorm:"column:instance_id;uniqueIndex" validate:"required"`
	PhoneNumber          string     `json:"phone_number,omitempty" gorm:"column:phone_number"`
	Status               string     `json:"status,omitempty" gorm:"column:status"`
	PairingCode          string     `json:"pairing_code,omitempty" gorm:"column:pairing_code"`
	LastHealthCheckAt    *time.Time `json:"last_health_check_at,omitempty" gorm:"column:last_health_check_at"`
	HealthStatus         string     `json:"health_status,omitempty" gorm:"column:health_status"`
	HealthCheckCount     int64      `json:"health_check_count,omitempty" gorm:"column:health_check_count"`
	ProbeIntervalSeconds int64      `json:"probe_interval_seconds,omitempty" gorm:"column:probe_interval_seconds"`
	LastHealthError      string     `json:"last_health_error,omitempty" gorm:"column:last_health_error"`
	CreatedAt            time.Time  `json:"created_at,omitempty" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt            time.Time  `json:"updated_at,omitempty" gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (Connection) TableName() string {
	return "connections"
}

// ConnectionUpdateColumns returns the column names that may be updated during
// an upsert. Excludes primary key, clinic_id, instance_id and created_at.
func ConnectionUpdateColumns() []string {
	return []string{
		"phone_number",
		"status",
		"pairing_code",
		"last_health_check_at",
		"health_status",
		"health_check_count",
		"probe_interval_seconds",
		"last_health_error",
		"updated_at",
	}
}

// ProbeResult is the outcome of one health probe against the gateway.
type ProbeResult struct {
	Status       string
	Err          string
	CheckedAt    time.Time
	NextInterval time.Duration
}

// MapConnectionState maps a gateway connection-update state token onto the
// canonical connection status. The mapping is total: anything unrecognized is
// an error state.
func MapConnectionState(state string) string {
	switch state {
	case "open":
		return ConnectionStatusConnected
	case "close":
		return ConnectionStatusDisconnected
	case "connecting":
		return ConnectionStatusPairing
	default:
		return ConnectionStatusError
	}
}
