package domain

import (
	"fmt"
	"time"
)

type InstallationStatus string

const (
	StatusUnregistered   InstallationStatus = "unregistered"
	StatusRegistered     InstallationStatus = "registered"
	StatusActive         InstallationStatus = "active"
	StatusInactive       InstallationStatus = "inactive"
	StatusDecommissioned InstallationStatus = "decommissioned"
)

type Device struct {
	ID            string        `json:"id"`
	Installation  Installation  `json:"installation"`
	Ownership     Ownership     `json:"ownership"`
	Configuration Configuration `json:"configuration"`
	Health        Health        `json:"health"`
	LoRaWAN       LoRaWAN       `json:"lorawan"`
}

type Installation struct {
	SiteID *string            `json:"siteId,omitempty"`
	Status InstallationStatus `json:"status"`
}

type Ownership struct {
	OwnerID *string `json:"ownerId,omitempty"`
}

type Configuration struct {
	AlertThresholds map[string]Threshold `json:"alertThresholds,omitempty"`
}

type Threshold struct {
	Enabled bool     `json:"enabled"`
	High    *float64 `json:"high,omitempty"`
	Low     *float64 `json:"low,omitempty"`
}

type Health struct {
	LastSeen       *time.Time `json:"lastSeen,omitempty"`
	BatteryLevel   *float64   `json:"batteryLevel,omitempty"`
	SignalStrength *float64   `json:"signalStrength,omitempty"`
	ErrorCount     int        `json:"errorCount"`
}

// HealthUpdate describes the device health change caused by one ingested reading.
type HealthUpdate struct {
	LastSeen       time.Time
	BatteryLevel   *float64
	SignalStrength *float64
	Errors         int
}

type LoRaWAN struct {
	DevEUI string `json:"devEUI,omitempty"`
}

// Credential is a device scoped API key. An empty DeviceID grants access to every device.
type Credential struct {
	Key      string `json:"-"`
	Name     string `json:"name"`
	DeviceID string `json:"deviceId,omitempty"`
	Enabled  bool   `json:"enabled"`
}

func (c Credential) Permits(deviceID string) bool {
	return c.DeviceID == "" || c.DeviceID == deviceID
}

type Quality string

const (
	QualityGood    Quality = "good"
	QualitySuspect Quality = "suspect"
	QualityInvalid Quality = "invalid"
)

// SensorInput is a sensor value as supplied by a source, before validation.
type SensorInput struct {
	Value any    `json:"value"`
	Unit  string `json:"unit,omitempty"`
}

type SensorValue struct {
	Value    *float64 `json:"value"`
	Unit     string   `json:"unit"`
	Quality  Quality  `json:"quality"`
	RawValue any      `json:"rawValue"`
}

const (
	SourcePush = "push"
	SourceTTN  = "ttn"
)

// Reading is immutable once stored. Timestamp is in epoch milliseconds.
type Reading struct {
	DeviceID  string                 `json:"deviceId"`
	Timestamp int64                  `json:"timestamp"`
	Source    string                 `json:"source"`
	Sensors   map[string]SensorValue `json:"sensors"`
	Metadata  map[string]any         `json:"metadata,omitempty"`
}

func (r Reading) Time() time.Time {
	return time.UnixMilli(r.Timestamp).UTC()
}

type AlertType string

const (
	AlertTypeThreshold AlertType = "threshold"
	AlertTypeOffline   AlertType = "offline"
	AlertTypeBattery   AlertType = "battery"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

type Condition string

const (
	ConditionAbove   Condition = "above"
	ConditionBelow   Condition = "below"
	ConditionOffline Condition = "offline"
)

type Alert struct {
	ID           string          `json:"id"`
	DeviceID     string          `json:"deviceId"`
	SiteID       *string         `json:"siteId,omitempty"`
	OwnerID      *string         `json:"ownerId,omitempty"`
	Type         AlertType       `json:"type"`
	Severity     Severity        `json:"severity"`
	Status       AlertStatus     `json:"status"`
	Trigger      Trigger         `json:"trigger"`
	Timestamps   AlertTimestamps `json:"timestamps"`
	AutoResolved bool            `json:"autoResolved"`
	Message      string          `json:"message,omitempty"`
}

type Trigger struct {
	Parameter   string    `json:"parameter"`
	Condition   Condition `json:"condition"`
	Threshold   float64   `json:"threshold"`
	ActualValue float64   `json:"actualValue"`
}

type AlertTimestamps struct {
	Triggered    time.Time  `json:"triggered"`
	Acknowledged *time.Time `json:"acknowledged,omitempty"`
	Resolved     *time.Time `json:"resolved,omitempty"`
}

// Key is the identity that at most one active alert may hold at any time.
func (a Alert) Key() string {
	return AlertKey(a.DeviceID, a.Type, a.Trigger.Parameter, a.Trigger.Condition)
}

func AlertKey(deviceID string, alertType AlertType, parameter string, condition Condition) string {
	return fmt.Sprintf("%s:%s:%s:%s", deviceID, alertType, parameter, condition)
}
