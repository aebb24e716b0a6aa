package database

import (
	"time"

	"github.com/diwise/integration-waterquality/domain"
)

type deviceRow struct {
	ID                 string                      `gorm:"primaryKey"`
	SiteID             *string                     `gorm:"column:site_id"`
	InstallationStatus string                      `gorm:"column:installation_status;index"`
	OwnerID            *string                     `gorm:"column:owner_id"`
	AlertThresholds    map[string]domain.Threshold `gorm:"column:alert_thresholds;serializer:json"`
	LastSeen           *time.Time                  `gorm:"column:last_seen"`
	BatteryLevel       *float64                    `gorm:"column:battery_level"`
	SignalStrength     *float64                    `gorm:"column:signal_strength"`
	ErrorCount         int                         `gorm:"column:error_count;not null;default:0"`
	DevEUI             *string                     `gorm:"column:dev_eui;uniqueIndex"`
}

func (deviceRow) TableName() string { return "devices" }

func toDeviceRow(d domain.Device) deviceRow {
	row := deviceRow{
		ID:                 d.ID,
		SiteID:             d.Installation.SiteID,
		InstallationStatus: string(d.Installation.Status),
		OwnerID:            d.Ownership.OwnerID,
		AlertThresholds:    d.Configuration.AlertThresholds,
		LastSeen:           d.Health.LastSeen,
		BatteryLevel:       d.Health.BatteryLevel,
		SignalStrength:     d.Health.SignalStrength,
		ErrorCount:         d.Health.ErrorCount,
	}

	// devices without a DevEUI store NULL so that the unique index ignores them
	if eui := NormalizeDevEUI(d.LoRaWAN.DevEUI); eui != "" {
		row.DevEUI = &eui
	}

	return row
}

func (r deviceRow) toDomain() domain.Device {
	d := domain.Device{
		ID: r.ID,
		Installation: domain.Installation{
			SiteID: r.SiteID,
			Status: domain.InstallationStatus(r.InstallationStatus),
		},
		Ownership: domain.Ownership{OwnerID: r.OwnerID},
		Configuration: domain.Configuration{
			AlertThresholds: r.AlertThresholds,
		},
		Health: domain.Health{
			LastSeen:       r.LastSeen,
			BatteryLevel:   r.BatteryLevel,
			SignalStrength: r.SignalStrength,
			ErrorCount:     r.ErrorCount,
		},
	}

	if r.DevEUI != nil {
		d.LoRaWAN.DevEUI = *r.DevEUI
	}

	return d
}

type credentialRow struct {
	Key      string `gorm:"column:api_key;primaryKey"`
	Name     string
	DeviceID string `gorm:"column:device_id"`
	Enabled  bool
}

func (credentialRow) TableName() string { return "device_credentials" }

type readingRow struct {
	DeviceID   string                        `gorm:"column:device_id;primaryKey"`
	Timestamp  int64                         `gorm:"column:timestamp;primaryKey;autoIncrement:false"`
	Source     string                        `gorm:"column:source"`
	Sensors    map[string]domain.SensorValue `gorm:"column:sensors;serializer:json"`
	Metadata   map[string]any                `gorm:"column:metadata;serializer:json"`
	ReceivedAt time.Time                     `gorm:"column:received_at"`
}

func (readingRow) TableName() string { return "readings" }

type alertRow struct {
	ID             string     `gorm:"primaryKey"`
	DeviceID       string     `gorm:"column:device_id;index:idx_alerts_device_status"`
	SiteID         *string    `gorm:"column:site_id"`
	OwnerID        *string    `gorm:"column:owner_id"`
	Type           string     `gorm:"column:type"`
	Severity       string     `gorm:"column:severity"`
	Status         string     `gorm:"column:status;index:idx_alerts_device_status"`
	Parameter      string     `gorm:"column:trigger_parameter"`
	Condition      string     `gorm:"column:trigger_condition"`
	Threshold      float64    `gorm:"column:trigger_threshold"`
	ActualValue    float64    `gorm:"column:trigger_actual_value"`
	TriggeredAt    time.Time  `gorm:"column:triggered_at"`
	AcknowledgedAt *time.Time `gorm:"column:acknowledged_at"`
	ResolvedAt     *time.Time `gorm:"column:resolved_at"`
	AutoResolved   bool       `gorm:"column:auto_resolved"`
	Message        string     `gorm:"column:message"`
}

func (alertRow) TableName() string { return "alerts" }

func toAlertRow(a domain.Alert) alertRow {
	return alertRow{
		ID:             a.ID,
		DeviceID:       a.DeviceID,
		SiteID:         a.SiteID,
		OwnerID:        a.OwnerID,
		Type:           string(a.Type),
		Severity:       string(a.Severity),
		Status:         string(a.Status),
		Parameter:      a.Trigger.Parameter,
		Condition:      string(a.Trigger.Condition),
		Threshold:      a.Trigger.Threshold,
		ActualValue:    a.Trigger.ActualValue,
		TriggeredAt:    a.Timestamps.Triggered.UTC(),
		AcknowledgedAt: a.Timestamps.Acknowledged,
		ResolvedAt:     a.Timestamps.Resolved,
		AutoResolved:   a.AutoResolved,
		Message:        a.Message,
	}
}

func (r alertRow) toDomain() domain.Alert {
	return domain.Alert{
		ID:       r.ID,
		DeviceID: r.DeviceID,
		SiteID:   r.SiteID,
		OwnerID:  r.OwnerID,
		Type:     domain.AlertType(r.Type),
		Severity: domain.Severity(r.Severity),
		Status:   domain.AlertStatus(r.Status),
		Trigger: domain.Trigger{
			Parameter:   r.Parameter,
			Condition:   domain.Condition(r.Condition),
			Threshold:   r.Threshold,
			ActualValue: r.ActualValue,
		},
		Timestamps: domain.AlertTimestamps{
			Triggered:    r.TriggeredAt,
			Acknowledged: r.AcknowledgedAt,
			Resolved:     r.ResolvedAt,
		},
		AutoResolved: r.AutoResolved,
		Message:      r.Message,
	}
}

// activeAlertRow is the dedup claim for a composite alert key. It exists exactly as long as
// the referenced alert is active.
type activeAlertRow struct {
	Key     string `gorm:"column:alert_key;primaryKey"`
	AlertID string `gorm:"column:alert_id"`
}

func (activeAlertRow) TableName() string { return "active_alerts" }
