package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/diwise/integration-waterquality/domain"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

var ErrNotFound = errors.New("not found")

type Database struct {
	db *gorm.DB
}

// Open connects to either a postgres or a sqlite database. Sqlite only allows one writer at
// a time, so sqlite databases get a single connection that every request queues for, and a
// busy timeout for writers in other processes sharing the file.
func Open(driver, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	}

	switch driver {
	case "postgres":
		return gorm.Open(postgres.Open(dsn), cfg)
	case "sqlite":
		db, err := gorm.Open(sqlite.Open(SqliteDSN(dsn)), cfg)
		if err != nil {
			return nil, err
		}

		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)

		return db, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

func New(ctx context.Context, db *gorm.DB) (*Database, error) {
	err := db.WithContext(ctx).AutoMigrate(&deviceRow{}, &credentialRow{}, &readingRow{}, &alertRow{}, &activeAlertRow{})
	if err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Database{db: db}, nil
}

func (d *Database) SaveDevice(ctx context.Context, device domain.Device) error {
	row := toDeviceRow(device)
	return d.db.WithContext(ctx).Save(&row).Error
}

func (d *Database) GetDevice(ctx context.Context, deviceID string) (domain.Device, error) {
	var row deviceRow

	err := d.db.WithContext(ctx).Take(&row, "id = ?", deviceID).Error
	if err != nil {
		return domain.Device{}, notFoundOr(err, "device %s", deviceID)
	}

	return row.toDomain(), nil
}

// GetDeviceByDevEUI matches the DevEUI exactly, ignoring case.
func (d *Database) GetDeviceByDevEUI(ctx context.Context, devEUI string) (domain.Device, error) {
	key := NormalizeDevEUI(devEUI)
	if key == "" {
		return domain.Device{}, fmt.Errorf("%w: empty DevEUI", ErrNotFound)
	}

	var row deviceRow

	err := d.db.WithContext(ctx).Take(&row, "dev_eui = ?", key).Error
	if err != nil {
		return domain.Device{}, notFoundOr(err, "device with DevEUI %s", devEUI)
	}

	return row.toDomain(), nil
}

func (d *Database) ActiveDevices(ctx context.Context) ([]domain.Device, error) {
	var rows []deviceRow

	err := d.db.WithContext(ctx).Where("installation_status = ?", domain.StatusActive).Order("id").Find(&rows).Error
	if err != nil {
		return nil, err
	}

	devices := make([]domain.Device, 0, len(rows))
	for _, r := range rows {
		devices = append(devices, r.toDomain())
	}

	return devices, nil
}

// UpdateDeviceHealth sets the health fields present in the update and atomically adds
// update.Errors to the device error counter.
func (d *Database) UpdateDeviceHealth(ctx context.Context, deviceID string, update domain.HealthUpdate) error {
	changes := map[string]any{
		"last_seen":   update.LastSeen.UTC(),
		"error_count": gorm.Expr("error_count + ?", update.Errors),
	}

	if update.BatteryLevel != nil {
		changes["battery_level"] = *update.BatteryLevel
	}
	if update.SignalStrength != nil {
		changes["signal_strength"] = *update.SignalStrength
	}

	result := d.db.WithContext(ctx).Model(&deviceRow{}).Where("id = ?", deviceID).Updates(changes)
	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: device %s", ErrNotFound, deviceID)
	}

	return nil
}

func (d *Database) SaveCredential(ctx context.Context, c domain.Credential) error {
	row := credentialRow{Key: c.Key, Name: c.Name, DeviceID: c.DeviceID, Enabled: c.Enabled}
	return d.db.WithContext(ctx).Save(&row).Error
}

func (d *Database) GetCredential(ctx context.Context, key string) (domain.Credential, error) {
	var row credentialRow

	err := d.db.WithContext(ctx).Take(&row, "api_key = ?", key).Error
	if err != nil {
		return domain.Credential{}, notFoundOr(err, "credential")
	}

	return domain.Credential{Key: row.Key, Name: row.Name, DeviceID: row.DeviceID, Enabled: row.Enabled}, nil
}

// AddReading stores a reading unless one already exists for the same device and timestamp.
// The returned bool reports whether the reading was new.
func (d *Database) AddReading(ctx context.Context, r domain.Reading) (bool, error) {
	row := readingRow{
		DeviceID:   r.DeviceID,
		Timestamp:  r.Timestamp,
		Source:     r.Source,
		Sensors:    r.Sensors,
		Metadata:   r.Metadata,
		ReceivedAt: time.Now().UTC(),
	}

	result := d.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if result.Error != nil {
		return false, result.Error
	}

	return result.RowsAffected == 1, nil
}

// Readings returns the readings of a device in [from, to] ordered by timestamp.
// A zero to means no upper bound.
func (d *Database) Readings(ctx context.Context, deviceID string, from, to int64, limit int) ([]domain.Reading, error) {
	var rows []readingRow

	tx := d.db.WithContext(ctx).Where("device_id = ? AND timestamp >= ?", deviceID, from)
	if to > 0 {
		tx = tx.Where("timestamp <= ?", to)
	}
	if limit > 0 {
		tx = tx.Limit(limit)
	}

	if err := tx.Order("timestamp asc").Find(&rows).Error; err != nil {
		return nil, err
	}

	readings := make([]domain.Reading, 0, len(rows))
	for _, r := range rows {
		readings = append(readings, domain.Reading{
			DeviceID:  r.DeviceID,
			Timestamp: r.Timestamp,
			Source:    r.Source,
			Sensors:   r.Sensors,
			Metadata:  r.Metadata,
		})
	}

	return readings, nil
}

// CreateAlertIfAbsent inserts the alert unless another active alert already holds the
// same key. The key row is claimed with an insert that does nothing on conflict, so two
// concurrent callers cannot both create an alert. A key still pointing at an alert that was
// acknowledged or resolved elsewhere is taken over with a compare-and-swap.
func (d *Database) CreateAlertIfAbsent(ctx context.Context, alert domain.Alert) (bool, error) {
	key := alert.Key()
	created := false

	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		claim := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&activeAlertRow{Key: key, AlertID: alert.ID})
		if claim.Error != nil {
			return claim.Error
		}

		if claim.RowsAffected == 0 {
			var current activeAlertRow
			if err := tx.Take(&current, "alert_key = ?", key).Error; err != nil {
				return err
			}

			var holder alertRow
			err := tx.Select("id", "status").Take(&holder, "id = ?", current.AlertID).Error
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}

			if err == nil && holder.Status == string(domain.AlertActive) {
				return nil
			}

			swap := tx.Model(&activeAlertRow{}).
				Where("alert_key = ? AND alert_id = ?", key, current.AlertID).
				Update("alert_id", alert.ID)
			if swap.Error != nil {
				return swap.Error
			}

			if swap.RowsAffected == 0 {
				return nil
			}
		}

		row := toAlertRow(alert)
		if err := tx.Create(&row).Error; err != nil {
			return err
		}

		created = true
		return nil
	})

	if err != nil {
		return false, fmt.Errorf("failed to create alert %s: %w", key, err)
	}

	return created, nil
}

// ResolveAlert moves the active alert holding key to resolved and marks it as auto resolved.
// The returned bool is false when no active alert held the key.
func (d *Database) ResolveAlert(ctx context.Context, key string, at time.Time) (domain.Alert, bool, error) {
	var resolved alertRow
	found := false

	// most keys are not held by any alert, those need no write transaction
	var held int64
	err := d.db.WithContext(ctx).Model(&activeAlertRow{}).Where("alert_key = ?", key).Count(&held).Error
	if err != nil {
		return domain.Alert{}, false, fmt.Errorf("failed to resolve alert %s: %w", key, err)
	}
	if held == 0 {
		return domain.Alert{}, false, nil
	}

	err = d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current activeAlertRow

		err := tx.Take(&current, "alert_key = ?", key).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		} else if err != nil {
			return err
		}

		release := tx.Where("alert_key = ? AND alert_id = ?", key, current.AlertID).Delete(&activeAlertRow{})
		if release.Error != nil {
			return release.Error
		}
		if release.RowsAffected == 0 {
			return nil
		}

		update := tx.Model(&alertRow{}).
			Where("id = ? AND status = ?", current.AlertID, domain.AlertActive).
			Updates(map[string]any{
				"status":        string(domain.AlertResolved),
				"resolved_at":   at.UTC(),
				"auto_resolved": true,
			})
		if update.Error != nil {
			return update.Error
		}
		if update.RowsAffected == 0 {
			return nil
		}

		if err := tx.Take(&resolved, "id = ?", current.AlertID).Error; err != nil {
			return err
		}

		found = true
		return nil
	})

	if err != nil {
		return domain.Alert{}, false, fmt.Errorf("failed to resolve alert %s: %w", key, err)
	}

	if !found {
		return domain.Alert{}, false, nil
	}

	return resolved.toDomain(), true, nil
}

func (d *Database) ActiveAlerts(ctx context.Context, deviceID string) ([]domain.Alert, error) {
	return d.Alerts(ctx, deviceID, domain.AlertActive)
}

// Alerts returns the alerts of a device, newest first. An empty status matches all alerts.
func (d *Database) Alerts(ctx context.Context, deviceID string, status domain.AlertStatus) ([]domain.Alert, error) {
	var rows []alertRow

	tx := d.db.WithContext(ctx).Where("device_id = ?", deviceID)
	if status != "" {
		tx = tx.Where("status = ?", status)
	}

	if err := tx.Order("triggered_at desc").Find(&rows).Error; err != nil {
		return nil, err
	}

	alerts := make([]domain.Alert, 0, len(rows))
	for _, r := range rows {
		alerts = append(alerts, r.toDomain())
	}

	return alerts, nil
}

// SqliteDSN adds a busy timeout and immediate write locks for transactions to dsn unless
// they are already set.
func SqliteDSN(dsn string) string {
	params := []string{}

	if !strings.Contains(dsn, "_busy_timeout") {
		params = append(params, "_busy_timeout=5000")
	}
	if !strings.Contains(dsn, "_txlock") {
		params = append(params, "_txlock=immediate")
	}

	if len(params) == 0 {
		return dsn
	}

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}

	return dsn + sep + strings.Join(params, "&")
}

func NormalizeDevEUI(devEUI string) string {
	return strings.ToUpper(strings.TrimSpace(devEUI))
}

func notFoundOr(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
	}
	return err
}
