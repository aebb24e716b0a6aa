package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/diwise/integration-waterquality/domain"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("integration-waterquality/health")

var (
	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "waterquality_health_sweep_duration_seconds",
		Help: "Duration of device health sweeps.",
	})

	sweepFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "waterquality_health_sweep_failures_total",
		Help: "Number of device checks that failed during health sweeps.",
	})
)

const (
	OfflineParameter string = "lastSeen"
	BatteryParameter string = "batteryLevel"
)

type Config struct {
	OfflineAfter    time.Duration
	BatteryLow      float64
	BatteryCritical float64
}

func DefaultConfig() Config {
	return Config{
		OfflineAfter:    30 * time.Minute,
		BatteryLow:      20,
		BatteryCritical: 10,
	}
}

type DeviceStore interface {
	ActiveDevices(ctx context.Context) ([]domain.Device, error)
}

type AlertEngine interface {
	Now() time.Time
	Raise(ctx context.Context, alert domain.Alert) (*domain.Alert, error)
	Clear(ctx context.Context, deviceID string, alertType domain.AlertType, parameter string, condition domain.Condition) (*domain.Alert, error)
}

type Monitor struct {
	ctx    context.Context
	store  DeviceStore
	engine AlertEngine
	cfg    Config
}

// New returns a monitor that can be scheduled as a cron job. ctx is used for scheduled runs
// and should carry the service logger.
func New(ctx context.Context, store DeviceStore, engine AlertEngine, cfg Config) *Monitor {
	return &Monitor{
		ctx:    ctx,
		store:  store,
		engine: engine,
		cfg:    cfg,
	}
}

func (m *Monitor) Run() {
	if err := m.Sweep(m.ctx); err != nil {
		logger := logging.GetFromContext(m.ctx)
		logger.Error().Err(err).Msg("health sweep completed with errors")
	}
}

// Sweep checks connectivity and battery level of every active device. Devices are checked one
// at a time and a failure for one device does not stop the sweep.
func (m *Monitor) Sweep(ctx context.Context) error {
	var err error

	ctx, span := tracer.Start(ctx, "health-sweep")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	timer := prometheus.NewTimer(sweepDuration)
	defer timer.ObserveDuration()

	logger := logging.GetFromContext(ctx)

	var devices []domain.Device
	devices, err = m.store.ActiveDevices(ctx)
	if err != nil {
		err = fmt.Errorf("failed to list active devices: %w", err)
		return err
	}

	now := m.engine.Now()
	errs := []error{}

	for _, d := range devices {
		if offlineErr := m.checkOffline(ctx, d, now); offlineErr != nil {
			logger.Error().Err(offlineErr).Str("device_id", d.ID).Msg("offline check failed")
			errs = append(errs, offlineErr)
		}

		if batteryErr := m.checkBattery(ctx, d); batteryErr != nil {
			logger.Error().Err(batteryErr).Str("device_id", d.ID).Msg("battery check failed")
			errs = append(errs, batteryErr)
		}
	}

	sweepFailures.Add(float64(len(errs)))
	logger.Debug().Int("devices", len(devices)).Int("failures", len(errs)).Msg("health sweep done")

	err = errors.Join(errs...)
	return err
}

// devices that have never reported are not considered offline
func (m *Monitor) checkOffline(ctx context.Context, d domain.Device, now time.Time) error {
	if d.Health.LastSeen == nil {
		return nil
	}

	silence := now.Sub(*d.Health.LastSeen)

	if silence > m.cfg.OfflineAfter {
		_, err := m.engine.Raise(ctx, domain.Alert{
			DeviceID: d.ID,
			SiteID:   d.Installation.SiteID,
			OwnerID:  d.Ownership.OwnerID,
			Type:     domain.AlertTypeOffline,
			Severity: domain.SeverityWarning,
			Trigger: domain.Trigger{
				Parameter:   OfflineParameter,
				Condition:   domain.ConditionOffline,
				Threshold:   m.cfg.OfflineAfter.Minutes(),
				ActualValue: silence.Minutes(),
			},
			Message: fmt.Sprintf("no data received for %s", silence.Truncate(time.Minute)),
		})
		if err != nil {
			return fmt.Errorf("%s offline: %w", d.ID, err)
		}
		return nil
	}

	if _, err := m.engine.Clear(ctx, d.ID, domain.AlertTypeOffline, OfflineParameter, domain.ConditionOffline); err != nil {
		return fmt.Errorf("%s offline: %w", d.ID, err)
	}

	return nil
}

func (m *Monitor) checkBattery(ctx context.Context, d domain.Device) error {
	if d.Health.BatteryLevel == nil {
		return nil
	}

	level := *d.Health.BatteryLevel

	if level < m.cfg.BatteryLow {
		severity := domain.SeverityWarning
		if level < m.cfg.BatteryCritical {
			severity = domain.SeverityCritical
		}

		_, err := m.engine.Raise(ctx, domain.Alert{
			DeviceID: d.ID,
			SiteID:   d.Installation.SiteID,
			OwnerID:  d.Ownership.OwnerID,
			Type:     domain.AlertTypeBattery,
			Severity: severity,
			Trigger: domain.Trigger{
				Parameter:   BatteryParameter,
				Condition:   domain.ConditionBelow,
				Threshold:   m.cfg.BatteryLow,
				ActualValue: level,
			},
			Message: fmt.Sprintf("battery level at %g%%", level),
		})
		if err != nil {
			return fmt.Errorf("%s battery: %w", d.ID, err)
		}
		return nil
	}

	if _, err := m.engine.Clear(ctx, d.ID, domain.AlertTypeBattery, BatteryParameter, domain.ConditionBelow); err != nil {
		return fmt.Errorf("%s battery: %w", d.ID, err)
	}

	return nil
}
