package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/diwise/integration-waterquality/domain"
	"github.com/diwise/integration-waterquality/internal/pkg/application/alerting"
	"github.com/diwise/integration-waterquality/internal/pkg/application/directory"
	"github.com/diwise/integration-waterquality/internal/pkg/application/health"
	"github.com/diwise/integration-waterquality/internal/pkg/application/ingestion"
	"github.com/diwise/integration-waterquality/internal/pkg/application/validation"
	"github.com/diwise/integration-waterquality/internal/pkg/infrastructure/database"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/otel"
)

const maxReadings int = 1000

type WaterQuality interface {
	Authenticate(ctx context.Context, apiKey string) (domain.Credential, error)
	AuthenticateWebhook(secret string) error

	Push(ctx context.Context, cred domain.Credential, body []byte) ([]ingestion.Result, bool, error)
	Webhook(ctx context.Context, body []byte) (ingestion.Result, error)

	Readings(ctx context.Context, deviceID string, from, to int64) ([]domain.Reading, error)
	Alerts(ctx context.Context, deviceID string, status domain.AlertStatus) ([]domain.Alert, error)

	SweepDeviceHealth(ctx context.Context) error
	HealthMonitor() *health.Monitor
}

type Config struct {
	WebhookSecret string
	FieldMap      ingestion.FieldMap
	Ranges        validation.Ranges
	Health        health.Config
	Notifier      alerting.Notifier
	Forwarders    []ingestion.Forwarder
	Clock         func() time.Time
}

type waterQuality struct {
	db       *database.Database
	ingestor *ingestion.Ingestor
	monitor  *health.Monitor
}

var tracer = otel.Tracer("integration-waterquality/app")

func New(ctx context.Context, db *database.Database, cfg Config) WaterQuality {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Ranges == nil {
		cfg.Ranges = validation.DefaultRanges()
	}
	if cfg.FieldMap == nil {
		cfg.FieldMap = ingestion.DefaultFieldMap()
	}
	if cfg.Health == (health.Config{}) {
		cfg.Health = health.DefaultConfig()
	}

	engineOpts := []alerting.Option{alerting.WithClock(cfg.Clock)}
	if cfg.Notifier != nil {
		engineOpts = append(engineOpts, alerting.WithNotifier(cfg.Notifier))
	}
	engine := alerting.New(db, engineOpts...)

	ingestor := ingestion.New(
		db,
		directory.New(db),
		validation.New(cfg.Ranges),
		engine,
		ingestion.WithClock(cfg.Clock),
		ingestion.WithFieldMap(cfg.FieldMap),
		ingestion.WithWebhookSecret(cfg.WebhookSecret),
		ingestion.WithForwarders(cfg.Forwarders...),
	)

	return &waterQuality{
		db:       db,
		ingestor: ingestor,
		monitor:  health.New(ctx, db, engine, cfg.Health),
	}
}

func (w *waterQuality) Authenticate(ctx context.Context, apiKey string) (domain.Credential, error) {
	return w.ingestor.Authenticate(ctx, apiKey)
}

func (w *waterQuality) AuthenticateWebhook(secret string) error {
	return w.ingestor.AuthenticateWebhook(secret)
}

func (w *waterQuality) Push(ctx context.Context, cred domain.Credential, body []byte) ([]ingestion.Result, bool, error) {
	return w.ingestor.Push(ctx, cred, body)
}

func (w *waterQuality) Webhook(ctx context.Context, body []byte) (ingestion.Result, error) {
	return w.ingestor.Webhook(ctx, body)
}

func (w *waterQuality) Readings(ctx context.Context, deviceID string, from, to int64) ([]domain.Reading, error) {
	var err error

	ctx, span := tracer.Start(ctx, "get-readings")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	if err = w.deviceExists(ctx, deviceID); err != nil {
		return nil, err
	}

	if to > 0 && to < from {
		err = fmt.Errorf("%w: to must not be before from", ingestion.ErrMalformedInput)
		return nil, err
	}

	var readings []domain.Reading
	readings, err = w.db.Readings(ctx, deviceID, from, to, maxReadings)

	return readings, err
}

func (w *waterQuality) Alerts(ctx context.Context, deviceID string, status domain.AlertStatus) ([]domain.Alert, error) {
	var err error

	ctx, span := tracer.Start(ctx, "get-alerts")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	if err = w.deviceExists(ctx, deviceID); err != nil {
		return nil, err
	}

	switch status {
	case "", domain.AlertActive, domain.AlertAcknowledged, domain.AlertResolved:
	default:
		err = fmt.Errorf("%w: unknown alert status %q", ingestion.ErrMalformedInput, status)
		return nil, err
	}

	var alerts []domain.Alert
	alerts, err = w.db.Alerts(ctx, deviceID, status)

	return alerts, err
}

func (w *waterQuality) SweepDeviceHealth(ctx context.Context) error {
	return w.monitor.Sweep(ctx)
}

func (w *waterQuality) HealthMonitor() *health.Monitor {
	return w.monitor
}

func (w *waterQuality) deviceExists(ctx context.Context, deviceID string) error {
	_, err := w.db.GetDevice(ctx, deviceID)
	if errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("%w: %s", ingestion.ErrUnknownDevice, deviceID)
	}
	return err
}
