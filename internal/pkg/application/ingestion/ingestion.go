package ingestion

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/diwise/integration-waterquality/domain"
	"github.com/diwise/integration-waterquality/internal/pkg/application/alerting"
	"github.com/diwise/integration-waterquality/internal/pkg/application/directory"
	"github.com/diwise/integration-waterquality/internal/pkg/application/validation"
	"github.com/diwise/integration-waterquality/internal/pkg/infrastructure/database"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("integration-waterquality/ingestion")

var (
	readingsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "waterquality_readings_processed_total",
		Help: "Number of ingested readings, by source and outcome.",
	}, []string{"source", "status"})

	sensorValues = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "waterquality_sensor_values_total",
		Help: "Number of validated sensor values, by quality.",
	}, []string{"quality"})
)

const (
	StatusCreated   string = "created"
	StatusDuplicate string = "duplicate"
)

type Store interface {
	GetCredential(ctx context.Context, key string) (domain.Credential, error)
	GetDevice(ctx context.Context, deviceID string) (domain.Device, error)
	AddReading(ctx context.Context, r domain.Reading) (bool, error)
	UpdateDeviceHealth(ctx context.Context, deviceID string, update domain.HealthUpdate) error
}

type DeviceDirectory interface {
	FindDeviceByDevEUI(ctx context.Context, devEUI string) (domain.Device, error)
}

type AlertEvaluator interface {
	Evaluate(ctx context.Context, device domain.Device, reading domain.Reading) (alerting.Outcome, error)
}

// Forwarder publishes stored readings to a downstream system. Forwarding is best effort.
type Forwarder interface {
	Forward(ctx context.Context, device domain.Device, reading domain.Reading) error
}

// Result is the outcome of ingesting one reading.
type Result struct {
	DeviceID    string   `json:"deviceId,omitempty"`
	Timestamp   *int64   `json:"timestamp,omitempty"`
	Status      string   `json:"status,omitempty"`
	Error       string   `json:"error,omitempty"`
	AlertErrors []string `json:"alertErrors,omitempty"`

	Sensors []string `json:"-"`
	Err     error    `json:"-"`
}

func failed(deviceID string, err error) Result {
	return Result{DeviceID: deviceID, Error: err.Error(), Err: err}
}

type Ingestor struct {
	store      Store
	directory  DeviceDirectory
	validator  *validation.Validator
	alerts     AlertEvaluator
	forwarders []Forwarder
	fieldMap   FieldMap
	secret     string
	now        func() time.Time
}

type Option func(*Ingestor)

func WithWebhookSecret(secret string) Option {
	return func(i *Ingestor) {
		i.secret = secret
	}
}

func WithFieldMap(m FieldMap) Option {
	return func(i *Ingestor) {
		i.fieldMap = m
	}
}

func WithForwarders(f ...Forwarder) Option {
	return func(i *Ingestor) {
		i.forwarders = append(i.forwarders, f...)
	}
}

func WithClock(now func() time.Time) Option {
	return func(i *Ingestor) {
		i.now = now
	}
}

func New(store Store, dir DeviceDirectory, v *validation.Validator, alerts AlertEvaluator, opts ...Option) *Ingestor {
	i := &Ingestor{
		store:     store,
		directory: dir,
		validator: v,
		alerts:    alerts,
		fieldMap:  DefaultFieldMap(),
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(i)
	}

	return i
}

// Authenticate looks up a push API key. Missing or unknown keys are unauthorized and
// disabled keys are forbidden.
func (i *Ingestor) Authenticate(ctx context.Context, apiKey string) (domain.Credential, error) {
	if apiKey == "" {
		return domain.Credential{}, fmt.Errorf("%w: missing API key", ErrUnauthorized)
	}

	cred, err := i.store.GetCredential(ctx, apiKey)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return domain.Credential{}, fmt.Errorf("%w: invalid API key", ErrUnauthorized)
		}
		return domain.Credential{}, fmt.Errorf("failed to look up API key: %w", err)
	}

	if !cred.Enabled {
		return domain.Credential{}, fmt.Errorf("%w: API key is disabled", ErrForbidden)
	}

	return cred, nil
}

// AuthenticateWebhook compares the shared secret in constant time. Without a configured
// secret every request is rejected.
func (i *Ingestor) AuthenticateWebhook(secret string) error {
	if secret == "" {
		return fmt.Errorf("%w: missing webhook secret", ErrUnauthorized)
	}

	if i.secret == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(i.secret)) != 1 {
		return fmt.Errorf("%w: invalid webhook secret", ErrForbidden)
	}

	return nil
}

// Push ingests a push API request body. Items are processed in order and every item gets
// its own result. Only an unparseable body fails the request as a whole.
func (i *Ingestor) Push(ctx context.Context, cred domain.Credential, body []byte) ([]Result, bool, error) {
	var err error

	ctx, span := tracer.Start(ctx, "ingest-push")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	var items []json.RawMessage
	var batch bool

	items, batch, err = SplitPushBody(body)
	if err != nil {
		return nil, batch, err
	}

	results := make([]Result, 0, len(items))
	for _, raw := range items {
		results = append(results, i.pushItem(ctx, cred, raw))
	}

	return results, batch, nil
}

func (i *Ingestor) pushItem(ctx context.Context, cred domain.Credential, raw json.RawMessage) Result {
	item, err := ParsePushReading(raw)
	if err != nil {
		return failed(item.DeviceID, err)
	}

	if !cred.Permits(item.DeviceID) {
		return failed(item.DeviceID, fmt.Errorf("%w: API key is not valid for device %s", ErrForbidden, item.DeviceID))
	}

	ts, err := item.Time(i.now())
	if err != nil {
		return failed(item.DeviceID, err)
	}

	device, err := i.store.GetDevice(ctx, item.DeviceID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return failed(item.DeviceID, fmt.Errorf("%w: %s", ErrUnknownDevice, item.DeviceID))
		}
		return failed(item.DeviceID, fmt.Errorf("failed to load device %s: %w", item.DeviceID, err))
	}

	metadata := item.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	return i.ingest(ctx, device, ts, domain.SourcePush, item.Sensors, metadata)
}

// Webhook ingests a LoRaWAN uplink delivered by the network server.
func (i *Ingestor) Webhook(ctx context.Context, body []byte) (Result, error) {
	var err error

	ctx, span := tracer.Start(ctx, "ingest-webhook")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	var uplink Uplink
	uplink, err = ParseUplink(body)
	if err != nil {
		return failed("", err), err
	}

	var device domain.Device
	device, err = i.directory.FindDeviceByDevEUI(ctx, uplink.EndDeviceIDs.DevEUI)
	if err != nil {
		if errors.Is(err, directory.ErrDeviceNotRegistered) {
			err = fmt.Errorf("%w: no device registered with DevEUI %s", ErrUnknownDevice, uplink.EndDeviceIDs.DevEUI)
		}
		return failed("", err), err
	}

	metadata := uplink.Metadata()
	sensors := i.fieldMap.Apply(uplink.UplinkMessage.DecodedPayload, metadata)

	result := i.ingest(ctx, device, uplink.Time(i.now()), domain.SourceTTN, sensors, metadata)
	err = result.Err

	return result, err
}

func (i *Ingestor) ingest(ctx context.Context, device domain.Device, ts int64, source string, inputs map[string]domain.SensorInput, metadata map[string]any) Result {
	logger := logging.GetFromContext(ctx).With().Str("device_id", device.ID).Int64("timestamp", ts).Logger()

	reading := domain.Reading{
		DeviceID:  device.ID,
		Timestamp: ts,
		Source:    source,
		Sensors:   i.validator.Validate(inputs),
		Metadata:  metadata,
	}

	result := Result{DeviceID: device.ID, Timestamp: &ts}
	for name := range reading.Sensors {
		result.Sensors = append(result.Sensors, name)
	}
	sort.Strings(result.Sensors)

	created, err := i.store.AddReading(ctx, reading)
	if err != nil {
		logger.Error().Err(err).Msg("failed to store reading")
		readingsProcessed.WithLabelValues(source, "error").Inc()
		result.Err = fmt.Errorf("failed to store reading: %w", err)
		result.Error = result.Err.Error()
		return result
	}

	result.Status = StatusCreated
	if !created {
		result.Status = StatusDuplicate
	}
	readingsProcessed.WithLabelValues(source, result.Status).Inc()

	if created {
		update := healthUpdate(reading, i.now())

		if err = i.store.UpdateDeviceHealth(ctx, device.ID, update); err != nil {
			logger.Error().Err(err).Msg("failed to update device health")
			result.Err = fmt.Errorf("failed to update device health: %w", err)
			result.Error = result.Err.Error()
			return result
		}

		for _, sv := range reading.Sensors {
			sensorValues.WithLabelValues(string(sv.Quality)).Inc()
		}
	}

	// evaluation is idempotent, so a retried duplicate gets a second chance at alerting
	if _, err = i.alerts.Evaluate(ctx, device, reading); err != nil {
		for _, e := range unwrapAll(err) {
			result.AlertErrors = append(result.AlertErrors, e.Error())
		}
	}

	if created {
		i.forward(ctx, device, reading)
	}

	return result
}

func (i *Ingestor) forward(ctx context.Context, device domain.Device, reading domain.Reading) {
	for _, f := range i.forwarders {
		if err := f.Forward(ctx, device, reading); err != nil {
			logger := logging.GetFromContext(ctx)
			logger.Warn().Err(err).Str("device_id", device.ID).Msg("failed to forward reading")
		}
	}
}

func healthUpdate(r domain.Reading, now time.Time) domain.HealthUpdate {
	update := domain.HealthUpdate{LastSeen: now}

	for _, sv := range r.Sensors {
		if sv.Quality == domain.QualityInvalid {
			update.Errors++
		}
	}

	update.SignalStrength = metadataNumber(r.Metadata, "rssi", "signalStrength")
	// a battery level outside 0-100 is a decoding error and is not recorded
	if level := metadataNumber(r.Metadata, "battery", "batteryLevel"); level != nil && *level >= 0 && *level <= 100 {
		update.BatteryLevel = level
	}

	return update
}

func metadataNumber(md map[string]any, keys ...string) *float64 {
	for _, k := range keys {
		if v, ok := md[k]; ok {
			if f, ok := validation.Number(v); ok {
				return &f
			}
		}
	}
	return nil
}
