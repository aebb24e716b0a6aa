package alerting

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/diwise/integration-waterquality/domain"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("integration-waterquality/alerting")

var (
	alertsRaised = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "waterquality_alerts_raised_total",
		Help: "Number of alerts created, by type and severity.",
	}, []string{"type", "severity"})

	alertsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "waterquality_alerts_resolved_total",
		Help: "Number of alerts automatically resolved, by type.",
	}, []string{"type"})
)

// Store is the part of the persistence gateway that the engine depends on. Both
// operations must be atomic with respect to the composite alert key.
type Store interface {
	CreateAlertIfAbsent(ctx context.Context, alert domain.Alert) (bool, error)
	ResolveAlert(ctx context.Context, key string, at time.Time) (domain.Alert, bool, error)
}

// Notifier is told about every alert that is created or resolved. Notification
// failures are logged and never change the outcome of an evaluation.
type Notifier interface {
	Notify(ctx context.Context, alert domain.Alert) error
}

type Engine struct {
	store    Store
	notifier Notifier
	now      func() time.Time
}

type Option func(*Engine)

func WithNotifier(n Notifier) Option {
	return func(e *Engine) {
		e.notifier = n
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func New(store Store, opts ...Option) *Engine {
	e := &Engine{
		store: store,
		now:   time.Now,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

func (e *Engine) Now() time.Time {
	return e.now().UTC()
}

type Outcome struct {
	Raised   []domain.Alert
	Resolved []domain.Alert
}

// Evaluate checks every usable sensor value in the reading against the enabled thresholds
// of the device. A value must exceed a limit to raise an alert but only has to return to
// the limit to resolve it. Failures for one parameter do not stop the evaluation of the
// others and are returned joined.
func (e *Engine) Evaluate(ctx context.Context, device domain.Device, reading domain.Reading) (Outcome, error) {
	var err error

	ctx, span := tracer.Start(ctx, "evaluate-thresholds")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	logger := logging.GetFromContext(ctx)

	outcome := Outcome{}
	errs := []error{}

	params := make([]string, 0, len(reading.Sensors))
	for p := range reading.Sensors {
		params = append(params, p)
	}
	sort.Strings(params)

	for _, param := range params {
		sv := reading.Sensors[param]
		if sv.Quality == domain.QualityInvalid || sv.Value == nil {
			continue
		}

		threshold, ok := device.Configuration.AlertThresholds[param]
		if !ok || !threshold.Enabled {
			continue
		}

		value := *sv.Value
		log := logger.With().Str("device_id", device.ID).Str("parameter", param).Logger()

		condition, limit, breached := Breach(threshold, value)
		if breached {
			alert := domain.Alert{
				DeviceID: device.ID,
				SiteID:   device.Installation.SiteID,
				OwnerID:  device.Ownership.OwnerID,
				Type:     domain.AlertTypeThreshold,
				Severity: Severity(value, limit),
				Trigger: domain.Trigger{
					Parameter:   param,
					Condition:   condition,
					Threshold:   limit,
					ActualValue: value,
				},
				Message: fmt.Sprintf("%s is %s threshold: %g (limit %g)", param, condition, value, limit),
			}

			created, raiseErr := e.Raise(ctx, alert)
			if raiseErr != nil {
				log.Error().Err(raiseErr).Msg("failed to raise threshold alert")
				errs = append(errs, fmt.Errorf("%s %s: %w", device.ID, param, raiseErr))
			} else if created != nil {
				outcome.Raised = append(outcome.Raised, *created)
			}
		}

		// a breach in one direction means the opposite condition has cleared
		for _, c := range []domain.Condition{domain.ConditionAbove, domain.ConditionBelow} {
			if breached && c == condition {
				continue
			}

			resolved, clearErr := e.Clear(ctx, device.ID, domain.AlertTypeThreshold, param, c)
			if clearErr != nil {
				log.Error().Err(clearErr).Str("condition", string(c)).Msg("failed to resolve threshold alert")
				errs = append(errs, fmt.Errorf("%s %s: %w", device.ID, param, clearErr))
			} else if resolved != nil {
				outcome.Resolved = append(outcome.Resolved, *resolved)
			}
		}
	}

	err = errors.Join(errs...)
	return outcome, err
}

// Raise creates the alert unless an active alert with the same key already exists. It
// returns the created alert, or nil when the condition was already alerted.
func (e *Engine) Raise(ctx context.Context, alert domain.Alert) (*domain.Alert, error) {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	alert.Status = domain.AlertActive
	alert.Timestamps = domain.AlertTimestamps{Triggered: e.Now()}

	created, err := e.store.CreateAlertIfAbsent(ctx, alert)
	if err != nil {
		return nil, err
	}

	if !created {
		return nil, nil
	}

	alertsRaised.WithLabelValues(string(alert.Type), string(alert.Severity)).Inc()

	logger := logging.GetFromContext(ctx)
	logger.Info().
		Str("alert_id", alert.ID).
		Str("key", alert.Key()).
		Str("severity", string(alert.Severity)).
		Msg("alert raised")

	e.notify(ctx, alert)

	return &alert, nil
}

// Clear resolves the active alert for the given key, if any.
func (e *Engine) Clear(ctx context.Context, deviceID string, alertType domain.AlertType, parameter string, condition domain.Condition) (*domain.Alert, error) {
	key := domain.AlertKey(deviceID, alertType, parameter, condition)

	resolved, ok, err := e.store.ResolveAlert(ctx, key, e.Now())
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, nil
	}

	alertsResolved.WithLabelValues(string(alertType)).Inc()

	logger := logging.GetFromContext(ctx)
	logger.Info().Str("alert_id", resolved.ID).Str("key", key).Msg("alert resolved")

	e.notify(ctx, resolved)

	return &resolved, nil
}

func (e *Engine) notify(ctx context.Context, alert domain.Alert) {
	if e.notifier == nil {
		return
	}

	if err := e.notifier.Notify(ctx, alert); err != nil {
		logger := logging.GetFromContext(ctx)
		logger.Warn().Err(err).Str("alert_id", alert.ID).Msg("failed to send alert notification")
	}
}

// Breach reports whether value is strictly above the high limit or strictly below the low
// limit of the threshold. The high limit is checked first.
func Breach(t domain.Threshold, value float64) (domain.Condition, float64, bool) {
	if t.High != nil && value > *t.High {
		return domain.ConditionAbove, *t.High, true
	}

	if t.Low != nil && value < *t.Low {
		return domain.ConditionBelow, *t.Low, true
	}

	return "", 0, false
}

// Severity grades the deviation of value relative to the limit it breached. A limit of
// zero has no relative scale and is always critical.
func Severity(value, limit float64) domain.Severity {
	if limit == 0 {
		return domain.SeverityCritical
	}

	deviation := math.Abs(value-limit) / math.Abs(limit)

	switch {
	case deviation > 0.5:
		return domain.SeverityCritical
	case deviation > 0.2:
		return domain.SeverityWarning
	default:
		return domain.SeverityInfo
	}
}
