package fiware

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/diwise/context-broker/pkg/ngsild/client"
	ngsierrors "github.com/diwise/context-broker/pkg/ngsild/errors"
	"github.com/diwise/context-broker/pkg/ngsild/types"
	"github.com/diwise/context-broker/pkg/ngsild/types/entities"
	. "github.com/diwise/context-broker/pkg/ngsild/types/entities/decorators"
	"github.com/diwise/context-broker/pkg/ngsild/types/properties"
	"github.com/diwise/integration-waterquality/domain"
	"github.com/diwise/integration-waterquality/internal/pkg/application/validation"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("integration-waterquality/fiware")

const (
	WaterQualityObservedIDPrefix string = "urn:ngsi-ld:WaterQualityObserved:"
	WaterQualityObservedTypeName string = "WaterQualityObserved"
)

type Forwarder struct {
	cbClient client.ContextBrokerClient
}

func NewForwarder(cbClient client.ContextBrokerClient) *Forwarder {
	return &Forwarder{cbClient: cbClient}
}

// Forward merges the reading into the WaterQualityObserved entity of the device, creating
// the entity when the context broker does not know it yet.
func (f *Forwarder) Forward(ctx context.Context, device domain.Device, reading domain.Reading) error {
	var err error

	ctx, span := tracer.Start(ctx, "forward-water-quality")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	_, ctx, logger := o11y.AddTraceIDToLoggerAndStoreInContext(span, logging.GetFromContext(ctx), ctx)

	decorators := Decorators(device, reading)
	if len(decorators) == 0 {
		return nil
	}

	headers := map[string][]string{"Content-Type": {"application/ld+json"}}
	entityID := WaterQualityObservedIDPrefix + device.ID

	var fragment types.EntityFragment
	fragment, err = entities.NewFragment(append([]entities.EntityDecoratorFunc{entities.DefaultContext()}, decorators...)...)
	if err != nil {
		err = fmt.Errorf("failed to create entity fragment: %w", err)
		return err
	}

	_, err = f.cbClient.MergeEntity(ctx, entityID, fragment, headers)
	if err == nil {
		logger.Debug().Msgf("updated entity %s", entityID)
		return nil
	}

	if !errors.Is(err, ngsierrors.ErrNotFound) {
		err = fmt.Errorf("failed to merge entity %s: %w", entityID, err)
		return err
	}

	var entity types.Entity
	entity, err = entities.New(entityID, WaterQualityObservedTypeName, append([]entities.EntityDecoratorFunc{entities.DefaultContext()}, decorators...)...)
	if err != nil {
		err = fmt.Errorf("failed to create new entity: %w", err)
		return err
	}

	_, err = f.cbClient.CreateEntity(ctx, entity, headers)
	if err != nil {
		err = fmt.Errorf("failed to post entity %s to context broker: %w", entityID, err)
		return err
	}

	logger.Info().Msgf("created entity %s", entityID)

	return nil
}

// Decorators returns one property per usable sensor value that has a WaterQualityObserved
// attribute, plus observation time and location when known.
func Decorators(device domain.Device, reading domain.Reading) []entities.EntityDecoratorFunc {
	timestamp := reading.Time().Format(time.RFC3339)

	decorators := []entities.EntityDecoratorFunc{}

	for param, sv := range reading.Sensors {
		name, ok := attributeNames[param]
		if !ok || sv.Value == nil || sv.Quality == domain.QualityInvalid {
			continue
		}

		decorators = append(decorators, Number(
			name,
			*sv.Value,
			properties.UnitCode(unitCodes[param]),
			properties.ObservedAt(timestamp),
		))
	}

	if len(decorators) == 0 {
		return decorators
	}

	decorators = append(decorators, DateTime(properties.DateObserved, timestamp))

	if lat, lon, ok := location(reading.Metadata); ok {
		decorators = append(decorators, Location(lat, lon))
	}

	if device.Installation.SiteID != nil {
		decorators = append(decorators, Text("areaServed", *device.Installation.SiteID))
	}

	return decorators
}

func location(md map[string]any) (float64, float64, bool) {
	loc, ok := md["location"].(map[string]any)
	if !ok {
		return 0, 0, false
	}

	lat, latOK := validation.Number(loc["latitude"])
	lon, lonOK := validation.Number(loc["longitude"])

	return lat, lon, latOK && lonOK
}

var attributeNames map[string]string = map[string]string{
	"temperature":     "temperature",
	"ph":              "pH",
	"conductivity":    "conductivity",
	"turbidity":       "turbidity",
	"dissolvedOxygen": "O2",
	"tds":             "tds",
	"orp":             "orp",
	"nitrate":         "NO3",
	"phosphate":       "PO4",
	"ammonia":         "NH4",
}

var unitCodes map[string]string = map[string]string{
	"temperature":     "CEL",
	"conductivity":    "G42",
	"dissolvedOxygen": "M1",
	"tds":             "M1",
	"orp":             "2Z",
	"nitrate":         "M1",
	"phosphate":       "M1",
	"ammonia":         "M1",
}
