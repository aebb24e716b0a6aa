package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/diwise/integration-waterquality/domain"
	"github.com/diwise/integration-waterquality/internal/pkg/infrastructure/database"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"go.opentelemetry.io/otel"
)

var ErrDeviceNotRegistered = errors.New("device not registered")

var tracer = otel.Tracer("integration-waterquality/directory")

type DeviceStore interface {
	GetDeviceByDevEUI(ctx context.Context, devEUI string) (domain.Device, error)
}

// Directory translates radio network identifiers into registered devices. It never
// creates devices on its own.
type Directory struct {
	store DeviceStore
}

func New(store DeviceStore) *Directory {
	return &Directory{store: store}
}

func (d *Directory) FindDeviceByDevEUI(ctx context.Context, devEUI string) (domain.Device, error) {
	var err error

	ctx, span := tracer.Start(ctx, "find-device-by-deveui")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	var device domain.Device
	device, err = d.store.GetDeviceByDevEUI(ctx, devEUI)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			err = fmt.Errorf("%w: no device with DevEUI %q", ErrDeviceNotRegistered, devEUI)
		}
		return domain.Device{}, err
	}

	return device, nil
}
