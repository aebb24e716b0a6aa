package lwm2m

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/diwise/integration-waterquality/domain"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/farshidtz/senml/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
)

var tlsSkipVerify bool

func init() {
	tlsSkipVerify = env.GetVariableOrDefault(zerolog.Logger{}, "TLS_SKIP_VERIFY", "0") == "1"
}

var tracer = otel.Tracer("integration-waterquality/lwm2m")

const (
	GenericSensorURN string = "urn:oma:lwm2m:ext:3300"
	TemperatureURN   string = "urn:oma:lwm2m:ext:3303"
	AcidityURN       string = "urn:oma:lwm2m:ext:3326"
	ConductivityURN  string = "urn:oma:lwm2m:ext:3327"
)

const (
	SensorValue     string = "5700"
	SensorUnits     string = "5701"
	ApplicationType string = "5750"
)

type SenderFunc = func(context.Context, string, senml.Pack) error

type Forwarder struct {
	url    string
	sender SenderFunc
}

func NewForwarder(url string, sender SenderFunc) *Forwarder {
	return &Forwarder{url: url, sender: sender}
}

// Forward sends one pack per usable sensor value. Values without a dedicated IPSO object
// are sent as generic sensors with the parameter name as application type.
func (f *Forwarder) Forward(ctx context.Context, device domain.Device, reading domain.Reading) error {
	logger := logging.GetFromContext(ctx)
	log := logger.With().Str("device_id", device.ID).Logger()

	var errs []error

	for _, p := range CreatePacks(device.ID, reading) {
		err := f.sender(ctx, f.url, p)
		if err != nil {
			log.Error().Err(err).Str("object", p[0].BaseName).Msg("could not send pack")
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func CreatePacks(deviceID string, reading domain.Reading) []senml.Pack {
	timestamp := reading.Time()

	params := make([]string, 0, len(reading.Sensors))
	for p := range reading.Sensors {
		params = append(params, p)
	}
	sort.Strings(params)

	packs := []senml.Pack{}

	for _, param := range params {
		sv := reading.Sensors[param]
		if sv.Value == nil || sv.Quality == domain.QualityInvalid {
			continue
		}

		v := *sv.Value

		switch param {
		case "temperature":
			packs = append(packs, newPack(TemperatureURN, SensorValue, deviceID, v, senml.UnitCelsius, timestamp, timestamp))
		case "ph":
			packs = append(packs, newPack(AcidityURN, SensorValue, deviceID, v, "", timestamp, timestamp))
		case "conductivity":
			// µS/cm to S/m
			packs = append(packs, newPack(ConductivityURN, SensorValue, deviceID, v/10000, "S/m", timestamp, timestamp))
		default:
			p := newPack(GenericSensorURN, SensorValue, deviceID, v, "", timestamp, timestamp)
			p = append(p, newStringRec(ApplicationType, param), newStringRec(SensorUnits, sv.Unit))
			packs = append(packs, p)
		}
	}

	return packs
}

func newPack(baseName, name, id string, v float64, u string, bt, t time.Time) senml.Pack {
	p := senml.Pack{
		senml.Record{
			BaseName:    baseName,
			BaseTime:    float64(bt.Unix()),
			Name:        "0",
			StringValue: id,
		},
		newRec(name, v, u, t),
	}
	return p
}

func newRec(name string, v float64, u string, t time.Time) senml.Record {
	return senml.Record{
		Name:  name,
		Value: &v,
		Time:  float64(t.Unix()),
		Unit:  u,
	}
}

func newStringRec(name, s string) senml.Record {
	return senml.Record{
		Name:        name,
		StringValue: s,
	}
}

func Send(ctx context.Context, url string, pack senml.Pack) error {
	var err error

	ctx, span := tracer.Start(ctx, "send-object")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	var httpClient http.Client

	if tlsSkipVerify {
		customTransport := http.DefaultTransport.(*http.Transport).Clone()
		customTransport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		httpClient = http.Client{
			Transport: otelhttp.NewTransport(customTransport),
		}
	} else {
		httpClient = http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	b, err := json.Marshal(pack)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(b))
	if err != nil {
		return err
	}

	req.Header.Add("Content-Type", "application/senml+json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		err = fmt.Errorf("unexpected response code %d", resp.StatusCode)
	}

	return err
}
