package fiware

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/diwise/integration-waterquality/domain"
	"github.com/matryer/is"
)

func TestDecorators(t *testing.T) {
	is := is.New(t)

	site := "harbour"
	device := domain.Device{ID: "wq-001", Installation: domain.Installation{SiteID: &site}}

	reading := domain.Reading{
		DeviceID:  "wq-001",
		Timestamp: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC).UnixMilli(),
		Sensors: map[string]domain.SensorValue{
			"ph":          {Value: fp(7.2), Quality: domain.QualityGood},
			"temperature": {Value: fp(14.5), Quality: domain.QualitySuspect},
			"orp":         {Quality: domain.QualityInvalid, RawValue: "n/a"},
			"chlorophyll": {Value: fp(3), Quality: domain.QualityGood},
		},
		Metadata: map[string]any{
			"location": map[string]any{"latitude": json.Number("62.39"), "longitude": 17.31},
		},
	}

	decorators := Decorators(device, reading)
	is.Equal(len(decorators), 5) // ph, temperature, dateObserved, location and areaServed
}

func TestThatReadingsWithoutKnownAttributesAreSkipped(t *testing.T) {
	is := is.New(t)

	reading := domain.Reading{
		DeviceID: "wq-001",
		Sensors: map[string]domain.SensorValue{
			"chlorophyll": {Value: fp(3), Quality: domain.QualityGood},
		},
	}

	is.Equal(len(Decorators(domain.Device{ID: "wq-001"}, reading)), 0)
}

func TestLocationRequiresBothCoordinates(t *testing.T) {
	is := is.New(t)

	_, _, ok := location(map[string]any{"location": map[string]any{"latitude": 62.39}})
	is.True(!ok)

	lat, lon, ok := location(map[string]any{"location": map[string]any{"latitude": 62.39, "longitude": json.Number("17.31")}})
	is.True(ok)
	is.Equal(lat, 62.39)
	is.Equal(lon, 17.31)
}

func fp(f float64) *float64 {
	return &f
}
