package ingestion

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/diwise/integration-waterquality/domain"
	"github.com/go-playground/validator/v10"
)

// PushReading is one reading as sent by a device to the push API.
type PushReading struct {
	DeviceID  string                        `json:"deviceId" validate:"required"`
	Timestamp any                           `json:"timestamp"`
	Sensors   map[string]domain.SensorInput `json:"sensors" validate:"required,min=1"`
	Metadata  map[string]any                `json:"metadata"`
}

// 9999-12-31T23:59:59.999Z
const maxEpochMillis float64 = 253402300799999

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
	})
	return v
}

// SplitPushBody splits a push request body into its items. The returned bool is true when
// the body is an array.
func SplitPushBody(body []byte) ([]json.RawMessage, bool, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, false, fmt.Errorf("%w: empty request body", ErrMalformedInput)
	}

	switch trimmed[0] {
	case '[':
		items := []json.RawMessage{}
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, true, fmt.Errorf("%w: %s", ErrMalformedInput, err.Error())
		}
		return items, true, nil
	case '{':
		if !json.Valid(trimmed) {
			return nil, false, fmt.Errorf("%w: invalid json", ErrMalformedInput)
		}
		return []json.RawMessage{json.RawMessage(trimmed)}, false, nil
	default:
		return nil, false, fmt.Errorf("%w: expected a reading object or an array of readings", ErrMalformedInput)
	}
}

// ParsePushReading decodes and validates a single push item. Sensor entries may be given
// either as {"value": v, "unit": u} or as a bare value.
func ParsePushReading(raw json.RawMessage) (PushReading, error) {
	var item struct {
		DeviceID  string                     `json:"deviceId"`
		Timestamp any                        `json:"timestamp"`
		Sensors   map[string]json.RawMessage `json:"sensors"`
		Metadata  map[string]any             `json:"metadata"`
	}

	if err := decode(raw, &item); err != nil {
		return PushReading{}, fmt.Errorf("%w: %s", ErrMalformedInput, err.Error())
	}

	r := PushReading{
		DeviceID:  strings.TrimSpace(item.DeviceID),
		Timestamp: item.Timestamp,
		Metadata:  item.Metadata,
	}

	if item.Sensors != nil {
		r.Sensors = make(map[string]domain.SensorInput, len(item.Sensors))
	}

	for name, s := range item.Sensors {
		in, err := parseSensorInput(s)
		if err != nil {
			return PushReading{}, fmt.Errorf("%w: sensor %s: %s", ErrMalformedInput, name, err.Error())
		}
		r.Sensors[name] = in
	}

	if err := validate.Struct(r); err != nil {
		return PushReading{}, validationError(err)
	}

	return r, nil
}

func parseSensorInput(raw json.RawMessage) (domain.SensorInput, error) {
	trimmed := bytes.TrimSpace(raw)

	if len(trimmed) > 0 && trimmed[0] == '{' {
		in := domain.SensorInput{}
		err := decode(trimmed, &in)
		return in, err
	}

	var value any
	err := decode(trimmed, &value)
	return domain.SensorInput{Value: value}, err
}

// Time resolves the reading time in epoch milliseconds. Numbers are taken as epoch
// milliseconds and strings must be RFC3339. A missing timestamp means now.
func (r PushReading) Time(now time.Time) (int64, error) {
	switch t := r.Timestamp.(type) {
	case nil:
		return now.UnixMilli(), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil || f <= 0 || f > maxEpochMillis {
			return 0, fmt.Errorf("%w: invalid timestamp %s", ErrMalformedInput, t.String())
		}

		if ms, err := t.Int64(); err == nil {
			return ms, nil
		}

		return int64(f), nil
	case string:
		ts, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return 0, fmt.Errorf("%w: invalid timestamp %q", ErrMalformedInput, t)
		}
		return ts.UnixMilli(), nil
	default:
		return 0, fmt.Errorf("%w: unsupported timestamp type %T", ErrMalformedInput, t)
	}
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %s", ErrMalformedInput, err.Error())
	}

	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field())
	}

	return fmt.Errorf("%w: missing or empty %s", ErrMalformedInput, strings.Join(fields, ", "))
}

func decode(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	return dec.Decode(v)
}
