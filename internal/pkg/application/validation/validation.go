package validation

import (
	"encoding/json"
	"math"

	"github.com/diwise/integration-waterquality/domain"
)

type Range struct {
	Min  float64
	Max  float64
	Unit string
}

// Ranges maps a canonical parameter name to its plausible measurement range.
type Ranges map[string]Range

func DefaultRanges() Ranges {
	return Ranges{
		"ph":              {Min: 0, Max: 14, Unit: "pH"},
		"temperature":     {Min: -5, Max: 50, Unit: "°C"},
		"turbidity":       {Min: 0, Max: 1000, Unit: "NTU"},
		"dissolvedOxygen": {Min: 0, Max: 20, Unit: "mg/L"},
		"conductivity":    {Min: 0, Max: 100000, Unit: "µS/cm"},
		"tds":             {Min: 0, Max: 50000, Unit: "mg/L"},
		"nitrate":         {Min: 0, Max: 100, Unit: "mg/L"},
		"phosphate":       {Min: 0, Max: 50, Unit: "mg/L"},
		"ammonia":         {Min: 0, Max: 100, Unit: "mg/L"},
		"orp":             {Min: -1000, Max: 1000, Unit: "mV"},
	}
}

type Validator struct {
	ranges Ranges
}

// New copies the range table so that later changes to the caller's map have no effect.
func New(ranges Ranges) *Validator {
	rs := make(Ranges, len(ranges))
	for k, v := range ranges {
		rs[k] = v
	}
	return &Validator{ranges: rs}
}

func (v *Validator) Range(parameter string) (Range, bool) {
	r, ok := v.ranges[parameter]
	return r, ok
}

// Validate never fails. Values that are not finite numbers are kept only as RawValue.
func (v *Validator) Validate(sensors map[string]domain.SensorInput) map[string]domain.SensorValue {
	result := make(map[string]domain.SensorValue, len(sensors))

	for name, in := range sensors {
		r, ranged := v.ranges[name]

		sv := domain.SensorValue{
			Unit:     in.Unit,
			RawValue: in.Value,
		}
		if ranged && r.Unit != "" {
			sv.Unit = r.Unit
		}

		f, ok := Number(in.Value)
		switch {
		case !ok:
			sv.Quality = domain.QualityInvalid
		case ranged && (f < r.Min || f > r.Max):
			sv.Value = &f
			sv.Quality = domain.QualitySuspect
		default:
			sv.Value = &f
			sv.Quality = domain.QualityGood
		}

		result[name] = sv
	}

	return result
}

// Number converts numeric json and Go values to a finite float64.
func Number(value any) (float64, bool) {
	var f float64

	switch n := value.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		var err error
		if f, err = n.Float64(); err != nil {
			return 0, false
		}
	default:
		return 0, false
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}

	return f, true
}
