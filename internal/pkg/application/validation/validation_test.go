package validation

import (
	"math"
	"testing"

	"github.com/diwise/integration-waterquality/domain"
	"github.com/matryer/is"
)

func TestThatValuesInsideRangeAreGood(t *testing.T) {
	is := is.New(t)
	v := New(DefaultRanges())

	for name, r := range DefaultRanges() {
		mid := (r.Min + r.Max) / 2
		result := v.Validate(map[string]domain.SensorInput{name: {Value: mid}})

		is.Equal(result[name].Quality, domain.QualityGood) // value inside range should be good
		is.Equal(*result[name].Value, mid)
		is.Equal(result[name].Unit, r.Unit)
	}
}

func TestThatValuesOutsideRangeAreSuspectButKept(t *testing.T) {
	is := is.New(t)
	v := New(DefaultRanges())

	for name, r := range DefaultRanges() {
		for _, value := range []float64{r.Min - 0.01, r.Max + 0.01} {
			result := v.Validate(map[string]domain.SensorInput{name: {Value: value}})

			is.Equal(result[name].Quality, domain.QualitySuspect) // value outside range should be suspect
			is.True(result[name].Value != nil)                    // suspect values are not discarded
			is.Equal(*result[name].Value, value)
		}
	}
}

func TestThatRangeBoundsAreInclusive(t *testing.T) {
	is := is.New(t)
	v := New(DefaultRanges())

	result := v.Validate(map[string]domain.SensorInput{
		"ph":  {Value: 14.0},
		"orp": {Value: -1000.0},
	})

	is.Equal(result["ph"].Quality, domain.QualityGood)
	is.Equal(result["orp"].Quality, domain.QualityGood)
}

func TestThatNonNumericValuesAreInvalid(t *testing.T) {
	is := is.New(t)
	v := New(DefaultRanges())

	inputs := []any{"7.2", nil, true, map[string]any{"v": 1}, math.NaN(), math.Inf(1)}

	for _, in := range inputs {
		result := v.Validate(map[string]domain.SensorInput{"ph": {Value: in}})

		is.Equal(result["ph"].Quality, domain.QualityInvalid) // non numeric value should be invalid
		is.True(result["ph"].Value == nil)                    // invalid value should be nulled
	}

	result := v.Validate(map[string]domain.SensorInput{"ph": {Value: "abc"}})
	is.Equal(result["ph"].RawValue, "abc") // raw value kept for audit
}

func TestThatUnknownParametersPassThroughUnranged(t *testing.T) {
	is := is.New(t)
	v := New(DefaultRanges())

	result := v.Validate(map[string]domain.SensorInput{
		"chlorophyll": {Value: 123456.0, Unit: "µg/L"},
		"salinity":    {Value: 3.5},
		"colour":      {Value: "brown"},
	})

	is.Equal(result["chlorophyll"].Quality, domain.QualityGood)
	is.Equal(result["chlorophyll"].Unit, "µg/L") // caller unit used when no range is registered
	is.Equal(result["salinity"].Unit, "")
	is.Equal(result["colour"].Quality, domain.QualityInvalid)
}

func TestThatRegisteredUnitWinsOverCallerUnit(t *testing.T) {
	is := is.New(t)
	v := New(DefaultRanges())

	result := v.Validate(map[string]domain.SensorInput{"turbidity": {Value: 12.0, Unit: "FNU"}})

	is.Equal(result["turbidity"].Unit, "NTU")
}

func TestThatRangeTableIsCopiedOnConstruction(t *testing.T) {
	is := is.New(t)

	ranges := Ranges{"ph": {Min: 0, Max: 14, Unit: "pH"}}
	v := New(ranges)
	ranges["ph"] = Range{Min: 0, Max: 1}

	result := v.Validate(map[string]domain.SensorInput{"ph": {Value: 7.0}})
	is.Equal(result["ph"].Quality, domain.QualityGood)
}
