package ingestion

import (
	"fmt"
	"strings"
	"time"

	"github.com/diwise/integration-waterquality/domain"
)

// Uplink is the subset of a The Things Network v3 uplink message that is used for ingestion.
type Uplink struct {
	EndDeviceIDs struct {
		DeviceID string `json:"device_id"`
		DevEUI   string `json:"dev_eui"`
	} `json:"end_device_ids"`
	ReceivedAt    *time.Time `json:"received_at"`
	UplinkMessage struct {
		FPort          *int           `json:"f_port"`
		FCnt           *int64         `json:"f_cnt"`
		DecodedPayload map[string]any `json:"decoded_payload"`
		RxMetadata     []struct {
			GatewayIDs struct {
				GatewayID string `json:"gateway_id"`
			} `json:"gateway_ids"`
			RSSI *float64 `json:"rssi"`
			SNR  *float64 `json:"snr"`
		} `json:"rx_metadata"`
		ReceivedAt *time.Time `json:"received_at"`
	} `json:"uplink_message"`
}

func ParseUplink(body []byte) (Uplink, error) {
	u := Uplink{}

	if err := decode(body, &u); err != nil {
		return Uplink{}, fmt.Errorf("%w: %s", ErrMalformedInput, err.Error())
	}

	if strings.TrimSpace(u.EndDeviceIDs.DevEUI) == "" {
		return Uplink{}, fmt.Errorf("%w: missing end_device_ids.dev_eui", ErrMalformedInput)
	}

	return u, nil
}

// Time prefers the network server receipt time of the uplink message over the receipt time
// of the webhook envelope.
func (u Uplink) Time(now time.Time) int64 {
	if u.UplinkMessage.ReceivedAt != nil && !u.UplinkMessage.ReceivedAt.IsZero() {
		return u.UplinkMessage.ReceivedAt.UnixMilli()
	}

	if u.ReceivedAt != nil && !u.ReceivedAt.IsZero() {
		return u.ReceivedAt.UnixMilli()
	}

	return now.UnixMilli()
}

// Metadata returns the radio context of the uplink, taken from the first gateway that
// received it.
func (u Uplink) Metadata() map[string]any {
	md := map[string]any{
		"devEUI": strings.ToUpper(strings.TrimSpace(u.EndDeviceIDs.DevEUI)),
	}

	if u.EndDeviceIDs.DeviceID != "" {
		md["ttnDeviceId"] = u.EndDeviceIDs.DeviceID
	}

	if u.UplinkMessage.FCnt != nil {
		md["frameCounter"] = *u.UplinkMessage.FCnt
	}

	if u.UplinkMessage.FPort != nil {
		md["fPort"] = *u.UplinkMessage.FPort
	}

	if len(u.UplinkMessage.RxMetadata) > 0 {
		rx := u.UplinkMessage.RxMetadata[0]
		if rx.RSSI != nil {
			md["rssi"] = *rx.RSSI
		}
		if rx.SNR != nil {
			md["snr"] = *rx.SNR
		}
		if rx.GatewayIDs.GatewayID != "" {
			md["gatewayId"] = rx.GatewayIDs.GatewayID
		}
	}

	return md
}

// FieldMap translates decoded Cayenne LPP channel keys into canonical parameter names.
type FieldMap map[string]string

const (
	BatteryField  string = "battery"
	LocationField string = "location"
)

func DefaultFieldMap() FieldMap {
	return FieldMap{
		"temperature_1": "temperature",
		"analog_in_1":   "ph",
		"analog_in_2":   "turbidity",
		"analog_in_3":   "dissolvedOxygen",
		"analog_in_4":   "conductivity",
		"analog_in_5":   "tds",
		"analog_in_6":   "orp",
		"analog_in_7":   "nitrate",
		"analog_in_8":   "phosphate",
		"analog_in_9":   "ammonia",
		"analog_in_10":  BatteryField,
		"battery":       BatteryField,
		"gps_1":         LocationField,
	}
}

// Apply maps a decoded payload. Battery and location channels go to metadata, every other
// mapped channel becomes a sensor input and unmapped keys are dropped.
func (m FieldMap) Apply(payload map[string]any, metadata map[string]any) map[string]domain.SensorInput {
	sensors := map[string]domain.SensorInput{}

	for key, value := range payload {
		target, ok := m[key]
		if !ok {
			continue
		}

		switch target {
		case BatteryField, LocationField:
			metadata[target] = value
		default:
			sensors[target] = domain.SensorInput{Value: value}
		}
	}

	return sensors
}
