package router

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/diwise/integration-waterquality/domain"
	"github.com/diwise/integration-waterquality/internal/pkg/application"
	"github.com/diwise/integration-waterquality/internal/pkg/infrastructure/database"
	"github.com/go-chi/chi"
	"github.com/matryer/is"
	"github.com/rs/zerolog/log"
)

func TestThatHealthEndpointReturns204(t *testing.T) {
	is, ts := testSetup(t)

	resp, _ := testRequest(is, ts, http.MethodGet, "/health", nil, nil)

	is.Equal(resp.StatusCode, http.StatusNoContent) // health endpoint status code not ok
}

func TestThatMetricsAreExposed(t *testing.T) {
	is, ts := testSetup(t)

	resp, body := testRequest(is, ts, http.MethodGet, "/metrics", nil, nil)

	is.Equal(resp.StatusCode, http.StatusOK)
	is.True(strings.Contains(body, "go_goroutines"))
}

func TestPushAuthentication(t *testing.T) {
	is, ts := testSetup(t)
	body := `{"deviceId":"d1","sensors":{"ph":{"value":7.1}}}`

	resp, _ := testRequest(is, ts, http.MethodPost, "/api/v1/readings", strings.NewReader(body), nil)
	is.Equal(resp.StatusCode, http.StatusUnauthorized) // missing key

	resp, _ = testRequest(is, ts, http.MethodPost, "/api/v1/readings", strings.NewReader(body), map[string]string{"X-API-Key": "unknown"})
	is.Equal(resp.StatusCode, http.StatusUnauthorized) // unknown key

	resp, _ = testRequest(is, ts, http.MethodPost, "/api/v1/readings", strings.NewReader(body), map[string]string{"X-API-Key": "disabled-key"})
	is.Equal(resp.StatusCode, http.StatusForbidden) // disabled key

	resp, _ = testRequest(is, ts, http.MethodPost, "/api/v1/readings?apiKey=fleet-key", strings.NewReader(body), nil)
	is.Equal(resp.StatusCode, http.StatusCreated) // key in query
}

func TestThatASingleReadingGetsItsOwnStatusCode(t *testing.T) {
	is, ts := testSetup(t)
	headers := map[string]string{"X-API-Key": "fleet-key"}

	resp, body := testRequest(is, ts, http.MethodPost, "/api/v1/readings", strings.NewReader(`{"deviceId":"ghost","sensors":{"ph":7}}`), headers)
	is.Equal(resp.StatusCode, http.StatusNotFound)

	r := pushResponse{}
	is.NoErr(json.Unmarshal([]byte(body), &r))
	is.True(!r.Success)
	is.Equal(r.Failed, 1)

	resp, _ = testRequest(is, ts, http.MethodPost, "/api/v1/readings", strings.NewReader(`{"sensors":{"ph":7}}`), headers)
	is.Equal(resp.StatusCode, http.StatusBadRequest)

	reading := `{"deviceId":"d1","timestamp":1714557600000,"sensors":{"ph":7}}`
	resp, _ = testRequest(is, ts, http.MethodPost, "/api/v1/readings", strings.NewReader(reading), headers)
	is.Equal(resp.StatusCode, http.StatusCreated)

	resp, body = testRequest(is, ts, http.MethodPost, "/api/v1/readings", strings.NewReader(reading), headers)
	is.Equal(resp.StatusCode, http.StatusOK)
	is.True(strings.Contains(body, `"status":"duplicate"`))
}

func TestThatABatchReportsPartialSuccess(t *testing.T) {
	is, ts := testSetup(t)

	body := `[
		{"deviceId":"d1","timestamp":1714557600000,"sensors":{"ph":{"value":7.9}}},
		{"deviceId":"ghost","sensors":{"ph":7}},
		{"deviceId":"d1","sensors":{}}
	]`

	resp, respBody := testRequest(is, ts, http.MethodPost, "/api/v1/readings", strings.NewReader(body), map[string]string{"X-API-Key": "fleet-key"})
	is.Equal(resp.StatusCode, http.StatusOK)

	r := struct {
		Success   bool `json:"success"`
		Processed int  `json:"processed"`
		Failed    int  `json:"failed"`
		Results   []struct {
			DeviceID string `json:"deviceId"`
			Status   string `json:"status"`
			Error    string `json:"error"`
		} `json:"results"`
	}{}
	is.NoErr(json.Unmarshal([]byte(respBody), &r))

	is.True(!r.Success)
	is.Equal(r.Processed, 1)
	is.Equal(r.Failed, 2)
	is.Equal(r.Results[0].Status, "created")
	is.True(strings.Contains(r.Results[1].Error, "unknown device"))
	is.True(r.Results[2].Error != "")

	resp, respBody = testRequest(is, ts, http.MethodGet, "/api/v1/devices/d1/alerts?status=active", nil, nil)
	is.Equal(resp.StatusCode, http.StatusOK)

	alerts := []domain.Alert{}
	is.NoErr(json.Unmarshal([]byte(respBody), &alerts))
	is.Equal(len(alerts), 1)
}

func TestIngestionEndpointsAnswerPreflightAndRejectOtherMethods(t *testing.T) {
	is, ts := testSetup(t)

	for _, path := range []string{"/api/v1/readings", "/api/v1/webhooks/ttn"} {
		resp, _ := testRequest(is, ts, http.MethodOptions, path, nil, nil)
		is.Equal(resp.StatusCode, http.StatusNoContent)
		is.Equal(resp.Header.Get("Access-Control-Allow-Origin"), "*")

		resp, _ = testRequest(is, ts, http.MethodGet, path, nil, nil)
		is.Equal(resp.StatusCode, http.StatusMethodNotAllowed)

		resp, _ = testRequest(is, ts, http.MethodPut, path, nil, nil)
		is.Equal(resp.StatusCode, http.StatusMethodNotAllowed)
	}
}

func TestWebhookAuthentication(t *testing.T) {
	is, ts := testSetup(t)

	resp, _ := testRequest(is, ts, http.MethodPost, "/api/v1/webhooks/ttn", strings.NewReader(uplink), nil)
	is.Equal(resp.StatusCode, http.StatusUnauthorized)

	resp, _ = testRequest(is, ts, http.MethodPost, "/api/v1/webhooks/ttn?secret=wrong", strings.NewReader(uplink), nil)
	is.Equal(resp.StatusCode, http.StatusForbidden)

	resp, body := testRequest(is, ts, http.MethodPost, "/api/v1/webhooks/ttn", strings.NewReader(uplink), map[string]string{"X-TTN-Webhook-Secret": "s3cret"})
	is.Equal(resp.StatusCode, http.StatusCreated)

	r := webhookResponse{}
	is.NoErr(json.Unmarshal([]byte(body), &r))
	is.True(r.Success)
	is.Equal(r.DeviceID, "d1")
	is.Equal(r.Sensors, []string{"ph", "temperature"})
}

func TestThatUnknownDevEUIGives404(t *testing.T) {
	is, ts := testSetup(t)

	body := strings.Replace(uplink, "a81758fffe0312ab", "0011223344556677", 1)
	resp, respBody := testRequest(is, ts, http.MethodPost, "/api/v1/webhooks/ttn?secret=s3cret", strings.NewReader(body), nil)

	is.Equal(resp.StatusCode, http.StatusNotFound)
	is.True(strings.Contains(respBody, "0011223344556677")) // error should name the DevEUI
}

func TestReadingsQuery(t *testing.T) {
	is, ts := testSetup(t)

	batch := `[
		{"deviceId":"d1","timestamp":"2024-05-01T10:00:00Z","sensors":{"ph":7.0}},
		{"deviceId":"d1","timestamp":"2024-05-01T11:00:00Z","sensors":{"ph":7.1}}
	]`
	resp, _ := testRequest(is, ts, http.MethodPost, "/api/v1/readings", strings.NewReader(batch), map[string]string{"X-API-Key": "fleet-key"})
	is.Equal(resp.StatusCode, http.StatusOK)

	resp, body := testRequest(is, ts, http.MethodGet, "/api/v1/devices/d1/readings?from=2024-05-01T10:30:00Z", nil, nil)
	is.Equal(resp.StatusCode, http.StatusOK)

	readings := []domain.Reading{}
	is.NoErr(json.Unmarshal([]byte(body), &readings))
	is.Equal(len(readings), 1)

	resp, _ = testRequest(is, ts, http.MethodGet, "/api/v1/devices/d1/readings?from=yesterday", nil, nil)
	is.Equal(resp.StatusCode, http.StatusBadRequest)

	resp, _ = testRequest(is, ts, http.MethodGet, "/api/v1/devices/ghost/readings", nil, nil)
	is.Equal(resp.StatusCode, http.StatusNotFound)
}

func TestThatUnencodableResponsesBecomeInternalErrors(t *testing.T) {
	is := is.New(t)

	w := httptest.NewRecorder()
	writeJSON(w, log.Logger, http.StatusOK, map[string]float64{"value": math.Inf(1)})

	is.Equal(w.Code, http.StatusInternalServerError)
	is.Equal(w.Header().Get("Content-Type"), "application/json")

	r := errorResponse{}
	is.NoErr(json.Unmarshal(w.Body.Bytes(), &r))
	is.True(!r.Success)
	is.Equal(r.Error, "internal error") // the client must never get an empty body
}

const uplink string = `{
	"end_device_ids": {"device_id": "harbour-1", "dev_eui": "a81758fffe0312ab"},
	"uplink_message": {
		"f_cnt": 12,
		"decoded_payload": {"analog_in_1": 7.2, "temperature_1": 11.4, "analog_in_10": 64},
		"rx_metadata": [{"gateway_ids": {"gateway_id": "gw-1"}, "rssi": -101, "snr": 4.25}],
		"received_at": "2024-05-01T11:59:00Z"
	}
}`

var testTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testSetup(t *testing.T) (*is.I, *httptest.Server) {
	is := is.New(t)
	ctx := context.Background()

	conn, err := database.Open("sqlite", ":memory:")
	is.NoErr(err)

	db, err := database.New(ctx, conn)
	is.NoErr(err)

	high := 7.5
	is.NoErr(db.SaveDevice(ctx, domain.Device{
		ID:           "d1",
		Installation: domain.Installation{Status: domain.StatusActive},
		Configuration: domain.Configuration{
			AlertThresholds: map[string]domain.Threshold{"ph": {Enabled: true, High: &high}},
		},
		LoRaWAN: domain.LoRaWAN{DevEUI: "A81758FFFE0312AB"},
	}))
	is.NoErr(db.SaveCredential(ctx, domain.Credential{Key: "fleet-key", Name: "fleet", Enabled: true}))
	is.NoErr(db.SaveCredential(ctx, domain.Credential{Key: "disabled-key", Name: "old", Enabled: false}))

	app := application.New(ctx, db, application.Config{
		WebhookSecret: "s3cret",
		Clock:         func() time.Time { return testTime },
	})

	r := SetupRouter(chi.NewRouter(), app, log.Logger)

	ts := httptest.NewServer(r.router)
	t.Cleanup(ts.Close)

	return is, ts
}

func testRequest(is *is.I, ts *httptest.Server, method, path string, body io.Reader, headers map[string]string) (*http.Response, string) {
	req, err := http.NewRequest(method, ts.URL+path, body)
	is.NoErr(err)

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	is.NoErr(err)
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	return resp, string(respBody)
}
