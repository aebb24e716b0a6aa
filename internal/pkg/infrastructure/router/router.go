package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/diwise/integration-waterquality/domain"
	"github.com/diwise/integration-waterquality/internal/pkg/application"
	"github.com/diwise/integration-waterquality/internal/pkg/application/ingestion"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/tracing"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
)

const maxBodySize int64 = 1 << 20

var tracer = otel.Tracer("integration-waterquality/router")

type Router interface {
	Start(port string) error
}

type routerStruct struct {
	router chi.Router
	app    application.WaterQuality
	log    zerolog.Logger
}

func SetupRouter(chiRouter chi.Router, app application.WaterQuality, log zerolog.Logger) *routerStruct {
	r := &routerStruct{
		router: chiRouter,
		app:    app,
		log:    log,
	}

	chiRouter.Use(middleware.Logger)
	chiRouter.MethodNotAllowed(r.methodNotAllowed)

	chiRouter.Get("/health", r.health)
	chiRouter.Method(http.MethodGet, "/metrics", promhttp.Handler())

	chiRouter.Route("/api/v1", func(api chi.Router) {
		api.Group(func(ingest chi.Router) {
			ingest.Use(cors)

			ingest.Options("/readings", preflight)
			ingest.Post("/readings", r.pushReadings)

			ingest.Options("/webhooks/ttn", preflight)
			ingest.Post("/webhooks/ttn", r.ttnWebhook)
		})

		api.Get("/devices/{id}/readings", r.deviceReadings)
		api.Get("/devices/{id}/alerts", r.deviceAlerts)
	})

	return r
}

func (r *routerStruct) Start(port string) error {
	r.log.Info().Str("port", port).Msg("starting to listen for connections")
	return http.ListenAndServe(fmt.Sprintf(":%s", port), r.router)
}

func (router *routerStruct) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

type pushResponse struct {
	Success   bool               `json:"success"`
	Processed int                `json:"processed"`
	Failed    int                `json:"failed"`
	Results   []ingestion.Result `json:"results"`
}

func (router *routerStruct) pushReadings(w http.ResponseWriter, r *http.Request) {
	var err error

	ctx, span := tracer.Start(r.Context(), "push-readings")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	_, ctx, log := o11y.AddTraceIDToLoggerAndStoreInContext(span, router.log, ctx)

	apiKey := r.Header.Get("X-API-Key")
	if apiKey == "" {
		apiKey = r.URL.Query().Get("apiKey")
	}

	var cred domain.Credential
	cred, err = router.app.Authenticate(ctx, apiKey)
	if err != nil {
		writeError(w, log, err)
		return
	}

	var body []byte
	body, err = readBody(w, r)
	if err != nil {
		writeError(w, log, err)
		return
	}

	var results []ingestion.Result
	var batch bool
	results, batch, err = router.app.Push(ctx, cred, body)
	if err != nil {
		writeError(w, log, err)
		return
	}

	resp := pushResponse{Results: results}
	for i, res := range results {
		if res.Err != nil {
			resp.Failed++
			if statusCode(res.Err) == http.StatusInternalServerError {
				log.Error().Err(res.Err).Str("device_id", res.DeviceID).Msg("failed to ingest reading")
				resp.Results[i].Error = "internal error"
			}
			continue
		}
		resp.Processed++
	}
	resp.Success = resp.Failed == 0

	code := http.StatusOK
	if !batch && len(results) == 1 {
		code = itemStatusCode(results[0])
	}

	writeJSON(w, log, code, resp)
}

type webhookResponse struct {
	Success     bool     `json:"success"`
	DeviceID    string   `json:"deviceId"`
	Timestamp   int64    `json:"timestamp"`
	Status      string   `json:"status"`
	Sensors     []string `json:"sensors"`
	AlertErrors []string `json:"alertErrors,omitempty"`
}

func (router *routerStruct) ttnWebhook(w http.ResponseWriter, r *http.Request) {
	var err error

	ctx, span := tracer.Start(r.Context(), "ttn-webhook")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	_, ctx, log := o11y.AddTraceIDToLoggerAndStoreInContext(span, router.log, ctx)

	secret := r.Header.Get("X-TTN-Webhook-Secret")
	if secret == "" {
		secret = r.URL.Query().Get("secret")
	}

	if err = router.app.AuthenticateWebhook(secret); err != nil {
		writeError(w, log, err)
		return
	}

	var body []byte
	body, err = readBody(w, r)
	if err != nil {
		writeError(w, log, err)
		return
	}

	var result ingestion.Result
	result, err = router.app.Webhook(ctx, body)
	if err != nil {
		writeError(w, log, err)
		return
	}

	resp := webhookResponse{
		Success:     true,
		DeviceID:    result.DeviceID,
		Status:      result.Status,
		Sensors:     result.Sensors,
		AlertErrors: result.AlertErrors,
	}
	if result.Timestamp != nil {
		resp.Timestamp = *result.Timestamp
	}
	if resp.Sensors == nil {
		resp.Sensors = []string{}
	}

	writeJSON(w, log, itemStatusCode(result), resp)
}

func (router *routerStruct) deviceReadings(w http.ResponseWriter, r *http.Request) {
	var err error

	ctx, span := tracer.Start(r.Context(), "device-readings")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	_, ctx, log := o11y.AddTraceIDToLoggerAndStoreInContext(span, router.log, ctx)

	deviceID := chi.URLParam(r, "id")

	var from, to int64
	if from, err = parseTime(r.URL.Query().Get("from")); err != nil {
		writeError(w, log, err)
		return
	}
	if to, err = parseTime(r.URL.Query().Get("to")); err != nil {
		writeError(w, log, err)
		return
	}

	var readings []domain.Reading
	readings, err = router.app.Readings(ctx, deviceID, from, to)
	if err != nil {
		writeError(w, log, err)
		return
	}

	writeJSON(w, log, http.StatusOK, readings)
}

func (router *routerStruct) deviceAlerts(w http.ResponseWriter, r *http.Request) {
	var err error

	ctx, span := tracer.Start(r.Context(), "device-alerts")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	_, ctx, log := o11y.AddTraceIDToLoggerAndStoreInContext(span, router.log, ctx)

	deviceID := chi.URLParam(r, "id")
	status := domain.AlertStatus(r.URL.Query().Get("status"))

	var alerts []domain.Alert
	alerts, err = router.app.Alerts(ctx, deviceID, status)
	if err != nil {
		writeError(w, log, err)
		return
	}

	writeJSON(w, log, http.StatusOK, alerts)
}

func (router *routerStruct) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, router.log, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, X-TTN-Webhook-Secret")
		next.ServeHTTP(w, r)
	})
}

func preflight(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	defer r.Body.Close()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read request body: %s", ingestion.ErrMalformedInput, err.Error())
	}

	return body, nil
}

// parseTime accepts epoch milliseconds or RFC3339. An empty value means unbounded.
func parseTime(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}

	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms, nil
	}

	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid time %q", ingestion.ErrMalformedInput, s)
	}

	return t.UnixMilli(), nil
}

func statusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ingestion.ErrMalformedInput):
		return http.StatusBadRequest
	case errors.Is(err, ingestion.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ingestion.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ingestion.ErrUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func itemStatusCode(res ingestion.Result) int {
	if res.Err != nil {
		return statusCode(res.Err)
	}

	if res.Status == ingestion.StatusCreated {
		return http.StatusCreated
	}

	return http.StatusOK
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeError(w http.ResponseWriter, log zerolog.Logger, err error) {
	code := statusCode(err)
	msg := err.Error()

	if code >= http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
		msg = "internal error"
	} else {
		log.Debug().Err(err).Int("status", code).Msg("request rejected")
	}

	writeJSON(w, log, code, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, log zerolog.Logger, code int, body any) {
	b, err := json.Marshal(body)
	if err != nil {
		log.Error().Err(err).Int("status", code).Msg("failed to marshal response body")
		code = http.StatusInternalServerError
		b, _ = json.Marshal(errorResponse{Error: "internal error"})
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if _, err = w.Write(b); err != nil {
		log.Debug().Err(err).Msg("failed to write response body")
	}
}
