package main

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/diwise/context-broker/pkg/ngsild/client"
	"github.com/diwise/service-chassis/pkg/infrastructure/buildinfo"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/go-chi/chi"
	"github.com/rs/zerolog"

	"github.com/diwise/integration-waterquality/internal/pkg/application"
	"github.com/diwise/integration-waterquality/internal/pkg/application/fiware"
	"github.com/diwise/integration-waterquality/internal/pkg/application/health"
	"github.com/diwise/integration-waterquality/internal/pkg/application/jobs"
	"github.com/diwise/integration-waterquality/internal/pkg/application/lwm2m"
	"github.com/diwise/integration-waterquality/internal/pkg/infrastructure/database"
	"github.com/diwise/integration-waterquality/internal/pkg/infrastructure/messaging"
	"github.com/diwise/integration-waterquality/internal/pkg/infrastructure/router"
)

const serviceName string = "integration-waterquality"

func main() {
	serviceVersion := buildinfo.SourceVersion()

	ctx, logger, cleanup := o11y.Init(context.Background(), serviceName, serviceVersion)
	defer cleanup()

	port := env.GetVariableOrDefault(logger, "SERVICE_PORT", "8080")
	dbDriver := env.GetVariableOrDefault(logger, "DB_DRIVER", "sqlite")
	dbDSN := env.GetVariableOrDefault(logger, "DB_DSN", "file:waterquality.db")
	sweepSchedule := env.GetVariableOrDefault(logger, "HEALTH_SWEEP_SCHEDULE", "@every 15m")

	conn, err := database.Open(dbDriver, dbDSN)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", dbDriver).Msg("failed to open database")
	}

	db, err := database.New(ctx, conn)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize database")
	}

	seedDatabase(ctx, logger, db)

	cfg := application.Config{
		WebhookSecret: env.GetVariableOrDefault(logger, "TTN_WEBHOOK_SECRET", ""),
		Health:        healthConfig(logger),
	}

	if cfg.WebhookSecret == "" {
		logger.Warn().Msg("no TTN_WEBHOOK_SECRET configured, all webhook requests will be rejected")
	}

	if broker := env.GetVariableOrDefault(logger, "MQTT_BROKER_URL", ""); broker != "" {
		notifier, err := messaging.NewAlertNotifier(ctx, messaging.Options{
			BrokerURL:   broker,
			ClientID:    env.GetVariableOrDefault(logger, "MQTT_CLIENT_ID", serviceName),
			Username:    env.GetVariableOrDefault(logger, "MQTT_USER", ""),
			Password:    env.GetVariableOrDefault(logger, "MQTT_PASSWORD", ""),
			TopicPrefix: env.GetVariableOrDefault(logger, "MQTT_TOPIC_PREFIX", "waterquality/alerts"),
			QoS:         1,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create alert notifier")
		}
		defer notifier.Close()

		cfg.Notifier = notifier
	}

	if lwm2mUrl := env.GetVariableOrDefault(logger, "LWM2M_ENDPOINT_URL", ""); lwm2mUrl != "" {
		cfg.Forwarders = append(cfg.Forwarders, lwm2m.NewForwarder(lwm2mUrl, lwm2m.Send))
	}

	if contextBrokerUrl := env.GetVariableOrDefault(logger, "CONTEXT_BROKER_URL", ""); contextBrokerUrl != "" {
		cfg.Forwarders = append(cfg.Forwarders, fiware.NewForwarder(client.NewContextBrokerClient(contextBrokerUrl)))
	}

	app := application.New(ctx, db, cfg)

	scheduler, err := jobs.NewJobScheduler(logger, sweepSchedule, app.HealthMonitor())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to schedule device health sweep")
	}
	scheduler.Start()
	defer scheduler.Stop()

	r := router.SetupRouter(chi.NewRouter(), app, logger)

	err = r.Start(port)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start router")
	}
}

func seedDatabase(ctx context.Context, logger zerolog.Logger, db *database.Database) {
	seedFile := env.GetVariableOrDefault(logger, "SEED_FILE", "")
	if seedFile == "" {
		return
	}

	f, err := os.Open(seedFile)
	if err != nil {
		logger.Fatal().Err(err).Str("file", seedFile).Msg("failed to open seed file")
	}
	defer f.Close()

	devices, credentials, err := db.Seed(ctx, f)
	if err != nil {
		logger.Fatal().Err(err).Str("file", seedFile).Msg("failed to seed database")
	}

	logger.Info().Int("devices", devices).Int("credentials", credentials).Msg("database seeded")
}

func healthConfig(logger zerolog.Logger) health.Config {
	cfg := health.DefaultConfig()

	if d, err := time.ParseDuration(env.GetVariableOrDefault(logger, "OFFLINE_AFTER", "30m")); err == nil {
		cfg.OfflineAfter = d
	} else {
		logger.Warn().Err(err).Msg("invalid OFFLINE_AFTER, using default")
	}

	if f, err := strconv.ParseFloat(env.GetVariableOrDefault(logger, "BATTERY_LOW_LEVEL", "20"), 64); err == nil {
		cfg.BatteryLow = f
	}

	if f, err := strconv.ParseFloat(env.GetVariableOrDefault(logger, "BATTERY_CRITICAL_LEVEL", "10"), 64); err == nil {
		cfg.BatteryCritical = f
	}

	return cfg
}
