package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/MarcoPoloResearchLab/chatrelay/internal/chat"
	"github.com/MarcoPoloResearchLab/chatrelay/internal/config"
	"github.com/MarcoPoloResearchLab/chatrelay/internal/database"
	"github.com/MarcoPoloResearchLab/chatrelay/internal/logging"
	"github.com/MarcoPoloResearchLab/chatrelay/internal/metrics"
	"github.com/MarcoPoloResearchLab/chatrelay/internal/observability"
	"github.com/MarcoPoloResearchLab/chatrelay/internal/relay"
	"github.com/MarcoPoloResearchLab/chatrelay/internal/scheduler"
	"github.com/MarcoPoloResearchLab/chatrelay/internal/server"
	"github.com/MarcoPoloResearchLab/chatrelay/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// application holds the wired components shared by every command.
type application struct {
	config   config.AppConfig
	logger   *zap.Logger
	db       *gorm.DB
	store    *chat.Store
	client   *transport.Client
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	realtime *server.RealtimeDispatcher
	adapter  *scheduler.Adapter
	shutdown observability.ShutdownFunc
}

func newApplication(ctx context.Context) (*application, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	shutdown, err := observability.SetupTracing(ctx, observability.TracingConfig{
		Enabled:     appConfig.TracingEnabled,
		Endpoint:    appConfig.TracingEndpoint,
		Insecure:    appConfig.TracingInsecure,
		SampleRatio: appConfig.TracingSampleRatio,
	}, appConfig.AppVersion)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		_ = shutdown(ctx)
		return nil, err
	}

	app := &application{
		config:   appConfig,
		logger:   logger,
		db:       db,
		shutdown: shutdown,
		realtime: server.NewRealtimeDispatcher(),
		registry: prometheus.NewRegistry(),
	}

	app.store, err = chat.NewStore(chat.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		app.close(ctx)
		return nil, err
	}

	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	app.metrics, err = metrics.New(app.registry)
	if err != nil {
		app.close(ctx)
		return nil, err
	}

	app.client = transport.NewClient(transport.ClientConfig{
		Insecure:    appConfig.TransportInsecure,
		IdleTimeout: appConfig.IdleTimeout,
		UserAgent:   "chatrelay/" + appConfig.AppVersion,
		Logger:      logger,
	})

	processor, err := relay.NewProcessor(relay.ProcessorConfig{
		Store:           app.store,
		Transport:       app.client,
		Locator:         relay.StaticLocator{Position: chat.Location{Latitude: appConfig.Latitude, Longitude: appConfig.Longitude}},
		Logger:          logger,
		Metrics:         app.metrics,
		Events:          app.realtime,
		SyncTimeout:     appConfig.SyncTimeout,
		DefaultChatroom: appConfig.DefaultChatroom,
		Version:         appConfig.AppVersion,
	})
	if err != nil {
		app.close(ctx)
		return nil, err
	}

	app.adapter, err = scheduler.New(scheduler.Config{
		Processor:           processor,
		Interval:            appConfig.SyncInterval,
		RegistrationTimeout: appConfig.RegistrationTimeout,
		Logger:              logger,
	})
	if err != nil {
		app.close(ctx)
		return nil, err
	}

	return app, nil
}

func (app *application) close(ctx context.Context) {
	if app.client != nil {
		if err := app.client.Close(); err != nil {
			app.logger.Warn("failed to close relay client", zap.Error(err))
		}
	}
	if app.db != nil {
		if sqlDB, err := app.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	if app.shutdown != nil {
		if err := app.shutdown(ctx); err != nil {
			app.logger.Warn("failed to flush traces", zap.Error(err))
		}
	}
	_ = app.logger.Sync()
}

func (app *application) statusDependencies() server.Dependencies {
	return server.Dependencies{
		Store:        app.store,
		Actions:      app.adapter,
		Realtime:     app.realtime,
		Metrics:      app.metrics,
		Gatherer:     app.registry,
		TriggerRate:  rate.Limit(app.config.StatusTriggerRate),
		TriggerBurst: app.config.StatusTriggerBurst,
		Logger:       app.logger,
	}
}

func printJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
