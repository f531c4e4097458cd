package main

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-connector/internal/api"
	"github.com/nerrad567/gray-logic-connector/internal/audit"
	"github.com/nerrad567/gray-logic-connector/internal/bridges/connector"
	"github.com/nerrad567/gray-logic-connector/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-connector/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-connector/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-connector/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-connector/internal/infrastructure/mqtt"
	_ "github.com/nerrad567/gray-logic-connector/migrations"
)

// runBridge wires every component and blocks until ctx is cancelled.
// Components are torn down in reverse order by the deferred calls.
func runBridge(ctx context.Context, configPath string) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting connector bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Connector.ValidateRun(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"site", cfg.Site.ID,
		"connector", cfg.Connector.String(),
	)

	// Database and audit trail
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	auditRepo := audit.NewSQLiteRepository(db.DB)
	auditor := audit.NewRecorder(auditRepo, audit.SourceMQTT, log.Component("audit"))

	// MQTT, with the bridge's offline health message as last will
	mqttClient, err := connectMQTT(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()

	// InfluxDB (optional)
	var influxClient *influxdb.Client
	var recorder connector.StateRecorder
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		recorder = influxClient
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Connector engine
	engine, err := connector.NewEngine(engineOptions(cfg, log))
	if err != nil {
		return fmt.Errorf("creating connector engine: %w", err)
	}
	if err := engine.Start(ctx); err != nil {
		// Commands still go out; the fault is reported on the health topic.
		log.Error("multicast join failed, running send-only", "error", err)
	}
	defer func() {
		log.Info("stopping connector engine")
		engine.Stop()
	}()

	bridge, err := connector.NewBridge(connector.BridgeOptions{
		Engine:         engine,
		MQTTClient:     mqtt.NewBridgeAdapter(mqttClient),
		Version:        version,
		MulticastGroup: cfg.Connector.MulticastGroup,
		HealthInterval: cfg.Connector.GetHealthInterval(),
		Recorder:       recorder,
		Auditor:        auditor,
		Logger:         log.Component("bridge"),
	})
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	if err := bridge.Start(ctx); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}
	defer func() {
		log.Info("stopping bridge")
		bridge.Stop()
	}()

	refresher, err := connector.NewRefresher(engine, cfg.Connector.RefreshSchedule)
	if err != nil {
		return fmt.Errorf("creating refresher: %w", err)
	}
	refresher.SetLogger(log.Component("refresh"))
	refresher.Start()
	defer refresher.Stop()

	// Diagnostics API (optional)
	if cfg.API.Enabled {
		server, apiErr := api.New(api.Deps{
			Config:  cfg.API,
			Logger:  log,
			Engine:  engine,
			Bridge:  bridge,
			Audit:   auditRepo,
			Auditor: auditor.WithSource(audit.SourceAPI),
			Version: version,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if apiErr := server.Start(ctx); apiErr != nil {
			return fmt.Errorf("starting API server: %w", apiErr)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	g, gctx := errgroup.WithContext(ctx)
	if influxClient != nil {
		g.Go(func() error {
			writeStatsLoop(gctx, engine, influxClient, cfg.Connector.GetHealthInterval())
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("shutdown signal received, cleaning up")
	return nil
}

// connectMQTT connects with the offline health message as last will, so
// the bus learns about a crash without waiting for the next health tick.
func connectMQTT(cfg *config.Config, log *logging.Logger) (*mqtt.Client, error) {
	lwt, err := connector.LWTPayload()
	if err != nil {
		return nil, fmt.Errorf("encoding last will: %w", err)
	}

	client, err := mqtt.Connect(cfg.MQTT,
		mqtt.WithWill(connector.HealthTopic(), lwt),
		mqtt.WithLogger(log.Component("mqtt")),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to MQTT: %w", err)
	}

	client.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	client.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)
	return client, nil
}

// statsSource is the part of the engine the stats loop reads.
type statsSource interface {
	Stats() connector.EngineStats
}

// statsWriter is the part of the InfluxDB client the stats loop writes to.
type statsWriter interface {
	WriteBridgeStats(stats connector.EngineStats)
}

// writeStatsLoop writes engine counters every interval until ctx ends.
func writeStatsLoop(ctx context.Context, src statsSource, dst statsWriter, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dst.WriteBridgeStats(src.Stats())
		}
	}
}

// healthCheck verifies all infrastructure connections are healthy.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}
