package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/backstage/services/fleet/internal/core"
	"example.com/backstage/services/fleet/internal/infrastructure"
	transport "example.com/backstage/services/fleet/internal/transport/http"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Starts the Fleet Rollout API server",
	Long:  `Launches the HTTP server handling the device update protocol, rollout administration and fleet monitoring, plus the background alert evaluator and optional MQTT measurement ingestion.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServer() error {
	logger.Info("Initializing Fleet Rollout Engine...")

	// --- Infrastructure Setup ---
	var store core.Repository
	var db *infrastructure.Database

	if cfg.Database.DSN == "" {
		logger.Warn("No database DSN configured, using in-memory store")
		store = core.NewMemoryRepository()
	} else {
		logger.Info("Connecting to database...")
		var err error
		db, err = infrastructure.NewDatabase(cfg.Database)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer db.Close()
		store = core.NewRepository(db.DB)
	}

	var cache *infrastructure.Cache
	if !cfg.Redis.Disabled {
		logger.Info("Connecting to cache...")
		var err error
		cache, err = infrastructure.NewCache(cfg.Redis)
		if err != nil {
			logger.WithError(err).Warn("Cache unavailable, continuing without it")
			cache = nil
		} else {
			defer cache.Close()
		}
	}

	var messaging *infrastructure.Messaging
	if cfg.ServiceBus.ConnectionString != "" {
		logger.Info("Connecting to messaging service...")
		var err error
		messaging, err = infrastructure.NewMessaging(cfg.ServiceBus)
		if err != nil {
			logger.WithError(err).Warn("Messaging service unavailable, continuing without it")
			messaging = nil
		} else {
			defer messaging.Close()
		}
	}

	journal, err := infrastructure.NewJournal(cfg.Storage.JournalPath, cfg.Storage.RotationSize)
	if err != nil {
		return fmt.Errorf("journal setup failed: %w", err)
	}
	defer journal.Close()

	// --- Service Layer Setup ---
	services := core.NewServices(core.ServiceConfig{
		Store:     store,
		Cache:     cache,
		Messaging: messaging,
		Journal:   journal,
		Logger:    logger,
		Telemetry: cfg.Telemetry,
		Alerts:    cfg.Alerts,
	})

	// Rebuild the rolling windows from journaled measurements so summaries
	// survive a restart.
	services.Telemetry.WarmFromJournal()

	// --- Background workers ---
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	if cfg.Alerts.Interval > 0 {
		go services.Alerts.Run(workerCtx, cfg.Alerts.Interval)
	}

	var subscriber *infrastructure.MQTTSubscriber
	if cfg.MQTT != nil && cfg.MQTT.BrokerURL != "" {
		logger.Info("Connecting to MQTT broker...")
		handler := func(ctx context.Context, deviceID string, payload []byte) error {
			var batch struct {
				Measurements []core.MeasurementReport `json:"measurements"`
			}
			if err := json.Unmarshal(payload, &batch); err != nil {
				return fmt.Errorf("invalid measurement payload: %w", err)
			}
			return services.Protocol.IngestMeasurements(ctx, deviceID, batch.Measurements)
		}
		subscriber, err = infrastructure.NewMQTTSubscriber(*cfg.MQTT, handler, logger)
		if err != nil {
			return fmt.Errorf("MQTT setup failed: %w", err)
		}
		if err := subscriber.Start(); err != nil {
			logger.WithError(err).Warn("MQTT broker unavailable, continuing without it")
			subscriber = nil
		}
	}

	// --- API Layer Setup ---
	router := gin.New()
	transport.SetupRoutes(router, services, logger)

	// --- HTTP Server ---
	serverAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful Shutdown ---
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Infof("Fleet Rollout API listening on %s", serverAddr)
		logger.Info("Service started successfully")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for shutdown signal
	<-shutdownChan

	logger.Warn("Shutdown signal received, initiating graceful shutdown...")

	stopWorkers()
	if subscriber != nil {
		subscriber.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Errorf("Server shutdown failed: %v", err)
	} else {
		logger.Info("Server stopped gracefully")
	}

	logger.Info("Fleet Rollout Engine shutdown complete")
	return nil
}
