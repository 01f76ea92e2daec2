package core

import (
	"context"

	"example.com/backstage/services/fleet/config"
	"example.com/backstage/services/fleet/internal/infrastructure"
	"github.com/sirupsen/logrus"
)

// Services wires the engine components together.
type Services struct {
	Registry  *DeviceRegistryService
	Catalog   *ArtifactCatalogService
	Policies  *RolloutPolicyService
	Telemetry *TelemetryAggregator
	Alerts    *AlertEvaluatorService
	Protocol  *UpdateProtocolService

	store  Repository
	logger *logrus.Logger
}

// ServiceConfig carries the dependencies for NewServices. Cache, Messaging
// and Journal may be nil; the engine degrades gracefully without them.
type ServiceConfig struct {
	Store     Repository
	Cache     *infrastructure.Cache
	Messaging *infrastructure.Messaging
	Journal   *infrastructure.Journal
	Logger    *logrus.Logger
	Telemetry config.TelemetryConfig
	Alerts    config.AlertsConfig
}

// NewServices builds the full engine.
func NewServices(cfg ServiceConfig) *Services {
	registry := NewDeviceRegistryService(cfg.Store, cfg.Cache, cfg.Logger)
	catalog := NewArtifactCatalogService(cfg.Store, cfg.Logger)
	policies := NewRolloutPolicyService(cfg.Store, catalog, cfg.Logger)
	telemetry := NewTelemetryAggregator(cfg.Store, cfg.Journal, cfg.Logger, TelemetryOptions{
		WindowSize: cfg.Telemetry.WindowSize,
		WindowAge:  cfg.Telemetry.WindowAge,
		MinSamples: cfg.Telemetry.MinSamples,
	})
	alerts := NewAlertEvaluatorService(cfg.Store, telemetry, cfg.Alerts.Rules, cfg.Messaging, cfg.Journal, cfg.Logger)
	protocol := NewUpdateProtocolService(registry, catalog, policies, telemetry, cfg.Messaging, cfg.Journal, cfg.Logger)

	return &Services{
		Registry:  registry,
		Catalog:   catalog,
		Policies:  policies,
		Telemetry: telemetry,
		Alerts:    alerts,
		Protocol:  protocol,
		store:     cfg.Store,
		logger:    cfg.Logger,
	}
}

// Store exposes the repository for transports that need direct reads
// (API-key auth, replay tooling).
func (s *Services) Store() Repository {
	return s.store
}

// RolloutStatus is the monitoring view for one firmware version: its
// policies, how many active devices run it, the fleet's version spread and
// the current rolling failure rate.
func (s *Services) RolloutStatus(ctx context.Context, version string) (*RolloutStatus, error) {
	fw, err := s.Catalog.Get(ctx, version)
	if err != nil {
		return nil, err
	}

	policies, err := s.Policies.List(ctx, version)
	if err != nil {
		return nil, err
	}

	counts, err := s.store.CountDevicesByVersion(ctx)
	if err != nil {
		return nil, err
	}

	status := &RolloutStatus{
		Version:          version,
		Status:           fw.Status,
		Policies:         policies,
		DevicesOn:        counts[version],
		DevicesByVersion: counts,
	}

	// Failure rate across every region running this version, weighted by
	// sample count.
	var weighted float64
	var samples int
	for _, key := range s.Telemetry.Keys(MetricFailureRate) {
		if key.Version != version {
			continue
		}
		summary, err := s.Telemetry.SummaryFor(MetricFailureRate, key.Region, key.Version)
		if err != nil {
			continue
		}
		weighted += summary.Value * float64(summary.SampleCount)
		samples += summary.SampleCount
	}
	if samples > 0 {
		status.FailureRate = weighted / float64(samples)
		status.FailureSamples = samples
	}

	return status, nil
}

// FleetSettings returns the simulated-fleet configuration record.
func (s *Services) FleetSettings(ctx context.Context) (*FleetSettings, error) {
	return s.store.GetFleetSettings(ctx)
}

// UpdateFleetSettings validates and persists the fleet knobs. Devices pick
// the new values up on their next poll.
func (s *Services) UpdateFleetSettings(ctx context.Context, settings *FleetSettings) error {
	if settings.NumDevices < 0 {
		return Errorf(KindInvalidArgument, "num_devices must not be negative")
	}
	if settings.SampleIntervalSecs <= 0 || settings.UploadIntervalSecs <= 0 || settings.HeartbeatIntervalSecs <= 0 {
		return Errorf(KindInvalidArgument, "intervals must be positive")
	}

	current, err := s.store.GetFleetSettings(ctx)
	if err != nil {
		return err
	}
	settings.ID = current.ID
	if settings.ID == 0 {
		settings.ID = 1
	}

	if err := s.store.SaveFleetSettings(ctx, settings); err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{
		"num_devices":        settings.NumDevices,
		"heartbeat_interval": settings.HeartbeatIntervalSecs,
	}).Info("Fleet settings updated")
	return nil
}
