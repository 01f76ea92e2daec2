package core

import (
	"context"
	"time"

	"example.com/backstage/services/fleet/internal/infrastructure"
	"github.com/sirupsen/logrus"
)

// UpdateProtocolService answers device polls and processes completion
// reports. It is the only writer of lifecycle/slot/firmware fields, always
// through the registry's per-device serialization.
type UpdateProtocolService struct {
	registry  *DeviceRegistryService
	catalog   *ArtifactCatalogService
	policies  *RolloutPolicyService
	telemetry *TelemetryAggregator
	messaging *infrastructure.Messaging
	journal   *infrastructure.Journal
	logger    *logrus.Logger
}

func NewUpdateProtocolService(
	registry *DeviceRegistryService,
	catalog *ArtifactCatalogService,
	policies *RolloutPolicyService,
	telemetry *TelemetryAggregator,
	messaging *infrastructure.Messaging,
	journal *infrastructure.Journal,
	logger *logrus.Logger,
) *UpdateProtocolService {
	return &UpdateProtocolService{
		registry:  registry,
		catalog:   catalog,
		policies:  policies,
		telemetry: telemetry,
		messaging: messaging,
		journal:   journal,
		logger:    logger,
	}
}

// Poll answers "what should I run". A nil offer with a nil error means no
// update; only an unregistered device is an error. Read-only and
// idempotent, so client-side retries are always safe.
func (s *UpdateProtocolService) Poll(ctx context.Context, deviceID string) (*UpdateOffer, error) {
	device, err := s.registry.get(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	s.registry.Touch(ctx, deviceID, "online")

	if device.Lifecycle != LifecycleActive {
		return nil, nil
	}

	return s.resolve(ctx, device, false)
}

// resolve reads the catalog and policy set once and applies the pure
// resolver to the snapshot, so one poll never mixes two policy revisions.
func (s *UpdateProtocolService) resolve(ctx context.Context, device *Device, allowDowngrade bool) (*UpdateOffer, error) {
	catalog, err := s.catalog.ListAssignable(ctx)
	if err != nil {
		return nil, err
	}
	if len(catalog) == 0 {
		return nil, nil
	}

	policies, err := s.policies.List(ctx, "")
	if err != nil {
		return nil, err
	}

	fw := ResolveTarget(device, catalog, policies, allowDowngrade)
	if fw == nil {
		return nil, nil
	}

	targetSlot := SlotB
	if device.ActiveSlot == SlotB {
		targetSlot = SlotA
	}

	return &UpdateOffer{
		Version:     fw.Version,
		ArtifactURL: fw.ArtifactURL,
		Checksum:    fw.Checksum,
		SizeBytes:   fw.SizeBytes,
		TargetSlot:  targetSlot,
	}, nil
}

// Resolve computes the device's current assignment without touching any
// state. The downgrade override is the explicit administrative escape hatch
// for rolling a cohort backwards.
func (s *UpdateProtocolService) Resolve(ctx context.Context, deviceID string, allowDowngrade bool) (*UpdateOffer, error) {
	device, err := s.registry.get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if device.Lifecycle != LifecycleActive {
		return nil, nil
	}
	return s.resolve(ctx, device, allowDowngrade)
}

// installResult is the journal/queue payload for a completion report.
type installResult struct {
	DeviceID string    `json:"device_id"`
	Version  string    `json:"version"`
	Slot     string    `json:"slot"`
	Outcome  string    `json:"outcome"`
	At       time.Time `json:"at"`
}

// Report processes a device's completion report. Success records the
// install (idempotently); failure records nothing on the device and feeds a
// failure sample into the aggregator for the device's segment and the
// attempted version. A failure outcome is a normal result, never an engine
// error.
func (s *UpdateProtocolService) Report(ctx context.Context, deviceID, version, slot, outcome string, measurements []MeasurementReport) error {
	if outcome != OutcomeSuccess && outcome != OutcomeFailure {
		return Errorf(KindInvalidArgument, "outcome must be %s or %s", OutcomeSuccess, OutcomeFailure)
	}

	device, err := s.registry.get(ctx, deviceID)
	if err != nil {
		return err
	}

	s.registry.Touch(ctx, deviceID, "online")

	if device.Lifecycle != LifecycleActive {
		s.logger.WithFields(logrus.Fields{
			"device_id": deviceID,
			"lifecycle": device.Lifecycle,
		}).Warn("Ignoring report from non-active device")
		return nil
	}

	switch outcome {
	case OutcomeSuccess:
		applied, err := s.registry.RecordInstall(ctx, deviceID, version, slot)
		if err != nil {
			return err
		}
		// A retried copy of an already applied report must not add another
		// success sample to the failure-rate window.
		if applied {
			if err := s.telemetry.RecordOutcome(ctx, device, version, false); err != nil {
				s.logger.WithError(err).Warn("Failed to record success outcome")
			}
		}

	case OutcomeFailure:
		// The device stays on its prior slot and version.
		if err := s.telemetry.RecordOutcome(ctx, device, version, true); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"device_id": deviceID,
				"version":   version,
			}).Error("Failed to record failure outcome")
		}
	}

	s.ingestReports(ctx, device, measurements)
	s.emitResult(ctx, &installResult{
		DeviceID: deviceID,
		Version:  version,
		Slot:     slot,
		Outcome:  outcome,
		At:       time.Now(),
	})
	return nil
}

// IngestMeasurements records standalone measurement batches (the MQTT
// path). The device must be registered; non-active devices are ignored.
func (s *UpdateProtocolService) IngestMeasurements(ctx context.Context, deviceID string, measurements []MeasurementReport) error {
	device, err := s.registry.get(ctx, deviceID)
	if err != nil {
		return err
	}
	s.registry.Touch(ctx, deviceID, "online")
	if device.Lifecycle != LifecycleActive {
		return nil
	}
	s.ingestReports(ctx, device, measurements)
	return nil
}

func (s *UpdateProtocolService) ingestReports(ctx context.Context, device *Device, measurements []MeasurementReport) {
	if len(measurements) == 0 {
		return
	}

	batch := make([]*Measurement, 0, len(measurements))
	for _, r := range measurements {
		if r.Metric == "" {
			continue
		}
		batch = append(batch, &Measurement{
			DeviceID:  device.ID,
			Region:    device.Region,
			Version:   device.CurrentVersion,
			Metric:    r.Metric,
			Value:     r.Value,
			Timestamp: r.Timestamp,
		})
	}

	if err := s.telemetry.IngestBatch(ctx, batch); err != nil {
		s.logger.WithError(err).WithField("device_id", device.ID).Warn("Failed to ingest measurements")
	}
}

func (s *UpdateProtocolService) emitResult(ctx context.Context, result *installResult) {
	if s.journal != nil {
		if err := s.journal.Append(infrastructure.JournalInstallResult, result.DeviceID, result); err != nil {
			s.logger.WithError(err).Warn("Failed to journal install result")
		}
	}
	if s.messaging != nil {
		if err := s.messaging.Publish(ctx, infrastructure.JournalInstallResult, result); err != nil {
			s.logger.WithError(err).Warn("Failed to publish install result")
		}
	}
}
