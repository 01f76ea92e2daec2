package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"example.com/backstage/services/fleet/internal/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ArtifactCatalogService stores firmware version records. Records are
// immutable after publication except for their status; status changes are
// written straight through, so the policy store and resolver observe them
// immediately.
type ArtifactCatalogService struct {
	store  Repository
	logger *logrus.Logger
}

func NewArtifactCatalogService(store Repository, logger *logrus.Logger) *ArtifactCatalogService {
	return &ArtifactCatalogService{store: store, logger: logger}
}

func validFirmwareStatus(status string) bool {
	switch status {
	case FirmwareStatusDraft, FirmwareStatusActive, FirmwareStatusDeprecated, FirmwareStatusRetired:
		return true
	}
	return false
}

// Publish records a new firmware version. The artifact itself is an opaque
// content-addressed reference.
func (s *ArtifactCatalogService) Publish(ctx context.Context, version, checksum, artifactURL string, sizeBytes int64, initialStatus string) (*FirmwareVersion, error) {
	if err := utils.ValidateVersion(version); err != nil {
		return nil, Errorf(KindInvalidArgument, "malformed version: %v", err)
	}
	if checksum == "" {
		return nil, Errorf(KindInvalidArgument, "checksum is required")
	}
	if initialStatus == "" {
		initialStatus = FirmwareStatusDraft
	}
	if !validFirmwareStatus(initialStatus) {
		return nil, Errorf(KindInvalidArgument, "unknown firmware status %q", initialStatus)
	}

	if _, err := s.store.GetFirmwareByVersion(ctx, version); err == nil {
		return nil, ErrDuplicateVersion
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	fw := &FirmwareVersion{
		Version:     version,
		Checksum:    checksum,
		SizeBytes:   sizeBytes,
		ArtifactURL: artifactURL,
		Status:      initialStatus,
		PublishedAt: time.Now(),
	}
	if err := s.store.CreateFirmware(ctx, fw); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// A concurrent publish won the insert.
			return nil, ErrDuplicateVersion
		}
		return nil, fmt.Errorf("failed to publish firmware: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"version": version,
		"size":    sizeBytes,
		"status":  initialStatus,
	}).Info("Firmware version published")

	return fw, nil
}

// SetStatus moves a firmware version to a new status. Retired is terminal.
func (s *ArtifactCatalogService) SetStatus(ctx context.Context, version, status string) error {
	if !validFirmwareStatus(status) {
		return Errorf(KindInvalidArgument, "unknown firmware status %q", status)
	}

	fw, err := s.Get(ctx, version)
	if err != nil {
		return err
	}

	if fw.Status == FirmwareStatusRetired && status != FirmwareStatusRetired {
		return InvalidTransition(FirmwareStatusRetired, status)
	}
	if fw.Status == status {
		return nil
	}

	fw.Status = status
	if err := s.store.UpdateFirmware(ctx, fw); err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"version": version,
		"status":  status,
	}).Info("Firmware status changed")
	return nil
}

// Get returns one firmware version record.
func (s *ArtifactCatalogService) Get(ctx context.Context, version string) (*FirmwareVersion, error) {
	fw, err := s.store.GetFirmwareByVersion(ctx, version)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrVersionNotFound
		}
		return nil, err
	}
	return fw, nil
}

// List returns firmware versions, optionally filtered by status.
func (s *ArtifactCatalogService) List(ctx context.Context, status string) ([]*FirmwareVersion, error) {
	return s.store.ListFirmware(ctx, status)
}

// ListAssignable returns the versions the resolver may consider.
func (s *ArtifactCatalogService) ListAssignable(ctx context.Context) ([]*FirmwareVersion, error) {
	return s.store.ListFirmware(ctx, FirmwareStatusActive)
}
