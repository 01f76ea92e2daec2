package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"example.com/backstage/services/fleet/internal/infrastructure"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// DeviceRegistryService owns the Device records. Every mutation is
// serialized per device through the keyed mutex; reads used for targeting
// take snapshots and never block each other.
type DeviceRegistryService struct {
	store  Repository
	cache  *infrastructure.Cache
	locks  keyedMutex
	logger *logrus.Logger
}

func NewDeviceRegistryService(store Repository, cache *infrastructure.Cache, logger *logrus.Logger) *DeviceRegistryService {
	return &DeviceRegistryService{
		store:  store,
		cache:  cache,
		logger: logger,
	}
}

// Register creates a device in lifecycle state new. New devices are never
// eligible for assignment until an administrator activates them.
func (s *DeviceRegistryService) Register(ctx context.Context, id, region, hardwareRev, environment string) (*Device, error) {
	if id == "" {
		return nil, Errorf(KindInvalidArgument, "device id is required")
	}
	if environment != EnvironmentBlue && environment != EnvironmentGreen {
		return nil, Errorf(KindInvalidArgument, "environment must be %s or %s", EnvironmentBlue, EnvironmentGreen)
	}

	if _, err := s.store.GetDevice(ctx, id); err == nil {
		return nil, ErrDuplicateDevice
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	device := &Device{
		ID:          id,
		Region:      region,
		HardwareRev: hardwareRev,
		Environment: environment,
		Lifecycle:   LifecycleNew,
		ActiveSlot:  SlotA,
	}
	if err := s.store.CreateDevice(ctx, device); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// A concurrent registration won the insert.
			return nil, ErrDuplicateDevice
		}
		return nil, fmt.Errorf("failed to register device: %w", err)
	}

	s.cacheDevice(ctx, device)
	s.logger.WithFields(logrus.Fields{
		"device_id":   id,
		"region":      region,
		"environment": environment,
	}).Info("Device registered")

	return device, nil
}

// Activate transitions new -> active. This is the only way out of new.
func (s *DeviceRegistryService) Activate(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	device, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if device.Lifecycle != LifecycleNew {
		return InvalidTransition(device.Lifecycle, LifecycleActive)
	}

	device.Lifecycle = LifecycleActive
	if err := s.store.UpdateDevice(ctx, device); err != nil {
		return err
	}

	s.cacheDevice(ctx, device)
	s.logger.WithField("device_id", id).Info("Device activated")
	return nil
}

// Decommission transitions active -> decommissioned. Terminal.
func (s *DeviceRegistryService) Decommission(ctx context.Context, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	device, err := s.get(ctx, id)
	if err != nil {
		return err
	}
	if device.Lifecycle != LifecycleActive {
		return InvalidTransition(device.Lifecycle, LifecycleDecommissioned)
	}

	device.Lifecycle = LifecycleDecommissioned
	if err := s.store.UpdateDevice(ctx, device); err != nil {
		return err
	}

	s.cacheDevice(ctx, device)
	s.logger.WithField("device_id", id).Info("Device decommissioned")
	return nil
}

// RecordInstall sets the active slot's version and moves the previously
// running version into the fallback slot. Set-to-value: repeating an
// identical successful install report changes nothing, so client retries
// are safe. The boolean reports whether device state actually changed, so
// callers can tell a fresh install from a retried report.
func (s *DeviceRegistryService) RecordInstall(ctx context.Context, id, version, slot string) (bool, error) {
	if slot != SlotA && slot != SlotB {
		return false, Errorf(KindInvalidArgument, "slot must be %s or %s", SlotA, SlotB)
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	device, err := s.get(ctx, id)
	if err != nil {
		return false, err
	}

	if device.ActiveSlot == slot && device.CurrentVersion == version {
		return false, nil // retry of an already applied report
	}

	device.FallbackVersion = device.CurrentVersion
	device.CurrentVersion = version
	device.ActiveSlot = slot
	if err := s.store.UpdateDevice(ctx, device); err != nil {
		return false, err
	}

	s.cacheDevice(ctx, device)
	s.logger.WithFields(logrus.Fields{
		"device_id": id,
		"version":   version,
		"slot":      slot,
	}).Info("Install recorded")
	return true, nil
}

// SetSegment updates the device's targeting dimensions.
func (s *DeviceRegistryService) SetSegment(ctx context.Context, id, region, hardwareRev, environment string) error {
	if environment != "" && environment != EnvironmentBlue && environment != EnvironmentGreen {
		return Errorf(KindInvalidArgument, "environment must be %s or %s", EnvironmentBlue, EnvironmentGreen)
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	device, err := s.get(ctx, id)
	if err != nil {
		return err
	}

	if region != "" {
		device.Region = region
	}
	if hardwareRev != "" {
		device.HardwareRev = hardwareRev
	}
	if environment != "" {
		device.Environment = environment
	}
	if err := s.store.UpdateDevice(ctx, device); err != nil {
		return err
	}

	s.cacheDevice(ctx, device)
	return nil
}

// Get returns a device snapshot, trying the cache first.
func (s *DeviceRegistryService) Get(ctx context.Context, id string) (*Device, error) {
	if cached, err := s.getCachedDevice(ctx, id); err == nil && cached != nil {
		return cached, nil
	}

	device, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheDevice(ctx, device)
	return device, nil
}

// List returns devices, optionally filtered by region.
func (s *DeviceRegistryService) List(ctx context.Context, region string) ([]*Device, error) {
	return s.store.ListDevices(ctx, region)
}

// Touch records a device sighting without taking the device lock.
func (s *DeviceRegistryService) Touch(ctx context.Context, id, status string) {
	if err := s.store.UpdateDeviceLastSeen(ctx, id, status); err != nil {
		s.logger.WithError(err).WithField("device_id", id).Warn("Failed to update last seen")
	}
}

func (s *DeviceRegistryService) get(ctx context.Context, id string) (*Device, error) {
	device, err := s.store.GetDevice(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}
	return device, nil
}

func (s *DeviceRegistryService) cacheDevice(ctx context.Context, device *Device) {
	if s.cache == nil {
		return
	}
	data, _ := json.Marshal(device)
	if err := s.cache.Set(ctx, "device:"+device.ID, string(data), time.Hour); err != nil {
		s.logger.WithError(err).WithField("device_id", device.ID).Warn("Failed to cache device")
	}
}

func (s *DeviceRegistryService) getCachedDevice(ctx context.Context, id string) (*Device, error) {
	if s.cache == nil {
		return nil, errors.New("cache not available")
	}

	data, err := s.cache.Get(ctx, "device:"+id)
	if err != nil {
		return nil, err
	}

	var device Device
	if err := json.Unmarshal([]byte(data), &device); err != nil {
		return nil, err
	}
	return &device, nil
}
