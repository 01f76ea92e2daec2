package core

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestRegisterDevice(t *testing.T) {
	services, _ := newTestServices(t)
	ctx := context.Background()

	device, err := services.Registry.Register(ctx, "device-001", "us-east", "rev2", EnvironmentBlue)
	require.NoError(t, err)
	assert.Equal(t, LifecycleNew, device.Lifecycle)
	assert.Equal(t, SlotA, device.ActiveSlot)
	assert.Empty(t, device.CurrentVersion)
}

func TestRegisterDuplicateDevice(t *testing.T) {
	services, _ := newTestServices(t)
	ctx := context.Background()

	_, err := services.Registry.Register(ctx, "device-001", "us-east", "rev2", EnvironmentBlue)
	require.NoError(t, err)

	_, err = services.Registry.Register(ctx, "device-001", "eu-west", "rev1", EnvironmentGreen)
	assert.ErrorIs(t, err, ErrDuplicateDevice)
}

// lostDeviceInsert simulates a concurrent registration landing between the
// duplicate check and the insert: the read misses, the insert collides.
type lostDeviceInsert struct {
	Repository
}

func (s lostDeviceInsert) GetDevice(ctx context.Context, id string) (*Device, error) {
	return nil, gorm.ErrRecordNotFound
}

func (s lostDeviceInsert) CreateDevice(ctx context.Context, d *Device) error {
	return gorm.ErrDuplicatedKey
}

func TestRegisterLosingInsertRace(t *testing.T) {
	registry := NewDeviceRegistryService(lostDeviceInsert{NewMemoryRepository()}, nil, testLogger())

	_, err := registry.Register(context.Background(), "device-001", "us-east", "rev2", EnvironmentBlue)
	assert.ErrorIs(t, err, ErrDuplicateDevice)
	assert.Equal(t, KindDuplicate, KindOf(err))
}

func TestRegisterRejectsBadEnvironment(t *testing.T) {
	services, _ := newTestServices(t)

	_, err := services.Registry.Register(context.Background(), "device-001", "us-east", "rev2", "purple")
	assert.Equal(t, KindInvalidArgument, KindOf(err))
}

func TestLifecycleTransitions(t *testing.T) {
	services, _ := newTestServices(t)
	ctx := context.Background()

	_, err := services.Registry.Register(ctx, "device-001", "us-east", "rev2", EnvironmentBlue)
	require.NoError(t, err)

	// Decommission straight from new is illegal.
	err = services.Registry.Decommission(ctx, "device-001")
	assert.Equal(t, KindInvalidTransition, KindOf(err))

	require.NoError(t, services.Registry.Activate(ctx, "device-001"))

	// Activating twice is illegal, not idempotent.
	err = services.Registry.Activate(ctx, "device-001")
	assert.Equal(t, KindInvalidTransition, KindOf(err))

	require.NoError(t, services.Registry.Decommission(ctx, "device-001"))

	// Decommissioned is terminal.
	err = services.Registry.Activate(ctx, "device-001")
	assert.Equal(t, KindInvalidTransition, KindOf(err))
}

func TestLifecycleUnknownDevice(t *testing.T) {
	services, _ := newTestServices(t)

	err := services.Registry.Activate(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
	assert.Equal(t, KindUnknownDevice, KindOf(err))
}

func TestRecordInstallAlternatesSlots(t *testing.T) {
	services, _ := newTestServices(t)
	ctx := context.Background()
	registerActive(t, services, "device-001", "us-east", "rev2", EnvironmentBlue)

	applied, err := services.Registry.RecordInstall(ctx, "device-001", "1.0.0", SlotB)
	require.NoError(t, err)
	assert.True(t, applied)

	device, err := services.Registry.Get(ctx, "device-001")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", device.CurrentVersion)
	assert.Equal(t, SlotB, device.ActiveSlot)
	assert.Empty(t, device.FallbackVersion)

	applied, err = services.Registry.RecordInstall(ctx, "device-001", "2.0.0", SlotA)
	require.NoError(t, err)
	assert.True(t, applied)

	device, err = services.Registry.Get(ctx, "device-001")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", device.CurrentVersion)
	assert.Equal(t, SlotA, device.ActiveSlot)
	assert.Equal(t, "1.0.0", device.FallbackVersion, "the prior version survives in the other slot")
}

func TestRecordInstallIdempotent(t *testing.T) {
	services, _ := newTestServices(t)
	ctx := context.Background()
	registerActive(t, services, "device-001", "us-east", "rev2", EnvironmentBlue)

	_, err := services.Registry.RecordInstall(ctx, "device-001", "1.0.0", SlotB)
	require.NoError(t, err)
	_, err = services.Registry.RecordInstall(ctx, "device-001", "2.0.0", SlotA)
	require.NoError(t, err)

	// A retried copy of the same report must not shuffle the slots again,
	// and the registry reports it as a no-op.
	applied, err := services.Registry.RecordInstall(ctx, "device-001", "2.0.0", SlotA)
	require.NoError(t, err)
	assert.False(t, applied)

	device, err := services.Registry.Get(ctx, "device-001")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", device.CurrentVersion)
	assert.Equal(t, "1.0.0", device.FallbackVersion)
}

func TestRecordInstallRejectsBadSlot(t *testing.T) {
	services, _ := newTestServices(t)
	registerActive(t, services, "device-001", "us-east", "rev2", EnvironmentBlue)

	_, err := services.Registry.RecordInstall(context.Background(), "device-001", "1.0.0", "C")
	assert.Equal(t, KindInvalidArgument, KindOf(err))
}

func TestConcurrentInstallsSerialized(t *testing.T) {
	services, _ := newTestServices(t)
	ctx := context.Background()
	registerActive(t, services, "device-001", "us-east", "rev2", EnvironmentBlue)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = services.Registry.RecordInstall(ctx, "device-001", "1.0.0", SlotB)
		}()
	}
	wg.Wait()

	device, err := services.Registry.Get(ctx, "device-001")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", device.CurrentVersion)
	assert.Equal(t, SlotB, device.ActiveSlot)
	assert.Empty(t, device.FallbackVersion, "duplicate concurrent reports must not promote the new version into the fallback slot")
}

func TestSetSegment(t *testing.T) {
	services, _ := newTestServices(t)
	ctx := context.Background()
	registerActive(t, services, "device-001", "us-east", "rev2", EnvironmentBlue)

	require.NoError(t, services.Registry.SetSegment(ctx, "device-001", "eu-west", "", EnvironmentGreen))

	device, err := services.Registry.Get(ctx, "device-001")
	require.NoError(t, err)
	assert.Equal(t, "eu-west", device.Region)
	assert.Equal(t, "rev2", device.HardwareRev, "empty dimensions are left alone")
	assert.Equal(t, EnvironmentGreen, device.Environment)
}

func TestListDevicesByRegion(t *testing.T) {
	services, _ := newTestServices(t)
	ctx := context.Background()

	registerActive(t, services, "device-001", "us-east", "rev2", EnvironmentBlue)
	registerActive(t, services, "device-002", "eu-west", "rev2", EnvironmentBlue)
	registerActive(t, services, "device-003", "us-east", "rev1", EnvironmentGreen)

	devices, err := services.Registry.List(ctx, "us-east")
	require.NoError(t, err)
	assert.Len(t, devices, 2)

	all, err := services.Registry.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
