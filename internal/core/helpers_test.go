package core

import (
	"context"
	"io"
	"testing"
	"time"

	"example.com/backstage/services/fleet/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestServices(t *testing.T, rules ...config.AlertRule) (*Services, *MemoryRepository) {
	t.Helper()

	store := NewMemoryRepository()
	services := NewServices(ServiceConfig{
		Store:  store,
		Logger: testLogger(),
		Telemetry: config.TelemetryConfig{
			WindowSize: 10,
			WindowAge:  time.Hour,
			MinSamples: 3,
		},
		Alerts: config.AlertsConfig{Rules: rules},
	})
	return services, store
}

// publishActive publishes a firmware version already in active status.
func publishActive(t *testing.T, services *Services, version string) *FirmwareVersion {
	t.Helper()

	fw, err := services.Catalog.Publish(context.Background(), version, "sha256:"+version, "https://artifacts.local/"+version+".bin", 1024, FirmwareStatusActive)
	require.NoError(t, err)
	return fw
}

// registerActive registers and activates one device.
func registerActive(t *testing.T, services *Services, id, region, hardwareRev, environment string) *Device {
	t.Helper()

	ctx := context.Background()
	_, err := services.Registry.Register(ctx, id, region, hardwareRev, environment)
	require.NoError(t, err)
	require.NoError(t, services.Registry.Activate(ctx, id))

	device, err := services.Registry.Get(ctx, id)
	require.NoError(t, err)
	return device
}
