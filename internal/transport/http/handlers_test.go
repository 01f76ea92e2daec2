package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"example.com/backstage/services/fleet/config"
	"example.com/backstage/services/fleet/internal/core"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const adminKey = "test-admin-key"

func newTestRouter(t *testing.T) (*gin.Engine, *core.Services) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	store := core.NewMemoryRepository()
	store.AddAPIKey(&core.APIKey{Key: adminKey, Permissions: []string{"admin"}})
	store.AddAPIKey(&core.APIKey{Key: "read-only", Permissions: []string{"devices:read"}})

	services := core.NewServices(core.ServiceConfig{
		Store:  store,
		Logger: logger,
		Telemetry: config.TelemetryConfig{
			WindowSize: 10,
			WindowAge:  time.Hour,
			MinSamples: 3,
		},
	})

	router := gin.New()
	SetupRoutes(router, services, logger)
	return router, services
}

func doRequest(router *gin.Engine, method, path, key string, body interface{}) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		payload, _ := json.Marshal(body)
		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthCheck(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doRequest(router, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminRequiresAPIKey(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doRequest(router, http.MethodGet, "/api/v1/admin/devices", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(router, http.MethodGet, "/api/v1/admin/devices", "wrong-key", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPermissionEnforcement(t *testing.T) {
	router, _ := newTestRouter(t)

	// devices:read may list devices but not register them.
	w := doRequest(router, http.MethodGet, "/api/v1/admin/devices", "read-only", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doRequest(router, http.MethodPost, "/api/v1/admin/devices", "read-only", map[string]string{
		"id": "device-001", "region": "us-east", "hardware_rev": "rev2", "environment": "blue",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRegisterDeviceEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	body := map[string]string{
		"id": "device-001", "region": "us-east", "hardware_rev": "rev2", "environment": "blue",
	}

	w := doRequest(router, http.MethodPost, "/api/v1/admin/devices", adminKey, body)
	require.Equal(t, http.StatusCreated, w.Code)

	var device core.Device
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &device))
	assert.Equal(t, core.LifecycleNew, device.Lifecycle)

	// Duplicate registration maps to 409.
	w = doRequest(router, http.MethodPost, "/api/v1/admin/devices", adminKey, body)
	assert.Equal(t, http.StatusConflict, w.Code)

	// Bad environment maps to 400.
	w = doRequest(router, http.MethodPost, "/api/v1/admin/devices", adminKey, map[string]string{
		"id": "device-002", "region": "us-east", "hardware_rev": "rev2", "environment": "purple",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestErrorKindStatusMapping(t *testing.T) {
	router, services := newTestRouter(t)
	ctx := context.Background()

	// Unknown device on the poll path maps to 404.
	w := doRequest(router, http.MethodGet, "/api/v1/devices/ghost/update", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, core.KindUnknownDevice, body["kind"])

	// Unknown firmware version maps to 404 with its own kind.
	w = doRequest(router, http.MethodGet, "/api/v1/admin/firmware/9.9.9", adminKey, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, core.KindUnknownVersion, body["kind"])

	// Too few samples for a summary maps to 422.
	_, err := services.Catalog.Publish(ctx, "1.0.0", "sha256:x", "url", 1, core.FirmwareStatusActive)
	require.NoError(t, err)
	w = doRequest(router, http.MethodGet, "/api/v1/admin/metrics/battery?region=us-east&version=1.0.0", adminKey, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestPollAndReportFlow(t *testing.T) {
	router, services := newTestRouter(t)
	ctx := context.Background()

	_, err := services.Catalog.Publish(ctx, "2.0.0", "sha256:x", "https://artifacts.local/2.0.0.bin", 1024, core.FirmwareStatusActive)
	require.NoError(t, err)
	_, err = services.Policies.SetPolicy(ctx, "2.0.0", core.GlobalScope(), core.PhaseGA, 100)
	require.NoError(t, err)

	_, err = services.Registry.Register(ctx, "device-001", "us-east", "rev2", core.EnvironmentBlue)
	require.NoError(t, err)
	require.NoError(t, services.Registry.Activate(ctx, "device-001"))

	w := doRequest(router, http.MethodGet, "/api/v1/devices/device-001/update", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var poll struct {
		UpdateAvailable bool              `json:"update_available"`
		Update          *core.UpdateOffer `json:"update"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &poll))
	require.True(t, poll.UpdateAvailable)
	assert.Equal(t, "2.0.0", poll.Update.Version)

	w = doRequest(router, http.MethodPost, "/api/v1/devices/device-001/report", "", map[string]interface{}{
		"version": poll.Update.Version,
		"slot":    poll.Update.TargetSlot,
		"outcome": "success",
	})
	require.Equal(t, http.StatusOK, w.Code)

	device, err := services.Registry.Get(ctx, "device-001")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", device.CurrentVersion)

	// Post-install the device is current; no further update.
	w = doRequest(router, http.MethodGet, "/api/v1/devices/device-001/update", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &poll))
	assert.False(t, poll.UpdateAvailable)
}

func TestPolicyEndpoints(t *testing.T) {
	router, services := newTestRouter(t)

	_, err := services.Catalog.Publish(context.Background(), "2.0.0", "sha256:x", "url", 1, core.FirmwareStatusActive)
	require.NoError(t, err)

	w := doRequest(router, http.MethodPut, "/api/v1/admin/policies", adminKey, map[string]interface{}{
		"version": "2.0.0", "phase": "canary", "percent": 5,
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(router, http.MethodPost, "/api/v1/admin/policies/advance", adminKey, map[string]interface{}{
		"version": "2.0.0",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var policy core.RolloutPolicy
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &policy))
	assert.Equal(t, core.PhaseStaged, policy.Phase)

	w = doRequest(router, http.MethodPost, "/api/v1/admin/policies/halt", adminKey, map[string]interface{}{
		"version": "2.0.0",
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &policy))
	assert.Equal(t, core.PhaseHalted, policy.Phase)
	assert.Zero(t, policy.TargetPercent)

	// Percent out of range maps to 400.
	w = doRequest(router, http.MethodPut, "/api/v1/admin/policies", adminKey, map[string]interface{}{
		"version": "2.0.0", "phase": "canary", "percent": 150,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRolloutStatusEndpoint(t *testing.T) {
	router, services := newTestRouter(t)
	ctx := context.Background()

	_, err := services.Catalog.Publish(ctx, "2.0.0", "sha256:x", "url", 1, core.FirmwareStatusActive)
	require.NoError(t, err)
	_, err = services.Policies.SetPolicy(ctx, "2.0.0", core.GlobalScope(), core.PhaseCanary, 5)
	require.NoError(t, err)

	w := doRequest(router, http.MethodGet, "/api/v1/admin/rollouts/2.0.0", adminKey, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var status core.RolloutStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "2.0.0", status.Version)
	require.Len(t, status.Policies, 1)
	assert.Equal(t, core.PhaseCanary, status.Policies[0].Phase)
}
