package http

import (
	"example.com/backstage/services/fleet/internal/core"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// SetupRoutes configures the router. Device-facing endpoints are open;
// everything under /admin requires an API key with matching permissions.
func SetupRoutes(router *gin.Engine, services *core.Services, logger *logrus.Logger) {
	handler := NewHandler(services, logger)

	router.Use(Logger(logger))
	router.Use(CORS())
	router.Use(gin.Recovery())

	router.GET("/health", handler.HealthCheck)

	v1 := router.Group("/api/v1")

	// Device update protocol. Devices authenticate at the network layer,
	// not with API keys.
	devices := v1.Group("/devices")
	{
		devices.GET("/:id/update", handler.PollUpdate)
		devices.POST("/:id/report", handler.ReportInstall)
		devices.POST("/:id/measurements", handler.SubmitMeasurements)
	}

	admin := v1.Group("/admin")
	admin.Use(APIKeyAuth(services.Store()))
	{
		adminDevices := admin.Group("/devices")
		{
			adminDevices.GET("", RequirePermission("devices:read"), handler.ListDevices)
			adminDevices.POST("", RequirePermission("devices:write"), handler.RegisterDevice)
			adminDevices.GET("/:id", RequirePermission("devices:read"), handler.GetDevice)
			adminDevices.POST("/:id/activate", RequirePermission("devices:write"), handler.ActivateDevice)
			adminDevices.POST("/:id/decommission", RequirePermission("devices:write"), handler.DecommissionDevice)
			adminDevices.PUT("/:id/segment", RequirePermission("devices:write"), handler.SetDeviceSegment)
			adminDevices.GET("/:id/resolve", RequirePermission("devices:read"), handler.ResolveDevice)
		}

		firmware := admin.Group("/firmware")
		{
			firmware.GET("", RequirePermission("firmware:read"), handler.ListFirmware)
			firmware.POST("", RequirePermission("firmware:write"), handler.PublishFirmware)
			firmware.GET("/:version", RequirePermission("firmware:read"), handler.GetFirmware)
			firmware.PUT("/:version/status", RequirePermission("firmware:write"), handler.SetFirmwareStatus)
		}

		policies := admin.Group("/policies")
		{
			policies.GET("", RequirePermission("policies:read"), handler.ListPolicies)
			policies.PUT("", RequirePermission("policies:write"), handler.SetPolicy)
			policies.POST("/advance", RequirePermission("policies:write"), handler.AdvancePolicy)
			policies.POST("/halt", RequirePermission("policies:write"), handler.HaltPolicy)
		}

		admin.GET("/rollouts/:version", RequirePermission("rollouts:read"), handler.RolloutStatus)
		admin.GET("/metrics/:metric", RequirePermission("rollouts:read"), handler.MetricSummary)

		alerts := admin.Group("/alerts")
		{
			alerts.GET("", RequirePermission("alerts:read"), handler.ListAlerts)
			alerts.POST("/evaluate", RequirePermission("alerts:write"), handler.EvaluateAlerts)
		}

		admin.GET("/settings", RequirePermission("settings:read"), handler.GetFleetSettings)
		admin.PUT("/settings", RequirePermission("settings:write"), handler.UpdateFleetSettings)
	}
}
