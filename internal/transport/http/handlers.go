package http

import (
	"net/http"

	"example.com/backstage/services/fleet/internal/core"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Handler holds the HTTP handlers and their dependencies.
type Handler struct {
	services *core.Services
	logger   *logrus.Logger
}

// NewHandler creates a new Handler.
func NewHandler(services *core.Services, logger *logrus.Logger) *Handler {
	return &Handler{
		services: services,
		logger:   logger,
	}
}

// respondError maps business error kinds to HTTP statuses.
func (h *Handler) respondError(c *gin.Context, err error) {
	kind := core.KindOf(err)

	status := http.StatusInternalServerError
	switch kind {
	case core.KindNotFound, core.KindUnknownDevice, core.KindUnknownVersion:
		status = http.StatusNotFound
	case core.KindDuplicate, core.KindConflict, core.KindInvalidTransition:
		status = http.StatusConflict
	case core.KindInvalidArgument:
		status = http.StatusBadRequest
	case core.KindInsufficientData:
		status = http.StatusUnprocessableEntity
	}

	if status == http.StatusInternalServerError {
		h.logger.WithError(err).Error("Internal error")
		c.JSON(status, gin.H{"error": "internal error", "kind": kind})
		return
	}

	c.JSON(status, gin.H{"error": err.Error(), "kind": kind})
}

// HealthCheck handles GET /health
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "fleet"})
}

// --- Device-facing update protocol ---

// PollUpdate handles GET /api/v1/devices/:id/update
func (h *Handler) PollUpdate(c *gin.Context) {
	offer, err := h.services.Protocol.Poll(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	if offer == nil {
		c.JSON(http.StatusOK, gin.H{"update_available": false})
		return
	}

	c.JSON(http.StatusOK, gin.H{"update_available": true, "update": offer})
}

type reportRequest struct {
	Version      string                   `json:"version" binding:"required"`
	Slot         string                   `json:"slot" binding:"required"`
	Outcome      string                   `json:"outcome" binding:"required"`
	Measurements []core.MeasurementReport `json:"measurements"`
}

// ReportInstall handles POST /api/v1/devices/:id/report
func (h *Handler) ReportInstall(c *gin.Context) {
	var req reportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.services.Protocol.Report(c.Request.Context(), c.Param("id"), req.Version, req.Slot, req.Outcome, req.Measurements)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "recorded"})
}

type measurementsRequest struct {
	Measurements []core.MeasurementReport `json:"measurements" binding:"required"`
}

// SubmitMeasurements handles POST /api/v1/devices/:id/measurements
func (h *Handler) SubmitMeasurements(c *gin.Context) {
	var req measurementsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.services.Protocol.IngestMeasurements(c.Request.Context(), c.Param("id"), req.Measurements)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// --- Device registry ---

type registerDeviceRequest struct {
	ID          string `json:"id" binding:"required"`
	Region      string `json:"region" binding:"required"`
	HardwareRev string `json:"hardware_rev" binding:"required"`
	Environment string `json:"environment" binding:"required"`
}

// RegisterDevice handles POST /api/v1/admin/devices
func (h *Handler) RegisterDevice(c *gin.Context) {
	var req registerDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	device, err := h.services.Registry.Register(c.Request.Context(), req.ID, req.Region, req.HardwareRev, req.Environment)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, device)
}

// GetDevice handles GET /api/v1/admin/devices/:id
func (h *Handler) GetDevice(c *gin.Context) {
	device, err := h.services.Registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, device)
}

// ListDevices handles GET /api/v1/admin/devices
func (h *Handler) ListDevices(c *gin.Context) {
	devices, err := h.services.Registry.List(c.Request.Context(), c.Query("region"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"devices": devices, "count": len(devices)})
}

// ActivateDevice handles POST /api/v1/admin/devices/:id/activate
func (h *Handler) ActivateDevice(c *gin.Context) {
	if err := h.services.Registry.Activate(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": core.LifecycleActive})
}

// DecommissionDevice handles POST /api/v1/admin/devices/:id/decommission
func (h *Handler) DecommissionDevice(c *gin.Context) {
	if err := h.services.Registry.Decommission(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": core.LifecycleDecommissioned})
}

type segmentRequest struct {
	Region      string `json:"region"`
	HardwareRev string `json:"hardware_rev"`
	Environment string `json:"environment"`
}

// SetDeviceSegment handles PUT /api/v1/admin/devices/:id/segment
func (h *Handler) SetDeviceSegment(c *gin.Context) {
	var req segmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	err := h.services.Registry.SetSegment(c.Request.Context(), c.Param("id"), req.Region, req.HardwareRev, req.Environment)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "updated"})
}

// ResolveDevice handles GET /api/v1/admin/devices/:id/resolve. It runs the
// same assignment logic as a device poll without touching presence state,
// so operators can answer "what would this device get right now".
func (h *Handler) ResolveDevice(c *gin.Context) {
	allowDowngrade := c.Query("allow_downgrade") == "true"

	offer, err := h.services.Protocol.Resolve(c.Request.Context(), c.Param("id"), allowDowngrade)
	if err != nil {
		h.respondError(c, err)
		return
	}

	if offer == nil {
		c.JSON(http.StatusOK, gin.H{"update_available": false})
		return
	}

	c.JSON(http.StatusOK, gin.H{"update_available": true, "update": offer})
}

// --- Firmware catalog ---

type publishFirmwareRequest struct {
	Version     string `json:"version" binding:"required"`
	Checksum    string `json:"checksum" binding:"required"`
	ArtifactURL string `json:"artifact_url" binding:"required"`
	SizeBytes   int64  `json:"size_bytes"`
	Status      string `json:"status"`
}

// PublishFirmware handles POST /api/v1/admin/firmware
func (h *Handler) PublishFirmware(c *gin.Context) {
	var req publishFirmwareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	fw, err := h.services.Catalog.Publish(c.Request.Context(), req.Version, req.Checksum, req.ArtifactURL, req.SizeBytes, req.Status)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, fw)
}

// GetFirmware handles GET /api/v1/admin/firmware/:version
func (h *Handler) GetFirmware(c *gin.Context) {
	fw, err := h.services.Catalog.Get(c.Request.Context(), c.Param("version"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, fw)
}

// ListFirmware handles GET /api/v1/admin/firmware
func (h *Handler) ListFirmware(c *gin.Context) {
	versions, err := h.services.Catalog.List(c.Request.Context(), c.Query("status"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"versions": versions, "count": len(versions)})
}

type firmwareStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// SetFirmwareStatus handles PUT /api/v1/admin/firmware/:version/status
func (h *Handler) SetFirmwareStatus(c *gin.Context) {
	var req firmwareStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.services.Catalog.SetStatus(c.Request.Context(), c.Param("version"), req.Status); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": req.Status})
}

// --- Rollout policies ---

type setPolicyRequest struct {
	Version     string `json:"version" binding:"required"`
	Region      string `json:"region"`
	HardwareRev string `json:"hardware_rev"`
	Environment string `json:"environment"`
	Phase       string `json:"phase" binding:"required"`
	Percent     int    `json:"percent"`
}

func (r setPolicyRequest) scope() core.PolicyScope {
	return core.PolicyScope{
		Region:      r.Region,
		HardwareRev: r.HardwareRev,
		Environment: r.Environment,
	}.Normalize()
}

// SetPolicy handles PUT /api/v1/admin/policies
func (h *Handler) SetPolicy(c *gin.Context) {
	var req setPolicyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	policy, err := h.services.Policies.SetPolicy(c.Request.Context(), req.Version, req.scope(), req.Phase, req.Percent)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, policy)
}

type policyScopeRequest struct {
	Version     string `json:"version" binding:"required"`
	Region      string `json:"region"`
	HardwareRev string `json:"hardware_rev"`
	Environment string `json:"environment"`
}

func (r policyScopeRequest) scope() core.PolicyScope {
	return core.PolicyScope{
		Region:      r.Region,
		HardwareRev: r.HardwareRev,
		Environment: r.Environment,
	}.Normalize()
}

// AdvancePolicy handles POST /api/v1/admin/policies/advance
func (h *Handler) AdvancePolicy(c *gin.Context) {
	var req policyScopeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	policy, err := h.services.Policies.AdvancePhase(c.Request.Context(), req.Version, req.scope())
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, policy)
}

// HaltPolicy handles POST /api/v1/admin/policies/halt
func (h *Handler) HaltPolicy(c *gin.Context) {
	var req policyScopeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	policy, err := h.services.Policies.Halt(c.Request.Context(), req.Version, req.scope())
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, policy)
}

// ListPolicies handles GET /api/v1/admin/policies
func (h *Handler) ListPolicies(c *gin.Context) {
	policies, err := h.services.Policies.List(c.Request.Context(), c.Query("version"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"policies": policies, "count": len(policies)})
}

// --- Monitoring ---

// RolloutStatus handles GET /api/v1/admin/rollouts/:version
func (h *Handler) RolloutStatus(c *gin.Context) {
	status, err := h.services.RolloutStatus(c.Request.Context(), c.Param("version"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, status)
}

// MetricSummary handles GET /api/v1/admin/metrics/:metric
func (h *Handler) MetricSummary(c *gin.Context) {
	region := c.Query("region")
	version := c.Query("version")
	if region == "" || version == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "region and version query parameters are required"})
		return
	}

	summary, err := h.services.Telemetry.SummaryFor(c.Param("metric"), region, version)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"metric":  c.Param("metric"),
		"region":  region,
		"version": version,
		"summary": summary,
	})
}

// ListAlerts handles GET /api/v1/admin/alerts
func (h *Handler) ListAlerts(c *gin.Context) {
	activeOnly := c.Query("active") != "false"

	alerts, err := h.services.Alerts.List(c.Request.Context(), activeOnly)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}

// EvaluateAlerts handles POST /api/v1/admin/alerts/evaluate. It forces one
// evaluation pass outside the background cadence.
func (h *Handler) EvaluateAlerts(c *gin.Context) {
	triggered, resolved, err := h.services.Alerts.Evaluate(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"triggered": triggered, "resolved": resolved})
}

// --- Fleet settings ---

// GetFleetSettings handles GET /api/v1/admin/settings
func (h *Handler) GetFleetSettings(c *gin.Context) {
	settings, err := h.services.FleetSettings(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, settings)
}

// UpdateFleetSettings handles PUT /api/v1/admin/settings
func (h *Handler) UpdateFleetSettings(c *gin.Context) {
	var settings core.FleetSettings
	if err := c.ShouldBindJSON(&settings); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.services.UpdateFleetSettings(c.Request.Context(), &settings); err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, settings)
}
