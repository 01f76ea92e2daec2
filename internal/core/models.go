package core

import (
	"time"
)

// Device represents one member of the simulated fleet.
type Device struct {
	ID              string     `json:"id" gorm:"primaryKey"`
	HardwareRev     string     `json:"hardware_rev" gorm:"index;not null"`
	Region          string     `json:"region" gorm:"index;not null"`
	Environment     string     `json:"environment" gorm:"index;not null"` // blue or green
	Lifecycle       string     `json:"lifecycle" gorm:"index;not null"`
	CurrentVersion  string     `json:"current_version"`
	ActiveSlot      string     `json:"active_slot" gorm:"default:A"`
	FallbackVersion string     `json:"fallback_version"`
	LastSeen        *time.Time `json:"last_seen"`
	LastStatus      string     `json:"last_status"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// FirmwareVersion is a published firmware artifact. Immutable after
// creation except for Status.
type FirmwareVersion struct {
	ID          uint      `json:"id" gorm:"primaryKey"`
	Version     string    `json:"version" gorm:"uniqueIndex;not null"`
	Checksum    string    `json:"checksum" gorm:"not null"`
	SizeBytes   int64     `json:"size_bytes" gorm:"not null"`
	ArtifactURL string    `json:"artifact_url" gorm:"not null"`
	Status      string    `json:"status" gorm:"index;not null"`
	PublishedAt time.Time `json:"published_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RolloutPolicy controls how far a firmware version has been rolled out
// within a scope. Revision increments on every write and backs optimistic
// conflict detection.
type RolloutPolicy struct {
	ID            uint      `json:"id" gorm:"primaryKey"`
	Version       string    `json:"version" gorm:"index:idx_policy_scope,unique;not null"`
	Region        string    `json:"region" gorm:"index:idx_policy_scope,unique;not null"`
	HardwareRev   string    `json:"hardware_rev" gorm:"index:idx_policy_scope,unique;not null"`
	Environment   string    `json:"environment" gorm:"index:idx_policy_scope,unique;not null"`
	Phase         string    `json:"phase" gorm:"not null"`
	TargetPercent int       `json:"target_percent" gorm:"not null"`
	Revision      int64     `json:"revision" gorm:"not null;default:1"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (p *RolloutPolicy) ScopedRegion() bool      { return p.Region != ScopeAll }
func (p *RolloutPolicy) ScopedHardware() bool    { return p.HardwareRev != ScopeAll }
func (p *RolloutPolicy) ScopedEnvironment() bool { return p.Environment != ScopeAll }

// Scope returns the policy's targeting combination.
func (p *RolloutPolicy) Scope() PolicyScope {
	return PolicyScope{Region: p.Region, HardwareRev: p.HardwareRev, Environment: p.Environment}
}

// Measurement is a single reported metric sample. Append-only.
type Measurement struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	DeviceID  string    `json:"device_id" gorm:"index;not null"`
	Region    string    `json:"region" gorm:"index"`
	Version   string    `json:"version" gorm:"index"`
	Metric    string    `json:"metric" gorm:"index;not null"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp" gorm:"index;not null"`
	CreatedAt time.Time `json:"created_at"`
}

// Alert is a triggered threshold breach. ResolvedAt is null while active.
// The partial unique index keeps the store to at most one unresolved row
// per (metric, scope).
type Alert struct {
	ID          string     `json:"id" gorm:"primaryKey"`
	Metric      string     `json:"metric" gorm:"index;not null;index:idx_alerts_active,unique,where:resolved_at IS NULL"`
	Scope       string     `json:"scope" gorm:"index;not null;index:idx_alerts_active,unique,where:resolved_at IS NULL"` // "region/version"
	Rule        string     `json:"rule"`
	Severity    string     `json:"severity"`
	Value       float64    `json:"value"`
	TriggeredAt time.Time  `json:"triggered_at"`
	ResolvedAt  *time.Time `json:"resolved_at"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Active reports whether the alert has not been resolved yet.
func (a *Alert) Active() bool { return a.ResolvedAt == nil }

// APIKey authenticates administrative callers.
type APIKey struct {
	ID          uint       `json:"id" gorm:"primaryKey"`
	Key         string     `json:"key" gorm:"uniqueIndex;not null"`
	Description string     `json:"description"`
	Permissions []string   `json:"permissions" gorm:"serializer:json"`
	LastUsedAt  *time.Time `json:"last_used_at"`
	ExpiresAt   *time.Time `json:"expires_at"`
	CreatedAt   time.Time  `json:"created_at"`
}

// FleetSettings is the singleton simulated-fleet configuration record.
// Devices pick changes up on their next poll.
type FleetSettings struct {
	ID                    uint      `json:"id" gorm:"primaryKey"`
	NumDevices            int       `json:"num_devices" gorm:"default:50"`
	SampleIntervalSecs    int       `json:"sample_interval_secs" gorm:"default:5"`
	UploadIntervalSecs    int       `json:"upload_interval_secs" gorm:"default:30"`
	HeartbeatIntervalSecs int       `json:"heartbeat_interval_secs" gorm:"default:15"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// TableName overrides for GORM
func (Device) TableName() string          { return "devices" }
func (FirmwareVersion) TableName() string { return "firmware_versions" }
func (RolloutPolicy) TableName() string   { return "rollout_policies" }
func (Measurement) TableName() string     { return "measurements" }
func (Alert) TableName() string           { return "alerts" }
func (APIKey) TableName() string          { return "api_keys" }
func (FleetSettings) TableName() string   { return "fleet_settings" }

// Constants for lifecycle, phases and statuses
const (
	// Device lifecycle states
	LifecycleNew            = "new"
	LifecycleActive         = "active"
	LifecycleDecommissioned = "decommissioned"

	// Environments
	EnvironmentBlue  = "blue"
	EnvironmentGreen = "green"

	// Install slots
	SlotA = "A"
	SlotB = "B"

	// Firmware statuses
	FirmwareStatusDraft      = "draft"
	FirmwareStatusActive     = "active"
	FirmwareStatusDeprecated = "deprecated"
	FirmwareStatusRetired    = "retired"

	// Rollout phases
	PhaseCanary = "canary"
	PhaseStaged = "staged"
	PhaseGA     = "ga"
	PhaseHalted = "halted"

	// Wildcard scope dimension
	ScopeAll = "all"

	// Report outcomes
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"

	// Well-known metrics
	MetricFailureRate = "failure_rate"
	MetricBattery     = "battery"
	MetricTemperature = "temp"
	MetricHumidity    = "humidity"
)

// PolicyScope identifies one (region, hardware rev, environment) targeting
// combination. Use ScopeAll for unconstrained dimensions.
type PolicyScope struct {
	Region      string `json:"region"`
	HardwareRev string `json:"hardware_rev"`
	Environment string `json:"environment"`
}

// GlobalScope is the default scope consulted when nothing narrower matches.
func GlobalScope() PolicyScope {
	return PolicyScope{Region: ScopeAll, HardwareRev: ScopeAll, Environment: ScopeAll}
}

// Normalize replaces empty dimensions with the wildcard.
func (s PolicyScope) Normalize() PolicyScope {
	if s.Region == "" {
		s.Region = ScopeAll
	}
	if s.HardwareRev == "" {
		s.HardwareRev = ScopeAll
	}
	if s.Environment == "" {
		s.Environment = ScopeAll
	}
	return s
}

// UpdateOffer is the answer to a device poll when an assignment exists.
type UpdateOffer struct {
	Version     string `json:"version"`
	ArtifactURL string `json:"artifact_url"`
	Checksum    string `json:"checksum"`
	SizeBytes   int64  `json:"size_bytes"`
	TargetSlot  string `json:"slot"`
}

// MeasurementReport is a metric sample attached to a device report.
type MeasurementReport struct {
	Timestamp time.Time `json:"timestamp"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
}

// RolloutStatus is the monitoring view of one firmware version.
type RolloutStatus struct {
	Version          string           `json:"version"`
	Status           string           `json:"status"`
	Policies         []*RolloutPolicy `json:"policies"`
	DevicesOn        int              `json:"devices_on"`
	DevicesByVersion map[string]int   `json:"devices_by_version"`
	FailureRate      float64          `json:"failure_rate"`
	FailureSamples   int              `json:"failure_samples"`
}
