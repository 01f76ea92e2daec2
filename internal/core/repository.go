package core

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// Repository defines the interface for data access operations. The engine
// is written against this interface; the gorm implementation below is the
// production store and an in-memory implementation backs tests and the
// storeless development mode.
type Repository interface {
	// Device operations
	CreateDevice(ctx context.Context, device *Device) error
	UpdateDevice(ctx context.Context, device *Device) error
	GetDevice(ctx context.Context, id string) (*Device, error)
	ListDevices(ctx context.Context, region string) ([]*Device, error)
	CountDevicesByVersion(ctx context.Context) (map[string]int, error)
	UpdateDeviceLastSeen(ctx context.Context, id string, status string) error

	// Firmware operations
	CreateFirmware(ctx context.Context, fw *FirmwareVersion) error
	UpdateFirmware(ctx context.Context, fw *FirmwareVersion) error
	GetFirmwareByVersion(ctx context.Context, version string) (*FirmwareVersion, error)
	ListFirmware(ctx context.Context, status string) ([]*FirmwareVersion, error)

	// Policy operations
	CreatePolicy(ctx context.Context, policy *RolloutPolicy) error
	UpdatePolicy(ctx context.Context, policy *RolloutPolicy, expectedRevision int64) error
	GetPolicy(ctx context.Context, version string, scope PolicyScope) (*RolloutPolicy, error)
	ListPolicies(ctx context.Context, version string) ([]*RolloutPolicy, error)

	// Measurement operations
	CreateMeasurement(ctx context.Context, m *Measurement) error
	CreateMeasurementBatch(ctx context.Context, ms []*Measurement) error
	ListMeasurements(ctx context.Context, deviceID string, from, to time.Time) ([]*Measurement, error)

	// Alert operations
	CreateAlert(ctx context.Context, alert *Alert) error
	UpdateAlert(ctx context.Context, alert *Alert) error
	GetActiveAlert(ctx context.Context, metric, scope string) (*Alert, error)
	ListAlerts(ctx context.Context, activeOnly bool) ([]*Alert, error)

	// API key operations
	GetAPIKey(ctx context.Context, key string) (*APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, key string) error

	// Fleet settings
	GetFleetSettings(ctx context.Context) (*FleetSettings, error)
	SaveFleetSettings(ctx context.Context, settings *FleetSettings) error

	// Transaction support
	WithTransaction(ctx context.Context, fn func(context.Context, Repository) error) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns the gorm-backed Repository.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTransaction(ctx context.Context, fn func(c context.Context, r Repository) error) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		return fn(ctx, NewRepository(tx))
	})
}

// --- Devices ---

func (r *repository) CreateDevice(ctx context.Context, d *Device) error {
	return r.db.WithContext(ctx).Create(d).Error
}

func (r *repository) UpdateDevice(ctx context.Context, d *Device) error {
	return r.db.WithContext(ctx).Save(d).Error
}

func (r *repository) GetDevice(ctx context.Context, id string) (*Device, error) {
	var d Device
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&d).Error
	return &d, err
}

func (r *repository) ListDevices(ctx context.Context, region string) ([]*Device, error) {
	var devices []*Device
	q := r.db.WithContext(ctx)
	if region != "" {
		q = q.Where("region = ?", region)
	}
	return devices, q.Order("id").Find(&devices).Error
}

func (r *repository) CountDevicesByVersion(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		CurrentVersion string
		N              int
	}
	err := r.db.WithContext(ctx).Model(&Device{}).
		Select("current_version, count(*) as n").
		Where("lifecycle = ?", LifecycleActive).
		Group("current_version").Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(rows))
	for _, row := range rows {
		counts[row.CurrentVersion] = row.N
	}
	return counts, nil
}

func (r *repository) UpdateDeviceLastSeen(ctx context.Context, id string, status string) error {
	return r.db.WithContext(ctx).Model(&Device{}).Where("id = ?", id).
		Updates(map[string]interface{}{"last_seen": time.Now(), "last_status": status}).Error
}

// --- Firmware ---

func (r *repository) CreateFirmware(ctx context.Context, fw *FirmwareVersion) error {
	return r.db.WithContext(ctx).Create(fw).Error
}

func (r *repository) UpdateFirmware(ctx context.Context, fw *FirmwareVersion) error {
	return r.db.WithContext(ctx).Save(fw).Error
}

func (r *repository) GetFirmwareByVersion(ctx context.Context, version string) (*FirmwareVersion, error) {
	var fw FirmwareVersion
	return &fw, r.db.WithContext(ctx).Where("version = ?", version).First(&fw).Error
}

func (r *repository) ListFirmware(ctx context.Context, status string) ([]*FirmwareVersion, error) {
	var releases []*FirmwareVersion
	q := r.db.WithContext(ctx)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	return releases, q.Order("created_at DESC").Find(&releases).Error
}

// --- Policies ---

func (r *repository) CreatePolicy(ctx context.Context, p *RolloutPolicy) error {
	return r.db.WithContext(ctx).Create(p).Error
}

// UpdatePolicy applies an optimistic write: the row is only updated when its
// stored revision still matches expectedRevision.
func (r *repository) UpdatePolicy(ctx context.Context, p *RolloutPolicy, expectedRevision int64) error {
	res := r.db.WithContext(ctx).Model(&RolloutPolicy{}).
		Where("id = ? AND revision = ?", p.ID, expectedRevision).
		Updates(map[string]interface{}{
			"phase":          p.Phase,
			"target_percent": p.TargetPercent,
			"revision":       expectedRevision + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrPolicyConflict
	}
	p.Revision = expectedRevision + 1
	return nil
}

func (r *repository) GetPolicy(ctx context.Context, version string, scope PolicyScope) (*RolloutPolicy, error) {
	var p RolloutPolicy
	err := r.db.WithContext(ctx).
		Where("version = ? AND region = ? AND hardware_rev = ? AND environment = ?",
			version, scope.Region, scope.HardwareRev, scope.Environment).
		First(&p).Error
	return &p, err
}

func (r *repository) ListPolicies(ctx context.Context, version string) ([]*RolloutPolicy, error) {
	var policies []*RolloutPolicy
	q := r.db.WithContext(ctx)
	if version != "" {
		q = q.Where("version = ?", version)
	}
	return policies, q.Order("version, region, hardware_rev, environment").Find(&policies).Error
}

// --- Measurements ---

func (r *repository) CreateMeasurement(ctx context.Context, m *Measurement) error {
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *repository) CreateMeasurementBatch(ctx context.Context, ms []*Measurement) error {
	if len(ms) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(ms, 100).Error
}

func (r *repository) ListMeasurements(ctx context.Context, deviceID string, from, to time.Time) ([]*Measurement, error) {
	var ms []*Measurement
	q := r.db.WithContext(ctx).Where("timestamp >= ? AND timestamp <= ?", from, to)
	if deviceID != "" {
		q = q.Where("device_id = ?", deviceID)
	}
	return ms, q.Order("timestamp ASC").Find(&ms).Error
}

// --- Alerts ---

func (r *repository) CreateAlert(ctx context.Context, a *Alert) error {
	return r.db.WithContext(ctx).Create(a).Error
}

func (r *repository) UpdateAlert(ctx context.Context, a *Alert) error {
	return r.db.WithContext(ctx).Save(a).Error
}

func (r *repository) GetActiveAlert(ctx context.Context, metric, scope string) (*Alert, error) {
	var a Alert
	err := r.db.WithContext(ctx).
		Where("metric = ? AND scope = ? AND resolved_at IS NULL", metric, scope).
		First(&a).Error
	return &a, err
}

func (r *repository) ListAlerts(ctx context.Context, activeOnly bool) ([]*Alert, error) {
	var alerts []*Alert
	q := r.db.WithContext(ctx)
	if activeOnly {
		q = q.Where("resolved_at IS NULL")
	}
	return alerts, q.Order("triggered_at DESC").Find(&alerts).Error
}

// --- API keys ---

func (r *repository) GetAPIKey(ctx context.Context, key string) (*APIKey, error) {
	var apiKey APIKey
	return &apiKey, r.db.WithContext(ctx).Where("key = ?", key).First(&apiKey).Error
}

func (r *repository) UpdateAPIKeyLastUsed(ctx context.Context, key string) error {
	return r.db.WithContext(ctx).Model(&APIKey{}).Where("key = ?", key).
		Update("last_used_at", time.Now()).Error
}

// --- Fleet settings ---

func (r *repository) GetFleetSettings(ctx context.Context) (*FleetSettings, error) {
	var s FleetSettings
	err := r.db.WithContext(ctx).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &FleetSettings{
			NumDevices:            50,
			SampleIntervalSecs:    5,
			UploadIntervalSecs:    30,
			HeartbeatIntervalSecs: 15,
		}, nil
	}
	return &s, err
}

func (r *repository) SaveFleetSettings(ctx context.Context, s *FleetSettings) error {
	return r.db.WithContext(ctx).Save(s).Error
}
