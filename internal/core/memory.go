package core

import (
	"context"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"
)

// MemoryRepository is a map-backed Repository used by unit tests and by the
// storeless development mode (serve with an empty database DSN). Not-found
// lookups return gorm.ErrRecordNotFound so callers behave identically
// against either implementation.
type MemoryRepository struct {
	mu           sync.RWMutex
	devices      map[string]*Device
	firmware     map[string]*FirmwareVersion
	policies     map[string]*RolloutPolicy
	measurements []*Measurement
	alerts       map[string]*Alert
	apiKeys      map[string]*APIKey
	settings     *FleetSettings
	nextID       uint
}

// NewMemoryRepository returns an empty in-memory store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		devices:  make(map[string]*Device),
		firmware: make(map[string]*FirmwareVersion),
		policies: make(map[string]*RolloutPolicy),
		alerts:   make(map[string]*Alert),
		apiKeys:  make(map[string]*APIKey),
	}
}

func policyKey(version string, scope PolicyScope) string {
	return version + "|" + scope.Region + "|" + scope.HardwareRev + "|" + scope.Environment
}

func (r *MemoryRepository) allocID() uint {
	r.nextID++
	return r.nextID
}

// --- Devices ---

func (r *MemoryRepository) CreateDevice(ctx context.Context, d *Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[d.ID]; ok {
		return gorm.ErrDuplicatedKey
	}
	now := time.Now()
	d.CreatedAt = now
	d.UpdatedAt = now
	cp := *d
	r.devices[d.ID] = &cp
	return nil
}

func (r *MemoryRepository) UpdateDevice(ctx context.Context, d *Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[d.ID]; !ok {
		return gorm.ErrRecordNotFound
	}
	d.UpdatedAt = time.Now()
	cp := *d
	r.devices[d.ID] = &cp
	return nil
}

func (r *MemoryRepository) GetDevice(ctx context.Context, id string) (*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *d
	return &cp, nil
}

func (r *MemoryRepository) ListDevices(ctx context.Context, region string) ([]*Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var devices []*Device
	for _, d := range r.devices {
		if region != "" && d.Region != region {
			continue
		}
		cp := *d
		devices = append(devices, &cp)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices, nil
}

func (r *MemoryRepository) CountDevicesByVersion(ctx context.Context) (map[string]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[string]int)
	for _, d := range r.devices {
		if d.Lifecycle == LifecycleActive {
			counts[d.CurrentVersion]++
		}
	}
	return counts, nil
}

func (r *MemoryRepository) UpdateDeviceLastSeen(ctx context.Context, id string, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	now := time.Now()
	d.LastSeen = &now
	d.LastStatus = status
	return nil
}

// --- Firmware ---

func (r *MemoryRepository) CreateFirmware(ctx context.Context, fw *FirmwareVersion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.firmware[fw.Version]; ok {
		return gorm.ErrDuplicatedKey
	}
	fw.ID = r.allocID()
	fw.CreatedAt = time.Now()
	cp := *fw
	r.firmware[fw.Version] = &cp
	return nil
}

func (r *MemoryRepository) UpdateFirmware(ctx context.Context, fw *FirmwareVersion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.firmware[fw.Version]; !ok {
		return gorm.ErrRecordNotFound
	}
	fw.UpdatedAt = time.Now()
	cp := *fw
	r.firmware[fw.Version] = &cp
	return nil
}

func (r *MemoryRepository) GetFirmwareByVersion(ctx context.Context, version string) (*FirmwareVersion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fw, ok := r.firmware[version]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *fw
	return &cp, nil
}

func (r *MemoryRepository) ListFirmware(ctx context.Context, status string) ([]*FirmwareVersion, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var releases []*FirmwareVersion
	for _, fw := range r.firmware {
		if status != "" && fw.Status != status {
			continue
		}
		cp := *fw
		releases = append(releases, &cp)
	}
	sort.Slice(releases, func(i, j int) bool {
		return releases[i].CreatedAt.After(releases[j].CreatedAt)
	})
	return releases, nil
}

// --- Policies ---

func (r *MemoryRepository) CreatePolicy(ctx context.Context, p *RolloutPolicy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := policyKey(p.Version, p.Scope())
	if _, ok := r.policies[key]; ok {
		return gorm.ErrDuplicatedKey
	}
	p.ID = r.allocID()
	if p.Revision == 0 {
		p.Revision = 1
	}
	p.CreatedAt = time.Now()
	cp := *p
	r.policies[key] = &cp
	return nil
}

func (r *MemoryRepository) UpdatePolicy(ctx context.Context, p *RolloutPolicy, expectedRevision int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, existing := range r.policies {
		if existing.ID != p.ID {
			continue
		}
		if existing.Revision != expectedRevision {
			return ErrPolicyConflict
		}
		// Copy-on-write: concurrent readers holding the old record keep a
		// consistent snapshot.
		next := *existing
		next.Phase = p.Phase
		next.TargetPercent = p.TargetPercent
		next.Revision = expectedRevision + 1
		next.UpdatedAt = time.Now()
		r.policies[key] = &next
		p.Revision = next.Revision
		return nil
	}
	return ErrPolicyConflict
}

func (r *MemoryRepository) GetPolicy(ctx context.Context, version string, scope PolicyScope) (*RolloutPolicy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[policyKey(version, scope)]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *MemoryRepository) ListPolicies(ctx context.Context, version string) ([]*RolloutPolicy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var policies []*RolloutPolicy
	for _, p := range r.policies {
		if version != "" && p.Version != version {
			continue
		}
		cp := *p
		policies = append(policies, &cp)
	}
	sort.Slice(policies, func(i, j int) bool { return policies[i].ID < policies[j].ID })
	return policies, nil
}

// --- Measurements ---

func (r *MemoryRepository) CreateMeasurement(ctx context.Context, m *Measurement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m.CreatedAt = time.Now()
	cp := *m
	r.measurements = append(r.measurements, &cp)
	return nil
}

func (r *MemoryRepository) CreateMeasurementBatch(ctx context.Context, ms []*Measurement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for _, m := range ms {
		m.CreatedAt = now
		cp := *m
		r.measurements = append(r.measurements, &cp)
	}
	return nil
}

func (r *MemoryRepository) ListMeasurements(ctx context.Context, deviceID string, from, to time.Time) ([]*Measurement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ms []*Measurement
	for _, m := range r.measurements {
		if deviceID != "" && m.DeviceID != deviceID {
			continue
		}
		if m.Timestamp.Before(from) || m.Timestamp.After(to) {
			continue
		}
		cp := *m
		ms = append(ms, &cp)
	}
	sort.Slice(ms, func(i, j int) bool { return ms[i].Timestamp.Before(ms[j].Timestamp) })
	return ms, nil
}

// --- Alerts ---

func (r *MemoryRepository) CreateAlert(ctx context.Context, a *Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a.CreatedAt = time.Now()
	cp := *a
	r.alerts[a.ID] = &cp
	return nil
}

func (r *MemoryRepository) UpdateAlert(ctx context.Context, a *Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.alerts[a.ID]; !ok {
		return gorm.ErrRecordNotFound
	}
	a.UpdatedAt = time.Now()
	cp := *a
	r.alerts[a.ID] = &cp
	return nil
}

func (r *MemoryRepository) GetActiveAlert(ctx context.Context, metric, scope string) (*Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.alerts {
		if a.Metric == metric && a.Scope == scope && a.ResolvedAt == nil {
			cp := *a
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *MemoryRepository) ListAlerts(ctx context.Context, activeOnly bool) ([]*Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var alerts []*Alert
	for _, a := range r.alerts {
		if activeOnly && a.ResolvedAt != nil {
			continue
		}
		cp := *a
		alerts = append(alerts, &cp)
	}
	sort.Slice(alerts, func(i, j int) bool {
		return alerts[i].TriggeredAt.After(alerts[j].TriggeredAt)
	})
	return alerts, nil
}

// --- API keys ---

func (r *MemoryRepository) GetAPIKey(ctx context.Context, key string) (*APIKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.apiKeys[key]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *k
	return &cp, nil
}

func (r *MemoryRepository) UpdateAPIKeyLastUsed(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.apiKeys[key]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	now := time.Now()
	k.LastUsedAt = &now
	return nil
}

// AddAPIKey seeds an API key; used by tests and the dev mode.
func (r *MemoryRepository) AddAPIKey(k *APIKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *k
	r.apiKeys[k.Key] = &cp
}

// --- Fleet settings ---

func (r *MemoryRepository) GetFleetSettings(ctx context.Context) (*FleetSettings, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.settings == nil {
		return &FleetSettings{
			NumDevices:            50,
			SampleIntervalSecs:    5,
			UploadIntervalSecs:    30,
			HeartbeatIntervalSecs: 15,
		}, nil
	}
	cp := *r.settings
	return &cp, nil
}

func (r *MemoryRepository) SaveFleetSettings(ctx context.Context, s *FleetSettings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.ID == 0 {
		s.ID = 1
	}
	s.UpdatedAt = time.Now()
	cp := *s
	r.settings = &cp
	return nil
}

// WithTransaction runs fn against the same store. The memory store has no
// rollback; it exists for unit tests and local development only.
func (r *MemoryRepository) WithTransaction(ctx context.Context, fn func(context.Context, Repository) error) error {
	return fn(ctx, r)
}
