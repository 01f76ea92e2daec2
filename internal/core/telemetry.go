package core

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"example.com/backstage/services/fleet/internal/infrastructure"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Summary is a point-in-time aggregate of one rolling window.
type Summary struct {
	SampleCount int     `json:"sample_count"`
	Value       float64 `json:"value"` // mean over the window
}

// WindowKey identifies one rolling summary window.
type WindowKey struct {
	Region  string
	Version string
	Metric  string
}

type sample struct {
	at    time.Time
	value float64
}

type window struct {
	samples []sample
}

// TelemetryAggregator ingests measurement reports into the append-only
// store and maintains rolling per-(region, version, metric) windows bounded
// by both report count and sample age. Summaries are computed over a copied
// snapshot so concurrent ingestion never exposes a half-written window.
type TelemetryAggregator struct {
	store      Repository
	journal    *infrastructure.Journal
	logger     *logrus.Logger
	windowSize int
	windowAge  time.Duration
	minSamples int

	mu      sync.RWMutex
	windows map[WindowKey]*window
}

// TelemetryOptions bounds the rolling windows.
type TelemetryOptions struct {
	WindowSize int
	WindowAge  time.Duration
	MinSamples int
}

func NewTelemetryAggregator(store Repository, journal *infrastructure.Journal, logger *logrus.Logger, opts TelemetryOptions) *TelemetryAggregator {
	if opts.WindowSize <= 0 {
		opts.WindowSize = 100
	}
	if opts.WindowAge <= 0 {
		opts.WindowAge = 24 * time.Hour
	}
	if opts.MinSamples <= 0 {
		opts.MinSamples = 5
	}
	return &TelemetryAggregator{
		store:      store,
		journal:    journal,
		logger:     logger,
		windowSize: opts.WindowSize,
		windowAge:  opts.WindowAge,
		minSamples: opts.MinSamples,
		windows:    make(map[WindowKey]*window),
	}
}

// Ingest appends one measurement and folds it into its rolling window.
// Journal failures are logged, never surfaced: recording telemetry must not
// fail a device report.
func (a *TelemetryAggregator) Ingest(ctx context.Context, m *Measurement) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}

	if err := a.store.CreateMeasurement(ctx, m); err != nil {
		return err
	}

	if a.journal != nil {
		if err := a.journal.Append(infrastructure.JournalMeasurement, m.DeviceID, m); err != nil {
			a.logger.WithError(err).Warn("Failed to journal measurement")
		}
	}

	a.fold(m)
	return nil
}

// IngestBatch appends a batch in one store write.
func (a *TelemetryAggregator) IngestBatch(ctx context.Context, ms []*Measurement) error {
	now := time.Now()
	for _, m := range ms {
		if m.ID == "" {
			m.ID = uuid.New().String()
		}
		if m.Timestamp.IsZero() {
			m.Timestamp = now
		}
	}

	if err := a.store.CreateMeasurementBatch(ctx, ms); err != nil {
		return err
	}

	for _, m := range ms {
		if a.journal != nil {
			if err := a.journal.Append(infrastructure.JournalMeasurement, m.DeviceID, m); err != nil {
				a.logger.WithError(err).Warn("Failed to journal measurement")
			}
		}
		a.fold(m)
	}
	return nil
}

// fold adds the sample to its window and trims by count and age.
func (a *TelemetryAggregator) fold(m *Measurement) {
	key := WindowKey{Region: m.Region, Version: m.Version, Metric: m.Metric}

	a.mu.Lock()
	defer a.mu.Unlock()

	w, ok := a.windows[key]
	if !ok {
		w = &window{}
		a.windows[key] = w
	}

	w.samples = append(w.samples, sample{at: m.Timestamp, value: m.Value})
	if excess := len(w.samples) - a.windowSize; excess > 0 {
		w.samples = append(w.samples[:0:0], w.samples[excess:]...)
	}
}

// SummaryFor aggregates the current window for (metric, region, version).
// Returns ErrInsufficientData when fewer than the configured minimum number
// of in-window samples exist, so a handful of noisy devices cannot trip an
// alert.
func (a *TelemetryAggregator) SummaryFor(metric, region, version string) (Summary, error) {
	key := WindowKey{Region: region, Version: version, Metric: metric}

	a.mu.RLock()
	w, ok := a.windows[key]
	var snapshot []sample
	if ok {
		snapshot = append(snapshot, w.samples...)
	}
	a.mu.RUnlock()

	cutoff := time.Now().Add(-a.windowAge)
	var sum float64
	var n int
	for _, s := range snapshot {
		if s.at.Before(cutoff) {
			continue
		}
		sum += s.value
		n++
	}

	if n < a.minSamples {
		return Summary{SampleCount: n}, ErrInsufficientData
	}
	return Summary{SampleCount: n, Value: sum / float64(n)}, nil
}

// Keys returns the window keys seen so far, optionally filtered by metric.
// The alert evaluator uses this to expand rules with open scopes.
func (a *TelemetryAggregator) Keys(metric string) []WindowKey {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var keys []WindowKey
	for key := range a.windows {
		if metric != "" && key.Metric != metric {
			continue
		}
		keys = append(keys, key)
	}
	return keys
}

// RecordOutcome folds an install outcome into the failure-rate window for
// the device's segment and the attempted version. Failures count 1,
// successes 0; the window mean is the failure rate.
func (a *TelemetryAggregator) RecordOutcome(ctx context.Context, device *Device, version string, failed bool) error {
	value := 0.0
	if failed {
		value = 1.0
	}
	return a.Ingest(ctx, &Measurement{
		DeviceID:  device.ID,
		Region:    device.Region,
		Version:   version,
		Metric:    MetricFailureRate,
		Value:     value,
		Timestamp: time.Now(),
	})
}

// WarmFromJournal replays journaled measurements into the windows without
// re-persisting them. Called once on boot before traffic is admitted.
func (a *TelemetryAggregator) WarmFromJournal() {
	if a.journal == nil {
		return
	}

	events, err := a.journal.ReadRange("", time.Now().Add(-a.windowAge), time.Now())
	if err != nil {
		a.logger.WithError(err).Warn("Failed to read journal for window warmup")
		return
	}

	warmed := 0
	for _, event := range events {
		if event.Type != infrastructure.JournalMeasurement {
			continue
		}
		var m Measurement
		if err := json.Unmarshal(event.Data, &m); err != nil {
			continue
		}
		a.fold(&m)
		warmed++
	}
	if warmed > 0 {
		a.logger.WithField("samples", warmed).Info("Telemetry windows warmed from journal")
	}
}
