package core

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ingestSamples(t *testing.T, services *Services, region, version, metric string, values ...float64) {
	t.Helper()
	for i, v := range values {
		err := services.Telemetry.Ingest(context.Background(), &Measurement{
			DeviceID: fmt.Sprintf("device-%03d", i),
			Region:   region,
			Version:  version,
			Metric:   metric,
			Value:    v,
		})
		require.NoError(t, err)
	}
}

func TestSummaryMean(t *testing.T) {
	services, _ := newTestServices(t)
	ingestSamples(t, services, "us-east", "2.0.0", MetricBattery, 10, 20, 30, 40)

	summary, err := services.Telemetry.SummaryFor(MetricBattery, "us-east", "2.0.0")
	require.NoError(t, err)
	assert.Equal(t, 4, summary.SampleCount)
	assert.InDelta(t, 25.0, summary.Value, 1e-9)
}

func TestSummaryInsufficientData(t *testing.T) {
	services, _ := newTestServices(t) // min samples is 3
	ingestSamples(t, services, "us-east", "2.0.0", MetricBattery, 10, 20)

	_, err := services.Telemetry.SummaryFor(MetricBattery, "us-east", "2.0.0")
	assert.ErrorIs(t, err, ErrInsufficientData)
	assert.Equal(t, KindInsufficientData, KindOf(err))

	// An untouched window reports the same way as a thin one.
	_, err = services.Telemetry.SummaryFor(MetricBattery, "mars", "2.0.0")
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestWindowTrimsByCount(t *testing.T) {
	services, _ := newTestServices(t) // window size is 10

	values := make([]float64, 15)
	for i := range values {
		values[i] = float64(i) // 0..14; the last 10 are 5..14
	}
	ingestSamples(t, services, "us-east", "2.0.0", MetricBattery, values...)

	summary, err := services.Telemetry.SummaryFor(MetricBattery, "us-east", "2.0.0")
	require.NoError(t, err)
	assert.Equal(t, 10, summary.SampleCount)
	assert.InDelta(t, 9.5, summary.Value, 1e-9, "only the newest samples count")
}

func TestWindowExcludesStaleSamples(t *testing.T) {
	services, _ := newTestServices(t) // window age is one hour
	ctx := context.Background()

	stale := time.Now().Add(-2 * time.Hour)
	for i := 0; i < 5; i++ {
		require.NoError(t, services.Telemetry.Ingest(ctx, &Measurement{
			DeviceID:  "device-001",
			Region:    "us-east",
			Version:   "2.0.0",
			Metric:    MetricBattery,
			Value:     100,
			Timestamp: stale,
		}))
	}
	ingestSamples(t, services, "us-east", "2.0.0", MetricBattery, 10, 20, 30)

	summary, err := services.Telemetry.SummaryFor(MetricBattery, "us-east", "2.0.0")
	require.NoError(t, err)
	assert.Equal(t, 3, summary.SampleCount)
	assert.InDelta(t, 20.0, summary.Value, 1e-9)
}

func TestWindowsKeyedBySegment(t *testing.T) {
	services, _ := newTestServices(t)
	ingestSamples(t, services, "us-east", "2.0.0", MetricBattery, 10, 10, 10)
	ingestSamples(t, services, "eu-west", "2.0.0", MetricBattery, 90, 90, 90)

	east, err := services.Telemetry.SummaryFor(MetricBattery, "us-east", "2.0.0")
	require.NoError(t, err)
	west, err := services.Telemetry.SummaryFor(MetricBattery, "eu-west", "2.0.0")
	require.NoError(t, err)

	assert.InDelta(t, 10.0, east.Value, 1e-9)
	assert.InDelta(t, 90.0, west.Value, 1e-9)
}

func TestRecordOutcomeFailureRate(t *testing.T) {
	services, _ := newTestServices(t)
	ctx := context.Background()
	device := &Device{ID: "device-001", Region: "us-east", Lifecycle: LifecycleActive}

	// Three failures out of four attempts.
	require.NoError(t, services.Telemetry.RecordOutcome(ctx, device, "2.0.0", true))
	require.NoError(t, services.Telemetry.RecordOutcome(ctx, device, "2.0.0", true))
	require.NoError(t, services.Telemetry.RecordOutcome(ctx, device, "2.0.0", true))
	require.NoError(t, services.Telemetry.RecordOutcome(ctx, device, "2.0.0", false))

	summary, err := services.Telemetry.SummaryFor(MetricFailureRate, "us-east", "2.0.0")
	require.NoError(t, err)
	assert.InDelta(t, 0.75, summary.Value, 1e-9)
}

func TestMeasurementsPersisted(t *testing.T) {
	services, store := newTestServices(t)
	ingestSamples(t, services, "us-east", "2.0.0", MetricBattery, 10, 20, 30)

	stored, err := store.ListMeasurements(context.Background(), "", time.Time{}, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Len(t, stored, 3)
	for _, m := range stored {
		assert.NotEmpty(t, m.ID, "every measurement gets an identifier")
	}
}

func TestKeysFilterByMetric(t *testing.T) {
	services, _ := newTestServices(t)
	ingestSamples(t, services, "us-east", "2.0.0", MetricBattery, 1)
	ingestSamples(t, services, "us-east", "2.0.0", MetricTemperature, 1)
	ingestSamples(t, services, "eu-west", "2.0.0", MetricBattery, 1)

	keys := services.Telemetry.Keys(MetricBattery)
	assert.Len(t, keys, 2)
	for _, key := range keys {
		assert.Equal(t, MetricBattery, key.Metric)
	}
	assert.Len(t, services.Telemetry.Keys(""), 3)
}
