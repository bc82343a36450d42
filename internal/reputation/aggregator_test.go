package reputation

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/email-events/internal/config"
	"github.com/ignite/email-events/internal/event"
)

func testConfig() config.ReputationConfig {
	return config.ReputationConfig{
		WindowDays:           7,
		RiskBounceRate:       5.0,
		RiskComplaintRate:    0.3,
		WarningBounceRate:    2.0,
		WarningComplaintRate: 0.1,
	}
}

func setupAggregator(t *testing.T) (*Aggregator, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewAggregator(client, testConfig()), mr
}

func entryOf(domainID int64, typ event.Type, detail string) event.LogEntry {
	e := event.LogEntry{
		ID:         uuid.New(),
		EmailID:    uuid.New(),
		TeamID:     1,
		DomainID:   domainID,
		Type:       typ,
		OccurredAt: time.Now().UTC(),
	}
	if detail != "" {
		e.Detail = json.RawMessage(detail)
	}
	return e
}

func TestRecord_CountsRelevantEntries(t *testing.T) {
	agg, _ := setupAggregator(t)
	ctx := context.Background()

	counted, err := agg.Record(ctx, entryOf(7, event.TypeEmailDelivered, ""))
	require.NoError(t, err)
	assert.True(t, counted)

	counted, err = agg.Record(ctx, entryOf(7, event.TypeEmailBounced, `{"type":"Permanent"}`))
	require.NoError(t, err)
	assert.True(t, counted)

	counted, err = agg.Record(ctx, entryOf(7, event.TypeEmailComplained, ""))
	require.NoError(t, err)
	assert.True(t, counted)

	w, err := agg.Snapshot(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), w.Delivered)
	assert.Equal(t, int64(1), w.HardBounced)
	assert.Equal(t, int64(1), w.Complained)
}

func TestRecord_IgnoresIrrelevantEntries(t *testing.T) {
	agg, _ := setupAggregator(t)
	ctx := context.Background()

	// Transient bounces and opens never move reputation counters.
	counted, err := agg.Record(ctx, entryOf(7, event.TypeEmailBounced, `{"type":"Transient"}`))
	require.NoError(t, err)
	assert.False(t, counted)

	counted, err = agg.Record(ctx, entryOf(7, event.TypeEmailOpened, ""))
	require.NoError(t, err)
	assert.False(t, counted)
}

func TestRecord_IdempotentPerEntry(t *testing.T) {
	agg, _ := setupAggregator(t)
	ctx := context.Background()

	entry := entryOf(7, event.TypeEmailDelivered, "")

	counted, err := agg.Record(ctx, entry)
	require.NoError(t, err)
	assert.True(t, counted)

	// Same entry id again: no double-count.
	counted, err = agg.Record(ctx, entry)
	require.NoError(t, err)
	assert.False(t, counted)

	w, err := agg.Snapshot(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), w.Delivered)
}

// The concrete scenario from the contract: hardBounced/delivered moving
// from {2,100} to {3,101} moves the bounce rate from 2.0% to ~2.97%.
func TestSnapshot_BounceRateScenario(t *testing.T) {
	agg, _ := setupAggregator(t)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		_, err := agg.Record(ctx, entryOf(9, event.TypeEmailDelivered, ""))
		require.NoError(t, err)
	}
	for i := 0; i < 2; i++ {
		_, err := agg.Record(ctx, entryOf(9, event.TypeEmailBounced, `{"type":"Permanent"}`))
		require.NoError(t, err)
	}

	w, err := agg.Snapshot(ctx, 9)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, w.BounceRate, 1e-9)

	_, err = agg.Record(ctx, entryOf(9, event.TypeEmailDelivered, ""))
	require.NoError(t, err)
	_, err = agg.Record(ctx, entryOf(9, event.TypeEmailBounced, `{"type":"Permanent"}`))
	require.NoError(t, err)

	w, err = agg.Snapshot(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, int64(101), w.Delivered)
	assert.Equal(t, int64(3), w.HardBounced)
	assert.InDelta(t, 2.9703, w.BounceRate, 0.001)
}

func TestRates_NoData(t *testing.T) {
	bounce, complaint, noData := Rates(0, 5, 5)
	assert.Zero(t, bounce)
	assert.Zero(t, complaint)
	assert.True(t, noData)
}

func TestClassify(t *testing.T) {
	cfg := testConfig()

	tests := []struct {
		name          string
		bounceRate    float64
		complaintRate float64
		want          Health
	}{
		{"healthy", 1.0, 0.05, HealthHealthy},
		{"warning on bounce", 2.5, 0.05, HealthWarning},
		{"warning on complaint", 1.0, 0.2, HealthWarning},
		{"risk on bounce", 6.0, 0.0, HealthRisk},
		{"risk on complaint", 0.0, 0.5, HealthRisk},
		{"risk wins over warning", 6.0, 0.2, HealthRisk},
		{"boundary is not over", 2.0, 0.1, HealthHealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(cfg, tt.bounceRate, tt.complaintRate))
		})
	}
}

func TestSnapshot_EmptyDomain(t *testing.T) {
	agg, _ := setupAggregator(t)

	w, err := agg.Snapshot(context.Background(), 404)
	require.NoError(t, err)
	assert.True(t, w.NoData)
	assert.Equal(t, HealthHealthy, w.Health)
}
