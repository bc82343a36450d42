// Package reputation maintains rolling delivered/bounced/complained
// counters per sending domain and classifies domain health from them.
//
// Counters live in Redis day buckets with TTLs one day past the window, so
// old data decays lazily on read; there is no sweeper. Aggregation is
// idempotent per event-log entry: a Lua script records the entry id before
// incrementing, so replays and duplicate fan-out never double-count.
package reputation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/email-events/internal/config"
	"github.com/ignite/email-events/internal/event"
)

// Health classifies a sending domain.
type Health string

const (
	HealthHealthy Health = "HEALTHY"
	HealthWarning Health = "WARNING"
	HealthRisk    Health = "RISK"
)

// Metric names the three counters a window tracks.
type Metric string

const (
	MetricDelivered   Metric = "delivered"
	MetricHardBounced Metric = "hard_bounced"
	MetricComplained  Metric = "complained"
)

// recordLuaScript marks the entry as seen and increments the day bucket,
// atomically. Returns 1 when counted, 0 when the entry was already seen.
const recordLuaScript = `
local seenKey = KEYS[1]
local bucketKey = KEYS[2]
local seenTTL = tonumber(ARGV[1])
local bucketTTL = tonumber(ARGV[2])

if redis.call("SET", seenKey, "1", "NX", "EX", seenTTL) then
    local v = redis.call("INCR", bucketKey)
    if v == 1 then
        redis.call("EXPIRE", bucketKey, bucketTTL)
    end
    return 1
end
return 0
`

// Window is a point-in-time read of a domain's rolling counters.
type Window struct {
	DomainID      int64   `json:"domainId"`
	Delivered     int64   `json:"delivered"`
	HardBounced   int64   `json:"hardBounced"`
	Complained    int64   `json:"complained"`
	BounceRate    float64 `json:"bounceRate"`
	ComplaintRate float64 `json:"complaintRate"`
	NoData        bool    `json:"noData"`
	Health        Health  `json:"health"`
}

// Aggregator updates and reads reputation windows against the shared
// counter store. Instances are stateless; any worker may record any entry.
type Aggregator struct {
	redis        *redis.Client
	cfg          config.ReputationConfig
	recordScript *redis.Script

	// now is swappable for tests.
	now func() time.Time
}

// NewAggregator creates a reputation aggregator.
func NewAggregator(client *redis.Client, cfg config.ReputationConfig) *Aggregator {
	return &Aggregator{
		redis:        client,
		cfg:          cfg,
		recordScript: redis.NewScript(recordLuaScript),
		now:          time.Now,
	}
}

// metricFor maps a log entry onto the counter it moves, if any. Only hard
// bounces count; transient bounces are delivery noise, not reputation.
func metricFor(entry event.LogEntry) (Metric, bool) {
	switch entry.Type {
	case event.TypeEmailDelivered:
		return MetricDelivered, true
	case event.TypeEmailComplained:
		return MetricComplained, true
	case event.TypeEmailBounced:
		var b event.BounceDetail
		if len(entry.Detail) > 0 {
			if err := json.Unmarshal(entry.Detail, &b); err != nil {
				return "", false
			}
		}
		if b.Type.Hard() {
			return MetricHardBounced, true
		}
	}
	return "", false
}

// Record applies one event-log entry to its domain's window. Returns true
// when a counter moved, false when the entry was irrelevant or already
// counted.
func (a *Aggregator) Record(ctx context.Context, entry event.LogEntry) (bool, error) {
	metric, ok := metricFor(entry)
	if !ok {
		return false, nil
	}

	day := entry.OccurredAt.UTC().Format("2006-01-02")
	seenKey := fmt.Sprintf("rep:seen:%s", entry.ID)
	bucketKey := fmt.Sprintf("rep:%d:%s:%s", entry.DomainID, metric, day)
	ttl := int((a.cfg.Window() + 24*time.Hour).Seconds())

	res, err := a.recordScript.Run(ctx, a.redis,
		[]string{seenKey, bucketKey}, ttl, ttl,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("reputation record: %w", err)
	}
	return res == 1, nil
}

// Snapshot reads the rolling window for a domain and classifies it.
// Buckets outside the window have expired or are simply not read, which is
// the lazy decay the design calls for.
func (a *Aggregator) Snapshot(ctx context.Context, domainID int64) (Window, error) {
	w := Window{DomainID: domainID}

	today := a.now().UTC().Truncate(24 * time.Hour)
	pipe := a.redis.Pipeline()
	cmds := make(map[Metric][]*redis.StringCmd)
	for _, metric := range []Metric{MetricDelivered, MetricHardBounced, MetricComplained} {
		for d := 0; d < a.cfg.WindowDays; d++ {
			day := today.AddDate(0, 0, -d).Format("2006-01-02")
			key := fmt.Sprintf("rep:%d:%s:%s", domainID, metric, day)
			cmds[metric] = append(cmds[metric], pipe.Get(ctx, key))
		}
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return w, fmt.Errorf("reputation snapshot: %w", err)
	}

	sum := func(metric Metric) int64 {
		var total int64
		for _, cmd := range cmds[metric] {
			if v, err := cmd.Int64(); err == nil {
				total += v
			}
		}
		return total
	}
	w.Delivered = sum(MetricDelivered)
	w.HardBounced = sum(MetricHardBounced)
	w.Complained = sum(MetricComplained)

	w.BounceRate, w.ComplaintRate, w.NoData = Rates(w.Delivered, w.HardBounced, w.Complained)
	w.Health = Classify(a.cfg, w.BounceRate, w.ComplaintRate)
	return w, nil
}

// Rates derives the percentage rates. Both are 0 ("no data") when nothing
// was delivered in the window.
func Rates(delivered, hardBounced, complained int64) (bounceRate, complaintRate float64, noData bool) {
	if delivered == 0 {
		return 0, 0, true
	}
	return float64(hardBounced) / float64(delivered) * 100,
		float64(complained) / float64(delivered) * 100,
		false
}

// Classify maps rates onto a health bucket. The RISK check runs before
// WARNING; first true wins.
func Classify(cfg config.ReputationConfig, bounceRate, complaintRate float64) Health {
	if bounceRate > cfg.RiskBounceRate || complaintRate > cfg.RiskComplaintRate {
		return HealthRisk
	}
	if bounceRate > cfg.WarningBounceRate || complaintRate > cfg.WarningComplaintRate {
		return HealthWarning
	}
	return HealthHealthy
}
