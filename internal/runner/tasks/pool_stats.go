package tasks

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/siddhi-io/siddhi-io-email-sub000/internal/email/outbound/pool"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/metrics"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/runner"
)

// PoolStatsInterval is how often pool occupancy is sampled.
const PoolStatsInterval = 15 * time.Second

// StatsSource is implemented by *pool.Registry.
type StatsSource interface {
	Stats() map[string]pool.Stat
}

// PoolStatsTask exports idle and total session counts of every live SMTP pool.
type PoolStatsTask struct {
	pools   StatsSource
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewPoolStatsTask creates the sampling task.
func NewPoolStatsTask(pools StatsSource, m *metrics.Metrics, logger *zap.Logger) *PoolStatsTask {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PoolStatsTask{pools: pools, metrics: m, logger: logger}
}

// Name returns the task name
func (t *PoolStatsTask) Name() string {
	return "pool-stats"
}

// Schedule returns the cron schedule
func (t *PoolStatsTask) Schedule() string {
	return runner.Every(PoolStatsInterval)
}

// Timeout returns the task timeout
func (t *PoolStatsTask) Timeout() time.Duration {
	return 5 * time.Second
}

// Run samples the registry. Pools torn down since the last run lose their gauges.
func (t *PoolStatsTask) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stats := t.pools.Stats()
	t.metrics.ResetPoolConnections()
	for name, s := range stats {
		t.metrics.PoolConnections(name, s.Idle, s.Total)
		if s.Max > 0 && s.Borrowed == s.Max {
			t.logger.Debug("pool exhausted", zap.String("pool", name), zap.Int("size", s.Max))
		}
	}
	return nil
}
