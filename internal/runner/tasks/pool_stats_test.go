package tasks

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/siddhi-io/siddhi-io-email-sub000/internal/email/outbound/pool"
	"github.com/siddhi-io/siddhi-io-email-sub000/internal/metrics"
)

type statsFunc func() map[string]pool.Stat

func (f statsFunc) Stats() map[string]pool.Stat { return f() }

func TestPoolStatsTaskDefinition(t *testing.T) {
	task := NewPoolStatsTask(statsFunc(func() map[string]pool.Stat { return nil }), nil, nil)
	assert.Equal(t, "pool-stats", task.Name())
	assert.Equal(t, "@every 15s", task.Schedule())
	assert.Positive(t, task.Timeout())
	require.NoError(t, task.Run(context.Background()))
}

func TestPoolStatsTaskExportsGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	live := map[string]pool.Stat{
		"bot@smtp.example.com:465/ssl": {Borrowed: 1, Idle: 2, Total: 3, Max: 4},
	}
	task := NewPoolStatsTask(statsFunc(func() map[string]pool.Stat { return live }), m, zap.NewNop())

	require.NoError(t, task.Run(context.Background()))
	n, err := testutil.GatherAndCount(reg, "mailbridge_pool_connections")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	live = map[string]pool.Stat{}
	require.NoError(t, task.Run(context.Background()))
	n, err = testutil.GatherAndCount(reg, "mailbridge_pool_connections")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestPoolStatsTaskHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	task := NewPoolStatsTask(statsFunc(func() map[string]pool.Stat {
		t.Fatal("stats read after cancellation")
		return nil
	}), nil, nil)
	assert.ErrorIs(t, task.Run(ctx), context.Canceled)
}
