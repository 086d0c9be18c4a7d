// Copyright 2025 James Ross
package pool

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaydeck/meshcore/internal/config"
)

func TestScanHeartbeatsRegistersWorkersFromRedis(t *testing.T) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx := context.Background()
	require.NoError(t, rdb.HSet(ctx, "worker:heartbeat:browser:w1", map[string]any{
		"timestamp": time.Now().Unix(),
		"state":     "healthy",
	}).Err())
	require.NoError(t, rdb.HSet(ctx, "worker:heartbeat:browser:w2", map[string]any{
		"timestamp": time.Now().Unix(),
		"state":     "draining",
	}).Err())

	p := New("browser", time.Minute)
	require.NoError(t, p.ScanHeartbeats(ctx, rdb))

	require.Len(t, p.All(), 2)
	w1, ok := p.Get("w1")
	require.True(t, ok)
	assert.True(t, w1.Status.Healthy)

	w2, ok := p.Get("w2")
	require.True(t, ok)
	assert.False(t, w2.Status.Healthy)
	assert.Equal(t, "draining", w2.Status.Reason)
}

func TestManagerForCreatesPoolForUnknownType(t *testing.T) {
	cfg := &config.Config{WorkerTypes: map[string]config.WorkerTypeConfig{"browser": {}}}
	m := NewManager(cfg, nil, zap.NewNop())

	assert.Contains(t, m.Types(), "browser")

	p := m.For("tankpit", 30*time.Second)
	require.NotNil(t, p)
	assert.Contains(t, m.Types(), "tankpit")
}

func TestManagerSummaryAggregatesPerType(t *testing.T) {
	cfg := &config.Config{WorkerTypes: map[string]config.WorkerTypeConfig{"browser": {}}}
	m := NewManager(cfg, nil, zap.NewNop())
	m.For("browser", time.Minute).Register("w1", nil)

	summary := m.Summary()
	require.Contains(t, summary, "browser")
	assert.Equal(t, 1, summary["browser"].Total)
}
