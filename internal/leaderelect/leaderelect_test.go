// Copyright 2025 James Ross
package leaderelect

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestTryAcquireGrantsLockToFirstOwner(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()

	a := New(rdb, "scaler:leader", "owner-a", time.Minute)
	ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTryAcquireDeniedToSecondOwner(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()

	a := New(rdb, "scaler:leader", "owner-a", time.Minute)
	b := New(rdb, "scaler:leader", "owner-b", time.Minute)

	ok, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReleaseAllowsAnotherOwnerToAcquire(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()

	a := New(rdb, "scaler:leader", "owner-a", time.Minute)
	b := New(rdb, "scaler:leader", "owner-b", time.Minute)

	_, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	require.NoError(t, a.Release(ctx))

	ok, err := b.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIsLeaderReflectsCurrentHolder(t *testing.T) {
	rdb := newTestRedis(t)
	ctx := context.Background()

	a := New(rdb, "scaler:leader", "owner-a", time.Minute)
	b := New(rdb, "scaler:leader", "owner-b", time.Minute)

	leader, err := a.IsLeader(ctx)
	require.NoError(t, err)
	assert.False(t, leader)

	_, err = a.TryAcquire(ctx)
	require.NoError(t, err)

	leader, err = a.IsLeader(ctx)
	require.NoError(t, err)
	assert.True(t, leader)

	leader, err = b.IsLeader(ctx)
	require.NoError(t, err)
	assert.False(t, leader)
}
