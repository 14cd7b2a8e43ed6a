package broadcast_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jrsteele09/go-auth-client/broadcast"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type redisFixture struct {
	server *miniredis.Miniredis
	client *redis.Client
}

func setupRedisFixture(t *testing.T) *redisFixture {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return &redisFixture{server: server, client: client}
}

func (f *redisFixture) join(t *testing.T, opts ...broadcast.RedisOption) *broadcast.Redis {
	t.Helper()
	r, err := broadcast.NewRedis(context.Background(), f.client, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestNewRedis_RequiresClient(t *testing.T) {
	_, err := broadcast.NewRedis(context.Background(), nil)
	require.Error(t, err)
}

func TestRedis_RoundTripBetweenContexts(t *testing.T) {
	f := setupRedisFixture(t)
	a := f.join(t)
	b := f.join(t)

	fromA, _ := collect(a)
	fromB, _ := collect(b)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, a.Publish(context.Background(), broadcast.LogoutSignal("", at)))

	got := receive(t, fromB)
	require.Equal(t, broadcast.KindLogout, got.Kind)
	require.Equal(t, a.Origin(), got.Origin)
	require.True(t, at.Equal(got.At))

	// a's own signal reached its subscription first and was dropped
	require.NoError(t, b.Publish(context.Background(), broadcast.LogoutSignal("", at)))
	require.Equal(t, b.Origin(), receive(t, fromA).Origin)
}

func TestRedis_WritesMarkerUnderFixedKey(t *testing.T) {
	f := setupRedisFixture(t)
	a := f.join(t, broadcast.WithOrigin("tab-1"))

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, a.Publish(context.Background(), broadcast.LogoutSignal("ignored", at)))

	raw, err := f.server.Get(broadcast.DefaultKey)
	require.NoError(t, err)

	var stored broadcast.Signal
	require.NoError(t, json.Unmarshal([]byte(raw), &stored))
	require.Equal(t, "tab-1", stored.Origin)
	require.True(t, at.Equal(stored.At))

	last, ok, err := a.Last(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, stored, last)
}

func TestRedis_LastWithoutMarker(t *testing.T) {
	f := setupRedisFixture(t)
	a := f.join(t, broadcast.WithKey("custom:logout"), broadcast.WithChannel("custom"))

	_, ok, err := a.Last(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedis_MarkerTTL(t *testing.T) {
	f := setupRedisFixture(t)
	a := f.join(t, broadcast.WithMarkerTTL(time.Minute))

	require.NoError(t, a.Publish(context.Background(), broadcast.LogoutSignal("", time.Time{})))
	require.Equal(t, time.Minute, f.server.TTL(broadcast.DefaultKey))

	f.server.FastForward(2 * time.Minute)
	require.False(t, f.server.Exists(broadcast.DefaultKey))
}

func TestRedis_DuplicatesAreDelivered(t *testing.T) {
	f := setupRedisFixture(t)
	a := f.join(t)
	b := f.join(t)
	fromB, _ := collect(b)

	for i := 0; i < 2; i++ {
		require.NoError(t, a.Publish(context.Background(), broadcast.LogoutSignal("", time.Time{})))
	}
	require.Equal(t, a.Origin(), receive(t, fromB).Origin)
	require.Equal(t, a.Origin(), receive(t, fromB).Origin)
}
