package sessionindex

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ashmanpan/perental-controle-demo/internal/model"
)

func newTestReplica(t *testing.T) (*RedisReplica, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisReplica(rdb, time.Hour), mr
}

func testSession() model.Session {
	return model.Session{
		SessionID:    "sess-r1",
		SubscriberID: "404100000001",
		MSISDN:       "+15551234567",
		PrivateIP:    "10.0.0.5",
		PublicIP:     "203.0.113.5",
		CreatedAt:    time.Now(),
		LastSeenAt:   time.Now(),
	}
}

func TestRedisReplica_UpsertWritesAllKeys(t *testing.T) {
	rep, mr := newTestReplica(t)
	s := testSession()
	require.NoError(t, rep.UpsertSession(context.Background(), s))

	raw, err := mr.Get("phone:" + s.MSISDN)
	require.NoError(t, err)
	var sv sessionValue
	require.NoError(t, json.Unmarshal([]byte(raw), &sv))
	assert.Equal(t, s.PrivateIP, sv.PrivateIP)
	assert.Equal(t, "active", sv.Status)

	_, err = mr.Get("imsi:" + s.SubscriberID)
	require.NoError(t, err)

	raw, err = mr.Get("ip:" + s.PrivateIP)
	require.NoError(t, err)
	var av addressValue
	require.NoError(t, json.Unmarshal([]byte(raw), &av))
	assert.Equal(t, s.MSISDN, av.MSISDN)

	isMember, err := mr.SIsMember(keyActiveSet, s.SessionID)
	require.NoError(t, err)
	assert.True(t, isMember)

	// TTL must be applied to the value keys.
	assert.Greater(t, mr.TTL("phone:"+s.MSISDN), time.Duration(0))
}

func TestRedisReplica_DropAddress(t *testing.T) {
	rep, mr := newTestReplica(t)
	s := testSession()
	require.NoError(t, rep.UpsertSession(context.Background(), s))

	require.NoError(t, rep.DropAddress(context.Background(), s.PrivateIP))
	assert.False(t, mr.Exists("ip:"+s.PrivateIP))
	assert.True(t, mr.Exists("phone:"+s.MSISDN))
}

func TestRedisReplica_RemoveSession(t *testing.T) {
	rep, mr := newTestReplica(t)
	s := testSession()
	ctx := context.Background()
	require.NoError(t, rep.UpsertSession(ctx, s))
	require.NoError(t, rep.RemoveSession(ctx, s))

	assert.False(t, mr.Exists("phone:"+s.MSISDN))
	assert.False(t, mr.Exists("imsi:"+s.SubscriberID))
	assert.False(t, mr.Exists("ip:"+s.PrivateIP))
	isMember, err := mr.SIsMember(keyActiveSet, s.SessionID)
	if err != nil {
		// miniredis deletes an emptied set and reports the missing key as an
		// error, which real Redis treats as "not a member".
		require.ErrorIs(t, err, miniredis.ErrKeyNotFound)
	} else {
		assert.False(t, isMember)
	}

	n, err := rep.ActiveSessionCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisReplica_EndToEndThroughIndex(t *testing.T) {
	rep, mr := newTestReplica(t)
	ix := New(2, time.Hour, zaptest.NewLogger(t), WithReplica(rep))
	ctx := context.Background()

	s := testSession()
	ix.UpsertStart(ctx, s)
	assert.True(t, mr.Exists("ip:"+s.PrivateIP))

	_, _, err := ix.MigrateAddress(ctx, s.SubscriberID, "10.0.0.9", s.PublicIP, time.Now())
	require.NoError(t, err)
	assert.False(t, mr.Exists("ip:"+s.PrivateIP))
	assert.True(t, mr.Exists("ip:10.0.0.9"))

	_, err = ix.Terminate(ctx, s.SessionID)
	require.NoError(t, err)
	assert.False(t, mr.Exists("phone:"+s.MSISDN))
}
