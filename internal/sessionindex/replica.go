package sessionindex

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ashmanpan/perental-controle-demo/internal/model"
)

// Redis key scheme, kept compatible with the legacy session store so the
// analytics plane can keep reading it:
//
//	phone:<msisdn>  → session JSON
//	imsi:<imsi>     → session JSON
//	ip:<privateIP>  → reverse-lookup JSON
//	active_sessions → set of session ids
const (
	keyPhonePrefix = "phone:"
	keyIMSIPrefix  = "imsi:"
	keyIPPrefix    = "ip:"
	keyActiveSet   = "active_sessions"
)

// sessionValue is the JSON stored under phone: and imsi: keys.
type sessionValue struct {
	SessionID string `json:"sessionId"`
	PrivateIP string `json:"privateIP"`
	PublicIP  string `json:"publicIP"`
	MSISDN    string `json:"msisdn"`
	IMSI      string `json:"imsi"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// addressValue is the JSON stored under ip: keys for reverse lookup.
type addressValue struct {
	IMSI      string `json:"imsi"`
	MSISDN    string `json:"msisdn"`
	SessionID string `json:"sessionId"`
	Timestamp string `json:"timestamp"`
}

// RedisReplica mirrors the session index into Redis with a TTL.
type RedisReplica struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisReplica wraps an existing Redis client.
func NewRedisReplica(rdb *redis.Client, ttl time.Duration) *RedisReplica {
	return &RedisReplica{rdb: rdb, ttl: ttl}
}

var _ Replica = (*RedisReplica)(nil)

// Ping checks Redis connectivity.
func (r *RedisReplica) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

// UpsertSession writes all three key families and registers the session id,
// atomically via a pipeline.
func (r *RedisReplica) UpsertSession(ctx context.Context, s model.Session) error {
	ts := s.LastSeenAt.UTC().Format(time.RFC3339)
	sv, err := json.Marshal(sessionValue{
		SessionID: s.SessionID,
		PrivateIP: s.PrivateIP,
		PublicIP:  s.PublicIP,
		MSISDN:    s.MSISDN,
		IMSI:      s.SubscriberID,
		Status:    "active",
		Timestamp: ts,
	})
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	av, err := json.Marshal(addressValue{
		IMSI:      s.SubscriberID,
		MSISDN:    s.MSISDN,
		SessionID: s.SessionID,
		Timestamp: ts,
	})
	if err != nil {
		return fmt.Errorf("marshal address: %w", err)
	}

	pipe := r.rdb.Pipeline()
	pipe.Set(ctx, keyPhonePrefix+s.MSISDN, sv, r.ttl)
	pipe.Set(ctx, keyIMSIPrefix+s.SubscriberID, sv, r.ttl)
	pipe.Set(ctx, keyIPPrefix+s.PrivateIP, av, r.ttl)
	pipe.SAdd(ctx, keyActiveSet, s.SessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("replica upsert: %w", err)
	}
	return nil
}

// DropAddress removes a stale reverse-lookup key after an address change.
func (r *RedisReplica) DropAddress(ctx context.Context, privateIP string) error {
	if err := r.rdb.Del(ctx, keyIPPrefix+privateIP).Err(); err != nil {
		return fmt.Errorf("replica drop address: %w", err)
	}
	return nil
}

// RemoveSession deletes every key for the session and deregisters its id.
func (r *RedisReplica) RemoveSession(ctx context.Context, s model.Session) error {
	pipe := r.rdb.Pipeline()
	pipe.Del(ctx, keyPhonePrefix+s.MSISDN)
	pipe.Del(ctx, keyIMSIPrefix+s.SubscriberID)
	pipe.Del(ctx, keyIPPrefix+s.PrivateIP)
	pipe.SRem(ctx, keyActiveSet, s.SessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("replica remove: %w", err)
	}
	return nil
}

// ActiveSessionCount reports the replica's view of active sessions.
func (r *RedisReplica) ActiveSessionCount(ctx context.Context) (int64, error) {
	return r.rdb.SCard(ctx, keyActiveSet).Result()
}
