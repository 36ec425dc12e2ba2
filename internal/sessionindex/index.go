// Package sessionindex maintains the in-memory bidirectional mapping
// between subscribers and their data sessions: msisdn ↔ session,
// imsi ↔ session, private address ↔ session.
//
// The index is sharded by hash(subscriberID); each shard carries its own
// RWMutex so multi-key updates for one subscriber serialize on a single
// shard while unrelated subscribers proceed in parallel. All operations
// are infallible in memory. An optional Replica mirrors writes to an
// external store on a best-effort basis.
package sessionindex

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ashmanpan/perental-controle-demo/internal/model"
)

// ErrNoActiveSession is returned when an operation requires an ACTIVE
// session that does not exist.
var ErrNoActiveSession = errors.New("sessionindex: no active session")

// Replica receives best-effort copies of index mutations. Implementations
// must be safe for concurrent use. Errors are logged and ignored; the
// in-memory index is always the source of truth.
type Replica interface {
	UpsertSession(ctx context.Context, s model.Session) error
	DropAddress(ctx context.Context, privateIP string) error
	RemoveSession(ctx context.Context, s model.Session) error
}

type shard struct {
	mu        sync.RWMutex
	byPhone   map[string]*model.Session
	byIMSI    map[string]*model.Session
	byAddress map[string]*model.Session // keyed by private IP
	bySession map[string]*model.Session
}

func newShard() *shard {
	return &shard{
		byPhone:   make(map[string]*model.Session),
		byIMSI:    make(map[string]*model.Session),
		byAddress: make(map[string]*model.Session),
		bySession: make(map[string]*model.Session),
	}
}

// Index is the sharded session store.
type Index struct {
	shards  []*shard
	ttl     time.Duration
	replica Replica
	logger  *zap.Logger
}

// Option configures an Index.
type Option func(*Index)

// WithReplica attaches a best-effort external replica.
func WithReplica(r Replica) Option {
	return func(ix *Index) { ix.replica = r }
}

// New creates an Index with the given shard count and session TTL.
func New(shards int, ttl time.Duration, logger *zap.Logger, opts ...Option) *Index {
	if shards < 1 {
		shards = 1
	}
	ix := &Index{
		shards: make([]*shard, shards),
		ttl:    ttl,
		logger: logger,
	}
	for i := range ix.shards {
		ix.shards[i] = newShard()
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

func (ix *Index) shardFor(subscriberID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(subscriberID))
	return ix.shards[int(h.Sum32())%len(ix.shards)]
}

// UpsertStart inserts or replaces the ACTIVE session for a subscriber.
// Any prior session for the same subscriber is displaced and its address
// keys freed, preserving the one-active-session-per-address invariant.
// A recycled private address still held by another subscriber evicts that
// subscriber's session: the gateway reassigned the address, so the old
// binding is stale by definition.
func (ix *Index) UpsertStart(ctx context.Context, s model.Session) {
	s.Status = model.SessionActive
	if s.LastSeenAt.Before(s.CreatedAt) {
		s.LastSeenAt = s.CreatedAt
	}

	if stale, ok := ix.evictAddress(s.PrivateIP, s.SubscriberID); ok {
		ix.logger.Warn("private address reassigned, evicting stale session",
			zap.String("address", s.PrivateIP),
			zap.String("stale_msisdn", stale.MSISDN),
			zap.String("msisdn", s.MSISDN),
		)
		ix.mirrorRemove(ctx, stale)
	}

	sh := ix.shardFor(s.SubscriberID)
	sh.mu.Lock()
	if prev, ok := sh.byIMSI[s.SubscriberID]; ok {
		sh.removeLocked(prev)
	}
	cp := s
	sh.byPhone[cp.MSISDN] = &cp
	sh.byIMSI[cp.SubscriberID] = &cp
	sh.byAddress[cp.PrivateIP] = &cp
	sh.bySession[cp.SessionID] = &cp
	sh.mu.Unlock()

	ix.mirrorUpsert(ctx, s)
}

// MigrateAddress rebinds the subscriber's ACTIVE session to new addresses
// and returns the previous private and public addresses.
func (ix *Index) MigrateAddress(ctx context.Context, subscriberID, newPrivateIP, newPublicIP string, ts time.Time) (oldPrivate, oldPublic string, err error) {
	sh := ix.shardFor(subscriberID)
	sh.mu.Lock()
	s, ok := sh.byIMSI[subscriberID]
	if !ok || s.Status != model.SessionActive {
		sh.mu.Unlock()
		return "", "", ErrNoActiveSession
	}

	oldPrivate, oldPublic = s.PrivateIP, s.PublicIP
	delete(sh.byAddress, s.PrivateIP)
	s.PrivateIP = newPrivateIP
	s.PublicIP = newPublicIP
	if ts.After(s.LastSeenAt) {
		s.LastSeenAt = ts
	}
	sh.byAddress[newPrivateIP] = s
	snapshot := *s
	sh.mu.Unlock()

	ix.mirrorMigrate(ctx, snapshot, oldPrivate)
	return oldPrivate, oldPublic, nil
}

// Terminate marks the session TERMINATED, removes all secondary keys, and
// returns the evicted session.
func (ix *Index) Terminate(ctx context.Context, sessionID string) (model.Session, error) {
	// Shards are keyed by subscriber; probe each shard's session map.
	for _, sh := range ix.shards {
		sh.mu.Lock()
		s, ok := sh.bySession[sessionID]
		if !ok {
			sh.mu.Unlock()
			continue
		}
		sh.removeLocked(s)
		s.Status = model.SessionTerminated
		evicted := *s
		sh.mu.Unlock()

		ix.mirrorRemove(ctx, evicted)
		return evicted, nil
	}
	return model.Session{}, ErrNoActiveSession
}

// evictAddress drops whichever other subscriber's session currently holds
// addr. Shards are keyed by subscriber, so the holder may live in any shard.
func (ix *Index) evictAddress(addr, subscriberID string) (model.Session, bool) {
	for _, sh := range ix.shards {
		sh.mu.Lock()
		s, ok := sh.byAddress[addr]
		if ok && s.SubscriberID != subscriberID {
			sh.removeLocked(s)
			s.Status = model.SessionTerminated
			evicted := *s
			sh.mu.Unlock()
			return evicted, true
		}
		sh.mu.Unlock()
	}
	return model.Session{}, false
}

// removeLocked deletes every key pointing at s. Caller holds the shard lock.
func (sh *shard) removeLocked(s *model.Session) {
	delete(sh.byPhone, s.MSISDN)
	delete(sh.byIMSI, s.SubscriberID)
	delete(sh.byAddress, s.PrivateIP)
	delete(sh.bySession, s.SessionID)
}

// LookupByPhone returns the ACTIVE session for an MSISDN.
func (ix *Index) LookupByPhone(msisdn string) (model.Session, bool) {
	for _, sh := range ix.shards {
		sh.mu.RLock()
		s, ok := sh.byPhone[msisdn]
		if ok {
			cp := *s
			sh.mu.RUnlock()
			return cp, true
		}
		sh.mu.RUnlock()
	}
	return model.Session{}, false
}

// LookupBySubscriber returns the ACTIVE session for an IMSI.
func (ix *Index) LookupBySubscriber(subscriberID string) (model.Session, bool) {
	sh := ix.shardFor(subscriberID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	if s, ok := sh.byIMSI[subscriberID]; ok {
		return *s, true
	}
	return model.Session{}, false
}

// LookupByAddress returns the ACTIVE session bound to a private address.
func (ix *Index) LookupByAddress(addr string) (model.Session, bool) {
	for _, sh := range ix.shards {
		sh.mu.RLock()
		s, ok := sh.byAddress[addr]
		if ok {
			cp := *s
			sh.mu.RUnlock()
			return cp, true
		}
		sh.mu.RUnlock()
	}
	return model.Session{}, false
}

// SweepExpired evicts sessions unseen for longer than the TTL and returns
// the evicted set for downstream cleanup.
func (ix *Index) SweepExpired(ctx context.Context, now time.Time) []model.Session {
	cutoff := now.Add(-ix.ttl)
	var evicted []model.Session

	for _, sh := range ix.shards {
		sh.mu.Lock()
		for _, s := range sh.byIMSI {
			if s.LastSeenAt.Before(cutoff) {
				sh.removeLocked(s)
				s.Status = model.SessionTerminated
				evicted = append(evicted, *s)
			}
		}
		sh.mu.Unlock()
	}

	for _, s := range evicted {
		ix.mirrorRemove(ctx, s)
	}
	if len(evicted) > 0 {
		ix.logger.Info("session sweep evicted expired sessions", zap.Int("count", len(evicted)))
	}
	return evicted
}

// Len reports the number of active sessions (stats endpoint).
func (ix *Index) Len() int {
	n := 0
	for _, sh := range ix.shards {
		sh.mu.RLock()
		n += len(sh.byIMSI)
		sh.mu.RUnlock()
	}
	return n
}

// Replica mirroring is best-effort: failures degrade to in-memory only.

func (ix *Index) mirrorUpsert(ctx context.Context, s model.Session) {
	if ix.replica == nil {
		return
	}
	if err := ix.replica.UpsertSession(ctx, s); err != nil {
		ix.logger.Warn("session replica upsert failed; continuing in-memory only",
			zap.String("msisdn", s.MSISDN), zap.Error(err))
	}
}

func (ix *Index) mirrorMigrate(ctx context.Context, s model.Session, oldPrivateIP string) {
	if ix.replica == nil {
		return
	}
	if err := ix.replica.DropAddress(ctx, oldPrivateIP); err != nil {
		ix.logger.Warn("session replica old-address cleanup failed",
			zap.String("msisdn", s.MSISDN), zap.Error(err))
	}
	if err := ix.replica.UpsertSession(ctx, s); err != nil {
		ix.logger.Warn("session replica migrate failed; continuing in-memory only",
			zap.String("msisdn", s.MSISDN), zap.Error(err))
	}
}

func (ix *Index) mirrorRemove(ctx context.Context, s model.Session) {
	if ix.replica == nil {
		return
	}
	if err := ix.replica.RemoveSession(ctx, s); err != nil {
		ix.logger.Warn("session replica remove failed; continuing in-memory only",
			zap.String("msisdn", s.MSISDN), zap.Error(err))
	}
}
