package sessionindex

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ashmanpan/perental-controle-demo/internal/model"
)

func newSession(n int) model.Session {
	return model.Session{
		SessionID:    fmt.Sprintf("sess-%d", n),
		SubscriberID: fmt.Sprintf("40410000000%d", n),
		MSISDN:       fmt.Sprintf("+1555000%04d", n),
		PrivateIP:    fmt.Sprintf("10.0.0.%d", n),
		PublicIP:     fmt.Sprintf("203.0.113.%d", n),
		CreatedAt:    time.Now(),
		LastSeenAt:   time.Now(),
	}
}

func TestIndex_UpsertAndLookups(t *testing.T) {
	ix := New(4, time.Hour, zaptest.NewLogger(t))
	s := newSession(1)
	ix.UpsertStart(context.Background(), s)

	got, ok := ix.LookupByPhone(s.MSISDN)
	require.True(t, ok)
	assert.Equal(t, s.SessionID, got.SessionID)
	assert.Equal(t, model.SessionActive, got.Status)

	got, ok = ix.LookupBySubscriber(s.SubscriberID)
	require.True(t, ok)
	assert.Equal(t, s.PrivateIP, got.PrivateIP)

	got, ok = ix.LookupByAddress(s.PrivateIP)
	require.True(t, ok)
	assert.Equal(t, s.MSISDN, got.MSISDN)
}

func TestIndex_UpsertReplacesPriorSession(t *testing.T) {
	// A replay of SESSION_START for the same subscriber must free the old
	// address so at most one active session maps to any address.
	ix := New(4, time.Hour, zaptest.NewLogger(t))
	ctx := context.Background()

	s1 := newSession(1)
	ix.UpsertStart(ctx, s1)

	s2 := s1
	s2.SessionID = "sess-replacement"
	s2.PrivateIP = "10.0.0.99"
	ix.UpsertStart(ctx, s2)

	_, ok := ix.LookupByAddress(s1.PrivateIP)
	assert.False(t, ok, "old address must be freed")

	got, ok := ix.LookupByAddress("10.0.0.99")
	require.True(t, ok)
	assert.Equal(t, "sess-replacement", got.SessionID)
	assert.Equal(t, 1, ix.Len())
}

func TestIndex_AddressReuseAcrossSubscribersEvictsStaleHolder(t *testing.T) {
	// The gateway reassigned one subscriber's private address to another
	// without a SESSION_END in between. The new binding wins; the stale
	// session must disappear from every lookup, whichever shard held it.
	ix := New(8, time.Hour, zaptest.NewLogger(t))
	ctx := context.Background()

	a := newSession(1)
	ix.UpsertStart(ctx, a)

	b := newSession(2)
	b.PrivateIP = a.PrivateIP
	ix.UpsertStart(ctx, b)

	got, ok := ix.LookupByAddress(a.PrivateIP)
	require.True(t, ok)
	assert.Equal(t, b.SessionID, got.SessionID, "the address belongs to the new session")

	_, ok = ix.LookupByPhone(a.MSISDN)
	assert.False(t, ok, "stale holder fully evicted")
	_, ok = ix.LookupBySubscriber(a.SubscriberID)
	assert.False(t, ok)
	assert.Equal(t, 1, ix.Len())
}

func TestIndex_MigrateAddress(t *testing.T) {
	ix := New(4, time.Hour, zaptest.NewLogger(t))
	ctx := context.Background()
	s := newSession(2)
	ix.UpsertStart(ctx, s)

	oldPriv, oldPub, err := ix.MigrateAddress(ctx, s.SubscriberID, "10.0.9.9", "203.0.113.99", time.Now())
	require.NoError(t, err)
	assert.Equal(t, s.PrivateIP, oldPriv)
	assert.Equal(t, s.PublicIP, oldPub)

	_, ok := ix.LookupByAddress(s.PrivateIP)
	assert.False(t, ok)

	got, ok := ix.LookupByAddress("10.0.9.9")
	require.True(t, ok)
	assert.Equal(t, s.SessionID, got.SessionID)
	assert.Equal(t, "203.0.113.99", got.PublicIP)
}

func TestIndex_MigrateWithoutSession(t *testing.T) {
	ix := New(4, time.Hour, zaptest.NewLogger(t))
	_, _, err := ix.MigrateAddress(context.Background(), "404999", "10.0.0.1", "203.0.113.1", time.Now())
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestIndex_Terminate(t *testing.T) {
	ix := New(4, time.Hour, zaptest.NewLogger(t))
	ctx := context.Background()
	s := newSession(3)
	ix.UpsertStart(ctx, s)

	evicted, err := ix.Terminate(ctx, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionTerminated, evicted.Status)

	_, ok := ix.LookupByPhone(s.MSISDN)
	assert.False(t, ok)
	_, ok = ix.LookupByAddress(s.PrivateIP)
	assert.False(t, ok)
	assert.Equal(t, 0, ix.Len())

	_, err = ix.Terminate(ctx, s.SessionID)
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestIndex_SweepExpired(t *testing.T) {
	ix := New(4, time.Minute, zaptest.NewLogger(t))
	ctx := context.Background()

	stale := newSession(4)
	stale.LastSeenAt = time.Now().Add(-10 * time.Minute)
	stale.CreatedAt = stale.LastSeenAt
	ix.UpsertStart(ctx, stale)

	fresh := newSession(5)
	ix.UpsertStart(ctx, fresh)

	evicted := ix.SweepExpired(ctx, time.Now())
	require.Len(t, evicted, 1)
	assert.Equal(t, stale.SessionID, evicted[0].SessionID)

	_, ok := ix.LookupByPhone(stale.MSISDN)
	assert.False(t, ok)
	_, ok = ix.LookupByPhone(fresh.MSISDN)
	assert.True(t, ok)
}

func TestIndex_AddressUniquenessUnderConcurrency(t *testing.T) {
	// Hammer the index from many goroutines and verify no address ever maps
	// to more than one active session.
	ix := New(8, time.Hour, zaptest.NewLogger(t))
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s := newSession(n)
			for j := 0; j < 20; j++ {
				ix.UpsertStart(ctx, s)
				_, _, _ = ix.MigrateAddress(ctx, s.SubscriberID,
					fmt.Sprintf("10.1.%d.%d", n, j), s.PublicIP, time.Now())
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, ix.Len())
	seen := make(map[string]string)
	for i := 0; i < 50; i++ {
		s, ok := ix.LookupBySubscriber(fmt.Sprintf("40410000000%d", i))
		require.True(t, ok)
		prev, dup := seen[s.PrivateIP]
		require.False(t, dup, "address %s claimed by both %s and %s", s.PrivateIP, prev, s.SessionID)
		seen[s.PrivateIP] = s.SessionID
	}
}

// failingReplica always errors; the index must keep working.
type failingReplica struct{ calls int }

func (f *failingReplica) UpsertSession(context.Context, model.Session) error {
	f.calls++
	return fmt.Errorf("replica down")
}
func (f *failingReplica) DropAddress(context.Context, string) error {
	f.calls++
	return fmt.Errorf("replica down")
}
func (f *failingReplica) RemoveSession(context.Context, model.Session) error {
	f.calls++
	return fmt.Errorf("replica down")
}

func TestIndex_ReplicaFailureDegrades(t *testing.T) {
	rep := &failingReplica{}
	ix := New(2, time.Hour, zaptest.NewLogger(t), WithReplica(rep))
	ctx := context.Background()

	s := newSession(6)
	ix.UpsertStart(ctx, s)
	_, ok := ix.LookupByPhone(s.MSISDN)
	assert.True(t, ok, "in-memory index must survive replica failure")
	assert.Positive(t, rep.calls)
}
