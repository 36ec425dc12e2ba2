package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ashmanpan/perental-controle-demo/internal/model"
	"github.com/ashmanpan/perental-controle-demo/internal/sessionindex"
)

// ── stubs ─────────────────────────────────────────────────────────────────

type stubResolver struct {
	rules []model.ResolvedRule
	err   error
}

func (s *stubResolver) Resolve(context.Context, string, time.Time) ([]model.ResolvedRule, error) {
	return s.rules, s.err
}

type stubSink struct {
	mu    sync.Mutex
	tasks []*model.Task
	err   error
}

func (s *stubSink) Enqueue(_ context.Context, task *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.tasks = append(s.tasks, task)
	return nil
}

func (s *stubSink) all() []*model.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*model.Task(nil), s.tasks...)
}

func tiktokRule() model.ResolvedRule {
	return model.ResolvedRule{
		PolicyID: "pol-1",
		AppName:  "TikTok",
		Ports:    []model.PortRule{{Protocol: "TCP", Port: 443}},
	}
}

func newConsumer(t *testing.T, r Resolver, s Sink) (*SessionConsumer, *sessionindex.Index) {
	t.Helper()
	ix := sessionindex.New(4, time.Hour, zaptest.NewLogger(t))
	c := NewSessionConsumer(nil, ix, r, s, "sessions.>", "test-durable", zaptest.NewLogger(t))
	return c, ix
}

func marshal(t *testing.T, e sessionEvent) []byte {
	t.Helper()
	data, err := json.Marshal(e)
	require.NoError(t, err)
	return data
}

func startEvent() sessionEvent {
	return sessionEvent{
		EventType:    EventSessionStart,
		SessionID:    "sess-1",
		SubscriberID: "404101234567890",
		MSISDN:       "+15551234567",
		PrivateIP:    "10.0.0.5",
		PublicIP:     "203.0.113.5",
		Timestamp:    time.Now(),
	}
}

func ipChangeEvent() sessionEvent {
	return sessionEvent{
		EventType:    EventIPChange,
		SessionID:    "sess-1",
		SubscriberID: "404101234567890",
		MSISDN:       "+15551234567",
		OldPrivateIP: "10.0.0.5",
		NewPrivateIP: "10.0.0.99",
		OldPublicIP:  "203.0.113.5",
		NewPublicIP:  "203.0.113.99",
		Timestamp:    time.Now(),
	}
}

// ── SESSION_START ─────────────────────────────────────────────────────────

func TestConsumer_SessionStartIndexesAndQueuesInstall(t *testing.T) {
	sink := &stubSink{}
	c, ix := newConsumer(t, &stubResolver{rules: []model.ResolvedRule{tiktokRule()}}, sink)

	require.NoError(t, c.processEvent(context.Background(), marshal(t, startEvent())))

	s, ok := ix.LookupByPhone("+15551234567")
	require.True(t, ok)
	assert.Equal(t, "sess-1", s.SessionID)

	tasks := sink.all()
	require.Len(t, tasks, 1)
	assert.Equal(t, model.KindInstall, tasks[0].Kind)
	assert.Equal(t, "10.0.0.5", tasks[0].CurrentIP)
	assert.Equal(t, "TikTok", tasks[0].Policies[0].AppName)
}

func TestConsumer_SessionStartWithoutPoliciesStillIndexes(t *testing.T) {
	sink := &stubSink{}
	c, ix := newConsumer(t, &stubResolver{}, sink)

	require.NoError(t, c.processEvent(context.Background(), marshal(t, startEvent())))
	_, ok := ix.LookupByPhone("+15551234567")
	assert.True(t, ok, "session tracked even with no enforceable policies")
	assert.Empty(t, sink.all(), "no task when nothing is enforceable")
}

// ── IP_CHANGE ─────────────────────────────────────────────────────────────

func TestConsumer_IPChangeQueuesMigrate(t *testing.T) {
	sink := &stubSink{}
	c, ix := newConsumer(t, &stubResolver{rules: []model.ResolvedRule{tiktokRule()}}, sink)
	ctx := context.Background()

	require.NoError(t, c.processEvent(ctx, marshal(t, startEvent())))
	require.NoError(t, c.processEvent(ctx, marshal(t, ipChangeEvent())))

	tasks := sink.all()
	require.Len(t, tasks, 2)
	migrate := tasks[1]
	assert.Equal(t, model.KindMigrate, migrate.Kind)
	assert.Equal(t, "10.0.0.99", migrate.CurrentIP)
	assert.Equal(t, "10.0.0.5", migrate.PreviousIP, "previous address comes from the index")

	s, ok := ix.LookupByAddress("10.0.0.99")
	require.True(t, ok)
	assert.Equal(t, "sess-1", s.SessionID)
	_, ok = ix.LookupByAddress("10.0.0.5")
	assert.False(t, ok, "old address freed")
}

func TestConsumer_IPChangeUnknownSessionStillMigrates(t *testing.T) {
	sink := &stubSink{}
	c, _ := newConsumer(t, &stubResolver{rules: []model.ResolvedRule{tiktokRule()}}, sink)

	require.NoError(t, c.processEvent(context.Background(), marshal(t, ipChangeEvent())))

	tasks := sink.all()
	require.Len(t, tasks, 1)
	assert.Equal(t, model.KindMigrate, tasks[0].Kind)
	assert.Equal(t, "10.0.0.5", tasks[0].PreviousIP, "previous address falls back to the envelope")
}

func TestConsumer_IPChangeOutsideWindowStillMigrates(t *testing.T) {
	// Policy window closed between install and the address change: nothing is
	// admissible right now, but rules installed earlier must still follow the
	// subscriber to the new address.
	sink := &stubSink{}
	c, _ := newConsumer(t, &stubResolver{}, sink)
	ctx := context.Background()

	require.NoError(t, c.processEvent(ctx, marshal(t, startEvent())))
	require.NoError(t, c.processEvent(ctx, marshal(t, ipChangeEvent())))

	tasks := sink.all()
	require.Len(t, tasks, 1, "no INSTALL at start, but the MIGRATE must go out")
	assert.Equal(t, model.KindMigrate, tasks[0].Kind)
	assert.Equal(t, "10.0.0.99", tasks[0].CurrentIP)
	assert.Equal(t, "10.0.0.5", tasks[0].PreviousIP)
	assert.Empty(t, tasks[0].Policies)
}

// ── SESSION_END ───────────────────────────────────────────────────────────

func TestConsumer_SessionEndQueuesRemoveAndEvicts(t *testing.T) {
	sink := &stubSink{}
	c, ix := newConsumer(t, &stubResolver{rules: []model.ResolvedRule{tiktokRule()}}, sink)
	ctx := context.Background()

	require.NoError(t, c.processEvent(ctx, marshal(t, startEvent())))

	end := sessionEvent{EventType: EventSessionEnd, SessionID: "sess-1", MSISDN: "+15551234567"}
	require.NoError(t, c.processEvent(ctx, marshal(t, end)))

	tasks := sink.all()
	require.Len(t, tasks, 2)
	remove := tasks[1]
	assert.Equal(t, model.KindRemove, remove.Kind)
	assert.Equal(t, "+15551234567", remove.MSISDN, "identity recovered from the index")
	assert.Equal(t, "10.0.0.5", remove.CurrentIP)

	_, ok := ix.LookupByPhone("+15551234567")
	assert.False(t, ok)
}

func TestConsumer_SessionEndRemoveIgnoresPolicyState(t *testing.T) {
	// No enforceable policies right now, but installed rules must still go.
	sink := &stubSink{}
	c, _ := newConsumer(t, &stubResolver{}, sink)
	ctx := context.Background()

	require.NoError(t, c.processEvent(ctx, marshal(t, startEvent())))
	end := sessionEvent{EventType: EventSessionEnd, SessionID: "sess-1", MSISDN: "+15551234567"}
	require.NoError(t, c.processEvent(ctx, marshal(t, end)))

	tasks := sink.all()
	require.Len(t, tasks, 1)
	assert.Equal(t, model.KindRemove, tasks[0].Kind)
}

func TestConsumer_SessionEndUnknownWithPhoneStillTearsDown(t *testing.T) {
	sink := &stubSink{}
	c, _ := newConsumer(t, &stubResolver{}, sink)

	end := sessionEvent{
		EventType:    EventSessionEnd,
		SessionID:    "sess-ghost",
		SubscriberID: "404101234567890",
		MSISDN:       "+15551234567",
		PrivateIP:    "10.0.0.5",
	}
	require.NoError(t, c.processEvent(context.Background(), marshal(t, end)))

	tasks := sink.all()
	require.Len(t, tasks, 1)
	assert.Equal(t, model.KindRemove, tasks[0].Kind)
	assert.Equal(t, "+15551234567", tasks[0].MSISDN)
}

// ── poison pills and transients ───────────────────────────────────────────

func TestConsumer_MalformedEventsArePoisonPills(t *testing.T) {
	c, _ := newConsumer(t, &stubResolver{}, &stubSink{})
	ctx := context.Background()

	var poison *poisonPillError
	tests := []struct {
		name string
		data []byte
	}{
		{"invalid JSON", []byte(`{not json`)},
		{"empty event type", marshal(t, sessionEvent{SessionID: "s", MSISDN: "+1555"})},
		{"unknown event type", marshal(t, sessionEvent{
			EventType: "SESSION_PAUSE", SessionID: "s", MSISDN: "+1555",
		})},
		{"start without phone", marshal(t, sessionEvent{
			EventType: EventSessionStart, SessionID: "s", SubscriberID: "404", PrivateIP: "10.0.0.1",
		})},
		{"change without new address", marshal(t, sessionEvent{
			EventType: EventIPChange, SessionID: "s", SubscriberID: "404", MSISDN: "+1555",
		})},
		{"end without session id", marshal(t, sessionEvent{EventType: EventSessionEnd, MSISDN: "+1555"})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.processEvent(ctx, tt.data)
			require.Error(t, err)
			assert.ErrorAs(t, err, &poison)
		})
	}
}

func TestConsumer_ResolverFailureIsTransient(t *testing.T) {
	c, _ := newConsumer(t, &stubResolver{err: model.Transient(errors.New("policy store down"))}, &stubSink{})

	err := c.processEvent(context.Background(), marshal(t, startEvent()))
	require.Error(t, err)
	var poison *poisonPillError
	assert.False(t, errors.As(err, &poison), "transient failures must be NAKed, not terminated")
}

func TestConsumer_BackpressurePropagatesForRedelivery(t *testing.T) {
	sink := &stubSink{err: model.Transient(errors.New("dispatch queue full"))}
	c, _ := newConsumer(t, &stubResolver{rules: []model.ResolvedRule{tiktokRule()}}, sink)

	err := c.processEvent(context.Background(), marshal(t, startEvent()))
	require.Error(t, err)
	var poison *poisonPillError
	assert.False(t, errors.As(err, &poison))
}

// ── TTL sweep ─────────────────────────────────────────────────────────────

func TestConsumer_SweeperQueuesRemoveForExpiredSessions(t *testing.T) {
	sink := &stubSink{}
	ix := sessionindex.New(4, time.Minute, zaptest.NewLogger(t))
	c := NewSessionConsumer(nil, ix, &stubResolver{}, sink, "sessions.>", "test-durable", zaptest.NewLogger(t))

	stale := model.Session{
		SessionID:    "sess-stale",
		SubscriberID: "404101234567890",
		MSISDN:       "+15551234567",
		PrivateIP:    "10.0.0.5",
		CreatedAt:    time.Now().Add(-time.Hour),
		LastSeenAt:   time.Now().Add(-time.Hour),
	}
	ix.UpsertStart(context.Background(), stale)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.RunSweeper(ctx, 10*time.Millisecond)

	require.Eventually(t, func() bool { return len(sink.all()) == 1 },
		2*time.Second, 10*time.Millisecond)
	task := sink.all()[0]
	assert.Equal(t, model.KindRemove, task.Kind)
	assert.Equal(t, "+15551234567", task.MSISDN)
	_, ok := ix.LookupByPhone("+15551234567")
	assert.False(t, ok)
}
