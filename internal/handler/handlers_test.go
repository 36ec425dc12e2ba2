package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap/zaptest"

	"github.com/ashmanpan/perental-controle-demo/internal/consumer"
	"github.com/ashmanpan/perental-controle-demo/internal/dispatch"
	"github.com/ashmanpan/perental-controle-demo/internal/model"
	"github.com/ashmanpan/perental-controle-demo/internal/policy"
	"github.com/ashmanpan/perental-controle-demo/internal/repository/db/mocks"
	"github.com/ashmanpan/perental-controle-demo/internal/sessionindex"
)

type stubPinger struct{ err error }

func (s *stubPinger) Ping(context.Context) error { return s.err }

type noopExecutor struct{}

func (noopExecutor) Execute(context.Context, *model.Task) error { return nil }

type fixture struct {
	e     *echo.Echo
	index *sessionindex.Index
	store *mocks.MockQuerier
	ping  *stubPinger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	ctrl := gomock.NewController(t)
	store := mocks.NewMockQuerier(ctrl)

	ix := sessionindex.New(4, time.Hour, logger)
	resolver := policy.NewResolver(store, time.Minute, logger)
	disp := dispatch.New(noopExecutor{}, dispatch.Options{
		Workers: 1, QueueCap: 8, MaxRetries: 1, BackpressureTimeout: time.Second,
	}, logger)
	cons := consumer.NewSessionConsumer(nil, ix, resolver, disp, "sessions.>", "test", logger)
	ping := &stubPinger{}

	e := echo.New()
	New(ix, resolver, disp, cons, store, ping, logger).Register(e)
	return &fixture{e: e, index: ix, store: store, ping: ping}
}

func (f *fixture) do(method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func TestHandler_Healthz(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandler_ReadyzReflectsDatabase(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/readyz").Code)

	f.ping.err = errors.New("connection refused")
	assert.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodGet, "/readyz").Code)
}

func TestHandler_GetSession(t *testing.T) {
	f := newFixture(t)
	f.index.UpsertStart(context.Background(), model.Session{
		SessionID:    "sess-1",
		SubscriberID: "404101234567890",
		MSISDN:       "+15551234567",
		PrivateIP:    "10.0.0.5",
		PublicIP:     "203.0.113.5",
		Status:       model.SessionActive,
	})

	rec := f.do(http.MethodGet, "/api/v1/sessions/+15551234567")
	require.Equal(t, http.StatusOK, rec.Code)
	var got sessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, "10.0.0.5", got.PrivateIP)

	rec = f.do(http.MethodGet, "/api/v1/sessions/+19990000000")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_GetMappings(t *testing.T) {
	f := newFixture(t)
	f.store.EXPECT().
		ListRuleMappings(gomock.Any(), "+15551234567").
		Return([]model.RuleMapping{{
			MSISDN: "+15551234567", RuleID: "r-1",
			RuleName: "PARENTAL_BLOCK_15551234567_TikTok",
			Address:  "10.0.0.5", AppName: "TikTok", Status: model.MappingActive,
		}}, nil)

	rec := f.do(http.MethodGet, "/api/v1/mappings/+15551234567")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "r-1")

	f.store.EXPECT().
		ListRuleMappings(gomock.Any(), "+15551234567").
		Return(nil, errors.New("db down"))
	rec = f.do(http.MethodGet, "/api/v1/mappings/+15551234567")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandler_GetStats(t *testing.T) {
	f := newFixture(t)
	f.index.UpsertStart(context.Background(), model.Session{
		SessionID: "sess-1", SubscriberID: "404", MSISDN: "+1555", PrivateIP: "10.0.0.1",
	})

	rec := f.do(http.MethodGet, "/api/v1/stats")
	require.Equal(t, http.StatusOK, rec.Code)
	var got statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 1, got.ActiveSessions)
}

func TestHandler_InvalidatePolicyCache(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodDelete, "/api/v1/policy-cache/+15551234567")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalidated")
}
