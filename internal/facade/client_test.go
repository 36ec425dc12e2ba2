package facade

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ashmanpan/perental-controle-demo/internal/model"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, 5*time.Second, zaptest.NewLogger(t))
}

func blockRequest() CreateBlockRequest {
	return CreateBlockRequest{
		SourceIP: "10.0.0.5",
		AppName:  "TikTok",
		Ports:    []model.PortRule{{Protocol: "TCP", Port: 443}},
		MSISDN:   "+15551234567",
		RuleName: "PARENTAL_BLOCK_15551234567_TikTok",
	}
}

func TestClient_CreateBlock(t *testing.T) {
	var gotBody CreateBlockRequest
	var gotKey string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/rules/block", r.URL.Path)
		gotKey = r.Header.Get(HeaderIdempotencyKey)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(CreateBlockResponse{RuleID: "r-123", RuleName: gotBody.RuleName})
	})

	resp, err := c.CreateBlock(context.Background(), blockRequest(), "idem-abc")
	require.NoError(t, err)
	assert.Equal(t, "r-123", resp.RuleID)
	assert.Equal(t, "idem-abc", gotKey)
	assert.Equal(t, "10.0.0.5", gotBody.SourceIP)
	assert.Equal(t, 443, gotBody.Ports[0].Port)
}

func TestClient_UpdateBlock(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/api/v1/rules/r-123", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "10.0.0.9", body["newSourceIP"])
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, c.UpdateBlock(context.Background(), "r-123", "10.0.0.9", "idem-upd"))
}

func TestClient_DeleteBlock(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/api/v1/rules/r-123", r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})
	require.NoError(t, c.DeleteBlock(context.Background(), "r-123", "idem-del"))
}

func TestClient_Verify(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   bool
	}{
		{"active rule", http.StatusOK, `{"status":"active"}`, true},
		{"disabled rule", http.StatusOK, `{"status":"disabled"}`, false},
		{"missing rule", http.StatusNotFound, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			exists, err := c.Verify(context.Background(), "r-123")
			require.NoError(t, err)
			assert.Equal(t, tt.want, exists)
		})
	}
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		want   model.ErrorKind
	}{
		{http.StatusNotFound, model.KindNotFound},
		{http.StatusConflict, model.KindConflict},
		{http.StatusTooManyRequests, model.KindRateLimited},
		{http.StatusUnauthorized, model.KindFatal},
		{http.StatusForbidden, model.KindFatal},
		{http.StatusBadRequest, model.KindMalformed},
		{http.StatusUnprocessableEntity, model.KindMalformed},
		{http.StatusInternalServerError, model.KindTransient},
		{http.StatusBadGateway, model.KindTransient},
		{http.StatusServiceUnavailable, model.KindTransient},
	}
	for _, tt := range tests {
		c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(tt.status)
		})
		_, err := c.CreateBlock(context.Background(), blockRequest(), "k")
		require.Error(t, err, "HTTP %d", tt.status)
		assert.Equal(t, tt.want, model.KindOf(err), "HTTP %d", tt.status)
	}
}

func TestClient_RateLimitCarriesRetryAfter(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	_, err := c.CreateBlock(context.Background(), blockRequest(), "k")
	require.Error(t, err)
	assert.Equal(t, model.KindRateLimited, model.KindOf(err))
	assert.Equal(t, 7*time.Second, model.RetryAfterOf(err))
}

func TestClient_ConnectionFailureIsTransient(t *testing.T) {
	// Point at a closed server.
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c := NewClient(srv.URL, time.Second, zaptest.NewLogger(t))

	err := c.Health(context.Background())
	require.Error(t, err)
	assert.Equal(t, model.KindTransient, model.KindOf(err))
}
