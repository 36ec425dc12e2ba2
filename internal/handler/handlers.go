// Package handler exposes the enforcer's operational HTTP surface: health
// and readiness probes plus a small read-mostly ops API for inspecting
// sessions, rule mappings and pipeline counters.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/ashmanpan/perental-controle-demo/internal/consumer"
	"github.com/ashmanpan/perental-controle-demo/internal/dispatch"
	"github.com/ashmanpan/perental-controle-demo/internal/policy"
	"github.com/ashmanpan/perental-controle-demo/internal/repository/db"
	"github.com/ashmanpan/perental-controle-demo/internal/sessionindex"
)

// Pinger reports downstream liveness. The composition root passes a probe
// covering every dependency the pipeline cannot run without.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler wires the ops endpoints to the pipeline components.
type Handler struct {
	index      *sessionindex.Index
	resolver   *policy.Resolver
	dispatcher *dispatch.Dispatcher
	consumer   *consumer.SessionConsumer
	querier    db.Querier
	dbPing     Pinger
	logger     *zap.Logger
}

// New constructs a Handler.
func New(ix *sessionindex.Index, r *policy.Resolver, d *dispatch.Dispatcher, c *consumer.SessionConsumer, q db.Querier, ping Pinger, logger *zap.Logger) *Handler {
	return &Handler{
		index:      ix,
		resolver:   r,
		dispatcher: d,
		consumer:   c,
		querier:    q,
		dbPing:     ping,
		logger:     logger,
	}
}

// Register mounts all routes on the echo instance.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/healthz", h.Healthz)
	e.GET("/readyz", h.Readyz)

	api := e.Group("/api/v1")
	api.GET("/sessions/:phoneID", h.GetSession)
	api.GET("/mappings/:phoneID", h.GetMappings)
	api.GET("/stats", h.GetStats)
	api.DELETE("/policy-cache/:phoneID", h.InvalidatePolicyCache)
}

// Healthz is the liveness probe: the process is up.
func (h *Handler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz is the readiness probe: the mapping store and event source must
// both answer.
func (h *Handler) Readyz(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()
	if err := h.dbPing.Ping(ctx); err != nil {
		h.logger.Warn("readiness check failed", zap.Error(err))
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"status": "unavailable",
			"reason": err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}

type sessionResponse struct {
	SessionID  string    `json:"sessionId"`
	IMSI       string    `json:"imsi"`
	MSISDN     string    `json:"phoneId"`
	PrivateIP  string    `json:"privateIp"`
	PublicIP   string    `json:"publicIp"`
	CreatedAt  time.Time `json:"createdAt"`
	LastSeenAt time.Time `json:"lastSeenAt"`
	Status     string    `json:"status"`
}

// GetSession returns the active session for a phone number.
func (h *Handler) GetSession(c echo.Context) error {
	phoneID := c.Param("phoneID")
	s, ok := h.index.LookupByPhone(phoneID)
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{
			"error": "no active session for " + phoneID,
		})
	}
	return c.JSON(http.StatusOK, sessionResponse{
		SessionID:  s.SessionID,
		IMSI:       s.SubscriberID,
		MSISDN:     s.MSISDN,
		PrivateIP:  s.PrivateIP,
		PublicIP:   s.PublicIP,
		CreatedAt:  s.CreatedAt,
		LastSeenAt: s.LastSeenAt,
		Status:     string(s.Status),
	})
}

type mappingResponse struct {
	RuleID         string    `json:"ruleId"`
	RuleName       string    `json:"ruleName"`
	Address        string    `json:"address"`
	AppName        string    `json:"appName"`
	PolicyID       string    `json:"policyId"`
	Status         string    `json:"status"`
	LastVerifiedAt time.Time `json:"lastVerifiedAt"`
}

// GetMappings lists the persisted rule mappings for a phone number.
func (h *Handler) GetMappings(c echo.Context) error {
	phoneID := c.Param("phoneID")
	mappings, err := h.querier.ListRuleMappings(c.Request().Context(), phoneID)
	if err != nil {
		h.logger.Error("list mappings failed", zap.String("msisdn", phoneID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "mapping store unavailable"})
	}
	out := make([]mappingResponse, 0, len(mappings))
	for _, m := range mappings {
		out = append(out, mappingResponse{
			RuleID:         m.RuleID,
			RuleName:       m.RuleName,
			Address:        m.Address,
			AppName:        m.AppName,
			PolicyID:       m.PolicyID,
			Status:         string(m.Status),
			LastVerifiedAt: m.LastVerifiedAt,
		})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"phoneId":  phoneID,
		"mappings": out,
	})
}

type statsResponse struct {
	ActiveSessions   int            `json:"activeSessions"`
	QueuedTasks      int            `json:"queuedTasks"`
	InFlightTasks    int            `json:"inFlightTasks"`
	QueuedSubscriber int            `json:"queuedSubscribers"`
	Consumer         consumer.Stats `json:"consumer"`
}

// GetStats reports pipeline counters.
func (h *Handler) GetStats(c echo.Context) error {
	queued, inflight, subs := h.dispatcher.Stats()
	return c.JSON(http.StatusOK, statsResponse{
		ActiveSessions:   h.index.Len(),
		QueuedTasks:      queued,
		InFlightTasks:    inflight,
		QueuedSubscriber: subs,
		Consumer:         h.consumer.Snapshot(),
	})
}

// InvalidatePolicyCache drops the cached policy resolution for a phone
// number so the next session event re-reads the store. Operators call this
// after editing a policy; a WRITE event feed would make it automatic.
func (h *Handler) InvalidatePolicyCache(c echo.Context) error {
	phoneID := c.Param("phoneID")
	h.resolver.Invalidate(phoneID)
	h.logger.Info("policy cache invalidated", zap.String("msisdn", phoneID))
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "invalidated",
		"phoneId": phoneID,
	})
}
