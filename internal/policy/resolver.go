// Package policy resolves the currently-enforceable app rules for a
// subscriber: it queries the policy store, keeps only ACTIVE policies whose
// time windows admit the moment of evaluation, and flattens the result into
// one rule per app name.
//
// Results are cached per MSISDN with a short TTL to absorb SESSION_START
// storms; Invalidate is the hook for a future policy-change feed.
package policy

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ashmanpan/perental-controle-demo/internal/model"
	"github.com/ashmanpan/perental-controle-demo/internal/repository/db"
)

type cacheEntry struct {
	rules     []model.ResolvedRule
	expiresAt time.Time
}

// Resolver looks up and filters policies.
type Resolver struct {
	querier db.Querier
	ttl     time.Duration
	logger  *zap.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewResolver creates a Resolver with the given cache TTL.
func NewResolver(q db.Querier, cacheTTL time.Duration, logger *zap.Logger) *Resolver {
	return &Resolver{
		querier: q,
		ttl:     cacheTTL,
		logger:  logger,
		cache:   make(map[string]cacheEntry),
	}
}

// Resolve returns the enforceable rules for msisdn at the given instant.
// An empty result with a nil error means no enforcement is due.
func (r *Resolver) Resolve(ctx context.Context, msisdn string, now time.Time) ([]model.ResolvedRule, error) {
	r.mu.Lock()
	if e, ok := r.cache[msisdn]; ok && now.Before(e.expiresAt) {
		rules := e.rules
		r.mu.Unlock()
		return rules, nil
	}
	r.mu.Unlock()

	policies, err := r.querier.QueryPolicies(ctx, msisdn)
	if err != nil {
		return nil, model.Transient(fmt.Errorf("query policies for %s: %w", msisdn, err))
	}

	rules := flatten(policies, now)

	r.mu.Lock()
	r.cache[msisdn] = cacheEntry{rules: rules, expiresAt: now.Add(r.ttl)}
	r.mu.Unlock()

	r.logger.Debug("resolved policies",
		zap.String("msisdn", msisdn),
		zap.Int("policies", len(policies)),
		zap.Int("rules", len(rules)),
	)
	return rules, nil
}

// Invalidate drops the cached result for msisdn. Reserved for the
// policy-change feed; also exposed on the ops API.
func (r *Resolver) Invalidate(msisdn string) {
	r.mu.Lock()
	delete(r.cache, msisdn)
	r.mu.Unlock()
}

// flatten filters by status and time window and deduplicates by app name.
// Later policies win on app-name conflicts.
func flatten(policies []model.Policy, now time.Time) []model.ResolvedRule {
	byApp := make(map[string]int)
	var out []model.ResolvedRule

	for _, p := range policies {
		if p.Status != model.PolicyActive {
			continue
		}
		if !windowsAdmit(p.TimeWindows, now) {
			continue
		}
		for _, app := range p.BlockedApps {
			rule := model.ResolvedRule{
				PolicyID:      p.PolicyID,
				AppName:       app.AppName,
				Ports:         app.Ports,
				ParentContact: p.ParentContact,
			}
			if i, ok := byApp[app.AppName]; ok {
				out[i] = rule
				continue
			}
			byApp[app.AppName] = len(out)
			out = append(out, rule)
		}
	}
	return out
}

// windowsAdmit reports whether now falls inside at least one window. No
// windows means always-on.
func windowsAdmit(windows []model.TimeWindow, now time.Time) bool {
	if len(windows) == 0 {
		return true
	}
	for _, w := range windows {
		if windowAdmits(w, now) {
			return true
		}
	}
	return false
}

var weekdayNames = map[time.Weekday]string{
	time.Monday:    "MON",
	time.Tuesday:   "TUE",
	time.Wednesday: "WED",
	time.Thursday:  "THU",
	time.Friday:    "FRI",
	time.Saturday:  "SAT",
	time.Sunday:    "SUN",
}

func windowAdmits(w model.TimeWindow, now time.Time) bool {
	if !dayMatches(w.Days, now.Weekday()) {
		return false
	}
	start, okS := parseClock(w.Start)
	end, okE := parseClock(w.End)
	if !okS || !okE {
		// A malformed window never admits; the policy plane owns fixing it.
		return false
	}
	minutes := now.Hour()*60 + now.Minute()
	if start <= end {
		return minutes >= start && minutes < end
	}
	// Overnight window, e.g. 21:00–06:00.
	return minutes >= start || minutes < end
}

func dayMatches(days []string, wd time.Weekday) bool {
	if len(days) == 0 {
		return true
	}
	name := weekdayNames[wd]
	for _, d := range days {
		if strings.EqualFold(strings.TrimSpace(d), name) {
			return true
		}
	}
	return false
}

// parseClock converts "HH:MM" to minutes since midnight.
func parseClock(s string) (int, bool) {
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return 0, false
	}
	hh, err1 := strconv.Atoi(h)
	mm, err2 := strconv.Atoi(m)
	if err1 != nil || err2 != nil || hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, false
	}
	return hh*60 + mm, true
}
