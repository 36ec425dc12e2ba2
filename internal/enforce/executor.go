// Package enforce turns dispatched tasks into firewall mutations: it calls
// the rule facade, persists the rule↔subscriber mappings that make later
// migration and teardown possible, and writes the audit trail. A background
// reconciler re-verifies mappings that have not been seen healthy recently.
package enforce

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ashmanpan/perental-controle-demo/internal/facade"
	"github.com/ashmanpan/perental-controle-demo/internal/model"
	"github.com/ashmanpan/perental-controle-demo/internal/repository/db"
	"github.com/ashmanpan/perental-controle-demo/internal/telemetry"
)

// RuleFacade is the slice of the facade client the executor needs.
// *facade.Client satisfies it; tests substitute scripted fakes.
type RuleFacade interface {
	CreateBlock(ctx context.Context, req facade.CreateBlockRequest, idemKey string) (facade.CreateBlockResponse, error)
	UpdateBlock(ctx context.Context, ruleID, newSourceIP, idemKey string) error
	DeleteBlock(ctx context.Context, ruleID, idemKey string) error
	Verify(ctx context.Context, ruleID string) (bool, error)
}

// Executor applies one enforcement task at a time per subscriber (the
// dispatcher guarantees that) while a weighted semaphore caps concurrent
// facade calls across all subscribers.
type Executor struct {
	querier db.Querier
	facade  RuleFacade
	sem     *semaphore.Weighted
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *telemetry.Pipeline

	now func() time.Time
}

// NewExecutor creates an Executor capping concurrent facade calls at
// maxInFlight.
func NewExecutor(q db.Querier, f RuleFacade, maxInFlight int64, logger *zap.Logger) *Executor {
	return &Executor{
		querier: q,
		facade:  f,
		sem:     semaphore.NewWeighted(maxInFlight),
		logger:  logger,
		tracer:  otel.Tracer("enforcement-executor"),
		metrics: telemetry.NewPipeline("enforcement-executor"),
		now:     time.Now,
	}
}

// RuleName derives the deterministic firewall rule name for one
// (subscriber, app) pair. The facade dedupes on it.
func RuleName(msisdn, appName string) string {
	return "PARENTAL_BLOCK_" + strings.TrimPrefix(msisdn, "+") + "_" + appName
}

// idempotencyKey pins a facade mutation to one logical attempt so broker
// redeliveries cannot double-apply it.
func idempotencyKey(task *model.Task, appName string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s|%d",
		task.MSISDN, appName, task.Kind, task.CurrentIP, task.Attempt)))
	return hex.EncodeToString(h[:])
}

// Execute runs one task. Any returned error is tagged with its kind; the
// dispatcher decides between retry and abandonment.
func (e *Executor) Execute(ctx context.Context, task *model.Task) error {
	ctx, span := e.tracer.Start(ctx, "enforce.execute")
	defer span.End()

	var err error
	switch task.Kind {
	case model.KindInstall:
		err = e.install(ctx, task)
	case model.KindMigrate:
		err = e.migrate(ctx, task)
	case model.KindRemove:
		err = e.remove(ctx, task)
	default:
		err = model.Malformed(fmt.Errorf("unknown task kind %q", task.Kind))
	}
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// ── INSTALL ───────────────────────────────────────────────────────────────

// install creates one block rule per resolved app. Rules are applied
// sequentially; on the first failure a failed history row is written and
// the error is returned so the dispatcher retries the whole task. Already
// installed apps are absorbed through the conflict path, so re-execution
// converges instead of duplicating.
func (e *Executor) install(ctx context.Context, task *model.Task) error {
	for _, rule := range task.Policies {
		if err := e.installOne(ctx, task, rule); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) installOne(ctx context.Context, task *model.Task, rule model.ResolvedRule) error {
	// Idempotent replay: a mapping already bound to this address means the
	// rule is live and nothing needs to happen. A mapping on a stale address
	// is rebound instead of duplicated.
	existing, err := e.querier.GetRuleMappingByApp(ctx, task.MSISDN, rule.AppName)
	switch {
	case err == nil && existing.Address == task.CurrentIP:
		e.logger.Debug("rule already installed at current address",
			zap.String("msisdn", task.MSISDN),
			zap.String("app", rule.AppName),
			zap.String("rule_id", existing.RuleID),
		)
		return nil
	case err == nil:
		return e.rebind(ctx, task, existing.RuleID, rule.AppName)
	case !errors.Is(err, db.ErrNotFound):
		return model.Transient(fmt.Errorf("lookup mapping for %s/%s: %w", task.MSISDN, rule.AppName, err))
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return model.Transient(fmt.Errorf("acquire facade slot: %w", err))
	}
	resp, err := e.facade.CreateBlock(ctx, facade.CreateBlockRequest{
		SourceIP: task.CurrentIP,
		AppName:  rule.AppName,
		Ports:    rule.Ports,
		MSISDN:   task.MSISDN,
		RuleName: RuleName(task.MSISDN, rule.AppName),
	}, idempotencyKey(task, rule.AppName))
	e.sem.Release(1)

	ruleID := resp.RuleID
	if model.KindOf(err) == model.KindConflict {
		// The rule already exists on the device. Rebind the mapping we hold
		// to the current address; if we hold none the device rule is the
		// durable truth and the sweep will adopt or orphan it.
		existing, lookupErr := e.querier.GetRuleMappingByApp(ctx, task.MSISDN, rule.AppName)
		if lookupErr == nil {
			if updErr := e.rebind(ctx, task, existing.RuleID, rule.AppName); updErr != nil {
				return updErr
			}
			return nil
		}
		if !errors.Is(lookupErr, db.ErrNotFound) {
			return model.Transient(fmt.Errorf("lookup mapping for %s/%s: %w", task.MSISDN, rule.AppName, lookupErr))
		}
		e.logger.Warn("duplicate rule on device without a local mapping",
			zap.String("msisdn", task.MSISDN),
			zap.String("app", rule.AppName),
		)
		e.history(ctx, task, model.ActionBlock, rule.AppName, "", "success", nil, "adopted existing device rule")
		return nil
	}
	if err != nil {
		e.history(ctx, task, model.ActionBlock, rule.AppName, ruleID, "failed", err, "")
		return err
	}

	if dbErr := e.querier.UpsertRuleMapping(ctx, db.UpsertRuleMappingParams{
		MSISDN:    task.MSISDN,
		RuleID:    resp.RuleID,
		RuleName:  resp.RuleName,
		Address:   task.CurrentIP,
		AppName:   rule.AppName,
		PolicyID:  rule.PolicyID,
		Status:    model.MappingActive,
		CreatedAt: e.now(),
	}); dbErr != nil {
		// The device rule exists; losing the mapping row would strand it.
		return model.Transient(fmt.Errorf("persist mapping %s: %w", resp.RuleID, dbErr))
	}

	e.history(ctx, task, model.ActionBlock, rule.AppName, resp.RuleID, "success", nil, "")
	e.bumpCounter(ctx, task.MSISDN, rule)
	return nil
}

// rebind points an existing device rule at the task's current address and
// refreshes the stored mapping.
func (e *Executor) rebind(ctx context.Context, task *model.Task, ruleID, appName string) error {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return model.Transient(fmt.Errorf("acquire facade slot: %w", err))
	}
	err := e.facade.UpdateBlock(ctx, ruleID, task.CurrentIP, idempotencyKey(task, appName))
	e.sem.Release(1)
	if err != nil {
		e.history(ctx, task, model.ActionUpdate, appName, ruleID, "failed", err, "")
		return err
	}
	if dbErr := e.querier.UpdateRuleMappingAddress(ctx, task.MSISDN, ruleID, task.CurrentIP); dbErr != nil {
		return model.Transient(fmt.Errorf("update mapping address %s: %w", ruleID, dbErr))
	}
	e.history(ctx, task, model.ActionUpdate, appName, ruleID, "success", nil, "")
	return nil
}

// ── MIGRATE ───────────────────────────────────────────────────────────────

// migrate rebinds every active rule of the subscriber to the new address.
// With no stored mappings it falls back to a fresh install: the subscriber
// evidently has enforceable policies but nothing on the device, and the
// new address is the one that matters.
func (e *Executor) migrate(ctx context.Context, task *model.Task) error {
	mappings, err := e.querier.ListRuleMappings(ctx, task.MSISDN)
	if err != nil {
		return model.Transient(fmt.Errorf("list mappings for %s: %w", task.MSISDN, err))
	}
	active := mappings[:0]
	for _, m := range mappings {
		if m.Status == model.MappingActive {
			active = append(active, m)
		}
	}
	if len(active) == 0 {
		e.logger.Warn("migrate with no active mappings, installing fresh",
			zap.String("msisdn", task.MSISDN),
			zap.String("current_ip", task.CurrentIP),
		)
		return e.install(ctx, task)
	}

	for _, m := range active {
		if err := e.migrateOne(ctx, task, m); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) migrateOne(ctx context.Context, task *model.Task, m model.RuleMapping) error {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return model.Transient(fmt.Errorf("acquire facade slot: %w", err))
	}
	err := e.facade.UpdateBlock(ctx, m.RuleID, task.CurrentIP, idempotencyKey(task, m.AppName))
	e.sem.Release(1)

	if model.KindOf(err) == model.KindNotFound {
		// The device lost the rule. Record the miss and recreate it at the
		// new address so enforcement survives.
		e.history(ctx, task, model.ActionUpdate, m.AppName, m.RuleID, "failed", err, "rule missing on device, recreating")
		return e.recreate(ctx, task, m)
	}
	if err != nil {
		e.history(ctx, task, model.ActionUpdate, m.AppName, m.RuleID, "failed", err, "")
		return err
	}

	if dbErr := e.querier.UpdateRuleMappingAddress(ctx, task.MSISDN, m.RuleID, task.CurrentIP); dbErr != nil {
		return model.Transient(fmt.Errorf("update mapping address %s: %w", m.RuleID, dbErr))
	}
	e.history(ctx, task, model.ActionUpdate, m.AppName, m.RuleID, "success", nil, "")
	return nil
}

// recreate replaces a vanished device rule with a fresh one at the task's
// current address, swapping the stored mapping to the new rule id.
func (e *Executor) recreate(ctx context.Context, task *model.Task, m model.RuleMapping) error {
	rule := resolvedFor(task, m)

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return model.Transient(fmt.Errorf("acquire facade slot: %w", err))
	}
	resp, err := e.facade.CreateBlock(ctx, facade.CreateBlockRequest{
		SourceIP: task.CurrentIP,
		AppName:  m.AppName,
		Ports:    rule.Ports,
		MSISDN:   task.MSISDN,
		RuleName: RuleName(task.MSISDN, m.AppName),
	}, idempotencyKey(task, m.AppName+"#recreate"))
	e.sem.Release(1)
	if err != nil {
		e.history(ctx, task, model.ActionBlock, m.AppName, "", "failed", err, "recreate after device loss")
		return err
	}

	if dbErr := e.querier.DeleteRuleMapping(ctx, task.MSISDN, m.RuleID); dbErr != nil && !errors.Is(dbErr, db.ErrNotFound) {
		return model.Transient(fmt.Errorf("drop stale mapping %s: %w", m.RuleID, dbErr))
	}
	if dbErr := e.querier.UpsertRuleMapping(ctx, db.UpsertRuleMappingParams{
		MSISDN:    task.MSISDN,
		RuleID:    resp.RuleID,
		RuleName:  resp.RuleName,
		Address:   task.CurrentIP,
		AppName:   m.AppName,
		PolicyID:  m.PolicyID,
		Status:    model.MappingActive,
		CreatedAt: e.now(),
	}); dbErr != nil {
		return model.Transient(fmt.Errorf("persist recreated mapping %s: %w", resp.RuleID, dbErr))
	}
	e.history(ctx, task, model.ActionBlock, m.AppName, resp.RuleID, "success", nil, "recreated after device loss")
	return nil
}

// resolvedFor finds the task's resolved rule matching a mapping's app, so
// a recreate carries the current port set. Falls back to the mapping alone
// when the task carries no policies (REMOVE-era tasks never do).
func resolvedFor(task *model.Task, m model.RuleMapping) model.ResolvedRule {
	for _, r := range task.Policies {
		if r.AppName == m.AppName {
			return r
		}
	}
	return model.ResolvedRule{PolicyID: m.PolicyID, AppName: m.AppName}
}

// ── REMOVE ────────────────────────────────────────────────────────────────

// remove tears down every rule of the subscriber. A rule already gone from
// the device counts as removed. Transient facade failures leave the mapping
// in place for the dispatcher's retry and, failing that, the sweep.
func (e *Executor) remove(ctx context.Context, task *model.Task) error {
	mappings, err := e.querier.ListRuleMappings(ctx, task.MSISDN)
	if err != nil {
		return model.Transient(fmt.Errorf("list mappings for %s: %w", task.MSISDN, err))
	}
	if len(mappings) == 0 {
		return nil
	}

	for _, m := range mappings {
		if err := e.removeOne(ctx, task, m); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) removeOne(ctx context.Context, task *model.Task, m model.RuleMapping) error {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return model.Transient(fmt.Errorf("acquire facade slot: %w", err))
	}
	err := e.facade.DeleteBlock(ctx, m.RuleID, idempotencyKey(task, m.AppName))
	e.sem.Release(1)

	if err != nil && model.KindOf(err) != model.KindNotFound {
		e.history(ctx, task, model.ActionUnblock, m.AppName, m.RuleID, "failed", err, "")
		return err
	}

	if dbErr := e.querier.DeleteRuleMapping(ctx, task.MSISDN, m.RuleID); dbErr != nil && !errors.Is(dbErr, db.ErrNotFound) {
		return model.Transient(fmt.Errorf("delete mapping %s: %w", m.RuleID, dbErr))
	}
	msg := ""
	if model.KindOf(err) == model.KindNotFound {
		msg = "rule already absent on device"
	}
	e.history(ctx, task, model.ActionUnblock, m.AppName, m.RuleID, "success", nil, msg)
	return nil
}

// ── audit plumbing ────────────────────────────────────────────────────────

// history appends one audit row and counts the outcome. Audit failures are
// logged, never fatal: losing a history row must not fail enforcement.
func (e *Executor) history(ctx context.Context, task *model.Task, action, appName, ruleID, status string, cause error, msg string) {
	e.metrics.Enforcement(ctx, action, status)
	entry := db.InsertHistoryParams{
		ID:        uuid.NewString(),
		MSISDN:    task.MSISDN,
		Timestamp: e.now(),
		Action:    action,
		AppName:   appName,
		Address:   task.CurrentIP,
		RuleID:    ruleID,
		Status:    status,
		Message:   msg,
	}
	if cause != nil {
		entry.ErrorKind = string(model.KindOf(cause))
		if msg == "" {
			entry.Message = cause.Error()
		}
	}
	if err := e.querier.InsertHistory(ctx, entry); err != nil {
		e.logger.Error("failed to write history entry",
			zap.String("msisdn", task.MSISDN),
			zap.String("action", action),
			zap.Error(err),
		)
	}
}

func (e *Executor) bumpCounter(ctx context.Context, msisdn string, rule model.ResolvedRule) {
	now := e.now()
	err := e.querier.IncrementBlockedCounter(ctx, db.IncrementBlockedCounterParams{
		MSISDN:        msisdn,
		Date:          now.Format("2006-01-02"),
		AppName:       rule.AppName,
		Hour:          now.Hour(),
		ParentContact: rule.ParentContact,
	})
	if err != nil {
		e.logger.Error("failed to bump blocked counter",
			zap.String("msisdn", msisdn),
			zap.String("app", rule.AppName),
			zap.Error(err),
		)
	}
}
