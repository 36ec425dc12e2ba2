package enforce

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ashmanpan/perental-controle-demo/internal/model"
	"github.com/ashmanpan/perental-controle-demo/internal/repository/db"
	"github.com/ashmanpan/perental-controle-demo/internal/telemetry"
)

// Reconciler periodically re-verifies rule mappings that have not been
// confirmed on the device recently. Rules still present get their
// verification timestamp refreshed; rules the device no longer knows are
// marked orphan so the ops plane can reinstate or purge them.
type Reconciler struct {
	querier   db.Querier
	facade    RuleFacade
	interval  time.Duration
	staleness time.Duration
	batch     int32
	logger    *zap.Logger
	metrics   *telemetry.Pipeline

	now func() time.Time
}

// NewReconciler builds a Reconciler. Each sweep examines at most batch
// mappings older than staleness.
func NewReconciler(q db.Querier, f RuleFacade, interval, staleness time.Duration, batch int32, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		querier:   q,
		facade:    f,
		interval:  interval,
		staleness: staleness,
		batch:     batch,
		logger:    logger,
		metrics:   telemetry.NewPipeline("enforcement-reconciler"),
		now:       time.Now,
	}
}

// Run sweeps on the configured interval until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reconciler started",
		zap.Duration("interval", r.interval),
		zap.Duration("staleness", r.staleness),
	)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			verified, orphaned, err := r.Sweep(ctx)
			if err != nil {
				r.logger.Error("reconciliation sweep failed", zap.Error(err))
				continue
			}
			if verified+orphaned > 0 {
				r.logger.Info("reconciliation sweep done",
					zap.Int("verified", verified),
					zap.Int("orphaned", orphaned),
				)
			}
		}
	}
}

// Sweep verifies one batch of stale mappings and returns how many were
// confirmed and how many were orphaned. A verification error on one
// mapping skips it; the next sweep picks it up again.
func (r *Reconciler) Sweep(ctx context.Context) (verified, orphaned int, err error) {
	now := r.now()
	stale, err := r.querier.ListStaleRuleMappings(ctx, now.Add(-r.staleness), r.batch)
	if err != nil {
		return 0, 0, err
	}

	for _, m := range stale {
		exists, verr := r.facade.Verify(ctx, m.RuleID)
		if verr != nil {
			r.logger.Warn("could not verify rule, skipping",
				zap.String("msisdn", m.MSISDN),
				zap.String("rule_id", m.RuleID),
				zap.Error(verr),
			)
			r.metrics.ReconcileVerdict(ctx, "error")
			continue
		}
		if exists {
			if terr := r.querier.TouchRuleMappingVerified(ctx, m.MSISDN, m.RuleID, now); terr != nil {
				r.logger.Error("failed to refresh mapping verification",
					zap.String("rule_id", m.RuleID), zap.Error(terr))
				continue
			}
			r.metrics.ReconcileVerdict(ctx, "verified")
			verified++
			continue
		}

		if serr := r.querier.SetRuleMappingStatus(ctx, m.MSISDN, m.RuleID, model.MappingOrphan); serr != nil {
			r.logger.Error("failed to orphan mapping",
				zap.String("rule_id", m.RuleID), zap.Error(serr))
			continue
		}
		r.logger.Warn("rule vanished from device, mapping orphaned",
			zap.String("msisdn", m.MSISDN),
			zap.String("rule_id", m.RuleID),
			zap.String("app", m.AppName),
		)
		r.metrics.ReconcileVerdict(ctx, "orphaned")
		orphaned++
	}
	return verified, orphaned, nil
}
