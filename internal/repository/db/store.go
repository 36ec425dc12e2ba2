package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashmanpan/perental-controle-demo/internal/model"
)

// Store is the Postgres-backed Querier.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps a pgx pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var _ Querier = (*Store)(nil)

// Ping verifies database connectivity (readiness probe).
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// ── policies ──────────────────────────────────────────────────────────────

const queryPolicies = `
SELECT policy_id, msisdn, parent_contact, blocked_apps, time_windows, status
FROM parental_policies
WHERE msisdn = $1
`

func (s *Store) QueryPolicies(ctx context.Context, msisdn string) ([]model.Policy, error) {
	rows, err := s.pool.Query(ctx, queryPolicies, msisdn)
	if err != nil {
		return nil, fmt.Errorf("query policies: %w", err)
	}
	defer rows.Close()

	var policies []model.Policy
	for rows.Next() {
		var (
			p          model.Policy
			appsJSON   []byte
			windowJSON []byte
			status     string
		)
		if err := rows.Scan(&p.PolicyID, &p.MSISDN, &p.ParentContact, &appsJSON, &windowJSON, &status); err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		if err := json.Unmarshal(appsJSON, &p.BlockedApps); err != nil {
			return nil, fmt.Errorf("policy %s: decode blocked_apps: %w", p.PolicyID, err)
		}
		if err := json.Unmarshal(windowJSON, &p.TimeWindows); err != nil {
			return nil, fmt.Errorf("policy %s: decode time_windows: %w", p.PolicyID, err)
		}
		p.Status = model.PolicyStatus(status)
		policies = append(policies, p)
	}
	return policies, rows.Err()
}

// ── rule mappings ─────────────────────────────────────────────────────────

const upsertRuleMapping = `
INSERT INTO rule_mappings (msisdn, rule_id, rule_name, address, app_name, policy_id, status, created_at, last_verified_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
ON CONFLICT (msisdn, rule_id) DO UPDATE
SET address = EXCLUDED.address,
    rule_name = EXCLUDED.rule_name,
    policy_id = EXCLUDED.policy_id,
    status = EXCLUDED.status,
    last_verified_at = EXCLUDED.last_verified_at
`

func (s *Store) UpsertRuleMapping(ctx context.Context, arg UpsertRuleMappingParams) error {
	_, err := s.pool.Exec(ctx, upsertRuleMapping,
		arg.MSISDN, arg.RuleID, arg.RuleName, arg.Address, arg.AppName,
		arg.PolicyID, string(arg.Status), arg.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert rule mapping: %w", err)
	}
	return nil
}

const selectMappingColumns = `
SELECT msisdn, rule_id, rule_name, address, app_name, policy_id, status, created_at, last_verified_at
FROM rule_mappings
`

func scanMapping(row pgx.Row) (model.RuleMapping, error) {
	var (
		m      model.RuleMapping
		status string
	)
	err := row.Scan(&m.MSISDN, &m.RuleID, &m.RuleName, &m.Address, &m.AppName,
		&m.PolicyID, &status, &m.CreatedAt, &m.LastVerifiedAt)
	m.Status = model.MappingStatus(status)
	return m, err
}

func (s *Store) GetRuleMappingByApp(ctx context.Context, msisdn, appName string) (model.RuleMapping, error) {
	row := s.pool.QueryRow(ctx,
		selectMappingColumns+`WHERE msisdn = $1 AND app_name = $2 AND status = 'active'`,
		msisdn, appName)
	m, err := scanMapping(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.RuleMapping{}, ErrNotFound
	}
	if err != nil {
		return model.RuleMapping{}, fmt.Errorf("get rule mapping: %w", err)
	}
	return m, nil
}

func (s *Store) ListRuleMappings(ctx context.Context, msisdn string) ([]model.RuleMapping, error) {
	rows, err := s.pool.Query(ctx,
		selectMappingColumns+`WHERE msisdn = $1 ORDER BY rule_id`, msisdn)
	if err != nil {
		return nil, fmt.Errorf("list rule mappings: %w", err)
	}
	defer rows.Close()

	var out []model.RuleMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule mapping: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) UpdateRuleMappingAddress(ctx context.Context, msisdn, ruleID, address string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE rule_mappings SET address = $3, last_verified_at = now() WHERE msisdn = $1 AND rule_id = $2`,
		msisdn, ruleID, address)
	if err != nil {
		return fmt.Errorf("update rule mapping address: %w", err)
	}
	return nil
}

func (s *Store) DeleteRuleMapping(ctx context.Context, msisdn, ruleID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM rule_mappings WHERE msisdn = $1 AND rule_id = $2`, msisdn, ruleID)
	if err != nil {
		return fmt.Errorf("delete rule mapping: %w", err)
	}
	return nil
}

func (s *Store) SetRuleMappingStatus(ctx context.Context, msisdn, ruleID string, status model.MappingStatus) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE rule_mappings SET status = $3 WHERE msisdn = $1 AND rule_id = $2`,
		msisdn, ruleID, string(status))
	if err != nil {
		return fmt.Errorf("set rule mapping status: %w", err)
	}
	return nil
}

func (s *Store) ListStaleRuleMappings(ctx context.Context, olderThan time.Time, limit int32) ([]model.RuleMapping, error) {
	rows, err := s.pool.Query(ctx,
		selectMappingColumns+`WHERE status = 'active' AND last_verified_at < $1 ORDER BY last_verified_at LIMIT $2`,
		olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale rule mappings: %w", err)
	}
	defer rows.Close()

	var out []model.RuleMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule mapping: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) TouchRuleMappingVerified(ctx context.Context, msisdn, ruleID string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE rule_mappings SET last_verified_at = $3 WHERE msisdn = $1 AND rule_id = $2`,
		msisdn, ruleID, at)
	if err != nil {
		return fmt.Errorf("touch rule mapping: %w", err)
	}
	return nil
}

// ── history ───────────────────────────────────────────────────────────────

const insertHistory = `
INSERT INTO enforcement_history (id, msisdn, ts, action, app_name, address, rule_id, status, error_kind, message)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`

func (s *Store) InsertHistory(ctx context.Context, arg InsertHistoryParams) error {
	_, err := s.pool.Exec(ctx, insertHistory,
		arg.ID, arg.MSISDN, arg.Timestamp, arg.Action, arg.AppName,
		arg.Address, arg.RuleID, arg.Status, arg.ErrorKind, arg.Message)
	if err != nil {
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

// ── counters ──────────────────────────────────────────────────────────────

// Postgres arrays are 1-based; the hour bucket index is shifted on the way in.
const incrementCounter = `
INSERT INTO blocked_counters (msisdn, date_app, app_name, parent_contact, blocked_count, hourly, updated_at)
VALUES ($1, $2, $3, $4, 1, $5, now())
ON CONFLICT (msisdn, date_app) DO UPDATE
SET blocked_count = blocked_counters.blocked_count + 1,
    hourly[$6] = blocked_counters.hourly[$6] + 1,
    parent_contact = EXCLUDED.parent_contact,
    updated_at = now()
`

func (s *Store) IncrementBlockedCounter(ctx context.Context, arg IncrementBlockedCounterParams) error {
	if arg.Hour < 0 || arg.Hour > 23 {
		return fmt.Errorf("increment blocked counter: hour %d out of range", arg.Hour)
	}
	initial := make([]int64, 24)
	initial[arg.Hour] = 1

	_, err := s.pool.Exec(ctx, incrementCounter,
		arg.MSISDN, arg.Date+"#"+arg.AppName, arg.AppName, arg.ParentContact,
		initial, arg.Hour+1)
	if err != nil {
		return fmt.Errorf("increment blocked counter: %w", err)
	}
	return nil
}
