// Package db is the persistence layer of the enforcer: parental policies
// (read-only), firewall rule mappings, the enforcement-history audit log,
// and blocked-request counters. All tables are partitioned by the child's
// phone number (MSISDN).
//
// Querier is the seam the rest of the pipeline depends on; Store is its
// Postgres implementation. Tests substitute hand-rolled mocks.
package db

import (
	"context"
	"errors"
	"time"

	"github.com/ashmanpan/perental-controle-demo/internal/model"
)

// ErrNotFound is returned when a single-row lookup matches nothing.
var ErrNotFound = errors.New("db: not found")

// UpsertRuleMappingParams carries a full mapping row. The (msisdn, rule_id)
// pair is the primary key; re-upserting refreshes the address and status.
type UpsertRuleMappingParams struct {
	MSISDN    string
	RuleID    string
	RuleName  string
	Address   string
	AppName   string
	PolicyID  string
	Status    model.MappingStatus
	CreatedAt time.Time
}

// InsertHistoryParams appends one audit row.
type InsertHistoryParams struct {
	ID        string
	MSISDN    string
	Timestamp time.Time
	Action    string
	AppName   string
	Address   string
	RuleID    string
	Status    string
	ErrorKind string
	Message   string
}

// IncrementBlockedCounterParams bumps the per-day, per-app blocked counter
// and its hour bucket in one atomic statement.
type IncrementBlockedCounterParams struct {
	MSISDN        string
	Date          string // YYYY-MM-DD
	AppName       string
	Hour          int // 0..23
	ParentContact string
}

// Querier is the store contract consumed by the pipeline.
type Querier interface {
	// Policy store (read-only; policies are owned externally).
	QueryPolicies(ctx context.Context, msisdn string) ([]model.Policy, error)

	// Rule mapping store.
	UpsertRuleMapping(ctx context.Context, arg UpsertRuleMappingParams) error
	GetRuleMappingByApp(ctx context.Context, msisdn, appName string) (model.RuleMapping, error)
	ListRuleMappings(ctx context.Context, msisdn string) ([]model.RuleMapping, error)
	UpdateRuleMappingAddress(ctx context.Context, msisdn, ruleID, address string) error
	DeleteRuleMapping(ctx context.Context, msisdn, ruleID string) error
	SetRuleMappingStatus(ctx context.Context, msisdn, ruleID string, status model.MappingStatus) error
	ListStaleRuleMappings(ctx context.Context, olderThan time.Time, limit int32) ([]model.RuleMapping, error)
	TouchRuleMappingVerified(ctx context.Context, msisdn, ruleID string, at time.Time) error

	// Enforcement history (append-only).
	InsertHistory(ctx context.Context, arg InsertHistoryParams) error

	// Blocked-request counters.
	IncrementBlockedCounter(ctx context.Context, arg IncrementBlockedCounterParams) error
}
