// Package model holds the shared data model of the enforcement pipeline:
// sessions, policies, enforcement tasks, rule mappings, history entries,
// and the closed error-kind taxonomy every component speaks.
//
// Nothing in this package performs I/O. Components exchange these values
// by phone number (MSISDN, E.164), the partition key of the whole system.
package model

import (
	"time"
)

// SessionStatus is the lifecycle state of a data-bearer session.
type SessionStatus string

const (
	SessionActive     SessionStatus = "ACTIVE"
	SessionTerminated SessionStatus = "TERMINATED"
)

// Session is the authoritative record of a subscriber's data session.
// It is owned exclusively by the session index; everything else refers
// to it by MSISDN.
type Session struct {
	SessionID    string
	SubscriberID string // IMSI (SIM-level identity)
	MSISDN       string // E.164 phone number
	PrivateIP    string
	PublicIP     string
	CreatedAt    time.Time
	LastSeenAt   time.Time
	Status       SessionStatus
}

// PolicyStatus gates whether a policy is enforced.
type PolicyStatus string

const (
	PolicyActive    PolicyStatus = "active"
	PolicyInactive  PolicyStatus = "inactive"
	PolicySuspended PolicyStatus = "suspended"
)

// PortRule is a single protocol/port pair an app rule blocks.
type PortRule struct {
	Protocol string `json:"protocol"` // TCP, UDP
	Port     int    `json:"port"`
}

// AppRule names an application and the ports to block for it.
type AppRule struct {
	AppName string     `json:"appName"`
	Ports   []PortRule `json:"ports"`
}

// TimeWindow restricts enforcement to a time-of-day interval on given
// weekdays. Times are "HH:MM" (24-hour); days are MON..SUN. A window
// whose End precedes its Start wraps past midnight.
type TimeWindow struct {
	Start string   `json:"startTime"`
	End   string   `json:"endTime"`
	Days  []string `json:"days"`
}

// Policy is a parental-control policy as read from the policy store.
// The pipeline never writes policies.
type Policy struct {
	PolicyID      string
	MSISDN        string // partition key (child phone number)
	ParentContact string
	BlockedApps   []AppRule
	TimeWindows   []TimeWindow
	Status        PolicyStatus
}

// ResolvedRule is one enforceable app rule after status and time-window
// filtering, flattened and deduplicated by app name.
type ResolvedRule struct {
	PolicyID      string
	AppName       string
	Ports         []PortRule
	ParentContact string
}

// EventKind is the enforcement action a task asks for.
type EventKind string

const (
	KindInstall EventKind = "INSTALL"
	KindMigrate EventKind = "MIGRATE"
	KindRemove  EventKind = "REMOVE"
)

// Task is a unit of enforcement work queued per subscriber. Tasks for the
// same MSISDN execute in enqueue order and never overlap.
type Task struct {
	SubscriberID string
	MSISDN       string
	Kind         EventKind
	CurrentIP    string
	PreviousIP   string // MIGRATE only
	Policies     []ResolvedRule

	// Attempt counts executions of this task, starting at 1. Managed by
	// the dispatcher; RateLimited failures do not advance it.
	Attempt int
}

// MappingStatus tracks a persisted rule mapping's health.
type MappingStatus string

const (
	MappingActive MappingStatus = "active"
	MappingOrphan MappingStatus = "orphan"
)

// RuleMapping is the durable association between a firewall rule on the
// enforcement device and the (MSISDN, app) it blocks. It is what makes
// migration and teardown possible after a restart.
type RuleMapping struct {
	MSISDN         string
	RuleID         string
	RuleName       string
	Address        string // private IP the rule currently targets
	AppName        string
	PolicyID       string
	Status         MappingStatus
	CreatedAt      time.Time
	LastVerifiedAt time.Time
}

// History actions.
const (
	ActionBlock   = "block"
	ActionUpdate  = "update"
	ActionUnblock = "unblock"
)

// HistoryEntry is one append-only audit row. Every facade outcome,
// success or failure, produces exactly one entry.
type HistoryEntry struct {
	ID        string
	MSISDN    string
	Timestamp time.Time
	Action    string // block, update, unblock
	AppName   string
	Address   string
	RuleID    string
	Status    string // success, failed
	ErrorKind string // empty on success
	Message   string
}
