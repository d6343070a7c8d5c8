// Package rules implements the rule pipeline: matching an incoming
// email against a user's rules, generating template arguments, and
// executing or planning the chosen actions.
package rules

import (
	"context"
	"time"

	"github.com/migadu/mailflow/db"
)

// Decision is the matcher's outcome for one message: the rule that
// fired and the action type the engine chose from the rule's permitted
// set. A nil decision means no rule matched.
type Decision struct {
	Rule    *db.Rule
	Action  db.ActionType
	Planned bool // true when the decision was saved as a plan instead of executed
}

// Plan is a matched decision awaiting user confirmation. At most one
// plan exists per (user, thread); a newer decision overwrites it.
type Plan struct {
	UserID    int64
	ThreadID  string
	MessageID string
	Rule      *db.Rule
	Action    db.ActionType
	CreatedAt time.Time
}

// ActionFields holds the resolved field values for one action after
// template filling. It is serialized into the audit record so delayed
// actions can execute later without regenerating arguments.
type ActionFields struct {
	Label   string `json:"label,omitempty"`
	Subject string `json:"subject,omitempty"`
	Content string `json:"content,omitempty"`
	To      string `json:"to,omitempty"`
	CC      string `json:"cc,omitempty"`
	URL     string `json:"url,omitempty"`
	RuleID  int64  `json:"rule_id,omitempty"`
}

// AuditStore records rule firings and their actions durably.
type AuditStore interface {
	InsertExecutedRule(ctx context.Context, er *db.ExecutedRule) error
	InsertExecutedAction(ctx context.Context, ea *db.ExecutedAction) error
	UpdateExecutedRuleStatus(ctx context.Context, id int64, status db.ActionStatus) error
	TrackThread(ctx context.Context, userID int64, threadID string, ruleID int64) error
	ResolveTrackedThread(ctx context.Context, userID int64, threadID string) error
}

// PlanStore holds plans awaiting confirmation, keyed by (user, thread).
type PlanStore interface {
	Save(userID int64, threadID string, plan *Plan)
	Get(userID int64, threadID string) (*Plan, bool)
	Delete(userID int64, threadID string)
}
