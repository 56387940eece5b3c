// Package retention computes message retention deadlines, legal-hold
// matches, and purge plans. Every function here is pure: callers load
// messages and holds, the engine decides, and the service layer performs
// the deletes.
package retention

import (
	"errors"
	"fmt"
	"time"

	"parley/api/internal/store"
)

// Default retention windows per message class, in days. A company policy
// may override a class but can never remove one.
var DefaultPolicy = map[string]int{
	"general":      365,
	"financial":    2555,
	"hr_sensitive": 2555,
	"legal":        3650,
}

var ErrUnsupportedClass = errors.New("unsupported message class")

// ApprovalGateError blocks a destructive purge that lacks enough distinct
// approvers. It reports both sides of the comparison for audit logs.
type ApprovalGateError struct {
	Required  int
	Approvals int
}

func (e *ApprovalGateError) Error() string {
	return fmt.Sprintf("purge requires %d approvals, got %d", e.Required, e.Approvals)
}

type LifecycleStatus string

const (
	StatusRetained           LifecycleStatus = "retained"
	StatusEligibleForPurge   LifecycleStatus = "eligible_for_purge"
	StatusBlockedByLegalHold LifecycleStatus = "blocked_by_legal_hold"
)

type LifecycleDecision struct {
	MessageID         string
	Status            LifecycleStatus
	PurgeEligible     bool
	RetentionDeadline time.Time
	HoldID            string
}

type PlanSummary struct {
	Inspected      int `json:"inspected"`
	CandidateCount int `json:"candidateCount"`
	SkippedCount   int `json:"skippedCount"`
}

type PlanCandidate struct {
	MessageID string            `json:"messageId"`
	Decision  LifecycleDecision `json:"decision"`
}

type PlanSkip struct {
	MessageID string `json:"messageId"`
	Reason    string `json:"reason"`
	HoldID    string `json:"holdId,omitempty"`
}

// PurgePlan is the reviewable output of BuildPurgePlan and the sole input
// to ApplyPurgePlan. It is transient; the service persists only the
// resulting purge run.
type PurgePlan struct {
	CompanyID  int64           `json:"companyId"`
	AsOf       time.Time       `json:"asOf"`
	Summary    PlanSummary     `json:"summary"`
	Candidates []PlanCandidate `json:"candidates"`
	Skipped    []PlanSkip      `json:"skipped"`
}

type PurgeAction struct {
	MessageID string `json:"messageId"`
	Action    string `json:"action"`
}

// ApplyResult reports what a purge run did (or, for a dry run, would do).
// ApprovalGateSatisfied is nil for dry runs: the gate was never consulted,
// which callers must be able to distinguish from a passed gate.
type ApplyResult struct {
	DryRun                bool          `json:"dryRun"`
	Actions               []PurgeAction `json:"actions"`
	ApprovalGateSatisfied *bool         `json:"approvalGateSatisfied"`
	Approvals             []string      `json:"approvals"`
}

// ResolveRetentionDays returns the company's override for a message class
// when one is set and at least one day long, otherwise the class default.
// Unknown classes are an error, never a silent fallback.
func ResolveRetentionDays(class string, companyPolicy map[string]int, defaults map[string]int) (int, error) {
	if defaults == nil {
		defaults = DefaultPolicy
	}
	fallback, ok := defaults[class]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedClass, class)
	}
	if override, ok := companyPolicy[class]; ok && override >= 1 {
		return override, nil
	}
	return fallback, nil
}

// holdMatches reports whether an active hold covers the message. Status,
// start, and end are checked against asOf before the scope comparison.
func holdMatches(hold store.LegalHold, msg store.Message, asOf time.Time) bool {
	if hold.Status != "active" {
		return false
	}
	if hold.StartsAt.After(asOf) {
		return false
	}
	if hold.EndsAt != nil && !hold.EndsAt.After(asOf) {
		return false
	}
	switch hold.Scope {
	case "company":
		return hold.CompanyID == msg.CompanyID
	case "user":
		return hold.CompanyID == msg.CompanyID && hold.TargetUserEmpid == msg.AuthorEmpid
	case "conversation":
		return hold.CompanyID == msg.CompanyID && msg.ConversationID != "" && hold.ConversationID == msg.ConversationID
	case "linked_entity":
		return hold.CompanyID == msg.CompanyID &&
			msg.LinkedType != "" && hold.LinkedEntityType == msg.LinkedType &&
			hold.LinkedEntityID == msg.LinkedID
	default:
		return false
	}
}

// EvaluateMessageLifecycle decides a single message's fate as of a given
// instant. A matching active hold always wins over an expired retention
// window; the deadline comparison runs only when no hold applies.
func EvaluateMessageLifecycle(msg store.Message, companyPolicy map[string]int, holds []store.LegalHold, asOf time.Time) (LifecycleDecision, error) {
	days, err := ResolveRetentionDays(msg.MessageClass, companyPolicy, DefaultPolicy)
	if err != nil {
		return LifecycleDecision{}, err
	}
	deadline := msg.CreatedAt.AddDate(0, 0, days)

	for _, hold := range holds {
		if holdMatches(hold, msg, asOf) {
			return LifecycleDecision{
				MessageID:         msg.ID,
				Status:            StatusBlockedByLegalHold,
				PurgeEligible:     false,
				RetentionDeadline: deadline,
				HoldID:            hold.ID,
			}, nil
		}
	}

	decision := LifecycleDecision{
		MessageID:         msg.ID,
		RetentionDeadline: deadline,
	}
	if !deadline.After(asOf) {
		decision.Status = StatusEligibleForPurge
		decision.PurgeEligible = true
	} else {
		decision.Status = StatusRetained
	}
	return decision, nil
}

// BuildPurgePlan evaluates every message for one company and partitions
// the set into purge candidates and skips. Messages from other companies
// are recorded as skipped with reason different_company rather than
// silently dropped, so the summary always accounts for every input row.
func BuildPurgePlan(companyID int64, messages []store.Message, companyPolicy map[string]int, holds []store.LegalHold, asOf time.Time) (PurgePlan, error) {
	plan := PurgePlan{
		CompanyID:  companyID,
		AsOf:       asOf,
		Candidates: []PlanCandidate{},
		Skipped:    []PlanSkip{},
	}

	for _, msg := range messages {
		plan.Summary.Inspected++
		if msg.CompanyID != companyID {
			plan.Skipped = append(plan.Skipped, PlanSkip{MessageID: msg.ID, Reason: "different_company"})
			plan.Summary.SkippedCount++
			continue
		}

		decision, err := EvaluateMessageLifecycle(msg, companyPolicy, holds, asOf)
		if err != nil {
			return PurgePlan{}, err
		}

		switch decision.Status {
		case StatusEligibleForPurge:
			plan.Candidates = append(plan.Candidates, PlanCandidate{MessageID: msg.ID, Decision: decision})
			plan.Summary.CandidateCount++
		case StatusBlockedByLegalHold:
			plan.Skipped = append(plan.Skipped, PlanSkip{MessageID: msg.ID, Reason: string(StatusBlockedByLegalHold), HoldID: decision.HoldID})
			plan.Summary.SkippedCount++
		default:
			plan.Skipped = append(plan.Skipped, PlanSkip{MessageID: msg.ID, Reason: string(StatusRetained)})
			plan.Summary.SkippedCount++
		}
	}
	return plan, nil
}

// ApplyPurgePlan turns a plan into a list of actions. A dry run never
// consults the approval gate and marks every candidate would_delete. A
// real run requires the deduplicated approver set to meet the threshold
// before any action is produced.
func ApplyPurgePlan(plan PurgePlan, dryRun bool, approvals []string, requiredApprovals int) (ApplyResult, error) {
	deduped := dedupeApprovals(approvals)

	result := ApplyResult{
		DryRun:    dryRun,
		Actions:   make([]PurgeAction, 0, len(plan.Candidates)),
		Approvals: deduped,
	}

	if dryRun {
		for _, candidate := range plan.Candidates {
			result.Actions = append(result.Actions, PurgeAction{MessageID: candidate.MessageID, Action: "would_delete"})
		}
		return result, nil
	}

	satisfied := len(deduped) >= requiredApprovals
	result.ApprovalGateSatisfied = &satisfied
	if !satisfied {
		return ApplyResult{}, &ApprovalGateError{Required: requiredApprovals, Approvals: len(deduped)}
	}

	for _, candidate := range plan.Candidates {
		result.Actions = append(result.Actions, PurgeAction{MessageID: candidate.MessageID, Action: "delete"})
	}
	return result, nil
}

func dedupeApprovals(approvals []string) []string {
	seen := make(map[string]struct{}, len(approvals))
	deduped := make([]string, 0, len(approvals))
	for _, approver := range approvals {
		if approver == "" {
			continue
		}
		if _, ok := seen[approver]; ok {
			continue
		}
		seen[approver] = struct{}{}
		deduped = append(deduped, approver)
	}
	return deduped
}
