package repository

import (
	"fmt"
	"time"
)

// ── Enumerations ─────────────────────────────────────────────────────────────

// Strategy selects how decisions aggregate into a quorum.
type Strategy string

const (
	StrategySimple       Strategy = "simple"       // first decision settles the outcome
	StrategyMajority     Strategy = "majority"     // min_approvals distinct approvals
	StrategyUnanimous    Strategy = "unanimous"    // every approval, any rejection terminates
	StrategyHierarchical Strategy = "hierarchical" // approvals in ascending approver order
	StrategyWeighted     Strategy = "weighted"     // sum of approver weights vs min_approvals
)

// ApproverType discriminates the approver subject union.
type ApproverType string

const (
	ApproverUser           ApproverType = "user"
	ApproverProfile        ApproverType = "profile"
	ApproverUnit           ApproverType = "unit"
	ApproverHierarchyLevel ApproverType = "hierarchy_level"
)

// DelegationScope bounds where a delegation applies.
type DelegationScope string

const (
	ScopeGlobal     DelegationScope = "global"
	ScopeUnit       DelegationScope = "unit"
	ScopeDepartment DelegationScope = "department"
)

// SolicitationStatus is the lifecycle state. pending is the sole initial
// state; the other four are terminal.
type SolicitationStatus string

const (
	StatusPending   SolicitationStatus = "pending"
	StatusApproved  SolicitationStatus = "approved"
	StatusRejected  SolicitationStatus = "rejected"
	StatusCancelled SolicitationStatus = "cancelled"
	StatusExpired   SolicitationStatus = "expired"
)

// IsTerminal reports whether no further transitions are possible.
func (s SolicitationStatus) IsTerminal() bool {
	return s != StatusPending
}

// DecisionAction is what an approver can submit.
type DecisionAction string

const (
	ActionApprove     DecisionAction = "approve"
	ActionReject      DecisionAction = "reject"
	ActionRequestInfo DecisionAction = "request_info"
)

// ── Operating hours ──────────────────────────────────────────────────────────

// OperatingHours restricts when an approver (or configuration) may act.
// Days uses time.Weekday numbering (0 = Sunday). Start/End are "HH:MM".
type OperatingHours struct {
	Days  []int  `json:"days"`
	Start string `json:"start"`
	End   string `json:"end"`
}

// Contains reports whether t falls inside the window.
func (h *OperatingHours) Contains(t time.Time) bool {
	if h == nil {
		return true
	}
	if len(h.Days) > 0 {
		found := false
		for _, d := range h.Days {
			if int(t.Weekday()) == d {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if h.Start == "" || h.End == "" {
		return true
	}
	hhmm := t.Format("15:04")
	return hhmm >= h.Start && hhmm <= h.End
}

// ── Approval configuration ───────────────────────────────────────────────────

// ApprovalConfiguration is the per-action-type approval policy. At most one
// active configuration exists per action type (enforced by a partial unique
// index); configurations are deactivated, never deleted.
type ApprovalConfiguration struct {
	ID                     string          `json:"id"`
	ActionType             string          `json:"action_type"`
	Strategy               Strategy        `json:"strategy"`
	MinApprovals           int             `json:"min_approvals"`
	TimeLimitHours         int             `json:"time_limit_hours"`
	AllowsParallelApproval bool            `json:"allows_parallel_approval"`
	AllowsAutoApproval     bool            `json:"allows_auto_approval"`
	MinValue               *float64        `json:"min_value,omitempty"` // values below this auto-approve when allowed
	OperatingHours         *OperatingHours `json:"operating_hours,omitempty"`
	Active                 bool            `json:"active"`
	CreatedAt              time.Time       `json:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at"`
}

// ── Approver ─────────────────────────────────────────────────────────────────

// ApproverSubject is the tagged union identifying who an approver row refers
// to. Exactly one payload is meaningful, selected by Type.
type ApproverSubject struct {
	Type           ApproverType `json:"type"`
	UserID         string       `json:"user_id,omitempty"`
	Profile        string       `json:"profile,omitempty"`
	Unit           string       `json:"unit,omitempty"`
	HierarchyLevel int          `json:"hierarchy_level,omitempty"`
}

// UserSubject builds a USER subject.
func UserSubject(userID string) ApproverSubject {
	return ApproverSubject{Type: ApproverUser, UserID: userID}
}

// ProfileSubject builds a PROFILE subject.
func ProfileSubject(profile string) ApproverSubject {
	return ApproverSubject{Type: ApproverProfile, Profile: profile}
}

// UnitSubject builds a UNIT subject.
func UnitSubject(unit string) ApproverSubject {
	return ApproverSubject{Type: ApproverUnit, Unit: unit}
}

// HierarchyLevelSubject builds a HIERARCHY_LEVEL subject.
func HierarchyLevelSubject(level int) ApproverSubject {
	return ApproverSubject{Type: ApproverHierarchyLevel, HierarchyLevel: level}
}

// Validate checks that the payload matching Type is set.
func (s ApproverSubject) Validate() error {
	switch s.Type {
	case ApproverUser:
		if s.UserID == "" {
			return fmt.Errorf("user subject requires user_id")
		}
	case ApproverProfile:
		if s.Profile == "" {
			return fmt.Errorf("profile subject requires profile")
		}
	case ApproverUnit:
		if s.Unit == "" {
			return fmt.Errorf("unit subject requires unit")
		}
	case ApproverHierarchyLevel:
		if s.HierarchyLevel <= 0 {
			return fmt.Errorf("hierarchy_level subject requires a positive level")
		}
	default:
		return fmt.Errorf("unknown approver type %q", s.Type)
	}
	return nil
}

// String renders the subject for logs and display.
func (s ApproverSubject) String() string {
	switch s.Type {
	case ApproverUser:
		return "user:" + s.UserID
	case ApproverProfile:
		return "profile:" + s.Profile
	case ApproverUnit:
		return "unit:" + s.Unit
	case ApproverHierarchyLevel:
		return fmt.Sprintf("level:%d", s.HierarchyLevel)
	}
	return "unknown"
}

// Approver is one eligible decision-maker attached to a configuration.
type Approver struct {
	ID              string          `json:"id"`
	ConfigurationID string          `json:"configuration_id"`
	Subject         ApproverSubject `json:"subject"`
	Order           int             `json:"order"`  // ascending position for the hierarchical strategy
	Weight          int             `json:"weight"` // contribution under the weighted strategy
	Mandatory       bool            `json:"mandatory"`
	CanDelegate     bool            `json:"can_delegate"`
	CanEscalate     bool            `json:"can_escalate"`
	MinValue        *float64        `json:"min_value,omitempty"`
	MaxValue        *float64        `json:"max_value,omitempty"`
	OperatingHours  *OperatingHours `json:"operating_hours,omitempty"`
	Active          bool            `json:"active"`
	StartDate       *time.Time      `json:"start_date,omitempty"`
	EndDate         *time.Time      `json:"end_date,omitempty"`
	TotalApprovals  int             `json:"total_approvals"`
	TotalRejections int             `json:"total_rejections"`
	AvgResponseSecs float64         `json:"avg_response_secs"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// IsCurrentlyEligible composes the four independent eligibility predicates:
// active, validity window, operating hours, value range. All must hold.
func (a *Approver) IsCurrentlyEligible(now time.Time, value *float64) bool {
	if !a.Active {
		return false
	}
	if a.StartDate != nil && now.Before(*a.StartDate) {
		return false
	}
	if a.EndDate != nil && now.After(*a.EndDate) {
		return false
	}
	if !a.OperatingHours.Contains(now) {
		return false
	}
	if value != nil {
		if a.MinValue != nil && *value < *a.MinValue {
			return false
		}
		if a.MaxValue != nil && *value > *a.MaxValue {
			return false
		}
	}
	return true
}

// ── Delegation ───────────────────────────────────────────────────────────────

// DelegationConditions are optional fine-grained constraints stored as JSONB.
type DelegationConditions struct {
	Days               []int    `json:"days,omitempty"`
	Start              string   `json:"start,omitempty"`
	End                string   `json:"end,omitempty"`
	AllowedUnits       []string `json:"allowed_units,omitempty"`
	AllowedDepartments []string `json:"allowed_departments,omitempty"`
	MaxApprovalsPerDay int      `json:"max_approvals_per_day,omitempty"`
}

// Delegation transfers one approver's authority to another principal for a
// bounded window. The source approver's record is never mutated.
type Delegation struct {
	ID                 string                `json:"id"`
	SourceApproverID   string                `json:"source_approver_id"`
	DelegateApproverID string                `json:"delegate_approver_id"`
	StartDate          time.Time             `json:"start_date"`
	EndDate            time.Time             `json:"end_date"`
	Scope              DelegationScope       `json:"scope"`
	AllowedActionTypes []string              `json:"allowed_action_types,omitempty"`
	MaxValue           *float64              `json:"max_value,omitempty"`
	Conditions         *DelegationConditions `json:"conditions,omitempty"`
	Active             bool                  `json:"active"`
	RevokedAt          *time.Time            `json:"revoked_at,omitempty"`
	RevokedBy          *string               `json:"revoked_by,omitempty"`
	RevocationReason   *string               `json:"revocation_reason,omitempty"`
	CreatedAt          time.Time             `json:"created_at"`
	UpdatedAt          time.Time             `json:"updated_at"`
}

// IsEffective reports whether the delegation is in force at now.
// Revocation is terminal: a set RevokedAt short-circuits everything else.
func (d *Delegation) IsEffective(now time.Time) bool {
	if d.RevokedAt != nil {
		return false
	}
	if !d.Active {
		return false
	}
	return !now.Before(d.StartDate) && !now.After(d.EndDate)
}

// Admits reports whether the delegation's constraints allow deciding the
// given action type and value at now. Assumes IsEffective already passed.
func (d *Delegation) Admits(actionType string, value *float64, now time.Time) bool {
	if len(d.AllowedActionTypes) > 0 {
		ok := false
		for _, t := range d.AllowedActionTypes {
			if t == actionType {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if d.MaxValue != nil && value != nil && *value > *d.MaxValue {
		return false
	}
	if c := d.Conditions; c != nil {
		window := &OperatingHours{Days: c.Days, Start: c.Start, End: c.End}
		if !window.Contains(now) {
			return false
		}
	}
	return true
}

// ── Solicitation ─────────────────────────────────────────────────────────────

// OriginalRequest is the deferred side effect captured at creation time and
// replayed once the solicitation is approved.
type OriginalRequest struct {
	Method string            `json:"method"`
	URL    string            `json:"url"`
	Params map[string]string `json:"params,omitempty"`
	Body   map[string]any    `json:"body,omitempty"`
}

// Solicitation is the approval-request workflow entity. Creation fields are
// immutable; only the Decision Processor mutates status and counters.
// Version backs the optimistic-concurrency check on the decision path.
type Solicitation struct {
	ID                 string             `json:"id"`
	ActionType         string             `json:"action_type"`
	ConfigurationID    string             `json:"configuration_id"`
	RequesterID        string             `json:"requester_id"`
	Justification      string             `json:"justification"`
	ContextData        map[string]any     `json:"context_data,omitempty"`
	OriginalRequest    OriginalRequest    `json:"original_request"`
	ValueInvolved      *float64           `json:"value_involved,omitempty"`
	Status             SolicitationStatus `json:"status"`
	ApprovalsReceived  int                `json:"approvals_received"`
	RejectionsReceived int                `json:"rejections_received"`
	FirstApprovalAt    *time.Time         `json:"first_approval_at,omitempty"`
	CompletedAt        *time.Time         `json:"completed_at,omitempty"`
	InternalNotes      *string            `json:"internal_notes,omitempty"`
	ExpiresAt          time.Time          `json:"expires_at"`
	Version            int                `json:"version"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// IsExpired reports whether the decision deadline has passed.
func (s *Solicitation) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// ── Decision history ─────────────────────────────────────────────────────────

// DecisionHistoryEntry is one append-only audit record. Rows are write-once;
// the table rejects updates and deletes. ApproverID is the deciding
// principal; ApproverRowID and Weight capture which approver entry the
// decision was counted against, so weighted quorums stay reconstructible
// from the trail alone.
type DecisionHistoryEntry struct {
	ID             string         `json:"id"`
	SolicitationID string         `json:"solicitation_id"`
	ApproverID     string         `json:"approver_id"`
	ApproverRowID  *string        `json:"approver_row_id,omitempty"`
	Action         DecisionAction `json:"action"`
	Weight         int            `json:"weight"`
	Justification  *string        `json:"justification,omitempty"`
	DecidedAt      time.Time      `json:"decided_at"`
}
