package service

import (
	"context"
	"time"

	"github.com/eudresfs/pgben-approvals/internal/auth"
	"github.com/eudresfs/pgben-approvals/internal/errors"
	"github.com/eudresfs/pgben-approvals/internal/logger"
	"github.com/eudresfs/pgben-approvals/internal/repository"
)

// DelegationService manages time-bounded transfers of approval authority.
// A delegation is consulted at decision time, never merged into the source
// approver's record.
type DelegationService struct {
	delegations DelegationStore
	approvers   ApproverStore
	log         *logger.Logger
	Now         func() time.Time
}

// NewDelegationService creates a new DelegationService.
func NewDelegationService(delegations DelegationStore, approvers ApproverStore, log *logger.Logger) *DelegationService {
	return &DelegationService{delegations: delegations, approvers: approvers, log: log, Now: time.Now}
}

// CreateDelegationRequest carries the fields for Create.
type CreateDelegationRequest struct {
	SourceApproverID   string
	DelegateApproverID string
	StartDate          time.Time
	EndDate            time.Time
	Scope              repository.DelegationScope
	AllowedActionTypes []string
	MaxValue           *float64
	Conditions         *repository.DelegationConditions
}

// Create registers a delegation after checking the source approver exists
// and is allowed to delegate.
func (s *DelegationService) Create(ctx context.Context, req *CreateDelegationRequest) (*repository.Delegation, error) {
	if req.DelegateApproverID == "" {
		return nil, errors.InvalidInput("delegate_approver_id", "is required")
	}
	if !req.EndDate.After(req.StartDate) {
		return nil, errors.InvalidInput("end_date", "must be after start_date")
	}

	source, err := s.approvers.GetByID(ctx, req.SourceApproverID)
	if err != nil {
		return nil, err
	}
	if !source.CanDelegate {
		return nil, errors.New(errors.ErrCodeForbidden, "source approver may not delegate")
	}
	if source.Subject.Type == repository.ApproverUser && source.Subject.UserID == req.DelegateApproverID {
		return nil, errors.InvalidInput("delegate_approver_id", "cannot delegate to oneself")
	}

	scope := req.Scope
	if scope == "" {
		scope = repository.ScopeGlobal
	}

	d := &repository.Delegation{
		SourceApproverID:   req.SourceApproverID,
		DelegateApproverID: req.DelegateApproverID,
		StartDate:          req.StartDate,
		EndDate:            req.EndDate,
		Scope:              scope,
		AllowedActionTypes: req.AllowedActionTypes,
		MaxValue:           req.MaxValue,
		Conditions:         req.Conditions,
		Active:             true,
	}
	if err := s.delegations.Create(ctx, d); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("delegation_id", d.ID).
		Str("source_approver_id", d.SourceApproverID).
		Str("delegate", d.DelegateApproverID).
		Time("start", d.StartDate).
		Time("end", d.EndDate).
		Msg("delegation created")
	return d, nil
}

// Get returns a delegation by id.
func (s *DelegationService) Get(ctx context.Context, id string) (*repository.Delegation, error) {
	return s.delegations.GetByID(ctx, id)
}

// ListByDelegate returns delegations naming the principal as delegate.
func (s *DelegationService) ListByDelegate(ctx context.Context, delegateID string) ([]*repository.Delegation, error) {
	return s.delegations.ListByDelegate(ctx, delegateID)
}

// Revoke terminally disables a delegation. Only the source approver's user
// or a principal with the revoke permission may revoke.
func (s *DelegationService) Revoke(ctx context.Context, id string, principal *auth.Principal, reason string) error {
	if reason == "" {
		return errors.InvalidInput("reason", "revocation reason is required")
	}

	d, err := s.delegations.GetByID(ctx, id)
	if err != nil {
		return err
	}

	source, err := s.approvers.GetByID(ctx, d.SourceApproverID)
	if err != nil {
		return err
	}
	allowed := SubjectMatches(source.Subject, principal) ||
		(principal != nil && principal.HasPermission("approvals.delegation.revoke"))
	if !allowed {
		return errors.New(errors.ErrCodeForbidden, "not allowed to revoke this delegation")
	}

	if err := s.delegations.Revoke(ctx, id, principal.ID, reason); err != nil {
		return err
	}

	s.log.Info().
		Str("delegation_id", id).
		Str("revoked_by", principal.ID).
		Msg("delegation revoked")
	return nil
}

// ResolveEffectiveApprover returns the principal that currently holds the
// approver's authority for the given decision context: the delegate when a
// currently-effective delegation admits the action type and value, otherwise
// the original approver's own principal (empty for non-USER subjects).
func (s *DelegationService) ResolveEffectiveApprover(ctx context.Context, approver *repository.Approver, actionType string, value *float64, now time.Time) (string, error) {
	d, err := s.effectiveDelegation(ctx, approver, actionType, value, now)
	if err != nil {
		return "", err
	}
	if d != nil {
		return d.DelegateApproverID, nil
	}
	return approver.Subject.UserID, nil
}

// IsDelegateFor reports whether principalID may act in place of the approver
// for this decision context via a currently-effective delegation.
func (s *DelegationService) IsDelegateFor(ctx context.Context, principalID string, approver *repository.Approver, actionType string, value *float64, now time.Time) (bool, error) {
	d, err := s.effectiveDelegation(ctx, approver, actionType, value, now)
	if err != nil {
		return false, err
	}
	return d != nil && d.DelegateApproverID == principalID, nil
}

func (s *DelegationService) effectiveDelegation(ctx context.Context, approver *repository.Approver, actionType string, value *float64, now time.Time) (*repository.Delegation, error) {
	candidates, err := s.delegations.ListActiveBySource(ctx, approver.ID, now)
	if err != nil {
		return nil, err
	}

	for _, d := range candidates {
		if !d.IsEffective(now) {
			continue
		}
		if !d.Admits(actionType, value, now) {
			continue
		}
		if ok, err := s.withinDailyCap(ctx, d, now); err != nil {
			return nil, err
		} else if !ok {
			continue
		}
		return d, nil
	}
	return nil, nil
}

// withinDailyCap enforces the optional per-day approval cap condition.
func (s *DelegationService) withinDailyCap(ctx context.Context, d *repository.Delegation, now time.Time) (bool, error) {
	if d.Conditions == nil || d.Conditions.MaxApprovalsPerDay <= 0 {
		return true, nil
	}
	count, err := s.delegations.CountDecisionsToday(ctx, d.DelegateApproverID, now)
	if err != nil {
		return false, err
	}
	return count < d.Conditions.MaxApprovalsPerDay, nil
}
