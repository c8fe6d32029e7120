package service

import (
	"context"
	"time"

	"github.com/eudresfs/pgben-approvals/internal/auth"
	"github.com/eudresfs/pgben-approvals/internal/errors"
	"github.com/eudresfs/pgben-approvals/internal/logger"
	"github.com/eudresfs/pgben-approvals/internal/repository"
)

// ApproverService is the approver directory: it resolves the concrete set of
// eligible approvers for a configuration and manages their records.
type ApproverService struct {
	approvers ApproverStore
	configs   ConfigurationStore
	log       *logger.Logger
	Now       func() time.Time
}

// NewApproverService creates a new ApproverService.
func NewApproverService(approvers ApproverStore, configs ConfigurationStore, log *logger.Logger) *ApproverService {
	return &ApproverService{approvers: approvers, configs: configs, log: log, Now: time.Now}
}

// AddApproverRequest carries the fields for Add.
type AddApproverRequest struct {
	ConfigurationID string
	Subject         repository.ApproverSubject
	Order           int
	Weight          int
	Mandatory       bool
	CanDelegate     bool
	CanEscalate     bool
	MinValue        *float64
	MaxValue        *float64
	OperatingHours  *repository.OperatingHours
	StartDate       *time.Time
	EndDate         *time.Time
}

// Add attaches a new approver to a configuration.
func (s *ApproverService) Add(ctx context.Context, req *AddApproverRequest) (*repository.Approver, error) {
	if err := req.Subject.Validate(); err != nil {
		return nil, errors.InvalidInput("subject", err.Error())
	}
	if req.MinValue != nil && req.MaxValue != nil && *req.MinValue > *req.MaxValue {
		return nil, errors.InvalidInput("min_value", "must not exceed max_value")
	}
	if _, err := s.configs.GetByID(ctx, req.ConfigurationID); err != nil {
		return nil, err
	}

	weight := req.Weight
	if weight <= 0 {
		weight = 1
	}

	a := &repository.Approver{
		ConfigurationID: req.ConfigurationID,
		Subject:         req.Subject,
		Order:           req.Order,
		Weight:          weight,
		Mandatory:       req.Mandatory,
		CanDelegate:     req.CanDelegate,
		CanEscalate:     req.CanEscalate,
		MinValue:        req.MinValue,
		MaxValue:        req.MaxValue,
		OperatingHours:  req.OperatingHours,
		Active:          true,
		StartDate:       req.StartDate,
		EndDate:         req.EndDate,
	}
	if err := s.approvers.Create(ctx, a); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("approver_id", a.ID).
		Str("configuration_id", a.ConfigurationID).
		Str("subject", a.Subject.String()).
		Msg("approver added")
	return a, nil
}

// Get returns an approver by id.
func (s *ApproverService) Get(ctx context.Context, id string) (*repository.Approver, error) {
	return s.approvers.GetByID(ctx, id)
}

// Update persists changes to an approver record.
func (s *ApproverService) Update(ctx context.Context, a *repository.Approver) error {
	if a.MinValue != nil && a.MaxValue != nil && *a.MinValue > *a.MaxValue {
		return errors.InvalidInput("min_value", "must not exceed max_value")
	}
	return s.approvers.Update(ctx, a)
}

// Remove soft-deactivates an approver; history stays attributable.
func (s *ApproverService) Remove(ctx context.Context, id string) error {
	return s.approvers.Deactivate(ctx, id)
}

// ListEligible returns the approvers of a configuration that pass all four
// eligibility predicates for the given decision context. Failing a predicate
// excludes the approver from this context only; stored state is untouched.
func (s *ApproverService) ListEligible(ctx context.Context, configurationID string, value *float64, now time.Time) ([]*repository.Approver, error) {
	all, err := s.approvers.ListByConfiguration(ctx, configurationID, true)
	if err != nil {
		return nil, err
	}

	eligible := make([]*repository.Approver, 0, len(all))
	for _, a := range all {
		if a.IsCurrentlyEligible(now, value) {
			eligible = append(eligible, a)
		}
	}
	return eligible, nil
}

// SubjectMatches reports whether a principal is covered by an approver's
// subject. The switch is exhaustive over the union's cases.
func SubjectMatches(subject repository.ApproverSubject, p *auth.Principal) bool {
	if p == nil {
		return false
	}
	switch subject.Type {
	case repository.ApproverUser:
		return subject.UserID == p.ID
	case repository.ApproverProfile:
		return subject.Profile != "" && subject.Profile == p.Profile
	case repository.ApproverUnit:
		return subject.Unit != "" && subject.Unit == p.Unit
	case repository.ApproverHierarchyLevel:
		return p.HierarchyLevel >= subject.HierarchyLevel && subject.HierarchyLevel > 0
	}
	return false
}
