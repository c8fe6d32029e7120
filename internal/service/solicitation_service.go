package service

import (
	"context"
	"time"

	"github.com/eudresfs/pgben-approvals/internal/auth"
	"github.com/eudresfs/pgben-approvals/internal/errors"
	"github.com/eudresfs/pgben-approvals/internal/events"
	"github.com/eudresfs/pgben-approvals/internal/logger"
	"github.com/eudresfs/pgben-approvals/internal/repository"
)

// SolicitationService owns the solicitation lifecycle outside the decision
// path: creation, cancellation, lazy expiry and the query surfaces.
type SolicitationService struct {
	sols        SolicitationStore
	configs     ConfigurationStore
	approvers   ApproverStore
	delegations *DelegationService
	publisher   EventPublisher
	log         *logger.Logger
	Now         func() time.Time
}

// NewSolicitationService creates a new SolicitationService.
func NewSolicitationService(
	sols SolicitationStore,
	configs ConfigurationStore,
	approvers ApproverStore,
	delegations *DelegationService,
	publisher EventPublisher,
	log *logger.Logger,
) *SolicitationService {
	return &SolicitationService{
		sols:        sols,
		configs:     configs,
		approvers:   approvers,
		delegations: delegations,
		publisher:   publisher,
		log:         log,
		Now:         time.Now,
	}
}

// CreateSolicitationRequest carries the fields for Create.
type CreateSolicitationRequest struct {
	ActionType      string
	RequesterID     string
	Justification   string
	ContextData     map[string]any
	OriginalRequest repository.OriginalRequest
	ValueInvolved   *float64
}

// Create opens a new PENDING solicitation capturing the deferred request.
// The expiry deadline comes from the configuration's time limit.
func (s *SolicitationService) Create(ctx context.Context, req *CreateSolicitationRequest) (*repository.Solicitation, error) {
	if req.ActionType == "" {
		return nil, errors.InvalidInput("action_type", "is required")
	}
	if req.RequesterID == "" {
		return nil, errors.InvalidInput("requester_id", "is required")
	}
	if req.Justification == "" {
		return nil, errors.InvalidInput("justification", "is required")
	}
	if req.OriginalRequest.Method == "" || req.OriginalRequest.URL == "" {
		return nil, errors.InvalidInput("original_request", "method and url are required")
	}

	cfg, err := s.configs.GetActiveByActionType(ctx, req.ActionType)
	if err != nil {
		return nil, err
	}

	now := s.Now()
	sol := &repository.Solicitation{
		ActionType:      req.ActionType,
		ConfigurationID: cfg.ID,
		RequesterID:     req.RequesterID,
		Justification:   req.Justification,
		ContextData:     req.ContextData,
		OriginalRequest: req.OriginalRequest,
		ValueInvolved:   req.ValueInvolved,
		ExpiresAt:       now.Add(time.Duration(cfg.TimeLimitHours) * time.Hour),
	}
	if err := s.sols.Create(ctx, sol); err != nil {
		return nil, err
	}

	s.publisher.Publish(ctx, events.TypeSolicitationCreated, sol.ID, sol.ActionType, sol.RequesterID,
		string(sol.Status), map[string]any{"expires_at": sol.ExpiresAt})

	s.log.Info().
		Str("solicitation_id", sol.ID).
		Str("action_type", sol.ActionType).
		Str("requester_id", sol.RequesterID).
		Time("expires_at", sol.ExpiresAt).
		Msg("solicitation created")
	return sol, nil
}

// Get returns a solicitation, lazily expiring it when past its deadline.
func (s *SolicitationService) Get(ctx context.Context, id string) (*repository.Solicitation, error) {
	sol, err := s.sols.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.expireIfNeeded(ctx, sol), nil
}

// Cancel terminally withdraws a still-PENDING solicitation. Only the
// requester may cancel.
func (s *SolicitationService) Cancel(ctx context.Context, id string, principal *auth.Principal, reason string) error {
	sol, err := s.sols.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if principal == nil || sol.RequesterID != principal.ID {
		return errors.New(errors.ErrCodeForbidden, "only the requester can cancel a solicitation")
	}
	if sol.Status != repository.StatusPending {
		return errors.Newf(errors.ErrCodeInvalidState,
			"cannot cancel solicitation in status %q (cancel is only valid from %q)",
			sol.Status, repository.StatusPending)
	}

	now := s.Now()
	var notes *string
	if reason != "" {
		note := "cancelled: " + reason
		notes = &note
	}
	transitioned, err := s.sols.TransitionStatus(ctx, id, repository.StatusCancelled, &now, notes)
	if err != nil {
		return err
	}
	if !transitioned {
		// Lost a race with a concurrent decision or expiry.
		current, getErr := s.sols.GetByID(ctx, id)
		status := repository.SolicitationStatus("unknown")
		if getErr == nil {
			status = current.Status
		}
		return errors.Newf(errors.ErrCodeInvalidState,
			"cannot cancel solicitation in status %q (cancel is only valid from %q)",
			status, repository.StatusPending)
	}

	s.publisher.Publish(ctx, events.TypeSolicitationCancelled, id, sol.ActionType, principal.ID,
		string(repository.StatusCancelled), map[string]any{"reason": reason})

	s.log.Info().
		Str("solicitation_id", id).
		Str("cancelled_by", principal.ID).
		Msg("solicitation cancelled")
	return nil
}

// ListByRequester returns a requester's solicitations newest-first.
func (s *SolicitationService) ListByRequester(ctx context.Context, requesterID string, limit, offset int) ([]*repository.Solicitation, error) {
	if limit < 1 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	sols, err := s.sols.ListByRequester(ctx, requesterID, limit, offset)
	if err != nil {
		return nil, err
	}
	for i, sol := range sols {
		sols[i] = s.expireIfNeeded(ctx, sol)
	}
	return sols, nil
}

// PendingForApprover returns the PENDING solicitations the principal can
// currently decide on, directly or as a delegate.
func (s *SolicitationService) PendingForApprover(ctx context.Context, principal *auth.Principal) ([]*repository.Solicitation, error) {
	if principal == nil {
		return nil, errors.New(errors.ErrCodeUnauthorized, "no authenticated principal")
	}
	now := s.Now()

	cfgs, err := s.configs.List(ctx, true)
	if err != nil {
		return nil, err
	}

	approversByCfg := make(map[string][]*repository.Approver, len(cfgs))
	var cfgIDs []string
	for _, cfg := range cfgs {
		rows, err := s.approvers.ListByConfiguration(ctx, cfg.ID, true)
		if err != nil {
			return nil, err
		}
		approversByCfg[cfg.ID] = rows
		cfgIDs = append(cfgIDs, cfg.ID)
	}

	pending, err := s.sols.ListPendingByConfigurations(ctx, cfgIDs)
	if err != nil {
		return nil, err
	}

	var result []*repository.Solicitation
	for _, sol := range pending {
		if s.expireIfNeeded(ctx, sol).Status != repository.StatusPending {
			continue
		}
		ok, err := s.canDecide(ctx, principal, sol, approversByCfg[sol.ConfigurationID], now)
		if err != nil {
			return nil, err
		}
		if ok {
			result = append(result, sol)
		}
	}
	return result, nil
}

// canDecide reports whether any eligible approver entry covers the principal
// for this solicitation, directly or via delegation.
func (s *SolicitationService) canDecide(ctx context.Context, principal *auth.Principal, sol *repository.Solicitation, rows []*repository.Approver, now time.Time) (bool, error) {
	for _, a := range rows {
		if !a.IsCurrentlyEligible(now, sol.ValueInvolved) {
			continue
		}
		if SubjectMatches(a.Subject, principal) {
			return true, nil
		}
		ok, err := s.delegations.IsDelegateFor(ctx, principal.ID, a, sol.ActionType, sol.ValueInvolved, now)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Stats is the aggregate reporting surface.
type Stats struct {
	CountsByStatus        map[repository.SolicitationStatus]int `json:"counts_by_status"`
	AvgTimeToDecisionSecs float64                               `json:"avg_time_to_decision_secs"`
}

// GetStats aggregates counts by status and the mean time to decision.
func (s *SolicitationService) GetStats(ctx context.Context) (*Stats, error) {
	counts, err := s.sols.StatusCounts(ctx)
	if err != nil {
		return nil, err
	}
	avg, err := s.sols.AvgTimeToDecision(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{
		CountsByStatus:        counts,
		AvgTimeToDecisionSecs: avg.Seconds(),
	}, nil
}

// expireIfNeeded applies lazy expiry and returns the up-to-date entity.
func (s *SolicitationService) expireIfNeeded(ctx context.Context, sol *repository.Solicitation) *repository.Solicitation {
	if sol.Status != repository.StatusPending || !sol.IsExpired(s.Now()) {
		return sol
	}

	transitioned, err := s.sols.TransitionStatus(ctx, sol.ID, repository.StatusExpired, nil, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("solicitation_id", sol.ID).Msg("failed to expire solicitation")
		return sol
	}
	if transitioned {
		sol.Status = repository.StatusExpired
		s.publisher.Publish(ctx, events.TypeSolicitationExpired, sol.ID, sol.ActionType, "",
			string(repository.StatusExpired), nil)
		s.log.Info().Str("solicitation_id", sol.ID).Msg("solicitation expired")
	}
	return sol
}
