package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"time"

	"github.com/eudresfs/pgben-approvals/internal/auth"
	"github.com/eudresfs/pgben-approvals/internal/errors"
	"github.com/eudresfs/pgben-approvals/internal/events"
	"github.com/eudresfs/pgben-approvals/internal/logger"
	"github.com/eudresfs/pgben-approvals/internal/replay"
	"github.com/eudresfs/pgben-approvals/internal/repository"
)

// ReplayExecutor performs the deferred side effect once a solicitation is
// approved.
type ReplayExecutor interface {
	Replay(ctx context.Context, s *repository.Solicitation, bearerToken string) (*replay.ExecutionResult, error)
}

// maxDecisionRetries bounds the optimistic-concurrency retry loop.
const maxDecisionRetries = 3

// DecisionService validates and applies approval decisions, aggregates the
// quorum and drives the solicitation state machine.
type DecisionService struct {
	sols        SolicitationStore
	history     DecisionHistoryStore
	approvers   ApproverStore
	configs     ConfigurationStore
	delegations *DelegationService
	publisher   EventPublisher
	executor    ReplayExecutor
	log         *logger.Logger
	Now         func() time.Time
}

// NewDecisionService creates a new DecisionService. executor may be nil in
// contexts where replay is handled elsewhere.
func NewDecisionService(
	sols SolicitationStore,
	history DecisionHistoryStore,
	approvers ApproverStore,
	configs ConfigurationStore,
	delegations *DelegationService,
	publisher EventPublisher,
	executor ReplayExecutor,
	log *logger.Logger,
) *DecisionService {
	return &DecisionService{
		sols:        sols,
		history:     history,
		approvers:   approvers,
		configs:     configs,
		delegations: delegations,
		publisher:   publisher,
		executor:    executor,
		log:         log,
		Now:         time.Now,
	}
}

// SubmitDecision applies one approver decision to a pending solicitation and
// returns the updated entity. The read-modify-write of counters and status
// runs under an optimistic version check; on a concurrent modification the
// whole validation sequence reruns against fresh state.
func (s *DecisionService) SubmitDecision(
	ctx context.Context,
	solicitationID string,
	principal *auth.Principal,
	action repository.DecisionAction,
	justification string,
) (*repository.Solicitation, error) {
	if principal == nil {
		return nil, errors.New(errors.ErrCodeUnauthorized, "no authenticated principal")
	}
	switch action {
	case repository.ActionApprove, repository.ActionReject, repository.ActionRequestInfo:
	default:
		return nil, errors.InvalidInput("action", "unknown decision action")
	}
	if action == repository.ActionReject && justification == "" {
		return nil, errors.InvalidInput("justification", "rejection requires a justification")
	}

	var lastErr error
	for attempt := 0; attempt < maxDecisionRetries; attempt++ {
		sol, err := s.attemptDecision(ctx, solicitationID, principal, action, justification)
		if err != nil {
			if errors.Is(err, errors.ErrCodeConflict) && isVersionConflict(err) {
				lastErr = err
				continue
			}
			return nil, err
		}
		return sol, nil
	}
	return nil, errors.Wrap(lastErr, errors.ErrCodeConflict,
		"decision could not be applied after concurrent updates")
}

func (s *DecisionService) attemptDecision(
	ctx context.Context,
	solicitationID string,
	principal *auth.Principal,
	action repository.DecisionAction,
	justification string,
) (*repository.Solicitation, error) {
	now := s.Now()

	sol, err := s.sols.GetByID(ctx, solicitationID)
	if err != nil {
		return nil, err
	}
	if sol.Status != repository.StatusPending {
		return nil, errors.Newf(errors.ErrCodeInvalidState,
			"cannot decide on solicitation in status %q (transition attempted from %q to a decided state)",
			sol.Status, sol.Status)
	}
	if sol.IsExpired(now) {
		s.expire(ctx, sol)
		return nil, errors.Newf(errors.ErrCodeExpired,
			"solicitation expired at %s", sol.ExpiresAt.Format(time.RFC3339))
	}

	cfg, err := s.configs.GetByID(ctx, sol.ConfigurationID)
	if err != nil {
		return nil, err
	}

	activeApprovers, err := s.approvers.ListByConfiguration(ctx, cfg.ID, true)
	if err != nil {
		return nil, err
	}

	entries, err := s.history.ListBySolicitation(ctx, sol.ID)
	if err != nil {
		return nil, err
	}
	t := newTally(entries)

	row, err := s.resolveApproverRow(ctx, sol, cfg, activeApprovers, t, principal, now)
	if err != nil {
		return nil, err
	}

	if decided, err := s.history.HasDecision(ctx, sol.ID, principal.ID); err != nil {
		return nil, err
	} else if decided {
		return nil, errors.Newf(errors.ErrCodeConflict,
			"approver %q already decided on this solicitation", principal.ID)
	}

	expectedVersion := sol.Version

	// Fold the new decision into counters and compute the resulting state.
	switch action {
	case repository.ActionApprove:
		sol.ApprovalsReceived++
		if sol.FirstApprovalAt == nil {
			sol.FirstApprovalAt = &now
		}
	case repository.ActionReject:
		sol.RejectionsReceived++
	}

	newStatus := sol.Status
	if action != repository.ActionRequestInfo {
		t.applyDecision(action, row)
		newStatus = evaluateQuorum(cfg, activeApprovers, t)
	}
	sol.Status = newStatus
	if newStatus.IsTerminal() {
		sol.CompletedAt = &now
	}

	entry := &repository.DecisionHistoryEntry{
		SolicitationID: sol.ID,
		ApproverID:     principal.ID,
		ApproverRowID:  &row.ID,
		Action:         action,
		Weight:         row.Weight,
	}
	if justification != "" {
		entry.Justification = &justification
	}

	if err := s.sols.RecordDecision(ctx, entry, sol, expectedVersion); err != nil {
		return nil, err
	}

	s.afterDecision(ctx, sol, row, entry, principal)
	return sol, nil
}

// resolveApproverRow finds the approver entry that authorizes the principal
// to decide, either directly or as delegate of one. Fails FORBIDDEN when no
// eligible entry covers the principal, or when a hierarchical decision is
// attempted out of turn.
func (s *DecisionService) resolveApproverRow(
	ctx context.Context,
	sol *repository.Solicitation,
	cfg *repository.ApprovalConfiguration,
	activeApprovers []*repository.Approver,
	t tally,
	principal *auth.Principal,
	now time.Time,
) (*repository.Approver, error) {
	var matched *repository.Approver
	for _, a := range activeApprovers {
		if !a.IsCurrentlyEligible(now, sol.ValueInvolved) {
			continue
		}
		if SubjectMatches(a.Subject, principal) {
			matched = a
			break
		}
	}
	if matched == nil {
		for _, a := range activeApprovers {
			if !a.IsCurrentlyEligible(now, sol.ValueInvolved) {
				continue
			}
			ok, err := s.delegations.IsDelegateFor(ctx, principal.ID, a, sol.ActionType, sol.ValueInvolved, now)
			if err != nil {
				return nil, err
			}
			if ok {
				matched = a
				break
			}
		}
	}
	if matched == nil {
		return nil, errors.Newf(errors.ErrCodeForbidden,
			"principal %q is not an eligible approver for this solicitation", principal.ID)
	}

	if cfg.Strategy == repository.StrategyHierarchical {
		if next := nextInOrder(activeApprovers, t); next != nil && next.ID != matched.ID {
			return nil, errors.Newf(errors.ErrCodeForbidden,
				"hierarchical approval is out of turn: approver at order %d must decide first", next.Order)
		}
	}
	return matched, nil
}

// nextInOrder returns the lowest-order approver entry without a decision.
func nextInOrder(approvers []*repository.Approver, t tally) *repository.Approver {
	sorted := make([]*repository.Approver, len(approvers))
	copy(sorted, approvers)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })
	for _, a := range sorted {
		if _, decided := t.decidedRows[a.ID]; !decided {
			return a
		}
	}
	return nil
}

// afterDecision runs the post-commit side effects: approver statistics, the
// domain event and, on approval, the deferred action replay. None of these
// can fail the already-recorded decision.
func (s *DecisionService) afterDecision(
	ctx context.Context,
	sol *repository.Solicitation,
	row *repository.Approver,
	entry *repository.DecisionHistoryEntry,
	principal *auth.Principal,
) {
	if entry.Action != repository.ActionRequestInfo {
		responseSecs := entry.DecidedAt.Sub(sol.CreatedAt).Seconds()
		if err := s.approvers.RecordDecisionStats(ctx, row.ID, entry.Action == repository.ActionApprove, responseSecs); err != nil {
			s.log.Warn().Err(err).Str("approver_id", row.ID).Msg("failed to record approver statistics")
		}
	}

	s.publisher.Publish(ctx, events.TypeDecisionProcessed, sol.ID, sol.ActionType, principal.ID,
		string(sol.Status), map[string]any{
			"action":              string(entry.Action),
			"approvals_received":  sol.ApprovalsReceived,
			"rejections_received": sol.RejectionsReceived,
		})

	s.log.Info().
		Str("solicitation_id", sol.ID).
		Str("approver", principal.ID).
		Str("action", string(entry.Action)).
		Str("status", string(sol.Status)).
		Int("approvals", sol.ApprovalsReceived).
		Int("rejections", sol.RejectionsReceived).
		Msg("decision processed")

	if sol.Status == repository.StatusApproved && s.executor != nil {
		s.runReplay(ctx, sol, principal.BearerToken)
	}
}

// runReplay performs the deferred side effect. The approval is already
// durable; a failed replay is surfaced as an execution-failure record for
// an operator, never as an unapproved solicitation.
func (s *DecisionService) runReplay(ctx context.Context, sol *repository.Solicitation, bearerToken string) {
	result, err := s.executor.Replay(ctx, sol, bearerToken)
	if err != nil {
		s.log.Error().Err(err).
			Str("solicitation_id", sol.ID).
			Int("status_code", result.StatusCode).
			Msg("deferred action replay failed")

		note := fmt.Sprintf("replay %s failed: %v", result.ExecutionID, err)
		if noteErr := s.sols.AppendInternalNote(ctx, sol.ID, note); noteErr != nil {
			s.log.Warn().Err(noteErr).Str("solicitation_id", sol.ID).Msg("failed to record replay failure")
		}
		s.publisher.Publish(ctx, events.TypeReplayFailed, sol.ID, sol.ActionType, "", string(sol.Status),
			map[string]any{"execution_id": result.ExecutionID, "details": result.Details})
		return
	}

	s.log.Info().
		Str("solicitation_id", sol.ID).
		Str("execution_id", result.ExecutionID).
		Int("status_code", result.StatusCode).
		Msg("deferred action replayed")
}

// GetHistory returns the full decision trail for a solicitation.
func (s *DecisionService) GetHistory(ctx context.Context, solicitationID string) ([]*repository.DecisionHistoryEntry, error) {
	if _, err := s.sols.GetByID(ctx, solicitationID); err != nil {
		return nil, err
	}
	return s.history.ListBySolicitation(ctx, solicitationID)
}

// ManualReplay re-runs the deferred action of an already-approved
// solicitation. This is the operator-facing reconciliation path for
// solicitations whose first replay failed.
func (s *DecisionService) ManualReplay(ctx context.Context, solicitationID string, principal *auth.Principal) (*replay.ExecutionResult, error) {
	if s.executor == nil {
		return nil, errors.New(errors.ErrCodeInternal, "replay executor is not configured")
	}
	sol, err := s.sols.GetByID(ctx, solicitationID)
	if err != nil {
		return nil, err
	}
	if sol.Status != repository.StatusApproved {
		return nil, errors.Newf(errors.ErrCodeInvalidState,
			"cannot replay solicitation in status %q (replay requires %q)",
			sol.Status, repository.StatusApproved)
	}

	result, err := s.executor.Replay(ctx, sol, principal.BearerToken)
	if err != nil {
		note := fmt.Sprintf("manual replay %s by %s failed: %v", result.ExecutionID, principal.ID, err)
		if noteErr := s.sols.AppendInternalNote(ctx, sol.ID, note); noteErr != nil {
			s.log.Warn().Err(noteErr).Str("solicitation_id", sol.ID).Msg("failed to record replay failure")
		}
		return result, err
	}
	return result, nil
}

// expire lazily transitions a past-deadline solicitation. Counters are left
// untouched.
func (s *DecisionService) expire(ctx context.Context, sol *repository.Solicitation) {
	transitioned, err := s.sols.TransitionStatus(ctx, sol.ID, repository.StatusExpired, nil, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("solicitation_id", sol.ID).Msg("failed to expire solicitation")
		return
	}
	if transitioned {
		s.publisher.Publish(ctx, events.TypeSolicitationExpired, sol.ID, sol.ActionType, "",
			string(repository.StatusExpired), nil)
	}
}

// isVersionConflict distinguishes the optimistic-concurrency conflict, which
// is retryable, from semantic conflicts like double votes, which are not.
func isVersionConflict(err error) bool {
	var appErr *errors.Error
	if !stderrors.As(err, &appErr) {
		return false
	}
	return appErr.Message == "solicitation was modified concurrently"
}
