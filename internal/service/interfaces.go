package service

import (
	"context"
	"time"

	"github.com/eudresfs/pgben-approvals/internal/repository"
)

// The services depend on narrow store interfaces rather than the concrete
// pgx repositories so the quorum and state-machine logic is testable without
// a database. The repository types satisfy these directly.

// ConfigurationStore persists approval configurations.
type ConfigurationStore interface {
	Create(ctx context.Context, cfg *repository.ApprovalConfiguration) error
	GetByID(ctx context.Context, id string) (*repository.ApprovalConfiguration, error)
	GetActiveByActionType(ctx context.Context, actionType string) (*repository.ApprovalConfiguration, error)
	List(ctx context.Context, activeOnly bool) ([]*repository.ApprovalConfiguration, error)
	Update(ctx context.Context, cfg *repository.ApprovalConfiguration) error
	Deactivate(ctx context.Context, id string) error
}

// ApproverStore persists approvers.
type ApproverStore interface {
	Create(ctx context.Context, a *repository.Approver) error
	GetByID(ctx context.Context, id string) (*repository.Approver, error)
	ListByConfiguration(ctx context.Context, configurationID string, activeOnly bool) ([]*repository.Approver, error)
	Update(ctx context.Context, a *repository.Approver) error
	Deactivate(ctx context.Context, id string) error
	RecordDecisionStats(ctx context.Context, id string, approved bool, responseSecs float64) error
}

// DelegationStore persists delegations.
type DelegationStore interface {
	Create(ctx context.Context, d *repository.Delegation) error
	GetByID(ctx context.Context, id string) (*repository.Delegation, error)
	ListActiveBySource(ctx context.Context, sourceApproverID string, now time.Time) ([]*repository.Delegation, error)
	ListByDelegate(ctx context.Context, delegateID string) ([]*repository.Delegation, error)
	Revoke(ctx context.Context, id, revokedBy, reason string) error
	CountDecisionsToday(ctx context.Context, delegateID string, now time.Time) (int, error)
}

// SolicitationStore persists solicitations and the atomic decision write.
type SolicitationStore interface {
	Create(ctx context.Context, s *repository.Solicitation) error
	GetByID(ctx context.Context, id string) (*repository.Solicitation, error)
	ListByRequester(ctx context.Context, requesterID string, limit, offset int) ([]*repository.Solicitation, error)
	ListPendingByConfigurations(ctx context.Context, configurationIDs []string) ([]*repository.Solicitation, error)
	RecordDecision(ctx context.Context, entry *repository.DecisionHistoryEntry, s *repository.Solicitation, expectedVersion int) error
	TransitionStatus(ctx context.Context, id string, to repository.SolicitationStatus, completedAt *time.Time, notes *string) (bool, error)
	AppendInternalNote(ctx context.Context, id, note string) error
	StatusCounts(ctx context.Context) (map[repository.SolicitationStatus]int, error)
	AvgTimeToDecision(ctx context.Context) (time.Duration, error)
}

// DecisionHistoryStore reads the append-only decision trail.
type DecisionHistoryStore interface {
	ListBySolicitation(ctx context.Context, solicitationID string) ([]*repository.DecisionHistoryEntry, error)
	HasDecision(ctx context.Context, solicitationID, approverID string) (bool, error)
}

// EventPublisher emits domain events. Implementations must be non-fatal.
type EventPublisher interface {
	Publish(ctx context.Context, eventType, solicitationID, actionType, actorID, status string, payload map[string]any)
}
