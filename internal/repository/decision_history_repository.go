package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/eudresfs/pgben-approvals/internal/database"
	"github.com/eudresfs/pgben-approvals/internal/errors"
)

// DecisionHistoryRepository reads the append-only decision audit trail.
// Writes happen through SolicitationRepository.RecordDecision so the entry
// and the counter update share a transaction; the table itself rejects
// updates and deletes.
type DecisionHistoryRepository struct {
	db *database.DB
}

// NewDecisionHistoryRepository creates a new DecisionHistoryRepository.
func NewDecisionHistoryRepository(db *database.DB) *DecisionHistoryRepository {
	return &DecisionHistoryRepository{db: db}
}

// ListBySolicitation returns all decisions for a solicitation oldest-first.
func (r *DecisionHistoryRepository) ListBySolicitation(ctx context.Context, solicitationID string) ([]*DecisionHistoryEntry, error) {
	query := `
		SELECT id, solicitation_id, approver_id, approver_row_id,
		       action, weight, justification, decided_at
		FROM decision_history
		WHERE solicitation_id = $1
		ORDER BY decided_at ASC
	`

	rows, err := r.db.Query(ctx, query, solicitationID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get decision history")
	}
	defer rows.Close()

	var entries []*DecisionHistoryEntry
	for rows.Next() {
		entry := &DecisionHistoryEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.SolicitationID,
			&entry.ApproverID,
			&entry.ApproverRowID,
			&entry.Action,
			&entry.Weight,
			&entry.Justification,
			&entry.DecidedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan decision entry")
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// HasDecision reports whether an approver already decided on a solicitation.
func (r *DecisionHistoryRepository) HasDecision(ctx context.Context, solicitationID, approverID string) (bool, error) {
	query := `
		SELECT 1
		FROM decision_history
		WHERE solicitation_id = $1 AND approver_id = $2
	`

	var one int
	err := r.db.QueryRow(ctx, query, solicitationID, approverID).Scan(&one)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to check decision history")
	}
	return true, nil
}
