package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/eudresfs/pgben-approvals/internal/database"
	"github.com/eudresfs/pgben-approvals/internal/errors"
)

// DelegationRepository manages time-bounded authority transfers.
type DelegationRepository struct {
	db *database.DB
}

// NewDelegationRepository creates a new DelegationRepository.
func NewDelegationRepository(db *database.DB) *DelegationRepository {
	return &DelegationRepository{db: db}
}

const delegationColumns = `
	id, source_approver_id, delegate_approver_id, start_date, end_date,
	scope, allowed_action_types, max_value, conditions, active,
	revoked_at, revoked_by, revocation_reason, created_at, updated_at`

// Create inserts a new delegation.
func (r *DelegationRepository) Create(ctx context.Context, d *Delegation) error {
	conditionsJSON, err := marshalNullable(d.Conditions)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal delegation conditions")
	}

	query := `
		INSERT INTO delegations
		    (source_approver_id, delegate_approver_id, start_date, end_date,
		     scope, allowed_action_types, max_value, conditions, active)
		VALUES ($1, $2, $3, $4,
		        $5::delegation_scope, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at
	`

	return r.db.QueryRow(ctx, query,
		d.SourceApproverID,
		d.DelegateApproverID,
		d.StartDate,
		d.EndDate,
		d.Scope,
		d.AllowedActionTypes,
		d.MaxValue,
		conditionsJSON,
		d.Active,
	).Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt)
}

// GetByID retrieves a delegation by primary key.
func (r *DelegationRepository) GetByID(ctx context.Context, id string) (*Delegation, error) {
	query := `SELECT ` + delegationColumns + ` FROM delegations WHERE id = $1`

	d, err := r.scanDelegation(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("delegation", id)
	}
	return d, err
}

// ListActiveBySource returns the active, unrevoked delegations whose window
// covers now for a source approver. Final effectiveness and condition checks
// happen in the service.
func (r *DelegationRepository) ListActiveBySource(ctx context.Context, sourceApproverID string, now time.Time) ([]*Delegation, error) {
	query := `
		SELECT ` + delegationColumns + `
		FROM delegations
		WHERE source_approver_id = $1
		  AND active
		  AND revoked_at IS NULL
		  AND start_date <= $2
		  AND end_date >= $2
		ORDER BY created_at ASC
	`

	rows, err := r.db.Query(ctx, query, sourceApproverID, now)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list delegations")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ListByDelegate returns delegations naming the given principal as delegate.
func (r *DelegationRepository) ListByDelegate(ctx context.Context, delegateID string) ([]*Delegation, error) {
	query := `
		SELECT ` + delegationColumns + `
		FROM delegations
		WHERE delegate_approver_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.Query(ctx, query, delegateID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list delegations")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// Revoke terminally disables a delegation. Revoking twice is a conflict.
func (r *DelegationRepository) Revoke(ctx context.Context, id, revokedBy, reason string) error {
	query := `
		UPDATE delegations
		SET active            = FALSE,
		    revoked_at        = NOW(),
		    revoked_by        = $2,
		    revocation_reason = $3,
		    updated_at        = NOW()
		WHERE id = $1
		  AND revoked_at IS NULL
		RETURNING id
	`

	var returned string
	err := r.db.QueryRow(ctx, query, id, revokedBy, reason).Scan(&returned)
	if err == pgx.ErrNoRows {
		// Either missing or already revoked; disambiguate for the caller.
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return getErr
		}
		return errors.New(errors.ErrCodeConflict, "delegation is already revoked")
	}
	return err
}

// CountDecisionsToday counts decisions the delegate made today on behalf of
// this delegation's source. Backs the per-day approval cap condition.
func (r *DelegationRepository) CountDecisionsToday(ctx context.Context, delegateID string, now time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM decision_history
		WHERE approver_id = $1
		  AND decided_at >= date_trunc('day', $2::timestamptz)
	`

	var count int
	err := r.db.QueryRow(ctx, query, delegateID, now).Scan(&count)
	return count, err
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func (r *DelegationRepository) scanRows(rows pgx.Rows) ([]*Delegation, error) {
	var delegations []*Delegation
	for rows.Next() {
		d, err := r.scanDelegation(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan delegation")
		}
		delegations = append(delegations, d)
	}
	return delegations, nil
}

func (r *DelegationRepository) scanDelegation(row rowScanner) (*Delegation, error) {
	d := &Delegation{}
	var conditionsJSON []byte

	err := row.Scan(
		&d.ID,
		&d.SourceApproverID,
		&d.DelegateApproverID,
		&d.StartDate,
		&d.EndDate,
		&d.Scope,
		&d.AllowedActionTypes,
		&d.MaxValue,
		&conditionsJSON,
		&d.Active,
		&d.RevokedAt,
		&d.RevokedBy,
		&d.RevocationReason,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if conditionsJSON != nil {
		if err := json.Unmarshal(conditionsJSON, &d.Conditions); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal delegation conditions")
		}
	}
	return d, nil
}
