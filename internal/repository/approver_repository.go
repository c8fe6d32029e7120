package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/eudresfs/pgben-approvals/internal/database"
	"github.com/eudresfs/pgben-approvals/internal/errors"
)

// ApproverRepository handles CRUD for approvers. Removal is a soft
// deactivation so decision history stays attributable.
type ApproverRepository struct {
	db *database.DB
}

// NewApproverRepository creates a new ApproverRepository.
func NewApproverRepository(db *database.DB) *ApproverRepository {
	return &ApproverRepository{db: db}
}

const approverColumns = `
	id, configuration_id, approver_type, user_id, profile, unit, hierarchy_level,
	approval_order, weight, mandatory, can_delegate, can_escalate,
	min_value, max_value, operating_hours, active, start_date, end_date,
	total_approvals, total_rejections, avg_response_seconds,
	created_at, updated_at`

// Create inserts a new approver. A unique partial index rejects duplicate
// active (configuration, user) pairs for USER approvers.
func (r *ApproverRepository) Create(ctx context.Context, a *Approver) error {
	hoursJSON, err := marshalNullable(a.OperatingHours)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal operating hours")
	}

	query := `
		INSERT INTO approvers
		    (configuration_id, approver_type, user_id, profile, unit, hierarchy_level,
		     approval_order, weight, mandatory, can_delegate, can_escalate,
		     min_value, max_value, operating_hours, active, start_date, end_date)
		VALUES ($1, $2::approver_type, $3, $4, $5, $6,
		        $7, $8, $9, $10, $11,
		        $12, $13, $14, $15, $16, $17)
		RETURNING id, created_at, updated_at
	`

	err = r.db.QueryRow(ctx, query,
		a.ConfigurationID,
		a.Subject.Type,
		nullIfEmpty(a.Subject.UserID),
		nullIfEmpty(a.Subject.Profile),
		nullIfEmpty(a.Subject.Unit),
		nullIfZero(a.Subject.HierarchyLevel),
		a.Order,
		a.Weight,
		a.Mandatory,
		a.CanDelegate,
		a.CanEscalate,
		a.MinValue,
		a.MaxValue,
		hoursJSON,
		a.Active,
		a.StartDate,
		a.EndDate,
	).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)

	if isUniqueViolation(err) {
		return errors.Newf(errors.ErrCodeConflict,
			"user %q is already an approver for this configuration", a.Subject.UserID)
	}
	return err
}

// GetByID retrieves an approver by primary key.
func (r *ApproverRepository) GetByID(ctx context.Context, id string) (*Approver, error) {
	query := `SELECT ` + approverColumns + ` FROM approvers WHERE id = $1`

	a, err := r.scanApprover(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approver", id)
	}
	return a, err
}

// ListByConfiguration returns all approvers of a configuration ordered by
// approval_order, including inactive ones when activeOnly is false.
func (r *ApproverRepository) ListByConfiguration(ctx context.Context, configurationID string, activeOnly bool) ([]*Approver, error) {
	query := `SELECT ` + approverColumns + ` FROM approvers WHERE configuration_id = $1`
	if activeOnly {
		query += ` AND active`
	}
	query += ` ORDER BY approval_order ASC, created_at ASC`

	rows, err := r.db.Query(ctx, query, configurationID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approvers")
	}
	defer rows.Close()

	var approvers []*Approver
	for rows.Next() {
		a, err := r.scanApprover(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approver")
		}
		approvers = append(approvers, a)
	}
	return approvers, nil
}

// Update persists changes to an existing approver.
func (r *ApproverRepository) Update(ctx context.Context, a *Approver) error {
	hoursJSON, err := marshalNullable(a.OperatingHours)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal operating hours")
	}

	query := `
		UPDATE approvers
		SET approval_order = $2,
		    weight         = $3,
		    mandatory      = $4,
		    can_delegate   = $5,
		    can_escalate   = $6,
		    min_value      = $7,
		    max_value      = $8,
		    operating_hours = $9,
		    active         = $10,
		    start_date     = $11,
		    end_date       = $12,
		    updated_at     = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err = r.db.QueryRow(ctx, query,
		a.ID,
		a.Order,
		a.Weight,
		a.Mandatory,
		a.CanDelegate,
		a.CanEscalate,
		a.MinValue,
		a.MaxValue,
		hoursJSON,
		a.Active,
		a.StartDate,
		a.EndDate,
	).Scan(&a.UpdatedAt)

	if err == pgx.ErrNoRows {
		return errors.NotFound("approver", a.ID)
	}
	return err
}

// Deactivate soft-removes an approver.
func (r *ApproverRepository) Deactivate(ctx context.Context, id string) error {
	query := `
		UPDATE approvers
		SET active = FALSE, updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returned string
	err := r.db.QueryRow(ctx, query, id).Scan(&returned)
	if err == pgx.ErrNoRows {
		return errors.NotFound("approver", id)
	}
	return err
}

// RecordDecisionStats folds one decision into the approver's running
// statistics. responseSecs is the time from solicitation creation to decision.
func (r *ApproverRepository) RecordDecisionStats(ctx context.Context, id string, approved bool, responseSecs float64) error {
	query := `
		UPDATE approvers
		SET total_approvals  = total_approvals + $2,
		    total_rejections = total_rejections + $3,
		    avg_response_seconds = CASE
		        WHEN total_approvals + total_rejections = 0 THEN $4
		        ELSE (avg_response_seconds * (total_approvals + total_rejections) + $4)
		             / (total_approvals + total_rejections + 1)
		    END,
		    updated_at = NOW()
		WHERE id = $1
	`

	approvals, rejections := 0, 0
	if approved {
		approvals = 1
	} else {
		rejections = 1
	}
	_, err := r.db.Exec(ctx, query, id, approvals, rejections, responseSecs)
	return err
}

// ── scan helper ──────────────────────────────────────────────────────────────

func (r *ApproverRepository) scanApprover(row rowScanner) (*Approver, error) {
	a := &Approver{}
	var (
		userID, profile, unit *string
		hierarchyLevel        *int
		hoursJSON             []byte
	)

	err := row.Scan(
		&a.ID,
		&a.ConfigurationID,
		&a.Subject.Type,
		&userID,
		&profile,
		&unit,
		&hierarchyLevel,
		&a.Order,
		&a.Weight,
		&a.Mandatory,
		&a.CanDelegate,
		&a.CanEscalate,
		&a.MinValue,
		&a.MaxValue,
		&hoursJSON,
		&a.Active,
		&a.StartDate,
		&a.EndDate,
		&a.TotalApprovals,
		&a.TotalRejections,
		&a.AvgResponseSecs,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if userID != nil {
		a.Subject.UserID = *userID
	}
	if profile != nil {
		a.Subject.Profile = *profile
	}
	if unit != nil {
		a.Subject.Unit = *unit
	}
	if hierarchyLevel != nil {
		a.Subject.HierarchyLevel = *hierarchyLevel
	}

	if hoursJSON != nil {
		if err := json.Unmarshal(hoursJSON, &a.OperatingHours); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal operating hours")
		}
	}
	return a, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullIfZero(n int) *int {
	if n == 0 {
		return nil
	}
	return &n
}
