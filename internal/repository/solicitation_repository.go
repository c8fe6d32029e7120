package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/eudresfs/pgben-approvals/internal/database"
	"github.com/eudresfs/pgben-approvals/internal/errors"
)

// SolicitationRepository manages the approval-request workflow entity.
// Solicitations are never physically deleted; cancellation and expiry are
// status values.
type SolicitationRepository struct {
	db *database.DB
}

// NewSolicitationRepository creates a new SolicitationRepository.
func NewSolicitationRepository(db *database.DB) *SolicitationRepository {
	return &SolicitationRepository{db: db}
}

const solicitationColumns = `
	id, action_type, configuration_id, requester_id, justification, context_data,
	original_method, original_url, original_params, original_body,
	value_involved, status, approvals_received, rejections_received,
	first_approval_at, completed_at, internal_notes, expires_at, version,
	created_at, updated_at`

// Create inserts a new solicitation in PENDING state.
func (r *SolicitationRepository) Create(ctx context.Context, s *Solicitation) error {
	contextJSON, err := marshalNullable(s.ContextData)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal context data")
	}
	paramsJSON, err := marshalNullableStringMap(s.OriginalRequest.Params)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal request params")
	}
	bodyJSON, err := marshalNullable(s.OriginalRequest.Body)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal request body")
	}

	query := `
		INSERT INTO solicitations
		    (action_type, configuration_id, requester_id, justification, context_data,
		     original_method, original_url, original_params, original_body,
		     value_involved, status, expires_at)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9,
		        $10, 'pending', $11)
		RETURNING id, status, version, created_at, updated_at
	`

	return r.db.QueryRow(ctx, query,
		s.ActionType,
		s.ConfigurationID,
		s.RequesterID,
		s.Justification,
		contextJSON,
		s.OriginalRequest.Method,
		s.OriginalRequest.URL,
		paramsJSON,
		bodyJSON,
		s.ValueInvolved,
		s.ExpiresAt,
	).Scan(&s.ID, &s.Status, &s.Version, &s.CreatedAt, &s.UpdatedAt)
}

// GetByID retrieves a solicitation by primary key.
func (r *SolicitationRepository) GetByID(ctx context.Context, id string) (*Solicitation, error) {
	query := `SELECT ` + solicitationColumns + ` FROM solicitations WHERE id = $1`

	s, err := r.scanSolicitation(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("solicitation", id)
	}
	return s, err
}

// ListByRequester returns a requester's solicitations newest-first.
func (r *SolicitationRepository) ListByRequester(ctx context.Context, requesterID string, limit, offset int) ([]*Solicitation, error) {
	query := `
		SELECT ` + solicitationColumns + `
		FROM solicitations
		WHERE requester_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Query(ctx, query, requesterID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list solicitations")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ListPendingByConfigurations returns PENDING solicitations for any of the
// given configurations, oldest-first. Feeds the pending-for-approver query.
func (r *SolicitationRepository) ListPendingByConfigurations(ctx context.Context, configurationIDs []string) ([]*Solicitation, error) {
	if len(configurationIDs) == 0 {
		return nil, nil
	}
	query := `
		SELECT ` + solicitationColumns + `
		FROM solicitations
		WHERE configuration_id = ANY($1)
		  AND status = 'pending'
		ORDER BY created_at ASC
	`

	rows, err := r.db.Query(ctx, query, configurationIDs)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list pending solicitations")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// RecordDecision atomically appends the history entry and applies the
// computed solicitation mutation. The conditional version check is the
// optimistic-concurrency guard for concurrent decisions on one solicitation:
// when another decision committed first, this returns a CONFLICT and the
// caller reloads and recomputes. The history insert's unique constraint
// turns double votes into a CONFLICT as well.
func (r *SolicitationRepository) RecordDecision(ctx context.Context, entry *DecisionHistoryEntry, s *Solicitation, expectedVersion int) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		histQuery := `
			INSERT INTO decision_history
			    (solicitation_id, approver_id, approver_row_id, action, weight, justification)
			VALUES ($1, $2, $3, $4::decision_action, $5, $6)
			RETURNING id, decided_at
		`

		err := tx.QueryRow(ctx, histQuery,
			entry.SolicitationID,
			entry.ApproverID,
			entry.ApproverRowID,
			entry.Action,
			entry.Weight,
			entry.Justification,
		).Scan(&entry.ID, &entry.DecidedAt)
		if isUniqueViolation(err) {
			return errors.Newf(errors.ErrCodeConflict,
				"approver %q already decided on this solicitation", entry.ApproverID)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to append decision history")
		}

		solQuery := `
			UPDATE solicitations
			SET status              = $3::solicitation_status,
			    approvals_received  = $4,
			    rejections_received = $5,
			    first_approval_at   = $6,
			    completed_at        = $7,
			    version             = version + 1,
			    updated_at          = NOW()
			WHERE id = $1
			  AND version = $2
			RETURNING version, updated_at
		`

		err = tx.QueryRow(ctx, solQuery,
			s.ID,
			expectedVersion,
			s.Status,
			s.ApprovalsReceived,
			s.RejectionsReceived,
			s.FirstApprovalAt,
			s.CompletedAt,
		).Scan(&s.Version, &s.UpdatedAt)
		if err == pgx.ErrNoRows {
			return errors.New(errors.ErrCodeConflict, "solicitation was modified concurrently")
		}
		return err
	})
}

// TransitionStatus moves a PENDING solicitation to a terminal status.
// Returns false when the row exists but is no longer PENDING.
func (r *SolicitationRepository) TransitionStatus(ctx context.Context, id string, to SolicitationStatus, completedAt *time.Time, notes *string) (bool, error) {
	query := `
		UPDATE solicitations
		SET status         = $2::solicitation_status,
		    completed_at   = COALESCE($3, completed_at),
		    internal_notes = COALESCE($4, internal_notes),
		    version        = version + 1,
		    updated_at     = NOW()
		WHERE id = $1
		  AND status = 'pending'
		RETURNING id
	`

	var returned string
	err := r.db.QueryRow(ctx, query, id, to, completedAt, notes).Scan(&returned)
	if err == pgx.ErrNoRows {
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return false, getErr
		}
		return false, nil
	}
	return err == nil, err
}

// AppendInternalNote appends operator-facing text to internal_notes.
func (r *SolicitationRepository) AppendInternalNote(ctx context.Context, id, note string) error {
	query := `
		UPDATE solicitations
		SET internal_notes = COALESCE(internal_notes || E'\n', '') || $2,
		    updated_at     = NOW()
		WHERE id = $1
	`

	_, err := r.db.Exec(ctx, query, id, note)
	return err
}

// StatusCounts aggregates solicitation counts by status.
func (r *SolicitationRepository) StatusCounts(ctx context.Context) (map[SolicitationStatus]int, error) {
	query := `SELECT status, COUNT(*) FROM solicitations GROUP BY status`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to aggregate status counts")
	}
	defer rows.Close()

	counts := make(map[SolicitationStatus]int)
	for rows.Next() {
		var status SolicitationStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, nil
}

// AvgTimeToDecision returns the mean creation-to-completion interval for
// decided solicitations, or zero when none are decided yet.
func (r *SolicitationRepository) AvgTimeToDecision(ctx context.Context) (time.Duration, error) {
	query := `
		SELECT COALESCE(EXTRACT(EPOCH FROM AVG(completed_at - created_at)), 0)
		FROM solicitations
		WHERE completed_at IS NOT NULL
	`

	var seconds float64
	if err := r.db.QueryRow(ctx, query).Scan(&seconds); err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to compute average decision time")
	}
	return time.Duration(seconds * float64(time.Second)), nil
}

// ── scan helpers ─────────────────────────────────────────────────────────────

func (r *SolicitationRepository) scanRows(rows pgx.Rows) ([]*Solicitation, error) {
	var solicitations []*Solicitation
	for rows.Next() {
		s, err := r.scanSolicitation(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan solicitation")
		}
		solicitations = append(solicitations, s)
	}
	return solicitations, nil
}

func (r *SolicitationRepository) scanSolicitation(row rowScanner) (*Solicitation, error) {
	s := &Solicitation{}
	var contextJSON, paramsJSON, bodyJSON []byte

	err := row.Scan(
		&s.ID,
		&s.ActionType,
		&s.ConfigurationID,
		&s.RequesterID,
		&s.Justification,
		&contextJSON,
		&s.OriginalRequest.Method,
		&s.OriginalRequest.URL,
		&paramsJSON,
		&bodyJSON,
		&s.ValueInvolved,
		&s.Status,
		&s.ApprovalsReceived,
		&s.RejectionsReceived,
		&s.FirstApprovalAt,
		&s.CompletedAt,
		&s.InternalNotes,
		&s.ExpiresAt,
		&s.Version,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if contextJSON != nil {
		if err := json.Unmarshal(contextJSON, &s.ContextData); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal context data")
		}
	}
	if paramsJSON != nil {
		if err := json.Unmarshal(paramsJSON, &s.OriginalRequest.Params); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal request params")
		}
	}
	if bodyJSON != nil {
		if err := json.Unmarshal(bodyJSON, &s.OriginalRequest.Body); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal request body")
		}
	}
	return s, nil
}

func marshalNullableStringMap(m map[string]string) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}
