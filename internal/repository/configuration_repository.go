package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/eudresfs/pgben-approvals/internal/database"
	"github.com/eudresfs/pgben-approvals/internal/errors"
)

// ConfigurationRepository handles CRUD for approval_configurations.
// Configurations are soft-deactivated, never deleted.
type ConfigurationRepository struct {
	db *database.DB
}

// NewConfigurationRepository creates a new ConfigurationRepository.
func NewConfigurationRepository(db *database.DB) *ConfigurationRepository {
	return &ConfigurationRepository{db: db}
}

const configurationColumns = `
	id, action_type, strategy, min_approvals, time_limit_hours,
	allows_parallel_approval, allows_auto_approval, min_value,
	operating_hours, active, created_at, updated_at`

// Create inserts a new configuration. A unique partial index rejects a second
// active configuration for the same action type; that violation surfaces as
// a CONFLICT error.
func (r *ConfigurationRepository) Create(ctx context.Context, cfg *ApprovalConfiguration) error {
	hoursJSON, err := marshalNullable(cfg.OperatingHours)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal operating hours")
	}

	query := `
		INSERT INTO approval_configurations
		    (action_type, strategy, min_approvals, time_limit_hours,
		     allows_parallel_approval, allows_auto_approval, min_value,
		     operating_hours, active)
		VALUES ($1, $2::approval_strategy, $3, $4,
		        $5, $6, $7,
		        $8, $9)
		RETURNING id, created_at, updated_at
	`

	err = r.db.QueryRow(ctx, query,
		cfg.ActionType,
		cfg.Strategy,
		cfg.MinApprovals,
		cfg.TimeLimitHours,
		cfg.AllowsParallelApproval,
		cfg.AllowsAutoApproval,
		cfg.MinValue,
		hoursJSON,
		cfg.Active,
	).Scan(&cfg.ID, &cfg.CreatedAt, &cfg.UpdatedAt)

	if isUniqueViolation(err) {
		return errors.Newf(errors.ErrCodeConflict,
			"an active configuration already exists for action type %q", cfg.ActionType)
	}
	return err
}

// GetByID retrieves a configuration by primary key.
func (r *ConfigurationRepository) GetByID(ctx context.Context, id string) (*ApprovalConfiguration, error) {
	query := `SELECT ` + configurationColumns + ` FROM approval_configurations WHERE id = $1`

	cfg, err := r.scanConfiguration(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_configuration", id)
	}
	return cfg, err
}

// GetActiveByActionType resolves the single active configuration for an
// action type.
func (r *ConfigurationRepository) GetActiveByActionType(ctx context.Context, actionType string) (*ApprovalConfiguration, error) {
	query := `
		SELECT ` + configurationColumns + `
		FROM approval_configurations
		WHERE action_type = $1 AND active
	`

	cfg, err := r.scanConfiguration(r.db.QueryRow(ctx, query, actionType))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_configuration", actionType)
	}
	return cfg, err
}

// List returns all configurations, optionally filtered to active only.
func (r *ConfigurationRepository) List(ctx context.Context, activeOnly bool) ([]*ApprovalConfiguration, error) {
	query := `SELECT ` + configurationColumns + ` FROM approval_configurations`
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY action_type ASC`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list configurations")
	}
	defer rows.Close()

	var cfgs []*ApprovalConfiguration
	for rows.Next() {
		cfg, err := r.scanConfiguration(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan configuration")
		}
		cfgs = append(cfgs, cfg)
	}
	return cfgs, nil
}

// Update persists changes to an existing configuration.
func (r *ConfigurationRepository) Update(ctx context.Context, cfg *ApprovalConfiguration) error {
	hoursJSON, err := marshalNullable(cfg.OperatingHours)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal operating hours")
	}

	query := `
		UPDATE approval_configurations
		SET strategy                 = $2::approval_strategy,
		    min_approvals            = $3,
		    time_limit_hours         = $4,
		    allows_parallel_approval = $5,
		    allows_auto_approval     = $6,
		    min_value                = $7,
		    operating_hours          = $8,
		    active                   = $9,
		    updated_at               = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err = r.db.QueryRow(ctx, query,
		cfg.ID,
		cfg.Strategy,
		cfg.MinApprovals,
		cfg.TimeLimitHours,
		cfg.AllowsParallelApproval,
		cfg.AllowsAutoApproval,
		cfg.MinValue,
		hoursJSON,
		cfg.Active,
	).Scan(&cfg.UpdatedAt)

	if err == pgx.ErrNoRows {
		return errors.NotFound("approval_configuration", cfg.ID)
	}
	if isUniqueViolation(err) {
		return errors.Newf(errors.ErrCodeConflict,
			"an active configuration already exists for action type %q", cfg.ActionType)
	}
	return err
}

// Deactivate flips the active flag off, preserving history.
func (r *ConfigurationRepository) Deactivate(ctx context.Context, id string) error {
	query := `
		UPDATE approval_configurations
		SET active = FALSE, updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returned string
	err := r.db.QueryRow(ctx, query, id).Scan(&returned)
	if err == pgx.ErrNoRows {
		return errors.NotFound("approval_configuration", id)
	}
	return err
}

// ── scan helpers ─────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *ConfigurationRepository) scanConfiguration(row rowScanner) (*ApprovalConfiguration, error) {
	cfg := &ApprovalConfiguration{}
	var hoursJSON []byte

	err := row.Scan(
		&cfg.ID,
		&cfg.ActionType,
		&cfg.Strategy,
		&cfg.MinApprovals,
		&cfg.TimeLimitHours,
		&cfg.AllowsParallelApproval,
		&cfg.AllowsAutoApproval,
		&cfg.MinValue,
		&hoursJSON,
		&cfg.Active,
		&cfg.CreatedAt,
		&cfg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if hoursJSON != nil {
		if err := json.Unmarshal(hoursJSON, &cfg.OperatingHours); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal operating hours")
		}
	}
	return cfg, nil
}

func marshalNullable(v any) ([]byte, error) {
	switch val := v.(type) {
	case *OperatingHours:
		if val == nil {
			return nil, nil
		}
	case *DelegationConditions:
		if val == nil {
			return nil, nil
		}
	case map[string]any:
		if val == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}
