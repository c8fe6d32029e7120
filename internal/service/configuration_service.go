package service

import (
	"context"
	"time"

	"github.com/eudresfs/pgben-approvals/internal/errors"
	"github.com/eudresfs/pgben-approvals/internal/logger"
	"github.com/eudresfs/pgben-approvals/internal/repository"
)

// ConfigurationService is the approval configuration registry: it decides
// which action types require approval and under what policy.
type ConfigurationService struct {
	configs ConfigurationStore
	log     *logger.Logger
	Now     func() time.Time
}

// NewConfigurationService creates a new ConfigurationService.
func NewConfigurationService(configs ConfigurationStore, log *logger.Logger) *ConfigurationService {
	return &ConfigurationService{configs: configs, log: log, Now: time.Now}
}

// CreateConfigurationRequest carries the fields for Create and Clone overrides.
type CreateConfigurationRequest struct {
	ActionType             string
	Strategy               repository.Strategy
	MinApprovals           int
	TimeLimitHours         int
	AllowsParallelApproval bool
	AllowsAutoApproval     bool
	MinValue               *float64
	OperatingHours         *repository.OperatingHours
}

// Create registers a new active configuration for an action type.
func (s *ConfigurationService) Create(ctx context.Context, req *CreateConfigurationRequest) (*repository.ApprovalConfiguration, error) {
	cfg := &repository.ApprovalConfiguration{
		ActionType:             req.ActionType,
		Strategy:               req.Strategy,
		MinApprovals:           req.MinApprovals,
		TimeLimitHours:         req.TimeLimitHours,
		AllowsParallelApproval: req.AllowsParallelApproval,
		AllowsAutoApproval:     req.AllowsAutoApproval,
		MinValue:               req.MinValue,
		OperatingHours:         req.OperatingHours,
		Active:                 true,
	}
	if err := validateConfiguration(cfg); err != nil {
		return nil, err
	}

	if err := s.configs.Create(ctx, cfg); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("configuration_id", cfg.ID).
		Str("action_type", cfg.ActionType).
		Str("strategy", string(cfg.Strategy)).
		Msg("approval configuration created")
	return cfg, nil
}

// Resolve returns the active configuration for an action type.
func (s *ConfigurationService) Resolve(ctx context.Context, actionType string) (*repository.ApprovalConfiguration, error) {
	return s.configs.GetActiveByActionType(ctx, actionType)
}

// Get returns a configuration by id.
func (s *ConfigurationService) Get(ctx context.Context, id string) (*repository.ApprovalConfiguration, error) {
	return s.configs.GetByID(ctx, id)
}

// List returns configurations, optionally active-only.
func (s *ConfigurationService) List(ctx context.Context, activeOnly bool) ([]*repository.ApprovalConfiguration, error) {
	return s.configs.List(ctx, activeOnly)
}

// Update modifies an existing configuration after re-validation.
func (s *ConfigurationService) Update(ctx context.Context, id string, req *CreateConfigurationRequest) (*repository.ApprovalConfiguration, error) {
	cfg, err := s.configs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	cfg.Strategy = req.Strategy
	cfg.MinApprovals = req.MinApprovals
	cfg.TimeLimitHours = req.TimeLimitHours
	cfg.AllowsParallelApproval = req.AllowsParallelApproval
	cfg.AllowsAutoApproval = req.AllowsAutoApproval
	cfg.MinValue = req.MinValue
	cfg.OperatingHours = req.OperatingHours

	if err := validateConfiguration(cfg); err != nil {
		return nil, err
	}
	if err := s.configs.Update(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Deactivate soft-disables a configuration, preserving history.
func (s *ConfigurationService) Deactivate(ctx context.Context, id string) error {
	if err := s.configs.Deactivate(ctx, id); err != nil {
		return err
	}
	s.log.Info().Str("configuration_id", id).Msg("approval configuration deactivated")
	return nil
}

// CloneOverrides selects which fields a clone replaces.
type CloneOverrides struct {
	ActionType     *string
	Strategy       *repository.Strategy
	MinApprovals   *int
	TimeLimitHours *int
	MinValue       *float64
}

// Clone copies every field of an existing configuration except identity,
// applies the overrides, and runs the result through Create's validation so
// clones can never bypass invariants.
func (s *ConfigurationService) Clone(ctx context.Context, id string, overrides *CloneOverrides) (*repository.ApprovalConfiguration, error) {
	src, err := s.configs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	req := &CreateConfigurationRequest{
		ActionType:             src.ActionType,
		Strategy:               src.Strategy,
		MinApprovals:           src.MinApprovals,
		TimeLimitHours:         src.TimeLimitHours,
		AllowsParallelApproval: src.AllowsParallelApproval,
		AllowsAutoApproval:     src.AllowsAutoApproval,
		MinValue:               src.MinValue,
		OperatingHours:         src.OperatingHours,
	}
	if overrides != nil {
		if overrides.ActionType != nil {
			req.ActionType = *overrides.ActionType
		}
		if overrides.Strategy != nil {
			req.Strategy = *overrides.Strategy
		}
		if overrides.MinApprovals != nil {
			req.MinApprovals = *overrides.MinApprovals
		}
		if overrides.TimeLimitHours != nil {
			req.TimeLimitHours = *overrides.TimeLimitHours
		}
		if overrides.MinValue != nil {
			req.MinValue = overrides.MinValue
		}
	}

	return s.Create(ctx, req)
}

// CheckRequiresApproval reports whether an action must go through approval.
// The check fails closed: any lookup error other than "no configuration"
// counts as requiring approval, never as auto-approved.
func (s *ConfigurationService) CheckRequiresApproval(ctx context.Context, actionType string, value *float64) (bool, error) {
	cfg, err := s.configs.GetActiveByActionType(ctx, actionType)
	if err != nil {
		if errors.Is(err, errors.ErrCodeNotFound) {
			// Ungoverned action type: no approval needed.
			return false, nil
		}
		s.log.Error().Err(err).Str("action_type", actionType).
			Msg("approval-requirement check failed; failing closed")
		return true, err
	}

	if cfg.AllowsAutoApproval && cfg.MinValue != nil && value != nil && *value < *cfg.MinValue {
		return false, nil
	}
	return true, nil
}

// validateConfiguration enforces the registry's policy invariants.
func validateConfiguration(cfg *repository.ApprovalConfiguration) error {
	if cfg.ActionType == "" {
		return errors.InvalidInput("action_type", "is required")
	}
	switch cfg.Strategy {
	case repository.StrategySimple, repository.StrategyMajority, repository.StrategyUnanimous,
		repository.StrategyHierarchical, repository.StrategyWeighted:
	default:
		return errors.InvalidInput("strategy", "unknown approval strategy")
	}
	if cfg.MinApprovals < 1 {
		return errors.InvalidInput("min_approvals", "must be at least 1")
	}
	if cfg.Strategy == repository.StrategyMajority && cfg.MinApprovals < 2 {
		return errors.New(errors.ErrCodePolicyViolation,
			"majority strategy requires min_approvals >= 2")
	}
	if cfg.TimeLimitHours <= 0 {
		return errors.InvalidInput("time_limit_hours", "must be positive")
	}
	return nil
}
