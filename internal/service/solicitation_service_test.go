package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eudresfs/pgben-approvals/internal/errors"
	"github.com/eudresfs/pgben-approvals/internal/events"
	"github.com/eudresfs/pgben-approvals/internal/repository"
)

func TestCreateSolicitation_SetsDeadlineFromConfiguration(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	_, err := env.configs.Create(ctx, &CreateConfigurationRequest{
		ActionType:     "benefit.release",
		Strategy:       repository.StrategySimple,
		MinApprovals:   1,
		TimeLimitHours: 48,
	})
	require.NoError(t, err)

	base := time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC)
	env.sols.Now = func() time.Time { return base }

	sol, err := env.sols.Create(ctx, &CreateSolicitationRequest{
		ActionType:    "benefit.release",
		RequesterID:   "requester-1",
		Justification: "release blocked benefit",
		OriginalRequest: repository.OriginalRequest{
			Method: "POST",
			URL:    "/v1/benefits/77/release",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, repository.StatusPending, sol.Status)
	assert.Equal(t, base.Add(48*time.Hour), sol.ExpiresAt)
	assert.Contains(t, env.publisher.typesFor(sol.ID), events.TypeSolicitationCreated)
}

func TestCreateSolicitation_NoConfiguration(t *testing.T) {
	env := newTestEnv()

	_, err := env.sols.Create(context.Background(), &CreateSolicitationRequest{
		ActionType:    "unconfigured.action",
		RequesterID:   "requester-1",
		Justification: "anything",
		OriginalRequest: repository.OriginalRequest{
			Method: "POST",
			URL:    "/x",
		},
	})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeNotFound, errors.Code(err))
}

func TestCancelSolicitation(t *testing.T) {
	env := newTestEnv()
	sol, _ := seedSolicitation(t, env, repository.StrategySimple, 1, "alice")
	ctx := context.Background()

	// Only the requester may cancel.
	err := env.sols.Cancel(ctx, sol.ID, principal("alice"), "whatever")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeForbidden, errors.Code(err))

	require.NoError(t, env.sols.Cancel(ctx, sol.ID, principal("requester-1"), "no longer needed"))

	stored, err := env.sols.Get(ctx, sol.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusCancelled, stored.Status)
	assert.Contains(t, env.publisher.typesFor(sol.ID), events.TypeSolicitationCancelled)

	// Cancel is only valid from the pending state.
	err = env.sols.Cancel(ctx, sol.ID, principal("requester-1"), "again")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidState, errors.Code(err))
	assert.Contains(t, err.Error(), string(repository.StatusCancelled))
	assert.Contains(t, err.Error(), string(repository.StatusPending))
}

func TestCancelAfterApprovalFails(t *testing.T) {
	env := newTestEnv()
	sol, _ := seedSolicitation(t, env, repository.StrategySimple, 1, "alice")
	ctx := context.Background()

	_, err := env.decisions.SubmitDecision(ctx, sol.ID, principal("alice"), repository.ActionApprove, "")
	require.NoError(t, err)

	err = env.sols.Cancel(ctx, sol.ID, principal("requester-1"), "too late")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidState, errors.Code(err))
}

func TestGetAppliesLazyExpiry(t *testing.T) {
	env := newTestEnv()
	sol, _ := seedSolicitation(t, env, repository.StrategySimple, 1, "alice")
	ctx := context.Background()

	env.sols.Now = func() time.Time { return time.Now().Add(48 * time.Hour) }

	got, err := env.sols.Get(ctx, sol.ID)
	require.NoError(t, err)
	assert.Equal(t, repository.StatusExpired, got.Status)
	assert.Contains(t, env.publisher.typesFor(sol.ID), events.TypeSolicitationExpired)
}

func TestPendingForApprover(t *testing.T) {
	env := newTestEnv()
	sol, rows := seedSolicitation(t, env, repository.StrategySimple, 1, "alice")
	ctx := context.Background()

	// Direct approver sees the pending solicitation.
	pending, err := env.sols.PendingForApprover(ctx, principal("alice"))
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, sol.ID, pending[0].ID)

	// A stranger sees nothing.
	pending, err = env.sols.PendingForApprover(ctx, principal("mallory"))
	require.NoError(t, err)
	assert.Empty(t, pending)

	// A delegate sees it for the delegation window.
	now := time.Now()
	_, err = env.delegations.Create(ctx, &CreateDelegationRequest{
		SourceApproverID:   rows[0].ID,
		DelegateApproverID: "dave",
		StartDate:          now.Add(-time.Hour),
		EndDate:            now.Add(time.Hour),
	})
	require.NoError(t, err)

	pending, err = env.sols.PendingForApprover(ctx, principal("dave"))
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// Once decided, the queue is empty again.
	_, err = env.decisions.SubmitDecision(ctx, sol.ID, principal("alice"), repository.ActionApprove, "")
	require.NoError(t, err)

	pending, err = env.sols.PendingForApprover(ctx, principal("alice"))
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestGetStats(t *testing.T) {
	env := newTestEnv()
	sol, _ := seedSolicitation(t, env, repository.StrategySimple, 1, "alice")
	ctx := context.Background()

	_, err := env.decisions.SubmitDecision(ctx, sol.ID, principal("alice"), repository.ActionApprove, "")
	require.NoError(t, err)

	stats, err := env.sols.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.CountsByStatus[repository.StatusApproved])
}
