package service

import (
	"github.com/eudresfs/pgben-approvals/internal/repository"
)

// tally aggregates the decision history into the numbers the quorum
// predicates operate on. decidedRows tracks which approver entries already
// produced a decision, which bounds the remaining approval capacity.
type tally struct {
	approvals      int
	rejections     int
	approvedWeight int
	decidedRows    map[string]struct{}
}

func newTally(entries []*repository.DecisionHistoryEntry) tally {
	t := tally{decidedRows: make(map[string]struct{})}
	for _, e := range entries {
		if e.ApproverRowID != nil {
			t.decidedRows[*e.ApproverRowID] = struct{}{}
		}
		switch e.Action {
		case repository.ActionApprove:
			t.approvals++
			t.approvedWeight += e.Weight
		case repository.ActionReject:
			t.rejections++
		}
	}
	return t
}

// applyDecision folds one new decision into the tally.
func (t *tally) applyDecision(action repository.DecisionAction, row *repository.Approver) {
	t.decidedRows[row.ID] = struct{}{}
	switch action {
	case repository.ActionApprove:
		t.approvals++
		t.approvedWeight += row.Weight
	case repository.ActionReject:
		t.rejections++
	}
}

// remaining returns the count and total weight of approver entries that have
// not decided yet.
func (t *tally) remaining(approvers []*repository.Approver) (count, weight int) {
	for _, a := range approvers {
		if _, decided := t.decidedRows[a.ID]; decided {
			continue
		}
		count++
		weight += a.Weight
	}
	return count, weight
}

// evaluateQuorum computes the solicitation status implied by the current
// tally under the configuration's strategy.
//
// Rejection policy: under SIMPLE, UNANIMOUS and HIERARCHICAL a single
// rejection terminates the solicitation. Under MAJORITY and WEIGHTED a
// rejection terminates only once the remaining undecided approvers can no
// longer reach the quorum.
func evaluateQuorum(cfg *repository.ApprovalConfiguration, approvers []*repository.Approver, t tally) repository.SolicitationStatus {
	switch cfg.Strategy {
	case repository.StrategySimple, repository.StrategyHierarchical:
		if t.rejections > 0 {
			return repository.StatusRejected
		}
		if t.approvals >= cfg.MinApprovals {
			return repository.StatusApproved
		}

	case repository.StrategyUnanimous:
		if t.rejections > 0 {
			return repository.StatusRejected
		}
		required := cfg.MinApprovals
		if len(approvers) > required {
			required = len(approvers)
		}
		if t.approvals >= required {
			return repository.StatusApproved
		}

	case repository.StrategyMajority:
		if t.approvals >= cfg.MinApprovals {
			return repository.StatusApproved
		}
		remainingCount, _ := t.remaining(approvers)
		if t.approvals+remainingCount < cfg.MinApprovals {
			return repository.StatusRejected
		}

	case repository.StrategyWeighted:
		// min_approvals is the weight threshold under this strategy.
		if t.approvedWeight >= cfg.MinApprovals {
			return repository.StatusApproved
		}
		_, remainingWeight := t.remaining(approvers)
		if t.approvedWeight+remainingWeight < cfg.MinApprovals {
			return repository.StatusRejected
		}
	}

	return repository.StatusPending
}
