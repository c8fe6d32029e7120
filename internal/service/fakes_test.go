package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eudresfs/pgben-approvals/internal/errors"
	"github.com/eudresfs/pgben-approvals/internal/logger"
	"github.com/eudresfs/pgben-approvals/internal/repository"
	"github.com/eudresfs/pgben-approvals/internal/replay"
)

// memStore is an in-memory stand-in for the pgx repositories. It reproduces
// the semantics the services rely on: the unique decision-per-approver
// constraint, the optimistic version check and the pending-only status
// transition.
type memStore struct {
	mu          sync.Mutex
	seq         int
	configs     map[string]*repository.ApprovalConfiguration
	approvers   map[string]*repository.Approver
	delegations map[string]*repository.Delegation
	sols        map[string]*repository.Solicitation
	history     []*repository.DecisionHistoryEntry
}

func newMemStore() *memStore {
	return &memStore{
		configs:     make(map[string]*repository.ApprovalConfiguration),
		approvers:   make(map[string]*repository.Approver),
		delegations: make(map[string]*repository.Delegation),
		sols:        make(map[string]*repository.Solicitation),
	}
}

func (m *memStore) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%d", prefix, m.seq)
}

// ── ConfigurationStore ───────────────────────────────────────────────────────

func (m *memStore) CreateConfiguration(cfg *repository.ApprovalConfiguration) *repository.ApprovalConfiguration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg.ID == "" {
		cfg.ID = m.nextID("cfg")
	}
	cfg.CreatedAt = time.Now()
	cfg.UpdatedAt = cfg.CreatedAt
	c := *cfg
	m.configs[cfg.ID] = &c
	return cfg
}

func (m *memStore) GetByID(ctx context.Context, id string) (*repository.ApprovalConfiguration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[id]
	if !ok {
		return nil, errors.NotFound("approval configuration", id)
	}
	c := *cfg
	return &c, nil
}

func (m *memStore) GetActiveByActionType(ctx context.Context, actionType string) (*repository.ApprovalConfiguration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cfg := range m.configs {
		if cfg.ActionType == actionType && cfg.Active {
			c := *cfg
			return &c, nil
		}
	}
	return nil, errors.NotFound("approval configuration", actionType)
}

func (m *memStore) List(ctx context.Context, activeOnly bool) ([]*repository.ApprovalConfiguration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*repository.ApprovalConfiguration
	for _, cfg := range m.configs {
		if activeOnly && !cfg.Active {
			continue
		}
		c := *cfg
		out = append(out, &c)
	}
	return out, nil
}

func (m *memStore) Update(ctx context.Context, cfg *repository.ApprovalConfiguration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.configs[cfg.ID]; !ok {
		return errors.NotFound("approval configuration", cfg.ID)
	}
	c := *cfg
	m.configs[cfg.ID] = &c
	return nil
}

func (m *memStore) Deactivate(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[id]
	if !ok {
		return errors.NotFound("approval configuration", id)
	}
	cfg.Active = false
	return nil
}

// configStore narrows memStore to ConfigurationStore so the other interfaces
// with clashing method names can live on dedicated views.
type configStore struct{ *memStore }

func (s configStore) Create(ctx context.Context, cfg *repository.ApprovalConfiguration) error {
	for _, existing := range s.memStore.configs {
		if existing.ActionType == cfg.ActionType && existing.Active && cfg.Active {
			return errors.Newf(errors.ErrCodeConflict,
				"an active configuration for action type %q already exists", cfg.ActionType)
		}
	}
	s.memStore.CreateConfiguration(cfg)
	return nil
}

// approverStore is the ApproverStore view over memStore.
type approverStore struct{ *memStore }

func (s approverStore) Create(ctx context.Context, a *repository.Approver) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = s.nextID("apr")
	}
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	c := *a
	s.approvers[a.ID] = &c
	return nil
}

func (s approverStore) GetByID(ctx context.Context, id string) (*repository.Approver, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvers[id]
	if !ok {
		return nil, errors.NotFound("approver", id)
	}
	c := *a
	return &c, nil
}

func (s approverStore) ListByConfiguration(ctx context.Context, configurationID string, activeOnly bool) ([]*repository.Approver, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.Approver
	for _, a := range s.approvers {
		if a.ConfigurationID != configurationID {
			continue
		}
		if activeOnly && !a.Active {
			continue
		}
		c := *a
		out = append(out, &c)
	}
	return out, nil
}

func (s approverStore) Update(ctx context.Context, a *repository.Approver) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.approvers[a.ID]; !ok {
		return errors.NotFound("approver", a.ID)
	}
	c := *a
	s.approvers[a.ID] = &c
	return nil
}

func (s approverStore) Deactivate(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvers[id]
	if !ok {
		return errors.NotFound("approver", id)
	}
	a.Active = false
	return nil
}

func (s approverStore) RecordDecisionStats(ctx context.Context, id string, approved bool, responseSecs float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.approvers[id]
	if !ok {
		return errors.NotFound("approver", id)
	}
	if approved {
		a.TotalApprovals++
	} else {
		a.TotalRejections++
	}
	return nil
}

// delegationStore is the DelegationStore view over memStore.
type delegationStore struct {
	*memStore
	decisionsToday map[string]int
}

func (s delegationStore) Create(ctx context.Context, d *repository.Delegation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == "" {
		d.ID = s.nextID("del")
	}
	d.CreatedAt = time.Now()
	d.UpdatedAt = d.CreatedAt
	c := *d
	s.delegations[d.ID] = &c
	return nil
}

func (s delegationStore) GetByID(ctx context.Context, id string) (*repository.Delegation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.delegations[id]
	if !ok {
		return nil, errors.NotFound("delegation", id)
	}
	c := *d
	return &c, nil
}

func (s delegationStore) ListActiveBySource(ctx context.Context, sourceApproverID string, now time.Time) ([]*repository.Delegation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.Delegation
	for _, d := range s.delegations {
		if d.SourceApproverID != sourceApproverID {
			continue
		}
		if !d.IsEffective(now) {
			continue
		}
		c := *d
		out = append(out, &c)
	}
	return out, nil
}

func (s delegationStore) ListByDelegate(ctx context.Context, delegateID string) ([]*repository.Delegation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.Delegation
	for _, d := range s.delegations {
		if d.DelegateApproverID == delegateID {
			c := *d
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s delegationStore) Revoke(ctx context.Context, id, revokedBy, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.delegations[id]
	if !ok {
		return errors.NotFound("delegation", id)
	}
	if d.RevokedAt != nil {
		return errors.New(errors.ErrCodeConflict, "delegation is already revoked")
	}
	now := time.Now()
	d.RevokedAt = &now
	d.RevokedBy = &revokedBy
	d.RevocationReason = &reason
	d.Active = false
	return nil
}

func (s delegationStore) CountDecisionsToday(ctx context.Context, delegateID string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decisionsToday[delegateID], nil
}

// solicitationStore is the SolicitationStore view over memStore.
type solicitationStore struct{ *memStore }

func (s solicitationStore) Create(ctx context.Context, sol *repository.Solicitation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sol.ID == "" {
		sol.ID = s.nextID("sol")
	}
	sol.Status = repository.StatusPending
	sol.Version = 1
	sol.CreatedAt = time.Now()
	sol.UpdatedAt = sol.CreatedAt
	c := *sol
	s.sols[sol.ID] = &c
	return nil
}

func (s solicitationStore) GetByID(ctx context.Context, id string) (*repository.Solicitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sol, ok := s.sols[id]
	if !ok {
		return nil, errors.NotFound("solicitation", id)
	}
	c := *sol
	return &c, nil
}

func (s solicitationStore) ListByRequester(ctx context.Context, requesterID string, limit, offset int) ([]*repository.Solicitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.Solicitation
	for _, sol := range s.sols {
		if sol.RequesterID == requesterID {
			c := *sol
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s solicitationStore) ListPendingByConfigurations(ctx context.Context, configurationIDs []string) ([]*repository.Solicitation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make(map[string]struct{}, len(configurationIDs))
	for _, id := range configurationIDs {
		ids[id] = struct{}{}
	}
	var out []*repository.Solicitation
	for _, sol := range s.sols {
		if sol.Status != repository.StatusPending {
			continue
		}
		if _, ok := ids[sol.ConfigurationID]; !ok {
			continue
		}
		c := *sol
		out = append(out, &c)
	}
	return out, nil
}

func (s solicitationStore) RecordDecision(ctx context.Context, entry *repository.DecisionHistoryEntry, sol *repository.Solicitation, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.history {
		if e.SolicitationID == entry.SolicitationID && e.ApproverID == entry.ApproverID {
			return errors.Newf(errors.ErrCodeConflict,
				"approver %q already decided on this solicitation", entry.ApproverID)
		}
	}

	stored, ok := s.sols[sol.ID]
	if !ok {
		return errors.NotFound("solicitation", sol.ID)
	}
	if stored.Version != expectedVersion {
		return errors.New(errors.ErrCodeConflict, "solicitation was modified concurrently")
	}

	entry.ID = s.nextID("dec")
	entry.DecidedAt = time.Now()
	e := *entry
	s.history = append(s.history, &e)

	stored.Status = sol.Status
	stored.ApprovalsReceived = sol.ApprovalsReceived
	stored.RejectionsReceived = sol.RejectionsReceived
	stored.FirstApprovalAt = sol.FirstApprovalAt
	stored.CompletedAt = sol.CompletedAt
	stored.Version++
	stored.UpdatedAt = time.Now()
	sol.Version = stored.Version
	return nil
}

func (s solicitationStore) TransitionStatus(ctx context.Context, id string, to repository.SolicitationStatus, completedAt *time.Time, notes *string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sol, ok := s.sols[id]
	if !ok {
		return false, errors.NotFound("solicitation", id)
	}
	if sol.Status != repository.StatusPending {
		return false, nil
	}
	sol.Status = to
	if completedAt != nil {
		sol.CompletedAt = completedAt
	}
	if notes != nil {
		sol.InternalNotes = notes
	}
	sol.Version++
	return true, nil
}

func (s solicitationStore) AppendInternalNote(ctx context.Context, id, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sol, ok := s.sols[id]
	if !ok {
		return errors.NotFound("solicitation", id)
	}
	if sol.InternalNotes == nil {
		sol.InternalNotes = &note
	} else {
		joined := *sol.InternalNotes + "\n" + note
		sol.InternalNotes = &joined
	}
	return nil
}

func (s solicitationStore) StatusCounts(ctx context.Context) (map[repository.SolicitationStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[repository.SolicitationStatus]int)
	for _, sol := range s.sols {
		counts[sol.Status]++
	}
	return counts, nil
}

func (s solicitationStore) AvgTimeToDecision(ctx context.Context) (time.Duration, error) {
	return 0, nil
}

// historyStore is the DecisionHistoryStore view over memStore.
type historyStore struct{ *memStore }

func (s historyStore) ListBySolicitation(ctx context.Context, solicitationID string) ([]*repository.DecisionHistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.DecisionHistoryEntry
	for _, e := range s.history {
		if e.SolicitationID == solicitationID {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s historyStore) HasDecision(ctx context.Context, solicitationID, approverID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.history {
		if e.SolicitationID == solicitationID && e.ApproverID == approverID {
			return true, nil
		}
	}
	return false, nil
}

// recordingPublisher captures emitted events for assertions.
type recordingPublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	Type   string
	SolID  string
	Status string
}

func (p *recordingPublisher) Publish(_ context.Context, eventType, solicitationID, actionType, actorID, status string, payload map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, recordedEvent{Type: eventType, SolID: solicitationID, Status: status})
}

func (p *recordingPublisher) typesFor(solID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		if e.SolID == solID {
			out = append(out, e.Type)
		}
	}
	return out
}

// fakeExecutor records replay invocations and can be told to fail.
type fakeExecutor struct {
	mu    sync.Mutex
	calls []string
	fail  bool
}

func (f *fakeExecutor) Replay(ctx context.Context, s *repository.Solicitation, bearerToken string) (*replay.ExecutionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s.ID)
	result := &replay.ExecutionResult{Success: !f.fail, ExecutionID: "exec-test", StatusCode: 200}
	if f.fail {
		result.Success = false
		result.StatusCode = 500
		result.Details = "upstream returned 500"
		return result, errors.New(errors.ErrCodeExecutionFailure, "replay returned status 500")
	}
	return result, nil
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// testEnv wires every service over one shared memStore.
type testEnv struct {
	store       *memStore
	publisher   *recordingPublisher
	executor    *fakeExecutor
	configs     *ConfigurationService
	approvers   *ApproverService
	delegations *DelegationService
	sols        *SolicitationService
	decisions   *DecisionService
}

func newTestEnv() *testEnv {
	store := newMemStore()
	log := &logger.Logger{Logger: zerolog.Nop()}
	publisher := &recordingPublisher{}
	executor := &fakeExecutor{}

	cfgStore := configStore{store}
	aprStore := approverStore{store}
	delStore := delegationStore{memStore: store, decisionsToday: make(map[string]int)}
	solStore := solicitationStore{store}
	histStore := historyStore{store}

	delegations := NewDelegationService(delStore, aprStore, log)
	return &testEnv{
		store:       store,
		publisher:   publisher,
		executor:    executor,
		configs:     NewConfigurationService(cfgStore, log),
		approvers:   NewApproverService(aprStore, cfgStore, log),
		delegations: delegations,
		sols:        NewSolicitationService(solStore, cfgStore, aprStore, delegations, publisher, log),
		decisions:   NewDecisionService(solStore, histStore, aprStore, cfgStore, delegations, publisher, executor, log),
	}
}
