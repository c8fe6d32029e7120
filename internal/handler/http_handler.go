package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/eudresfs/pgben-approvals/internal/auth"
	"github.com/eudresfs/pgben-approvals/internal/errors"
	"github.com/eudresfs/pgben-approvals/internal/logger"
	"github.com/eudresfs/pgben-approvals/internal/repository"
	"github.com/eudresfs/pgben-approvals/internal/service"
)

// HTTPHandler exposes the approval API.
type HTTPHandler struct {
	configurations *service.ConfigurationService
	approvers      *service.ApproverService
	delegations    *service.DelegationService
	solicitations  *service.SolicitationService
	decisions      *service.DecisionService
	log            *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(
	configurations *service.ConfigurationService,
	approvers *service.ApproverService,
	delegations *service.DelegationService,
	solicitations *service.SolicitationService,
	decisions *service.DecisionService,
	log *logger.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		configurations: configurations,
		approvers:      approvers,
		delegations:    delegations,
		solicitations:  solicitations,
		decisions:      decisions,
		log:            log,
	}
}

// Routes mounts every endpoint under the given router.
func (h *HTTPHandler) Routes(r chi.Router) {
	r.Route("/configurations", func(r chi.Router) {
		r.Post("/", h.CreateConfiguration)
		r.Get("/", h.ListConfigurations)
		r.Get("/resolve", h.ResolveConfiguration)
		r.Get("/check", h.CheckRequiresApproval)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetConfiguration)
			r.Put("/", h.UpdateConfiguration)
			r.Delete("/", h.DeactivateConfiguration)
			r.Post("/clone", h.CloneConfiguration)
			r.Post("/approvers", h.AddApprover)
			r.Get("/approvers", h.ListEligibleApprovers)
		})
	})

	r.Route("/approvers/{id}", func(r chi.Router) {
		r.Get("/", h.GetApprover)
		r.Put("/", h.UpdateApprover)
		r.Delete("/", h.RemoveApprover)
	})

	r.Route("/delegations", func(r chi.Router) {
		r.Post("/", h.CreateDelegation)
		r.Get("/", h.ListDelegations)
		r.Get("/{id}", h.GetDelegation)
		r.Post("/{id}/revoke", h.RevokeDelegation)
	})

	r.Route("/solicitations", func(r chi.Router) {
		r.Post("/", h.CreateSolicitation)
		r.Get("/", h.ListMySolicitations)
		r.Get("/pending", h.ListPendingForApprover)
		r.Get("/stats", h.GetStats)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetSolicitation)
			r.Post("/decision", h.SubmitDecision)
			r.Post("/cancel", h.CancelSolicitation)
			r.Get("/history", h.GetDecisionHistory)
			r.Post("/replay", h.ReplaySolicitation)
		})
	})
}

// ── Configurations ───────────────────────────────────────────────────────────

// CreateConfiguration handles create configuration HTTP requests.
func (h *HTTPHandler) CreateConfiguration(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ActionType             string                     `json:"action_type"`
		Strategy               repository.Strategy        `json:"strategy"`
		MinApprovals           int                        `json:"min_approvals"`
		TimeLimitHours         int                        `json:"time_limit_hours"`
		AllowsParallelApproval bool                       `json:"allows_parallel_approval"`
		AllowsAutoApproval     bool                       `json:"allows_auto_approval"`
		MinValue               *float64                   `json:"min_value"`
		OperatingHours         *repository.OperatingHours `json:"operating_hours"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, errors.New(errors.ErrCodeInvalidInput, "invalid request body"))
		return
	}

	cfg, err := h.configurations.Create(r.Context(), &service.CreateConfigurationRequest{
		ActionType:             req.ActionType,
		Strategy:               req.Strategy,
		MinApprovals:           req.MinApprovals,
		TimeLimitHours:         req.TimeLimitHours,
		AllowsParallelApproval: req.AllowsParallelApproval,
		AllowsAutoApproval:     req.AllowsAutoApproval,
		MinValue:               req.MinValue,
		OperatingHours:         req.OperatingHours,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, cfg)
}

// ListConfigurations handles list configuration HTTP requests.
func (h *HTTPHandler) ListConfigurations(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") != "false"
	cfgs, err := h.configurations.List(r.Context(), activeOnly)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"configurations": cfgs, "total": len(cfgs)})
}

// ResolveConfiguration returns the active configuration for an action type.
func (h *HTTPHandler) ResolveConfiguration(w http.ResponseWriter, r *http.Request) {
	actionType := r.URL.Query().Get("action_type")
	if actionType == "" {
		h.writeError(w, r, errors.InvalidInput("action_type", "is required"))
		return
	}
	cfg, err := h.configurations.Resolve(r.Context(), actionType)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, cfg)
}

// CheckRequiresApproval reports whether an action must be intercepted.
func (h *HTTPHandler) CheckRequiresApproval(w http.ResponseWriter, r *http.Request) {
	actionType := r.URL.Query().Get("action_type")
	if actionType == "" {
		h.writeError(w, r, errors.InvalidInput("action_type", "is required"))
		return
	}
	value, err := parseOptionalFloat(r.URL.Query().Get("value"))
	if err != nil {
		h.writeError(w, r, errors.InvalidInput("value", "must be a number"))
		return
	}

	required, err := h.configurations.CheckRequiresApproval(r.Context(), actionType, value)
	if err != nil {
		// Fail closed: report the requirement along with the error detail.
		h.writeJSON(w, http.StatusOK, map[string]any{
			"action_type":       actionType,
			"requires_approval": true,
			"degraded":          true,
		})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"action_type":       actionType,
		"requires_approval": required,
	})
}

// GetConfiguration handles get configuration HTTP requests.
func (h *HTTPHandler) GetConfiguration(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.configurations.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, cfg)
}

// UpdateConfiguration handles update configuration HTTP requests.
func (h *HTTPHandler) UpdateConfiguration(w http.ResponseWriter, r *http.Request) {
	var req service.CreateConfigurationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, errors.New(errors.ErrCodeInvalidInput, "invalid request body"))
		return
	}
	cfg, err := h.configurations.Update(r.Context(), chi.URLParam(r, "id"), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, cfg)
}

// DeactivateConfiguration handles deactivate configuration HTTP requests.
func (h *HTTPHandler) DeactivateConfiguration(w http.ResponseWriter, r *http.Request) {
	if err := h.configurations.Deactivate(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CloneConfiguration copies an existing configuration with overrides.
func (h *HTTPHandler) CloneConfiguration(w http.ResponseWriter, r *http.Request) {
	var overrides service.CloneOverrides
	if err := json.NewDecoder(r.Body).Decode(&overrides); err != nil && err != io.EOF {
		h.writeError(w, r, errors.New(errors.ErrCodeInvalidInput, "invalid request body"))
		return
	}
	cfg, err := h.configurations.Clone(r.Context(), chi.URLParam(r, "id"), &overrides)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, cfg)
}

// ── Approvers ────────────────────────────────────────────────────────────────

// AddApprover handles add approver HTTP requests.
func (h *HTTPHandler) AddApprover(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Subject        repository.ApproverSubject `json:"subject"`
		Order          int                        `json:"order"`
		Weight         int                        `json:"weight"`
		Mandatory      bool                       `json:"mandatory"`
		CanDelegate    bool                       `json:"can_delegate"`
		CanEscalate    bool                       `json:"can_escalate"`
		MinValue       *float64                   `json:"min_value"`
		MaxValue       *float64                   `json:"max_value"`
		OperatingHours *repository.OperatingHours `json:"operating_hours"`
		StartDate      *time.Time                 `json:"start_date"`
		EndDate        *time.Time                 `json:"end_date"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, errors.New(errors.ErrCodeInvalidInput, "invalid request body"))
		return
	}

	approver, err := h.approvers.Add(r.Context(), &service.AddApproverRequest{
		ConfigurationID: chi.URLParam(r, "id"),
		Subject:         req.Subject,
		Order:           req.Order,
		Weight:          req.Weight,
		Mandatory:       req.Mandatory,
		CanDelegate:     req.CanDelegate,
		CanEscalate:     req.CanEscalate,
		MinValue:        req.MinValue,
		MaxValue:        req.MaxValue,
		OperatingHours:  req.OperatingHours,
		StartDate:       req.StartDate,
		EndDate:         req.EndDate,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, approver)
}

// ListEligibleApprovers lists a configuration's currently eligible approvers.
func (h *HTTPHandler) ListEligibleApprovers(w http.ResponseWriter, r *http.Request) {
	value, err := parseOptionalFloat(r.URL.Query().Get("value"))
	if err != nil {
		h.writeError(w, r, errors.InvalidInput("value", "must be a number"))
		return
	}
	approvers, err := h.approvers.ListEligible(r.Context(), chi.URLParam(r, "id"), value, time.Now())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"approvers": approvers, "total": len(approvers)})
}

// GetApprover handles get approver HTTP requests.
func (h *HTTPHandler) GetApprover(w http.ResponseWriter, r *http.Request) {
	approver, err := h.approvers.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, approver)
}

// UpdateApprover handles update approver HTTP requests.
func (h *HTTPHandler) UpdateApprover(w http.ResponseWriter, r *http.Request) {
	approver, err := h.approvers.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := json.NewDecoder(r.Body).Decode(approver); err != nil {
		h.writeError(w, r, errors.New(errors.ErrCodeInvalidInput, "invalid request body"))
		return
	}
	approver.ID = chi.URLParam(r, "id")
	if err := h.approvers.Update(r.Context(), approver); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, approver)
}

// RemoveApprover handles remove approver HTTP requests.
func (h *HTTPHandler) RemoveApprover(w http.ResponseWriter, r *http.Request) {
	if err := h.approvers.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Delegations ──────────────────────────────────────────────────────────────

// CreateDelegation handles create delegation HTTP requests.
func (h *HTTPHandler) CreateDelegation(w http.ResponseWriter, r *http.Request) {
	var req service.CreateDelegationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, errors.New(errors.ErrCodeInvalidInput, "invalid request body"))
		return
	}
	d, err := h.delegations.Create(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, d)
}

// ListDelegations lists delegations granted to the caller or to an explicit
// delegate.
func (h *HTTPHandler) ListDelegations(w http.ResponseWriter, r *http.Request) {
	delegateID := r.URL.Query().Get("delegate_id")
	if delegateID == "" {
		if p := auth.FromContext(r.Context()); p != nil {
			delegateID = p.ID
		}
	}
	if delegateID == "" {
		h.writeError(w, r, errors.InvalidInput("delegate_id", "is required"))
		return
	}
	ds, err := h.delegations.ListByDelegate(r.Context(), delegateID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"delegations": ds, "total": len(ds)})
}

// GetDelegation handles get delegation HTTP requests.
func (h *HTTPHandler) GetDelegation(w http.ResponseWriter, r *http.Request) {
	d, err := h.delegations.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, d)
}

// RevokeDelegation handles revoke delegation HTTP requests.
func (h *HTTPHandler) RevokeDelegation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		h.writeError(w, r, errors.New(errors.ErrCodeInvalidInput, "invalid request body"))
		return
	}
	if err := h.delegations.Revoke(r.Context(), chi.URLParam(r, "id"), auth.FromContext(r.Context()), req.Reason); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// ── Solicitations ────────────────────────────────────────────────────────────

// CreateSolicitation handles create solicitation HTTP requests.
func (h *HTTPHandler) CreateSolicitation(w http.ResponseWriter, r *http.Request) {
	principal := auth.FromContext(r.Context())
	if principal == nil {
		h.writeError(w, r, errors.New(errors.ErrCodeUnauthorized, "no authenticated principal"))
		return
	}

	var req struct {
		ActionType      string                     `json:"action_type"`
		Justification   string                     `json:"justification"`
		ContextData     map[string]any             `json:"context_data"`
		OriginalRequest repository.OriginalRequest `json:"original_request"`
		ValueInvolved   *float64                   `json:"value_involved"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, errors.New(errors.ErrCodeInvalidInput, "invalid request body"))
		return
	}

	sol, err := h.solicitations.Create(r.Context(), &service.CreateSolicitationRequest{
		ActionType:      req.ActionType,
		RequesterID:     principal.ID,
		Justification:   req.Justification,
		ContextData:     req.ContextData,
		OriginalRequest: req.OriginalRequest,
		ValueInvolved:   req.ValueInvolved,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, sol)
}

// ListMySolicitations lists the caller's solicitations newest-first.
func (h *HTTPHandler) ListMySolicitations(w http.ResponseWriter, r *http.Request) {
	principal := auth.FromContext(r.Context())
	if principal == nil {
		h.writeError(w, r, errors.New(errors.ErrCodeUnauthorized, "no authenticated principal"))
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	sols, err := h.solicitations.ListByRequester(r.Context(), principal.ID, limit, offset)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"solicitations": sols, "total": len(sols)})
}

// ListPendingForApprover lists pending solicitations the caller can decide on.
func (h *HTTPHandler) ListPendingForApprover(w http.ResponseWriter, r *http.Request) {
	sols, err := h.solicitations.PendingForApprover(r.Context(), auth.FromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"solicitations": sols, "total": len(sols)})
}

// GetStats handles stats HTTP requests.
func (h *HTTPHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.solicitations.GetStats(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

// GetSolicitation handles get solicitation HTTP requests.
func (h *HTTPHandler) GetSolicitation(w http.ResponseWriter, r *http.Request) {
	sol, err := h.solicitations.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sol)
}

// SubmitDecision handles decision HTTP requests.
func (h *HTTPHandler) SubmitDecision(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Action        repository.DecisionAction `json:"action"`
		Justification string                    `json:"justification"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, errors.New(errors.ErrCodeInvalidInput, "invalid request body"))
		return
	}

	sol, err := h.decisions.SubmitDecision(r.Context(), chi.URLParam(r, "id"),
		auth.FromContext(r.Context()), req.Action, req.Justification)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, sol)
}

// CancelSolicitation handles cancel HTTP requests.
func (h *HTTPHandler) CancelSolicitation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		h.writeError(w, r, errors.New(errors.ErrCodeInvalidInput, "invalid request body"))
		return
	}
	if err := h.solicitations.Cancel(r.Context(), chi.URLParam(r, "id"), auth.FromContext(r.Context()), req.Reason); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// GetDecisionHistory returns the append-only decision trail.
func (h *HTTPHandler) GetDecisionHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.decisions.GetHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"history": entries, "total": len(entries)})
}

// ReplaySolicitation re-runs the deferred request of an approved solicitation.
func (h *HTTPHandler) ReplaySolicitation(w http.ResponseWriter, r *http.Request) {
	result, err := h.decisions.ManualReplay(r.Context(), chi.URLParam(r, "id"), auth.FromContext(r.Context()))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error().Err(err).Msg("failed to encode response")
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errors.Code(err)
	status := statusForCode(code)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	h.writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  code,
	})
}

func statusForCode(code string) int {
	switch code {
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case errors.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case errors.ErrCodeForbidden:
		return http.StatusForbidden
	case errors.ErrCodeConflict, errors.ErrCodeInvalidState:
		return http.StatusConflict
	case errors.ErrCodeExpired:
		return http.StatusGone
	case errors.ErrCodePolicyViolation:
		return http.StatusUnprocessableEntity
	case errors.ErrCodeExecutionFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func parseOptionalFloat(s string) (*float64, error) {
	if s == "" {
		return nil, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, err
	}
	return &f, nil
}
