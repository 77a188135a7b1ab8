package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"escrowflow/auth"
	"escrowflow/contract"
	"escrowflow/idempotency"
	"escrowflow/milestone"
	"escrowflow/registry"
)

type userResponse struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
	CreatedAt   string `json:"createdAt"`
}

type loginResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

type milestoneRequest struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	DueDate     *time.Time      `json:"dueDate"`
}

type createContractRequest struct {
	ClientID     string             `json:"clientId"`
	FreelancerID string             `json:"freelancerId"`
	Title        string             `json:"title"`
	Description  string             `json:"description"`
	Price        decimal.Decimal    `json:"price"`
	Deposit      decimal.Decimal    `json:"deposit"`
	Milestones   []milestoneRequest `json:"milestones"`
}

type submitRequest struct {
	WorkReference string `json:"workReference"`
	Content       string `json:"content"`
}

type releaseRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type raiseDisputeRequest struct {
	Reason string `json:"reason"`
}

type resolveDisputeRequest struct {
	ClientWins *bool  `json:"clientWins"`
	Resolution string `json:"resolution"`
}

type milestoneResponse struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	Description   string `json:"description,omitempty"`
	Amount        string `json:"amount"`
	Status        string `json:"status"`
	WorkReference string `json:"workReference,omitempty"`
	PaidAmount    string `json:"paidAmount"`
	DueDate       string `json:"dueDate,omitempty"`
	SubmittedAt   string `json:"submittedAt,omitempty"`
	ApprovedAt    string `json:"approvedAt,omitempty"`
	PaidAt        string `json:"paidAt,omitempty"`
}

type disputeResponse struct {
	ContractID  string `json:"contractId"`
	InitiatorID string `json:"initiatorId"`
	Reason      string `json:"reason"`
	Status      string `json:"status"`
	Outcome     string `json:"outcome,omitempty"`
	ResolverID  string `json:"resolverId,omitempty"`
	Resolution  string `json:"resolution,omitempty"`
	RaisedAt    string `json:"raisedAt"`
	ResolvedAt  string `json:"resolvedAt,omitempty"`
}

type settlementResponse struct {
	Reason      string `json:"reason"`
	RecipientID string `json:"recipientId"`
	Amount      string `json:"amount"`
	SettledAt   string `json:"settledAt"`
}

type contractResponse struct {
	ID           string              `json:"id"`
	ClientID     string              `json:"clientId"`
	FreelancerID string              `json:"freelancerId"`
	Title        string              `json:"title"`
	Description  string              `json:"description,omitempty"`
	Price        string              `json:"price"`
	Balance      string              `json:"balance"`
	Status       string              `json:"status"`
	Milestones   []milestoneResponse `json:"milestones"`
	Dispute      *disputeResponse    `json:"dispute,omitempty"`
	Settlement   *settlementResponse `json:"settlement,omitempty"`
	Version      int64               `json:"version"`
	CreatedAt    string              `json:"createdAt"`
	UpdatedAt    string              `json:"updatedAt"`
}

type eventResponse struct {
	Seq       int            `json:"seq"`
	Type      string         `json:"type"`
	ActorID   string         `json:"actorId,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt string         `json:"createdAt"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid JSON payload")
		return
	}
	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrDuplicateEmail):
			writeError(w, http.StatusConflict, "EMAIL_TAKEN", err.Error())
		case errors.Is(err, auth.ErrWeakPassword), errors.Is(err, auth.ErrMissingFields):
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		default:
			s.internalError(w, r, err)
		}
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid JSON payload")
		return
	}
	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid credentials")
			return
		}
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Token: result.Token, User: toUserResponse(result.User)})
}

func (s *Server) handleCreateContract(w http.ResponseWriter, r *http.Request) {
	var req createContractRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid JSON payload")
		return
	}
	params := registry.CreateParams{
		ClientID:     strings.TrimSpace(req.ClientID),
		FreelancerID: strings.TrimSpace(req.FreelancerID),
		Title:        req.Title,
		Description:  req.Description,
		Price:        req.Price,
		Deposit:      req.Deposit,
	}
	for _, m := range req.Milestones {
		params.Milestones = append(params.Milestones, registry.MilestoneSpec{
			Title:       m.Title,
			Description: m.Description,
			Amount:      m.Amount,
			DueDate:     m.DueDate,
		})
	}
	c, err := s.escrowService.CreateContract(r.Context(), userIDFromContext(r.Context()), params)
	if err != nil {
		s.domainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toContractResponse(c))
}

func (s *Server) handleListContracts(w http.ResponseWriter, r *http.Request) {
	filter := contract.ListFilter{
		PartyID: strings.TrimSpace(r.URL.Query().Get("party")),
		Status:  contract.Status(strings.TrimSpace(r.URL.Query().Get("status"))),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}
	contracts, err := s.escrowService.ListContracts(r.Context(), userIDFromContext(r.Context()), filter)
	if err != nil {
		s.domainError(w, r, err)
		return
	}
	items := make([]contractResponse, 0, len(contracts))
	for _, c := range contracts {
		items = append(items, toContractResponse(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleGetContract(w http.ResponseWriter, r *http.Request) {
	c, err := s.escrowService.ViewContract(r.Context(), chi.URLParam(r, "contractID"), userIDFromContext(r.Context()))
	if err != nil {
		s.domainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toContractResponse(c))
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	events, err := s.escrowService.Timeline(r.Context(), chi.URLParam(r, "contractID"), userIDFromContext(r.Context()))
	if err != nil {
		s.domainError(w, r, err)
		return
	}
	items := make([]eventResponse, 0, len(events))
	for _, e := range events {
		items = append(items, eventResponse{
			Seq:       e.Seq,
			Type:      e.Type,
			ActorID:   e.ActorID,
			Payload:   e.Payload,
			CreatedAt: formatTime(e.CreatedAt),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleCancelContract(w http.ResponseWriter, r *http.Request) {
	c, err := s.escrowService.CancelContract(r.Context(), chi.URLParam(r, "contractID"), userIDFromContext(r.Context()))
	if err != nil {
		s.domainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toContractResponse(c))
}

func (s *Server) handleSubmitMilestone(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid JSON payload")
		return
	}
	workRef := strings.TrimSpace(req.WorkReference)
	if workRef == "" && req.Content != "" {
		workRef = milestone.Fingerprint([]byte(req.Content))
	}
	m, err := s.escrowService.SubmitMilestone(r.Context(), chi.URLParam(r, "contractID"), chi.URLParam(r, "milestoneID"), workRef, userIDFromContext(r.Context()))
	if err != nil {
		s.domainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMilestoneResponse(m))
}

func (s *Server) handleApproveMilestone(w http.ResponseWriter, r *http.Request) {
	m, err := s.escrowService.ApproveMilestone(r.Context(), chi.URLParam(r, "contractID"), chi.URLParam(r, "milestoneID"), userIDFromContext(r.Context()))
	if err != nil {
		s.domainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMilestoneResponse(m))
}

func (s *Server) handleReleasePayment(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", "amount must be a decimal")
		return
	}
	m, err := s.escrowService.ReleasePayment(r.Context(), chi.URLParam(r, "contractID"), chi.URLParam(r, "milestoneID"), req.Amount, userIDFromContext(r.Context()))
	if err != nil {
		s.domainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMilestoneResponse(m))
}

func (s *Server) handleRaiseDispute(w http.ResponseWriter, r *http.Request) {
	var req raiseDisputeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid JSON payload")
		return
	}
	d, err := s.escrowService.RaiseDispute(r.Context(), chi.URLParam(r, "contractID"), req.Reason, userIDFromContext(r.Context()))
	if err != nil {
		s.domainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDisputeResponse(d))
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	d, err := s.escrowService.GetDispute(r.Context(), chi.URLParam(r, "contractID"), userIDFromContext(r.Context()))
	if err != nil {
		s.domainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	var req resolveDisputeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid JSON payload")
		return
	}
	if req.ClientWins == nil {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "clientWins is required")
		return
	}
	d, err := s.escrowService.ResolveDispute(r.Context(), chi.URLParam(r, "contractID"), *req.ClientWins, req.Resolution, userIDFromContext(r.Context()))
	if err != nil {
		s.domainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(d))
}

func (s *Server) handleOpenDisputes(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", "limit must be a positive integer")
			return
		}
		limit = v
	}
	disputes, err := s.escrowService.ListOpenDisputes(r.Context(), userIDFromContext(r.Context()), limit)
	if err != nil {
		s.domainError(w, r, err)
		return
	}
	items := make([]disputeResponse, 0, len(disputes))
	for _, d := range disputes {
		items = append(items, toDisputeResponse(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// errorStatus maps the business taxonomy onto HTTP. Unknown errors are 500.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, contract.ErrInvalidAmount):
		return http.StatusUnprocessableEntity, "INVALID_AMOUNT"
	case errors.Is(err, contract.ErrInvalidInput):
		return http.StatusBadRequest, "INVALID_INPUT"
	case errors.Is(err, contract.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, contract.ErrUnauthorized):
		return http.StatusForbidden, "UNAUTHORIZED"
	case errors.Is(err, contract.ErrInvalidStateTransition):
		return http.StatusConflict, "INVALID_STATE_TRANSITION"
	case errors.Is(err, contract.ErrAlreadyPaid):
		return http.StatusConflict, "ALREADY_PAID"
	case errors.Is(err, contract.ErrAlreadyResolved):
		return http.StatusConflict, "ALREADY_RESOLVED"
	case errors.Is(err, contract.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity, "INSUFFICIENT_BALANCE"
	case errors.Is(err, contract.ErrDisputeActive):
		return http.StatusConflict, "DISPUTE_ACTIVE"
	case errors.Is(err, contract.ErrConflict):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, idempotency.ErrConflict):
		return http.StatusUnprocessableEntity, "IDEMPOTENCY_CONFLICT"
	case errors.Is(err, idempotency.ErrInFlight):
		return http.StatusConflict, "IDEMPOTENCY_IN_FLIGHT"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func (s *Server) domainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.internalError(w, r, err)
		return
	}
	writeError(w, status, code, err.Error())
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	writeError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "error": message})
}

func toUserResponse(u auth.User) userResponse {
	return userResponse{
		ID:          u.ID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		Role:        string(u.Role),
		CreatedAt:   formatTime(u.CreatedAt),
	}
}

func toContractResponse(c contract.Contract) contractResponse {
	resp := contractResponse{
		ID:           c.ID,
		ClientID:     c.ClientID,
		FreelancerID: c.FreelancerID,
		Title:        c.Title,
		Description:  c.Description,
		Price:        c.Price.String(),
		Balance:      c.Balance.String(),
		Status:       string(c.Status),
		Milestones:   make([]milestoneResponse, 0, len(c.Milestones)),
		Version:      c.Version,
		CreatedAt:    formatTime(c.CreatedAt),
		UpdatedAt:    formatTime(c.UpdatedAt),
	}
	for _, m := range c.Milestones {
		resp.Milestones = append(resp.Milestones, toMilestoneResponse(m))
	}
	if c.Dispute != nil {
		d := toDisputeResponse(*c.Dispute)
		resp.Dispute = &d
	}
	if c.Settlement != nil {
		resp.Settlement = &settlementResponse{
			Reason:      string(c.Settlement.Reason),
			RecipientID: c.Settlement.RecipientID,
			Amount:      c.Settlement.Amount.String(),
			SettledAt:   formatTime(c.Settlement.SettledAt),
		}
	}
	return resp
}

func toMilestoneResponse(m contract.Milestone) milestoneResponse {
	return milestoneResponse{
		ID:            m.ID,
		Title:         m.Title,
		Description:   m.Description,
		Amount:        m.Amount.String(),
		Status:        string(m.Status),
		WorkReference: m.WorkReference,
		PaidAmount:    m.PaidAmount.String(),
		DueDate:       formatOptional(m.DueDate),
		SubmittedAt:   formatOptional(m.SubmittedAt),
		ApprovedAt:    formatOptional(m.ApprovedAt),
		PaidAt:        formatOptional(m.PaidAt),
	}
}

func toDisputeResponse(d contract.Dispute) disputeResponse {
	return disputeResponse{
		ContractID:  d.ContractID,
		InitiatorID: d.InitiatorID,
		Reason:      d.Reason,
		Status:      string(d.Status),
		Outcome:     string(d.Outcome),
		ResolverID:  d.ResolverID,
		Resolution:  d.Resolution,
		RaisedAt:    formatTime(d.RaisedAt),
		ResolvedAt:  formatOptional(d.ResolvedAt),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatOptional(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
