package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"escrowflow/access"
	"escrowflow/auth"
	"escrowflow/contract"
	"escrowflow/idempotency"
	"escrowflow/milestone"
	"escrowflow/registry"
)

type stubEscrowService struct {
	contract    contract.Contract
	contracts   []contract.Contract
	milestone   contract.Milestone
	dispute     contract.Dispute
	disputes    []contract.Dispute
	err         error
	lastWorkRef string
	lastAmount  decimal.Decimal
	lastCaller  string
}

func (s *stubEscrowService) CreateContract(_ context.Context, callerID string, _ registry.CreateParams) (contract.Contract, error) {
	s.lastCaller = callerID
	return s.contract, s.err
}

func (s *stubEscrowService) ViewContract(_ context.Context, _ string, callerID string) (contract.Contract, error) {
	s.lastCaller = callerID
	return s.contract, s.err
}

func (s *stubEscrowService) ListContracts(_ context.Context, callerID string, _ contract.ListFilter) ([]contract.Contract, error) {
	s.lastCaller = callerID
	return s.contracts, s.err
}

func (s *stubEscrowService) Timeline(_ context.Context, _ string, _ string) ([]contract.Event, error) {
	return nil, s.err
}

func (s *stubEscrowService) CancelContract(_ context.Context, _ string, _ string) (contract.Contract, error) {
	return s.contract, s.err
}

func (s *stubEscrowService) SubmitMilestone(_ context.Context, _, _, workRef, _ string) (contract.Milestone, error) {
	s.lastWorkRef = workRef
	return s.milestone, s.err
}

func (s *stubEscrowService) ApproveMilestone(_ context.Context, _, _, _ string) (contract.Milestone, error) {
	return s.milestone, s.err
}

func (s *stubEscrowService) ReleasePayment(_ context.Context, _, _ string, amount decimal.Decimal, _ string) (contract.Milestone, error) {
	s.lastAmount = amount
	return s.milestone, s.err
}

func (s *stubEscrowService) RaiseDispute(_ context.Context, _, _, _ string) (contract.Dispute, error) {
	return s.dispute, s.err
}

func (s *stubEscrowService) ResolveDispute(_ context.Context, _ string, _ bool, _, _ string) (contract.Dispute, error) {
	return s.dispute, s.err
}

func (s *stubEscrowService) GetDispute(_ context.Context, _, _ string) (contract.Dispute, error) {
	return s.dispute, s.err
}

func (s *stubEscrowService) ListOpenDisputes(_ context.Context, _ string, _ int) ([]contract.Dispute, error) {
	return s.disputes, s.err
}

func withCaller(req *http.Request, userID string, params ...string) *http.Request {
	rctx := chi.NewRouteContext()
	for i := 0; i+1 < len(params); i += 2 {
		rctx.URLParams.Add(params[i], params[i+1])
	}
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, rctx)
	ctx = context.WithValue(ctx, ctxKeyUserID, userID)
	ctx = context.WithValue(ctx, ctxKeyRole, auth.RoleMember)
	return req.WithContext(ctx)
}

func TestHandleGetContract_Success(t *testing.T) {
	now := time.Date(2024, 10, 31, 15, 4, 5, 0, time.UTC)
	stub := &stubEscrowService{
		contract: contract.Contract{
			ID:           "c1",
			ClientID:     "client-1",
			FreelancerID: "freelancer-1",
			Title:        "Landing page",
			Price:        decimal.RequireFromString("1000"),
			Balance:      decimal.RequireFromString("600"),
			Status:       contract.StatusActive,
			Milestones: []contract.Milestone{
				{ID: "ms-1", Amount: decimal.RequireFromString("400"), Status: contract.MilestonePaid, PaidAmount: decimal.RequireFromString("400")},
			},
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
	server := &Server{escrowService: stub, log: zerolog.Nop()}

	req := httptest.NewRequest(http.MethodGet, "/api/contracts/c1", nil)
	req = withCaller(req, "client-1", "contractID", "c1")
	rec := httptest.NewRecorder()

	server.handleGetContract(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp contractResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "c1", resp.ID)
	require.Equal(t, "600", resp.Balance)
	require.Equal(t, "active", resp.Status)
	require.Len(t, resp.Milestones, 1)
	require.Equal(t, "400", resp.Milestones[0].PaidAmount)
	require.Equal(t, now.Format(time.RFC3339), resp.CreatedAt)
	require.Equal(t, "client-1", stub.lastCaller, "caller comes from the request context")
}

func TestHandleGetContract_NotFound(t *testing.T) {
	server := &Server{escrowService: &stubEscrowService{err: contract.ErrNotFound}, log: zerolog.Nop()}

	req := withCaller(httptest.NewRequest(http.MethodGet, "/api/contracts/missing", nil), "client-1", "contractID", "missing")
	rec := httptest.NewRecorder()

	server.handleGetContract(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleReleasePayment_ErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{contract.ErrInvalidAmount, http.StatusUnprocessableEntity, "INVALID_AMOUNT"},
		{contract.ErrUnauthorized, http.StatusForbidden, "UNAUTHORIZED"},
		{contract.ErrAlreadyPaid, http.StatusConflict, "ALREADY_PAID"},
		{contract.ErrInsufficientBalance, http.StatusUnprocessableEntity, "INSUFFICIENT_BALANCE"},
		{contract.ErrDisputeActive, http.StatusConflict, "DISPUTE_ACTIVE"},
		{contract.ErrInvalidStateTransition, http.StatusConflict, "INVALID_STATE_TRANSITION"},
		{idempotency.ErrConflict, http.StatusUnprocessableEntity, "IDEMPOTENCY_CONFLICT"},
		{idempotency.ErrInFlight, http.StatusConflict, "IDEMPOTENCY_IN_FLIGHT"},
		{errors.New("boom"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tc := range cases {
		server := &Server{escrowService: &stubEscrowService{err: tc.err}, log: zerolog.Nop()}
		req := httptest.NewRequest(http.MethodPost, "/api/contracts/c1/milestones/ms-1/release", strings.NewReader(`{"amount":"100"}`))
		req = withCaller(req, "client-1", "contractID", "c1", "milestoneID", "ms-1")
		rec := httptest.NewRecorder()

		server.handleReleasePayment(rec, req)

		require.Equal(t, tc.status, rec.Code, "%v", tc.err)
		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		require.Equal(t, tc.code, body["code"], "%v", tc.err)
	}
}

func TestHandleReleasePayment_ParsesAmount(t *testing.T) {
	stub := &stubEscrowService{milestone: contract.Milestone{ID: "ms-1", Status: contract.MilestonePaid}}
	server := &Server{escrowService: stub, log: zerolog.Nop()}

	req := httptest.NewRequest(http.MethodPost, "/api/contracts/c1/milestones/ms-1/release", strings.NewReader(`{"amount":"250.50"}`))
	req = withCaller(req, "client-1", "contractID", "c1", "milestoneID", "ms-1")
	rec := httptest.NewRecorder()

	server.handleReleasePayment(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, stub.lastAmount.Equal(decimal.RequireFromString("250.5")), "got amount %s", stub.lastAmount)
}

func TestHandleReleasePayment_MalformedAmount(t *testing.T) {
	server := &Server{escrowService: &stubEscrowService{}, log: zerolog.Nop()}

	req := httptest.NewRequest(http.MethodPost, "/api/contracts/c1/milestones/ms-1/release", strings.NewReader(`{"amount":"lots"}`))
	req = withCaller(req, "client-1", "contractID", "c1", "milestoneID", "ms-1")
	rec := httptest.NewRecorder()

	server.handleReleasePayment(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSubmitMilestone_FingerprintsContent(t *testing.T) {
	stub := &stubEscrowService{milestone: contract.Milestone{ID: "ms-1", Status: contract.MilestoneSubmitted}}
	server := &Server{escrowService: stub, log: zerolog.Nop()}

	req := httptest.NewRequest(http.MethodPost, "/api/contracts/c1/milestones/ms-1/submit", strings.NewReader(`{"content":"hello"}`))
	req = withCaller(req, "freelancer-1", "contractID", "c1", "milestoneID", "ms-1")
	rec := httptest.NewRecorder()

	server.handleSubmitMilestone(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, milestone.Fingerprint([]byte("hello")), stub.lastWorkRef)
}

func TestHandleResolveDispute_RequiresOutcome(t *testing.T) {
	server := &Server{escrowService: &stubEscrowService{}, log: zerolog.Nop()}

	req := httptest.NewRequest(http.MethodPost, "/api/contracts/c1/dispute/resolve", strings.NewReader(`{"resolution":"split"}`))
	req = withCaller(req, "arbiter-1", "contractID", "c1")
	rec := httptest.NewRecorder()

	server.handleResolveDispute(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleOpenDisputes_List(t *testing.T) {
	now := time.Now().UTC()
	server := &Server{
		escrowService: &stubEscrowService{
			disputes: []contract.Dispute{{ContractID: "c1", InitiatorID: "client-1", Reason: "late", Status: contract.DisputeOpen, RaisedAt: now}},
		},
		log: zerolog.Nop(),
	}

	req := withCaller(httptest.NewRequest(http.MethodGet, "/api/disputes", nil), "arbiter-1")
	rec := httptest.NewRecorder()

	server.handleOpenDisputes(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var payload struct {
		Items []disputeResponse `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Len(t, payload.Items, 1)
	require.Equal(t, "c1", payload.Items[0].ContractID)
}

func TestHandleListContracts_InvalidLimit(t *testing.T) {
	server := &Server{escrowService: &stubEscrowService{}, log: zerolog.Nop()}

	req := withCaller(httptest.NewRequest(http.MethodGet, "/api/contracts?limit=abc", nil), "client-1")
	rec := httptest.NewRecorder()

	server.handleListContracts(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRoutes_RejectMissingToken(t *testing.T) {
	authSvc := auth.NewService(auth.NewMemoryRepository(), "test-secret-0123456789", "arbiter-1")
	server := NewServer(&stubEscrowService{}, authSvc, zerolog.Nop())
	handler := server.Routes()

	for _, header := range []string{"", "Bearer ", "Bearer not-a-token", "Basic abc"} {
		req := httptest.NewRequest(http.MethodGet, "/api/contracts", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code, "header %q", header)
	}
}

func TestRoutes_Health(t *testing.T) {
	server := NewServer(&stubEscrowService{}, nil, zerolog.Nop())
	handler := server.Routes()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	server.WithReadiness(func(context.Context) error {
		return errors.New("dial tcp 10.0.0.7:5432: connect: connection refused")
	})
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "NOT_READY", body["code"])
	require.NotContains(t, rec.Body.String(), "10.0.0.7", "backend errors stay in the log")
	require.NotContains(t, rec.Body.String(), "connection refused")
}

type apiClient struct {
	t       *testing.T
	handler http.Handler
}

func (c apiClient) do(method, path, token, idemKey, body string) *httptest.ResponseRecorder {
	c.t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	rec := httptest.NewRecorder()
	c.handler.ServeHTTP(rec, req)
	return rec
}

// expect sends a request and fails the test unless it answers with status.
func (c apiClient) expect(status int, method, path, token, idemKey, body string) *httptest.ResponseRecorder {
	c.t.Helper()
	rec := c.do(method, path, token, idemKey, body)
	require.Equal(c.t, status, rec.Code, "%s %s: %s", method, path, rec.Body.String())
	return rec
}

func (c apiClient) signup(email string) (string, string) {
	c.t.Helper()
	c.expect(http.StatusCreated, http.MethodPost, "/api/auth/register", "", "", `{"email":"`+email+`","password":"supersafe","displayName":"User"}`)
	rec := c.expect(http.StatusOK, http.MethodPost, "/api/auth/login", "", "", `{"email":"`+email+`","password":"supersafe"}`)
	var resp loginResponse
	require.NoError(c.t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.User.ID, resp.Token
}

func TestRoutes_EscrowLifecycle(t *testing.T) {
	store := contract.NewMemoryStore()
	reg := registry.New(store, access.New("arbiter-1"), zerolog.Nop()).
		WithIdempotency(idempotency.NewGuard(idempotency.NewMemoryStore(), time.Hour))
	authSvc := auth.NewService(auth.NewMemoryRepository(), "test-secret-0123456789", "arbiter-1")
	client := apiClient{t: t, handler: NewServer(reg, authSvc, zerolog.Nop()).Routes()}

	_, clientToken := client.signup("client@example.com")
	freelancerID, freelancerToken := client.signup("freelancer@example.com")
	arbiterToken, err := authSvc.IssueToken("arbiter-1")
	require.NoError(t, err)

	rec := client.expect(http.StatusCreated, http.MethodPost, "/api/contracts", clientToken, "", `{"freelancerId":"`+freelancerID+`","title":"Site","price":"1000","deposit":"1000","milestones":[{"title":"Design","amount":"400"},{"title":"Build","amount":"600"}]}`)
	var created contractResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	base := "/api/contracts/" + created.ID

	client.expect(http.StatusOK, http.MethodPost, base+"/milestones/ms-1/submit", freelancerToken, "", `{"workReference":"ipfs://design"}`)
	client.expect(http.StatusForbidden, http.MethodPost, base+"/milestones/ms-1/approve", freelancerToken, "", "")
	client.expect(http.StatusOK, http.MethodPost, base+"/milestones/ms-1/approve", clientToken, "", "")

	client.expect(http.StatusOK, http.MethodPost, base+"/milestones/ms-1/release", clientToken, "release-ms-1", `{"amount":"400"}`)
	client.expect(http.StatusOK, http.MethodPost, base+"/milestones/ms-1/release", clientToken, "release-ms-1", `{"amount":"400"}`)
	client.expect(http.StatusUnprocessableEntity, http.MethodPost, base+"/milestones/ms-1/release", clientToken, "release-ms-1", `{"amount":"300"}`)
	client.expect(http.StatusConflict, http.MethodPost, base+"/milestones/ms-1/release", clientToken, "", `{"amount":"400"}`)

	client.expect(http.StatusCreated, http.MethodPost, base+"/dispute", freelancerToken, "", `{"reason":"scope creep"}`)
	client.expect(http.StatusConflict, http.MethodPost, base+"/milestones/ms-2/submit", freelancerToken, "", `{"workReference":"ipfs://build"}`)
	client.expect(http.StatusOK, http.MethodGet, "/api/disputes", arbiterToken, "", "")
	client.expect(http.StatusForbidden, http.MethodPost, base+"/dispute/resolve", clientToken, "", `{"clientWins":true}`)
	client.expect(http.StatusOK, http.MethodPost, base+"/dispute/resolve", arbiterToken, "", `{"clientWins":false,"resolution":"work delivered"}`)

	rec = client.expect(http.StatusOK, http.MethodGet, base, clientToken, "", "")
	var final contractResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &final))
	require.Equal(t, "completed", final.Status)
	require.Equal(t, "0", final.Balance)
	require.NotNil(t, final.Settlement)
	require.Equal(t, freelancerID, final.Settlement.RecipientID)
	require.Equal(t, "600", final.Settlement.Amount)

	rec = client.expect(http.StatusOK, http.MethodGet, base+"/timeline", freelancerToken, "", "")
	var timeline struct {
		Items []eventResponse `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &timeline))
	require.NotEmpty(t, timeline.Items)
	require.Equal(t, contract.EventContractCreated, timeline.Items[0].Type)
}

func TestRoutes_FullPaymentCompletesContract(t *testing.T) {
	reg := registry.New(contract.NewMemoryStore(), access.New("arbiter-1"), zerolog.Nop())
	authSvc := auth.NewService(auth.NewMemoryRepository(), "test-secret-0123456789", "arbiter-1")
	client := apiClient{t: t, handler: NewServer(reg, authSvc, zerolog.Nop()).Routes()}

	_, clientToken := client.signup("client@example.com")
	freelancerID, freelancerToken := client.signup("freelancer@example.com")

	rec := client.expect(http.StatusCreated, http.MethodPost, "/api/contracts", clientToken, "", `{"freelancerId":"`+freelancerID+`","title":"Logo","price":"250","deposit":"250"}`)
	var created contractResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	base := "/api/contracts/" + created.ID

	client.expect(http.StatusOK, http.MethodPost, base+"/milestones/ms-1/submit", freelancerToken, "", `{"workReference":"ipfs://logo"}`)
	client.expect(http.StatusOK, http.MethodPost, base+"/milestones/ms-1/approve", clientToken, "", "")
	client.expect(http.StatusOK, http.MethodPost, base+"/milestones/ms-1/release", clientToken, "", `{"amount":"250"}`)
	client.expect(http.StatusConflict, http.MethodPost, base+"/dispute", freelancerToken, "", `{"reason":"after the fact"}`)

	rec = client.expect(http.StatusOK, http.MethodGet, base, freelancerToken, "", "")
	var final contractResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &final))
	require.Equal(t, "completed", final.Status)
	require.Equal(t, "0", final.Balance)
	require.Nil(t, final.Dispute)
}
