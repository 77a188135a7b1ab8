package main

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"escrowflow/auth"
	"escrowflow/contract"
	"escrowflow/idempotency"
	"escrowflow/registry"
)

type contextKey string

const (
	ctxKeyUserID contextKey = "userID"
	ctxKeyRole   contextKey = "role"
)

type escrowService interface {
	CreateContract(ctx context.Context, callerID string, params registry.CreateParams) (contract.Contract, error)
	ViewContract(ctx context.Context, contractID, callerID string) (contract.Contract, error)
	ListContracts(ctx context.Context, callerID string, filter contract.ListFilter) ([]contract.Contract, error)
	Timeline(ctx context.Context, contractID, callerID string) ([]contract.Event, error)
	CancelContract(ctx context.Context, contractID, callerID string) (contract.Contract, error)
	SubmitMilestone(ctx context.Context, contractID, milestoneID, workRef, callerID string) (contract.Milestone, error)
	ApproveMilestone(ctx context.Context, contractID, milestoneID, callerID string) (contract.Milestone, error)
	ReleasePayment(ctx context.Context, contractID, milestoneID string, amount decimal.Decimal, callerID string) (contract.Milestone, error)
	RaiseDispute(ctx context.Context, contractID, reason, callerID string) (contract.Dispute, error)
	ResolveDispute(ctx context.Context, contractID string, clientWins bool, resolution, callerID string) (contract.Dispute, error)
	GetDispute(ctx context.Context, contractID, callerID string) (contract.Dispute, error)
	ListOpenDisputes(ctx context.Context, callerID string, limit int) ([]contract.Dispute, error)
}

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
}

// Server exposes the escrow registry over HTTP. Every protected route derives
// the caller id from the session token; request bodies never name the caller.
type Server struct {
	escrowService escrowService
	authService   authService
	log           zerolog.Logger
	ready         func(ctx context.Context) error
}

func NewServer(escrow escrowService, authSvc authService, log zerolog.Logger) *Server {
	return &Server{
		escrowService: escrow,
		authService:   authSvc,
		log:           log.With().Str("module", "http").Logger(),
	}
}

// WithReadiness installs the check backing /readyz.
func (s *Server) WithReadiness(fn func(ctx context.Context) error) *Server {
	s.ready = fn
	return s
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)
			r.Use(withIdempotencyKey)

			r.Post("/contracts", s.handleCreateContract)
			r.Get("/contracts", s.handleListContracts)
			r.Get("/contracts/{contractID}", s.handleGetContract)
			r.Get("/contracts/{contractID}/timeline", s.handleTimeline)
			r.Post("/contracts/{contractID}/cancel", s.handleCancelContract)

			r.Post("/contracts/{contractID}/milestones/{milestoneID}/submit", s.handleSubmitMilestone)
			r.Post("/contracts/{contractID}/milestones/{milestoneID}/approve", s.handleApproveMilestone)
			r.Post("/contracts/{contractID}/milestones/{milestoneID}/release", s.handleReleasePayment)

			r.Post("/contracts/{contractID}/dispute", s.handleRaiseDispute)
			r.Get("/contracts/{contractID}/dispute", s.handleGetDispute)
			r.Post("/contracts/{contractID}/dispute/resolve", s.handleResolveDispute)
			r.Get("/disputes", s.handleOpenDisputes)
		})
	})

	return r
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
			return
		}
		userID, role, err := s.authService.VerifyToken(strings.TrimSpace(token))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid session token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		ctx = context.WithValue(ctx, ctxKeyRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func withIdempotencyKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" {
			r = r.WithContext(idempotency.WithKey(r.Context(), key))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func userIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyUserID).(string)
	return id
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.log.Warn().Err(err).Msg("readiness check failed")
			writeError(w, http.StatusServiceUnavailable, "NOT_READY", "service not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
