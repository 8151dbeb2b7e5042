package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"escrowflow/auth"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/party"
	"escrowflow/proof"
	"escrowflow/rating"
)

// authAPI is the slice of the auth service the HTTP layer uses.
type authAPI interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
}

// escrowAPI is the slice of the escrow lifecycle service the HTTP layer uses.
type escrowAPI interface {
	Create(ctx context.Context, params escrow.CreateParams) (escrow.Transaction, error)
	Fund(ctx context.Context, actorID, id string, params escrow.FundParams) (escrow.Transaction, error)
	Start(ctx context.Context, actorID, id string) (escrow.Transaction, error)
	SubmitProof(ctx context.Context, actorID, id string, params escrow.ProofParams) (proof.Record, error)
	Complete(ctx context.Context, actorID, id string) (escrow.Transaction, error)
	OpenDispute(ctx context.Context, actorID, id string, params escrow.DisputeParams) (dispute.Record, error)
	ResolveDispute(ctx context.Context, actorID, actorRole, disputeID string, params escrow.ResolveParams) (dispute.Record, error)
	Reverse(ctx context.Context, actorID, id string, params escrow.ReverseParams) (escrow.Transaction, error)
	Cancel(ctx context.Context, actorID, id string) (escrow.Transaction, error)
	Rate(ctx context.Context, actorID, id string, params escrow.RateParams) (rating.Record, error)
	Get(ctx context.Context, actorID, actorRole, id string) (escrow.Transaction, error)
	ListForParty(ctx context.Context, filters escrow.ListFilters) (escrow.ListResult, error)
	ListProofs(ctx context.Context, actorID, actorRole, id string) ([]proof.Record, error)
	ListTimeline(ctx context.Context, actorID, actorRole, id string) ([]escrow.TimelineEvent, error)
}

// disputeAPI is the read surface for arbiters and auditors.
type disputeAPI interface {
	List(ctx context.Context, filters dispute.Filters) ([]dispute.Record, error)
	GetByID(ctx context.Context, id string) (dispute.Record, error)
}

// partyAPI exposes public profiles.
type partyAPI interface {
	GetByID(ctx context.Context, id string) (party.Profile, error)
	List(ctx context.Context, limit int) ([]party.Profile, error)
}

// ratingAPI exposes received ratings.
type ratingAPI interface {
	ListForUser(ctx context.Context, userID string, limit int) ([]rating.Record, error)
	SummaryForUser(ctx context.Context, userID string) (rating.Summary, error)
}

// Server wires the HTTP surface to the domain services.
type Server struct {
	authService    authAPI
	escrowService  escrowAPI
	disputeService disputeAPI
	partyService   partyAPI
	ratingService  ratingAPI

	log     zerolog.Logger
	metrics *metrics
	limiter *rateLimiter
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	if s.metrics != nil {
		r.Use(s.metrics.middleware)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)

			r.Route("/escrows", func(r chi.Router) {
				r.Get("/", s.handleListEscrows)
				r.Post("/", s.handleCreateEscrow)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleEscrow)
					r.Post("/fund", s.handleFund)
					r.Post("/start", s.handleStart)
					r.Post("/complete", s.handleComplete)
					r.Post("/cancel", s.handleCancel)
					r.Get("/proofs", s.handleListProofs)
					r.Post("/proofs", s.handleSubmitProof)
					r.Get("/timeline", s.handleTimeline)
					r.Post("/ratings", s.handleRate)
					// Dispute and reversal endpoints are rate limited
					// per caller.
					r.With(s.limit).Post("/dispute", s.handleOpenDispute)
					r.With(s.limit).Post("/reverse", s.handleReverse)
				})
			})

			r.Route("/disputes", func(r chi.Router) {
				r.Get("/", s.handleDisputes)
				r.Get("/{id}", s.handleDispute)
				r.Post("/{id}/resolve", s.handleResolveDispute)
			})

			r.Route("/parties", func(r chi.Router) {
				r.Get("/", s.handleParties)
				r.Get("/{id}", s.handleParty)
				r.Get("/{id}/ratings", s.handlePartyRatings)
			})
		})
	})

	return r
}

func (s *Server) limit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return s.limiter.middleware(next)
}
