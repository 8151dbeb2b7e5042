package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"escrowflow/auth"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/outbox"
	"escrowflow/party"
	"escrowflow/proof"
	"escrowflow/rating"
)

type stubEscrowService struct {
	tx          escrow.Transaction
	txErr       error
	proofRec    proof.Record
	proofErr    error
	proofs      []proof.Record
	disputeRec  dispute.Record
	disputeErr  error
	ratingRec   rating.Record
	ratingErr   error
	list        escrow.ListResult
	listErr     error
	timeline    []escrow.TimelineEvent
	timelineErr error

	gotCreate  escrow.CreateParams
	gotActorID string
	gotRole    string
	gotID      string
	gotFilters escrow.ListFilters
}

func (s *stubEscrowService) Create(_ context.Context, params escrow.CreateParams) (escrow.Transaction, error) {
	s.gotCreate = params
	return s.tx, s.txErr
}

func (s *stubEscrowService) Fund(_ context.Context, actorID, id string, _ escrow.FundParams) (escrow.Transaction, error) {
	s.gotActorID, s.gotID = actorID, id
	return s.tx, s.txErr
}

func (s *stubEscrowService) Start(_ context.Context, actorID, id string) (escrow.Transaction, error) {
	s.gotActorID, s.gotID = actorID, id
	return s.tx, s.txErr
}

func (s *stubEscrowService) SubmitProof(_ context.Context, actorID, id string, _ escrow.ProofParams) (proof.Record, error) {
	s.gotActorID, s.gotID = actorID, id
	return s.proofRec, s.proofErr
}

func (s *stubEscrowService) Complete(_ context.Context, actorID, id string) (escrow.Transaction, error) {
	s.gotActorID, s.gotID = actorID, id
	return s.tx, s.txErr
}

func (s *stubEscrowService) OpenDispute(_ context.Context, actorID, id string, _ escrow.DisputeParams) (dispute.Record, error) {
	s.gotActorID, s.gotID = actorID, id
	return s.disputeRec, s.disputeErr
}

func (s *stubEscrowService) ResolveDispute(_ context.Context, actorID, actorRole, disputeID string, _ escrow.ResolveParams) (dispute.Record, error) {
	s.gotActorID, s.gotRole, s.gotID = actorID, actorRole, disputeID
	return s.disputeRec, s.disputeErr
}

func (s *stubEscrowService) Reverse(_ context.Context, actorID, id string, _ escrow.ReverseParams) (escrow.Transaction, error) {
	s.gotActorID, s.gotID = actorID, id
	return s.tx, s.txErr
}

func (s *stubEscrowService) Cancel(_ context.Context, actorID, id string) (escrow.Transaction, error) {
	s.gotActorID, s.gotID = actorID, id
	return s.tx, s.txErr
}

func (s *stubEscrowService) Rate(_ context.Context, actorID, id string, _ escrow.RateParams) (rating.Record, error) {
	s.gotActorID, s.gotID = actorID, id
	return s.ratingRec, s.ratingErr
}

func (s *stubEscrowService) Get(_ context.Context, actorID, actorRole, id string) (escrow.Transaction, error) {
	s.gotActorID, s.gotRole, s.gotID = actorID, actorRole, id
	return s.tx, s.txErr
}

func (s *stubEscrowService) ListForParty(_ context.Context, filters escrow.ListFilters) (escrow.ListResult, error) {
	s.gotFilters = filters
	return s.list, s.listErr
}

func (s *stubEscrowService) ListProofs(_ context.Context, actorID, actorRole, id string) ([]proof.Record, error) {
	s.gotActorID, s.gotRole, s.gotID = actorID, actorRole, id
	return s.proofs, s.proofErr
}

func (s *stubEscrowService) ListTimeline(_ context.Context, actorID, actorRole, id string) ([]escrow.TimelineEvent, error) {
	s.gotActorID, s.gotRole, s.gotID = actorID, actorRole, id
	return s.timeline, s.timelineErr
}

type stubDisputeService struct {
	records []dispute.Record
	record  dispute.Record
	err     error
}

func (s *stubDisputeService) List(_ context.Context, _ dispute.Filters) ([]dispute.Record, error) {
	return s.records, s.err
}

func (s *stubDisputeService) GetByID(_ context.Context, _ string) (dispute.Record, error) {
	return s.record, s.err
}

type stubPartyService struct {
	profile  party.Profile
	profiles []party.Profile
	err      error
}

func (s *stubPartyService) GetByID(_ context.Context, _ string) (party.Profile, error) {
	return s.profile, s.err
}

func (s *stubPartyService) List(_ context.Context, _ int) ([]party.Profile, error) {
	return s.profiles, s.err
}

type stubRatingService struct {
	records []rating.Record
	summary rating.Summary
	err     error
}

func (s *stubRatingService) ListForUser(_ context.Context, _ string, _ int) ([]rating.Record, error) {
	return s.records, s.err
}

func (s *stubRatingService) SummaryForUser(_ context.Context, _ string) (rating.Summary, error) {
	return s.summary, s.err
}

type stubAuthService struct {
	user         *auth.User
	registerErr  error
	loginResult  auth.LoginResult
	loginErr     error
	verifyUserID string
	verifyRole   auth.Role
	verifyErr    error
}

func (s *stubAuthService) Register(_ context.Context, _ auth.RegisterRequest) (*auth.User, error) {
	return s.user, s.registerErr
}

func (s *stubAuthService) Login(_ context.Context, _ auth.LoginRequest) (auth.LoginResult, error) {
	return s.loginResult, s.loginErr
}

func (s *stubAuthService) VerifyToken(_ string) (string, auth.Role, error) {
	return s.verifyUserID, s.verifyRole, s.verifyErr
}

// withPrincipal injects the identity normally stored by the authenticate
// middleware.
func withPrincipal(r *http.Request, userID string, role auth.Role) *http.Request {
	ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
	ctx = context.WithValue(ctx, ctxKeyRole, role)
	return r.WithContext(ctx)
}

// withRouteParam injects a chi URL parameter for direct handler invocation.
func withRouteParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestHandleCreateEscrow_Success(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	stub := &stubEscrowService{
		tx: escrow.Transaction{
			ID:          "esc-1",
			BuyerID:     "buyer-1",
			SellerID:    "seller-1",
			Amount:      "250.50",
			TokenSymbol: "USDT",
			Chain:       "TRON",
			Description: "logo design",
			Status:      escrow.StatusInitiated,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
	}
	server := &Server{escrowService: stub}

	body := strings.NewReader(`{"sellerId":"seller-1","amount":"250.50","tokenSymbol":"USDT","chain":"TRON","description":"logo design"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/escrows", body)
	req.Header.Set("Idempotency-Key", "key-1")
	req = withPrincipal(req, "buyer-1", auth.RoleTrader)
	rec := httptest.NewRecorder()

	server.handleCreateEscrow(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp escrowResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "esc-1" || resp.Status != "INITIATED" {
		t.Fatalf("unexpected response payload: %+v", resp)
	}
	if resp.CreatedAt != now.Format(time.RFC3339) {
		t.Fatalf("expected createdAt %s, got %s", now.Format(time.RFC3339), resp.CreatedAt)
	}
	if stub.gotCreate.BuyerID != "buyer-1" {
		t.Fatalf("expected buyer from principal, got %q", stub.gotCreate.BuyerID)
	}
	if stub.gotCreate.IdempotencyKey != "key-1" {
		t.Fatalf("expected idempotency key from header, got %q", stub.gotCreate.IdempotencyKey)
	}
}

func TestHandleCreateEscrow_SelfDealing(t *testing.T) {
	server := &Server{escrowService: &stubEscrowService{txErr: escrow.ErrSelfDealing}}

	body := strings.NewReader(`{"sellerId":"buyer-1","amount":"10","tokenSymbol":"USDT","chain":"TRON","description":"x"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/escrows", body)
	req = withPrincipal(req, "buyer-1", auth.RoleTrader)
	rec := httptest.NewRecorder()

	server.handleCreateEscrow(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleCreateEscrow_PolicyBlocked(t *testing.T) {
	server := &Server{escrowService: &stubEscrowService{txErr: escrow.ErrPolicyBlocked}}

	body := strings.NewReader(`{"sellerId":"seller-1","amount":"10","tokenSymbol":"USDT","chain":"TRON","description":"x"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/escrows", body)
	req = withPrincipal(req, "buyer-1", auth.RoleTrader)
	rec := httptest.NewRecorder()

	server.handleCreateEscrow(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestHandleCreateEscrow_InvalidJSON(t *testing.T) {
	server := &Server{escrowService: &stubEscrowService{}}

	req := httptest.NewRequest(http.MethodPost, "/api/escrows", strings.NewReader(`{"sellerId":`))
	req = withPrincipal(req, "buyer-1", auth.RoleTrader)
	rec := httptest.NewRecorder()

	server.handleCreateEscrow(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleEscrow_Success(t *testing.T) {
	stub := &stubEscrowService{
		tx: escrow.Transaction{ID: "esc-1", BuyerID: "buyer-1", SellerID: "seller-1", Status: escrow.StatusFunded},
	}
	server := &Server{escrowService: stub}

	req := httptest.NewRequest(http.MethodGet, "/api/escrows/esc-1", nil)
	req = withPrincipal(req, "buyer-1", auth.RoleTrader)
	req = withRouteParam(req, "id", "esc-1")
	rec := httptest.NewRecorder()

	server.handleEscrow(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if stub.gotID != "esc-1" || stub.gotActorID != "buyer-1" {
		t.Fatalf("expected route id and principal forwarded, got id=%q actor=%q", stub.gotID, stub.gotActorID)
	}
}

func TestHandleEscrow_NotFound(t *testing.T) {
	server := &Server{escrowService: &stubEscrowService{txErr: escrow.ErrNotFound}}

	req := httptest.NewRequest(http.MethodGet, "/api/escrows/missing", nil)
	req = withPrincipal(req, "stranger-1", auth.RoleTrader)
	req = withRouteParam(req, "id", "missing")
	rec := httptest.NewRecorder()

	server.handleEscrow(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleFund_Success(t *testing.T) {
	ref := "0xdeadbeef"
	stub := &stubEscrowService{
		tx: escrow.Transaction{ID: "esc-1", Status: escrow.StatusFunded, FundingReference: &ref},
	}
	server := &Server{escrowService: stub}

	req := httptest.NewRequest(http.MethodPost, "/api/escrows/esc-1/fund", strings.NewReader(`{"fundingReference":"0xdeadbeef"}`))
	req = withPrincipal(req, "buyer-1", auth.RoleTrader)
	req = withRouteParam(req, "id", "esc-1")
	rec := httptest.NewRecorder()

	server.handleFund(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp escrowResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "FUNDED" || resp.FundingReference == nil || *resp.FundingReference != ref {
		t.Fatalf("unexpected payload: %+v", resp)
	}
}

func TestHandleFund_VerificationFailed(t *testing.T) {
	server := &Server{escrowService: &stubEscrowService{txErr: escrow.ErrFundingVerificationFailed}}

	req := httptest.NewRequest(http.MethodPost, "/api/escrows/esc-1/fund", strings.NewReader(`{"fundingReference":"bad"}`))
	req = withPrincipal(req, "buyer-1", auth.RoleTrader)
	req = withRouteParam(req, "id", "esc-1")
	rec := httptest.NewRecorder()

	server.handleFund(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestHandleListEscrows_Success(t *testing.T) {
	server := &Server{escrowService: &stubEscrowService{
		list: escrow.ListResult{
			Items: []escrow.Transaction{{ID: "esc-1", Status: escrow.StatusCompleted}},
			Total: 7,
		},
	}}

	req := httptest.NewRequest(http.MethodGet, "/api/escrows?status=COMPLETED&page=2", nil)
	req = withPrincipal(req, "buyer-1", auth.RoleTrader)
	rec := httptest.NewRecorder()

	server.handleListEscrows(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload escrowListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if len(payload.Items) != 1 || payload.Total != 7 || payload.Items[0].ID != "esc-1" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandleListEscrows_AuditorOverridesParty(t *testing.T) {
	stub := &stubEscrowService{}
	server := &Server{escrowService: stub}

	req := httptest.NewRequest(http.MethodGet, "/api/escrows?partyId=buyer-9", nil)
	req = withPrincipal(req, "aud-1", auth.RoleAuditor)
	rec := httptest.NewRecorder()

	server.handleListEscrows(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if stub.gotFilters.PartyID != "buyer-9" {
		t.Fatalf("expected partyId buyer-9, got %q", stub.gotFilters.PartyID)
	}
}

func TestHandleListEscrows_TraderCannotOverrideParty(t *testing.T) {
	stub := &stubEscrowService{}
	server := &Server{escrowService: stub}

	req := httptest.NewRequest(http.MethodGet, "/api/escrows?partyId=buyer-9", nil)
	req = withPrincipal(req, "buyer-1", auth.RoleTrader)
	rec := httptest.NewRecorder()

	server.handleListEscrows(rec, req)

	if stub.gotFilters.PartyID != "buyer-1" {
		t.Fatalf("expected caller's own id, got %q", stub.gotFilters.PartyID)
	}
}

func TestHandleSubmitProof_Success(t *testing.T) {
	server := &Server{escrowService: &stubEscrowService{
		proofRec: proof.Record{ID: "prf-1", EscrowID: "esc-1", SubmittedBy: "seller-1", ProofType: "delivery"},
	}}

	req := httptest.NewRequest(http.MethodPost, "/api/escrows/esc-1/proofs", strings.NewReader(`{"proofType":"delivery","description":"tracking number"}`))
	req = withPrincipal(req, "seller-1", auth.RoleTrader)
	req = withRouteParam(req, "id", "esc-1")
	rec := httptest.NewRecorder()

	server.handleSubmitProof(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	var resp proofResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "prf-1" || resp.ProofType != "delivery" {
		t.Fatalf("unexpected payload: %+v", resp)
	}
}

func TestHandleTimeline_Success(t *testing.T) {
	actor := "buyer-1"
	stub := &stubEscrowService{timeline: []escrow.TimelineEvent{
		{Seq: 1, Type: escrow.EventCreated, ActorID: &actor, Payload: []byte(`{"amount":"100"}`), CreatedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)},
		{Seq: 2, Type: escrow.EventFunded, ActorID: &actor, CreatedAt: time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC)},
	}}
	server := &Server{escrowService: stub}

	req := httptest.NewRequest(http.MethodGet, "/api/escrows/esc-1/timeline", nil)
	req = withPrincipal(req, "auditor-1", auth.RoleAuditor)
	req = withRouteParam(req, "id", "esc-1")
	rec := httptest.NewRecorder()

	server.handleTimeline(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if stub.gotID != "esc-1" || stub.gotActorID != "auditor-1" || stub.gotRole != "auditor" {
		t.Fatalf("expected route id and principal forwarded, got id=%q actor=%q role=%q", stub.gotID, stub.gotActorID, stub.gotRole)
	}

	var resp timelineResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Items) != 2 {
		t.Fatalf("expected 2 events, got %d", len(resp.Items))
	}
	if resp.Items[0].Seq != 1 || resp.Items[0].Type != escrow.EventCreated {
		t.Fatalf("unexpected first event: %+v", resp.Items[0])
	}
	if string(resp.Items[1].Payload) != "{}" {
		t.Fatalf("expected empty payload to render as {}, got %s", resp.Items[1].Payload)
	}
}

func TestHandleTimeline_NotFound(t *testing.T) {
	server := &Server{escrowService: &stubEscrowService{timelineErr: escrow.ErrNotFound}}

	req := httptest.NewRequest(http.MethodGet, "/api/escrows/missing/timeline", nil)
	req = withPrincipal(req, "stranger-1", auth.RoleTrader)
	req = withRouteParam(req, "id", "missing")
	rec := httptest.NewRecorder()

	server.handleTimeline(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleOpenDispute_AlreadyOpen(t *testing.T) {
	server := &Server{escrowService: &stubEscrowService{disputeErr: escrow.ErrDisputeAlreadyOpen}}

	req := httptest.NewRequest(http.MethodPost, "/api/escrows/esc-1/dispute", strings.NewReader(`{"reason":"not delivered"}`))
	req = withPrincipal(req, "buyer-1", auth.RoleTrader)
	req = withRouteParam(req, "id", "esc-1")
	rec := httptest.NewRecorder()

	server.handleOpenDispute(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleResolveDispute_Success(t *testing.T) {
	resolution := dispute.ResolutionRefund
	stub := &stubEscrowService{
		disputeRec: dispute.Record{ID: "dsp-1", EscrowID: "esc-1", Status: dispute.StatusResolved, Resolution: &resolution},
	}
	server := &Server{escrowService: stub}

	req := httptest.NewRequest(http.MethodPost, "/api/disputes/dsp-1/resolve", strings.NewReader(`{"outcome":"refund"}`))
	req = withPrincipal(req, "arb-1", auth.RoleArbiter)
	req = withRouteParam(req, "id", "dsp-1")
	rec := httptest.NewRecorder()

	server.handleResolveDispute(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if stub.gotRole != string(auth.RoleArbiter) || stub.gotID != "dsp-1" {
		t.Fatalf("expected role and dispute id forwarded, got role=%q id=%q", stub.gotRole, stub.gotID)
	}

	var resp disputeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Resolution == nil || *resp.Resolution != "refund" {
		t.Fatalf("unexpected payload: %+v", resp)
	}
}

func TestHandleResolveDispute_Forbidden(t *testing.T) {
	server := &Server{escrowService: &stubEscrowService{disputeErr: escrow.ErrUnauthorized}}

	req := httptest.NewRequest(http.MethodPost, "/api/disputes/dsp-1/resolve", strings.NewReader(`{"outcome":"release"}`))
	req = withPrincipal(req, "buyer-1", auth.RoleTrader)
	req = withRouteParam(req, "id", "dsp-1")
	rec := httptest.NewRecorder()

	server.handleResolveDispute(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestHandleReverse_OracleTimeout(t *testing.T) {
	server := &Server{escrowService: &stubEscrowService{txErr: escrow.ErrOracleTimeout}}

	req := httptest.NewRequest(http.MethodPost, "/api/escrows/esc-1/reverse", strings.NewReader(`{"reason":"chargeback confirmed"}`))
	req = withPrincipal(req, "buyer-1", auth.RoleTrader)
	req = withRouteParam(req, "id", "esc-1")
	rec := httptest.NewRecorder()

	server.handleReverse(rec, req)

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", rec.Code)
	}

	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != "oracle timed out" {
		t.Fatalf("expected masked oracle error, got %q", resp.Error)
	}
}

func TestHandleRate_Duplicate(t *testing.T) {
	server := &Server{escrowService: &stubEscrowService{ratingErr: escrow.ErrDuplicateRating}}

	req := httptest.NewRequest(http.MethodPost, "/api/escrows/esc-1/ratings", strings.NewReader(`{"ratedUserId":"seller-1","score":5}`))
	req = withPrincipal(req, "buyer-1", auth.RoleTrader)
	req = withRouteParam(req, "id", "esc-1")
	rec := httptest.NewRecorder()

	server.handleRate(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleDisputes_ForbiddenForTrader(t *testing.T) {
	server := &Server{disputeService: &stubDisputeService{}}

	req := httptest.NewRequest(http.MethodGet, "/api/disputes", nil)
	req = withPrincipal(req, "buyer-1", auth.RoleTrader)
	rec := httptest.NewRecorder()

	server.handleDisputes(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestHandleDisputes_Success(t *testing.T) {
	now := time.Now().UTC()
	server := &Server{disputeService: &stubDisputeService{
		records: []dispute.Record{{ID: "dsp-1", EscrowID: "esc-1", Status: dispute.StatusUnderReview, CreatedAt: now, UpdatedAt: now}},
	}}

	req := httptest.NewRequest(http.MethodGet, "/api/disputes?open=true", nil)
	req = withPrincipal(req, "aud-1", auth.RoleAuditor)
	rec := httptest.NewRecorder()

	server.handleDisputes(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload disputeListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Items) != 1 || payload.Items[0].ID != "dsp-1" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandleParty_Success(t *testing.T) {
	now := time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC)
	server := &Server{partyService: &stubPartyService{
		profile: party.Profile{ID: "user-1", FullName: "Alice Trader", Role: "trader", RatingCount: 3, RatingAverage: 4.5, CreatedAt: now},
	}}

	req := httptest.NewRequest(http.MethodGet, "/api/parties/user-1", nil)
	req = withPrincipal(req, "user-2", auth.RoleTrader)
	req = withRouteParam(req, "id", "user-1")
	rec := httptest.NewRecorder()

	server.handleParty(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp partyResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "user-1" || resp.RatingCount != 3 || resp.RatingAverage != 4.5 {
		t.Fatalf("unexpected payload: %+v", resp)
	}
}

func TestHandlePartyRatings_Success(t *testing.T) {
	server := &Server{ratingService: &stubRatingService{
		records: []rating.Record{{ID: "rat-1", EscrowID: "esc-1", RaterID: "buyer-1", RatedUserID: "seller-1", Score: 4}},
		summary: rating.Summary{Count: 1, Average: 4},
	}}

	req := httptest.NewRequest(http.MethodGet, "/api/parties/seller-1/ratings", nil)
	req = withPrincipal(req, "buyer-1", auth.RoleTrader)
	req = withRouteParam(req, "id", "seller-1")
	rec := httptest.NewRecorder()

	server.handlePartyRatings(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload ratingListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(payload.Items) != 1 || payload.Summary.Count != 1 || payload.Summary.Average != 4 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandleRegister_WeakPassword(t *testing.T) {
	server := &Server{authService: &stubAuthService{registerErr: auth.ErrWeakPassword}}

	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", strings.NewReader(`{"email":"a@b.c","password":"short","full_name":"Alice"}`))
	rec := httptest.NewRecorder()

	server.handleRegister(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleRegister_Success(t *testing.T) {
	now := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	server := &Server{authService: &stubAuthService{
		user: &auth.User{ID: "user-1", Email: "alice@example.com", FullName: "Alice Trader", Role: auth.RoleTrader, CreatedAt: now},
	}}

	req := httptest.NewRequest(http.MethodPost, "/api/auth/register", strings.NewReader(`{"email":"alice@example.com","password":"longenough","full_name":"Alice Trader"}`))
	rec := httptest.NewRecorder()

	server.handleRegister(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	var resp userResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "user-1" || resp.Role != "trader" {
		t.Fatalf("unexpected payload: %+v", resp)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	server := &Server{authService: &stubAuthService{loginErr: auth.ErrInvalidCredentials}}

	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{"email":"a@b.c","password":"wrong"}`))
	rec := httptest.NewRecorder()

	server.handleLogin(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRouter_RequiresToken(t *testing.T) {
	server := &Server{
		authService:   &stubAuthService{verifyErr: auth.ErrInvalidCredentials},
		escrowService: &stubEscrowService{},
	}

	req := httptest.NewRequest(http.MethodGet, "/api/escrows", nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestRouter_ForwardsRouteParams(t *testing.T) {
	stub := &stubEscrowService{
		tx: escrow.Transaction{ID: "esc-9", Status: escrow.StatusInitiated},
	}
	server := &Server{
		authService:   &stubAuthService{verifyUserID: "buyer-1", verifyRole: auth.RoleTrader},
		escrowService: stub,
	}

	req := httptest.NewRequest(http.MethodGet, "/api/escrows/esc-9", nil)
	req.Header.Set("Authorization", "Bearer token")
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if stub.gotID != "esc-9" || stub.gotActorID != "buyer-1" {
		t.Fatalf("expected route id and token identity forwarded, got id=%q actor=%q", stub.gotID, stub.gotActorID)
	}
}

func TestRouter_Healthz(t *testing.T) {
	server := &Server{}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRateLimiter_Throttles(t *testing.T) {
	limiter := newRateLimiter(1, 1)
	handler := limiter.middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/api/escrows/esc-1/dispute", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/api/escrows/esc-1/dispute", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst exhausted, got %d", second.Code)
	}
}

func TestRateLimiter_SeparatesCallers(t *testing.T) {
	limiter := newRateLimiter(1, 1)
	handler := limiter.middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRequest(http.MethodPost, "/x", nil)
	first = withPrincipal(first, "buyer-1", auth.RoleTrader)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, first)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected first caller to pass, got %d", rec.Code)
	}

	second := httptest.NewRequest(http.MethodPost, "/x", nil)
	second = withPrincipal(second, "buyer-2", auth.RoleTrader)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, second)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected distinct caller to pass, got %d", rec.Code)
	}
}

func TestMetrics_OutboxDepth(t *testing.T) {
	m := newMetrics()

	m.setOutboxDepth(map[outbox.Status]int{outbox.StatusPending: 3, outbox.StatusDead: 1})
	if got := testutil.ToFloat64(m.outboxDepth.WithLabelValues("pending")); got != 3 {
		t.Fatalf("expected pending depth 3, got %f", got)
	}
	if got := testutil.ToFloat64(m.outboxDepth.WithLabelValues("dead")); got != 1 {
		t.Fatalf("expected dead depth 1, got %f", got)
	}

	m.setOutboxDepth(map[outbox.Status]int{})
	if got := testutil.ToFloat64(m.outboxDepth.WithLabelValues("pending")); got != 0 {
		t.Fatalf("expected drained queue to read zero, got %f", got)
	}
}
