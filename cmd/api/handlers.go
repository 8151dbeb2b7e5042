package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"escrowflow/auth"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/party"
	"escrowflow/proof"
	"escrowflow/rating"
)

type errorResponse struct {
	Error string `json:"error"`
}

type userResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FullName  string `json:"fullName"`
	Role      string `json:"role"`
	CreatedAt string `json:"createdAt"`
}

type loginResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

type escrowResponse struct {
	ID               string  `json:"id"`
	BuyerID          string  `json:"buyerId"`
	SellerID         string  `json:"sellerId"`
	Amount           string  `json:"amount"`
	TokenSymbol      string  `json:"tokenSymbol"`
	Chain            string  `json:"chain"`
	Description      string  `json:"description"`
	Status           string  `json:"status"`
	FundingReference *string `json:"fundingReference,omitempty"`
	ExpiresAt        *string `json:"expiresAt,omitempty"`
	CreatedAt        string  `json:"createdAt"`
	UpdatedAt        string  `json:"updatedAt"`
}

type escrowListResponse struct {
	Items []escrowResponse `json:"items"`
	Total int              `json:"total"`
}

type proofResponse struct {
	ID            string  `json:"id"`
	EscrowID      string  `json:"escrowId"`
	SubmittedBy   string  `json:"submittedBy"`
	ProofType     string  `json:"proofType"`
	Description   string  `json:"description"`
	FileReference *string `json:"fileReference,omitempty"`
	CreatedAt     string  `json:"createdAt"`
}

type proofListResponse struct {
	Items []proofResponse `json:"items"`
}

type timelineEventResponse struct {
	Seq       int             `json:"seq"`
	Type      string          `json:"type"`
	ActorID   *string         `json:"actorId,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt string          `json:"createdAt"`
}

type timelineResponse struct {
	Items []timelineEventResponse `json:"items"`
}

type disputeResponse struct {
	ID                string  `json:"id"`
	EscrowID          string  `json:"escrowId"`
	InitiatorID       string  `json:"initiatorId"`
	Reason            string  `json:"reason"`
	Description       string  `json:"description"`
	Status            string  `json:"status"`
	AssessmentVerdict *string `json:"assessmentVerdict,omitempty"`
	AssessmentDetails *string `json:"assessmentDetails,omitempty"`
	Resolution        *string `json:"resolution,omitempty"`
	ResolvedBy        *string `json:"resolvedBy,omitempty"`
	CreatedAt         string  `json:"createdAt"`
	ResolvedAt        *string `json:"resolvedAt,omitempty"`
}

type disputeListResponse struct {
	Items []disputeResponse `json:"items"`
}

type ratingResponse struct {
	ID          string `json:"id"`
	EscrowID    string `json:"escrowId"`
	RaterID     string `json:"raterId"`
	RatedUserID string `json:"ratedUserId"`
	Score       int    `json:"score"`
	Comment     string `json:"comment,omitempty"`
	CreatedAt   string `json:"createdAt"`
}

type ratingSummaryResponse struct {
	Count   int     `json:"count"`
	Average float64 `json:"average"`
}

type ratingListResponse struct {
	Items   []ratingResponse      `json:"items"`
	Summary ratingSummaryResponse `json:"summary"`
}

type partyResponse struct {
	ID            string  `json:"id"`
	FullName      string  `json:"fullName"`
	Role          string  `json:"role"`
	RatingCount   int     `json:"ratingCount"`
	RatingAverage float64 `json:"ratingAverage"`
	CreatedAt     string  `json:"createdAt"`
}

type partyListResponse struct {
	Items []partyResponse `json:"items"`
}

func toUserResponse(u auth.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Email:     u.Email,
		FullName:  u.FullName,
		Role:      string(u.Role),
		CreatedAt: u.CreatedAt.Format(time.RFC3339),
	}
}

func toEscrowResponse(t escrow.Transaction) escrowResponse {
	resp := escrowResponse{
		ID:               t.ID,
		BuyerID:          t.BuyerID,
		SellerID:         t.SellerID,
		Amount:           t.Amount,
		TokenSymbol:      t.TokenSymbol,
		Chain:            t.Chain,
		Description:      t.Description,
		Status:           string(t.Status),
		FundingReference: t.FundingReference,
		CreatedAt:        t.CreatedAt.Format(time.RFC3339),
		UpdatedAt:        t.UpdatedAt.Format(time.RFC3339),
	}
	if t.ExpiresAt != nil {
		v := t.ExpiresAt.Format(time.RFC3339)
		resp.ExpiresAt = &v
	}
	return resp
}

func toProofResponse(p proof.Record) proofResponse {
	return proofResponse{
		ID:            p.ID,
		EscrowID:      p.EscrowID,
		SubmittedBy:   p.SubmittedBy,
		ProofType:     p.ProofType,
		Description:   p.Description,
		FileReference: p.FileReference,
		CreatedAt:     p.CreatedAt.Format(time.RFC3339),
	}
}

func toTimelineEventResponse(e escrow.TimelineEvent) timelineEventResponse {
	payload := json.RawMessage(e.Payload)
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	return timelineEventResponse{
		Seq:       e.Seq,
		Type:      e.Type,
		ActorID:   e.ActorID,
		Payload:   payload,
		CreatedAt: e.CreatedAt.Format(time.RFC3339),
	}
}

func toDisputeResponse(d dispute.Record) disputeResponse {
	resp := disputeResponse{
		ID:                d.ID,
		EscrowID:          d.EscrowID,
		InitiatorID:       d.InitiatorID,
		Reason:            d.Reason,
		Description:       d.Description,
		Status:            string(d.Status),
		AssessmentVerdict: d.AssessmentVerdict,
		AssessmentDetails: d.AssessmentDetails,
		Resolution:        d.Resolution,
		ResolvedBy:        d.ResolvedBy,
		CreatedAt:         d.CreatedAt.Format(time.RFC3339),
	}
	if d.ResolvedAt != nil {
		v := d.ResolvedAt.Format(time.RFC3339)
		resp.ResolvedAt = &v
	}
	return resp
}

func toRatingResponse(rec rating.Record) ratingResponse {
	return ratingResponse{
		ID:          rec.ID,
		EscrowID:    rec.EscrowID,
		RaterID:     rec.RaterID,
		RatedUserID: rec.RatedUserID,
		Score:       rec.Score,
		Comment:     rec.Comment,
		CreatedAt:   rec.CreatedAt.Format(time.RFC3339),
	}
}

func toPartyResponse(p party.Profile) partyResponse {
	return partyResponse{
		ID:            p.ID,
		FullName:      p.FullName,
		Role:          p.Role,
		RatingCount:   p.RatingCount,
		RatingAverage: p.RatingAverage,
		CreatedAt:     p.CreatedAt.Format(time.RFC3339),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// statusFromError maps domain sentinels to HTTP status codes.
func statusFromError(err error) int {
	switch {
	case errors.Is(err, escrow.ErrNotFound),
		errors.Is(err, dispute.ErrNotFound),
		errors.Is(err, party.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, escrow.ErrInvalidState),
		errors.Is(err, escrow.ErrDisputeAlreadyOpen),
		errors.Is(err, escrow.ErrDuplicateRating),
		errors.Is(err, escrow.ErrDuplicateIdempotencyKey),
		errors.Is(err, auth.ErrDuplicateEmail):
		return http.StatusConflict
	case errors.Is(err, escrow.ErrPolicyBlocked),
		errors.Is(err, escrow.ErrFundingVerificationFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, escrow.ErrOracleTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, escrow.ErrInvalidInput),
		errors.Is(err, escrow.ErrSelfDealing),
		errors.Is(err, escrow.ErrSelfRating),
		errors.Is(err, auth.ErrInvalidInput),
		errors.Is(err, auth.ErrWeakPassword):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError translates a service error into an HTTP response. Domain
// rejections carry their message; anything mapped to 5xx is logged and
// masked.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	status := statusFromError(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		msg = "internal server error"
		if errors.Is(err, escrow.ErrOracleTimeout) {
			msg = "oracle timed out"
		}
		s.log.Error().Err(err).Msg("request failed")
	}
	writeError(w, status, msg)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	user, err := s.authService.Register(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	result, err := s.authService.Login(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Token: result.Token,
		User:  toUserResponse(result.User),
	})
}

type createEscrowRequest struct {
	SellerID      string `json:"sellerId"`
	Amount        string `json:"amount"`
	TokenSymbol   string `json:"tokenSymbol"`
	Chain         string `json:"chain"`
	Description   string `json:"description"`
	ExpiresInDays int    `json:"expiresInDays"`
}

func (s *Server) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	userID, _ := principal(r)

	var req createEscrowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	t, err := s.escrowService.Create(r.Context(), escrow.CreateParams{
		BuyerID:        userID,
		SellerID:       req.SellerID,
		Amount:         req.Amount,
		TokenSymbol:    req.TokenSymbol,
		Chain:          req.Chain,
		Description:    req.Description,
		ExpiresInDays:  req.ExpiresInDays,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	s.metrics.observeTransition("create", err)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEscrowResponse(t))
}

func (s *Server) handleListEscrows(w http.ResponseWriter, r *http.Request) {
	userID, role := principal(r)

	filters := escrow.ListFilters{
		PartyID: userID,
		Status:  escrow.Status(r.URL.Query().Get("status")),
	}
	// Auditors may list on behalf of any party.
	if p := r.URL.Query().Get("partyId"); p != "" && role == auth.RoleAuditor {
		filters.PartyID = p
	}
	if page, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil {
		filters.Page = page
	}
	if size, err := strconv.Atoi(r.URL.Query().Get("pageSize")); err == nil {
		filters.PageSize = size
	}

	result, err := s.escrowService.ListForParty(r.Context(), filters)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	items := make([]escrowResponse, 0, len(result.Items))
	for _, t := range result.Items {
		items = append(items, toEscrowResponse(t))
	}
	writeJSON(w, http.StatusOK, escrowListResponse{Items: items, Total: result.Total})
}

func (s *Server) handleEscrow(w http.ResponseWriter, r *http.Request) {
	userID, role := principal(r)

	t, err := s.escrowService.Get(r.Context(), userID, string(role), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(t))
}

type fundRequest struct {
	FundingReference string `json:"fundingReference"`
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	userID, _ := principal(r)

	var req fundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	t, err := s.escrowService.Fund(r.Context(), userID, chi.URLParam(r, "id"), escrow.FundParams{
		FundingReference: req.FundingReference,
	})
	s.metrics.observeTransition("fund", err)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(t))
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	userID, _ := principal(r)

	t, err := s.escrowService.Start(r.Context(), userID, chi.URLParam(r, "id"))
	s.metrics.observeTransition("start", err)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(t))
}

type submitProofRequest struct {
	ProofType     string  `json:"proofType"`
	Description   string  `json:"description"`
	FileReference *string `json:"fileReference"`
}

func (s *Server) handleSubmitProof(w http.ResponseWriter, r *http.Request) {
	userID, _ := principal(r)

	var req submitProofRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	rec, err := s.escrowService.SubmitProof(r.Context(), userID, chi.URLParam(r, "id"), escrow.ProofParams{
		ProofType:     req.ProofType,
		Description:   req.Description,
		FileReference: req.FileReference,
	})
	s.metrics.observeTransition("submit_proof", err)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toProofResponse(rec))
}

func (s *Server) handleListProofs(w http.ResponseWriter, r *http.Request) {
	userID, role := principal(r)

	records, err := s.escrowService.ListProofs(r.Context(), userID, string(role), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	items := make([]proofResponse, 0, len(records))
	for _, rec := range records {
		items = append(items, toProofResponse(rec))
	}
	writeJSON(w, http.StatusOK, proofListResponse{Items: items})
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	userID, role := principal(r)

	events, err := s.escrowService.ListTimeline(r.Context(), userID, string(role), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	items := make([]timelineEventResponse, 0, len(events))
	for _, e := range events {
		items = append(items, toTimelineEventResponse(e))
	}
	writeJSON(w, http.StatusOK, timelineResponse{Items: items})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	userID, _ := principal(r)

	t, err := s.escrowService.Complete(r.Context(), userID, chi.URLParam(r, "id"))
	s.metrics.observeTransition("complete", err)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(t))
}

type openDisputeRequest struct {
	Reason      string `json:"reason"`
	Description string `json:"description"`
}

func (s *Server) handleOpenDispute(w http.ResponseWriter, r *http.Request) {
	userID, _ := principal(r)

	var req openDisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	rec, err := s.escrowService.OpenDispute(r.Context(), userID, chi.URLParam(r, "id"), escrow.DisputeParams{
		Reason:      req.Reason,
		Description: req.Description,
	})
	s.metrics.observeTransition("dispute", err)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toDisputeResponse(rec))
}

type reverseRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleReverse(w http.ResponseWriter, r *http.Request) {
	userID, _ := principal(r)

	var req reverseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	t, err := s.escrowService.Reverse(r.Context(), userID, chi.URLParam(r, "id"), escrow.ReverseParams{
		Reason: req.Reason,
	})
	s.metrics.observeTransition("reverse", err)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(t))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	userID, _ := principal(r)

	t, err := s.escrowService.Cancel(r.Context(), userID, chi.URLParam(r, "id"))
	s.metrics.observeTransition("cancel", err)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toEscrowResponse(t))
}

type rateRequest struct {
	RatedUserID string `json:"ratedUserId"`
	Score       int    `json:"score"`
	Comment     string `json:"comment"`
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	userID, _ := principal(r)

	var req rateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	rec, err := s.escrowService.Rate(r.Context(), userID, chi.URLParam(r, "id"), escrow.RateParams{
		RatedUserID: req.RatedUserID,
		Score:       req.Score,
		Comment:     req.Comment,
	})
	s.metrics.observeTransition("rate", err)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRatingResponse(rec))
}

func isReviewer(role auth.Role) bool {
	return role == auth.RoleArbiter || role == auth.RoleAuditor
}

func (s *Server) handleDisputes(w http.ResponseWriter, r *http.Request) {
	_, role := principal(r)
	if !isReviewer(role) {
		writeError(w, http.StatusForbidden, "arbiter or auditor role required")
		return
	}

	filters := dispute.Filters{
		EscrowID: r.URL.Query().Get("escrowId"),
	}
	if r.URL.Query().Get("open") == "true" {
		filters.OpenOnly = true
	}

	records, err := s.disputeService.List(r.Context(), filters)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	items := make([]disputeResponse, 0, len(records))
	for _, rec := range records {
		items = append(items, toDisputeResponse(rec))
	}
	writeJSON(w, http.StatusOK, disputeListResponse{Items: items})
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	_, role := principal(r)
	if !isReviewer(role) {
		writeError(w, http.StatusForbidden, "arbiter or auditor role required")
		return
	}

	rec, err := s.disputeService.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(rec))
}

type resolveDisputeRequest struct {
	Outcome string `json:"outcome"`
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	userID, role := principal(r)

	var req resolveDisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	rec, err := s.escrowService.ResolveDispute(r.Context(), userID, string(role), chi.URLParam(r, "id"), escrow.ResolveParams{
		Outcome: req.Outcome,
	})
	s.metrics.observeTransition("resolve_dispute", err)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toDisputeResponse(rec))
}

func (s *Server) handleParties(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}

	profiles, err := s.partyService.List(r.Context(), limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	items := make([]partyResponse, 0, len(profiles))
	for _, p := range profiles {
		items = append(items, toPartyResponse(p))
	}
	writeJSON(w, http.StatusOK, partyListResponse{Items: items})
}

func (s *Server) handleParty(w http.ResponseWriter, r *http.Request) {
	profile, err := s.partyService.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPartyResponse(profile))
}

func (s *Server) handlePartyRatings(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	records, err := s.ratingService.ListForUser(r.Context(), id, 50)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	summary, err := s.ratingService.SummaryForUser(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	items := make([]ratingResponse, 0, len(records))
	for _, rec := range records {
		items = append(items, toRatingResponse(rec))
	}
	writeJSON(w, http.StatusOK, ratingListResponse{
		Items: items,
		Summary: ratingSummaryResponse{
			Count:   summary.Count,
			Average: summary.Average,
		},
	})
}
