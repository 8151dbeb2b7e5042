package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"escrowflow/dispute"
	"escrowflow/oracle"
	"escrowflow/proof"
	"escrowflow/rating"
)

const (
	defaultHoldDays  = 30
	defaultSweepSize = 100

	// Upper bound on the post-commit assessment call so a stuck oracle
	// cannot leak the goroutine.
	assessmentDeadline = 30 * time.Second
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ProofStore is the slice of the proof ledger the lifecycle service needs.
type ProofStore interface {
	Insert(ctx context.Context, tx pgx.Tx, rec proof.Record) (proof.Record, error)
	ListByTransaction(ctx context.Context, escrowID string) ([]proof.Record, error)
}

// DisputeStore is the slice of dispute persistence the lifecycle service
// needs. Writes join the caller's transaction; RecordAssessment runs on its
// own because the oracle answers after the opening transaction committed.
type DisputeStore interface {
	Insert(ctx context.Context, tx pgx.Tx, rec dispute.Record) (dispute.Record, error)
	GetByID(ctx context.Context, id string) (dispute.Record, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (dispute.Record, error)
	GetOpenByTransaction(ctx context.Context, escrowID string) (dispute.Record, error)
	MarkResolved(ctx context.Context, tx pgx.Tx, id, resolution string, resolvedBy *string) (dispute.Record, error)
	RecordAssessment(ctx context.Context, id, verdict, details string) error
}

// RatingStore is the slice of rating persistence the lifecycle service needs.
type RatingStore interface {
	Insert(ctx context.Context, tx pgx.Tx, rec rating.Record) (rating.Record, error)
}

// Service owns the escrow transaction lifecycle. Every transition commits its
// status change, timeline event, and outbox message in one transaction, and
// no database lock is ever held across an oracle call.
type Service struct {
	pool     TxBeginner
	repo     Repository
	proofs   ProofStore
	disputes DisputeStore
	ratings  RatingStore
	verifier oracle.FundVerifier
	arbiter  oracle.ArbitrationOracle

	log          zerolog.Logger
	idGenerator  func() string
	now          func() time.Time
	holdDuration time.Duration
	sweepSize    int
}

func NewService(pool TxBeginner, repo Repository, proofs ProofStore, disputes DisputeStore, ratings RatingStore, verifier oracle.FundVerifier, arbiter oracle.ArbitrationOracle) *Service {
	return &Service{
		pool:         pool,
		repo:         repo,
		proofs:       proofs,
		disputes:     disputes,
		ratings:      ratings,
		verifier:     verifier,
		arbiter:      arbiter,
		log:          zerolog.Nop(),
		idGenerator:  func() string { return uuid.NewString() },
		now:          time.Now,
		holdDuration: defaultHoldDays * 24 * time.Hour,
		sweepSize:    defaultSweepSize,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithLogger(log zerolog.Logger) *Service {
	s.log = log
	return s
}

func (s *Service) WithHoldDuration(d time.Duration) *Service {
	if d > 0 {
		s.holdDuration = d
	}
	return s
}

type CreateParams struct {
	BuyerID        string
	SellerID       string
	Amount         string
	TokenSymbol    string
	Chain          string
	Description    string
	ExpiresInDays  int
	IdempotencyKey string
}

// Create opens a new escrow transaction in INITIATED. The arbitration oracle
// is consulted before anything is written; a blocked pairing never reaches
// the database. When an idempotency key is supplied, a replay returns the
// originally created transaction.
func (s *Service) Create(ctx context.Context, params CreateParams) (Transaction, error) {
	if params.BuyerID == "" {
		return Transaction{}, fmt.Errorf("escrow: missing buyer id: %w", ErrInvalidInput)
	}
	if params.SellerID == "" {
		return Transaction{}, fmt.Errorf("escrow: missing seller id: %w", ErrInvalidInput)
	}
	if params.BuyerID == params.SellerID {
		return Transaction{}, ErrSelfDealing
	}

	amount := strings.TrimSpace(params.Amount)
	parsed, err := decimal.NewFromString(amount)
	if err != nil || parsed.Sign() <= 0 {
		return Transaction{}, fmt.Errorf("escrow: amount must be a positive decimal: %w", ErrInvalidInput)
	}
	tokenSymbol := strings.TrimSpace(params.TokenSymbol)
	if tokenSymbol == "" {
		return Transaction{}, fmt.Errorf("escrow: missing token symbol: %w", ErrInvalidInput)
	}
	chain := strings.TrimSpace(params.Chain)
	if chain == "" {
		return Transaction{}, fmt.Errorf("escrow: missing chain: %w", ErrInvalidInput)
	}
	description := strings.TrimSpace(params.Description)
	if description == "" {
		return Transaction{}, fmt.Errorf("escrow: missing description: %w", ErrInvalidInput)
	}
	if params.ExpiresInDays < 0 {
		return Transaction{}, fmt.Errorf("escrow: negative expiry: %w", ErrInvalidInput)
	}

	assessment, err := s.arbiter.Assess(ctx, oracle.Request{
		Kind:        oracle.KindCreate,
		BuyerID:     params.BuyerID,
		SellerID:    params.SellerID,
		Amount:      amount,
		TokenSymbol: tokenSymbol,
		Chain:       chain,
	})
	if err != nil {
		return Transaction{}, s.mapOracleErr("create assessment", err)
	}
	if assessment.Verdict == oracle.VerdictBlock {
		return Transaction{}, fmt.Errorf("escrow: create: %s: %w", assessment.Details, ErrPolicyBlocked)
	}

	hold := s.holdDuration
	if params.ExpiresInDays > 0 {
		hold = time.Duration(params.ExpiresInDays) * 24 * time.Hour
	}
	expiresAt := s.now().Add(hold)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.repo.Insert(ctx, tx, Transaction{
		ID:          s.idGenerator(),
		BuyerID:     params.BuyerID,
		SellerID:    params.SellerID,
		Amount:      amount,
		TokenSymbol: tokenSymbol,
		Chain:       chain,
		Description: description,
		Status:      StatusInitiated,
		ExpiresAt:   &expiresAt,
	})
	if err != nil {
		return Transaction{}, err
	}

	if params.IdempotencyKey != "" {
		if err := s.repo.InsertIdempotencyKey(ctx, tx, params.IdempotencyKey, created.ID); err != nil {
			if errors.Is(err, ErrDuplicateIdempotencyKey) {
				// The conflicting key is committed, so the original
				// transaction is readable outside this aborted tx.
				return s.repo.GetByIdempotencyKey(ctx, params.IdempotencyKey)
			}
			return Transaction{}, err
		}
	}

	payload := map[string]any{
		"buyer_id":     created.BuyerID,
		"seller_id":    created.SellerID,
		"amount":       created.Amount,
		"token_symbol": created.TokenSymbol,
		"chain":        created.Chain,
	}
	if assessment.Verdict == oracle.VerdictFlag {
		payload["assessment"] = "flagged"
		payload["assessment_details"] = assessment.Details
	}
	if err := s.repo.AppendTimeline(ctx, tx, created.ID, EventCreated, &created.BuyerID, payload); err != nil {
		return Transaction{}, err
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, TopicCreated, map[string]any{
		"escrow_id":    created.ID,
		"buyer_id":     created.BuyerID,
		"seller_id":    created.SellerID,
		"amount":       created.Amount,
		"token_symbol": created.TokenSymbol,
		"chain":        created.Chain,
	}); err != nil {
		return Transaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("escrow: commit tx: %w", err)
	}
	return created, nil
}

type FundParams struct {
	FundingReference string
}

// Fund moves INITIATED to FUNDED after the fund-verification oracle confirms
// the deposit. A failed verification leaves the transaction in INITIATED so
// the buyer can retry.
func (s *Service) Fund(ctx context.Context, actorID, id string, params FundParams) (Transaction, error) {
	t, err := s.authorizeParty(ctx, actorID, id)
	if err != nil {
		return Transaction{}, err
	}
	if actorID != t.BuyerID {
		return Transaction{}, fmt.Errorf("escrow: only the buyer can fund: %w", ErrUnauthorized)
	}
	if t.Status != StatusInitiated {
		return Transaction{}, fmt.Errorf("escrow: fund from %s: %w", t.Status, ErrInvalidState)
	}
	reference := strings.TrimSpace(params.FundingReference)
	if reference == "" {
		return Transaction{}, fmt.Errorf("escrow: missing funding reference: %w", ErrInvalidInput)
	}

	verified, err := s.verifier.Verify(ctx, reference)
	if err != nil {
		return Transaction{}, s.mapOracleErr("verify funding", err)
	}
	if !verified {
		return Transaction{}, ErrFundingVerificationFailed
	}

	return s.transition(ctx, transitionParams{
		ID:       id,
		ActorID:  actorID,
		Expected: []Status{StatusInitiated},
		Update:   StatusUpdate{To: StatusFunded, FundingReference: &reference},
		Event:    EventFunded,
		Topic:    TopicFunded,
		Payload:  map[string]any{"funding_reference": reference},
	})
}

// Start records that the seller began performing. Seller-only.
func (s *Service) Start(ctx context.Context, actorID, id string) (Transaction, error) {
	t, err := s.authorizeParty(ctx, actorID, id)
	if err != nil {
		return Transaction{}, err
	}
	if actorID != t.SellerID {
		return Transaction{}, fmt.Errorf("escrow: only the seller can start work: %w", ErrUnauthorized)
	}

	return s.transition(ctx, transitionParams{
		ID:       id,
		ActorID:  actorID,
		Expected: []Status{StatusFunded},
		Update:   StatusUpdate{To: StatusInProgress},
		Event:    EventWorkStarted,
		Topic:    TopicStarted,
	})
}

type ProofParams struct {
	ProofType     string
	Description   string
	FileReference *string
}

// SubmitProof appends a record to the proof ledger and, on the first
// submission, moves the transaction to EVIDENCE_SUBMITTED. Further
// submissions keep appending without changing status.
func (s *Service) SubmitProof(ctx context.Context, actorID, id string, params ProofParams) (proof.Record, error) {
	proofType := strings.TrimSpace(params.ProofType)
	if proofType == "" {
		return proof.Record{}, fmt.Errorf("escrow: missing proof type: %w", ErrInvalidInput)
	}
	description := strings.TrimSpace(params.Description)
	if description == "" {
		return proof.Record{}, fmt.Errorf("escrow: missing proof description: %w", ErrInvalidInput)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return proof.Record{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return proof.Record{}, err
	}
	if !t.IsParty(actorID) {
		return proof.Record{}, ErrNotFound
	}
	if t.Status != StatusInProgress && t.Status != StatusEvidenceSubmitted {
		return proof.Record{}, fmt.Errorf("escrow: submit proof from %s: %w", t.Status, ErrInvalidState)
	}

	rec, err := s.proofs.Insert(ctx, tx, proof.Record{
		EscrowID:      id,
		SubmittedBy:   actorID,
		ProofType:     proofType,
		Description:   description,
		FileReference: params.FileReference,
	})
	if err != nil {
		return proof.Record{}, err
	}

	if t.Status == StatusInProgress {
		if _, err := s.repo.UpdateWithExpectedStatus(ctx, tx, id, []Status{StatusInProgress}, StatusUpdate{To: StatusEvidenceSubmitted}); err != nil {
			return proof.Record{}, err
		}
	}

	if err := s.repo.AppendTimeline(ctx, tx, id, EventProofSubmitted, &actorID, map[string]any{
		"proof_id":   rec.ID,
		"proof_type": rec.ProofType,
	}); err != nil {
		return proof.Record{}, err
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, TopicEvidenceSubmitted, map[string]any{
		"escrow_id": id,
		"proof_id":  rec.ID,
	}); err != nil {
		return proof.Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return proof.Record{}, fmt.Errorf("escrow: commit tx: %w", err)
	}
	return rec, nil
}

// Complete releases the held value to the seller. Buyer-only.
func (s *Service) Complete(ctx context.Context, actorID, id string) (Transaction, error) {
	t, err := s.authorizeParty(ctx, actorID, id)
	if err != nil {
		return Transaction{}, err
	}
	if actorID != t.BuyerID {
		return Transaction{}, fmt.Errorf("escrow: only the buyer can complete: %w", ErrUnauthorized)
	}

	return s.transition(ctx, transitionParams{
		ID:       id,
		ActorID:  actorID,
		Expected: []Status{StatusInProgress, StatusEvidenceSubmitted},
		Update:   StatusUpdate{To: StatusCompleted},
		Event:    EventCompleted,
		Topic:    TopicCompleted,
	})
}

type DisputeParams struct {
	Reason      string
	Description string
}

// OpenDispute freezes the transaction in DISPUTED and records the dispute.
// The arbitration oracle is notified after commit; its assessment is attached
// to the dispute when it arrives and never blocks the caller.
func (s *Service) OpenDispute(ctx context.Context, actorID, id string, params DisputeParams) (dispute.Record, error) {
	reason := strings.TrimSpace(params.Reason)
	if reason == "" {
		return dispute.Record{}, fmt.Errorf("escrow: missing dispute reason: %w", ErrInvalidInput)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return dispute.Record{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	t, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return dispute.Record{}, err
	}
	if !t.IsParty(actorID) {
		return dispute.Record{}, ErrNotFound
	}
	if t.Status == StatusDisputed {
		return dispute.Record{}, ErrDisputeAlreadyOpen
	}
	if !CanTransition(t.Status, StatusDisputed) {
		return dispute.Record{}, fmt.Errorf("escrow: dispute from %s: %w", t.Status, ErrInvalidState)
	}

	rec, err := s.disputes.Insert(ctx, tx, dispute.Record{
		EscrowID:    id,
		InitiatorID: actorID,
		Reason:      reason,
		Description: strings.TrimSpace(params.Description),
	})
	if err != nil {
		if errors.Is(err, dispute.ErrAlreadyOpen) {
			return dispute.Record{}, ErrDisputeAlreadyOpen
		}
		return dispute.Record{}, err
	}

	if _, err := s.repo.UpdateWithExpectedStatus(ctx, tx, id, []Status{t.Status}, StatusUpdate{To: StatusDisputed}); err != nil {
		return dispute.Record{}, err
	}

	if err := s.repo.AppendTimeline(ctx, tx, id, EventDisputeOpened, &actorID, map[string]any{
		"dispute_id": rec.ID,
		"reason":     rec.Reason,
	}); err != nil {
		return dispute.Record{}, err
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, TopicDisputed, map[string]any{
		"escrow_id":  id,
		"dispute_id": rec.ID,
		"reason":     rec.Reason,
	}); err != nil {
		return dispute.Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return dispute.Record{}, fmt.Errorf("escrow: commit tx: %w", err)
	}

	go s.assessDispute(context.WithoutCancel(ctx), rec, t)

	return rec, nil
}

// assessDispute asks the arbitration oracle about a committed dispute and
// stores its verdict. Failures are logged and retried by nothing; the
// dispute simply stays unassessed.
func (s *Service) assessDispute(ctx context.Context, rec dispute.Record, t Transaction) {
	ctx, cancel := context.WithTimeout(ctx, assessmentDeadline)
	defer cancel()

	assessment, err := s.arbiter.Assess(ctx, oracle.Request{
		Kind:        oracle.KindDispute,
		EscrowID:    t.ID,
		ActorID:     rec.InitiatorID,
		BuyerID:     t.BuyerID,
		SellerID:    t.SellerID,
		Amount:      t.Amount,
		TokenSymbol: t.TokenSymbol,
		Chain:       t.Chain,
		Reason:      rec.Reason,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("dispute_id", rec.ID).Str("escrow_id", t.ID).Msg("dispute assessment failed")
		return
	}
	if err := s.disputes.RecordAssessment(ctx, rec.ID, string(assessment.Verdict), assessment.Details); err != nil {
		s.log.Warn().Err(err).Str("dispute_id", rec.ID).Str("escrow_id", t.ID).Msg("recording dispute assessment failed")
	}
}

type ResolveParams struct {
	Outcome string
}

// ResolveDispute closes an open dispute with outcome release or refund and
// moves the transaction to the matching terminal state. Arbiter-only. A
// recorded block verdict from the arbitration oracle forbids release.
func (s *Service) ResolveDispute(ctx context.Context, actorID, actorRole, disputeID string, params ResolveParams) (dispute.Record, error) {
	if strings.ToLower(actorRole) != "arbiter" {
		return dispute.Record{}, fmt.Errorf("escrow: only arbiters resolve disputes: %w", ErrUnauthorized)
	}

	var target Status
	switch params.Outcome {
	case dispute.ResolutionRelease:
		target = StatusCompleted
	case dispute.ResolutionRefund:
		target = StatusRefunded
	default:
		return dispute.Record{}, fmt.Errorf("escrow: outcome must be release or refund: %w", ErrInvalidInput)
	}

	// Unlocked pre-read to learn the owning transaction. The linkage is
	// immutable, so locking can start at the escrow row; every path that
	// touches both rows locks escrow first, then dispute.
	rec, err := s.disputes.GetByID(ctx, disputeID)
	if err != nil {
		if errors.Is(err, dispute.ErrNotFound) {
			return dispute.Record{}, ErrNotFound
		}
		return dispute.Record{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return dispute.Record{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := s.repo.GetForUpdate(ctx, tx, rec.EscrowID); err != nil {
		return dispute.Record{}, err
	}
	rec, err = s.disputes.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		if errors.Is(err, dispute.ErrNotFound) {
			return dispute.Record{}, ErrNotFound
		}
		return dispute.Record{}, err
	}
	if !rec.Open() {
		return dispute.Record{}, fmt.Errorf("escrow: dispute already resolved: %w", ErrInvalidState)
	}
	if params.Outcome == dispute.ResolutionRelease && rec.AssessmentVerdict != nil && *rec.AssessmentVerdict == string(oracle.VerdictBlock) {
		return dispute.Record{}, fmt.Errorf("escrow: release forbidden by assessment: %w", ErrPolicyBlocked)
	}

	if _, err := s.repo.UpdateWithExpectedStatus(ctx, tx, rec.EscrowID, []Status{StatusDisputed}, StatusUpdate{To: target}); err != nil {
		// Both rows are locked and the dispute is open, so the transaction
		// must be DISPUTED. A status mismatch here is broken linkage, not a
		// caller race.
		if errors.Is(err, ErrInvalidState) {
			return dispute.Record{}, fmt.Errorf("escrow: open dispute %s on non-disputed transaction %s: %w", disputeID, rec.EscrowID, ErrInternal)
		}
		return dispute.Record{}, err
	}

	resolved, err := s.disputes.MarkResolved(ctx, tx, disputeID, params.Outcome, &actorID)
	if err != nil {
		return dispute.Record{}, fmt.Errorf("escrow: resolve dispute: %w", err)
	}

	if err := s.repo.AppendTimeline(ctx, tx, rec.EscrowID, EventDisputeResolved, &actorID, map[string]any{
		"dispute_id": disputeID,
		"outcome":    params.Outcome,
	}); err != nil {
		return dispute.Record{}, err
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, TopicResolved, map[string]any{
		"escrow_id":  rec.EscrowID,
		"dispute_id": disputeID,
		"outcome":    params.Outcome,
	}); err != nil {
		return dispute.Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return dispute.Record{}, fmt.Errorf("escrow: commit tx: %w", err)
	}
	return resolved, nil
}

type ReverseParams struct {
	Reason string
}

// Reverse is the audited override that claws a resolved transaction back to
// REVERSED. It requires a substantive reason and arbitration oracle approval,
// and every reversal is written to the audit log.
func (s *Service) Reverse(ctx context.Context, actorID, id string, params ReverseParams) (Transaction, error) {
	t, err := s.authorizeParty(ctx, actorID, id)
	if err != nil {
		return Transaction{}, err
	}
	reason := strings.TrimSpace(params.Reason)
	if len(reason) < 5 {
		return Transaction{}, fmt.Errorf("escrow: reversal reason too short: %w", ErrInvalidInput)
	}
	if t.Status != StatusCompleted && t.Status != StatusDisputed {
		return Transaction{}, fmt.Errorf("escrow: reverse from %s: %w", t.Status, ErrInvalidState)
	}

	assessment, err := s.arbiter.Assess(ctx, oracle.Request{
		Kind:        oracle.KindReversal,
		EscrowID:    t.ID,
		ActorID:     actorID,
		BuyerID:     t.BuyerID,
		SellerID:    t.SellerID,
		Amount:      t.Amount,
		TokenSymbol: t.TokenSymbol,
		Chain:       t.Chain,
		Reason:      reason,
	})
	if err != nil {
		return Transaction{}, s.mapOracleErr("reversal assessment", err)
	}
	if assessment.Verdict == oracle.VerdictBlock {
		return Transaction{}, fmt.Errorf("escrow: reversal denied: %s: %w", assessment.Details, ErrPolicyBlocked)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	updated, err := s.repo.UpdateWithExpectedStatus(ctx, tx, id, []Status{StatusCompleted, StatusDisputed}, StatusUpdate{To: StatusReversed})
	if err != nil {
		return Transaction{}, err
	}

	// A reversal out of DISPUTED also closes the open dispute.
	if open, err := s.disputes.GetOpenByTransaction(ctx, id); err == nil {
		if _, err := s.disputes.MarkResolved(ctx, tx, open.ID, dispute.ResolutionReversed, &actorID); err != nil {
			return Transaction{}, fmt.Errorf("escrow: close dispute on reversal: %w", err)
		}
	} else if !errors.Is(err, dispute.ErrNotFound) {
		return Transaction{}, err
	}

	payload := map[string]any{
		"reason":  reason,
		"verdict": string(assessment.Verdict),
	}
	if err := s.repo.AppendTimeline(ctx, tx, id, EventReversed, &actorID, payload); err != nil {
		return Transaction{}, err
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, TopicReversed, map[string]any{
		"escrow_id": id,
		"reason":    reason,
	}); err != nil {
		return Transaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("escrow: commit tx: %w", err)
	}

	s.log.Warn().
		Str("escrow_id", id).
		Str("actor_id", actorID).
		Str("reason", reason).
		Msg("escrow reversed")

	return updated, nil
}

// Cancel voids an unfunded transaction. Either party may cancel while the
// transaction is still INITIATED.
func (s *Service) Cancel(ctx context.Context, actorID, id string) (Transaction, error) {
	if _, err := s.authorizeParty(ctx, actorID, id); err != nil {
		return Transaction{}, err
	}

	return s.transition(ctx, transitionParams{
		ID:       id,
		ActorID:  actorID,
		Expected: []Status{StatusInitiated},
		Update:   StatusUpdate{To: StatusCancelled},
		Event:    EventCancelled,
		Topic:    TopicCancelled,
		Payload:  map[string]any{"cancelled_by": actorID},
	})
}

type RateParams struct {
	RatedUserID string
	Score       int
	Comment     string
}

// Rate records a party's rating of its counterparty once the transaction has
// reached COMPLETED, REFUNDED, or REVERSED. Each party rates at most once.
func (s *Service) Rate(ctx context.Context, actorID, id string, params RateParams) (rating.Record, error) {
	if params.Score < 1 || params.Score > 5 {
		return rating.Record{}, fmt.Errorf("escrow: score must be between 1 and 5: %w", ErrInvalidInput)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return rating.Record{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// The row lock serializes concurrent ratings so the timeline sequence
	// assignment stays race-free even though the status does not change.
	t, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return rating.Record{}, err
	}
	if !t.IsParty(actorID) {
		return rating.Record{}, ErrNotFound
	}
	if params.RatedUserID == actorID {
		return rating.Record{}, ErrSelfRating
	}
	if params.RatedUserID != t.Counterparty(actorID) {
		return rating.Record{}, fmt.Errorf("escrow: rated user is not the counterparty: %w", ErrInvalidInput)
	}
	if !Ratable(t.Status) {
		return rating.Record{}, fmt.Errorf("escrow: rate from %s: %w", t.Status, ErrInvalidState)
	}

	rec, err := s.ratings.Insert(ctx, tx, rating.Record{
		EscrowID:    id,
		RaterID:     actorID,
		RatedUserID: params.RatedUserID,
		Score:       params.Score,
		Comment:     strings.TrimSpace(params.Comment),
	})
	if err != nil {
		if errors.Is(err, rating.ErrDuplicate) {
			return rating.Record{}, ErrDuplicateRating
		}
		return rating.Record{}, err
	}

	if err := s.repo.AppendTimeline(ctx, tx, id, EventPartyRated, &actorID, map[string]any{
		"rating_id":     rec.ID,
		"rated_user_id": rec.RatedUserID,
		"score":         rec.Score,
	}); err != nil {
		return rating.Record{}, err
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, TopicRated, map[string]any{
		"escrow_id":     id,
		"rated_user_id": rec.RatedUserID,
		"score":         rec.Score,
	}); err != nil {
		return rating.Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return rating.Record{}, fmt.Errorf("escrow: commit tx: %w", err)
	}
	return rec, nil
}

// Get returns a transaction to its parties. Arbiters and auditors may read
// any transaction; everyone else is told it does not exist.
func (s *Service) Get(ctx context.Context, actorID, actorRole, id string) (Transaction, error) {
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return Transaction{}, err
	}
	if !s.canRead(t, actorID, actorRole) {
		return Transaction{}, ErrNotFound
	}
	return t, nil
}

// ListResult pairs a page of transactions with the unpaged total.
type ListResult struct {
	Items []Transaction
	Total int
}

// ListForParty pages through the transactions a user participates in.
func (s *Service) ListForParty(ctx context.Context, filters ListFilters) (ListResult, error) {
	if filters.PartyID == "" {
		return ListResult{}, fmt.Errorf("escrow: missing party id: %w", ErrInvalidInput)
	}
	if filters.Status != "" && !knownStatus(filters.Status) {
		return ListResult{}, fmt.Errorf("escrow: unknown status %q: %w", filters.Status, ErrInvalidInput)
	}
	items, total, err := s.repo.ListByParty(ctx, filters)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Total: total}, nil
}

// ListProofs returns the proof ledger for a transaction under the same
// visibility rules as Get.
func (s *Service) ListProofs(ctx context.Context, actorID, actorRole, id string) ([]proof.Record, error) {
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.canRead(t, actorID, actorRole) {
		return nil, ErrNotFound
	}
	return s.proofs.ListByTransaction(ctx, id)
}

// ListTimeline returns a transaction's audit trail under the same visibility
// rules as Get.
func (s *Service) ListTimeline(ctx context.Context, actorID, actorRole, id string) ([]TimelineEvent, error) {
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.canRead(t, actorID, actorRole) {
		return nil, ErrNotFound
	}
	return s.repo.ListTimeline(ctx, id)
}

// ExpireStale cancels INITIATED transactions whose funding window has
// passed. It is invoked from the scheduler and returns how many rows it
// swept.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	stale, err := s.repo.ListExpiredForUpdate(ctx, tx, s.now(), s.sweepSize)
	if err != nil {
		return 0, err
	}

	for _, t := range stale {
		if _, err := s.repo.UpdateWithExpectedStatus(ctx, tx, t.ID, []Status{StatusInitiated}, StatusUpdate{To: StatusCancelled}); err != nil {
			return 0, err
		}
		if err := s.repo.AppendTimeline(ctx, tx, t.ID, EventExpired, nil, map[string]any{
			"expired_at": t.ExpiresAt,
		}); err != nil {
			return 0, err
		}
		if err := s.repo.EnqueueOutbox(ctx, tx, TopicExpired, map[string]any{
			"escrow_id": t.ID,
		}); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("escrow: commit tx: %w", err)
	}
	return len(stale), nil
}

// transitionParams drives the shared compare-and-swap path used by the
// single-row transitions.
type transitionParams struct {
	ID       string
	ActorID  string
	Expected []Status
	Update   StatusUpdate
	Event    string
	Topic    string
	Payload  map[string]any
}

func (s *Service) transition(ctx context.Context, params transitionParams) (Transaction, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Transaction{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	updated, err := s.repo.UpdateWithExpectedStatus(ctx, tx, params.ID, params.Expected, params.Update)
	if err != nil {
		return Transaction{}, err
	}

	if err := s.repo.AppendTimeline(ctx, tx, params.ID, params.Event, &params.ActorID, params.Payload); err != nil {
		return Transaction{}, err
	}

	outboxPayload := map[string]any{
		"escrow_id": params.ID,
		"status":    string(updated.Status),
	}
	if err := s.repo.EnqueueOutbox(ctx, tx, params.Topic, outboxPayload); err != nil {
		return Transaction{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Transaction{}, fmt.Errorf("escrow: commit tx: %w", err)
	}
	return updated, nil
}

// authorizeParty loads the transaction and hides its existence from
// non-parties.
func (s *Service) authorizeParty(ctx context.Context, actorID, id string) (Transaction, error) {
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return Transaction{}, err
	}
	if !t.IsParty(actorID) {
		return Transaction{}, ErrNotFound
	}
	return t, nil
}

func (s *Service) canRead(t Transaction, actorID, actorRole string) bool {
	role := strings.ToLower(actorRole)
	if role == "arbiter" || role == "auditor" {
		return true
	}
	return t.IsParty(actorID)
}

func (s *Service) mapOracleErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("escrow: %s: %w", op, ErrOracleTimeout)
	}
	return fmt.Errorf("escrow: %s: %w", op, err)
}

func knownStatus(s Status) bool {
	switch s {
	case StatusInitiated, StatusFunded, StatusInProgress, StatusEvidenceSubmitted,
		StatusDisputed, StatusCompleted, StatusRefunded, StatusCancelled, StatusReversed:
		return true
	default:
		return false
	}
}
