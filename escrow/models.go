package escrow

import "time"

// Status represents the lifecycle state of an escrow transaction.
type Status string

const (
	StatusInitiated         Status = "INITIATED"
	StatusFunded            Status = "FUNDED"
	StatusInProgress        Status = "IN_PROGRESS"
	StatusEvidenceSubmitted Status = "EVIDENCE_SUBMITTED"
	StatusDisputed          Status = "DISPUTED"
	StatusCompleted         Status = "COMPLETED"
	StatusRefunded          Status = "REFUNDED"
	StatusCancelled         Status = "CANCELLED"
	StatusReversed          Status = "REVERSED"
)

// Transaction is the domain representation of an escrow agreement.
// It mirrors the escrow_transactions table and should not include JSON
// annotations so it can be reused by different presentation layers.
type Transaction struct {
	ID               string
	BuyerID          string
	SellerID         string
	Amount           string
	TokenSymbol      string
	Chain            string
	Description      string
	Status           Status
	FundingReference *string
	ExpiresAt        *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// IsParty reports whether userID is the buyer or seller of the transaction.
func (t Transaction) IsParty(userID string) bool {
	return userID != "" && (userID == t.BuyerID || userID == t.SellerID)
}

// Counterparty returns the other party for a given participant. The caller
// must already have verified party membership.
func (t Transaction) Counterparty(userID string) string {
	if userID == t.BuyerID {
		return t.SellerID
	}
	return t.BuyerID
}

// TimelineEvent captures an immutable business event for an escrow transaction.
type TimelineEvent struct {
	ID        int64
	EscrowID  string
	Seq       int
	Type      string
	ActorID   *string
	CreatedAt time.Time
	Payload   []byte
}

// Timeline event types, one per recorded lifecycle fact.
const (
	EventCreated         = "ESCROW_CREATED"
	EventFunded          = "ESCROW_FUNDED"
	EventWorkStarted     = "WORK_STARTED"
	EventProofSubmitted  = "PROOF_SUBMITTED"
	EventCompleted       = "ESCROW_COMPLETED"
	EventDisputeOpened   = "DISPUTE_OPENED"
	EventDisputeResolved = "DISPUTE_RESOLVED"
	EventCancelled       = "ESCROW_CANCELLED"
	EventReversed        = "ESCROW_REVERSED"
	EventExpired         = "ESCROW_EXPIRED"
	EventPartyRated      = "PARTY_RATED"
)

// Outbox topics published alongside lifecycle transitions.
const (
	TopicCreated           = "escrow.created"
	TopicFunded            = "escrow.funded"
	TopicStarted           = "escrow.started"
	TopicEvidenceSubmitted = "escrow.evidence_submitted"
	TopicCompleted         = "escrow.completed"
	TopicDisputed          = "escrow.disputed"
	TopicResolved          = "escrow.resolved"
	TopicCancelled         = "escrow.cancelled"
	TopicReversed          = "escrow.reversed"
	TopicExpired           = "escrow.expired"
	TopicRated             = "escrow.rated"
)
