// Package oracle defines the external decision services the escrow
// lifecycle consults: fund verification before FUNDED, and arbitration
// assessments gating creation, reversal, and dispute handling.
package oracle

import "context"

// Verdict is the arbitration oracle's decision for a gated action.
type Verdict string

const (
	VerdictApprove Verdict = "approve"
	VerdictBlock   Verdict = "block"
	VerdictFlag    Verdict = "flag"
)

// Assessment is the arbitration oracle's answer.
type Assessment struct {
	Verdict Verdict
	Details string
}

// Request carries the transaction context an assessment is about.
type Request struct {
	Kind        string
	EscrowID    string
	ActorID     string
	BuyerID     string
	SellerID    string
	Amount      string
	TokenSymbol string
	Chain       string
	Reason      string
}

// Assessment request kinds.
const (
	KindCreate   = "escrow.create"
	KindReversal = "escrow.reverse"
	KindDispute  = "escrow.dispute"
)

// FundVerifier confirms a claimed funding reference holds locked funds.
type FundVerifier interface {
	Verify(ctx context.Context, reference string) (bool, error)
}

// ArbitrationOracle assesses gated actions. Implementations must honor
// context cancellation; calls may be long-latency.
type ArbitrationOracle interface {
	Assess(ctx context.Context, req Request) (Assessment, error)
}
