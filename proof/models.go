package proof

import "time"

// Record mirrors the proofs table. Proofs are append-only evidence items
// owned by whichever party submitted them.
type Record struct {
	ID            string
	EscrowID      string
	SubmittedBy   string
	ProofType     string
	Description   string
	FileReference *string
	CreatedAt     time.Time
}
