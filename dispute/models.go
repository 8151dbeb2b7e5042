package dispute

import "time"

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusUnderReview Status = "under_review"
	StatusResolved    Status = "resolved"
)

// Resolution outcomes recorded when a dispute closes.
const (
	ResolutionRelease  = "release"
	ResolutionRefund   = "refund"
	ResolutionReversed = "reversed"
)

// Record mirrors the disputes table.
type Record struct {
	ID                string
	EscrowID          string
	InitiatorID       string
	Reason            string
	Description       string
	Status            Status
	AssessmentVerdict *string
	AssessmentDetails *string
	Resolution        *string
	ResolvedBy        *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	ResolvedAt        *time.Time
}

// Open reports whether the dispute is still awaiting resolution.
func (r Record) Open() bool {
	return r.Status != StatusResolved
}
