package rating

import "time"

// Record mirrors the ratings table. One rating per (transaction, rater),
// permitted only after the transaction reached a resolved terminal state.
type Record struct {
	ID          string
	EscrowID    string
	RaterID     string
	RatedUserID string
	Score       int
	Comment     string
	CreatedAt   time.Time
}

// Summary aggregates received ratings for a user profile.
type Summary struct {
	Count   int
	Average float64
}
