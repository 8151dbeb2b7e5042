package party

import "time"

// Profile captures the subset of user data exposed via the public API layer,
// including the reputation aggregate built from received ratings.
type Profile struct {
	ID            string
	FullName      string
	Role          string
	RatingCount   int
	RatingAverage float64
	CreatedAt     time.Time
}
