package escrow

import "errors"

// Every expected business failure surfaces as one of these sentinels so the
// presentation layer can classify without string matching. Non-parties are
// told ErrNotFound regardless of whether the transaction exists.
var (
	ErrInvalidInput              = errors.New("escrow: invalid input")
	ErrUnauthorized              = errors.New("escrow: unauthorized")
	ErrNotFound                  = errors.New("escrow: not found")
	ErrInvalidState              = errors.New("escrow: invalid state")
	ErrSelfDealing               = errors.New("escrow: buyer and seller must differ")
	ErrSelfRating                = errors.New("escrow: cannot rate yourself")
	ErrDisputeAlreadyOpen        = errors.New("escrow: dispute already open")
	ErrDuplicateRating           = errors.New("escrow: rating already submitted")
	ErrFundingVerificationFailed = errors.New("escrow: funding verification failed")
	ErrOracleTimeout             = errors.New("escrow: oracle timeout")
	ErrPolicyBlocked             = errors.New("escrow: blocked by arbitration policy")
	ErrInternal                  = errors.New("escrow: internal invariant violation")

	// ErrDuplicateIdempotencyKey signals the create-side idempotency guardrail
	// hit an existing key; callers receive the original transaction instead.
	ErrDuplicateIdempotencyKey = errors.New("escrow: duplicate idempotency key")
)
