package escrow

// allowedTransitions is the full edge set of the lifecycle. Reverse is the
// single edge out of a terminal state and is additionally gated by the
// arbitration oracle in the service layer.
var allowedTransitions = map[Status][]Status{
	StatusInitiated:         {StatusFunded, StatusCancelled},
	StatusFunded:            {StatusInProgress, StatusDisputed},
	StatusInProgress:        {StatusEvidenceSubmitted, StatusCompleted, StatusDisputed},
	StatusEvidenceSubmitted: {StatusCompleted, StatusDisputed},
	StatusDisputed:          {StatusCompleted, StatusRefunded, StatusReversed},
	StatusCompleted:         {StatusReversed},
}

// CanTransition reports whether the edge from -> to exists.
func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no regular transition leaves the status.
// COMPLETED is terminal even though the audited Reverse override can leave it.
func IsTerminal(s Status) bool {
	switch s {
	case StatusCompleted, StatusRefunded, StatusCancelled, StatusReversed:
		return true
	default:
		return false
	}
}

// Ratable reports whether bilateral ratings are accepted in the status.
// CANCELLED is excluded: the parties never transacted.
func Ratable(s Status) bool {
	switch s {
	case StatusCompleted, StatusRefunded, StatusReversed:
		return true
	default:
		return false
	}
}
