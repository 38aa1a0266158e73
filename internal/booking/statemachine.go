package booking

// transitions is the complete lifecycle graph. A state mapping to an
// empty list is terminal. requested -> approval_pending exists as an
// edge but is taken implicitly at creation; new bookings are persisted
// directly in approval_pending with a creation history row.
var transitions = map[Status][]Status{
	StatusRequested:            {StatusApprovalPending},
	StatusApprovalPending:      {StatusPaymentPending, StatusDeclined, StatusCancelled},
	StatusPaymentPending:       {StatusConfirmed, StatusCancelled},
	StatusConfirmed:            {StatusInProgress, StatusCancelled},
	StatusInProgress:           {StatusCompleted},
	StatusCompleted:            {StatusAwaitingConfirmation},
	StatusAwaitingConfirmation: {StatusSettled},
	StatusSettled:              {},
	StatusDeclined:             {},
	StatusCancelled:            {},
}

// ValidateTransition reports whether from -> to is a legal edge of the
// lifecycle graph. It is total: any pair of states, including unknown
// ones, yields either nil or an IllegalTransitionError. This is the
// single source of truth for transition legality; no caller bypasses it.
func ValidateTransition(from, to Status) error {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return nil
		}
	}
	return &IllegalTransitionError{From: from, To: to}
}

// IsTerminal reports whether the state has no outgoing transitions.
func IsTerminal(s Status) bool {
	allowed, ok := transitions[s]
	return ok && len(allowed) == 0
}

// IsValidStatus reports whether s is one of the ten lifecycle states.
func IsValidStatus(s Status) bool {
	_, ok := transitions[s]
	return ok
}

// CanCancel reports whether cancellation is still permitted. Only the
// three pre-service states qualify; once service work has started, the
// booking runs to completion (or support-mediated resolution, out of
// scope here).
func CanCancel(s Status) bool {
	switch s {
	case StatusApprovalPending, StatusPaymentPending, StatusConfirmed:
		return true
	default:
		return false
	}
}

// AllStatuses lists every lifecycle state, in graph order. Used by
// validation and by exhaustiveness tests.
func AllStatuses() []Status {
	return []Status{
		StatusRequested,
		StatusApprovalPending,
		StatusPaymentPending,
		StatusConfirmed,
		StatusInProgress,
		StatusCompleted,
		StatusAwaitingConfirmation,
		StatusSettled,
		StatusDeclined,
		StatusCancelled,
	}
}
