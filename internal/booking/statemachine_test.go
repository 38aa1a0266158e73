package booking

import (
	"errors"
	"testing"
)

func TestValidateTransition_LegalEdges(t *testing.T) {
	legal := []struct {
		from, to Status
	}{
		{StatusRequested, StatusApprovalPending},
		{StatusApprovalPending, StatusPaymentPending},
		{StatusApprovalPending, StatusDeclined},
		{StatusApprovalPending, StatusCancelled},
		{StatusPaymentPending, StatusConfirmed},
		{StatusPaymentPending, StatusCancelled},
		{StatusConfirmed, StatusInProgress},
		{StatusConfirmed, StatusCancelled},
		{StatusInProgress, StatusCompleted},
		{StatusCompleted, StatusAwaitingConfirmation},
		{StatusAwaitingConfirmation, StatusSettled},
	}

	for _, tc := range legal {
		if err := ValidateTransition(tc.from, tc.to); err != nil {
			t.Errorf("Expected %s -> %s to be legal, got %v", tc.from, tc.to, err)
		}
	}
}

func TestValidateTransition_IsTotal(t *testing.T) {
	// Every pair of states must yield either nil or IllegalTransitionError,
	// never a panic or a different error type.
	all := AllStatuses()
	legalCount := 0
	for _, from := range all {
		for _, to := range all {
			err := ValidateTransition(from, to)
			if err == nil {
				legalCount++
				continue
			}
			var ite *IllegalTransitionError
			if !errors.As(err, &ite) {
				t.Fatalf("Expected IllegalTransitionError for %s -> %s, got %T", from, to, err)
			}
			if !errors.Is(err, ErrIllegalTransition) {
				t.Errorf("Expected %s -> %s error to match ErrIllegalTransition", from, to)
			}
			if ite.From != from || ite.To != to {
				t.Errorf("Error fields mismatch: got %s -> %s, want %s -> %s", ite.From, ite.To, from, to)
			}
		}
	}
	if legalCount != 11 {
		t.Errorf("Expected exactly 11 legal edges, got %d", legalCount)
	}
}

func TestValidateTransition_UnknownStates(t *testing.T) {
	if err := ValidateTransition("bogus", StatusConfirmed); err == nil {
		t.Error("Expected error for unknown from state")
	}
	if err := ValidateTransition(StatusConfirmed, "bogus"); err == nil {
		t.Error("Expected error for unknown to state")
	}
	if err := ValidateTransition("", ""); err == nil {
		t.Error("Expected error for empty states")
	}
}

func TestValidateTransition_NoSelfLoops(t *testing.T) {
	for _, s := range AllStatuses() {
		if err := ValidateTransition(s, s); err == nil {
			t.Errorf("Expected self-loop %s -> %s to be illegal", s, s)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	terminals := map[Status]bool{
		StatusSettled:   true,
		StatusDeclined:  true,
		StatusCancelled: true,
	}
	for _, s := range AllStatuses() {
		if got := IsTerminal(s); got != terminals[s] {
			t.Errorf("IsTerminal(%s) = %v, want %v", s, got, terminals[s])
		}
	}
	if IsTerminal("bogus") {
		t.Error("Expected unknown status to not be terminal")
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	for _, from := range AllStatuses() {
		if !IsTerminal(from) {
			continue
		}
		for _, to := range AllStatuses() {
			if err := ValidateTransition(from, to); err == nil {
				t.Errorf("Terminal state %s has exit to %s", from, to)
			}
		}
	}
}

func TestCanCancel(t *testing.T) {
	cancellable := map[Status]bool{
		StatusApprovalPending: true,
		StatusPaymentPending:  true,
		StatusConfirmed:       true,
	}
	for _, s := range AllStatuses() {
		if got := CanCancel(s); got != cancellable[s] {
			t.Errorf("CanCancel(%s) = %v, want %v", s, got, cancellable[s])
		}
	}
}

func TestIsValidStatus(t *testing.T) {
	for _, s := range AllStatuses() {
		if !IsValidStatus(s) {
			t.Errorf("Expected %s to be valid", s)
		}
	}
	if IsValidStatus("unknown") {
		t.Error("Expected 'unknown' to be invalid")
	}
	if len(AllStatuses()) != 10 {
		t.Errorf("Expected 10 lifecycle states, got %d", len(AllStatuses()))
	}
}
