package booking

import (
	"testing"
	"time"
)

func TestComputeRefund_CustomerFullNotice(t *testing.T) {
	policy := DefaultRefundPolicy()
	now := time.Now().UTC()
	start := now.Add(50 * time.Hour)

	r := policy.ComputeRefund(10000, start, now, RoleCustomer)
	if r.Percentage != 100 {
		t.Errorf("Expected 100%% refund with 50h notice, got %d%%", r.Percentage)
	}
	if r.Amount != 10000 {
		t.Errorf("Expected refund 10000, got %d", r.Amount)
	}
}

func TestComputeRefund_CustomerPartialNotice(t *testing.T) {
	policy := DefaultRefundPolicy()
	now := time.Now().UTC()
	start := now.Add(26 * time.Hour)

	r := policy.ComputeRefund(10000, start, now, RoleCustomer)
	if r.Percentage != 50 {
		t.Errorf("Expected 50%% refund with 26h notice, got %d%%", r.Percentage)
	}
	if r.Amount != 5000 {
		t.Errorf("Expected refund 5000, got %d", r.Amount)
	}
}

func TestComputeRefund_CustomerShortNotice(t *testing.T) {
	policy := DefaultRefundPolicy()
	now := time.Now().UTC()
	start := now.Add(2 * time.Hour)

	r := policy.ComputeRefund(10000, start, now, RoleCustomer)
	if r.Percentage != 0 {
		t.Errorf("Expected no refund with 2h notice, got %d%%", r.Percentage)
	}
	if r.Amount != 0 {
		t.Errorf("Expected refund 0, got %d", r.Amount)
	}
}

func TestComputeRefund_ProviderAlwaysFull(t *testing.T) {
	policy := DefaultRefundPolicy()
	now := time.Now().UTC()

	// Full refund even with zero notice, and even after the start time.
	for _, notice := range []time.Duration{100 * time.Hour, 2 * time.Hour, 0, -3 * time.Hour} {
		r := policy.ComputeRefund(10000, now.Add(notice), now, RoleProvider)
		if r.Percentage != 100 || r.Amount != 10000 {
			t.Errorf("Provider cancel with %v notice: got %d%% / %d, want 100%% / 10000",
				notice, r.Percentage, r.Amount)
		}
	}
}

func TestComputeRefund_ExactBoundaries(t *testing.T) {
	policy := DefaultRefundPolicy()
	now := time.Now().UTC()

	// At exactly the full-refund threshold, the customer still gets 100%.
	r := policy.ComputeRefund(10000, now.Add(48*time.Hour), now, RoleCustomer)
	if r.Percentage != 100 {
		t.Errorf("Expected 100%% at exactly 48h, got %d%%", r.Percentage)
	}

	// At exactly the partial threshold, 50%.
	r = policy.ComputeRefund(10000, now.Add(24*time.Hour), now, RoleCustomer)
	if r.Percentage != 50 {
		t.Errorf("Expected 50%% at exactly 24h, got %d%%", r.Percentage)
	}

	// Just under the partial threshold, nothing.
	r = policy.ComputeRefund(10000, now.Add(24*time.Hour-time.Minute), now, RoleCustomer)
	if r.Percentage != 0 {
		t.Errorf("Expected 0%% just under 24h, got %d%%", r.Percentage)
	}
}

func TestComputeRefund_MonotoneInNotice(t *testing.T) {
	// More notice never yields a smaller refund.
	policy := DefaultRefundPolicy()
	now := time.Now().UTC()

	prev := int64(-1)
	for h := 0; h <= 72; h++ {
		r := policy.ComputeRefund(10000, now.Add(time.Duration(h)*time.Hour), now, RoleCustomer)
		if r.Amount < prev {
			t.Fatalf("Refund decreased from %d to %d at %dh notice", prev, r.Amount, h)
		}
		prev = r.Amount
	}
}

func TestComputeRefund_PartialFloorsOddAmounts(t *testing.T) {
	policy := DefaultRefundPolicy()
	now := time.Now().UTC()
	start := now.Add(30 * time.Hour)

	r := policy.ComputeRefund(101, start, now, RoleCustomer)
	if r.Amount != 50 {
		t.Errorf("Expected floored refund 50 of 101, got %d", r.Amount)
	}
}

func TestComputeRefund_CustomPolicy(t *testing.T) {
	policy := RefundPolicy{FullRefundHours: 72, PartialRefundHours: 12, PartialRefundPct: 25}
	now := time.Now().UTC()

	r := policy.ComputeRefund(1000, now.Add(48*time.Hour), now, RoleCustomer)
	if r.Percentage != 25 || r.Amount != 250 {
		t.Errorf("Expected 25%% / 250 under custom policy, got %d%% / %d", r.Percentage, r.Amount)
	}
}
