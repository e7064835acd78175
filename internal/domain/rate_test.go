package domain

import "testing"

func TestNewRateReduces(t *testing.T) {
	r := NewRate(10, 100)
	if r.N != 1 || r.D != 10 {
		t.Fatalf("expected 1/10, got %d/%d", r.N, r.D)
	}
	if !r.Inverse().Equals(Rate{N: 10, D: 1}) {
		t.Fatalf("unexpected inverse %+v", r.Inverse())
	}
}

func TestRateValidate(t *testing.T) {
	if err := (Rate{N: 1, D: 10}).Validate(); err != nil {
		t.Fatalf("valid rate rejected: %v", err)
	}
	for _, r := range []Rate{{N: 0, D: 10}, {N: 1, D: 0}, {N: -1, D: 10}} {
		if err := r.Validate(); !IsValidation(err) {
			t.Fatalf("rate %d/%d accepted", r.N, r.D)
		}
	}
}

func TestRateRoundingDirections(t *testing.T) {
	tests := []struct {
		rate      Rate
		amount    string
		wantHours string
		wantLocal string
	}{
		// Exact conversions round neither way.
		{Rate{N: 1, D: 10}, "100", "10.0000000", "1000.0000000"},
		{Rate{N: 1, D: 10}, "0", "0.0000000", "0.0000000"},
		// 1/3 of the smallest unit rounds up to hours but its tenfold
		// rounds down to local.
		{Rate{N: 1, D: 3}, "0.0000001", "0.0000001", "0.0000003"},
		// 3/7: up on the hour leg, down on the local leg.
		{Rate{N: 3, D: 7}, "0.0000001", "0.0000001", "0.0000002"},
		{Rate{N: 3, D: 7}, "1", "0.4285715", "2.3333333"},
	}
	for _, tt := range tests {
		hours, err := tt.rate.MulCeil(tt.amount)
		if err != nil {
			t.Fatalf("MulCeil(%s) at %d/%d: %v", tt.amount, tt.rate.N, tt.rate.D, err)
		}
		if hours != tt.wantHours {
			t.Fatalf("MulCeil(%s) at %d/%d = %s, want %s", tt.amount, tt.rate.N, tt.rate.D, hours, tt.wantHours)
		}
		local, err := tt.rate.DivFloor(tt.amount)
		if err != nil {
			t.Fatalf("DivFloor(%s) at %d/%d: %v", tt.amount, tt.rate.N, tt.rate.D, err)
		}
		if local != tt.wantLocal {
			t.Fatalf("DivFloor(%s) at %d/%d = %s, want %s", tt.amount, tt.rate.N, tt.rate.D, local, tt.wantLocal)
		}
	}
}

func TestRateRejectsBadAmounts(t *testing.T) {
	r := NewRate(1, 10)
	for _, amount := range []string{"", "abc", "-1"} {
		if _, err := r.MulCeil(amount); !IsValidation(err) {
			t.Fatalf("MulCeil(%q) accepted", amount)
		}
		if _, err := r.DivFloor(amount); !IsValidation(err) {
			t.Fatalf("DivFloor(%q) accepted", amount)
		}
	}
}
