package domain

import "testing"

func TestAssetIdentity(t *testing.T) {
	a := NewAsset("TEST", "GISSUER")
	if !a.Equals(NewAsset("TEST", "GISSUER")) {
		t.Fatalf("equal assets differ")
	}
	// Same code from a different issuer is a different asset.
	if a.Equals(NewAsset("TEST", "GOTHER")) {
		t.Fatalf("different issuers compared equal")
	}
	if !NewAsset(GlobalHourCode, "GANY").IsHour() || a.IsHour() {
		t.Fatalf("hour detection broken")
	}
}

func TestParseAsset(t *testing.T) {
	a, err := ParseAsset("TEST:GISSUER")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if a.Code != "TEST" || a.Issuer != "GISSUER" {
		t.Fatalf("unexpected asset %+v", a)
	}
	if a.String() != "TEST:GISSUER" {
		t.Fatalf("unexpected rendering %s", a.String())
	}

	for _, s := range []string{"", "TEST", "TOOLONGASSETCODE:G", ":GISSUER", "TEST:"} {
		if _, err := ParseAsset(s); !IsValidation(err) {
			t.Fatalf("ParseAsset(%q) accepted", s)
		}
	}
}

func TestCurrencyConfigValidate(t *testing.T) {
	valid := CurrencyConfig{Code: "TST1", Rate: NewRate(1, 10)}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	if valid.InitialCredit() != "0" {
		t.Fatalf("empty initial credit must default to 0")
	}

	bad := []CurrencyConfig{
		{Code: "test", Rate: NewRate(1, 10)},
		{Code: "TOOLONG", Rate: NewRate(1, 10)},
		{Code: "TST1", Rate: Rate{}},
		{Code: "TST1", Rate: NewRate(1, 10), ExternalTraderInitialCredit: "-5"},
		{Code: "TST1", Rate: NewRate(1, 10), ExternalTraderMaximumBalance: "abc"},
	}
	for _, cfg := range bad {
		if err := cfg.Validate(); !IsValidation(err) {
			t.Fatalf("config %+v accepted", cfg)
		}
	}
}

func TestErrorKinds(t *testing.T) {
	if !IsNotFound(NotFoundf("missing")) || !IsValidation(Validationf("bad")) ||
		!IsInsufficientBalance(InsufficientBalancef("short")) || !IsInternal(Internalf("broken")) {
		t.Fatalf("kind predicates broken")
	}
	if IsNotFound(Validationf("bad")) {
		t.Fatalf("kinds overlap")
	}
	if KindOf(Internalf("x")) != KindInternal {
		t.Fatalf("unexpected kind")
	}
}
