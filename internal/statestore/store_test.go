package statestore

import (
	"testing"

	"github.com/mutua/hourledger/internal/domain"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveLoadRoundtrip(t *testing.T) {
	s := openStore(t)

	state := domain.CurrencyState{ExternalTradesStreamCursor: "12345-6"}
	if err := s.Save("TST1", state); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.Load("TST1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got == nil || got.ExternalTradesStreamCursor != "12345-6" {
		t.Fatalf("unexpected state %+v", got)
	}

	// Saving again overwrites.
	state.ExternalTradesStreamCursor = "12346-1"
	if err := s.Save("TST1", state); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err = s.Load("TST1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.ExternalTradesStreamCursor != "12346-1" {
		t.Fatalf("unexpected cursor %s", got.ExternalTradesStreamCursor)
	}
}

func TestLoadMissing(t *testing.T) {
	s := openStore(t)

	got, err := s.Load("NONE")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil state for an unknown currency, got %+v", got)
	}
}

func TestCurrenciesAreIsolated(t *testing.T) {
	s := openStore(t)

	if err := s.Save("AAAA", domain.CurrencyState{ExternalTradesStreamCursor: "1"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Save("BBBB", domain.CurrencyState{ExternalTradesStreamCursor: "2"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	a, err := s.Load("AAAA")
	if err != nil || a == nil {
		t.Fatalf("load AAAA: %v", err)
	}
	b, err := s.Load("BBBB")
	if err != nil || b == nil {
		t.Fatalf("load BBBB: %v", err)
	}
	if a.ExternalTradesStreamCursor != "1" || b.ExternalTradesStreamCursor != "2" {
		t.Fatalf("states bled across currencies: %+v %+v", a, b)
	}
}
