package keypair

import "testing"

func TestSeedRoundtrip(t *testing.T) {
	k, err := Random()
	if err != nil {
		t.Fatalf("random: %v", err)
	}
	restored, err := FromSeed(k.Seed())
	if err != nil {
		t.Fatalf("from seed: %v", err)
	}
	if restored.Address() != k.Address() {
		t.Fatalf("restored address %s, want %s", restored.Address(), k.Address())
	}
}

func TestSignAndVerify(t *testing.T) {
	k, err := Random()
	if err != nil {
		t.Fatalf("random: %v", err)
	}
	msg := []byte("envelope hash")
	sig := k.Sign(msg)
	if !Verify(k.Address(), msg, sig) {
		t.Fatalf("valid signature rejected")
	}
	if Verify(k.Address(), []byte("tampered"), sig) {
		t.Fatalf("signature over different message accepted")
	}

	other, err := Random()
	if err != nil {
		t.Fatalf("random: %v", err)
	}
	if Verify(other.Address(), msg, sig) {
		t.Fatalf("signature verified against the wrong key")
	}
}

func TestMalformedInputs(t *testing.T) {
	for _, seed := range []string{"", "X", "Sshort", "Snot-base32!"} {
		if _, err := FromSeed(seed); err == nil {
			t.Fatalf("seed %q accepted", seed)
		}
	}
	for _, addr := range []string{"", "X", "Gshort", "Gnot-base32!"} {
		if IsValidAddress(addr) {
			t.Fatalf("address %q accepted", addr)
		}
	}

	k, err := Random()
	if err != nil {
		t.Fatalf("random: %v", err)
	}
	if !IsValidAddress(k.Address()) {
		t.Fatalf("generated address rejected")
	}
}
