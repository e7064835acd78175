// Package keypair provides the ed25519 key identities used by ledger
// accounts. Addresses are the base32 form of the public key with a "G"
// prefix; seeds use an "S" prefix. Private keys are never stored by the
// engine: callers hold seeds and pass keypairs per call.
package keypair

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base32"
	"strings"

	"github.com/pkg/errors"
)

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// Full is a keypair holding both halves of an ed25519 key.
type Full struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

// Random generates a new keypair from crypto/rand.
func Random() (*Full, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "generating keypair")
	}
	return &Full{pub: pub, priv: priv}, nil
}

// FromSeed rebuilds a keypair from a seed string produced by Seed.
func FromSeed(seed string) (*Full, error) {
	if !strings.HasPrefix(seed, "S") {
		return nil, errors.Errorf("malformed seed")
	}
	raw, err := b32.DecodeString(seed[1:])
	if err != nil || len(raw) != ed25519.SeedSize {
		return nil, errors.Errorf("malformed seed")
	}
	priv := ed25519.NewKeyFromSeed(raw)
	return &Full{pub: priv.Public().(ed25519.PublicKey), priv: priv}, nil
}

// Address returns the public account address.
func (f *Full) Address() string {
	return "G" + b32.EncodeToString(f.pub)
}

// Seed returns the secret seed. Callers persisting currency keys store
// this value; the engine itself never does.
func (f *Full) Seed() string {
	return "S" + b32.EncodeToString(f.priv.Seed())
}

// Sign signs msg with the private key.
func (f *Full) Sign(msg []byte) []byte {
	return ed25519.Sign(f.priv, msg)
}

// Verify checks sig over msg against the given account address.
func Verify(address string, msg, sig []byte) bool {
	pub, err := PublicKey(address)
	if err != nil {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// PublicKey decodes an account address back to its raw public key.
func PublicKey(address string) (ed25519.PublicKey, error) {
	if !strings.HasPrefix(address, "G") {
		return nil, errors.Errorf("malformed address %q", address)
	}
	raw, err := b32.DecodeString(address[1:])
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, errors.Errorf("malformed address %q", address)
	}
	return ed25519.PublicKey(raw), nil
}

// IsValidAddress reports whether s parses as an account address.
func IsValidAddress(s string) bool {
	_, err := PublicKey(s)
	return err == nil
}
