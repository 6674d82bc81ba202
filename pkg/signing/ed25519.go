package signing

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Ed25519Signer is the default Signer (spec §4.13).
type Ed25519Signer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

// NewEd25519WithNewKey generates a fresh Ed25519 key pair.
func NewEd25519WithNewKey() (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("signing: generate ed25519 key: %w", err)
	}
	return &Ed25519Signer{privateKey: priv, publicKey: pub}, nil
}

// NewEd25519FromSeed loads a signer from a 32-byte seed, matching the
// teacher's seed-based key loading idiom.
func NewEd25519FromSeed(seed []byte) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing: ed25519 seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Ed25519Signer{privateKey: priv, publicKey: priv.Public().(ed25519.PublicKey)}, nil
}

// NewEd25519FromKeyHex loads a signer from a hex-encoded private key.
func NewEd25519FromKeyHex(keyHex string) (*Ed25519Signer, error) {
	raw, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("signing: decode ed25519 key hex: %w", err)
	}
	if len(raw) == ed25519.SeedSize {
		return NewEd25519FromSeed(raw)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("signing: invalid ed25519 private key size: %d", len(raw))
	}
	priv := ed25519.PrivateKey(raw)
	return &Ed25519Signer{privateKey: priv, publicKey: priv.Public().(ed25519.PublicKey)}, nil
}

func (s *Ed25519Signer) Sign(data []byte) ([]byte, error) {
	return ed25519.Sign(s.privateKey, data), nil
}

func (s *Ed25519Signer) PublicKey() []byte { return append([]byte(nil), s.publicKey...) }

func (s *Ed25519Signer) Algorithm() Algorithm { return AlgorithmEd25519 }

func verifyEd25519(publicKey, data, sig []byte) (bool, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("%w: invalid ed25519 public key size %d", ErrVerificationFailed, len(publicKey))
	}
	if len(sig) != ed25519.SignatureSize {
		return false, fmt.Errorf("%w: invalid ed25519 signature size %d", ErrVerificationFailed, len(sig))
	}
	return ed25519.Verify(publicKey, data, sig), nil
}

var _ Signer = (*Ed25519Signer)(nil)
