// Package signing implements the pluggable Signer trait (C13): manifest
// hash signing and verification over ed25519 (default) or secp256k1.
package signing

import (
	"errors"
	"fmt"
)

var (
	ErrVerificationFailed = errors.New("signing: signature verification failed")
	ErrUnsupportedAlgorithm = errors.New("signing: unsupported algorithm")
)

// Algorithm identifies a signing scheme.
type Algorithm string

const (
	AlgorithmEd25519   Algorithm = "ed25519"
	AlgorithmSecp256k1 Algorithm = "secp256k1"
)

// Signer signs arbitrary byte payloads (in practice, a manifest hash) and
// exposes the public key needed to verify them.
type Signer interface {
	Sign(data []byte) ([]byte, error)
	PublicKey() []byte
	Algorithm() Algorithm
}

// Signature is a signed manifest hash as carried alongside a bundle (spec
// §4.13): the algorithm used, the signer's public key, and the raw
// signature bytes.
type Signature struct {
	Algorithm Algorithm `json:"algorithm"`
	PublicKey []byte    `json:"publicKey"`
	Signature []byte    `json:"signature"`
}

// SignManifestHash signs manifestHash with s and wraps the result in a
// Signature envelope.
func SignManifestHash(s Signer, manifestHash []byte) (*Signature, error) {
	sig, err := s.Sign(manifestHash)
	if err != nil {
		return nil, fmt.Errorf("signing: sign manifest hash: %w", err)
	}
	return &Signature{Algorithm: s.Algorithm(), PublicKey: s.PublicKey(), Signature: sig}, nil
}

// Verify recomputes verification of sig against manifestHash using the
// algorithm named in sig — it never trusts a caller-asserted algorithm
// other than the one carried in the signature itself.
func Verify(sig *Signature, manifestHash []byte) (bool, error) {
	if sig == nil {
		return false, fmt.Errorf("%w: nil signature", ErrVerificationFailed)
	}
	switch sig.Algorithm {
	case AlgorithmEd25519:
		return verifyEd25519(sig.PublicKey, manifestHash, sig.Signature)
	case AlgorithmSecp256k1:
		return verifySecp256k1(sig.PublicKey, manifestHash, sig.Signature)
	default:
		return false, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, sig.Algorithm)
	}
}
