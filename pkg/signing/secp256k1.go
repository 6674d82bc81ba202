package signing

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
)

// Secp256k1Signer is the optional secp256k1 backend (spec §4.13). Domain
// hashing throughout this module is SHA-256, not Keccak256 — secp256k1 is
// adopted here only for its signature scheme, not Ethereum's hash function.
type Secp256k1Signer struct {
	privateKey *ecdsa.PrivateKey
	publicKey  []byte // 65-byte uncompressed point
}

// NewSecp256k1WithNewKey generates a fresh secp256k1 key pair.
func NewSecp256k1WithNewKey() (*Secp256k1Signer, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("signing: generate secp256k1 key: %w", err)
	}
	return &Secp256k1Signer{privateKey: priv, publicKey: crypto.FromECDSAPub(&priv.PublicKey)}, nil
}

// NewSecp256k1FromHex loads a signer from a hex-encoded private key, as the
// teacher's EVM strategy loads its validator key.
func NewSecp256k1FromHex(hexKey string) (*Secp256k1Signer, error) {
	priv, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("signing: parse secp256k1 key: %w", err)
	}
	return &Secp256k1Signer{privateKey: priv, publicKey: crypto.FromECDSAPub(&priv.PublicKey)}, nil
}

// Sign signs data directly with crypto.Sign. secp256k1 signatures are over
// a 32-byte digest; callers are expected to pass the raw 32-byte manifest
// hash digest (never its hex encoding, never Keccak256 — this module's
// domain hashing is SHA-256 throughout, per C1).
func (s *Secp256k1Signer) Sign(data []byte) ([]byte, error) {
	if len(data) != 32 {
		return nil, fmt.Errorf("signing: secp256k1 sign: data must be a 32-byte digest, got %d bytes", len(data))
	}
	sig, err := crypto.Sign(data, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("signing: secp256k1 sign: %w", err)
	}
	return sig, nil
}

func (s *Secp256k1Signer) PublicKey() []byte { return append([]byte(nil), s.publicKey...) }

func (s *Secp256k1Signer) Algorithm() Algorithm { return AlgorithmSecp256k1 }

func verifySecp256k1(publicKey, data, sig []byte) (bool, error) {
	if len(data) != 32 {
		return false, fmt.Errorf("%w: data must be a 32-byte digest, got %d bytes", ErrVerificationFailed, len(data))
	}
	if len(sig) < 64 {
		return false, fmt.Errorf("%w: invalid secp256k1 signature size %d", ErrVerificationFailed, len(sig))
	}
	// crypto.VerifySignature expects a signature without the recovery byte.
	sigNoRecovery := sig
	if len(sig) == 65 {
		sigNoRecovery = sig[:64]
	}
	return crypto.VerifySignature(publicKey, data, sigNoRecovery), nil
}

var _ Signer = (*Secp256k1Signer)(nil)
