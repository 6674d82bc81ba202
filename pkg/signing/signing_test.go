package signing

import (
	"bytes"
	"testing"
)

func TestEd25519SignVerifyRoundTrip(t *testing.T) {
	s, err := NewEd25519WithNewKey()
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	manifestHash := []byte("0123456789abcdef0123456789abcdef")
	sig, err := SignManifestHash(s, manifestHash)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if sig.Algorithm != AlgorithmEd25519 {
		t.Fatalf("expected ed25519, got %s", sig.Algorithm)
	}
	ok, err := Verify(sig, manifestHash)
	if err != nil || !ok {
		t.Fatalf("expected verification to pass, ok=%v err=%v", ok, err)
	}
}

func TestEd25519VerifyFailsOnTamperedHash(t *testing.T) {
	s, err := NewEd25519WithNewKey()
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	manifestHash := []byte("original-manifest-hash")
	sig, err := SignManifestHash(s, manifestHash)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	ok, err := Verify(sig, []byte("tampered-manifest-hash"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected verification to fail against a different hash")
	}
}

func TestEd25519FromSeedIsDeterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{0x11}, 32)
	a, err := NewEd25519FromSeed(seed)
	if err != nil {
		t.Fatalf("from seed: %v", err)
	}
	b, err := NewEd25519FromSeed(seed)
	if err != nil {
		t.Fatalf("from seed: %v", err)
	}
	if !bytes.Equal(a.PublicKey(), b.PublicKey()) {
		t.Fatal("expected same seed to produce the same public key")
	}
}

func TestSecp256k1SignVerifyRoundTrip(t *testing.T) {
	s, err := NewSecp256k1WithNewKey()
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	manifestHash := []byte("0123456789abcdef0123456789abcdef")
	sig, err := SignManifestHash(s, manifestHash)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if sig.Algorithm != AlgorithmSecp256k1 {
		t.Fatalf("expected secp256k1, got %s", sig.Algorithm)
	}
	ok, err := Verify(sig, manifestHash)
	if err != nil || !ok {
		t.Fatalf("expected verification to pass, ok=%v err=%v", ok, err)
	}
}

func TestVerifyRejectsUnsupportedAlgorithm(t *testing.T) {
	sig := &Signature{Algorithm: "bogus", PublicKey: []byte{1, 2, 3}, Signature: []byte{4, 5, 6}}
	_, err := Verify(sig, []byte("data"))
	if err == nil {
		t.Fatal("expected error for unsupported algorithm")
	}
}
