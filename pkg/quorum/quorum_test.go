package quorum

import (
	"errors"
	"testing"
)

func obs(witnessID string) Observation {
	return Observation{
		WitnessID:               witnessID,
		AttestorID:              "attestor-" + witnessID,
		BaseRootHash:            "root-abc",
		BaseManifestHash:        "manifest-abc",
		AttestationEvidenceHash: "evidence-abc",
		MonitorConfigHash:       "monitor-abc",
		Timestamp:               "2024-01-01T00:00:00Z",
	}
}

// TestS5ThreeWitnessQuorumMet reproduces scenario S5: three witnesses submit
// observations with identical bindings and quorumThreshold=2.
func TestS5ThreeWitnessQuorumMet(t *testing.T) {
	q := New(Config{MinWitnesses: 2})
	for _, w := range []string{"w1", "w2", "w3"} {
		if err := q.AddObservation(obs(w)); err != nil {
			t.Fatalf("add observation %s: %v", w, err)
		}
	}
	if !q.IsQuorumMet() {
		t.Fatal("expected quorum met with 3 witnesses and threshold 2")
	}

	cert, err := q.GenerateCertificateAt("2024-01-01T00:05:00Z")
	if err != nil {
		t.Fatalf("generate certificate: %v", err)
	}
	if !cert.QuorumMet {
		t.Fatal("expected certificate quorumMet=true")
	}
	if cert.WitnessCount != 3 || cert.QuorumThreshold != 2 {
		t.Fatalf("unexpected witnessCount/threshold: %+v", cert)
	}

	ok, err := Verify(cert)
	if err != nil || !ok {
		t.Fatalf("expected verification to pass, got ok=%v err=%v", ok, err)
	}

	// Mutating any one witness's baseRootHash post-hoc must make verification fail.
	cert.Observations[0].BaseRootHash = "tampered-root"
	if ok, err := Verify(cert); ok || err == nil {
		t.Fatal("expected verification to fail after tampering a witness observation")
	}
}

func TestAddObservationRejectsDuplicateWitness(t *testing.T) {
	q := New(Config{MinWitnesses: 1})
	if err := q.AddObservation(obs("w1")); err != nil {
		t.Fatalf("first add: %v", err)
	}
	err := q.AddObservation(obs("w1"))
	if !errors.Is(err, ErrDuplicateWitness) {
		t.Fatalf("expected ErrDuplicateWitness, got %v", err)
	}
}

func TestAddObservationRejectsBindingMismatch(t *testing.T) {
	q := New(Config{MinWitnesses: 1})
	if err := q.AddObservation(obs("w1")); err != nil {
		t.Fatalf("first add: %v", err)
	}
	mismatched := obs("w2")
	mismatched.BaseRootHash = "different-root"
	err := q.AddObservation(mismatched)
	if !errors.Is(err, ErrInvalidBinding) {
		t.Fatalf("expected ErrInvalidBinding, got %v", err)
	}
}

func TestAddObservationRejectsMissingFields(t *testing.T) {
	q := New(Config{MinWitnesses: 1})
	incomplete := obs("w1")
	incomplete.MonitorConfigHash = ""
	err := q.AddObservation(incomplete)
	if !errors.Is(err, ErrInvalidObservation) {
		t.Fatalf("expected ErrInvalidObservation, got %v", err)
	}
}

func TestIsQuorumMetFalseBelowThreshold(t *testing.T) {
	q := New(Config{MinWitnesses: 3})
	if err := q.AddObservation(obs("w1")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if q.IsQuorumMet() {
		t.Fatal("expected quorum not met with only 1 of 3 witnesses")
	}
	cert, err := q.GenerateCertificateAt("2024-01-01T00:00:00Z")
	if err != nil {
		t.Fatalf("generate certificate: %v", err)
	}
	if cert.QuorumMet {
		t.Fatal("expected certificate quorumMet=false")
	}
	// Verify rejects a certificate whose quorum was never met, distinctly
	// from a structural failure.
	ok, err := Verify(cert)
	if ok || !errors.Is(err, ErrQuorumNotMet) {
		t.Fatalf("expected ErrQuorumNotMet, got ok=%v err=%v", ok, err)
	}
}

func TestVerifyRejectsDuplicateWitnessInCertificate(t *testing.T) {
	q := New(Config{MinWitnesses: 2})
	q.AddObservation(obs("w1"))
	q.AddObservation(obs("w2"))
	cert, err := q.GenerateCertificateAt("2024-01-01T00:00:00Z")
	if err != nil {
		t.Fatalf("generate certificate: %v", err)
	}
	cert.Observations = append(cert.Observations, cert.Observations[0])
	cert.WitnessCount = len(cert.Observations)
	// Recompute hash so the tamper under test is the duplicate check itself,
	// not a stale hash.
	hash, err := hashCertificate(cert)
	if err != nil {
		t.Fatalf("rehash: %v", err)
	}
	cert.CertificateHash = hash
	if ok, err := Verify(cert); ok || err == nil {
		t.Fatal("expected verification to reject a duplicate witness in the certificate")
	}
}

func TestVerifyRejectsTamperedQuorumMetFlag(t *testing.T) {
	q := New(Config{MinWitnesses: 5})
	q.AddObservation(obs("w1"))
	cert, err := q.GenerateCertificateAt("2024-01-01T00:00:00Z")
	if err != nil {
		t.Fatalf("generate certificate: %v", err)
	}
	cert.QuorumMet = true // flip the flag without satisfying the threshold
	if ok, err := Verify(cert); ok || err == nil {
		t.Fatal("expected verification to reject a quorumMet flag that contradicts witnessCount/threshold")
	}
}

func TestGenerateCertificateRequiresAtLeastOneObservation(t *testing.T) {
	q := New(Config{MinWitnesses: 1})
	if _, err := q.GenerateCertificate(); err == nil {
		t.Fatal("expected error generating a certificate with no observations")
	}
}
