// Package quorum implements the witness quorum (C9): a set of independent
// observers attest to the same four binding hashes, and once enough agree,
// a quorum certificate commits the set.
package quorum

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/proofkeep/flightcore/pkg/canon"
)

var (
	ErrDuplicateWitness             = errors.New("quorum: duplicate witness")
	ErrInvalidObservation           = errors.New("quorum: invalid observation")
	ErrInvalidBinding               = errors.New("quorum: binding mismatch with first accepted observation")
	ErrQuorumNotMet                 = errors.New("quorum: quorum threshold not met")
	ErrCertificateVerificationFailed = errors.New("quorum: certificate verification failed")
)

// Observation is one witness's attestation over the four binding hashes.
type Observation struct {
	WitnessID               string `json:"witnessId"`
	AttestorID               string `json:"attestorId"`
	BaseRootHash             string `json:"baseRootHash"`
	BaseManifestHash         string `json:"baseManifestHash"`
	AttestationEvidenceHash  string `json:"attestationEvidenceHash"`
	MonitorConfigHash        string `json:"monitorConfigHash"`
	Timestamp                string `json:"timestamp"`
	Signature                string `json:"signature,omitempty"`
}

func (o *Observation) bindings() [4]string {
	return [4]string{o.BaseRootHash, o.BaseManifestHash, o.AttestationEvidenceHash, o.MonitorConfigHash}
}

func (o *Observation) validate() error {
	if o.WitnessID == "" {
		return fmt.Errorf("%w: missing witnessId", ErrInvalidObservation)
	}
	if o.BaseRootHash == "" || o.BaseManifestHash == "" || o.AttestationEvidenceHash == "" || o.MonitorConfigHash == "" {
		return fmt.Errorf("%w: missing one or more of the four binding hashes", ErrInvalidObservation)
	}
	if o.Timestamp == "" {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidObservation)
	}
	return nil
}

// Config is a quorum's acceptance policy.
type Config struct {
	MinWitnesses     int
	TimeoutMs        int64
	RequiredBindings int // always 4; kept as a field for forward compatibility per spec's closed-set policy
}

// Quorum collects observations for one set of bindings and can produce a
// certificate once it has at least one.
type Quorum struct {
	mu           sync.Mutex
	cfg          Config
	observations []Observation
	seenWitness  map[string]struct{}
	firstBinding *[4]string
}

// New constructs an empty Quorum. cfg.MinWitnesses <= 0 is treated as 1.
func New(cfg Config) *Quorum {
	if cfg.MinWitnesses <= 0 {
		cfg.MinWitnesses = 1
	}
	if cfg.RequiredBindings == 0 {
		cfg.RequiredBindings = 4
	}
	return &Quorum{cfg: cfg, seenWitness: make(map[string]struct{})}
}

// AddObservation validates and appends obs.
func (q *Quorum) AddObservation(obs Observation) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := obs.validate(); err != nil {
		return err
	}
	if _, dup := q.seenWitness[obs.WitnessID]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateWitness, obs.WitnessID)
	}

	bindings := obs.bindings()
	if q.firstBinding == nil {
		q.firstBinding = &bindings
	} else if *q.firstBinding != bindings {
		return fmt.Errorf("%w: witness %s", ErrInvalidBinding, obs.WitnessID)
	}

	q.seenWitness[obs.WitnessID] = struct{}{}
	q.observations = append(q.observations, obs)
	return nil
}

// IsQuorumMet reports whether enough distinct witnesses have observed.
func (q *Quorum) IsQuorumMet() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.observations) >= q.cfg.MinWitnesses
}

// Certificate is the durable artifact a quorum produces: the agreed
// bindings, the ordered observation set, and a self-describing hash.
type Certificate struct {
	CertificateID            string        `json:"certificateId"`
	BaseRootHash              string        `json:"baseRootHash"`
	BaseManifestHash          string        `json:"baseManifestHash"`
	AttestationEvidenceHash   string        `json:"attestationEvidenceHash"`
	MonitorConfigHash         string        `json:"monitorConfigHash"`
	Observations              []Observation `json:"observations"`
	WitnessCount              int           `json:"witnessCount"`
	QuorumThreshold           int           `json:"quorumThreshold"`
	QuorumMet                 bool          `json:"quorumMet"`
	CertificateHash           string        `json:"certificateHash"`
	CreatedAt                 string        `json:"createdAt"`
}

func (c *Certificate) blanked() Certificate {
	clone := *c
	clone.CertificateHash = ""
	return clone
}

// GenerateCertificate requires at least one observation and folds the
// quorum's state into a hashed certificate.
func (q *Quorum) GenerateCertificate() (*Certificate, error) {
	return q.GenerateCertificateAt(time.Now().UTC().Format(time.RFC3339))
}

// GenerateCertificateAt is GenerateCertificate with an explicit createdAt,
// for deterministic tests.
func (q *Quorum) GenerateCertificateAt(createdAt string) (*Certificate, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.observations) == 0 {
		return nil, fmt.Errorf("%w: no observations", ErrInvalidObservation)
	}

	first := q.observations[0]
	cert := &Certificate{
		CertificateID:           uuid.New().String(),
		BaseRootHash:            first.BaseRootHash,
		BaseManifestHash:        first.BaseManifestHash,
		AttestationEvidenceHash: first.AttestationEvidenceHash,
		MonitorConfigHash:       first.MonitorConfigHash,
		Observations:            append([]Observation(nil), q.observations...),
		WitnessCount:            len(q.observations),
		QuorumThreshold:         q.cfg.MinWitnesses,
		QuorumMet:               len(q.observations) >= q.cfg.MinWitnesses,
		CreatedAt:               createdAt,
	}

	hash, err := hashCertificate(cert)
	if err != nil {
		return nil, err
	}
	cert.CertificateHash = hash
	return cert, nil
}

func hashCertificate(c *Certificate) (string, error) {
	blanked := c.blanked()
	h, err := canon.HashCanonical(canon.DomainQuorumCertificate, &blanked)
	if err != nil {
		return "", fmt.Errorf("quorum: hash certificate: %w", err)
	}
	return hexEnc32(h), nil
}

// Verify recomputes cert's hash and checks every structural invariant spec
// §4.9 requires: witness-count consistency, no duplicate witness IDs,
// binding agreement across all observations, a positive threshold, and
// quorumMet matching witnessCount >= quorumThreshold.
func Verify(cert *Certificate) (bool, error) {
	if cert == nil {
		return false, fmt.Errorf("%w: nil certificate", ErrCertificateVerificationFailed)
	}
	gotHash, err := hashCertificate(cert)
	if err != nil {
		return false, err
	}
	if gotHash != cert.CertificateHash {
		return false, fmt.Errorf("%w: hash mismatch", ErrCertificateVerificationFailed)
	}
	if cert.WitnessCount != len(cert.Observations) {
		return false, fmt.Errorf("%w: witnessCount %d != %d observations", ErrCertificateVerificationFailed, cert.WitnessCount, len(cert.Observations))
	}
	if cert.QuorumThreshold <= 0 {
		return false, fmt.Errorf("%w: non-positive quorumThreshold", ErrCertificateVerificationFailed)
	}

	seen := make(map[string]struct{}, len(cert.Observations))
	wantBindings := [4]string{cert.BaseRootHash, cert.BaseManifestHash, cert.AttestationEvidenceHash, cert.MonitorConfigHash}
	for _, obs := range cert.Observations {
		if _, dup := seen[obs.WitnessID]; dup {
			return false, fmt.Errorf("%w: duplicate witness %s", ErrCertificateVerificationFailed, obs.WitnessID)
		}
		seen[obs.WitnessID] = struct{}{}
		if obs.bindings() != wantBindings {
			return false, fmt.Errorf("%w: witness %s bindings disagree with certificate", ErrCertificateVerificationFailed, obs.WitnessID)
		}
	}

	wantQuorumMet := cert.WitnessCount >= cert.QuorumThreshold
	if cert.QuorumMet != wantQuorumMet {
		return false, fmt.Errorf("%w: quorumMet %v does not match witnessCount/threshold", ErrCertificateVerificationFailed, cert.QuorumMet)
	}
	if !cert.QuorumMet {
		return false, ErrQuorumNotMet
	}
	return true, nil
}

func hexEnc32(h [32]byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, 64)
	for i, b := range h {
		out[i*2] = hextable[b>>4]
		out[i*2+1] = hextable[b&0x0f]
	}
	return string(out)
}
