package trace

import (
	"errors"
	"fmt"

	"github.com/proofkeep/flightcore/pkg/canon"
)

// ManifestFormatVersion is the persisted manifest schema version this
// package produces and verifies. Bumping it is a closed-set extension, not
// an edit to the v2 fields below.
const ManifestFormatVersion = "2.0"

var ErrManifestVerificationFailed = errors.New("trace: manifest verification failed")

// ManifestInputs is the manifest's inputs.* group.
type ManifestInputs struct {
	PromptHash       string `json:"promptHash"`
	SystemPromptHash string `json:"systemPromptHash,omitempty"`
	ToolContextHash  string `json:"toolContextHash,omitempty"`
}

// ManifestParams is the manifest's params.* group.
type ManifestParams struct {
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature,omitempty"`
	TopP        *float64 `json:"topP,omitempty"`
	TopK        *int     `json:"topK,omitempty"`
	MaxTokens   *int     `json:"maxTokens,omitempty"`
}

// ManifestRuntime is the manifest's runtime.* group.
type ManifestRuntime struct {
	RecorderVersion string `json:"recorderVersion"`
	NodeVersion     string `json:"nodeVersion,omitempty"`
	ContainerDigest string `json:"containerDigest,omitempty"`
	GitCommit       string `json:"gitCommit,omitempty"`
}

// ManifestOutputs is the manifest's outputs.* group.
type ManifestOutputs struct {
	TranscriptRollingHash string `json:"transcriptRollingHash"`
	ToolCallCount         int    `json:"toolCallCount"`
	TotalTokens           int    `json:"totalTokens"`
	CompletionTokens      int    `json:"completionTokens"`
}

// ManifestAttestation is the manifest's optional attestation.* group.
type ManifestAttestation struct {
	TEEType        string `json:"teeType"`
	EvidenceHash   string `json:"evidenceHash"`
	EvidenceURI    string `json:"evidenceUri,omitempty"`
	VerifierPolicy string `json:"verifierPolicy"`
	BoundHash      string `json:"boundHash"` // one of rootHash|manifestHash|merkleRoot
}

// ChunkRef is one entry of the manifest's chunks[] array.
type ChunkRef struct {
	ID              string `json:"id"`
	Hash            string `json:"hash"`
	Size            int    `json:"size"`
	StorageURI      string `json:"storageUri"`
	EncryptionKeyID string `json:"encryptionKeyId"`
	Compression     string `json:"compression"`
}

// ManifestV2 is the persisted manifest format described in spec §6.
type ManifestV2 struct {
	FormatVersion string `json:"formatVersion"`
	AgentID       string `json:"agentId"`
	SessionID     string `json:"sessionId"`
	RootHash      string `json:"rootHash"`
	MerkleRoot    string `json:"merkleRoot"`
	ManifestHash  string `json:"manifestHash"`

	Inputs  ManifestInputs  `json:"inputs"`
	Params  ManifestParams  `json:"params"`
	Runtime ManifestRuntime `json:"runtime"`

	Chunks []ChunkRef `json:"chunks"`

	Outputs ManifestOutputs `json:"outputs"`

	CreatedAt  string `json:"createdAt"`
	StartedAt  string `json:"startedAt"`
	EndedAt    string `json:"endedAt"`
	DurationMs int64  `json:"durationMs"`

	TotalEvents int `json:"totalEvents"`
	TotalSpans  int `json:"totalSpans"`

	Attestation *ManifestAttestation `json:"attestation,omitempty"`
}

func (m *ManifestV2) blanked() ManifestV2 {
	clone := *m
	clone.ManifestHash = ""
	return clone
}

// BuildManifest populates all fields from the run's bundle and the
// caller-supplied inputs/params/runtime/outputs, then computes
// manifestHash over the canonical form of the manifest with manifestHash
// blanked (spec §4.6's "blank then rehash" idiom).
func BuildManifest(
	bundle *Bundle,
	inputs ManifestInputs,
	params ManifestParams,
	runtime ManifestRuntime,
	chunks []ChunkRef,
	outputs ManifestOutputs,
	durationMs int64,
	attestation *ManifestAttestation,
) (*ManifestV2, error) {
	m := &ManifestV2{
		FormatVersion: ManifestFormatVersion,
		AgentID:       bundle.AgentID,
		SessionID:     bundle.SessionID,
		RootHash:      bundle.RootHash,
		MerkleRoot:    bundle.MerkleRoot,
		Inputs:        inputs,
		Params:        params,
		Runtime:       runtime,
		Chunks:        chunks,
		Outputs:       outputs,
		CreatedAt:     bundle.CreatedAt,
		StartedAt:     bundle.StartedAt,
		EndedAt:       bundle.EndedAt,
		DurationMs:    durationMs,
		TotalEvents:   bundle.TotalEvents,
		TotalSpans:    bundle.TotalSpans,
		Attestation:   attestation,
	}

	hash, err := hashManifest(m)
	if err != nil {
		return nil, err
	}
	m.ManifestHash = hash
	return m, nil
}

func hashManifest(m *ManifestV2) (string, error) {
	blanked := m.blanked()
	h, err := canon.HashCanonical(canon.DomainManifest, &blanked)
	if err != nil {
		return "", fmt.Errorf("trace: hash manifest: %w", err)
	}
	return hexEnc32(h), nil
}

// VerifyManifest recomputes manifestHash with the hash field blanked and
// compares it to the stored value (spec §8 testable property 6).
func VerifyManifest(m *ManifestV2) (bool, error) {
	got, err := hashManifest(m)
	if err != nil {
		return false, err
	}
	if got != m.ManifestHash {
		return false, fmt.Errorf("%w: got %s, stored %s", ErrManifestVerificationFailed, got, m.ManifestHash)
	}
	return true, nil
}
