package provenance

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/proofkeep/flightcore/pkg/anchor"
	"github.com/proofkeep/flightcore/pkg/batch"
	"github.com/proofkeep/flightcore/pkg/flightrecorder"
	"github.com/proofkeep/flightcore/pkg/metrics"
	"github.com/proofkeep/flightcore/pkg/monitor"
	"github.com/proofkeep/flightcore/pkg/quorum"
	"github.com/proofkeep/flightcore/pkg/signing"
	"github.com/proofkeep/flightcore/pkg/storage"
	"github.com/proofkeep/flightcore/pkg/trace"
)

// RecorderConfig wires together every dependency the end-to-end capture
// flow needs: the store a finalized session's chunks/manifest land in, the
// signer that attests the manifest, and the accumulator its commitment
// folds into. Quorum and the monitor pipeline are invoked separately
// (SubmitWitness, RunSafetyMonitors) since they run on their own cadence
// against an already-finalized Result, not synchronously with capture.
// Metrics is optional; a nil value disables counter increments.
type RecorderConfig struct {
	Store       storage.Adapter
	Signer      signing.Signer
	Accumulator *batch.Accumulator
	Metrics     *metrics.Collectors
}

// Recorder drives one trace.Run from capture through storage, signing,
// anchor encoding, and batch inclusion (spec §2's described flow:
// Event -> C5 -> C3 rolling hash -> C4 buffer/chunk -> C2 leaf -> C6
// manifest -> C13 sign -> C11 store -> C12 encode -> anchor worker).
type Recorder struct {
	cfg RecorderConfig
}

// NewRecorder constructs a Recorder. Store, Signer, and Accumulator must
// all be non-nil.
func NewRecorder(cfg RecorderConfig) (*Recorder, error) {
	if cfg.Store == nil {
		return nil, Wrap(CodeStorageFailure, "storage_unconfigured", "recorder requires a storage adapter", nil)
	}
	if cfg.Signer == nil {
		return nil, Wrap(CodeInvalidActivation, "signer_unconfigured", "recorder requires a signer", nil)
	}
	if cfg.Accumulator == nil {
		return nil, Wrap(CodeBatchAccumulatorError, "accumulator_unconfigured", "recorder requires a batch accumulator", nil)
	}
	return &Recorder{cfg: cfg}, nil
}

// Result is everything a finalized, stored, signed session produces.
type Result struct {
	Bundle      *trace.Bundle
	Manifest    *trace.ManifestV2
	Signature   *signing.Signature
	ManifestRef storage.Ref
	ChunkRefs   []storage.Ref
	Anchor      anchor.Entry
}

// FinalizeSessionInput carries everything Finalize needs beyond what the
// Run itself already tracked: the manifest's descriptive groups and the
// duration of the captured session.
type FinalizeSessionInput struct {
	Inputs     trace.ManifestInputs
	Params     trace.ManifestParams
	Runtime    trace.ManifestRuntime
	Outputs    trace.ManifestOutputs
	DurationMs int64

	Attestation *trace.ManifestAttestation
	StorageURI  string // optional hint carried into the anchor entry
}

// FinalizeSession seals run, stores its chunks and manifest, signs the
// manifest hash, folds the session's commitment into the batch
// accumulator, and encodes an anchor entry — the synchronous portion of
// the spec §2 flow up to "anchor worker". Safety monitoring (C8) and
// witness quorum (C9) are independent, asynchronous consumers of the
// returned Result and are invoked separately.
func (r *Recorder) FinalizeSession(ctx context.Context, run *trace.Run, in FinalizeSessionInput) (*Result, error) {
	bundle, err := run.Finalize()
	if err != nil {
		return nil, Wrap(CodeInvalidEvent, "finalize_failed", "finalize trace run", err)
	}

	chunkRefs := make([]storage.Ref, 0, len(bundle.Chunks))
	chunkMeta := make([]trace.ChunkRef, 0, len(bundle.Chunks))
	for _, chunk := range bundle.Chunks {
		frame, err := flightrecorder.EncodeFrame(chunk)
		if err != nil {
			return nil, Wrap(CodeChunkIntegrityError, "chunk_encode_failed", "encode chunk frame", err)
		}
		ref, err := r.cfg.Store.Store(ctx, frame)
		if err != nil {
			return nil, Wrap(CodeStorageFailure, "chunk_store_failed", "store chunk", err)
		}
		chunkRefs = append(chunkRefs, ref)
		chunkMeta = append(chunkMeta, trace.ChunkRef{
			ID:              fmt.Sprintf("%s-%d", bundle.SessionID, chunk.Meta.Index),
			Hash:            chunk.ContentHashHex(),
			Size:            len(chunk.Ciphertext),
			StorageURI:      ref.URI,
			EncryptionKeyID: chunk.KeyID,
			Compression:     chunk.Compression,
		})
		if r.cfg.Metrics != nil {
			r.cfg.Metrics.ChunksSealed.Inc()
		}
	}
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.EventsRecorded.Add(float64(bundle.TotalEvents))
	}

	manifest, err := trace.BuildManifest(bundle, in.Inputs, in.Params, in.Runtime, chunkMeta, in.Outputs, in.DurationMs, in.Attestation)
	if err != nil {
		return nil, Wrap(CodeHashMismatch, "manifest_build_failed", "build manifest", err)
	}

	manifestHashBytes, err := hex.DecodeString(manifest.ManifestHash)
	if err != nil {
		return nil, Wrap(CodeHashMismatch, "manifest_hash_decode_failed", "decode manifest hash hex", err)
	}
	sig, err := signing.SignManifestHash(r.cfg.Signer, manifestHashBytes)
	if err != nil {
		return nil, Wrap(CodeInvalidActivation, "sign_failed", "sign manifest hash", err)
	}

	manifestRef, err := r.cfg.Store.StoreManifest(ctx, manifest)
	if err != nil {
		return nil, Wrap(CodeStorageFailure, "manifest_store_failed", "store manifest", err)
	}

	if err := r.cfg.Accumulator.AddItem(batch.Item{
		SessionID:    bundle.SessionID,
		RootHash:     bundle.RootHash,
		MerkleRoot:   bundle.MerkleRoot,
		ManifestHash: manifest.ManifestHash,
		Timestamp:    bundle.EndedAt,
	}); err != nil {
		return nil, Wrap(CodeBatchAccumulatorError, "accumulator_add_failed", "add item to batch accumulator", err)
	}

	storageURI := in.StorageURI
	if storageURI == "" {
		storageURI = manifestRef.URI
	}
	itemCount := len(chunkMeta)
	entry, err := anchor.NewEntry(anchor.EntryInput{
		Type:         anchor.EntryProcessTrace,
		RootHash:     bundle.RootHash,
		ManifestHash: manifest.ManifestHash,
		MerkleRoot:   bundle.MerkleRoot,
		ItemCount:    &itemCount,
		AgentID:      bundle.AgentID,
		StorageURI:   storageURI,
		Timestamp:    bundle.EndedAt,
	})
	if err != nil {
		return nil, Wrap(CodeInvalidEvent, "anchor_encode_failed", "encode anchor entry", err)
	}

	return &Result{
		Bundle:      bundle,
		Manifest:    manifest,
		Signature:   sig,
		ManifestRef: manifestRef,
		ChunkRefs:   chunkRefs,
		Anchor:      entry,
	}, nil
}

// RunSafetyMonitors evaluates res through the safety monitor pipeline
// (C8), binding the report to res's rootHash/manifestHash. This is the
// independent "C8 reads the finalized trace" leg of the spec §2 flow.
func (r *Recorder) RunSafetyMonitors(ctx context.Context, pipeline *monitor.Pipeline, res *Result, cfg monitor.Config) (*monitor.Report, error) {
	cfg.BaseRootHash = res.Bundle.RootHash
	cfg.BaseManifestHash = res.Manifest.ManifestHash
	report, err := pipeline.Run(ctx, cfg)
	if err != nil {
		return nil, Wrap(CodeMonitorExecutionFailed, "monitor_pipeline_failed", "run safety monitor pipeline", err)
	}
	return report, nil
}

// SubmitWitness records one witness's attestation against res and an
// already-produced safety report's monitorConfigHash, plus an
// attestation-evidence hash supplied by the caller's attestor (e.g. the
// TEE quote hash referenced by res.Manifest.Attestation). This is the
// independent "C9 collects multi-witness observations" leg.
func (r *Recorder) SubmitWitness(q *quorum.Quorum, witnessID, attestorID string, res *Result, attestationEvidenceHash, monitorConfigHash, timestamp string) error {
	err := q.AddObservation(quorum.Observation{
		WitnessID:               witnessID,
		AttestorID:              attestorID,
		BaseRootHash:            res.Bundle.RootHash,
		BaseManifestHash:        res.Manifest.ManifestHash,
		AttestationEvidenceHash: attestationEvidenceHash,
		MonitorConfigHash:       monitorConfigHash,
		Timestamp:               timestamp,
	})
	if err != nil {
		return Wrap(CodeInvalidObservation, "witness_rejected", "submit witness observation", err)
	}
	return nil
}

// GenerateCertificate produces a quorum certificate from q's current
// observations (at least one is required; the certificate's QuorumMet
// records whether the threshold was reached), incrementing the
// certificates-issued counter on success.
func (r *Recorder) GenerateCertificate(q *quorum.Quorum) (*quorum.Certificate, error) {
	cert, err := q.GenerateCertificate()
	if err != nil {
		return nil, Wrap(CodeInvalidObservation, "certificate_generation_failed", "generate quorum certificate", err)
	}
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.CertificatesIssued.Inc()
	}
	return cert, nil
}
