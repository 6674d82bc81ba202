package trace

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/proofkeep/flightcore/pkg/flightrecorder"
	"github.com/proofkeep/flightcore/pkg/merkle"
)

var (
	ErrSpanNotInBundle = errors.New("trace: span not present in bundle")
	ErrDisclosureFailed = errors.New("trace: disclosure verification failed")
)

// Bundle is the immutable result of finalizing a Run: every span and event,
// the rolling-chain root, and the span-Merkle root over them.
type Bundle struct {
	RunID     string
	AgentID   string
	SessionID string
	CreatedAt string
	StartedAt string
	EndedAt   string

	GenesisHash string
	RootHash    string
	MerkleRoot  string

	Spans        []*Span
	SpanHashHex  []string
	EventsBySpan map[string][]*Event
	Chunks       []*flightrecorder.Chunk

	TotalEvents int
	TotalSpans  int
	Metadata    map[string]interface{}

	spanTree  *merkle.Tree
	spanIndex map[string]int
}

// PublicEventView is an event as it appears in the public view of a bundle:
// either the event itself (if public) or an opaque placeholder (if
// private).
type PublicEventView struct {
	ID         string     `json:"id"`
	Seq        int        `json:"seq"`
	Kind       Kind       `json:"kind"`
	Hash       string     `json:"hash"`
	Visibility Visibility `json:"visibility"`
	Event      *Event     `json:"event,omitempty"`
}

// PublicSpanView is a public span with its events redacted per visibility.
type PublicSpanView struct {
	Span   *Span              `json:"span"`
	Events []*PublicEventView `json:"events"`
}

// PublicView builds the selective-disclosure public view of a bundle: all
// public spans, with each private event inside them replaced by an opaque
// placeholder (spec §4.6). Private spans are omitted entirely.
func (b *Bundle) PublicView() []PublicSpanView {
	var out []PublicSpanView
	for _, span := range b.Spans {
		if span.Visibility != VisibilityPublic {
			continue
		}
		events := b.EventsBySpan[span.ID]
		views := make([]*PublicEventView, 0, len(events))
		for _, ev := range events {
			if ev.Visibility == VisibilityPrivate {
				views = append(views, &PublicEventView{
					ID: ev.ID, Seq: ev.Seq, Kind: ev.Kind, Hash: ev.Hash, Visibility: VisibilityPrivate,
				})
				continue
			}
			views = append(views, &PublicEventView{
				ID: ev.ID, Seq: ev.Seq, Kind: ev.Kind, Hash: ev.Hash, Visibility: ev.Visibility, Event: ev,
			})
		}
		out = append(out, PublicSpanView{Span: span, Events: views})
	}
	return out
}

// Disclosure is the result of disclosing a private span: its full content
// plus a Merkle inclusion proof of its hash against the bundle's
// MerkleRoot.
type Disclosure struct {
	Span        *Span                   `json:"span"`
	Events      []*Event                `json:"events"`
	MerkleProof *merkle.InclusionProof  `json:"merkleProof"`
}

// DiscloseSpan produces a verifiable disclosure of spanID's full content,
// regardless of the span's own visibility — callers gate who is allowed to
// request disclosure; the core only proves what it discloses is authentic.
func (b *Bundle) DiscloseSpan(spanID string) (*Disclosure, error) {
	idx, ok := b.spanIndex[spanID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSpanNotInBundle, spanID)
	}
	if b.spanTree == nil {
		return nil, fmt.Errorf("%w: bundle has no span tree", ErrSpanNotInBundle)
	}
	proof, err := b.spanTree.GenerateProof(idx)
	if err != nil {
		return nil, fmt.Errorf("trace: generate disclosure proof: %w", err)
	}
	return &Disclosure{
		Span:        b.Spans[idx],
		Events:      b.EventsBySpan[spanID],
		MerkleProof: proof,
	}, nil
}

// VerifyDisclosure recomputes spanHash from the disclosed span content and
// checks the Merkle proof against merkleRoot (spec §4.6, testable property
// 7). It does NOT trust Disclosure.MerkleProof.LeafHash; it recomputes the
// leaf from Disclosure.Span itself.
func VerifyDisclosure(d *Disclosure, merkleRootHex string) (bool, error) {
	if d == nil || d.MerkleProof == nil {
		return false, ErrDisclosureFailed
	}
	leafHash, err := spanHash(d.Span)
	if err != nil {
		return false, err
	}
	root, err := hex.DecodeString(merkleRootHex)
	if err != nil {
		return false, fmt.Errorf("%w: invalid merkle root hex: %v", ErrDisclosureFailed, err)
	}
	ok, err := merkle.VerifyProof(leafHash[:], d.MerkleProof, root)
	if err != nil {
		return false, err
	}
	return ok, nil
}
