// Package anchor implements the anchor metadata encoder (C12): a typed,
// chain-metadata-safe encoding of settlement entries for on-chain anchoring.
package anchor

import (
	"fmt"
	"unicode/utf8"
)

// EntryType is the closed set of anchor entry kinds.
type EntryType string

const (
	EntryProcessTrace   EntryType = "process-trace"
	EntryProofOfIntent  EntryType = "proof-of-intent"
	EntryCustom         EntryType = "custom"
)

// EntryVersion is the current AnchorEntry format version.
const EntryVersion = "1.0"

// MetadataSchema identifies the AnchorMetadata envelope format.
const MetadataSchema = "poi-anchor-v1"

// maxFieldBytes is the chain metadata constraint: any string field longer
// than this must be segmented (spec §4.12).
const maxFieldBytes = 64

func (t EntryType) valid() bool {
	switch t {
	case EntryProcessTrace, EntryProofOfIntent, EntryCustom:
		return true
	}
	return false
}

// Entry is one settlement record destined for on-chain anchor metadata.
// String fields are encoded as either a plain string (<=64 UTF-8 bytes) or
// a Segments array, never mixed.
type Entry struct {
	Type         EntryType `json:"type"`
	Version      string    `json:"version"`
	RootHash     Field     `json:"rootHash"`
	ManifestHash Field     `json:"manifestHash"`
	MerkleRoot   *Field    `json:"merkleRoot,omitempty"`
	ItemCount    *int      `json:"itemCount,omitempty"`
	AgentID      *Field    `json:"agentId,omitempty"`
	StorageURI   *Field    `json:"storageUri,omitempty"`
	Timestamp    Field     `json:"timestamp"`
}

// Field is a string field that may need 64-byte segmentation for
// chain-metadata-constrained encoders. Exactly one of Value/Segments is
// populated.
type Field struct {
	Value    string   `json:"value,omitempty"`
	Segments []string `json:"segments,omitempty"`
}

// NewField encodes s, splitting into <=64-byte UTF-8 segments on a
// codepoint boundary if s exceeds maxFieldBytes. Concatenating Segments (or
// returning Value directly) always reproduces s exactly.
func NewField(s string) Field {
	if len(s) <= maxFieldBytes {
		return Field{Value: s}
	}
	var segments []string
	remaining := s
	for len(remaining) > 0 {
		if len(remaining) <= maxFieldBytes {
			segments = append(segments, remaining)
			break
		}
		cut := 0
		for cut < len(remaining) {
			_, size := utf8.DecodeRuneInString(remaining[cut:])
			if cut+size > maxFieldBytes {
				break
			}
			cut += size
		}
		if cut == 0 {
			// A single rune exceeds maxFieldBytes (shouldn't happen for
			// valid UTF-8, max 4 bytes/rune) — emit it whole rather than
			// split it.
			_, size := utf8.DecodeRuneInString(remaining)
			cut = size
		}
		segments = append(segments, remaining[:cut])
		remaining = remaining[cut:]
	}
	return Field{Segments: segments}
}

// String reconstructs the original string from either representation.
func (f Field) String() string {
	if len(f.Segments) > 0 {
		out := ""
		for _, seg := range f.Segments {
			out += seg
		}
		return out
	}
	return f.Value
}

// Metadata is the on-chain anchor metadata envelope (schema poi-anchor-v1).
type Metadata struct {
	Schema  string  `json:"schema"`
	Anchors []Entry `json:"anchors"`
}

// NewMetadata wraps entries in the standard envelope.
func NewMetadata(entries []Entry) Metadata {
	return Metadata{Schema: MetadataSchema, Anchors: entries}
}

// EntryInput is the plain-string form callers build an Entry from; NewEntry
// applies field segmentation where needed.
type EntryInput struct {
	Type         EntryType
	RootHash     string
	ManifestHash string
	MerkleRoot   string
	ItemCount    *int
	AgentID      string
	StorageURI   string
	Timestamp    string
}

// NewEntry validates in and builds a segmentation-safe Entry.
func NewEntry(in EntryInput) (Entry, error) {
	if !in.Type.valid() {
		return Entry{}, fmt.Errorf("anchor: invalid entry type %q", in.Type)
	}
	if in.RootHash == "" || in.ManifestHash == "" || in.Timestamp == "" {
		return Entry{}, fmt.Errorf("anchor: entry missing required field")
	}

	e := Entry{
		Type:         in.Type,
		Version:      EntryVersion,
		RootHash:     NewField(in.RootHash),
		ManifestHash: NewField(in.ManifestHash),
		Timestamp:    NewField(in.Timestamp),
		ItemCount:    in.ItemCount,
	}
	if in.MerkleRoot != "" {
		f := NewField(in.MerkleRoot)
		e.MerkleRoot = &f
	}
	if in.AgentID != "" {
		f := NewField(in.AgentID)
		e.AgentID = &f
	}
	if in.StorageURI != "" {
		f := NewField(in.StorageURI)
		e.StorageURI = &f
	}
	return e, nil
}
