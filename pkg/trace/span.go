package trace

import "github.com/proofkeep/flightcore/pkg/canon"

// Status is a span's lifecycle state.
type Status string

const (
	StatusOpen      Status = "open"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Span groups an ordered set of events under one logical unit of work.
// Membership freezes the moment the span closes: addEvent on a closed span
// fails with ErrSpanClosed.
type Span struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	ParentID   string                 `json:"parentId,omitempty"`
	Visibility Visibility             `json:"visibility"`
	StartedAt  string                 `json:"startedAt"`
	EndedAt    string                 `json:"endedAt,omitempty"`
	Status     Status                 `json:"status"`
	Metadata   map[string]interface{} `json:"metadata"`

	// EventHashes is the ordered list of event hashes added to this span,
	// exactly the slice spanHash is computed over.
	EventHashes []string `json:"eventHashes"`
}

// attrsWithoutHash is the canonical payload spanHash is built from:
// span_attrs_without_hash plus eventHashes_in_order (spec §4.6). metadata is
// a required span attribute, so it is always present, even when empty.
func (s *Span) attrsWithoutHash() map[string]interface{} {
	metadata := s.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	m := map[string]interface{}{
		"id":          s.ID,
		"name":        s.Name,
		"visibility":  s.Visibility,
		"startedAt":   s.StartedAt,
		"status":      s.Status,
		"metadata":    metadata,
		"eventHashes": append([]string(nil), s.EventHashes...),
	}
	if s.ParentID != "" {
		m["parentId"] = s.ParentID
	}
	if s.EndedAt != "" {
		m["endedAt"] = s.EndedAt
	}
	return m
}

func (s *Span) isClosed() bool {
	return s.Status == StatusCompleted || s.Status == StatusFailed
}

// spanHash computes H("leaf", canonical(span_attrs_without_hash)) per
// spec §4.6.
func spanHash(s *Span) ([32]byte, error) {
	return canon.HashCanonical(canon.DomainMerkleLeaf, s.attrsWithoutHash())
}
