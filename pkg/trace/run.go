package trace

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/proofkeep/flightcore/pkg/canon"
	"github.com/proofkeep/flightcore/pkg/flightrecorder"
	"github.com/proofkeep/flightcore/pkg/merkle"
)

var ErrRunFinalized = errors.New("trace: run already finalized")

// RunConfig seeds a Run. KeyProvider and SessionID feed the chunk builder;
// ChunkSizeBytes <= 0 selects flightrecorder.DefaultChunkSizeBytes.
type RunConfig struct {
	RunID          string
	AgentID        string
	SessionID      string
	CreatedAt      string
	KeyProvider    flightrecorder.KeyProvider
	ChunkSizeBytes int
	Compression    string
	Clock          func() time.Time
	// Metadata carries caller-defined parenting/provenance information
	// (e.g. a safety pipeline's baseRootHash/baseManifestHash/
	// monitorConfigHash) through to the finalized Bundle unchanged.
	Metadata map[string]interface{}
}

// Run is a single trace's sequential append log: addSpan, addEvent,
// closeSpan, and finalize must be totally ordered by the caller (spec §5 —
// this type adds a mutex so a documented internal lock enforces that single
// writer progresses at a time, but callers should not rely on interleaving
// semantics beyond "last writer wins the point-in-time view").
type Run struct {
	mu  sync.Mutex
	cfg RunConfig

	chain  *flightrecorder.Chain
	chunks *flightrecorder.ChunkBuilder

	spans     map[string]*Span
	spanOrder []string
	events    []*Event

	builtChunks []*flightrecorder.Chunk
	finalized   bool
}

// NewRun seeds the rolling hash chain and chunk builder for a new trace.
func NewRun(cfg RunConfig) (*Run, error) {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Compression == "" {
		cfg.Compression = flightrecorder.CompressionNone
	}
	chain, err := flightrecorder.NewChain(cfg.RunID, cfg.AgentID, cfg.CreatedAt)
	if err != nil {
		return nil, err
	}
	chunks, err := flightrecorder.NewChunkBuilder(cfg.SessionID, cfg.KeyProvider, cfg.ChunkSizeBytes, cfg.Compression)
	if err != nil {
		return nil, err
	}
	return &Run{
		cfg:    cfg,
		chain:  chain,
		chunks: chunks,
		spans:  make(map[string]*Span),
	}, nil
}

func (r *Run) now() string {
	return r.cfg.Clock().UTC().Format(time.RFC3339)
}

// AddSpan opens a new span. parentID may be empty for a root span. metadata
// may be nil; it is carried as the span's opaque string-to-JSON mapping.
func (r *Run) AddSpan(name, parentID string, visibility Visibility, metadata map[string]interface{}) (*Span, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return nil, ErrRunFinalized
	}
	if visibility == "" {
		visibility = VisibilityPublic
	}
	span := &Span{
		ID:         uuid.New().String(),
		Name:       name,
		ParentID:   parentID,
		Visibility: visibility,
		StartedAt:  r.now(),
		Status:     StatusOpen,
		Metadata:   metadata,
	}
	r.spans[span.ID] = span
	r.spanOrder = append(r.spanOrder, span.ID)
	return span, nil
}

// CloseSpan closes span id with status (StatusCompleted or StatusFailed),
// freezing its event membership.
func (r *Run) CloseSpan(id string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return ErrRunFinalized
	}
	span, ok := r.spans[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSpanNotFound, id)
	}
	if span.isClosed() {
		return fmt.Errorf("%w: span %s already closed", ErrSpanClosed, id)
	}
	if status != StatusCompleted && status != StatusFailed {
		return fmt.Errorf("trace: invalid close status %q", status)
	}
	span.Status = status
	span.EndedAt = r.now()
	return nil
}

// AddEvent appends an event to spanID. Caller fills in the kind-specific
// fields of ev; ID, Seq, Ts (if unset), SpanID, Hash, and PrevHash are
// stamped by the run.
func (r *Run) AddEvent(spanID string, ev *Event) (*Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return nil, ErrRunFinalized
	}
	span, ok := r.spans[spanID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSpanNotFound, spanID)
	}
	if span.isClosed() {
		return nil, fmt.Errorf("%w: span %s", ErrSpanClosed, spanID)
	}
	if ev.Visibility == "" {
		ev.Visibility = VisibilityPublic
	}
	if err := ev.ValidateKindFields(); err != nil {
		return nil, err
	}

	ev.ID = uuid.New().String()
	ev.Seq = r.chain.Seq()
	if ev.Ts == "" {
		ev.Ts = r.now()
	}
	ev.SpanID = spanID

	eventHash, prevHash, err := r.chain.Append(ev.canonicalFields())
	if err != nil {
		return nil, err
	}
	ev.Hash = hexEnc32(eventHash)
	ev.PrevHash = hexEnc32(prevHash)

	span.EventHashes = append(span.EventHashes, ev.Hash)
	r.events = append(r.events, ev)

	line, err := canon.Canonicalize(ev)
	if err != nil {
		return nil, fmt.Errorf("trace: canonicalize event for chunk log: %w", err)
	}
	chunk, err := r.chunks.AddEvent(ev.Seq, spanID, line)
	if err != nil {
		return nil, err
	}
	if chunk != nil {
		r.builtChunks = append(r.builtChunks, chunk)
	}

	return ev, nil
}

// Finalize seals the run: flushes the chunk builder, computes the
// span-Merkle tree, and returns an immutable Bundle. Finalize is
// all-or-nothing — on error the run remains usable and unfinalized.
func (r *Run) Finalize() (*Bundle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return nil, ErrRunFinalized
	}

	lastSeq := r.chain.Len() - 1
	if lastSeq < 0 {
		lastSeq = 0
	}
	if chunk, err := r.chunks.Finalize(lastSeq); err != nil {
		return nil, err
	} else if chunk != nil {
		r.builtChunks = append(r.builtChunks, chunk)
	}

	spans := make([]*Span, 0, len(r.spans))
	for _, s := range r.spans {
		spans = append(spans, s)
	}
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].StartedAt != spans[j].StartedAt {
			return spans[i].StartedAt < spans[j].StartedAt
		}
		return spans[i].ID < spans[j].ID
	})

	leafHashes := make([][]byte, len(spans))
	spanHashHex := make([]string, len(spans))
	spanIndex := make(map[string]int, len(spans))
	eventsBySpan := make(map[string][]*Event, len(spans))
	for i, s := range spans {
		h, err := spanHash(s)
		if err != nil {
			return nil, fmt.Errorf("trace: hash span %s: %w", s.ID, err)
		}
		leafHashes[i] = append([]byte(nil), h[:]...)
		spanHashHex[i] = hexEnc32(h)
		spanIndex[s.ID] = i
	}
	for _, ev := range r.events {
		eventsBySpan[ev.SpanID] = append(eventsBySpan[ev.SpanID], ev)
	}

	var tree *merkle.Tree
	var merkleRoot string
	if len(leafHashes) > 0 {
		t, err := merkle.NewTree(leafHashes)
		if err != nil {
			return nil, fmt.Errorf("trace: build span merkle tree: %w", err)
		}
		tree = t
		merkleRoot = t.RootHex()
	} else {
		root, err := merkle.Root(nil, merkle.DefaultDomains)
		if err != nil {
			return nil, err
		}
		merkleRoot = hexEnc32(to32(root))
	}

	endedAt := r.now()
	bundle := &Bundle{
		RunID:        r.cfg.RunID,
		AgentID:      r.cfg.AgentID,
		SessionID:    r.cfg.SessionID,
		CreatedAt:    r.cfg.CreatedAt,
		EndedAt:      endedAt,
		GenesisHash:  hexEnc32(r.chain.GenesisHash()),
		RootHash:     hexEnc32(r.chain.RootHash()),
		MerkleRoot:   merkleRoot,
		Spans:        spans,
		SpanHashHex:  spanHashHex,
		EventsBySpan: eventsBySpan,
		Chunks:       r.builtChunks,
		TotalEvents:  len(r.events),
		TotalSpans:   len(spans),
		Metadata:     r.cfg.Metadata,
		spanTree:     tree,
		spanIndex:    spanIndex,
	}
	if len(spans) > 0 {
		bundle.StartedAt = spans[0].StartedAt
	} else {
		bundle.StartedAt = bundle.CreatedAt
	}

	r.finalized = true
	return bundle, nil
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

func to32(b []byte) [32]byte {
	var out [32]byte
	copy(out[:], b)
	return out
}
