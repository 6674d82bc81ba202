// Package batch implements the L2 batch accumulator (C10): a running
// Merkle fold over per-session commitments, closed periodically into an
// anchor batch for L1 settlement.
package batch

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/proofkeep/flightcore/pkg/canon"
	"github.com/proofkeep/flightcore/pkg/merkle"
)

// Item is a single session commitment pending inclusion in the next batch.
type Item struct {
	SessionID    string `json:"sessionId"`
	RootHash     string `json:"rootHash"`
	MerkleRoot   string `json:"merkleRoot"`
	ManifestHash string `json:"manifestHash"`
	Timestamp    string `json:"timestamp"`
}

func (it *Item) leafHash() ([32]byte, error) {
	h, err := canon.HashCanonical(canon.DomainBatchItem, it)
	if err != nil {
		return [32]byte{}, fmt.Errorf("batch: hash item: %w", err)
	}
	return h, nil
}

// HistoryEntry records one committed batch's contribution to the
// accumulator's fold.
type HistoryEntry struct {
	BatchRoot string    `json:"batchRoot"`
	Timestamp string    `json:"timestamp"`
	ItemCount int       `json:"itemCount"`
	Items     []Item    `json:"items"`
	leaves    [][]byte  // retained for cross-batch proof reconstruction
}

// Config configures an Accumulator.
type Config struct {
	Logger *log.Logger
}

// DefaultConfig returns the Accumulator's default configuration.
func DefaultConfig() *Config {
	return &Config{Logger: log.New(os.Stderr, "[batch] ", log.LstdFlags)}
}

// Accumulator holds the pending item set and the running fold root. All
// mutation happens under a single-writer discipline, matching the trace
// builder's mutex-guarded append-only model.
type Accumulator struct {
	mu sync.Mutex

	pending []Item

	accumulatorRoot []byte // nil until the first commit
	history         []HistoryEntry
	commitCount     int

	logger *log.Logger
}

// New constructs an empty Accumulator.
func New(cfg *Config) *Accumulator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[batch] ", log.LstdFlags)
	}
	return &Accumulator{logger: cfg.Logger}
}

// AddItem appends item to the pending set.
func (a *Accumulator) AddItem(item Item) error {
	if item.SessionID == "" || item.RootHash == "" || item.ManifestHash == "" {
		return fmt.Errorf("batch: item missing required field")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = append(a.pending, item)
	return nil
}

// PendingCount returns the number of items waiting for the next commit.
func (a *Accumulator) PendingCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// CommitResult is the outcome of folding the pending item set into the
// accumulator.
type CommitResult struct {
	BatchRoot       string
	AccumulatorRoot string
	ItemCount       int
	CommitCount     int
}

// Commit folds the pending item set into a batch root, then folds that
// batch root into the running accumulator root (spec §4.10):
//
//  1. batchRoot = MerkleRoot(leaves) over the C2 engine under the batch
//     domain pair.
//  2. If the accumulator is empty, the new root REPLACES it with batchRoot;
//     otherwise it combines: H(batch-node, accumulatorRoot || batchRoot).
//  3. A HistoryEntry is appended, commitCount incremented, pending cleared.
//
// Commit on an empty pending set is a no-op that returns an error; callers
// decide their own commit cadence.
func (a *Accumulator) Commit(timestamp string) (*CommitResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.pending) == 0 {
		return nil, fmt.Errorf("batch: no pending items to commit")
	}

	leaves := make([][]byte, len(a.pending))
	for i, item := range a.pending {
		h, err := item.leafHash()
		if err != nil {
			return nil, err
		}
		leaves[i] = append([]byte(nil), h[:]...)
	}

	batchRootBytes, err := merkle.Root(leaves, merkle.BatchDomains)
	if err != nil {
		return nil, fmt.Errorf("batch: fold batch root: %w", err)
	}

	var newAccumulatorRoot []byte
	if a.accumulatorRoot == nil {
		// First commit: replace, not combine (spec's resolved Open Question —
		// no empty-string sentinel).
		newAccumulatorRoot = append([]byte(nil), batchRootBytes...)
	} else {
		combined := make([]byte, 0, 64)
		combined = append(combined, a.accumulatorRoot...)
		combined = append(combined, batchRootBytes...)
		h := canon.Hash(canon.DomainBatchNode, combined)
		newAccumulatorRoot = h[:]
	}

	entry := HistoryEntry{
		BatchRoot: hex.EncodeToString(batchRootBytes),
		Timestamp: timestamp,
		ItemCount: len(a.pending),
		Items:     append([]Item(nil), a.pending...),
		leaves:    leaves,
	}

	a.accumulatorRoot = newAccumulatorRoot
	a.history = append(a.history, entry)
	a.commitCount++
	a.pending = nil

	a.logger.Printf("committed batch %d: items=%d batchRoot=%s accumulatorRoot=%s",
		a.commitCount, entry.ItemCount, entry.BatchRoot, hex.EncodeToString(newAccumulatorRoot))

	return &CommitResult{
		BatchRoot:       entry.BatchRoot,
		AccumulatorRoot: hex.EncodeToString(newAccumulatorRoot),
		ItemCount:       entry.ItemCount,
		CommitCount:     a.commitCount,
	}, nil
}

// AccumulatorRoot returns the current fold root, hex-encoded, and whether
// at least one commit has occurred.
func (a *Accumulator) AccumulatorRoot() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.accumulatorRoot == nil {
		return "", false
	}
	return hex.EncodeToString(a.accumulatorRoot), true
}

// CommitCount returns the number of commits folded so far.
func (a *Accumulator) CommitCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.commitCount
}

// History returns a copy of the accumulator's committed batch history, in
// commit order.
func (a *Accumulator) History() []HistoryEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]HistoryEntry(nil), a.history...)
}

// ItemProof proves item i's inclusion within its own batch (the
// within-batch half of a cross-batch proof).
type ItemProof struct {
	BatchIndex int                    `json:"batchIndex"`
	ItemIndex  int                    `json:"itemIndex"`
	Proof      *merkle.InclusionProof `json:"proof"`
}

// ProveItem generates an inclusion proof for the item at itemIndex within
// the batch committed at batchIndex, against that batch's own batchRoot.
func (a *Accumulator) ProveItem(batchIndex, itemIndex int) (*ItemProof, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if batchIndex < 0 || batchIndex >= len(a.history) {
		return nil, fmt.Errorf("batch: batch index %d out of range [0,%d)", batchIndex, len(a.history))
	}
	entry := a.history[batchIndex]
	if itemIndex < 0 || itemIndex >= len(entry.leaves) {
		return nil, fmt.Errorf("batch: item index %d out of range [0,%d)", itemIndex, len(entry.leaves))
	}

	tree, err := merkle.NewTreeWithDomains(entry.leaves, merkle.BatchDomains)
	if err != nil {
		return nil, fmt.Errorf("batch: rebuild batch tree: %w", err)
	}
	proof, err := tree.GenerateProof(itemIndex)
	if err != nil {
		return nil, err
	}
	return &ItemProof{BatchIndex: batchIndex, ItemIndex: itemIndex, Proof: proof}, nil
}

// FoldProof is the cross-batch half of an inclusion proof: the ordered
// sequence of prior batch roots (oldest first) needed to walk from a
// batch's own batchRoot up to the current accumulatorRoot, reconstructed
// from batchHistory per spec §4.10.
type FoldProof struct {
	BatchIndex       int      `json:"batchIndex"`
	PriorBatchRoots  []string `json:"priorBatchRoots"`
	FollowingRoots   []string `json:"followingBatchRoots"`
}

// ProveFold reconstructs the fold chain for batchIndex: the batch roots
// committed before it (establishing the accumulator state it folded into)
// and after it (establishing how later commits folded it forward).
func (a *Accumulator) ProveFold(batchIndex int) (*FoldProof, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if batchIndex < 0 || batchIndex >= len(a.history) {
		return nil, fmt.Errorf("batch: batch index %d out of range [0,%d)", batchIndex, len(a.history))
	}

	prior := make([]string, batchIndex)
	for i := 0; i < batchIndex; i++ {
		prior[i] = a.history[i].BatchRoot
	}
	following := make([]string, 0, len(a.history)-batchIndex-1)
	for i := batchIndex + 1; i < len(a.history); i++ {
		following = append(following, a.history[i].BatchRoot)
	}

	return &FoldProof{BatchIndex: batchIndex, PriorBatchRoots: prior, FollowingRoots: following}, nil
}

// Replay independently recomputes the accumulator root that committing
// batchRoots (in order, starting from an empty accumulator) would produce —
// used to verify batch accumulator soundness (testable property 10):
// replaying the same item sequence must reproduce the same root.
func Replay(batchRoots []string) (string, error) {
	var acc []byte
	for _, br := range batchRoots {
		decoded, err := hex.DecodeString(br)
		if err != nil {
			return "", fmt.Errorf("batch: invalid batch root hex: %w", err)
		}
		if acc == nil {
			acc = decoded
			continue
		}
		combined := make([]byte, 0, 64)
		combined = append(combined, acc...)
		combined = append(combined, decoded...)
		h := canon.Hash(canon.DomainBatchNode, combined)
		acc = h[:]
	}
	if acc == nil {
		return "", nil
	}
	return hex.EncodeToString(acc), nil
}
