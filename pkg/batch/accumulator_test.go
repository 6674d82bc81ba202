package batch

import (
	"encoding/hex"
	"testing"

	"github.com/proofkeep/flightcore/pkg/merkle"
)

func item(sessionID string) Item {
	return Item{
		SessionID:    sessionID,
		RootHash:     "root-" + sessionID,
		MerkleRoot:   "merkle-" + sessionID,
		ManifestHash: "manifest-" + sessionID,
		Timestamp:    "2024-01-01T00:00:00Z",
	}
}

func TestFirstCommitReplacesAccumulatorRoot(t *testing.T) {
	acc := New(nil)
	acc.AddItem(item("s1"))
	acc.AddItem(item("s2"))

	result, err := acc.Commit("2024-01-01T00:15:00Z")
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if result.AccumulatorRoot != result.BatchRoot {
		t.Fatalf("expected first commit to replace, not combine: accumulatorRoot=%s batchRoot=%s",
			result.AccumulatorRoot, result.BatchRoot)
	}
	if acc.PendingCount() != 0 {
		t.Fatal("expected pending items cleared after commit")
	}
	if acc.CommitCount() != 1 {
		t.Fatalf("expected commitCount=1, got %d", acc.CommitCount())
	}
}

func TestSecondCommitCombinesWithPriorRoot(t *testing.T) {
	acc := New(nil)
	acc.AddItem(item("s1"))
	first, err := acc.Commit("2024-01-01T00:15:00Z")
	if err != nil {
		t.Fatalf("first commit: %v", err)
	}

	acc.AddItem(item("s2"))
	second, err := acc.Commit("2024-01-01T00:30:00Z")
	if err != nil {
		t.Fatalf("second commit: %v", err)
	}
	if second.AccumulatorRoot == second.BatchRoot {
		t.Fatal("expected second commit to combine with the prior root, not replace")
	}
	if second.AccumulatorRoot == first.AccumulatorRoot {
		t.Fatal("expected accumulator root to change after the second commit")
	}
}

func TestCommitOnEmptyPendingSetFails(t *testing.T) {
	acc := New(nil)
	if _, err := acc.Commit("2024-01-01T00:00:00Z"); err == nil {
		t.Fatal("expected error committing with no pending items")
	}
}

// TestAccumulatorSoundnessReplay reproduces testable property 10: replaying
// the same commit sequence from scratch reproduces the same root, and item
// inclusion proofs generated at commit time verify against that root.
func TestAccumulatorSoundnessReplay(t *testing.T) {
	acc := New(nil)

	acc.AddItem(item("s1"))
	acc.AddItem(item("s2"))
	r1, err := acc.Commit("2024-01-01T00:15:00Z")
	if err != nil {
		t.Fatalf("commit 1: %v", err)
	}

	acc.AddItem(item("s3"))
	r2, err := acc.Commit("2024-01-01T00:30:00Z")
	if err != nil {
		t.Fatalf("commit 2: %v", err)
	}

	acc.AddItem(item("s4"))
	acc.AddItem(item("s5"))
	r3, err := acc.Commit("2024-01-01T00:45:00Z")
	if err != nil {
		t.Fatalf("commit 3: %v", err)
	}

	replayed, err := Replay([]string{r1.BatchRoot, r2.BatchRoot, r3.BatchRoot})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replayed != r3.AccumulatorRoot {
		t.Fatalf("replay mismatch: got %s want %s", replayed, r3.AccumulatorRoot)
	}

	// Inclusion proof generated at commit time for batch 0 item 1 must
	// verify against that batch's own root.
	proof, err := acc.ProveItem(0, 1)
	if err != nil {
		t.Fatalf("prove item: %v", err)
	}
	leaf, err := item("s2").leafHash()
	if err != nil {
		t.Fatalf("leaf hash: %v", err)
	}
	rootBytes, err := hex.DecodeString(r1.BatchRoot)
	if err != nil {
		t.Fatalf("decode root: %v", err)
	}
	ok, err := merkle.VerifyProofWithDomains(leaf[:], proof.Proof, rootBytes, merkle.BatchDomains)
	if err != nil {
		t.Fatalf("verify proof: %v", err)
	}
	if !ok {
		t.Fatal("expected inclusion proof to verify against its batch root")
	}
}

func TestProveFoldReconstructsChain(t *testing.T) {
	acc := New(nil)
	acc.AddItem(item("s1"))
	acc.Commit("2024-01-01T00:15:00Z")
	acc.AddItem(item("s2"))
	acc.Commit("2024-01-01T00:30:00Z")
	acc.AddItem(item("s3"))
	acc.Commit("2024-01-01T00:45:00Z")

	fold, err := acc.ProveFold(1)
	if err != nil {
		t.Fatalf("prove fold: %v", err)
	}
	if len(fold.PriorBatchRoots) != 1 || len(fold.FollowingRoots) != 1 {
		t.Fatalf("unexpected fold shape: %+v", fold)
	}
}
