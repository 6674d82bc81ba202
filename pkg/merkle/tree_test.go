package merkle

import (
	"encoding/hex"
	"testing"

	"github.com/proofkeep/flightcore/pkg/canon"
)

func leafHash(s string) []byte {
	h := canon.Hash(canon.DomainMerkleLeaf, []byte(s))
	return h[:]
}

func TestSingleLeafRootIsLeaf(t *testing.T) {
	leaf := leafHash("only")
	tree, err := NewTree([][]byte{leaf})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if hex.EncodeToString(tree.Root()) != hex.EncodeToString(leaf) {
		t.Fatalf("single-leaf root should equal the leaf hash")
	}
}

func TestThreeSpanOddPromotionVector(t *testing.T) {
	// Matches fixtures/hash-vectors.json "s3-three-spans-odd-promotion".
	h0 := leafHash("span-0")
	h1 := leafHash("span-1")
	h2 := leafHash("span-2")

	const wantRoot = "38b1ce1e9974912452a1123d5cdec84d582f5bfa62a66b2af7f99ce2c77ff152"
	tree, err := NewTree([][]byte{h0, h1, h2})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got := tree.RootHex(); got != wantRoot {
		t.Fatalf("root = %s, want %s", got, wantRoot)
	}
}

func TestTwoLeafTree(t *testing.T) {
	h0 := leafHash("a")
	h1 := leafHash("b")
	tree, err := NewTree([][]byte{h0, h1})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	proof, err := tree.GenerateProof(0)
	if err != nil {
		t.Fatalf("proof: %v", err)
	}
	ok, err := VerifyProof(h0, proof, tree.Root())
	if err != nil || !ok {
		t.Fatalf("verify failed: ok=%v err=%v", ok, err)
	}
}

func TestOddPromotionProofRoundTrips(t *testing.T) {
	leaves := [][]byte{leafHash("0"), leafHash("1"), leafHash("2"), leafHash("3"), leafHash("4")}
	tree, err := NewTree(leaves)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	for i, leaf := range leaves {
		proof, err := tree.GenerateProof(i)
		if err != nil {
			t.Fatalf("proof %d: %v", i, err)
		}
		ok, err := VerifyProof(leaf, proof, tree.Root())
		if err != nil || !ok {
			t.Fatalf("verify %d failed: ok=%v err=%v", i, ok, err)
		}
	}
}

func TestVerifyProofRejectsWrongLeaf(t *testing.T) {
	leaves := [][]byte{leafHash("0"), leafHash("1"), leafHash("2")}
	tree, err := NewTree(leaves)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	proof, err := tree.GenerateProof(0)
	if err != nil {
		t.Fatalf("proof: %v", err)
	}
	ok, err := VerifyProof(leafHash("not-in-tree"), proof, tree.Root())
	if err != nil {
		t.Fatalf("verify err: %v", err)
	}
	if ok {
		t.Fatal("expected verification to fail for wrong leaf")
	}
}

func TestGenerateProofByHash(t *testing.T) {
	leaves := [][]byte{leafHash("a"), leafHash("b"), leafHash("c")}
	tree, err := NewTree(leaves)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	proof, err := tree.GenerateProofByHash(leaves[2])
	if err != nil {
		t.Fatalf("proof by hash: %v", err)
	}
	if proof.LeafIndex != 2 {
		t.Fatalf("leaf index = %d, want 2", proof.LeafIndex)
	}
}

func TestEmptyLeavesRejected(t *testing.T) {
	if _, err := NewTree(nil); err != ErrEmptyTree {
		t.Fatalf("expected ErrEmptyTree, got %v", err)
	}
}

func TestInvalidLeafSizeRejected(t *testing.T) {
	if _, err := NewTree([][]byte{{1, 2, 3}}); err == nil {
		t.Fatal("expected error for undersized leaf")
	}
}

func TestRootHelperEmptyAndSingle(t *testing.T) {
	empty, err := Root(nil, DefaultDomains)
	if err != nil {
		t.Fatalf("empty root: %v", err)
	}
	want := canon.Hash(canon.DomainMerkleNode, nil)
	if hex.EncodeToString(empty) != hex.EncodeToString(want[:]) {
		t.Fatalf("empty root mismatch")
	}

	single, err := Root([][]byte{leafHash("x")}, DefaultDomains)
	if err != nil {
		t.Fatalf("single root: %v", err)
	}
	if hex.EncodeToString(single) != hex.EncodeToString(leafHash("x")) {
		t.Fatalf("single-leaf Root() helper mismatch")
	}
}

func TestBatchDomainsProduceDifferentRootThanDefault(t *testing.T) {
	leaves := [][]byte{leafHash("a"), leafHash("b")}
	defaultRoot, err := Root(leaves, DefaultDomains)
	if err != nil {
		t.Fatal(err)
	}
	batchRoot, err := Root(leaves, BatchDomains)
	if err != nil {
		t.Fatal(err)
	}
	if hex.EncodeToString(defaultRoot) == hex.EncodeToString(batchRoot) {
		t.Fatal("distinct domain pairs should not collide")
	}
}
