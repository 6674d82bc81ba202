// Package storage implements the content-addressed storage facade (C11):
// a single StorageAdapter trait backed by interchangeable backends, and a
// ReplicatedAdapter that fans writes out across several of them.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/proofkeep/flightcore/pkg/trace"
)

var (
	ErrNotFound        = errors.New("storage: reference not found")
	ErrVerifyFailed    = errors.New("storage: content hash verification failed")
	ErrReplicationFailed = errors.New("storage: replication failed")
)

// Ref identifies a stored blob or manifest by content hash.
type Ref struct {
	Type string `json:"type"` // "chunk" | "manifest"
	URI  string `json:"uri"`
	Hash string `json:"hash"` // hex sha256 of the stored bytes
	Size int64  `json:"size"`
}

// Adapter is the trait every storage backend implements (spec §4.11).
// pin/delete are not part of the interface: callers that need them type-
// assert against the narrower Pinner/Deleter interfaces below, matching
// the spec's "optional pin, delete".
type Adapter interface {
	Store(ctx context.Context, data []byte) (Ref, error)
	StoreManifest(ctx context.Context, m *trace.ManifestV2) (Ref, error)
	Fetch(ctx context.Context, ref Ref) ([]byte, error)
	FetchManifest(ctx context.Context, ref Ref) (*trace.ManifestV2, error)
	Verify(ctx context.Context, ref Ref) (bool, error)
	Name() string
}

// Pinner is implemented by adapters that support pinning content against
// garbage collection (e.g. IPFS-backed adapters).
type Pinner interface {
	Pin(ctx context.Context, ref Ref) error
}

// Deleter is implemented by adapters that support deleting content.
type Deleter interface {
	Delete(ctx context.Context, ref Ref) error
}

func hashRef(refType, uri string, data []byte) Ref {
	h := sha256.Sum256(data)
	return Ref{Type: refType, URI: uri, Hash: hex.EncodeToString(h[:]), Size: int64(len(data))}
}

func verifyBytes(ref Ref, data []byte) bool {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:]) == ref.Hash
}

func wrapNotFound(name string, err error) error {
	return fmt.Errorf("%w: adapter %s: %v", ErrNotFound, name, err)
}
