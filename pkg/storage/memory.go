package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/proofkeep/flightcore/pkg/trace"
)

// MemoryAdapter is an in-process StorageAdapter backed by a map. It is
// primarily useful for tests and for a quorum member that must always
// succeed locally.
type MemoryAdapter struct {
	mu      sync.RWMutex
	blobs   map[string][]byte
	name    string
	pinned  map[string]bool
}

// NewMemoryAdapter constructs a named MemoryAdapter.
func NewMemoryAdapter(name string) *MemoryAdapter {
	return &MemoryAdapter{blobs: make(map[string][]byte), pinned: make(map[string]bool), name: name}
}

func (a *MemoryAdapter) Name() string { return a.name }

func (a *MemoryAdapter) Store(ctx context.Context, data []byte) (Ref, error) {
	ref := hashRef("chunk", "mem://"+a.name, data)
	a.mu.Lock()
	a.blobs[ref.Hash] = append([]byte(nil), data...)
	a.mu.Unlock()
	return ref, nil
}

func (a *MemoryAdapter) StoreManifest(ctx context.Context, m *trace.ManifestV2) (Ref, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return Ref{}, fmt.Errorf("storage: marshal manifest: %w", err)
	}
	ref := hashRef("manifest", "mem://"+a.name, data)
	a.mu.Lock()
	a.blobs[ref.Hash] = data
	a.mu.Unlock()
	return ref, nil
}

func (a *MemoryAdapter) Fetch(ctx context.Context, ref Ref) ([]byte, error) {
	a.mu.RLock()
	data, ok := a.blobs[ref.Hash]
	a.mu.RUnlock()
	if !ok {
		return nil, wrapNotFound(a.name, fmt.Errorf("hash %s", ref.Hash))
	}
	return append([]byte(nil), data...), nil
}

func (a *MemoryAdapter) FetchManifest(ctx context.Context, ref Ref) (*trace.ManifestV2, error) {
	data, err := a.Fetch(ctx, ref)
	if err != nil {
		return nil, err
	}
	var m trace.ManifestV2
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("storage: unmarshal manifest: %w", err)
	}
	return &m, nil
}

func (a *MemoryAdapter) Verify(ctx context.Context, ref Ref) (bool, error) {
	data, err := a.Fetch(ctx, ref)
	if err != nil {
		return false, err
	}
	return verifyBytes(ref, data), nil
}

func (a *MemoryAdapter) Pin(ctx context.Context, ref Ref) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pinned[ref.Hash] = true
	return nil
}

func (a *MemoryAdapter) Delete(ctx context.Context, ref Ref) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.blobs, ref.Hash)
	delete(a.pinned, ref.Hash)
	return nil
}

var (
	_ Adapter = (*MemoryAdapter)(nil)
	_ Pinner  = (*MemoryAdapter)(nil)
	_ Deleter = (*MemoryAdapter)(nil)
)
