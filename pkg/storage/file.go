package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/proofkeep/flightcore/pkg/trace"
)

// FileAdapter stores content-addressed blobs as files under a root
// directory, named by their content hash.
type FileAdapter struct {
	root string
	name string
}

// NewFileAdapter constructs a FileAdapter rooted at dir. dir is created on
// first Store if it does not already exist.
func NewFileAdapter(name, dir string) *FileAdapter {
	return &FileAdapter{root: dir, name: name}
}

func (a *FileAdapter) Name() string { return a.name }

func (a *FileAdapter) path(hash string) string {
	return filepath.Join(a.root, hash[:2], hash)
}

func (a *FileAdapter) writeBlob(refType string, data []byte) (Ref, error) {
	ref := hashRef(refType, "file://"+a.root, data)
	p := a.path(ref.Hash)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return Ref{}, fmt.Errorf("storage: mkdir: %w", err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return Ref{}, fmt.Errorf("storage: write file: %w", err)
	}
	return ref, nil
}

func (a *FileAdapter) Store(ctx context.Context, data []byte) (Ref, error) {
	return a.writeBlob("chunk", data)
}

func (a *FileAdapter) StoreManifest(ctx context.Context, m *trace.ManifestV2) (Ref, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return Ref{}, fmt.Errorf("storage: marshal manifest: %w", err)
	}
	return a.writeBlob("manifest", data)
}

func (a *FileAdapter) Fetch(ctx context.Context, ref Ref) ([]byte, error) {
	data, err := os.ReadFile(a.path(ref.Hash))
	if err != nil {
		return nil, wrapNotFound(a.name, err)
	}
	return data, nil
}

func (a *FileAdapter) FetchManifest(ctx context.Context, ref Ref) (*trace.ManifestV2, error) {
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

func (a *FileAdapter) Verify(ctx context.Context, ref Ref) (bool, error) {
	data, err := a.Fetch(ctx, ref)
	if err != nil {
		return false, err
	}
	return verifyBytes(ref, data), nil
}

func (a *FileAdapter) Delete(ctx context.Context, ref Ref) error {
	if err := os.Remove(a.path(ref.Hash)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: delete file: %w", err)
	}
	return nil
}

var (
	_ Adapter = (*FileAdapter)(nil)
	_ Deleter = (*FileAdapter)(nil)
)
