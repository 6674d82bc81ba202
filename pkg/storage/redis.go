package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/proofkeep/flightcore/pkg/trace"
)

// RedisAdapter stores content-addressed blobs as string values keyed by
// their content hash, using redis.UniversalClient so the same adapter
// works against a single node or a cluster.
type RedisAdapter struct {
	client redis.UniversalClient
	name   string
	prefix string
}

// NewRedisAdapter constructs a RedisAdapter over an already-connected
// client. prefix namespaces keys (e.g. "flightcore:").
func NewRedisAdapter(name string, client redis.UniversalClient, prefix string) *RedisAdapter {
	return &RedisAdapter{client: client, name: name, prefix: prefix}
}

func (a *RedisAdapter) key(hash string) string {
	return a.prefix + hash
}

func (a *RedisAdapter) Name() string { return a.name }

func (a *RedisAdapter) writeBlob(ctx context.Context, refType string, data []byte) (Ref, error) {
	ref := hashRef(refType, "redis://"+a.name, data)
	if err := a.client.Set(ctx, a.key(ref.Hash), data, 0).Err(); err != nil {
		return Ref{}, fmt.Errorf("storage: redis set: %w", err)
	}
	return ref, nil
}

func (a *RedisAdapter) Store(ctx context.Context, data []byte) (Ref, error) {
	return a.writeBlob(ctx, "chunk", data)
}

func (a *RedisAdapter) StoreManifest(ctx context.Context, m *trace.ManifestV2) (Ref, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return Ref{}, fmt.Errorf("storage: marshal manifest: %w", err)
	}
	return a.writeBlob(ctx, "manifest", data)
}

func (a *RedisAdapter) Fetch(ctx context.Context, ref Ref) ([]byte, error) {
	data, err := a.client.Get(ctx, a.key(ref.Hash)).Bytes()
	if err != nil {
		return nil, wrapNotFound(a.name, err)
	}
	return data, nil
}

func (a *RedisAdapter) FetchManifest(ctx context.Context, ref Ref) (*trace.ManifestV2, error) {
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

func (a *RedisAdapter) Verify(ctx context.Context, ref Ref) (bool, error) {
	data, err := a.Fetch(ctx, ref)
	if err != nil {
		return false, err
	}
	return verifyBytes(ref, data), nil
}

func (a *RedisAdapter) Delete(ctx context.Context, ref Ref) error {
	return a.client.Del(ctx, a.key(ref.Hash)).Err()
}

var (
	_ Adapter = (*RedisAdapter)(nil)
	_ Deleter = (*RedisAdapter)(nil)
)
