package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/proofkeep/flightcore/pkg/trace"
)

// Strategy selects how many of a ReplicatedAdapter's member adapters must
// succeed for a write to count as successful.
type Strategy struct {
	kind string // "all" | "any" | "quorum"
	k    int
}

// StrategyAll requires every adapter to succeed.
func StrategyAll() Strategy { return Strategy{kind: "all"} }

// StrategyAny requires at least one adapter to succeed.
func StrategyAny() Strategy { return Strategy{kind: "any"} }

// StrategyQuorum requires at least k adapters to succeed.
func StrategyQuorum(k int) Strategy { return Strategy{kind: "quorum", k: k} }

func (s Strategy) threshold(n int) int {
	switch s.kind {
	case "all":
		return n
	case "quorum":
		return s.k
	default: // "any"
		return 1
	}
}

// RetryPolicy configures the per-adapter exponential backoff applied to
// write operations (spec §4.11: default 3 attempts, base 1s, x2).
type RetryPolicy struct {
	MaxAttempts  uint64
	InitialDelay time.Duration
	Multiplier   float64
}

// DefaultRetryPolicy is the spec's default: 3 attempts, base 1s, doubling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialDelay: time.Second, Multiplier: 2}
}

func (p RetryPolicy) backOff() backoff.BackOff {
	attempts := p.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.Multiplier = p.Multiplier
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, attempts-1)
}

// AdapterError pairs a failing adapter's name with its error, for
// REPLICATION_FAILED reporting.
type AdapterError struct {
	Adapter string
	Err     error
}

func (e AdapterError) Error() string { return fmt.Sprintf("%s: %v", e.Adapter, e.Err) }

// ReplicationError is returned when a ReplicatedAdapter write fails to meet
// its strategy's success threshold.
type ReplicationError struct {
	Strategy string
	Errors   []AdapterError
}

func (e *ReplicationError) Error() string {
	return fmt.Sprintf("%s: strategy=%s failures=%d", ErrReplicationFailed, e.Strategy, len(e.Errors))
}

func (e *ReplicationError) Unwrap() error { return ErrReplicationFailed }

// ReplicatedAdapter fans writes out to N member adapters in parallel, each
// retried independently with exponential backoff, and applies a success
// Strategy to decide overall success. Reads try adapters in order and
// return the first success.
type ReplicatedAdapter struct {
	adapters []Adapter
	strategy Strategy
	retry    RetryPolicy
}

// NewReplicatedAdapter constructs a ReplicatedAdapter over adapters using
// strategy for write success and the default retry policy.
func NewReplicatedAdapter(adapters []Adapter, strategy Strategy) *ReplicatedAdapter {
	return &ReplicatedAdapter{adapters: adapters, strategy: strategy, retry: DefaultRetryPolicy()}
}

// WithRetryPolicy overrides the default retry policy.
func (r *ReplicatedAdapter) WithRetryPolicy(p RetryPolicy) *ReplicatedAdapter {
	r.retry = p
	return r
}

func (r *ReplicatedAdapter) Name() string { return "replicated" }

type writeResult struct {
	ref Ref
	err error
}

func (r *ReplicatedAdapter) writeAll(ctx context.Context, write func(Adapter) (Ref, error)) (Ref, error) {
	results := make([]writeResult, len(r.adapters))
	var wg sync.WaitGroup
	for i, adapter := range r.adapters {
		wg.Add(1)
		go func(i int, adapter Adapter) {
			defer wg.Done()
			var ref Ref
			op := func() error {
				var err error
				ref, err = write(adapter)
				return err
			}
			err := backoff.Retry(op, r.retry.backOff())
			results[i] = writeResult{ref: ref, err: err}
		}(i, adapter)
	}
	wg.Wait()

	var successes []Ref
	var errs []AdapterError
	for i, res := range results {
		if res.err != nil {
			errs = append(errs, AdapterError{Adapter: r.adapters[i].Name(), Err: res.err})
			continue
		}
		successes = append(successes, res.ref)
	}

	threshold := r.strategy.threshold(len(r.adapters))
	if len(successes) < threshold {
		return Ref{}, &ReplicationError{Strategy: r.strategy.kind, Errors: errs}
	}
	return successes[0], nil
}

func (r *ReplicatedAdapter) Store(ctx context.Context, data []byte) (Ref, error) {
	return r.writeAll(ctx, func(a Adapter) (Ref, error) { return a.Store(ctx, data) })
}

func (r *ReplicatedAdapter) StoreManifest(ctx context.Context, m *trace.ManifestV2) (Ref, error) {
	return r.writeAll(ctx, func(a Adapter) (Ref, error) { return a.StoreManifest(ctx, m) })
}

func (r *ReplicatedAdapter) Fetch(ctx context.Context, ref Ref) ([]byte, error) {
	var lastErr error
	for _, a := range r.adapters {
		data, err := a.Fetch(ctx, ref)
		if err == nil {
			return data, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: all adapters failed, last error: %v", ErrNotFound, lastErr)
}

func (r *ReplicatedAdapter) FetchManifest(ctx context.Context, ref Ref) (*trace.ManifestV2, error) {
	var lastErr error
	for _, a := range r.adapters {
		m, err := a.FetchManifest(ctx, ref)
		if err == nil {
			return m, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: all adapters failed, last error: %v", ErrNotFound, lastErr)
}

func (r *ReplicatedAdapter) Verify(ctx context.Context, ref Ref) (bool, error) {
	for _, a := range r.adapters {
		ok, err := a.Verify(ctx, ref)
		if err == nil {
			return ok, nil
		}
	}
	return false, ErrVerifyFailed
}

var _ Adapter = (*ReplicatedAdapter)(nil)
