package monitor

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/proofkeep/flightcore/pkg/canon"
	"github.com/proofkeep/flightcore/pkg/flightrecorder"
	"github.com/proofkeep/flightcore/pkg/trace"
)

// Registry maps monitor IDs to their implementations. Per spec §9 ("no
// global state"), a Registry is always caller-constructed and passed in —
// never a package-level singleton.
type Registry map[string]Monitor

// Provenance is the caller-supplied context a pipeline run is evaluated
// under; it becomes part of monitorConfigHash so the report commits to
// exactly which policy produced it.
type Provenance map[string]interface{}

// Config is one post-hoc pipeline invocation.
type Config struct {
	Monitors         []string
	BaseRootHash     string
	BaseManifestHash string
	Provenance       Provenance

	// RunID/AgentID/SessionID/CreatedAt seed the child trace. KeyProvider
	// defaults to an ephemeral in-memory key if nil.
	RunID, AgentID, SessionID, CreatedAt string
	KeyProvider                          flightrecorder.KeyProvider
	Clock                                func() time.Time

	// Notifier, if non-nil, is asked to publish critical alerts. Nil is
	// valid: the pipeline runs standalone without a broker.
	Notifier Notifier
}

// Report is the finalized child trace plus the two parent pointers that
// tie it back to the base trace it evaluated.
type Report struct {
	Bundle           *trace.Bundle
	BaseRootHash     string
	BaseManifestHash string
	MonitorConfigHash string
}

// Pipeline runs a sequence of registered monitors against a finalized base
// trace, sequentially by default to preserve monitor-alert ordering (spec
// §5's ordering guarantee 4).
type Pipeline struct {
	registry Registry
	logger   *log.Logger
}

// NewPipeline constructs a Pipeline over registry. registry is never
// mutated by the pipeline.
func NewPipeline(registry Registry) *Pipeline {
	return &Pipeline{
		registry: registry,
		logger:   log.New(os.Stderr, "[monitor] ", log.LstdFlags),
	}
}

// Run executes cfg.Monitors in order against the registry, recording each
// result as a monitor-alert event in a new child trace.
func (p *Pipeline) Run(ctx context.Context, cfg Config) (*Report, error) {
	for _, id := range cfg.Monitors {
		if _, ok := p.registry[id]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMonitorNotFound, id)
		}
	}

	provenancePayload := map[string]interface{}(cfg.Provenance)
	monitorConfigHash, err := canon.HashCanonical(canon.DomainMonitorConfig, provenancePayload)
	if err != nil {
		return nil, fmt.Errorf("monitor: hash provenance: %w", err)
	}
	monitorConfigHashHex := hexEnc32(monitorConfigHash)

	keyProvider := cfg.KeyProvider
	if keyProvider == nil {
		keyProvider = flightrecorder.NewEphemeralKeyProvider()
	}
	run, err := trace.NewRun(trace.RunConfig{
		RunID:       cfg.RunID,
		AgentID:     cfg.AgentID,
		SessionID:   cfg.SessionID,
		CreatedAt:   cfg.CreatedAt,
		KeyProvider: keyProvider,
		Clock:       cfg.Clock,
		Metadata: map[string]interface{}{
			"baseRootHash":      cfg.BaseRootHash,
			"baseManifestHash":  cfg.BaseManifestHash,
			"monitorConfigHash": monitorConfigHashHex,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("monitor: open child trace: %w", err)
	}

	for _, id := range cfg.Monitors {
		m := p.registry[id]
		span, err := run.AddSpan("monitor:"+id, "", trace.VisibilityPublic, nil)
		if err != nil {
			return nil, err
		}

		result, analyzeErr := m.Analyze(ctx)
		if analyzeErr != nil {
			recoverable := false
			if _, evErr := run.AddEvent(span.ID, &trace.Event{
				Kind:        trace.KindError,
				Error:       analyzeErr.Error(),
				Code:        "MONITOR_EXECUTION_FAILED",
				Recoverable: &recoverable,
			}); evErr != nil {
				return nil, evErr
			}
			if closeErr := run.CloseSpan(span.ID, trace.StatusFailed); closeErr != nil {
				return nil, closeErr
			}
			return nil, fmt.Errorf("%w: monitor %s: %v", ErrMonitorExecutionFailed, id, analyzeErr)
		}

		if result.MonitorID == "" {
			result.MonitorID = m.ID()
		}
		if result.TrustLevel == "" {
			result.TrustLevel = m.TrustLevel()
		}
		if err := validateResult(result); err != nil {
			return nil, err
		}

		alertLevel := classifyAlert(result.Score, result.Threshold)
		if alertLevel == AlertCritical && cfg.Notifier != nil {
			if notifyErr := cfg.Notifier.Publish(ctx, id, alertLevel, result); notifyErr != nil {
				p.logger.Printf("notify failed for monitor %s: %v", id, notifyErr)
			}
		}

		_, err = run.AddEvent(span.ID, &trace.Event{
			Kind:      trace.KindCustom,
			EventType: "monitor-alert",
			Data: map[string]interface{}{
				"monitorId":         result.MonitorID,
				"version":           result.Version,
				"alertLevel":        alertLevel,
				"category":          result.Category,
				"message":           alertMessage(result, alertLevel),
				"score":             result.Score,
				"threshold":         result.Threshold,
				"details":           result.Details,
				"monitorConfigHash": monitorConfigHashHex,
			},
		})
		if err != nil {
			return nil, err
		}
		if err := run.CloseSpan(span.ID, trace.StatusCompleted); err != nil {
			return nil, err
		}
	}

	bundle, err := run.Finalize()
	if err != nil {
		return nil, err
	}

	return &Report{
		Bundle:            bundle,
		BaseRootHash:      cfg.BaseRootHash,
		BaseManifestHash:  cfg.BaseManifestHash,
		MonitorConfigHash: monitorConfigHashHex,
	}, nil
}

func alertMessage(r *Result, level AlertLevel) string {
	return fmt.Sprintf("monitor %s scored %.4f against threshold %.4f (%s)", r.MonitorID, r.Score, r.Threshold, level)
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
