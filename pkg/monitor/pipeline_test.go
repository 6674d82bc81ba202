package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/proofkeep/flightcore/pkg/flightrecorder"
)

type stubMonitor struct {
	id         string
	version    string
	trustLevel TrustLevel
	result     *Result
	err        error
}

func (s *stubMonitor) ID() string             { return s.id }
func (s *stubMonitor) Version() string        { return s.version }
func (s *stubMonitor) TrustLevel() TrustLevel { return s.trustLevel }
func (s *stubMonitor) Analyze(ctx context.Context) (*Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	r := *s.result
	return &r, nil
}

func pipelineTestClock() func() time.Time {
	t := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time { return t }
}

func TestPipelineRunsMonitorsInOrderAndRecordsAlerts(t *testing.T) {
	registry := Registry{
		"action-compliance": &stubMonitor{
			id: "action-compliance", version: "1.0", trustLevel: TrustAuthoritative,
			result: &Result{Score: 0.2, Threshold: 0.5, Category: "compliance"},
		},
		"reasoning-drift": &stubMonitor{
			id: "reasoning-drift", version: "1.0", trustLevel: TrustFragile,
			result: &Result{Score: 0.9, Threshold: 0.5, Category: "drift"},
		},
	}
	p := NewPipeline(registry)

	report, err := p.Run(context.Background(), Config{
		Monitors:         []string{"action-compliance", "reasoning-drift"},
		BaseRootHash:     "base-root",
		BaseManifestHash: "base-manifest",
		Provenance:       Provenance{"policy": "v1"},
		RunID:            "child-1", AgentID: "a1", SessionID: "sess-1", CreatedAt: "2024-01-01T00:00:00Z",
		KeyProvider: flightrecorder.NewEphemeralKeyProvider(),
		Clock:       pipelineTestClock(),
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Bundle.TotalSpans != 2 {
		t.Fatalf("expected 2 monitor spans, got %d", report.Bundle.TotalSpans)
	}
	if report.BaseRootHash != "base-root" || report.BaseManifestHash != "base-manifest" {
		t.Fatal("parent pointers not preserved")
	}
	if report.Bundle.Metadata["monitorConfigHash"] != report.MonitorConfigHash {
		t.Fatal("monitorConfigHash not threaded into child trace metadata")
	}

	// Monitor-alert events must follow the monitors list (ordering
	// guarantee 4). bundle.Spans itself is in (startedAt, id) order, so the
	// check goes through each alert event's seq.
	alertSeq := func(name string) int {
		for _, s := range report.Bundle.Spans {
			if s.Name == name {
				return report.Bundle.EventsBySpan[s.ID][0].Seq
			}
		}
		t.Fatalf("no span named %s", name)
		return -1
	}
	if alertSeq("monitor:action-compliance") >= alertSeq("monitor:reasoning-drift") {
		t.Fatal("expected the action-compliance alert before the reasoning-drift alert")
	}
}

func TestPipelineRejectsUnknownMonitorID(t *testing.T) {
	p := NewPipeline(Registry{})
	_, err := p.Run(context.Background(), Config{Monitors: []string{"missing"}})
	if !errors.Is(err, ErrMonitorNotFound) {
		t.Fatalf("expected ErrMonitorNotFound, got %v", err)
	}
}

func TestPipelineRejectsOutOfRangeScore(t *testing.T) {
	registry := Registry{
		"bad": &stubMonitor{id: "bad", version: "1.0", trustLevel: TrustAuthoritative, result: &Result{Score: 1.5, Threshold: 0.5}},
	}
	p := NewPipeline(registry)
	_, err := p.Run(context.Background(), Config{
		Monitors: []string{"bad"}, RunID: "r", AgentID: "a", SessionID: "s", CreatedAt: "t",
		KeyProvider: flightrecorder.NewEphemeralKeyProvider(), Clock: pipelineTestClock(),
	})
	if !errors.Is(err, ErrInvalidMonitorResult) {
		t.Fatalf("expected ErrInvalidMonitorResult, got %v", err)
	}
}

func TestPipelinePropagatesMonitorErrorAfterRecordingIt(t *testing.T) {
	registry := Registry{
		"flaky": &stubMonitor{id: "flaky", version: "1.0", trustLevel: TrustFragile, err: errors.New("boom")},
	}
	p := NewPipeline(registry)
	_, err := p.Run(context.Background(), Config{
		Monitors: []string{"flaky"}, RunID: "r", AgentID: "a", SessionID: "s", CreatedAt: "t",
		KeyProvider: flightrecorder.NewEphemeralKeyProvider(), Clock: pipelineTestClock(),
	})
	if !errors.Is(err, ErrMonitorExecutionFailed) {
		t.Fatalf("expected ErrMonitorExecutionFailed, got %v", err)
	}
}

func TestClassifyAlertLevels(t *testing.T) {
	cases := []struct {
		score, threshold float64
		want             AlertLevel
	}{
		{0.2, 0.5, AlertInfo},
		{0.5, 0.5, AlertInfo},
		{0.6, 0.5, AlertWarning},
		{0.75, 0.5, AlertWarning},
		{0.76, 0.5, AlertCritical},
	}
	for _, c := range cases {
		if got := classifyAlert(c.score, c.threshold); got != c.want {
			t.Errorf("classifyAlert(%v, %v) = %v, want %v", c.score, c.threshold, got, c.want)
		}
	}
}
