package trace

import "testing"

func TestManifestHashIdempotent(t *testing.T) {
	run := newTestRun(t)
	span, err := run.AddSpan("root", "", VisibilityPublic, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := run.AddEvent(span.ID, &Event{Kind: KindOutput, Content: "hi"}); err != nil {
		t.Fatal(err)
	}
	if err := run.CloseSpan(span.ID, StatusCompleted); err != nil {
		t.Fatal(err)
	}
	bundle, err := run.Finalize()
	if err != nil {
		t.Fatal(err)
	}

	manifest, err := BuildManifest(
		bundle,
		ManifestInputs{PromptHash: "ph"},
		ManifestParams{Model: "test-model"},
		ManifestRuntime{RecorderVersion: "0.1.0"},
		nil,
		ManifestOutputs{TranscriptRollingHash: bundle.RootHash, ToolCallCount: 0, TotalTokens: 10, CompletionTokens: 4},
		1000,
		nil,
	)
	if err != nil {
		t.Fatal(err)
	}
	if manifest.ManifestHash == "" {
		t.Fatal("expected non-empty manifest hash")
	}

	ok, err := VerifyManifest(manifest)
	if err != nil || !ok {
		t.Fatalf("expected manifest to verify: ok=%v err=%v", ok, err)
	}

	manifest.AgentID = "tampered"
	if ok, err := VerifyManifest(manifest); err == nil && ok {
		t.Fatal("expected tampered manifest to fail verification")
	}
}
