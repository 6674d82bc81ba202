package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/proofkeep/flightcore/pkg/config"
	"github.com/proofkeep/flightcore/pkg/flightrecorder"
	"github.com/proofkeep/flightcore/pkg/monitor"
	"github.com/proofkeep/flightcore/pkg/provenance"
	"github.com/proofkeep/flightcore/pkg/quorum"
	"github.com/proofkeep/flightcore/pkg/trace"
)

// apiServer exposes the recorder, safety monitor pipeline, and witness
// quorum over HTTP, giving an external agent process a way to drive the
// spec §2 capture flow one session at a time. Grounded on the teacher's
// root main.go HTTP-handler style: plain net/http, one handler per route,
// JSON request/response bodies.
type apiServer struct {
	rec      *provenance.Recorder
	pipeline *monitor.Pipeline
	notifier monitor.Notifier
	cfg      *config.Config
	logger   *log.Logger

	mu       sync.Mutex
	runs     map[string]*trace.Run
	quorums  map[string]*quorum.Quorum
	results  map[string]*provenance.Result
	keyProv  *flightrecorder.EphemeralKeyProvider
}

func (s *apiServer) registerRoutes(mux *http.ServeMux) {
	if s.keyProv == nil {
		s.keyProv = flightrecorder.NewEphemeralKeyProvider()
	}
	if s.runs == nil {
		s.runs = make(map[string]*trace.Run)
	}
	if s.results == nil {
		s.results = make(map[string]*provenance.Result)
	}
	mux.HandleFunc("/v1/sessions", s.handleCreateSession)
	mux.HandleFunc("/v1/sessions/", s.handleSessionSubroute)
}

type createSessionRequest struct {
	RunID     string `json:"runId"`
	SessionID string `json:"sessionId"`
	AgentID   string `json:"agentId"`
}

func (s *apiServer) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.AgentID == "" {
		req.AgentID = s.cfg.AgentID
	}
	run, err := trace.NewRun(trace.RunConfig{
		RunID:          req.RunID,
		AgentID:        req.AgentID,
		SessionID:      req.SessionID,
		CreatedAt:      time.Now().UTC().Format(time.RFC3339),
		KeyProvider:    s.keyProv,
		ChunkSizeBytes: s.cfg.ChunkSizeBytes,
		Compression:    s.cfg.Compression,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.runs[req.SessionID] = run
	s.quorums[req.SessionID] = quorum.New(quorum.Config{
		MinWitnesses: s.cfg.QuorumMinWitnesses,
		TimeoutMs:    s.cfg.QuorumTimeoutMs,
	})
	s.mu.Unlock()

	writeJSON(w, map[string]interface{}{"sessionId": req.SessionID, "runId": req.RunID})
}

// handleSessionSubroute dispatches /v1/sessions/{id}/{action}.
func (s *apiServer) handleSessionSubroute(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v1/sessions/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	sessionID, action := parts[0], parts[1]
	switch action {
	case "spans":
		s.handleAddSpan(w, r, sessionID)
	case "events":
		s.handleAddEvent(w, r, sessionID)
	case "finalize":
		s.handleFinalize(w, r, sessionID)
	case "monitor":
		s.handleRunMonitors(w, r, sessionID)
	case "witness":
		s.handleSubmitWitness(w, r, sessionID)
	case "certificate":
		s.handleGenerateCertificate(w, r, sessionID)
	default:
		http.NotFound(w, r)
	}
}

func (s *apiServer) getRun(sessionID string) (*trace.Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[sessionID]
	return run, ok
}

func (s *apiServer) getQuorum(sessionID string) (*quorum.Quorum, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quorums[sessionID]
	return q, ok
}

type addSpanRequest struct {
	Name       string                 `json:"name"`
	ParentID   string                 `json:"parentId"`
	Visibility trace.Visibility       `json:"visibility"`
	Metadata   map[string]interface{} `json:"metadata"`
}

func (s *apiServer) handleAddSpan(w http.ResponseWriter, r *http.Request, sessionID string) {
	run, ok := s.getRun(sessionID)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	var req addSpanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Visibility == "" {
		req.Visibility = trace.VisibilityPublic
	}
	span, err := run.AddSpan(req.Name, req.ParentID, req.Visibility, req.Metadata)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]interface{}{"spanId": span.ID})
}

func (s *apiServer) handleAddEvent(w http.ResponseWriter, r *http.Request, sessionID string) {
	run, ok := s.getRun(sessionID)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	var req struct {
		SpanID string      `json:"spanId"`
		Event  trace.Event `json:"event"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	ev, err := run.AddEvent(req.SpanID, &req.Event)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]interface{}{"eventId": ev.ID, "hash": ev.Hash})
}

func (s *apiServer) handleFinalize(w http.ResponseWriter, r *http.Request, sessionID string) {
	run, ok := s.getRun(sessionID)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	var req provenance.FinalizeSessionInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	res, err := s.rec.FinalizeSession(r.Context(), run, req)
	if err != nil {
		s.logger.Printf("finalize session %s failed: %v", sessionID, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.mu.Lock()
	s.results[sessionID] = res
	s.mu.Unlock()
	writeJSON(w, map[string]interface{}{
		"rootHash":     res.Bundle.RootHash,
		"merkleRoot":   res.Bundle.MerkleRoot,
		"manifestHash": res.Manifest.ManifestHash,
		"manifestURI":  res.ManifestRef.URI,
		"anchorType":   res.Anchor.Type,
	})
}

func (s *apiServer) handleRunMonitors(w http.ResponseWriter, r *http.Request, sessionID string) {
	s.mu.Lock()
	res, ok := s.results[sessionID]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "session not finalized", http.StatusBadRequest)
		return
	}
	var req monitor.Config
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	req.Notifier = s.notifier
	report, err := s.rec.RunSafetyMonitors(r.Context(), s.pipeline, res, req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{
		"baseRootHash":      report.BaseRootHash,
		"baseManifestHash":  report.BaseManifestHash,
		"monitorConfigHash": report.MonitorConfigHash,
	})
}

type submitWitnessRequest struct {
	WitnessID               string `json:"witnessId"`
	AttestorID              string `json:"attestorId"`
	AttestationEvidenceHash string `json:"attestationEvidenceHash"`
	MonitorConfigHash       string `json:"monitorConfigHash"`
	Timestamp               string `json:"timestamp"`
}

func (s *apiServer) handleSubmitWitness(w http.ResponseWriter, r *http.Request, sessionID string) {
	s.mu.Lock()
	res, ok := s.results[sessionID]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "session not finalized", http.StatusBadRequest)
		return
	}
	q, ok := s.getQuorum(sessionID)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	var req submitWitnessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Timestamp == "" {
		req.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if err := s.rec.SubmitWitness(q, req.WitnessID, req.AttestorID, res, req.AttestationEvidenceHash, req.MonitorConfigHash, req.Timestamp); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]interface{}{"quorumMet": q.IsQuorumMet()})
}

func (s *apiServer) handleGenerateCertificate(w http.ResponseWriter, r *http.Request, sessionID string) {
	q, ok := s.getQuorum(sessionID)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	cert, err := s.rec.GenerateCertificate(q)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, cert)
}
