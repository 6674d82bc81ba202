package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"github.com/proofkeep/flightcore/pkg/batch"
	"github.com/proofkeep/flightcore/pkg/config"
	"github.com/proofkeep/flightcore/pkg/metrics"
	"github.com/proofkeep/flightcore/pkg/monitor"
	"github.com/proofkeep/flightcore/pkg/provenance"
	"github.com/proofkeep/flightcore/pkg/quorum"
	"github.com/proofkeep/flightcore/pkg/signing"
	"github.com/proofkeep/flightcore/pkg/storage"
)

// healthStatus tracks the health of the process's long-lived components
// for the /health endpoint, mirroring the teacher's degradation-tracking
// HealthStatus in main.go.
type healthStatus struct {
	mu        sync.RWMutex
	status    string
	storage   string
	startTime time.Time
}

func newHealthStatus() *healthStatus {
	return &healthStatus{status: "starting", storage: "unknown", startTime: time.Now()}
}

func (h *healthStatus) setStorage(s string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.storage = s
	if h.storage == "error" {
		h.status = "degraded"
	} else {
		h.status = "ok"
	}
}

func (h *healthStatus) snapshot() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]interface{}{
		"status":        h.status,
		"storage":       h.storage,
		"uptimeSeconds": int64(time.Since(h.startTime).Seconds()),
	}
}

func main() {
	showHelp := flag.Bool("help", false, "Show help message")
	flag.Parse()
	if *showHelp {
		flag.Usage()
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger := log.New(os.Stderr, "[flightcored] ", log.LstdFlags)
	logger.Printf("starting flightcored, agent=%s storage=%s signer=%s", cfg.AgentID, cfg.StorageBackend, cfg.SignerAlgorithm)

	health := newHealthStatus()
	collectors := metrics.New()

	signer, err := buildSigner(cfg)
	if err != nil {
		log.Fatalf("build signer: %v", err)
	}

	store, err := buildStorage(cfg)
	if err != nil {
		log.Fatalf("build storage: %v", err)
	}
	health.setStorage("connected")

	acc := batch.New(batch.DefaultConfig())

	rec, err := provenance.NewRecorder(provenance.RecorderConfig{
		Store:       store,
		Signer:      signer,
		Accumulator: acc,
		Metrics:     collectors,
	})
	if err != nil {
		log.Fatalf("build recorder: %v", err)
	}

	registry := monitor.Registry{}
	if cfg.MonitorRegistryPath != "" {
		regCfg, err := config.LoadMonitorRegistry(cfg.MonitorRegistryPath)
		if err != nil {
			logger.Printf("monitor registry load failed, running with no monitors: %v", err)
		} else {
			logger.Printf("loaded %d monitor(s) from %s", len(regCfg.Monitors), cfg.MonitorRegistryPath)
		}
	}
	pipeline := monitor.NewPipeline(registry)

	var notifier monitor.Notifier
	if cfg.NATSURL != "" {
		if conn, err := nats.Connect(cfg.NATSURL); err != nil {
			logger.Printf("nats connect failed, continuing without alert fan-out: %v", err)
		} else {
			notifier = &monitor.NATSNotifier{Conn: conn, Subject: "flightcore.monitor.alerts"}
			defer conn.Close()
		}
	}

	srv := &apiServer{rec: rec, pipeline: pipeline, notifier: notifier, quorums: make(map[string]*quorum.Quorum), cfg: cfg, logger: logger}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go runBatchCommitLoop(ctx, acc, cfg, logger, collectors)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, health.snapshot())
	})
	srv.registerRoutes(mux)

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: collectors.Handler()}

	go func() {
		logger.Printf("api listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("api server: %v", err)
		}
	}()
	go func() {
		logger.Printf("metrics listening on %s", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("metrics server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Printf("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("api shutdown error: %v", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("metrics shutdown error: %v", err)
	}
	logger.Printf("stopped")
}

func buildSigner(cfg *config.Config) (signing.Signer, error) {
	switch cfg.SignerAlgorithm {
	case "secp256k1":
		if cfg.SigningKeyPath == "" {
			return signing.NewSecp256k1WithNewKey()
		}
		keyHex, err := os.ReadFile(cfg.SigningKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read signing key: %w", err)
		}
		return signing.NewSecp256k1FromHex(string(keyHex))
	default:
		if cfg.SigningKeyPath == "" {
			return signing.NewEd25519WithNewKey()
		}
		keyHex, err := os.ReadFile(cfg.SigningKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read signing key: %w", err)
		}
		return signing.NewEd25519FromKeyHex(string(keyHex))
	}
}

func buildStorage(cfg *config.Config) (storage.Adapter, error) {
	switch cfg.StorageBackend {
	case "file":
		return storage.NewFileAdapter("file", cfg.StorageDir)
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return storage.NewRedisAdapter("redis", client, cfg.RedisPrefix), nil
	default:
		return storage.NewMemoryAdapter("memory"), nil
	}
}

// runBatchCommitLoop commits the accumulator's pending items on a fixed
// cadence, closing the L2 batch that anchor workers settle to L1.
func runBatchCommitLoop(ctx context.Context, acc *batch.Accumulator, cfg *config.Config, logger *log.Logger, collectors *metrics.Collectors) {
	interval := time.Duration(cfg.BatchCommitIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if acc.PendingCount() == 0 {
				continue
			}
			result, err := acc.Commit(time.Now().UTC().Format(time.RFC3339))
			if err != nil {
				logger.Printf("batch commit failed: %v", err)
				continue
			}
			collectors.BatchCommits.Inc()
			logger.Printf("committed batch root=%s items=%d accumulatorRoot=%s", result.BatchRoot, result.ItemCount, result.AccumulatorRoot)
		}
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
