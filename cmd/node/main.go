// Command node runs a worker process: it hosts the Worker Plugin over
// HTTP, registers with the coordinator, answers shuffle RPCs
// (shuffle_receive, shuffle_inputs_done, shuffle_fail), and reports
// heartbeats. Grounded on Torua's cmd/node/main.go: flag/env config,
// goroutine-hosted HTTP server, retrying registration, signal-based
// graceful shutdown.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dreamware/shuffle/internal/cluster"
	"github.com/dreamware/shuffle/internal/config"
	"github.com/dreamware/shuffle/internal/logging"
	"github.com/dreamware/shuffle/internal/metrics"
	"github.com/dreamware/shuffle/internal/transport"
	"github.com/dreamware/shuffle/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := logging.New(false)
	if err != nil {
		log.Fatalf("building logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.NodeID == "" {
		logger.Fatal("SHUFFLE_NODE_ID is required")
	}
	if cfg.CoordinatorAddr == "" {
		logger.Fatal("SHUFFLE_COORDINATOR_ADDR is required")
	}

	xport := transport.NewWSTransport()
	sched := &schedulerClient{baseURL: cfg.CoordinatorAddr}

	plugin := worker.New(cfg.PublicAddr, cfg.WorkerLocalDir, worker.Config{
		MemoryLimitBytes: cfg.MemoryLimitBytesPerRun,
		DiskLimitBytes:   cfg.DiskLimitBytesPerRun,
		SendFlushBytes:   cfg.SendFlushBytes,
		SendFlushAge:     cfg.SendFlushMS,
		OffloadWorkers:   cfg.OffloadWorkers,
	}, xport, sched, logger.Named("worker"))

	reg := prometheus.NewRegistry()
	metricsReg := metrics.NewRegistry(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/shuffle/receive", handleReceive(plugin))
	mux.HandleFunc("/shuffle/receive/ws", handleReceiveWS(plugin, logger))
	mux.HandleFunc("/shuffle/inputs_done", handleInputsDone(plugin))
	mux.HandleFunc("/shuffle/fail", handleFail(plugin))

	s := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("node listening", zap.String("addr", cfg.ListenAddr), zap.String("public", cfg.PublicAddr))
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	register(context.Background(), cfg.CoordinatorAddr, cfg.NodeID, cfg.PublicAddr, logger)

	stop := make(chan struct{})
	go heartbeatLoop(plugin, sched, metricsReg, cfg.HeartbeatInterval, logger, stop)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	close(stop)

	plugin.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		logger.Warn("server shutdown error", zap.Error(err))
	}
	_ = xport.Close()
	logger.Info("node stopped")
}

// register posts this worker's identity to the coordinator, retrying on
// failure to absorb coordinator startup delays.
func register(ctx context.Context, coord, id, addr string, logger *zap.Logger) {
	body := cluster.RegisterRequest{Worker: cluster.WorkerInfo{ID: id, Addr: addr}}
	var lastErr error
	for i := 0; i < 10; i++ {
		lastErr = cluster.PostJSON(ctx, coord+"/register", body, nil)
		if lastErr == nil {
			logger.Info("registered with coordinator", zap.String("coordinator", coord))
			return
		}
		logger.Warn("register retry", zap.Int("attempt", i+1), zap.Error(lastErr))
		time.Sleep(400 * time.Millisecond)
	}
	logger.Fatal("failed to register with coordinator", zap.Error(lastErr))
}

func heartbeatLoop(plugin *worker.Plugin, sched *schedulerClient, metricsReg *metrics.Registry, interval time.Duration, logger *zap.Logger, stop <-chan struct{}) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-ticker.C:
			seq++
			for _, hb := range plugin.Heartbeat(seq) {
				metricsReg.Observe(hb)
				if err := sched.Heartbeat(context.Background(), hb); err != nil {
					logger.Debug("heartbeat delivery failed", zap.Error(err))
				}
			}
		case <-stop:
			return
		}
	}
}

func handleReceive(plugin *worker.Plugin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req cluster.ReceiveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ack := cluster.Ack{OK: true}
		if err := plugin.HandleReceive(r.Context(), req); err != nil {
			ack = cluster.Ack{OK: false, Error: err.Error()}
		}
		writeJSON(w, ack)
	}
}

// handleReceiveWS upgrades to the persistent, ordered, single-flight
// websocket channel the Comm Buffer sends over (internal/transport).
func handleReceiveWS(plugin *worker.Plugin, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := transport.Upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		defer conn.Close() //nolint:errcheck

		for {
			var req cluster.ReceiveRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			ack := cluster.Ack{OK: true}
			if err := plugin.HandleReceive(r.Context(), req); err != nil {
				ack = cluster.Ack{OK: false, Error: err.Error()}
			}
			if err := conn.WriteJSON(ack); err != nil {
				return
			}
		}
	}
}

func handleInputsDone(plugin *worker.Plugin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req cluster.InputsDoneRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ack := cluster.Ack{OK: true}
		if err := plugin.HandleInputsDone(r.Context(), req.ShuffleID, req.RunID); err != nil {
			ack = cluster.Ack{OK: false, Error: err.Error()}
		}
		writeJSON(w, ack)
	}
}

func handleFail(plugin *worker.Plugin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req cluster.FailRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		plugin.HandleFail(req.ShuffleID, req.RunID, req.Reason)
		writeJSON(w, cluster.Ack{OK: true})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// schedulerClient implements worker.SchedulerClient over plain HTTP+JSON,
// mirroring the teacher's cluster.PostJSON-based control-plane calls.
type schedulerClient struct {
	baseURL string
}

func (c *schedulerClient) Get(ctx context.Context, shuffleID cluster.ShuffleID, workerAddr string) (cluster.GetResponse, error) {
	var resp cluster.GetResponse
	err := cluster.PostJSON(ctx, c.baseURL+"/shuffle/get", cluster.GetRequest{ShuffleID: shuffleID, WorkerAddress: workerAddr}, &resp)
	return resp, err
}

func (c *schedulerClient) ReportFailure(ctx context.Context, shuffleID cluster.ShuffleID, runID cluster.RunID, reason string) error {
	return cluster.PostJSON(ctx, c.baseURL+"/shuffle/report_failure", cluster.FailRequest{ShuffleID: shuffleID, RunID: runID, Reason: reason}, nil)
}

func (c *schedulerClient) Heartbeat(ctx context.Context, hb cluster.Heartbeat) error {
	return cluster.PostJSON(ctx, c.baseURL+"/shuffle/heartbeat", cluster.HeartbeatRequest{Heartbeat: hb}, nil)
}
