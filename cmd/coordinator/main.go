// Command coordinator runs the scheduler process: it accepts worker
// registrations, assigns Shuffle Run ids and worker_for mappings, drives
// the inputs_done barrier, and reacts to worker loss via a
// HealthMonitor. Grounded on Torua's cmd/coordinator/main.go: flag/env
// config, HTTP mux composition, graceful shutdown.
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
	"github.com/dreamware/shuffle/internal/codec"
	"github.com/dreamware/shuffle/internal/config"
	"github.com/dreamware/shuffle/internal/logging"
	"github.com/dreamware/shuffle/internal/metrics"
	"github.com/dreamware/shuffle/internal/scheduler"
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

	wc := &workerClient{}
	plugin := scheduler.New(wc, logger.Named("scheduler"))

	monitor := scheduler.NewHealthMonitor(cfg.HealthInterval, logger.Named("health"))
	monitor.SetOnUnhealthy(plugin.RemoveWorker)

	reg := prometheus.NewRegistry()
	metricsReg := metrics.NewRegistry(reg)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/nodes", handleWorkers(plugin))
	mux.HandleFunc("/register", handleRegister(plugin))
	mux.HandleFunc("/shuffle/assign", handleAssign(plugin))
	mux.HandleFunc("/shuffle/get", handleGet(plugin))
	mux.HandleFunc("/shuffle/barrier", handleBarrier(plugin))
	mux.HandleFunc("/shuffle/report_failure", handleReportFailure(plugin))
	mux.HandleFunc("/shuffle/heartbeat", handleHeartbeat(plugin, metricsReg))

	s := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("coordinator listening", zap.String("addr", cfg.ListenAddr))
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	healthCtx, healthCancel := context.WithCancel(context.Background())
	go monitor.Start(healthCtx, func() []cluster.WorkerInfo { return plugin.Workers() })

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	healthCancel()
	monitor.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		logger.Warn("server shutdown error", zap.Error(err))
	}
	logger.Info("coordinator stopped")
}

func handleWorkers(plugin *scheduler.Plugin) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, plugin.Workers())
	}
}

func handleRegister(plugin *scheduler.Plugin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req cluster.RegisterRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		plugin.RegisterWorker(req.Worker)
		writeJSON(w, cluster.Ack{OK: true})
	}
}

// assignRequest is the body of the planner-facing shuffle_assign call that
// allocates a fresh run id and worker_for mapping for a logical shuffle.
type assignRequest struct {
	ShuffleID   cluster.ShuffleID `json:"shuffle_id"`
	Column      string            `json:"column"`
	NPartitions int               `json:"npartitions"`
	Schema      codec.Schema      `json:"schema"`
}

func handleAssign(plugin *scheduler.Plugin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req assignRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		state, err := plugin.AssignRun(req.ShuffleID, req.Column, req.NPartitions, req.Schema)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, state)
	}
}

func handleGet(plugin *scheduler.Plugin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req cluster.GetRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSON(w, plugin.Get(req.ShuffleID, req.WorkerAddress))
	}
}

func handleBarrier(plugin *scheduler.Plugin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req cluster.BarrierRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		ack := cluster.Ack{OK: true}
		if err := plugin.Barrier(r.Context(), req.ShuffleID, req.RunID); err != nil {
			ack = cluster.Ack{OK: false, Error: err.Error()}
		}
		writeJSON(w, ack)
	}
}

func handleReportFailure(plugin *scheduler.Plugin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req cluster.FailRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		plugin.MarkFailed(r.Context(), req.ShuffleID, errorString(req.Reason))
		writeJSON(w, cluster.Ack{OK: true})
	}
}

func handleHeartbeat(plugin *scheduler.Plugin, metricsReg *metrics.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req cluster.HeartbeatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		plugin.Heartbeat(req.Heartbeat)
		metricsReg.Observe(req.Heartbeat)
		writeJSON(w, cluster.Ack{OK: true})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

type stringError string

func (e stringError) Error() string { return string(e) }

func errorString(s string) error { return stringError(s) }

// workerClient implements scheduler.WorkerClient over plain HTTP+JSON,
// calling each worker's shuffle_inputs_done and shuffle_fail RPCs.
type workerClient struct{}

func (c *workerClient) InputsDone(ctx context.Context, addr string, id cluster.ShuffleID, runID cluster.RunID) error {
	ack := &cluster.Ack{}
	if err := cluster.PostJSON(ctx, addr+"/shuffle/inputs_done", cluster.InputsDoneRequest{ShuffleID: id, RunID: runID}, ack); err != nil {
		return err
	}
	if !ack.OK {
		return errorString(ack.Error)
	}
	return nil
}

func (c *workerClient) Fail(ctx context.Context, addr string, id cluster.ShuffleID, runID cluster.RunID, reason string) error {
	return cluster.PostJSON(ctx, addr+"/shuffle/fail", cluster.FailRequest{ShuffleID: id, RunID: runID, Reason: reason}, nil)
}
