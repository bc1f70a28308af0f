package scheduler

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/shuffle/internal/cluster"
)

// WorkerHealth tracks one worker's health status: current status, last
// successful check, and consecutive failure count. Protected by
// HealthMonitor's mutex.
type WorkerHealth struct {
	LastCheck        time.Time
	LastHealthy      time.Time
	Status           string
	ConsecutiveFails int
}

// HealthMonitor periodically polls every registered worker's /health
// endpoint and invokes onUnhealthy after maxFailures consecutive failures.
// Adapted from Torua's internal/coordinator/health_monitor.go: same
// ticker-driven polling and consecutive-failure tracking, with the
// callback rewired to Plugin.RemoveWorker.
type HealthMonitor struct {
	httpClient  *http.Client
	checkFunc   func(addr string) error
	onUnhealthy func(addr string)
	logger      *zap.Logger
	cancel      context.CancelFunc

	mu          sync.RWMutex
	workers     map[string]*WorkerHealth
	interval    time.Duration
	maxFailures int
	wg          sync.WaitGroup
}

// NewHealthMonitor creates a monitor that checks every interval, marking a
// worker unhealthy after 3 consecutive failures.
func NewHealthMonitor(interval time.Duration, logger *zap.Logger) *HealthMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthMonitor{
		interval:    interval,
		maxFailures: 3,
		workers:     make(map[string]*WorkerHealth),
		httpClient:  &http.Client{Timeout: 2 * time.Second},
		logger:      logger,
	}
}

// SetOnUnhealthy sets the callback invoked (in its own goroutine) the first
// time a worker crosses the failure threshold.
func (h *HealthMonitor) SetOnUnhealthy(callback func(addr string)) {
	h.onUnhealthy = callback
}

// SetCheckFunction overrides the default HTTP /health probe, for tests.
func (h *HealthMonitor) SetCheckFunction(checkFunc func(addr string) error) {
	h.checkFunc = checkFunc
}

// Start runs the polling loop until ctx is canceled or Stop is called. It
// blocks, so callers run it in its own goroutine.
func (h *HealthMonitor) Start(ctx context.Context, workerProvider func() []cluster.WorkerInfo) {
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	h.wg.Add(1)
	defer h.wg.Done()

	if h.checkFunc == nil {
		h.checkFunc = h.defaultCheck
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.checkAll(workerProvider())
	for {
		select {
		case <-ticker.C:
			h.checkAll(workerProvider())
		case <-ctx.Done():
			return
		}
	}
}

// Stop cancels the polling loop and waits for it to exit.
func (h *HealthMonitor) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

func (h *HealthMonitor) checkAll(workers []cluster.WorkerInfo) {
	live := make(map[string]bool, len(workers))
	for _, w := range workers {
		live[w.Addr] = true
		h.checkOne(w.Addr)
	}

	h.mu.Lock()
	for addr := range h.workers {
		if !live[addr] {
			delete(h.workers, addr)
		}
	}
	h.mu.Unlock()
}

func (h *HealthMonitor) checkOne(addr string) {
	h.mu.Lock()
	health, ok := h.workers[addr]
	if !ok {
		health = &WorkerHealth{Status: "unknown", LastCheck: time.Now(), LastHealthy: time.Now()}
		h.workers[addr] = health
	}
	h.mu.Unlock()

	err := h.checkFunc(addr)

	h.mu.Lock()
	defer h.mu.Unlock()
	health.LastCheck = time.Now()

	if err != nil {
		health.ConsecutiveFails++
		if health.ConsecutiveFails >= h.maxFailures {
			wasHealthy := health.Status != "unhealthy"
			health.Status = "unhealthy"
			if wasHealthy && h.onUnhealthy != nil {
				h.logger.Warn("worker marked unhealthy", zap.String("addr", addr), zap.Int("fails", health.ConsecutiveFails))
				go h.onUnhealthy(addr)
			}
		}
		return
	}

	health.Status = "healthy"
	health.ConsecutiveFails = 0
	health.LastHealthy = time.Now()
}

func (h *HealthMonitor) defaultCheck(addr string) error {
	url := addr
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	url = strings.TrimRight(url, "/") + "/health"

	resp, err := h.httpClient.Get(url)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// IsHealthy reports whether addr is currently considered healthy. Unknown
// addresses are not healthy.
func (h *HealthMonitor) IsHealthy(addr string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.workers[addr]
	return ok && health.Status == "healthy"
}
