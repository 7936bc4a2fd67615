package monitoring

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-transmla/internal/device"
	"github.com/23skdu/longbow-transmla/internal/logger"
	"github.com/23skdu/longbow-transmla/internal/metrics"
)

// HealthStatus represents the state of a conversion run
type HealthStatus struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Version   string        `json:"version"`
	Uptime    time.Duration `json:"uptime"`
	System    SystemInfo    `json:"system"`
	Run       RunInfo       `json:"run"`
	Alerts    []Alert       `json:"alerts"`
}

// SystemInfo contains system-level information
type SystemInfo struct {
	GoVersion      string  `json:"go_version"`
	OS             string  `json:"os"`
	Arch           string  `json:"arch"`
	NumCPU         int     `json:"num_cpu"`
	MemoryMB       int     `json:"memory_mb"`
	MemoryUsedMB   int     `json:"memory_used_mb"`
	MemoryUsagePct float64 `json:"memory_usage_pct"`
	TrackedMB      int64   `json:"tracked_mb"`
}

// RunInfo describes pipeline progress
type RunInfo struct {
	RunID       string             `json:"run_id"`
	ModelPath   string             `json:"model_path"`
	NumLayers   int                `json:"num_layers"`
	Stage       string             `json:"stage"`
	LayersDone  int                `json:"layers_done"`
	StageStart  time.Time          `json:"stage_start"`
	Perplexity  map[string]float64 `json:"perplexity"`
	Finished    bool               `json:"finished"`
	LastUpdated time.Time          `json:"last_updated"`
}

// Alert represents a run alert
type Alert struct {
	Level      string     `json:"level"`     // info, warning, error, critical
	Component  string     `json:"component"` // calibration, convert, eval, checkpoint
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

const maxAlerts = 100

// Alert levels, lowest first.
const (
	LevelInfo     = "info"
	LevelWarning  = "warning"
	LevelError    = "error"
	LevelCritical = "critical"
)

const (
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded" // an unresolved error alert
	StatusCritical = "critical" // an unresolved critical alert
)

// HealthMonitor serves run status over HTTP
type HealthMonitor struct {
	startTime time.Time
	version   string
	server    *http.Server
	mu        sync.RWMutex
	alerts    []Alert
	run       RunInfo
}

func NewHealthMonitor(version string) *HealthMonitor {
	return &HealthMonitor{
		startTime: time.Now(),
		version:   version,
		alerts:    make([]Alert, 0),
		run:       RunInfo{Perplexity: make(map[string]float64)},
	}
}

// Handler exposes /health, /healthz, /status, /metrics and the alert admin
// endpoints.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth) // Kubernetes compatibility
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", hm.handleDetailedStatus)
	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)
	return mux
}

// Start listens on addr and serves in the background. It returns once the
// listener is bound.
func (hm *HealthMonitor) Start(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("health monitor listen %s: %w", addr, err)
	}
	hm.server = &http.Server{
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	logger.Log.Info("health monitor starting", "addr", ln.Addr().String())
	go func() {
		if err := hm.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error("health monitor stopped", "error", err)
		}
	}()
	return ln.Addr(), nil
}

func (hm *HealthMonitor) Stop(ctx context.Context) error {
	if hm.server != nil {
		return hm.server.Shutdown(ctx)
	}
	return nil
}

func (hm *HealthMonitor) SetRun(runID, modelPath string, layers int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.run.RunID, hm.run.ModelPath, hm.run.NumLayers = runID, modelPath, layers
	hm.run.LastUpdated = time.Now()
}

// SetStage marks the start of a pipeline stage.
func (hm *HealthMonitor) SetStage(stage string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	now := time.Now()
	hm.run.Stage, hm.run.LayersDone, hm.run.StageStart, hm.run.LastUpdated = stage, 0, now, now
}

// LayerDone advances the per-stage layer counter.
func (hm *HealthMonitor) LayerDone() {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.run.LayersDone++
	hm.run.LastUpdated = time.Now()
}

// RecordPerplexity stores a stage result. Non-finite values raise an error
// alert.
func (hm *HealthMonitor) RecordPerplexity(stage string, ppl float64) {
	hm.mu.Lock()
	hm.run.Perplexity[stage] = ppl
	hm.run.LastUpdated = time.Now()
	hm.mu.Unlock()
	if math.IsNaN(ppl) || math.IsInf(ppl, 0) {
		hm.AddAlert(LevelError, "eval", fmt.Sprintf("non-finite perplexity after %s: %v", stage, ppl))
	}
}

func (hm *HealthMonitor) Finish() {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.run.Finished = true
	hm.run.LastUpdated = time.Now()
}

func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[1:]
	}
	logger.Log.Warn("alert", "level", level, "component", component, "message", message)
}

func (hm *HealthMonitor) ResolveAlert(index int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if index >= 0 && index < len(hm.alerts) {
		now := time.Now()
		hm.alerts[index].Resolved = true
		hm.alerts[index].ResolvedAt = &now
	}
}

// HTTP Handlers

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Debug("health monitor write failed", "error", err)
	}
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.Status()
	code := http.StatusOK
	if status.Status != StatusHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{
		"status":    status.Status,
		"stage":     status.Run.Stage,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleDetailedStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, hm.Status())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	hm.mu.RLock()
	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)
	hm.mu.RUnlock()
	writeJSON(w, http.StatusOK, alerts)
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"message": "alerts cleared"})
}

// Status computes the current health. Unresolved critical alerts make the
// run critical, unresolved errors make it degraded.
func (hm *HealthMonitor) Status() HealthStatus {
	sys := systemInfo()
	metrics.RecordHostMemory(device.AllocatedBytes())

	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := StatusHealthy
	for _, alert := range hm.alerts {
		switch {
		case alert.Resolved:
		case alert.Level == LevelCritical:
			status = StatusCritical
		case alert.Level == LevelError && status == StatusHealthy:
			status = StatusDegraded
		}
	}

	run := hm.run
	run.Perplexity = make(map[string]float64, len(hm.run.Perplexity))
	for k, v := range hm.run.Perplexity {
		run.Perplexity[k] = v
	}
	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)

	return HealthStatus{
		Status:    status,
		Timestamp: time.Now(),
		Version:   hm.version,
		Uptime:    time.Since(hm.startTime),
		System:    sys,
		Run:       run,
		Alerts:    alerts,
	}
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemInfo{
		GoVersion:      runtime.Version(),
		OS:             runtime.GOOS,
		Arch:           runtime.GOARCH,
		NumCPU:         runtime.NumCPU(),
		MemoryMB:       int(m.Sys / 1024 / 1024),
		MemoryUsedMB:   int(m.Alloc / 1024 / 1024),
		MemoryUsagePct: float64(m.Alloc) / float64(m.Sys) * 100,
		TrackedMB:      device.AllocatedBytes() / 1024 / 1024,
	}
}
