// Package handlers provides the HTTP API handlers for shipper.
package handlers

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/jmylchreest/shipper/internal/shipper"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"gorm.io/gorm"
)

// StreamHealth reports per-stream worker state.
type StreamHealth interface {
	Healthy(now time.Time) bool
	Statuses(now time.Time) []shipper.WorkerStatus
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	version   string
	startTime time.Time
	streams   StreamHealth
	db        *gorm.DB
	now       func() time.Time
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(version string, streams StreamHealth) *HealthHandler {
	return &HealthHandler{
		version:   version,
		startTime: time.Now(),
		streams:   streams,
		now:       time.Now,
	}
}

// WithDB sets the database connection for health checks.
func (h *HealthHandler) WithDB(db *gorm.DB) *HealthHandler {
	h.db = db
	return h
}

// HealthInput is the input for the health check endpoint.
type HealthInput struct{}

// HealthOutput is the output for the health check endpoint. Status is 503
// when any stream is unhealthy.
type HealthOutput struct {
	Status int
	Body   HealthResponse
}

// LivezInput is the input for the liveness probe.
type LivezInput struct{}

// LivezOutput is the output for the liveness probe.
type LivezOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

// ReadyzInput is the input for the readiness probe.
type ReadyzInput struct{}

// ReadyzOutput is the output for the readiness probe.
type ReadyzOutput struct {
	Status int
	Body   ReadyzResponse
}

// ReadyzResponse lists component readiness.
type ReadyzResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

// Register registers the health routes with the API.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns per-stream health plus host and process metrics. Responds 503 when any stream's horizon has stalled.",
		Tags:        []string{"System"},
	}, h.GetHealth)

	huma.Register(api, huma.Operation{
		OperationID: "getLivez",
		Method:      http.MethodGet,
		Path:        "/livez",
		Summary:     "Liveness probe",
		Tags:        []string{"System"},
	}, h.GetLivez)

	huma.Register(api, huma.Operation{
		OperationID: "getReadyz",
		Method:      http.MethodGet,
		Path:        "/readyz",
		Summary:     "Readiness probe",
		Tags:        []string{"System"},
	}, h.GetReadyz)
}

// GetHealth returns the health status of the service.
func (h *HealthHandler) GetHealth(ctx context.Context, _ *HealthInput) (*HealthOutput, error) {
	now := h.now()
	uptime := now.Sub(h.startTime)

	resp := HealthResponse{
		Status:        "healthy",
		Timestamp:     now.UTC().Format(time.RFC3339),
		Version:       h.version,
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
		CPUInfo:       h.getCPUInfo(),
		Memory:        h.getMemoryInfo(),
		Database:      h.getDatabaseHealth(ctx),
		Streams:       []shipper.WorkerStatus{},
	}

	status := http.StatusOK
	if h.streams != nil {
		resp.Streams = h.streams.Statuses(now)
		if !h.streams.Healthy(now) {
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
		}
	}

	return &HealthOutput{Status: status, Body: resp}, nil
}

// GetLivez reports that the process is serving requests.
func (h *HealthHandler) GetLivez(_ context.Context, _ *LivezInput) (*LivezOutput, error) {
	out := &LivezOutput{}
	out.Body.Status = "ok"
	return out, nil
}

// GetReadyz reports whether the database is reachable.
func (h *HealthHandler) GetReadyz(ctx context.Context, _ *ReadyzInput) (*ReadyzOutput, error) {
	out := &ReadyzOutput{
		Status: http.StatusOK,
		Body: ReadyzResponse{
			Status:     "ready",
			Components: map[string]string{"supervisor": "ok"},
		},
	}
	if h.streams == nil {
		out.Body.Components["supervisor"] = "not_configured"
	}

	db := h.getDatabaseHealth(ctx)
	switch db.Status {
	case "ok":
		out.Body.Components["database"] = "ok"
	case "unknown":
		out.Body.Components["database"] = "not_configured"
		out.Body.Status = "not_ready"
	default:
		out.Body.Components["database"] = db.Status
		out.Body.Status = "not_ready"
	}
	if out.Body.Status != "ready" {
		out.Status = http.StatusServiceUnavailable
	}
	return out, nil
}

// getCPUInfo returns CPU load information.
func (h *HealthHandler) getCPUInfo() CPUInfo {
	cores := runtime.NumCPU()
	info := CPUInfo{Cores: cores}

	loadAvg, err := load.Avg()
	if err == nil && loadAvg != nil {
		info.Load1Min = loadAvg.Load1
		info.Load5Min = loadAvg.Load5
		info.Load15Min = loadAvg.Load15
		if cores > 0 {
			info.LoadPercentage1Min = (loadAvg.Load1 / float64(cores)) * 100
		}
	}
	return info
}

// getMemoryInfo returns memory usage information.
func (h *HealthHandler) getMemoryInfo() MemoryInfo {
	info := MemoryInfo{}

	vmStat, err := mem.VirtualMemory()
	if err == nil && vmStat != nil {
		info.TotalMemoryMB = toMB(vmStat.Total)
		info.UsedMemoryMB = toMB(vmStat.Used)
		info.AvailableMemoryMB = toMB(vmStat.Available)
	}

	info.ProcessMemory = h.getProcessMemoryInfo(info.TotalMemoryMB)
	return info
}

// getProcessMemoryInfo sums the RSS of this process and its encoder
// subprocesses.
func (h *HealthHandler) getProcessMemoryInfo(totalSystemMB float64) ProcessMemoryInfo {
	info := ProcessMemoryInfo{}

	proc, err := process.NewProcess(int32(os.Getpid())) //nolint:gosec // pid fits in int32
	if err != nil {
		return info
	}

	if memInfo, err := proc.MemoryInfo(); err == nil && memInfo != nil {
		info.MainProcessMB = toMB(memInfo.RSS)
		info.TotalProcessTreeMB = info.MainProcessMB
	}

	children, err := proc.Children()
	if err == nil {
		info.EncoderProcessCount = len(children)
		for _, child := range children {
			if childMem, err := child.MemoryInfo(); err == nil && childMem != nil {
				mb := toMB(childMem.RSS)
				info.EncoderProcessesMB += mb
				info.TotalProcessTreeMB += mb
			}
		}
	}

	if totalSystemMB > 0 {
		info.PercentageOfSystem = info.TotalProcessTreeMB / totalSystemMB * 100
	}
	return info
}

// getDatabaseHealth returns database health information.
func (h *HealthHandler) getDatabaseHealth(ctx context.Context) DatabaseHealth {
	health := DatabaseHealth{Status: "ok"}
	if h.db == nil {
		health.Status = "unknown"
		return health
	}

	sqlDB, err := h.db.DB()
	if err != nil {
		health.Status = "error"
		return health
	}

	stats := sqlDB.Stats()
	health.OpenConnections = stats.OpenConnections
	health.InUse = stats.InUse
	health.Idle = stats.Idle

	start := time.Now()
	err = sqlDB.PingContext(ctx)
	health.ResponseTimeMS = float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		health.Status = "error"
	}
	return health
}

func toMB(b uint64) float64 {
	return float64(b) / 1024 / 1024
}
