package handlers

import (
	"github.com/jmylchreest/shipper/internal/models"
	"github.com/jmylchreest/shipper/internal/playlist"
	"github.com/jmylchreest/shipper/internal/scheduler"
	"github.com/jmylchreest/shipper/internal/shipper"
)

// Health types

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status        string                 `json:"status"`
	Timestamp     string                 `json:"timestamp"`
	Version       string                 `json:"version"`
	Uptime        string                 `json:"uptime"`
	UptimeSeconds float64                `json:"uptime_seconds"`
	CPUInfo       CPUInfo                `json:"cpu_info"`
	Memory        MemoryInfo             `json:"memory"`
	Database      DatabaseHealth         `json:"database"`
	Streams       []shipper.WorkerStatus `json:"streams"`
}

// CPUInfo holds host load averages.
type CPUInfo struct {
	Cores              int     `json:"cores"`
	Load1Min           float64 `json:"load_1min"`
	Load5Min           float64 `json:"load_5min"`
	Load15Min          float64 `json:"load_15min"`
	LoadPercentage1Min float64 `json:"load_percentage_1min"`
}

// MemoryInfo holds host and process memory usage.
type MemoryInfo struct {
	TotalMemoryMB     float64           `json:"total_memory_mb"`
	UsedMemoryMB      float64           `json:"used_memory_mb"`
	AvailableMemoryMB float64           `json:"available_memory_mb"`
	ProcessMemory     ProcessMemoryInfo `json:"process_memory"`
}

// ProcessMemoryInfo holds RSS for shipper and its ffmpeg children.
type ProcessMemoryInfo struct {
	MainProcessMB       float64 `json:"main_process_mb"`
	EncoderProcessesMB  float64 `json:"encoder_processes_mb"`
	EncoderProcessCount int     `json:"encoder_process_count"`
	TotalProcessTreeMB  float64 `json:"total_process_tree_mb"`
	PercentageOfSystem  float64 `json:"percentage_of_system"`
}

// DatabaseHealth holds connection pool state and ping latency.
type DatabaseHealth struct {
	Status          string  `json:"status"`
	OpenConnections int     `json:"open_connections"`
	InUse           int     `json:"in_use"`
	Idle            int     `json:"idle"`
	ResponseTimeMS  float64 `json:"response_time_ms"`
}

// Stream types

// StreamListResponse lists supervised streams.
type StreamListResponse struct {
	Streams []shipper.WorkerStatus `json:"streams"`
}

// ChunkListResponse lists the in-memory chunks of a stream.
type ChunkListResponse struct {
	StreamKey string                 `json:"stream_key"`
	Chunks    []models.ChunkSnapshot `json:"chunks"`
}

// PlaylistResponse is the published window of a stream.
type PlaylistResponse struct {
	StreamKey string           `json:"stream_key"`
	Entries   []playlist.Entry `json:"entries"`
	HLS       string           `json:"hls,omitempty"`
}

// Housekeeping types

// TaskListResponse lists housekeeping tasks.
type TaskListResponse struct {
	Tasks []scheduler.TaskStatus `json:"tasks"`
}
