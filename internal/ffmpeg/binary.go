// Package ffmpeg locates the ffmpeg and ffplay binaries and runs them as owned
// child processes for encoding, pushing and playback.
package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Environment variables consulted when no binary path is configured.
const (
	EnvFFmpegBinary = "SHIPPER_FFMPEG_BINARY"
	EnvFFplayBinary = "SHIPPER_FFPLAY_BINARY"
)

var versionRegex = regexp.MustCompile(`^n?(\d+)\.(\d+)`)

// FindBinary searches for an executable binary by name.
// Search order:
//  1. configured path (if non-empty)
//  2. environment variable (if envVar is non-empty and set)
//  3. ./name
//  4. name on PATH
func FindBinary(name, configured, envVar string) (string, error) {
	if configured != "" {
		if isExecutable(configured) {
			return configured, nil
		}
		if path, err := exec.LookPath(configured); err == nil {
			return path, nil
		}
		return "", fmt.Errorf("configured %s binary %q is not executable", name, configured)
	}

	if envVar != "" {
		if envPath := os.Getenv(envVar); envPath != "" && isExecutable(envPath) {
			return envPath, nil
		}
	}

	localPath := "./" + name
	if isExecutable(localPath) {
		return localPath, nil
	}

	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	return "", fmt.Errorf("binary %s not found", name)
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0o111 != 0
}

// BinaryInfo describes the detected ffmpeg installation.
type BinaryInfo struct {
	FFmpegPath   string   `json:"ffmpeg_path"`
	FFplayPath   string   `json:"ffplay_path,omitempty"`
	Version      string   `json:"version"`
	MajorVersion int      `json:"major_version"`
	MinorVersion int      `json:"minor_version"`
	Encoders     []string `json:"encoders,omitempty"`
}

// HasEncoder reports whether ffmpeg lists the named encoder.
func (info *BinaryInfo) HasEncoder(name string) bool {
	return slices.Contains(info.Encoders, name)
}

// SupportsMinVersion returns true if the ffmpeg version meets the minimum.
func (info *BinaryInfo) SupportsMinVersion(major, minor int) bool {
	if info.MajorVersion != major {
		return info.MajorVersion > major
	}
	return info.MinorVersion >= minor
}

// JSON returns the binary info as an indented JSON string.
func (info *BinaryInfo) JSON() string {
	data, _ := json.MarshalIndent(info, "", "  ")
	return string(data)
}

// BinaryDetector detects and caches the ffmpeg installation.
type BinaryDetector struct {
	ffmpegPath string
	ffplayPath string

	mu           sync.RWMutex
	info         *BinaryInfo
	lastDetected time.Time
	cacheTTL     time.Duration
}

// NewBinaryDetector creates a detector. Empty paths fall back to env vars and PATH.
func NewBinaryDetector(ffmpegPath, ffplayPath string) *BinaryDetector {
	return &BinaryDetector{
		ffmpegPath: ffmpegPath,
		ffplayPath: ffplayPath,
		cacheTTL:   5 * time.Minute,
	}
}

// WithCacheTTL sets how long detection results are reused.
func (d *BinaryDetector) WithCacheTTL(ttl time.Duration) *BinaryDetector {
	d.cacheTTL = ttl
	return d
}

// Detect finds the binaries and queries ffmpeg for its version and encoders.
func (d *BinaryDetector) Detect(ctx context.Context) (*BinaryInfo, error) {
	d.mu.RLock()
	if d.info != nil && time.Since(d.lastDetected) < d.cacheTTL {
		info := d.info
		d.mu.RUnlock()
		return info, nil
	}
	d.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.info != nil && time.Since(d.lastDetected) < d.cacheTTL {
		return d.info, nil
	}

	ffmpegPath, err := FindBinary("ffmpeg", d.ffmpegPath, EnvFFmpegBinary)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}
	info := &BinaryInfo{FFmpegPath: ffmpegPath}

	// ffplay is only needed in playback mode.
	if ffplayPath, err := FindBinary("ffplay", d.ffplayPath, EnvFFplayBinary); err == nil {
		info.FFplayPath = ffplayPath
	}

	out, err := exec.CommandContext(ctx, ffmpegPath, "-version").Output()
	if err != nil {
		return nil, fmt.Errorf("getting ffmpeg version: %w", err)
	}
	if err := parseVersion(string(out), info); err != nil {
		return nil, err
	}

	if out, err := exec.CommandContext(ctx, ffmpegPath, "-encoders", "-hide_banner").Output(); err == nil {
		info.Encoders = parseEncoders(string(out))
	}

	d.info = info
	d.lastDetected = time.Now()
	return info, nil
}

// Clear drops the cached detection result.
func (d *BinaryDetector) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.info = nil
}

// parseVersion reads a line like "ffmpeg version n7.1-2-g..." from -version output.
func parseVersion(output string, info *BinaryInfo) error {
	for line := range strings.SplitSeq(output, "\n") {
		if !strings.HasPrefix(line, "ffmpeg version") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 3 {
			break
		}
		info.Version = parts[2]
		if m := versionRegex.FindStringSubmatch(parts[2]); len(m) >= 3 {
			info.MajorVersion, _ = strconv.Atoi(m[1])
			info.MinorVersion, _ = strconv.Atoi(m[2])
		}
		return nil
	}
	return fmt.Errorf("failed to parse ffmpeg version")
}

// parseEncoders reads the table printed by "ffmpeg -encoders".
// Rows look like " A....D aac                  AAC (Advanced Audio Coding)".
func parseEncoders(output string) []string {
	var encoders []string
	inList := false
	for line := range strings.SplitSeq(output, "\n") {
		if strings.Contains(line, "------") {
			inList = true
			continue
		}
		if !inList {
			continue
		}
		line = strings.TrimLeft(line, " ")
		if len(line) < 8 || (line[0] != 'V' && line[0] != 'A' && line[0] != 'S') {
			continue
		}
		if fields := strings.Fields(line[6:]); len(fields) > 0 {
			encoders = append(encoders, fields[0])
		}
	}
	return encoders
}
