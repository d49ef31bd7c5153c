// Package startup provides utilities for application startup tasks.
package startup

import (
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmylchreest/shipper/internal/config"
	"github.com/jmylchreest/shipper/internal/storage"
	"github.com/spf13/afero"
)

// DefaultCleanupAge is the default maximum age for orphaned scratch output (1 hour).
const DefaultCleanupAge = 1 * time.Hour

// scratchExtensions are the files the fragment builder leaves behind if the
// process dies mid-encode.
var scratchExtensions = []string{".wav", ".aac"}

// CleanupScratch removes scratch files and other instances' push encoder
// directories older than maxAge. The push directory of currentInstance is kept.
func CleanupScratch(logger *slog.Logger, fsys afero.Fs, ship config.ShipConfig, currentInstance string, maxAge time.Duration) (int, error) {
	files, err := CleanupScratchFiles(logger, fsys, ship.ScratchDir(), ship.ScratchFilePrefix(), maxAge)
	if err != nil {
		return files, err
	}
	dirs, err := CleanupOrphanedPushDirs(logger, fsys, filepath.Join(ship.ScratchDir(), config.PushDirName), currentInstance, maxAge)
	return files + dirs, err
}

// CleanupScratchFiles removes WAV and AAC files directly under baseDir whose
// names start with prefix and that are older than maxAge.
func CleanupScratchFiles(logger *slog.Logger, fsys afero.Fs, baseDir, prefix string, maxAge time.Duration) (int, error) {
	exists, err := afero.DirExists(fsys, baseDir)
	if err != nil || !exists {
		logger.Debug("scratch directory does not exist, skipping cleanup", "path", baseDir)
		return 0, nil
	}

	sandbox, err := storage.NewSandbox(fsys, baseDir)
	if err != nil {
		return 0, err
	}

	match := func(name string) bool {
		if !strings.HasPrefix(name, prefix) {
			return false
		}
		for _, ext := range scratchExtensions {
			if strings.HasSuffix(name, ext) {
				return true
			}
		}
		return false
	}

	entries, err := sandbox.List(".")
	if err != nil {
		logger.Error("failed to read directory for cleanup", "path", baseDir, "error", err)
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	var removed int
	for _, entry := range entries {
		if entry.IsDir() || !match(entry.Name()) {
			continue
		}
		if entry.ModTime().After(cutoff) {
			logger.Debug("preserving recent scratch file",
				"path", filepath.Join(baseDir, entry.Name()),
				"age", time.Since(entry.ModTime()).Round(time.Second),
			)
			continue
		}
		if err := sandbox.Remove(entry.Name()); err != nil {
			logger.Warn("failed to remove scratch file", "path", filepath.Join(baseDir, entry.Name()), "error", err)
			continue
		}
		logger.Info("removed orphaned scratch file", "path", filepath.Join(baseDir, entry.Name()))
		removed++
	}
	return removed, nil
}

// CleanupOrphanedPushDirs removes per-instance push encoder directories under
// pushRoot that are older than maxAge and do not belong to currentInstance.
// Stale segments inside the current instance's directory are pruned instead.
//
// Returns the number of directories and files removed.
func CleanupOrphanedPushDirs(logger *slog.Logger, fsys afero.Fs, pushRoot, currentInstance string, maxAge time.Duration) (int, error) {
	exists, err := afero.DirExists(fsys, pushRoot)
	if err != nil || !exists {
		logger.Debug("push directory does not exist, skipping cleanup", "path", pushRoot)
		return 0, nil
	}

	entries, err := afero.ReadDir(fsys, pushRoot)
	if err != nil {
		logger.Error("failed to read directory for cleanup", "path", pushRoot, "error", err)
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	var removed int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dirPath := filepath.Join(pushRoot, entry.Name())

		if entry.Name() == currentInstance {
			sandbox, err := storage.NewSandbox(fsys, dirPath)
			if err != nil {
				continue
			}
			n, err := sandbox.RemoveOlderThan(".", cutoff, func(name string) bool {
				return strings.HasSuffix(name, ".m4s")
			})
			if err != nil {
				logger.Warn("failed to prune push segments", "path", dirPath, "error", err)
			}
			removed += n
			continue
		}

		if entry.ModTime().After(cutoff) {
			logger.Debug("preserving recent push directory",
				"path", dirPath,
				"age", time.Since(entry.ModTime()).Round(time.Second),
			)
			continue
		}

		if err := fsys.RemoveAll(dirPath); err != nil {
			logger.Warn("failed to remove orphaned push directory", "path", dirPath, "error", err)
			continue
		}

		logger.Info("removed orphaned push directory",
			"path", dirPath,
			"age", time.Since(entry.ModTime()).Round(time.Second),
		)
		removed++
	}

	return removed, nil
}
