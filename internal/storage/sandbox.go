package storage

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// ErrPathEscapesSandbox is returned when a path resolves outside the sandbox root.
var ErrPathEscapesSandbox = errors.New("path escapes sandbox")

// Sandbox confines file operations on an afero filesystem to a base directory.
type Sandbox struct {
	fs      afero.Fs
	baseDir string
}

// NewSandbox creates a Sandbox rooted at baseDir on fsys, creating the directory if needed.
func NewSandbox(fsys afero.Fs, baseDir string) (*Sandbox, error) {
	absPath, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("getting absolute path: %w", err)
	}
	if err := fsys.MkdirAll(absPath, 0o750); err != nil {
		return nil, fmt.Errorf("creating base directory: %w", err)
	}
	return &Sandbox{fs: fsys, baseDir: absPath}, nil
}

// BaseDir returns the absolute sandbox root.
func (s *Sandbox) BaseDir() string {
	return s.baseDir
}

// Fs returns the underlying filesystem.
func (s *Sandbox) Fs() afero.Fs {
	return s.fs
}

// ResolvePath maps a relative path to its absolute location inside the sandbox.
func (s *Sandbox) ResolvePath(relativePath string) (string, error) {
	if filepath.IsAbs(relativePath) {
		return "", fmt.Errorf("%w: %s (absolute paths not allowed)", ErrPathEscapesSandbox, relativePath)
	}
	full := filepath.Join(s.baseDir, filepath.Clean(relativePath))
	if full != s.baseDir && !strings.HasPrefix(full, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapesSandbox, relativePath)
	}
	return full, nil
}

// Exists reports whether a path exists within the sandbox.
func (s *Sandbox) Exists(relativePath string) (bool, error) {
	path, err := s.ResolvePath(relativePath)
	if err != nil {
		return false, err
	}
	ok, err := afero.Exists(s.fs, path)
	if err != nil {
		return false, fmt.Errorf("checking path: %w", err)
	}
	return ok, nil
}

// ReadFile reads a file from within the sandbox.
func (s *Sandbox) ReadFile(relativePath string) ([]byte, error) {
	path, err := s.ResolvePath(relativePath)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

// AtomicWrite writes data to a temporary sibling and renames it over the target,
// so readers see either the previous content or the new content.
func (s *Sandbox) AtomicWrite(relativePath string, data []byte) error {
	return s.atomicWrite(relativePath, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// AtomicWriteReader is AtomicWrite for streamed content.
func (s *Sandbox) AtomicWriteReader(relativePath string, r io.Reader) error {
	return s.atomicWrite(relativePath, func(w io.Writer) error {
		_, err := io.Copy(w, r)
		return err
	})
}

func (s *Sandbox) atomicWrite(relativePath string, fill func(io.Writer) error) error {
	targetPath, err := s.ResolvePath(relativePath)
	if err != nil {
		return err
	}
	dir := filepath.Dir(targetPath)
	if err := s.fs.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}

	tempPath := filepath.Join(dir, fmt.Sprintf(".%s.%s.tmp", filepath.Base(targetPath), randomHex(8)))
	f, err := s.fs.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("creating temporary file: %w", err)
	}
	err = fill(f)
	closeErr := f.Close()
	if err != nil {
		_ = s.fs.Remove(tempPath)
		return fmt.Errorf("writing temporary file: %w", err)
	}
	if closeErr != nil {
		_ = s.fs.Remove(tempPath)
		return fmt.Errorf("closing temporary file: %w", closeErr)
	}
	if err := s.fs.Rename(tempPath, targetPath); err != nil {
		_ = s.fs.Remove(tempPath)
		return fmt.Errorf("renaming to target: %w", err)
	}
	return nil
}

// Remove removes a file within the sandbox. A missing file is not an error.
func (s *Sandbox) Remove(relativePath string) error {
	path, err := s.ResolvePath(relativePath)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing path: %w", err)
	}
	return nil
}

// List returns the entries of a directory within the sandbox.
func (s *Sandbox) List(relativePath string) ([]os.FileInfo, error) {
	path, err := s.ResolvePath(relativePath)
	if err != nil {
		return nil, err
	}
	entries, err := afero.ReadDir(s.fs, path)
	if err != nil {
		return nil, fmt.Errorf("reading directory: %w", err)
	}
	return entries, nil
}

// Walk walks the tree under relativePath, passing sandbox-relative paths to fn.
func (s *Sandbox) Walk(relativePath string, fn filepath.WalkFunc) error {
	path, err := s.ResolvePath(relativePath)
	if err != nil {
		return err
	}
	return afero.Walk(s.fs, path, func(walkPath string, info os.FileInfo, err error) error {
		rel, relErr := filepath.Rel(s.baseDir, walkPath)
		if relErr != nil {
			rel = walkPath
		}
		return fn(rel, info, err)
	})
}

// RemoveOlderThan deletes regular files under relativePath whose modification time
// is before cutoff and whose name matches match (nil matches everything).
// It returns how many files were removed.
func (s *Sandbox) RemoveOlderThan(relativePath string, cutoff time.Time, match func(name string) bool) (int, error) {
	removed := 0
	err := s.Walk(relativePath, func(rel string, info os.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if info.IsDir() || !info.ModTime().Before(cutoff) {
			return nil
		}
		if match != nil && !match(info.Name()) {
			return nil
		}
		if err := s.Remove(rel); err != nil {
			return err
		}
		removed++
		return nil
	})
	return removed, err
}

// HTTPFileSystem exposes the sandbox read-only for http.FileServer.
func (s *Sandbox) HTTPFileSystem() http.FileSystem {
	return afero.NewHttpFs(afero.NewReadOnlyFs(afero.NewBasePathFs(s.fs, s.baseDir)))
}

func randomHex(n int) string {
	b := make([]byte, n/2+1)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", os.Getpid())
	}
	return hex.EncodeToString(b)[:n]
}
