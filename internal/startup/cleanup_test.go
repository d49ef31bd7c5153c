package startup

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmylchreest/shipper/internal/config"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeAged(t *testing.T, fsys afero.Fs, path string, age time.Duration) {
	t.Helper()
	require.NoError(t, fsys.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, afero.WriteFile(fsys, path, []byte("x"), 0o644))
	at := time.Now().Add(-age)
	require.NoError(t, fsys.Chtimes(path, at, at))
}

func ageDir(t *testing.T, fsys afero.Fs, path string, age time.Duration) {
	t.Helper()
	at := time.Now().Add(-age)
	require.NoError(t, fsys.Chtimes(path, at, at))
}

func exists(t *testing.T, fsys afero.Fs, path string) bool {
	t.Helper()
	ok, err := afero.Exists(fsys, path)
	require.NoError(t, err)
	return ok
}

func TestCleanupScratchFiles(t *testing.T) {
	logger := newTestLogger()

	t.Run("removes old scratch files", func(t *testing.T) {
		fsys := afero.NewMemMapFs()
		writeAged(t, fsys, "/tmp/shipper/abc-128-1.wav", 2*time.Hour)
		writeAged(t, fsys, "/tmp/shipper/abc-128-1.aac", 2*time.Hour)

		count, err := CleanupScratchFiles(logger, fsys, "/tmp/shipper", "", time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 2, count)
		assert.False(t, exists(t, fsys, "/tmp/shipper/abc-128-1.wav"))
	})

	t.Run("preserves recent scratch files", func(t *testing.T) {
		fsys := afero.NewMemMapFs()
		writeAged(t, fsys, "/tmp/shipper/abc-128-2.wav", 30*time.Minute)

		count, err := CleanupScratchFiles(logger, fsys, "/tmp/shipper", "", time.Hour)
		require.NoError(t, err)
		assert.Zero(t, count)
		assert.True(t, exists(t, fsys, "/tmp/shipper/abc-128-2.wav"))
	})

	t.Run("ignores files without the prefix or extension", func(t *testing.T) {
		fsys := afero.NewMemMapFs()
		writeAged(t, fsys, "/tmp/ship-abc-1.wav", 2*time.Hour)
		writeAged(t, fsys, "/tmp/other-abc-1.wav", 2*time.Hour)
		writeAged(t, fsys, "/tmp/ship-notes.txt", 2*time.Hour)

		count, err := CleanupScratchFiles(logger, fsys, "/tmp", "ship-", time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
		assert.True(t, exists(t, fsys, "/tmp/other-abc-1.wav"))
		assert.True(t, exists(t, fsys, "/tmp/ship-notes.txt"))
	})

	t.Run("missing directory is not an error", func(t *testing.T) {
		count, err := CleanupScratchFiles(logger, afero.NewMemMapFs(), "/nope", "", time.Hour)
		require.NoError(t, err)
		assert.Zero(t, count)
	})
}

func TestCleanupOrphanedPushDirs(t *testing.T) {
	logger := newTestLogger()
	fsys := afero.NewMemMapFs()
	root := "/tmp/shipper/push"

	writeAged(t, fsys, root+"/dead/abc/abc.m3u8", 3*time.Hour)
	ageDir(t, fsys, root+"/dead", 3*time.Hour)

	writeAged(t, fsys, root+"/busy/abc/abc.m3u8", time.Minute)

	writeAged(t, fsys, root+"/me/abc/abc-128-1.m4s", 2*time.Hour)
	writeAged(t, fsys, root+"/me/abc/abc-128-9.m4s", time.Minute)
	writeAged(t, fsys, root+"/me/abc/abc.m3u8", 2*time.Hour)
	ageDir(t, fsys, root+"/me", 3*time.Hour)

	count, err := CleanupOrphanedPushDirs(logger, fsys, root, "me", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	assert.False(t, exists(t, fsys, root+"/dead"))
	assert.True(t, exists(t, fsys, root+"/busy/abc/abc.m3u8"))
	assert.False(t, exists(t, fsys, root+"/me/abc/abc-128-1.m4s"))
	assert.True(t, exists(t, fsys, root+"/me/abc/abc-128-9.m4s"))
	assert.True(t, exists(t, fsys, root+"/me/abc/abc.m3u8"))
}

func TestCleanupScratch(t *testing.T) {
	fsys := afero.NewMemMapFs()
	ship := config.ShipConfig{TempPrefix: "/tmp/shipper/"}

	writeAged(t, fsys, "/tmp/shipper/abc-128-1.wav", 2*time.Hour)
	writeAged(t, fsys, "/tmp/shipper/push/old/abc/abc.m3u8", 2*time.Hour)
	ageDir(t, fsys, "/tmp/shipper/push/old", 2*time.Hour)

	count, err := CleanupScratch(newTestLogger(), fsys, ship, "current", DefaultCleanupAge)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
