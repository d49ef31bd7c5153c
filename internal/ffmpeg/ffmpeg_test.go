package ffmpeg

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmylchreest/shipper/internal/audio"
	"github.com/jmylchreest/shipper/internal/models"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// skipIfNoFFmpeg skips the test if ffmpeg is not installed.
func skipIfNoFFmpeg(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		t.Skip("ffmpeg not installed")
	}
	return path
}

func skipIfNoBinary(t *testing.T, name string) string {
	t.Helper()
	path, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("%s not installed", name)
	}
	return path
}

func TestFindBinary_Configured(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "fake-ffmpeg")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755))

	path, err := FindBinary("ffmpeg", bin, "")
	require.NoError(t, err)
	assert.Equal(t, bin, path)

	notExec := filepath.Join(dir, "plain")
	require.NoError(t, os.WriteFile(notExec, []byte("x"), 0o644))
	_, err = FindBinary("ffmpeg", notExec, "")
	assert.Error(t, err)
}

func TestFindBinary_EnvVar(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "ffmpeg-env")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755))
	t.Setenv(EnvFFmpegBinary, bin)

	path, err := FindBinary("ffmpeg", "", EnvFFmpegBinary)
	require.NoError(t, err)
	assert.Equal(t, bin, path)
}

func TestFindBinary_NotFound(t *testing.T) {
	_, err := FindBinary("definitely-not-a-real-binary-name", "", "")
	assert.Error(t, err)
}

func TestParseVersion(t *testing.T) {
	info := &BinaryInfo{}
	require.NoError(t, parseVersion("ffmpeg version n7.1-2-gabcdef Copyright (c) 2000-2024\nbuilt with gcc\n", info))
	assert.Equal(t, "n7.1-2-gabcdef", info.Version)
	assert.Equal(t, 7, info.MajorVersion)
	assert.Equal(t, 1, info.MinorVersion)

	assert.Error(t, parseVersion("garbage", &BinaryInfo{}))
}

func TestParseEncoders(t *testing.T) {
	out := `Encoders:
 V..... = Video
 A..... = Audio
 ------
 V....D libx264              libx264 H.264
 A....D aac                  AAC (Advanced Audio Coding)
 A....D libopus              libopus Opus
`
	info := &BinaryInfo{Encoders: parseEncoders(out)}
	assert.Equal(t, []string{"libx264", "aac", "libopus"}, info.Encoders)
	assert.True(t, info.HasEncoder("aac"))
	assert.False(t, info.HasEncoder("libfdk_aac"))
}

func TestBinaryInfo_SupportsMinVersion(t *testing.T) {
	info := &BinaryInfo{MajorVersion: 6, MinorVersion: 1}
	assert.True(t, info.SupportsMinVersion(5, 9))
	assert.True(t, info.SupportsMinVersion(6, 1))
	assert.False(t, info.SupportsMinVersion(6, 2))
	assert.False(t, info.SupportsMinVersion(7, 0))
	assert.Contains(t, info.JSON(), `"major_version": 6`)
}

func TestCommandBuilder_Build(t *testing.T) {
	cmd := NewCommandBuilder("/usr/bin/ffmpeg").
		HideBanner().
		Overwrite().
		RawPCMInput(48000, 2).
		Input("pipe:0").
		AudioCodec("aac").
		AudioBitrate(128000).
		Output("out.aac").
		Build()

	assert.Equal(t, []string{
		"-loglevel", "error", "-hide_banner", "-y",
		"-f", "s16le", "-ar", "48000", "-ac", "2",
		"-i", "pipe:0",
		"-c:a", "aac", "-b:a", "128000",
		"out.aac",
	}, cmd.Args)
	assert.Equal(t, "/usr/bin/ffmpeg -loglevel error -hide_banner -y -f s16le -ar 48000 -ac 2 -i pipe:0 -c:a aac -b:a 128000 out.aac", cmd.String())
}

func TestCommandBuilder_HLSArgs(t *testing.T) {
	cmd := NewCommandBuilder("ffmpeg").
		Input("pipe:0").
		HLSArgs(6, 10, "/tmp/x/abc-128-%d.m4s", "abc-128-IS.mp4").
		Output("/tmp/x/abc.m3u8").
		Build()

	assert.Contains(t, cmd.Args, "-hls_segment_type")
	assert.Contains(t, cmd.Args, "fmp4")
	assert.Contains(t, cmd.Args, "abc-128-IS.mp4")
	assert.Equal(t, "/tmp/x/abc.m3u8", cmd.Args[len(cmd.Args)-1])
}

func TestAACEncoder_Command(t *testing.T) {
	enc := NewAACEncoder("ffmpeg", 128000, "warning", nil)
	cmd := enc.Command("in.wav", "out.aac")
	assert.Equal(t, []string{
		"-loglevel", "warning", "-hide_banner", "-y",
		"-i", "in.wav",
		"-c:a", "aac", "-b:a", "128000", "-f", "adts",
		"out.aac",
	}, cmd.Args)
}

func TestCommand_RunCapturesStderr(t *testing.T) {
	sh := skipIfNoBinary(t, "sh")
	cmd := &Command{Binary: sh, Args: []string{"-c", "echo first >&2; echo boom >&2; exit 3"}}

	err := cmd.Run(context.Background())
	require.Error(t, err)

	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, []string{"first", "boom"}, runErr.Stderr)
	assert.Contains(t, err.Error(), "boom")
}

func TestProcess_WriteCloseAndAlive(t *testing.T) {
	cat := skipIfNoBinary(t, "cat")
	p, err := StartProcess(context.Background(), &Command{Binary: cat}, nil)
	require.NoError(t, err)

	assert.True(t, p.Alive())
	_, err = p.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, p.Flush())

	stats, err := p.Stats()
	require.NoError(t, err)
	assert.Equal(t, p.PID(), stats.PID)

	require.NoError(t, p.Close())
	assert.False(t, p.Alive())
	require.NoError(t, p.Close(), "second close is a no-op")

	_, err = p.Write([]byte("late"))
	assert.ErrorIs(t, err, ErrProcessExited)
}

func TestProcess_CloseKillsStuckChild(t *testing.T) {
	sh := skipIfNoBinary(t, "sh")
	// ignores stdin EOF and sleeps
	p, err := StartProcess(context.Background(), &Command{Binary: sh, Args: []string{"-c", "exec sleep 30"}}, nil)
	require.NoError(t, err)
	p.WithCloseTimeout(100 * time.Millisecond)

	start := time.Now()
	err = p.Close()
	assert.Error(t, err, "killed child reports its signal")
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.False(t, p.Alive())
}

func TestProcess_CloseWhileWriteBlocked(t *testing.T) {
	sh := skipIfNoBinary(t, "sh")
	// never reads stdin, so a large write fills the pipe and blocks
	p, err := StartProcess(context.Background(), &Command{Binary: sh, Args: []string{"-c", "exec sleep 30"}}, nil)
	require.NoError(t, err)
	p.WithCloseTimeout(100 * time.Millisecond)

	writeErr := make(chan error, 1)
	go func() {
		_, err := p.Write(make([]byte, 4*stdinBufferSize))
		writeErr <- err
	}()
	time.Sleep(200 * time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- p.Close() }()

	select {
	case <-closed:
	case <-time.After(10 * time.Second):
		t.Fatal("Close waited on the blocked write instead of killing the child")
	}
	select {
	case err := <-writeErr:
		assert.Error(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("blocked write was not released by the kill")
	}
	assert.False(t, p.Alive())
}

func TestIntegration_AACEncoder(t *testing.T) {
	ffmpegPath := skipIfNoFFmpeg(t)
	dir := t.TempDir()

	buf := audio.NewBuffer(48000, 2, 48000)
	for i := range buf.Samples {
		v := float32(i%100) / 200
		buf.Samples[i][0], buf.Samples[i][1] = v, -v
	}
	wavPath := filepath.Join(dir, "in.wav")
	require.NoError(t, audio.WriteWAVFile(afero.NewOsFs(), wavPath, buf))

	enc := NewAACEncoder(ffmpegPath, 128000, "error", nil)
	aacPath := filepath.Join(dir, "out.aac")
	require.NoError(t, enc.EncodeFile(context.Background(), wavPath, aacPath))

	data, err := os.ReadFile(aacPath)
	require.NoError(t, err)
	require.Greater(t, len(data), 7)
	assert.Equal(t, byte(0xFF), data[0])

	err = enc.EncodeFile(context.Background(), filepath.Join(dir, "missing.wav"), aacPath)
	assert.ErrorIs(t, err, models.ErrEncodeFailed)
}
