package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

// maxStderrLines bounds the stderr tail kept for error reports.
const maxStderrLines = 50

// Command is a built ffmpeg or ffplay invocation.
type Command struct {
	Binary   string
	Args     []string
	Input    string
	Output   string
	LogLevel string

	stderrMu    sync.RWMutex
	stderrLines []string
}

// CommandBuilder builds ffmpeg commands with a fluent API.
type CommandBuilder struct {
	binary     string
	globalArgs []string
	inputArgs  []string
	input      string
	outputArgs []string
	output     string
	logLevel   string
	overwrite  bool
}

// NewCommandBuilder creates a new command builder for the given binary.
func NewCommandBuilder(binaryPath string) *CommandBuilder {
	return &CommandBuilder{
		binary:   binaryPath,
		logLevel: "error",
	}
}

// LogLevel sets the -loglevel value.
func (b *CommandBuilder) LogLevel(level string) *CommandBuilder {
	if level != "" {
		b.logLevel = level
	}
	return b
}

// HideBanner hides the banner.
func (b *CommandBuilder) HideBanner() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-hide_banner")
	return b
}

// GlobalArgs appends arguments placed before the input.
func (b *CommandBuilder) GlobalArgs(args ...string) *CommandBuilder {
	b.globalArgs = append(b.globalArgs, args...)
	return b
}

// Overwrite enables output file overwriting.
func (b *CommandBuilder) Overwrite() *CommandBuilder {
	b.overwrite = true
	return b
}

// Input sets the input source.
func (b *CommandBuilder) Input(input string) *CommandBuilder {
	b.input = input
	return b
}

// InputArgs adds arguments that apply to the input.
func (b *CommandBuilder) InputArgs(args ...string) *CommandBuilder {
	b.inputArgs = append(b.inputArgs, args...)
	return b
}

// RawPCMInput declares the input as interleaved signed 16-bit little-endian PCM.
func (b *CommandBuilder) RawPCMInput(frameRate, channels int) *CommandBuilder {
	return b.InputArgs(
		"-f", "s16le",
		"-ar", strconv.Itoa(frameRate),
		"-ac", strconv.Itoa(channels),
	)
}

// AudioCodec sets the audio codec.
func (b *CommandBuilder) AudioCodec(codec string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-c:a", codec)
	return b
}

// AudioBitrate sets the audio bitrate in bits per second.
func (b *CommandBuilder) AudioBitrate(bps int) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-b:a", strconv.Itoa(bps))
	return b
}

// AudioChannels sets the number of output channels.
func (b *CommandBuilder) AudioChannels(channels int) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-ac", strconv.Itoa(channels))
	return b
}

// OutputArgs adds arbitrary output arguments.
func (b *CommandBuilder) OutputArgs(args ...string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, args...)
	return b
}

// HLSArgs configures the hls muxer for fMP4 segments of segmentTime seconds.
// Old segments are kept so the caller can upload them before pruning.
func (b *CommandBuilder) HLSArgs(segmentTime, playlistSize int, segmentPattern, initName string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs,
		"-f", "hls",
		"-hls_time", strconv.Itoa(segmentTime),
		"-hls_list_size", strconv.Itoa(playlistSize),
		"-hls_segment_type", "fmp4",
		"-hls_fmp4_init_filename", initName,
		"-hls_segment_filename", segmentPattern,
		"-hls_flags", "independent_segments+program_date_time",
	)
	return b
}

// Output sets the output destination.
func (b *CommandBuilder) Output(output string) *CommandBuilder {
	b.output = output
	return b
}

// Build assembles the argument list.
func (b *CommandBuilder) Build() *Command {
	var args []string
	args = append(args, "-loglevel", b.logLevel)
	args = append(args, b.globalArgs...)
	if b.overwrite {
		args = append(args, "-y")
	}
	args = append(args, b.inputArgs...)
	if b.input != "" {
		args = append(args, "-i", b.input)
	}
	args = append(args, b.outputArgs...)
	if b.output != "" {
		args = append(args, b.output)
	}

	return &Command{
		Binary:      b.binary,
		Args:        args,
		Input:       b.input,
		Output:      b.output,
		LogLevel:    b.logLevel,
		stderrLines: make([]string, 0, maxStderrLines),
	}
}

// String returns the command line.
func (c *Command) String() string {
	return c.Binary + " " + strings.Join(c.Args, " ")
}

// Run executes the command to completion and captures its stderr tail.
// A non-zero exit is returned as a *RunError carrying that tail.
func (c *Command) Run(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, c.Binary, c.Args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	started := time.Now()
	err := cmd.Run()
	c.captureStderr(&stderr)
	if err != nil {
		return &RunError{
			Command:  c.String(),
			Err:      err,
			Stderr:   c.StderrLines(),
			Duration: time.Since(started),
		}
	}
	return nil
}

// captureStderr keeps the last maxStderrLines lines of r.
func (c *Command) captureStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		c.appendStderr(scanner.Text())
	}
}

func (c *Command) appendStderr(line string) {
	c.stderrMu.Lock()
	defer c.stderrMu.Unlock()
	if len(c.stderrLines) >= maxStderrLines {
		c.stderrLines = c.stderrLines[1:]
	}
	c.stderrLines = append(c.stderrLines, line)
}

// StderrLines returns a copy of the captured stderr tail.
func (c *Command) StderrLines() []string {
	c.stderrMu.RLock()
	defer c.stderrMu.RUnlock()
	lines := make([]string, len(c.stderrLines))
	copy(lines, c.stderrLines)
	return lines
}

// RunError reports a failed invocation.
type RunError struct {
	Command  string
	Err      error
	Stderr   []string
	Duration time.Duration
}

func (e *RunError) Error() string {
	msg := fmt.Sprintf("running %s: %v", e.Command, e.Err)
	if len(e.Stderr) > 0 {
		msg += " (stderr: " + e.Stderr[len(e.Stderr)-1] + ")"
	}
	return msg
}

func (e *RunError) Unwrap() error {
	return e.Err
}
