package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// ErrProcessExited is returned when writing to a child that has already exited.
var ErrProcessExited = errors.New("process exited")

// DefaultCloseTimeout is how long Close waits for a child after closing its stdin.
const DefaultCloseTimeout = 5 * time.Second

// stdinBufferSize holds roughly one second of 48 kHz stereo s16le.
const stdinBufferSize = 192 * 1024

// ProcessStats is a point-in-time resource sample of a child process.
type ProcessStats struct {
	PID            int           `json:"pid"`
	CPUPercent     float64       `json:"cpu_percent"`
	MemoryRSSBytes uint64        `json:"memory_rss_bytes"`
	StartedAt      time.Time     `json:"started_at"`
	Uptime         time.Duration `json:"uptime"`
}

// Process is a child that reads PCM on stdin. It owns the child for its whole
// life: Close always reaps it, killing it if it does not exit in time.
type Process struct {
	command *Command
	cmd     *exec.Cmd
	logger  *slog.Logger

	stdin        io.WriteCloser
	w            *bufio.Writer
	closeTimeout time.Duration
	startedAt    time.Time

	// wmu guards w. A write blocked on a full pipe holds it, so Close never
	// takes it on its own goroutine.
	wmu    sync.Mutex
	closed atomic.Bool

	mu      sync.Mutex
	exited  chan struct{}
	waitErr error
	drained chan struct{}
}

// StartProcess launches command with a buffered stdin pipe and a stderr drain.
func StartProcess(ctx context.Context, command *Command, logger *slog.Logger) (*Process, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cmd := exec.CommandContext(ctx, command.Binary, command.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("getting stdin pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("getting stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", command.Binary, err)
	}

	p := &Process{
		command:      command,
		cmd:          cmd,
		logger:       logger.With(slog.String("binary", command.Binary), slog.Int("pid", cmd.Process.Pid)),
		stdin:        stdin,
		w:            bufio.NewWriterSize(stdin, stdinBufferSize),
		closeTimeout: DefaultCloseTimeout,
		startedAt:    time.Now(),
		exited:       make(chan struct{}),
		drained:      make(chan struct{}),
	}

	go p.drainStderr(stderr)
	go p.wait()

	p.logger.Debug("child process started", slog.String("command", command.String()))
	return p, nil
}

// WithCloseTimeout overrides how long Close waits before killing the child.
func (p *Process) WithCloseTimeout(d time.Duration) *Process {
	p.closeTimeout = d
	return p
}

func (p *Process) drainStderr(r io.Reader) {
	defer close(p.drained)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		p.command.appendStderr(line)
		p.logger.Debug("child stderr", slog.String("line", line))
	}
}

func (p *Process) wait() {
	// Wait closes the stderr pipe, so the drain must finish first.
	<-p.drained
	err := p.cmd.Wait()
	p.mu.Lock()
	p.waitErr = err
	p.mu.Unlock()
	close(p.exited)
}

// PID returns the child's process ID.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Write buffers PCM for the child's stdin.
func (p *Process) Write(b []byte) (int, error) {
	if p.closed.Load() {
		return 0, ErrProcessExited
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if p.closed.Load() {
		return 0, ErrProcessExited
	}
	select {
	case <-p.exited:
		return 0, fmt.Errorf("%w: %v", ErrProcessExited, p.exitErr())
	default:
	}
	return p.w.Write(b)
}

// Flush pushes buffered PCM to the child.
func (p *Process) Flush() error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	if p.closed.Load() {
		return ErrProcessExited
	}
	if err := p.w.Flush(); err != nil {
		return fmt.Errorf("flushing stdin: %w", err)
	}
	return nil
}

// Exited is closed once the child has been reaped.
func (p *Process) Exited() <-chan struct{} {
	return p.exited
}

// Alive reports whether the child is still running and not a zombie.
func (p *Process) Alive() bool {
	select {
	case <-p.exited:
		return false
	default:
	}
	proc, err := process.NewProcess(int32(p.PID()))
	if err != nil {
		return false
	}
	running, err := proc.IsRunning()
	if err != nil || !running {
		return false
	}
	if status, err := proc.Status(); err == nil && slices.Contains(status, process.Zombie) {
		return false
	}
	return true
}

// Stats samples CPU and memory usage of the child.
func (p *Process) Stats() (ProcessStats, error) {
	stats := ProcessStats{PID: p.PID(), StartedAt: p.startedAt, Uptime: time.Since(p.startedAt)}
	proc, err := process.NewProcess(int32(p.PID()))
	if err != nil {
		return stats, fmt.Errorf("inspecting pid %d: %w", stats.PID, err)
	}
	if cpu, err := proc.CPUPercent(); err == nil {
		stats.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		stats.MemoryRSSBytes = mem.RSS
	}
	return stats, nil
}

// StderrLines returns the captured stderr tail.
func (p *Process) StderrLines() []string {
	return p.command.StderrLines()
}

func (p *Process) exitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// Close flushes and closes stdin, waits for the child to exit, and kills it
// after the close timeout. It is safe to call more than once, and it reaches
// the kill even while a Write is blocked on a child that stopped reading.
func (p *Process) Close() error {
	if p.closed.Swap(true) {
		<-p.exited
		return nil
	}

	var flushErr, closeErr error
	stdinDone := make(chan struct{})
	go func() {
		defer close(stdinDone)
		p.wmu.Lock()
		flushErr = p.w.Flush()
		p.wmu.Unlock()
		closeErr = p.stdin.Close()
	}()

	timer := time.NewTimer(p.closeTimeout)
	defer timer.Stop()

	select {
	case <-p.exited:
	case <-timer.C:
		p.logger.Warn("child did not exit after stdin closed, killing",
			slog.Duration("timeout", p.closeTimeout))
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			p.logger.Error("killing child failed", slog.String("error", err.Error()))
		}
		<-p.exited
	}
	// the child is gone, so any blocked write has failed with a broken pipe
	<-stdinDone

	p.logger.Debug("child process closed")
	return errors.Join(flushErr, closeErr, p.exitErr())
}
