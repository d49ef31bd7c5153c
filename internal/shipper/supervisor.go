package shipper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jmylchreest/shipper/internal/observability"
)

// WorkerFactory builds the worker for a stream. ctx bounds the worker's lifetime
// and any child process its sink starts.
type WorkerFactory func(ctx context.Context, streamKey string) (*Worker, error)

// StreamLister enumerates the streams the upstream registry currently knows.
type StreamLister interface {
	ListStreamKeys(ctx context.Context) ([]string, error)
}

type runningWorker struct {
	worker *Worker
	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor keeps one running worker per known stream.
type Supervisor struct {
	static  []string
	lister  StreamLister
	factory WorkerFactory
	metrics *observability.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	workers map[string]*runningWorker
}

// NewSupervisor creates a supervisor. static streams always run; lister may be nil.
func NewSupervisor(static []string, lister StreamLister, factory WorkerFactory, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		static:  static,
		lister:  lister,
		factory: factory,
		logger:  observability.WithComponent(logger, "supervisor"),
		workers: make(map[string]*runningWorker),
	}
}

// WithMetrics attaches pipeline metrics.
func (s *Supervisor) WithMetrics(m *observability.Metrics) *Supervisor {
	s.metrics = m
	return s
}

// Start launches workers for the static streams and the first discovery pass.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.ctx != nil {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	if err := s.Refresh(ctx); err != nil {
		s.logger.WarnContext(ctx, "initial stream discovery failed", slog.String("error", err.Error()))
	}
	s.logger.InfoContext(ctx, "supervisor started", slog.Int("streams", len(s.StreamKeys())))
	return nil
}

// Refresh reconciles running workers with the static streams plus those the
// lister reports. A lister failure leaves discovered workers running.
func (s *Supervisor) Refresh(ctx context.Context) error {
	desired := make(map[string]bool, len(s.static))
	for _, k := range s.static {
		desired[k] = true
	}

	var listErr error
	if s.lister != nil {
		keys, err := s.lister.ListStreamKeys(ctx)
		if err != nil {
			listErr = fmt.Errorf("listing streams: %w", err)
		}
		for _, k := range keys {
			desired[k] = true
		}
	}

	s.mu.Lock()
	if s.ctx == nil {
		s.mu.Unlock()
		return errors.New("supervisor not started")
	}
	parent := s.ctx

	var stopping []*runningWorker
	if listErr == nil {
		for key, rw := range s.workers {
			if !desired[key] {
				stopping = append(stopping, rw)
				delete(s.workers, key)
				s.logger.InfoContext(ctx, "stream removed, stopping worker", slog.String("stream_key", key))
			}
		}
	}

	var errs []error
	if listErr != nil {
		errs = append(errs, listErr)
	}
	for key := range desired {
		if _, ok := s.workers[key]; ok {
			continue
		}
		if err := s.startLocked(parent, key); err != nil {
			errs = append(errs, err)
		}
	}
	active := len(s.workers)
	s.mu.Unlock()

	for _, rw := range stopping {
		rw.cancel()
		<-rw.done
	}
	s.metrics.SetActiveStreams(active)
	return errors.Join(errs...)
}

func (s *Supervisor) startLocked(parent context.Context, key string) error {
	ctx, cancel := context.WithCancel(parent)
	w, err := s.factory(ctx, key)
	if err != nil {
		cancel()
		s.logger.ErrorContext(parent, "worker not started",
			slog.String("stream_key", key),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("starting worker %s: %w", key, err)
	}

	rw := &runningWorker{worker: w, cancel: cancel, done: make(chan struct{})}
	s.workers[key] = rw
	go func() {
		defer close(rw.done)
		if err := w.Run(ctx); err != nil {
			s.logger.ErrorContext(parent, "worker exited",
				slog.String("stream_key", key),
				slog.String("error", err.Error()),
			)
			// Forget the worker so the next refresh retries it.
			s.mu.Lock()
			if s.workers[key] == rw {
				delete(s.workers, key)
			}
			s.mu.Unlock()
		}
	}()
	return nil
}

// Stop cancels every worker and waits for them to close their sinks.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	workers := make([]*runningWorker, 0, len(s.workers))
	for _, rw := range s.workers {
		workers = append(workers, rw)
	}
	s.workers = make(map[string]*runningWorker)
	s.ctx = nil
	s.cancel = nil
	s.mu.Unlock()

	for _, rw := range workers {
		<-rw.done
	}
	s.metrics.SetActiveStreams(0)
	s.logger.Info("supervisor stopped")
}

// StreamKeys returns the streams with a running worker, sorted.
func (s *Supervisor) StreamKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.workers))
	for k := range s.workers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Worker returns the running worker for a stream.
func (s *Supervisor) Worker(streamKey string) (*Worker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rw, ok := s.workers[streamKey]
	if !ok {
		return nil, false
	}
	return rw.worker, true
}

// Statuses summarizes every running worker, sorted by stream key.
func (s *Supervisor) Statuses(now time.Time) []WorkerStatus {
	s.mu.Lock()
	workers := make([]*Worker, 0, len(s.workers))
	for _, rw := range s.workers {
		workers = append(workers, rw.worker)
	}
	s.mu.Unlock()

	out := make([]WorkerStatus, 0, len(workers))
	for _, w := range workers {
		out = append(out, w.Status(now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamKey < out[j].StreamKey })
	return out
}

// Healthy reports whether every running worker is healthy. No workers is healthy.
func (s *Supervisor) Healthy(now time.Time) bool {
	for _, st := range s.Statuses(now) {
		if !st.Healthy {
			return false
		}
	}
	return true
}
