// Package service coordinates runs: it queues them onto a fixed pool of
// workers, records every orchestrator event before broadcasting it, and
// serves catch-up subscriptions.
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"goa.design/clue/log"

	"github.com/xiaot623/gogo/agentrun/internal/broadcast"
	"github.com/xiaot623/gogo/agentrun/internal/orchestrator"
	"github.com/xiaot623/gogo/agentrun/internal/repository"
	"github.com/xiaot623/gogo/agentrun/internal/telemetry"
)

var (
	// ErrRunNotFound is returned for operations on an unknown run.
	ErrRunNotFound = errors.New("run not found")
	// ErrQueueFull is returned when no worker can accept another run.
	ErrQueueFull = errors.New("run queue is full")
	// ErrRunNotOwned is returned when canceling a live run another
	// process executes.
	ErrRunNotOwned = errors.New("run is executed by another process")
	// ErrInvalidRequest wraps request validation failures.
	ErrInvalidRequest = errors.New("invalid request")
)

// Config sizes the worker pool.
type Config struct {
	Workers   int
	QueueSize int
	// ReconcileInterval is how often a live subscription re-reads the store
	// to notice runs that ended without a broadcast.
	ReconcileInterval time.Duration
}

type Service struct {
	store        repository.Store
	broadcaster  broadcast.Broadcaster
	orchestrator *orchestrator.Orchestrator
	tools        orchestrator.Tools
	metrics      *telemetry.Metrics
	cfg          Config

	queue chan job

	mu   sync.Mutex
	runs map[string]*activeRun

	stop context.CancelFunc
	wg   sync.WaitGroup
}

// activeRun tracks a run owned by this process, from StartRun until its
// worker is done with it.
type activeRun struct {
	cancel   context.CancelCauseFunc
	canceled bool
}

func New(store repository.Store, b broadcast.Broadcaster, orch *orchestrator.Orchestrator, tools orchestrator.Tools, metrics *telemetry.Metrics, cfg Config) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 2 * time.Second
	}
	return &Service{
		store:        store,
		broadcaster:  b,
		orchestrator: orch,
		tools:        tools,
		metrics:      metrics,
		cfg:          cfg,
		queue:        make(chan job, cfg.QueueSize),
		runs:         make(map[string]*activeRun),
		stop:         func() {},
	}
}

// Start finishes runs orphaned by a previous process and launches the
// workers. Workers stop when ctx is done or Shutdown is called.
func (s *Service) Start(ctx context.Context) {
	s.recoverOrphans(ctx)

	ctx, s.stop = context.WithCancel(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
	log.Printf(ctx, "started %d run workers (queue size %d)", s.cfg.Workers, s.cfg.QueueSize)
}

// Shutdown cancels the runs in flight and waits for their workers to record
// the final events.
func (s *Service) Shutdown(ctx context.Context) error {
	s.stop()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.queue:
			s.execute(ctx, j)
		}
	}
}
