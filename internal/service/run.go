package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/xiaot623/gogo/agentrun/internal/domain"
	"github.com/xiaot623/gogo/agentrun/internal/orchestrator"
)

type job struct {
	input orchestrator.Input
}

// StartRun validates the request, stores the run as queued and hands it to
// the worker pool.
func (s *Service) StartRun(ctx context.Context, req domain.StartRunRequest) (*domain.StartRunResponse, error) {
	switch {
	case strings.TrimSpace(req.ProjectID) == "":
		return nil, fmt.Errorf("%w: project_id is required", ErrInvalidRequest)
	case strings.TrimSpace(req.AgentID) == "":
		return nil, fmt.Errorf("%w: agent_id is required", ErrInvalidRequest)
	case strings.TrimSpace(req.Agent.Model) == "":
		return nil, fmt.Errorf("%w: agent.model is required", ErrInvalidRequest)
	case strings.TrimSpace(req.Input.Message) == "":
		return nil, fmt.Errorf("%w: input.message is required", ErrInvalidRequest)
	}

	run := &domain.Run{
		RunID:     "run_" + uuid.New().String(),
		ProjectID: req.ProjectID,
		AgentID:   req.AgentID,
		UserID:    req.UserID,
		Model:     req.Agent.Model,
		Status:    domain.RunStatusQueued,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	j := job{input: orchestrator.Input{
		Run:           domain.RunContext{ProjectID: run.ProjectID, RunID: run.RunID, UserID: run.UserID},
		Agent:         req.Agent,
		Message:       req.Input.Message,
		PriorMessages: req.Input.PriorMessages,
	}}

	s.mu.Lock()
	s.runs[run.RunID] = &activeRun{}
	s.mu.Unlock()

	select {
	case s.queue <- j:
	default:
		s.release(run.RunID)
		s.failRun(ctx, run.RunID, ErrQueueFull)
		return nil, ErrQueueFull
	}

	log.Info(ctx, log.KV{K: "msg", V: "run queued"}, log.KV{K: "run_id", V: run.RunID},
		log.KV{K: "agent_id", V: run.AgentID}, log.KV{K: "model", V: run.Model})
	return &domain.StartRunResponse{RunID: run.RunID, Status: run.Status}, nil
}

func (s *Service) release(runID string) {
	s.mu.Lock()
	delete(s.runs, runID)
	s.mu.Unlock()
}

// claim marks a queued run as running on this worker. It reports false when
// the run was canceled while it waited.
func (s *Service) claim(runID string, cancel context.CancelCauseFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.runs[runID]
	if r == nil || r.canceled {
		return false
	}
	r.cancel = cancel
	return true
}

// execute drives one run to completion. The run's context is canceled by
// CancelRun or shutdown; the records it produces are written on a context
// that outlives both so the log always reaches a terminal event.
func (s *Service) execute(ctx context.Context, j job) {
	runID := j.input.Run.RunID
	defer s.release(runID)

	storeCtx := context.WithoutCancel(ctx)
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if !s.claim(runID, cancel) {
		log.Printf(storeCtx, "skipping canceled run %s", runID)
		return
	}

	start := time.Now()
	done := make(chan struct{})
	defer close(done)

	var final domain.RunStatus
	for d := range s.orchestrator.Run(runCtx, j.input, done) {
		ev, err := s.recordEvent(storeCtx, runID, d)
		if err != nil {
			cancel(err)
			log.Errorf(storeCtx, err, "run %s stopped", runID)
			s.failRun(storeCtx, runID, err)
			s.metrics.RunFinished(storeCtx, string(domain.RunStatusFailed), time.Since(start))
			return
		}
		if status, ok := domain.StatusForEvent(ev.Type, ev.Payload); ok && status.IsTerminal() {
			final = status
		}
	}

	s.metrics.RunFinished(storeCtx, string(final), time.Since(start))
	log.Info(storeCtx, log.KV{K: "msg", V: "run finished"}, log.KV{K: "run_id", V: runID},
		log.KV{K: "status", V: final}, log.KV{K: "duration_ms", V: time.Since(start).Milliseconds()})
}

// CancelRun cancels a run. A running run stops at its next provider wait; a
// queued run is finished with a status event and never started. Canceling a
// finished run does nothing. A live run this service does not execute yields
// ErrRunNotOwned.
func (s *Service) CancelRun(ctx context.Context, runID string) (*domain.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return nil, ErrRunNotFound
	}
	if run.Status.IsTerminal() {
		return run, nil
	}

	s.mu.Lock()
	r := s.runs[runID]
	switch {
	case r != nil && r.cancel != nil:
		r.cancel(orchestrator.ErrRunCanceled)
		s.mu.Unlock()
		log.Printf(ctx, "cancel requested for running run %s", runID)
		return run, nil
	case r != nil && r.canceled:
		s.mu.Unlock()
		return run, nil
	case r == nil:
		s.mu.Unlock()
		// Finished since the read above, or executed by another process.
		run, err = s.store.GetRun(ctx, runID)
		if err != nil {
			return nil, fmt.Errorf("failed to get run: %w", err)
		}
		if run != nil && run.Status.IsTerminal() {
			return run, nil
		}
		return nil, ErrRunNotOwned
	}
	r.canceled = true
	s.mu.Unlock()

	if _, err := s.recordEvent(ctx, runID, orchestrator.Draft{
		Type:      domain.EventTypeStatus,
		Payload:   domain.StatusPayload(domain.RunStatusCanceled),
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return nil, err
	}
	log.Printf(ctx, "canceled queued run %s", runID)
	return s.store.GetRun(ctx, runID)
}

// recoverOrphans finishes runs left queued or running by a previous process.
// Their logs get an error event and a failed run_finished.
func (s *Service) recoverOrphans(ctx context.Context) {
	for _, status := range []domain.RunStatus{domain.RunStatusRunning, domain.RunStatusQueued} {
		runs, err := s.store.ListRuns(ctx, status, 0)
		if err != nil {
			log.Errorf(ctx, err, "failed to list %s runs", status)
			continue
		}
		for _, run := range runs {
			s.mu.Lock()
			_, owned := s.runs[run.RunID]
			s.mu.Unlock()
			if owned {
				continue
			}
			now := time.Now().UTC()
			drafts := []orchestrator.Draft{
				{Type: domain.EventTypeError, Payload: domain.ErrorPayload("run interrupted by restart", nil), CreatedAt: now},
				{Type: domain.EventTypeRunFinished, Payload: domain.RunFinishedPayload(false, domain.Usage{}, false), CreatedAt: now},
			}
			for _, d := range drafts {
				if _, err := s.recordEvent(ctx, run.RunID, d); err != nil {
					log.Errorf(ctx, err, "failed to finish orphaned run %s", run.RunID)
					break
				}
			}
			log.Warn(ctx, log.KV{K: "msg", V: "finished orphaned run"}, log.KV{K: "run_id", V: run.RunID},
				log.KV{K: "status", V: status})
		}
	}
}
