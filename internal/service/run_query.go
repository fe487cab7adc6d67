package service

import (
	"context"
	"fmt"

	"github.com/xiaot623/gogo/agentrun/internal/domain"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// GetRun returns a run together with the state replayed from its log.
func (s *Service) GetRun(ctx context.Context, runID string) (*domain.RunResponse, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return nil, ErrRunNotFound
	}
	events, err := s.store.ListEvents(ctx, runID, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	replay := domain.ReplayEvents(events)
	return &domain.RunResponse{
		Run:          run,
		LastSeq:      replay.LastSeq,
		Transcript:   replay.Transcript,
		FinalMessage: replay.FinalMessage,
		Usage:        replay.Usage,
	}, nil
}

// ListRuns lists runs, newest first.
func (s *Service) ListRuns(ctx context.Context, status domain.RunStatus, limit int) ([]domain.Run, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, status)
	}
	if limit <= 0 || limit > maxEventLimit {
		limit = defaultEventLimit
	}
	runs, err := s.store.ListRuns(ctx, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	if runs == nil {
		runs = []domain.Run{}
	}
	return runs, nil
}

// ListEvents returns a page of a run's log after afterSeq.
func (s *Service) ListEvents(ctx context.Context, runID string, afterSeq int64, limit int) (*domain.ListEventsResponse, error) {
	if afterSeq < 0 {
		return nil, fmt.Errorf("%w: after_seq must not be negative", ErrInvalidRequest)
	}
	if limit <= 0 {
		limit = defaultEventLimit
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return nil, ErrRunNotFound
	}

	events, err := s.store.ListEvents(ctx, runID, afterSeq, limit+1)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	resp := &domain.ListEventsResponse{NextAfterSeq: afterSeq}
	if len(events) > limit {
		events = events[:limit]
		resp.HasMore = true
	}
	if len(events) > 0 {
		resp.NextAfterSeq = events[len(events)-1].Seq
	}
	resp.Events = events
	return resp, nil
}
