package service

import (
	"context"
	"encoding/json"
	"fmt"

	"goa.design/clue/log"

	"github.com/xiaot623/gogo/agentrun/internal/domain"
	"github.com/xiaot623/gogo/agentrun/internal/orchestrator"
)

// recordEvent appends an event to the run's log, updates the run row, and
// only then broadcasts it. A broadcast failure is logged; the stored event
// stays authoritative.
func (s *Service) recordEvent(ctx context.Context, runID string, d orchestrator.Draft) (*domain.RunEvent, error) {
	ev, err := s.store.AppendNext(ctx, runID, d.Type, d.Payload, d.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to append %s event: %w", d.Type, err)
	}
	s.metrics.EventAppended(ctx, string(ev.Type))

	if status, ok := domain.StatusForEvent(ev.Type, ev.Payload); ok {
		if _, err := s.store.UpdateRunStatus(ctx, runID, status, nil); err != nil {
			log.Errorf(ctx, err, "failed to update run %s to %s", runID, status)
		}
	}

	if err := s.broadcaster.Publish(ctx, *ev); err != nil {
		s.metrics.BroadcastFailed(ctx)
		log.Errorf(ctx, err, "failed to broadcast run %s event %d", runID, ev.Seq)
	}
	return ev, nil
}

// failRun marks a run failed without an event, for when its log can no
// longer be written.
func (s *Service) failRun(ctx context.Context, runID string, cause error) {
	errData, _ := json.Marshal(map[string]string{"message": cause.Error()})
	if _, err := s.store.UpdateRunStatus(ctx, runID, domain.RunStatusFailed, errData); err != nil {
		log.Errorf(ctx, err, "failed to mark run %s failed", runID)
	}
}
