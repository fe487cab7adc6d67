// Package repository persists runs and their event logs.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/xiaot623/gogo/agentrun/internal/domain"
)

var (
	// ErrSeqConflict is returned when an event with the same (run, seq)
	// has already been stored.
	ErrSeqConflict = errors.New("event sequence conflict")
	// ErrRunNotFound is returned when an event targets an unknown run.
	ErrRunNotFound = errors.New("run not found")
)

// EventStore is the sequencer and append-only log of run events.
type EventStore interface {
	// NextSeq returns one more than the highest stored seq for runID, or 1.
	NextSeq(ctx context.Context, runID string) (int64, error)
	// Append stores an event at an explicit seq. A duplicate (runID, seq)
	// yields ErrSeqConflict.
	Append(ctx context.Context, ev *domain.RunEvent) error
	// AppendNext allocates the next seq and stores the event in one
	// transaction.
	AppendNext(ctx context.Context, runID string, typ domain.EventType, payload map[string]any, createdAt time.Time) (*domain.RunEvent, error)
	// ListEvents returns events with seq > afterSeq in seq order. A
	// non-positive limit returns all of them.
	ListEvents(ctx context.Context, runID string, afterSeq int64, limit int) ([]domain.RunEvent, error)
}

// RunStore keeps the run rows, a projection of each run's log.
type RunStore interface {
	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	// UpdateRunStatus moves a run that is not yet terminal. It reports
	// whether a row changed.
	UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus, errData []byte) (bool, error)
	ListRuns(ctx context.Context, status domain.RunStatus, limit int) ([]domain.Run, error)
}

// Store defines the interface for data persistence.
type Store interface {
	EventStore
	RunStore
	Close() error
}
