// Package helpers holds constructors shared by package tests.
package helpers

import (
	"context"
	"testing"

	"github.com/xiaot623/gogo/agentrun/internal/domain"
	"github.com/xiaot623/gogo/agentrun/internal/repository"
)

// NewTestSQLiteStore returns an in-memory store closed at test cleanup.
func NewTestSQLiteStore(t *testing.T) *repository.SQLiteStore {
	t.Helper()

	s, err := repository.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create sqlite store: %v", err)
	}

	t.Cleanup(func() {
		_ = s.Close()
	})

	return s
}

// SeedRun inserts a queued run with the given id.
func SeedRun(t *testing.T, s repository.RunStore, runID string) *domain.Run {
	t.Helper()

	run := &domain.Run{
		RunID:     runID,
		ProjectID: "p1",
		AgentID:   "a1",
		Model:     "mock-model",
		Status:    domain.RunStatusQueued,
	}
	if err := s.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("failed to seed run %s: %v", runID, err)
	}
	return run
}
