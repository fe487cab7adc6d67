package repository

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/agentrun/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func seedRun(t *testing.T, store *SQLiteStore, runID string) {
	t.Helper()
	err := store.CreateRun(context.Background(), &domain.Run{
		RunID:     runID,
		ProjectID: "p1",
		AgentID:   "a1",
		Model:     "m1",
		Status:    domain.RunStatusQueued,
	})
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
}

func TestSQLiteStoreRunLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedRun(t, store, "r1")

	run, err := store.GetRun(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, domain.RunStatusQueued, run.Status)
	assert.Nil(t, run.StartedAt)

	changed, err := store.UpdateRunStatus(ctx, "r1", domain.RunStatusRunning, nil)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = store.UpdateRunStatus(ctx, "r1", domain.RunStatusSucceeded, nil)
	require.NoError(t, err)
	assert.True(t, changed)

	// Terminal states never move again.
	changed, err = store.UpdateRunStatus(ctx, "r1", domain.RunStatusFailed, []byte(`{"message":"late"}`))
	require.NoError(t, err)
	assert.False(t, changed)

	run, err = store.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSucceeded, run.Status)
	assert.NotNil(t, run.StartedAt)
	assert.NotNil(t, run.FinishedAt)
	assert.Empty(t, run.Error)

	missing, err := store.GetRun(ctx, "nope")
	assert.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSQLiteStoreFailedRunKeepsError(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedRun(t, store, "r1")

	_, err := store.UpdateRunStatus(ctx, "r1", domain.RunStatusFailed, []byte(`{"message":"disk full"}`))
	require.NoError(t, err)

	run, err := store.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"message":"disk full"}`, string(run.Error))

	runs, err := store.ListRuns(ctx, domain.RunStatusFailed, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestSQLiteStoreNextSeqAndAppend(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedRun(t, store, "r1")

	seq, err := store.NextSeq(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	ev := &domain.RunEvent{RunID: "r1", Seq: seq, Type: domain.EventTypeRunStarted,
		CreatedAt: time.Now(), Payload: domain.RunStartedPayload("m1")}
	require.NoError(t, store.Append(ctx, ev))

	seq, err = store.NextSeq(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)

	// Same (run, seq) is rejected.
	dup := &domain.RunEvent{RunID: "r1", Seq: 1, Type: domain.EventTypeAssistantDelta,
		CreatedAt: time.Now(), Payload: domain.AssistantDeltaPayload("x")}
	err = store.Append(ctx, dup)
	assert.ErrorIs(t, err, ErrSeqConflict)

	err = store.Append(ctx, &domain.RunEvent{RunID: "ghost", Seq: 1, Type: domain.EventTypeRunStarted, CreatedAt: time.Now()})
	assert.ErrorIs(t, err, ErrRunNotFound)

	events, err := store.ListEvents(ctx, "r1", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "m1", events[0].Payload["model"])
	assert.Equal(t, time.UTC, events[0].CreatedAt.Location())
}

func TestSQLiteStoreAppendNextIsGapless(t *testing.T) {
	t.Run("Memory", func(t *testing.T) {
		assertConcurrentAppendGapless(t, newTestStore(t))
	})
	t.Run("File", func(t *testing.T) {
		// Several connections race for the write lock taken at BEGIN.
		dsn := "file:" + filepath.Join(t.TempDir(), "events.db") +
			"?mode=rwc&_txlock=immediate&_busy_timeout=5000&_foreign_keys=on"
		store, err := NewSQLiteStore(dsn)
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		assertConcurrentAppendGapless(t, store)
	})
}

func assertConcurrentAppendGapless(t *testing.T, store *SQLiteStore) {
	t.Helper()
	ctx := context.Background()
	seedRun(t, store, "r1")
	seedRun(t, store, "r2")

	var wg sync.WaitGroup
	for _, runID := range []string{"r1", "r2"} {
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(runID string, w int) {
				defer wg.Done()
				for i := 0; i < 10; i++ {
					_, err := store.AppendNext(ctx, runID, domain.EventTypeAssistantDelta,
						domain.AssistantDeltaPayload(fmt.Sprintf("%d-%d", w, i)), time.Time{})
					assert.NoError(t, err)
				}
			}(runID, w)
		}
	}
	wg.Wait()

	for _, runID := range []string{"r1", "r2"} {
		events, err := store.ListEvents(ctx, runID, 0, 0)
		require.NoError(t, err)
		require.Len(t, events, 40)
		for i, ev := range events {
			assert.Equal(t, int64(i+1), ev.Seq)
		}
	}
}

func TestSQLiteStoreListRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for i, id := range []string{"whole", "tenth", "later"} {
		err := store.CreateRun(ctx, &domain.Run{
			RunID:     id,
			ProjectID: "p1",
			AgentID:   "a1",
			Model:     "m1",
			Status:    domain.RunStatusQueued,
			CreatedAt: base.Add(time.Duration(i) * 100 * time.Millisecond),
		})
		require.NoError(t, err)
	}

	runs, err := store.ListRuns(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "later", runs[0].RunID)
	assert.Equal(t, "tenth", runs[1].RunID)
	assert.Equal(t, "whole", runs[2].RunID)
	assert.True(t, runs[2].CreatedAt.Equal(base))
}

func TestSQLiteStoreListEventsPaging(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedRun(t, store, "r1")

	for i := 0; i < 5; i++ {
		_, err := store.AppendNext(ctx, "r1", domain.EventTypeAssistantDelta, domain.AssistantDeltaPayload("x"), time.Now())
		require.NoError(t, err)
	}

	page, err := store.ListEvents(ctx, "r1", 2, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, int64(3), page[0].Seq)
	assert.Equal(t, int64(4), page[1].Seq)

	empty, err := store.ListEvents(ctx, "r1", 5, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
