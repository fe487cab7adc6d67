package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/xiaot623/gogo/agentrun/internal/domain"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			user_id TEXT,
			model TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			started_at TEXT,
			finished_at TEXT,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status, created_at)`,
		`CREATE TABLE IF NOT EXISTS run_events (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL CHECK (seq > 0),
			type TEXT NOT NULL,
			created_at TEXT NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (run_id, seq),
			FOREIGN KEY (run_id) REFERENCES runs(run_id)
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, v)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// mapConstraint turns sqlite constraint failures on run_events into the
// package's sentinel errors.
func mapConstraint(err error) error {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) || sqliteErr.Code != sqlite3.ErrConstraint {
		return err
	}
	switch sqliteErr.ExtendedCode {
	case sqlite3.ErrConstraintForeignKey:
		return fmt.Errorf("%w: %v", ErrRunNotFound, err)
	case sqlite3.ErrConstraintPrimaryKey, sqlite3.ErrConstraintUnique:
		return fmt.Errorf("%w: %v", ErrSeqConflict, err)
	}
	return err
}

// CreateRun creates a new run.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *domain.Run) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	var userID sql.NullString
	if run.UserID != "" {
		userID = sql.NullString{String: run.UserID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, project_id, agent_id, user_id, model, status, created_at, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.ProjectID, run.AgentID, userID, run.Model, run.Status,
		formatTime(run.CreatedAt), nullTime(run.StartedAt), nullTime(run.FinishedAt))
	return err
}

const runColumns = `run_id, project_id, agent_id, user_id, model, status, created_at, started_at, finished_at, error`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*domain.Run, error) {
	var run domain.Run
	var userID, startedAt, finishedAt, errData sql.NullString
	var createdAt string
	if err := row.Scan(&run.RunID, &run.ProjectID, &run.AgentID, &userID, &run.Model, &run.Status,
		&createdAt, &startedAt, &finishedAt, &errData); err != nil {
		return nil, err
	}
	run.UserID = userID.String
	t, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("invalid created_at: %w", err)
	}
	run.CreatedAt = t
	if startedAt.Valid {
		if t, err := parseTime(startedAt.String); err == nil {
			run.StartedAt = &t
		}
	}
	if finishedAt.Valid {
		if t, err := parseTime(finishedAt.String); err == nil {
			run.FinishedAt = &t
		}
	}
	if errData.Valid {
		run.Error = json.RawMessage(errData.String)
	}
	return &run, nil
}

// GetRun retrieves a run by ID. It returns nil, nil when the run is unknown.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

// ListRuns lists runs, newest first, optionally filtered by status.
func (s *SQLiteStore) ListRuns(ctx context.Context, status domain.RunStatus, limit int) ([]domain.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// UpdateRunStatus moves a non-terminal run to status. started_at is set on
// the first move to running and finished_at on the move to a terminal state.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status domain.RunStatus, errData []byte) (bool, error) {
	now := formatTime(time.Now())
	var startedAt, finishedAt, errValue sql.NullString
	if status == domain.RunStatusRunning {
		startedAt = sql.NullString{String: now, Valid: true}
	}
	if status.IsTerminal() {
		finishedAt = sql.NullString{String: now, Valid: true}
	}
	if len(errData) > 0 {
		errValue = sql.NullString{String: string(errData), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET
			status = ?,
			started_at = COALESCE(started_at, ?),
			finished_at = COALESCE(?, finished_at),
			error = COALESCE(?, error)
		 WHERE run_id = ? AND status NOT IN (?, ?, ?)`,
		status, startedAt, finishedAt, errValue, runID,
		domain.RunStatusSucceeded, domain.RunStatusFailed, domain.RunStatusCanceled)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func nextSeq(ctx context.Context, q queryer, runID string) (int64, error) {
	var seq int64
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM run_events WHERE run_id = ?`, runID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("next seq: %w", err)
	}
	return seq, nil
}

func insertEvent(ctx context.Context, q queryer, ev *domain.RunEvent) error {
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO run_events (run_id, seq, type, created_at, payload) VALUES (?, ?, ?, ?, ?)`,
		ev.RunID, ev.Seq, ev.Type, formatTime(ev.CreatedAt), string(data))
	if err != nil {
		return mapConstraint(err)
	}
	return nil
}

// NextSeq returns the sequence number the next event of runID would take.
func (s *SQLiteStore) NextSeq(ctx context.Context, runID string) (int64, error) {
	return nextSeq(ctx, s.db, runID)
}

// Append stores ev at ev.Seq.
func (s *SQLiteStore) Append(ctx context.Context, ev *domain.RunEvent) error {
	if ev.Seq < 1 {
		return fmt.Errorf("invalid seq %d", ev.Seq)
	}
	ev.CreatedAt = ev.CreatedAt.UTC()
	return insertEvent(ctx, s.db, ev)
}

// AppendNext allocates the next seq and inserts the event inside one
// transaction. With _txlock=immediate the write lock is taken at BEGIN, so
// concurrent writers to the same run serialize instead of racing on MAX(seq).
func (s *SQLiteStore) AppendNext(ctx context.Context, runID string, typ domain.EventType, payload map[string]any, createdAt time.Time) (*domain.RunEvent, error) {
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	seq, err := nextSeq(ctx, tx, runID)
	if err != nil {
		return nil, err
	}
	ev := &domain.RunEvent{
		RunID:     runID,
		Seq:       seq,
		Type:      typ,
		CreatedAt: createdAt.UTC(),
		Payload:   payload,
	}
	if err := insertEvent(ctx, tx, ev); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", mapConstraint(err))
	}
	return ev, nil
}

// ListEvents retrieves events for a run with seq > afterSeq.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID string, afterSeq int64, limit int) ([]domain.RunEvent, error) {
	query := `SELECT run_id, seq, type, created_at, payload FROM run_events WHERE run_id = ? AND seq > ? ORDER BY seq ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, runID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []domain.RunEvent{}
	for rows.Next() {
		var ev domain.RunEvent
		var createdAt, payload string
		if err := rows.Scan(&ev.RunID, &ev.Seq, &ev.Type, &createdAt, &payload); err != nil {
			return nil, err
		}
		if ev.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("invalid created_at for seq %d: %w", ev.Seq, err)
		}
		if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
			return nil, fmt.Errorf("invalid payload for seq %d: %w", ev.Seq, err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
