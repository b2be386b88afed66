package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/avsafe/caseflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, params CreateExecutionParams) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := timeOrNow(params.Now)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflow_executions (entity_type, entity_id, current_state, version, created_at, updated_at)
		 VALUES (?, ?, ?, 0, ?, ?)`,
		string(params.EntityType), params.EntityID, params.InitialState, now, now,
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}

	if nt := params.NewTracker; nt != nil {
		if err := insertTracker(ctx, tx, params.EntityType, params.EntityID, nt, now); err != nil {
			return err
		}
	}

	if err := appendEventTx(ctx, tx, &TransitionEvent{
		EntityType: params.EntityType,
		EntityID:   params.EntityID,
		Type:       schema.EventTransitionExecuted,
		ToState:    params.InitialState,
		Timestamp:  now,
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create execution: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetExecution(ctx context.Context, entityType, entityID string) (*Execution, error) {
	e := &Execution{}
	var et string
	err := s.db.QueryRowContext(ctx,
		`SELECT entity_type, entity_id, current_state, version, created_at, updated_at
		 FROM workflow_executions WHERE entity_type = ? AND entity_id = ?`,
		entityType, entityID,
	).Scan(&et, &e.EntityID, &e.CurrentState, &e.Version, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", entityType+"/"+entityID)
	}
	if err != nil {
		return nil, err
	}
	e.EntityType = schema.EntityType(et)
	return e, nil
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any

	if filter.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, string(filter.EntityType))
	}
	if filter.CurrentState != "" {
		where = append(where, "current_state = ?")
		args = append(args, filter.CurrentState)
	}

	query := `SELECT entity_type, entity_id, current_state, version, created_at, updated_at FROM workflow_executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []*Execution
	for rows.Next() {
		e := &Execution{}
		var et string
		if err := rows.Scan(&et, &e.EntityID, &e.CurrentState, &e.Version, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.EntityType = schema.EntityType(et)
		executions = append(executions, e)
	}
	return executions, rows.Err()
}

// --- Transition commit ---

// CommitTransition applies the whole state change in one transaction. The
// UPDATE is guarded by the expected source state: zero rows affected means a
// concurrent caller moved the execution first.
func (s *LibSQLStore) CommitTransition(ctx context.Context, params CommitTransitionParams) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := timeOrNow(params.Now)

	res, err := tx.ExecContext(ctx,
		`UPDATE workflow_executions SET current_state = ?, version = version + 1, updated_at = ?
		 WHERE entity_type = ? AND entity_id = ? AND current_state = ?`,
		params.ToState, now, string(params.EntityType), params.EntityID, params.FromState,
	)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM workflow_executions WHERE entity_type = ? AND entity_id = ?`,
			string(params.EntityType), params.EntityID,
		).Scan(&exists)
		if err != nil {
			return err
		}
		if exists == 0 {
			return storeNotFound("execution", string(params.EntityType)+"/"+params.EntityID)
		}
		return schema.NewErrorf(schema.ErrCodeConcurrentModification,
			"execution no longer in state %q", params.FromState).
			WithEntity(params.EntityType, params.EntityID)
	}

	if err := closeActiveTracker(ctx, tx, params.EntityType, params.EntityID, now); err != nil {
		return err
	}

	trackerID := ""
	if nt := params.NewTracker; nt != nil {
		if err := insertTracker(ctx, tx, params.EntityType, params.EntityID, nt, now); err != nil {
			return err
		}
		trackerID = nt.ID
	}

	if err := appendEventTx(ctx, tx, &TransitionEvent{
		EntityType: params.EntityType,
		EntityID:   params.EntityID,
		Type:       schema.EventTransitionExecuted,
		FromState:  params.FromState,
		ToState:    params.ToState,
		ActorID:    params.ActorID,
		Comment:    params.Comment,
		TrackerID:  trackerID,
		Timestamp:  now,
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	return nil
}

// closeActiveTracker completes every still-open tracker for an execution:
// the RUNNING or PAUSED one, plus any BREACHED tracker left behind by the
// sweep. An in-progress pause is folded into the cumulative counter first so
// completion statistics exclude paused time; breached_at is left in place
// because the breach is an outcome, not transient status.
func closeActiveTracker(ctx context.Context, tx *sql.Tx, entityType schema.EntityType, entityID string, now time.Time) error {
	var id string
	var pausedAt sql.NullTime
	var pausedSeconds int64
	err := tx.QueryRowContext(ctx,
		`SELECT id, paused_at, paused_seconds FROM sla_trackers
		 WHERE entity_type = ? AND entity_id = ? AND status IN ('RUNNING', 'PAUSED')
		 ORDER BY started_at DESC, id DESC LIMIT 1`,
		string(entityType), entityID,
	).Scan(&id, &pausedAt, &pausedSeconds)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read active tracker: %w", err)
	}
	if err == nil && pausedAt.Valid {
		pausedSeconds += int64(now.Sub(pausedAt.Time).Seconds())
		_, err = tx.ExecContext(ctx,
			`UPDATE sla_trackers SET paused_at = NULL, paused_seconds = ? WHERE id = ?`,
			pausedSeconds, id,
		)
		if err != nil {
			return fmt.Errorf("fold pause: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE sla_trackers SET status = 'COMPLETED', completed_at = ?
		 WHERE entity_type = ? AND entity_id = ? AND status IN ('RUNNING', 'PAUSED', 'BREACHED')`,
		now, string(entityType), entityID,
	)
	if err != nil {
		return fmt.Errorf("complete trackers: %w", err)
	}
	return nil
}

func insertTracker(ctx context.Context, tx *sql.Tx, entityType schema.EntityType, entityID string, nt *NewTrackerParams, now time.Time) error {
	dueAt := now.Add(time.Duration(nt.TargetDays) * 24 * time.Hour)
	_, err := tx.ExecContext(ctx,
		`INSERT INTO sla_trackers (id, entity_type, entity_id, state_code, target_days, status, started_at, due_at)
		 VALUES (?, ?, ?, ?, ?, 'RUNNING', ?, ?)`,
		nt.ID, string(entityType), entityID, nt.StateCode, nt.TargetDays, now, dueAt,
	)
	if err != nil {
		return fmt.Errorf("insert tracker: %w", err)
	}
	return nil
}

// --- Trackers ---

const trackerColumns = `id, entity_type, entity_id, state_code, target_days, status, started_at, due_at,
	paused_at, paused_seconds, breached_at, completed_at, escalation_count, last_escalated_at`

func (s *LibSQLStore) GetTracker(ctx context.Context, id string) (*SLATracker, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+trackerColumns+` FROM sla_trackers WHERE id = ?`, id)
	t, err := scanTracker(row)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeTrackerNotFound, "tracker %q not found", id)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *LibSQLStore) GetActiveTrackers(ctx context.Context, entityType, entityID string) ([]*SLATracker, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+trackerColumns+` FROM sla_trackers
		 WHERE entity_type = ? AND entity_id = ? AND status IN ('RUNNING', 'PAUSED', 'BREACHED')
		 ORDER BY started_at DESC, id DESC`,
		entityType, entityID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrackers(rows)
}

func (s *LibSQLStore) ListTrackers(ctx context.Context, filter TrackerFilter) ([]*SLATracker, error) {
	var where []string
	var args []any

	if filter.EntityType != "" {
		where = append(where, "entity_type = ?")
		args = append(args, string(filter.EntityType))
	}
	if filter.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.DueBefore != nil {
		where = append(where, "due_at < ?")
		args = append(args, *filter.DueBefore)
	}
	if filter.DueAfter != nil {
		where = append(where, "due_at > ?")
		args = append(args, *filter.DueAfter)
	}

	query := `SELECT ` + trackerColumns + ` FROM sla_trackers`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY due_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrackers(rows)
}

func (s *LibSQLStore) UpdateTracker(ctx context.Context, id string, update TrackerUpdate, cond TrackerCond) (bool, error) {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.TargetDays != nil {
		sets = append(sets, "target_days = ?")
		args = append(args, *update.TargetDays)
	}
	if update.DueAt != nil {
		sets = append(sets, "due_at = ?")
		args = append(args, *update.DueAt)
	}
	if update.PausedAt != nil {
		sets = append(sets, "paused_at = ?")
		args = append(args, *update.PausedAt)
	} else if update.ClearPausedAt {
		sets = append(sets, "paused_at = NULL")
	}
	if update.PausedSeconds != nil {
		sets = append(sets, "paused_seconds = ?")
		args = append(args, *update.PausedSeconds)
	}
	if update.BreachedAt != nil {
		sets = append(sets, "breached_at = ?")
		args = append(args, *update.BreachedAt)
	} else if update.ClearBreachedAt {
		sets = append(sets, "breached_at = NULL")
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if update.EscalationDelta != 0 {
		sets = append(sets, "escalation_count = escalation_count + ?")
		args = append(args, update.EscalationDelta)
	}
	if update.LastEscalatedAt != nil {
		sets = append(sets, "last_escalated_at = ?")
		args = append(args, *update.LastEscalatedAt)
	}
	if len(sets) == 0 {
		return false, nil
	}

	where := []string{"id = ?"}
	args = append(args, id)
	if cond.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*cond.Status))
	}
	if cond.DueBefore != nil {
		where = append(where, "due_at < ?")
		args = append(args, *cond.DueBefore)
	}

	query := fmt.Sprintf("UPDATE sla_trackers SET %s WHERE %s",
		strings.Join(sets, ", "), strings.Join(where, " AND "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *TransitionEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := appendEventTx(ctx, tx, event); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// appendEventTx assigns the next per-entity sequence and inserts the event
// inside the caller's transaction.
func appendEventTx(ctx context.Context, tx *sql.Tx, event *TransitionEvent) error {
	var seq int64
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM transition_events WHERE entity_type = ? AND entity_id = ?`,
		string(event.EntityType), event.EntityID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO transition_events (entity_type, entity_id, event_type, from_state, to_state, actor_id, comment, tracker_id, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(event.EntityType), event.EntityID, event.Type,
		nullStr(event.FromState), nullStr(event.ToState),
		nullStr(event.ActorID), nullStr(event.Comment), nullStr(event.TrackerID),
		event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) ListEvents(ctx context.Context, entityType, entityID string, since int64) ([]*TransitionEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entity_type, entity_id, event_type, from_state, to_state, actor_id, comment, tracker_id, timestamp, sequence
		 FROM transition_events WHERE entity_type = ? AND entity_id = ? AND sequence > ?
		 ORDER BY sequence ASC`,
		entityType, entityID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*TransitionEvent
	for rows.Next() {
		e := &TransitionEvent{}
		var et string
		var fromState, toState, actorID, comment, trackerID sql.NullString
		if err := rows.Scan(&e.ID, &et, &e.EntityID, &e.Type, &fromState, &toState, &actorID, &comment, &trackerID, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.EntityType = schema.EntityType(et)
		e.FromState = fromState.String
		e.ToState = toState.String
		e.ActorID = actorID.String
		e.Comment = comment.String
		e.TrackerID = trackerID.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Entity documents ---

func (s *LibSQLStore) PutDocument(ctx context.Context, entityType, entityID string, doc json.RawMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entity_documents (entity_type, entity_id, document, updated_at) VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(entity_type, entity_id) DO UPDATE SET document=excluded.document, updated_at=CURRENT_TIMESTAMP`,
		entityType, entityID, string(doc),
	)
	return err
}

func (s *LibSQLStore) GetDocument(ctx context.Context, entityType, entityID string) (json.RawMessage, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM entity_documents WHERE entity_type = ? AND entity_id = ?`,
		entityType, entityID,
	).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("document", entityType+"/"+entityID)
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(doc), nil
}

// --- Helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTracker(row rowScanner) (*SLATracker, error) {
	t := &SLATracker{}
	var et, status string
	var pausedAt, breachedAt, completedAt, lastEscalatedAt sql.NullTime
	err := row.Scan(&t.ID, &et, &t.EntityID, &t.StateCode, &t.TargetDays, &status,
		&t.StartedAt, &t.DueAt, &pausedAt, &t.PausedSeconds,
		&breachedAt, &completedAt, &t.EscalationCount, &lastEscalatedAt)
	if err != nil {
		return nil, err
	}
	t.EntityType = schema.EntityType(et)
	t.Status = schema.TrackerStatus(status)
	if pausedAt.Valid {
		t.PausedAt = &pausedAt.Time
	}
	if breachedAt.Valid {
		t.BreachedAt = &breachedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	if lastEscalatedAt.Valid {
		t.LastEscalatedAt = &lastEscalatedAt.Time
	}
	return t, nil
}

func scanTrackers(rows *sql.Rows) ([]*SLATracker, error) {
	var trackers []*SLATracker
	for rows.Next() {
		t, err := scanTracker(rows)
		if err != nil {
			return nil, err
		}
		trackers = append(trackers, t)
	}
	return trackers, rows.Err()
}

func storeNotFound(resource, id string) *schema.CaseflowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
