package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/feddericovonwernich/pr-checks-agent/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/agent.db".
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

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

const itemColumns = `id, repo, pr_number, pr_title, branch, check_name, check_type, priority, status, version, attempt_count, consecutive_errors, failure, last_error, retry_of, next_eligible_at, created_at, last_transition_at, updated_at, closed_at`

// --- Work Items ---

func (s *LibSQLStore) CreateItem(ctx context.Context, item *WorkItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.LastTransitionAt.IsZero() {
		item.LastTransitionAt = item.CreatedAt
	}
	item.Version = 1

	_, err = tx.ExecContext(ctx,
		`INSERT INTO work_items (id, repo, pr_number, pr_title, branch, check_name, check_type, priority, status, version, attempt_count, consecutive_errors, failure, last_error, retry_of, next_eligible_at, created_at, last_transition_at, updated_at, closed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, 0, 0, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		item.ID, item.Repo, item.PRNumber, nullStr(item.PRTitle), nullStr(item.Branch),
		item.CheckName, nullStr(item.CheckType), item.Priority, string(item.Status),
		nullRaw(item.Failure), nullRaw(item.LastError), nullStr(item.RetryOf),
		nullTime(item.NextEligibleAt), item.CreatedAt, item.LastTransitionAt, item.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert work item: %w", err)
	}

	discovered := &Event{
		ItemID:    item.ID,
		Type:      schema.EventItemDiscovered,
		Timestamp: item.CreatedAt,
	}
	if payload, err := json.Marshal(map[string]any{
		"repo": item.Repo, "pr_number": item.PRNumber, "check_name": item.CheckName,
		"priority": item.Priority,
	}); err == nil {
		discovered.Payload = payload
	}
	if err := appendEventTx(ctx, tx, discovered); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit work item: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetItem(ctx context.Context, id string) (*WorkItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM work_items WHERE id = ?`, id)
	item, err := scanWorkItem(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("work item", id)
	}
	return item, err
}

func (s *LibSQLStore) FindOpenItem(ctx context.Context, repo string, prNumber int, checkName string) (*WorkItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM work_items
		 WHERE repo = ? AND pr_number = ? AND check_name = ? AND status NOT IN ('resolved', 'closed')
		 ORDER BY created_at DESC LIMIT 1`,
		repo, prNumber, checkName)
	item, err := scanWorkItem(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("work item", fmt.Sprintf("%s#%d/%s", repo, prNumber, checkName))
	}
	return item, err
}

// SaveTransition persists a work-item mutation guarded by the version the
// caller read. The item row, the delta's attempt and escalation records
// and the audit events commit in one transaction or not at all. A lost
// race returns a CONFLICT error; the caller must reload and recompute.
func (s *LibSQLStore) SaveTransition(ctx context.Context, item *WorkItem, expectedVersion int64, delta *TransitionDelta) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE work_items SET
		   status = ?, priority = ?, attempt_count = ?, consecutive_errors = ?,
		   failure = ?, last_error = ?, next_eligible_at = ?,
		   last_transition_at = ?, closed_at = ?,
		   updated_at = CURRENT_TIMESTAMP, version = version + 1
		 WHERE id = ? AND version = ?`,
		string(item.Status), item.Priority, item.AttemptCount, item.ConsecutiveErrors,
		nullRaw(item.Failure), nullRaw(item.LastError), nullTime(item.NextEligibleAt),
		timeOrNow(item.LastTransitionAt), nullTime(item.ClosedAt),
		item.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update work item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var current int64
		err := tx.QueryRowContext(ctx,
			`SELECT version FROM work_items WHERE id = ?`, item.ID).Scan(&current)
		if err == sql.ErrNoRows {
			return storeNotFound("work item", item.ID)
		}
		if err != nil {
			return err
		}
		return schema.NewErrorf(schema.ErrCodeConflict, "stale write: expected version %d, current %d", expectedVersion, current).
			WithItem(item.ID).
			WithDetails(map[string]any{"expected_version": expectedVersion, "current_version": current})
	}

	if delta != nil {
		if err := s.applyDelta(ctx, tx, delta); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}
	item.Version = expectedVersion + 1
	return nil
}

func (s *LibSQLStore) applyDelta(ctx context.Context, tx *sql.Tx, delta *TransitionDelta) error {
	if a := delta.NewAttempt; a != nil {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO attempts (id, item_id, attempt_number, outcome, summary, error_message, context_digest, started_at, finished_at, duration_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.ItemID, a.Number, nullStr(string(a.Outcome)), nullStr(a.Summary),
			nullStr(a.ErrorMessage), nullStr(a.ContextDigest),
			timeOrNow(a.StartedAt), nullTime(a.FinishedAt), a.DurationMs,
		)
		if err != nil {
			return fmt.Errorf("insert attempt: %w", err)
		}
	}
	if c := delta.AttemptDone; c != nil {
		res, err := tx.ExecContext(ctx,
			`UPDATE attempts SET outcome = ?, summary = ?, error_message = ?, finished_at = ?, duration_ms = ?
			 WHERE id = ? AND finished_at IS NULL`,
			string(c.Outcome), nullStr(c.Summary), nullStr(c.ErrorMessage),
			timeOrNow(c.FinishedAt), c.DurationMs, c.AttemptID,
		)
		if err != nil {
			return fmt.Errorf("complete attempt: %w", err)
		}
		if err := checkRowsAffected(res, "running attempt", c.AttemptID); err != nil {
			return err
		}
	}
	if e := delta.NewEscalation; e != nil {
		if err := insertEscalationTx(ctx, tx, e); err != nil {
			return err
		}
	}
	if u := delta.EscalationUpdate; u != nil {
		if err := updateEscalationTx(ctx, tx, delta.EscalationID, *u); err != nil {
			return err
		}
	}
	for _, ev := range delta.Events {
		if err := appendEventTx(ctx, tx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (s *LibSQLStore) ListPending(ctx context.Context, now time.Time, maxPriority int, limit int) ([]*WorkItem, error) {
	query := `SELECT ` + itemColumns + ` FROM work_items
	 WHERE status IN ('monitoring', 'analyzing', 'fixing', 'retry_wait', 'escalating', 'succeeded')
	   AND (next_eligible_at IS NULL OR next_eligible_at <= ?)`
	args := []any{now.UTC()}
	if maxPriority > 0 {
		query += " AND priority <= ?"
		args = append(args, maxPriority)
	}
	query += " ORDER BY priority ASC, created_at ASC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWorkItems(rows)
}

func (s *LibSQLStore) ListUnfinished(ctx context.Context) ([]*WorkItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM work_items
		 WHERE status NOT IN ('resolved', 'closed')
		 ORDER BY priority ASC, created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWorkItems(rows)
}

func (s *LibSQLStore) ListItems(ctx context.Context, filter ItemFilter) ([]*WorkItem, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Repo != "" {
		where = append(where, "repo = ?")
		args = append(args, filter.Repo)
	}
	if filter.PRNumber > 0 {
		where = append(where, "pr_number = ?")
		args = append(args, filter.PRNumber)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + itemColumns + ` FROM work_items`
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
	return scanWorkItems(rows)
}

func (s *LibSQLStore) CountByStatus(ctx context.Context) ([]StatusCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM work_items GROUP BY status ORDER BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []StatusCount
	for rows.Next() {
		var c StatusCount
		var status string
		if err := rows.Scan(&status, &c.Count); err != nil {
			return nil, err
		}
		c.Status = schema.ItemStatus(status)
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

// --- Attempts ---

func (s *LibSQLStore) ListAttempts(ctx context.Context, itemID string) ([]*Attempt, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, item_id, attempt_number, outcome, summary, error_message, context_digest, started_at, finished_at, duration_ms
		 FROM attempts WHERE item_id = ? ORDER BY attempt_number ASC`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []*Attempt
	for rows.Next() {
		a := &Attempt{}
		var outcome, summary, errMsg, digest sql.NullString
		var finishedAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.ItemID, &a.Number, &outcome, &summary, &errMsg,
			&digest, &a.StartedAt, &finishedAt, &a.DurationMs); err != nil {
			return nil, err
		}
		a.Outcome = schema.AttemptOutcome(outcome.String)
		a.Summary = summary.String
		a.ErrorMessage = errMsg.String
		a.ContextDigest = digest.String
		if finishedAt.Valid {
			a.FinishedAt = &finishedAt.Time
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func (s *LibSQLStore) CountAttempts(ctx context.Context, itemID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM attempts WHERE item_id = ?`, itemID).Scan(&n)
	return n, err
}

func (s *LibSQLStore) CountAttemptsSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM attempts WHERE started_at >= ?`, since.UTC()).Scan(&n)
	return n, err
}

// MarkInterrupted closes every attempt left running by a previous process
// life and records an audit event per affected item. Returns the number of
// attempts marked.
func (s *LibSQLStore) MarkInterrupted(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, item_id FROM attempts WHERE finished_at IS NULL`)
	if err != nil {
		return 0, err
	}
	type running struct{ id, itemID string }
	var found []running
	for rows.Next() {
		var r running
		if err := rows.Scan(&r.id, &r.itemID); err != nil {
			rows.Close()
			return 0, err
		}
		found = append(found, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(found) == 0 {
		return 0, tx.Commit()
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE attempts SET outcome = 'interrupted', finished_at = CURRENT_TIMESTAMP WHERE finished_at IS NULL`)
	if err != nil {
		return 0, fmt.Errorf("mark interrupted: %w", err)
	}

	for _, r := range found {
		payload, _ := json.Marshal(map[string]any{"attempt_id": r.id})
		ev := &Event{ItemID: r.itemID, Type: schema.EventAttemptInterrupted, Payload: payload}
		if err := appendEventTx(ctx, tx, ev); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit interrupted: %w", err)
	}
	return len(found), nil
}

// --- Escalations ---

const escalationColumns = `id, item_id, repo, check_name, reason, urgency, status, notification_id, channel, mentions, triggered_at, cooldown_until, acknowledged_by, acknowledged_at, resolved_at, resolution_note`

func insertEscalationTx(ctx context.Context, tx *sql.Tx, e *Escalation) error {
	mentions, err := marshalStrings(e.Mentions)
	if err != nil {
		return fmt.Errorf("marshal mentions: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO escalations (id, item_id, repo, check_name, reason, urgency, status, notification_id, channel, mentions, triggered_at, cooldown_until, acknowledged_by, acknowledged_at, resolved_at, resolution_note)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ItemID, e.Repo, e.CheckName, e.Reason, nullStr(e.Urgency),
		string(e.Status), nullStr(e.NotificationID), nullStr(e.Channel), mentions,
		timeOrNow(e.TriggeredAt), e.CooldownUntil.UTC(),
		nullStr(e.AcknowledgedBy), nullTime(e.AcknowledgedAt),
		nullTime(e.ResolvedAt), nullStr(e.ResolutionNote),
	)
	if err != nil {
		return fmt.Errorf("insert escalation: %w", err)
	}
	return nil
}

func updateEscalationTx(ctx context.Context, tx *sql.Tx, id string, update EscalationUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.NotificationID != "" {
		sets = append(sets, "notification_id = ?")
		args = append(args, update.NotificationID)
	}
	if update.CooldownUntil != nil {
		sets = append(sets, "cooldown_until = ?")
		args = append(args, update.CooldownUntil.UTC())
	}
	if update.AcknowledgedBy != "" {
		sets = append(sets, "acknowledged_by = ?")
		args = append(args, update.AcknowledgedBy)
	}
	if update.AcknowledgedAt != nil {
		sets = append(sets, "acknowledged_at = ?")
		args = append(args, *update.AcknowledgedAt)
	}
	if update.ResolvedAt != nil {
		sets = append(sets, "resolved_at = ?")
		args = append(args, *update.ResolvedAt)
	}
	if update.ResolutionNote != "" {
		sets = append(sets, "resolution_note = ?")
		args = append(args, update.ResolutionNote)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	// resolved_at is write-once: a resolved record rejects further writes.
	query := fmt.Sprintf("UPDATE escalations SET %s WHERE id = ? AND resolved_at IS NULL", strings.Join(sets, ", "))
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var resolved sql.NullTime
		err := tx.QueryRowContext(ctx,
			`SELECT resolved_at FROM escalations WHERE id = ?`, id).Scan(&resolved)
		if err == sql.ErrNoRows {
			return storeNotFound("escalation", id)
		}
		if err != nil {
			return err
		}
		return schema.NewErrorf(schema.ErrCodeConflict, "escalation %q already resolved", id)
	}
	return nil
}

func (s *LibSQLStore) UpdateEscalation(ctx context.Context, id string, update EscalationUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := updateEscalationTx(ctx, tx, id, update); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *LibSQLStore) GetEscalation(ctx context.Context, id string) (*Escalation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+escalationColumns+` FROM escalations WHERE id = ?`, id)
	esc, err := scanEscalation(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("escalation", id)
	}
	return esc, err
}

func (s *LibSQLStore) ActiveEscalationForItem(ctx context.Context, itemID string) (*Escalation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+escalationColumns+` FROM escalations
		 WHERE item_id = ? AND status != 'resolved'
		 ORDER BY triggered_at DESC LIMIT 1`, itemID)
	esc, err := scanEscalation(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("active escalation for item", itemID)
	}
	return esc, err
}

func (s *LibSQLStore) LatestEscalationForCheck(ctx context.Context, repo, checkName string) (*Escalation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+escalationColumns+` FROM escalations
		 WHERE repo = ? AND check_name = ?
		 ORDER BY triggered_at DESC LIMIT 1`, repo, checkName)
	esc, err := scanEscalation(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("escalation for check", repo+"/"+checkName)
	}
	return esc, err
}

func (s *LibSQLStore) ListEscalations(ctx context.Context, filter EscalationFilter) ([]*Escalation, error) {
	var where []string
	var args []any

	if filter.ItemID != "" {
		where = append(where, "item_id = ?")
		args = append(args, filter.ItemID)
	}
	if filter.Repo != "" {
		where = append(where, "repo = ?")
		args = append(args, filter.Repo)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT ` + escalationColumns + ` FROM escalations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY triggered_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEscalations(rows)
}

// ListDueEscalations returns records needing manager attention: suppressed
// ones whose cooldown expired plus notified/acknowledged ones awaiting a
// resolution poll.
func (s *LibSQLStore) ListDueEscalations(ctx context.Context, now time.Time) ([]*Escalation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+escalationColumns+` FROM escalations
		 WHERE (status = 'suppressed' AND cooldown_until <= ?)
		    OR status IN ('pending', 'notified', 'acknowledged')
		 ORDER BY triggered_at ASC`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEscalations(rows)
}

// --- Audit Log ---

func appendEventTx(ctx context.Context, tx *sql.Tx, event *Event) error {
	var seq int64
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE item_id = ?`, event.ItemID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (item_id, event_type, payload, actor, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ItemID, event.Type, nullRaw(event.Payload), nullStr(event.Actor),
		timeOrNow(event.Timestamp), seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
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

func (s *LibSQLStore) GetEvents(ctx context.Context, itemID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, item_id, event_type, payload, actor, timestamp, sequence
		 FROM events WHERE item_id = ? AND sequence > ? ORDER BY sequence ASC`,
		itemID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	var where []string
	var args []any

	where = append(where, "event_type = ?")
	args = append(args, eventType)

	if filter.ItemID != "" {
		where = append(where, "item_id = ?")
		args = append(args, filter.ItemID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, item_id, event_type, payload, actor, timestamp, sequence FROM events`
	query += " WHERE " + strings.Join(where, " AND ")
	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ReplayEvents returns the item's events after fromSeq and verifies the
// sequence is contiguous, so a truncated or corrupted log is detected
// instead of silently replayed.
func (s *LibSQLStore) ReplayEvents(ctx context.Context, itemID string, fromSeq int64) ([]*Event, error) {
	events, err := s.GetEvents(ctx, itemID, fromSeq)
	if err != nil {
		return nil, err
	}
	expected := fromSeq + 1
	for _, e := range events {
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"event log gap for item %s: expected sequence %d, got %d", itemID, expected, e.Sequence).
				WithItem(itemID)
		}
		expected++
	}
	return events, nil
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var actor, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ItemID, &e.Type, &payload, &actor, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.Actor = actor.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Scan Jobs ---

func (s *LibSQLStore) UpsertScanJob(ctx context.Context, job *ScanJob) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scan_jobs (repo, cron_expression, enabled, last_run_at, next_run_at, last_run_status, consecutive_errors, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(repo) DO UPDATE SET
		   cron_expression=excluded.cron_expression, enabled=excluded.enabled`,
		job.Repo, job.CronExpression, job.Enabled,
		nullTime(job.LastRunAt), nullTime(job.NextRunAt), nullStr(job.LastRunStatus),
		job.ConsecutiveErrors, timeOrNow(job.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetScanJob(ctx context.Context, repo string) (*ScanJob, error) {
	j := &ScanJob{}
	var lastRun, nextRun sql.NullTime
	var status sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT repo, cron_expression, enabled, last_run_at, next_run_at, last_run_status, consecutive_errors, created_at
		 FROM scan_jobs WHERE repo = ?`, repo,
	).Scan(&j.Repo, &j.CronExpression, &j.Enabled, &lastRun, &nextRun, &status, &j.ConsecutiveErrors, &j.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scan job", repo)
	}
	if err != nil {
		return nil, err
	}
	if lastRun.Valid {
		j.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		j.NextRunAt = &nextRun.Time
	}
	j.LastRunStatus = status.String
	return j, nil
}

func (s *LibSQLStore) UpdateScanJob(ctx context.Context, repo string, update ScanJobUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.CronExpression != "" {
		sets = append(sets, "cron_expression = ?")
		args = append(args, update.CronExpression)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if update.ConsecutiveErrors != nil {
		sets = append(sets, "consecutive_errors = ?")
		args = append(args, *update.ConsecutiveErrors)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, repo)

	query := fmt.Sprintf("UPDATE scan_jobs SET %s WHERE repo = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scan job", repo)
}

func (s *LibSQLStore) ListScanJobs(ctx context.Context, enabled *bool) ([]*ScanJob, error) {
	query := `SELECT repo, cron_expression, enabled, last_run_at, next_run_at, last_run_status, consecutive_errors, created_at FROM scan_jobs`
	var args []any
	if enabled != nil {
		query += " WHERE enabled = ?"
		args = append(args, *enabled)
	}
	query += " ORDER BY repo"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*ScanJob
	for rows.Next() {
		j := &ScanJob{}
		var lastRun, nextRun sql.NullTime
		var status sql.NullString
		if err := rows.Scan(&j.Repo, &j.CronExpression, &j.Enabled, &lastRun, &nextRun, &status, &j.ConsecutiveErrors, &j.CreatedAt); err != nil {
			return nil, err
		}
		if lastRun.Valid {
			j.LastRunAt = &lastRun.Time
		}
		if nextRun.Valid {
			j.NextRunAt = &nextRun.Time
		}
		j.LastRunStatus = status.String
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *LibSQLStore) DeleteScanJob(ctx context.Context, repo string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scan_jobs WHERE repo = ?`, repo)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scan job", repo)
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, created_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, rotated_at=CURRENT_TIMESTAMP`,
		key, value,
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", key)
	}
	return value, err
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Janitor ---

func (s *LibSQLStore) ListStaleActive(ctx context.Context, cutoff time.Time) ([]*WorkItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM work_items
		 WHERE status NOT IN ('resolved', 'closed', 'blocked') AND updated_at < ?
		 ORDER BY updated_at ASC`, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWorkItems(rows)
}

func (s *LibSQLStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM work_items WHERE status IN ('resolved', 'closed') AND updated_at < ?`,
		cutoff.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// --- Row scanning ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkItem(rs rowScanner) (*WorkItem, error) {
	item := &WorkItem{}
	var (
		prTitle, branch, checkType, retryOf sql.NullString
		failure, lastErr                    sql.NullString
		nextEligible, closedAt              sql.NullTime
		status                              string
	)
	err := rs.Scan(&item.ID, &item.Repo, &item.PRNumber, &prTitle, &branch,
		&item.CheckName, &checkType, &item.Priority, &status, &item.Version,
		&item.AttemptCount, &item.ConsecutiveErrors, &failure, &lastErr, &retryOf,
		&nextEligible, &item.CreatedAt, &item.LastTransitionAt, &item.UpdatedAt, &closedAt)
	if err != nil {
		return nil, err
	}
	item.PRTitle = prTitle.String
	item.Branch = branch.String
	item.CheckType = checkType.String
	item.RetryOf = retryOf.String
	item.Status = schema.ItemStatus(status)
	item.Failure = rawOrNil(failure)
	item.LastError = rawOrNil(lastErr)
	if nextEligible.Valid {
		item.NextEligibleAt = &nextEligible.Time
	}
	if closedAt.Valid {
		item.ClosedAt = &closedAt.Time
	}
	return item, nil
}

func scanWorkItems(rows *sql.Rows) ([]*WorkItem, error) {
	var items []*WorkItem
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func scanEscalation(rs rowScanner) (*Escalation, error) {
	e := &Escalation{}
	var (
		urgency, notifID, channel, mentions sql.NullString
		ackBy, note                         sql.NullString
		ackAt, resolvedAt                   sql.NullTime
		status                              string
	)
	err := rs.Scan(&e.ID, &e.ItemID, &e.Repo, &e.CheckName, &e.Reason, &urgency,
		&status, &notifID, &channel, &mentions, &e.TriggeredAt, &e.CooldownUntil,
		&ackBy, &ackAt, &resolvedAt, &note)
	if err != nil {
		return nil, err
	}
	e.Urgency = urgency.String
	e.Status = schema.EscalationStatus(status)
	e.NotificationID = notifID.String
	e.Channel = channel.String
	e.AcknowledgedBy = ackBy.String
	e.ResolutionNote = note.String
	if mentions.Valid && mentions.String != "" {
		_ = json.Unmarshal([]byte(mentions.String), &e.Mentions)
	}
	if ackAt.Valid {
		e.AcknowledgedAt = &ackAt.Time
	}
	if resolvedAt.Valid {
		e.ResolvedAt = &resolvedAt.Time
	}
	return e, nil
}

func scanEscalations(rows *sql.Rows) ([]*Escalation, error) {
	var escalations []*Escalation
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, err
		}
		escalations = append(escalations, e)
	}
	return escalations, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.AgentError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalStrings(values []string) (any, error) {
	if len(values) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(values)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
