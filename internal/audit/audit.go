package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"pmoline/internal/domain"
)

// Writer appends lifecycle transitions to the append-only audit trail. Every
// successful transition writes exactly one entry, inside the same transaction
// that committed the status change.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Entry is one transition to record.
type Entry struct {
	ActorID        string
	EntityKind     string
	EntityID       string
	FromStatus     string
	ToStatus       string
	Reason         string
	IdempotencyKey string
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, e Entry) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT INTO audit_events(ts,actor_id,entity_kind,entity_id,from_status,to_status,reason,idempotency_key) VALUES (?,?,?,?,?,?,?,?)`,
		ts, e.ActorID, e.EntityKind, e.EntityID, nullable(e.FromStatus), e.ToStatus, nullable(e.Reason), nullable(e.IdempotencyKey))
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

// SeenKey reports whether a transition carrying this idempotency key has
// already been recorded.
func (w Writer) SeenKey(ctx context.Context, tx *sql.Tx, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM audit_events WHERE idempotency_key=?`, key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// Reader serves the audit trail for export and inspection, newest first.
type Reader struct {
	DB *sql.DB
}

type Filters struct {
	EntityID   string
	EntityKind string
	ActorID    string
	Cursor     int64
	Limit      int
}

// Latest returns audit events in reverse chronological order. Cursor is the
// smallest event ID of the previous page; zero means start from the top.
func (r Reader) Latest(ctx context.Context, f Filters) ([]domain.AuditEvent, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, f.ActorID)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,actor_id,entity_kind,entity_id,from_status,to_status,reason FROM audit_events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, f.Limit)
	return r.collect(ctx, query, args...)
}

// After returns audit events with IDs greater than the cursor in ascending
// order. The webhook dispatcher tails the trail through this.
func (r Reader) After(ctx context.Context, cursor int64, limit int) ([]domain.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.collect(ctx, `SELECT id,ts,actor_id,entity_kind,entity_id,from_status,to_status,reason FROM audit_events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

// LatestID returns the most recent audit event ID, zero when empty.
func (r Reader) LatestID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM audit_events`).Scan(&id)
	return id, err
}

func (r Reader) collect(ctx context.Context, query string, args ...any) ([]domain.AuditEvent, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		var from, reason sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.ActorID, &e.EntityKind, &e.EntityID, &from, &e.ToStatus, &reason); err != nil {
			return nil, err
		}
		if from.Valid {
			e.FromStatus = from.String
		}
		if reason.Valid {
			e.Reason = reason.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
