package repo

import (
	"context"
	"database/sql"
	"strings"

	"pmoline/internal/domain"
)

func (r Repo) InsertSessionTx(ctx context.Context, tx *sql.Tx, s domain.CommitteeSession) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO committee_sessions(id,scheduled_date,status,version,created_at) VALUES (?,?,?,?,?)`,
		s.ID, s.ScheduledDate, s.Status, s.Version, s.CreatedAt); err != nil {
		return err
	}
	for _, reviewer := range s.Reviewers {
		if _, err := tx.ExecContext(ctx, `INSERT INTO session_reviewers(session_id,reviewer_id) VALUES (?,?)`, s.ID, reviewer); err != nil {
			return err
		}
	}
	for _, initiativeID := range s.Agenda {
		if _, err := tx.ExecContext(ctx, `INSERT INTO session_agenda(session_id,initiative_id) VALUES (?,?)`, s.ID, initiativeID); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) GetSession(ctx context.Context, id string) (domain.CommitteeSession, error) {
	var s domain.CommitteeSession
	err := r.DB.QueryRowContext(ctx, `SELECT id,scheduled_date,status,version,created_at FROM committee_sessions WHERE id=?`, id).
		Scan(&s.ID, &s.ScheduledDate, &s.Status, &s.Version, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Reviewers, err = r.listStrings(ctx, `SELECT reviewer_id FROM session_reviewers WHERE session_id=? ORDER BY reviewer_id`, id)
	if err != nil {
		return s, err
	}
	s.Agenda, err = r.listStrings(ctx, `SELECT initiative_id FROM session_agenda WHERE session_id=? ORDER BY initiative_id`, id)
	return s, err
}

func (r Repo) ListSessions(ctx context.Context, status string) ([]domain.CommitteeSession, error) {
	query := `SELECT id,scheduled_date,status,version,created_at FROM committee_sessions`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY scheduled_date DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CommitteeSession
	for rows.Next() {
		var s domain.CommitteeSession
		if err := rows.Scan(&s.ID, &s.ScheduledDate, &s.Status, &s.Version, &s.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// UpdateSessionStatusTx advances a session, guarded by the version read.
func (r Repo) UpdateSessionStatusTx(ctx context.Context, tx *sql.Tx, id, status string, readVersion int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE committee_sessions SET status=?, version=version+1 WHERE id=? AND version=?`,
		status, id, readVersion)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM committee_sessions WHERE id=?`, id).Scan(&exists); err == sql.ErrNoRows {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		return domain.ConcurrentModificationError{EntityID: id, Version: readVersion}
	}
	return nil
}

// OnAgenda reports whether an initiative is listed in a session.
func (r Repo) OnAgenda(ctx context.Context, sessionID, initiativeID string) (bool, error) {
	var one int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM session_agenda WHERE session_id=? AND initiative_id=?`, sessionID, initiativeID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// InsertVote inserts a vote; the primary key rejects duplicates.
func (r Repo) InsertVote(ctx context.Context, v domain.Vote) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO votes(session_id,initiative_id,reviewer_id,choice,cast_at) VALUES (?,?,?,?,?)`,
		v.SessionID, v.InitiativeID, v.ReviewerID, v.Choice, v.CastAt)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "unique") {
		return domain.ValidationError{Field: "reviewer_id", Reason: "reviewer already voted on this item"}
	}
	return err
}

func (r Repo) ListVotes(ctx context.Context, sessionID, initiativeID string) ([]domain.Vote, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT session_id,initiative_id,reviewer_id,choice,cast_at FROM votes WHERE session_id=? AND initiative_id=? ORDER BY cast_at ASC, reviewer_id ASC`,
		sessionID, initiativeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Vote
	for rows.Next() {
		var v domain.Vote
		if err := rows.Scan(&v.SessionID, &v.InitiativeID, &v.ReviewerID, &v.Choice, &v.CastAt); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// GetOutcome returns the stored resolution of an agenda item, or ErrNotFound
// when the item is unresolved.
func (r Repo) GetOutcome(ctx context.Context, sessionID, initiativeID string) (domain.VoteOutcome, error) {
	var o domain.VoteOutcome
	var result, resolvedAt sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT session_id,initiative_id,result,votes_cast,approvals,rejections,vetoes,resolved_at FROM session_agenda WHERE session_id=? AND initiative_id=?`,
		sessionID, initiativeID).
		Scan(&o.SessionID, &o.InitiativeID, &result, &o.VotesCast, &o.Approvals, &o.Rejections, &o.Vetoes, &resolvedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	if !result.Valid {
		return o, ErrNotFound
	}
	o.Result = result.String
	if resolvedAt.Valid {
		o.ResolvedAt = resolvedAt.String
	}
	return o, nil
}

func (r Repo) StoreOutcomeTx(ctx context.Context, tx *sql.Tx, o domain.VoteOutcome) error {
	res, err := tx.ExecContext(ctx, `UPDATE session_agenda SET result=?, votes_cast=?, approvals=?, rejections=?, vetoes=?, resolved_at=? WHERE session_id=? AND initiative_id=? AND result IS NULL`,
		o.Result, o.VotesCast, o.Approvals, o.Rejections, o.Vetoes, o.ResolvedAt, o.SessionID, o.InitiativeID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return domain.ConcurrentModificationError{EntityID: o.InitiativeID}
	}
	return nil
}

func (r Repo) listStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
