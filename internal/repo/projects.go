package repo

import (
	"context"
	"database/sql"

	"pmoline/internal/domain"
)

const projectColumns = `id,code,initiative_id,name,budget_approved,status,current_phase,suspend_reason,version,activated_at,updated_at`

func scanProject(scan func(...any) error) (domain.Project, error) {
	var p domain.Project
	var code, suspendReason sql.NullString
	var status string
	err := scan(&p.ID, &code, &p.InitiativeID, &p.Name, &p.BudgetApproved, &status,
		&p.CurrentPhase, &suspendReason, &p.Version, &p.ActivatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Status = domain.Status(status)
	if code.Valid {
		p.Code = code.String
	}
	if suspendReason.Valid {
		p.SuspendReason = suspendReason.String
	}
	return p, nil
}

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(`+projectColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, nullable(p.Code), p.InitiativeID, p.Name, p.BudgetApproved, string(p.Status),
		p.CurrentPhase, nullable(p.SuspendReason), p.Version, p.ActivatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id)
	p, err := scanProject(row.Scan)
	if err != nil {
		return p, err
	}
	p.Phases, err = r.ListPhases(ctx, p.ID)
	return p, err
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id)
	p, err := scanProject(row.Scan)
	if err != nil {
		return p, err
	}
	p.Phases, err = r.listPhases(ctx, tx, id)
	return p, err
}

// GetProjectByInitiative resolves the project activated from an initiative.
func (r Repo) GetProjectByInitiative(ctx context.Context, initiativeID string) (domain.Project, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE initiative_id=?`, initiativeID)
	p, err := scanProject(row.Scan)
	if err != nil {
		return p, err
	}
	p.Phases, err = r.ListPhases(ctx, p.ID)
	return p, err
}

func (r Repo) ListProjects(ctx context.Context, status string) ([]domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY activated_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// UpdateProjectTx writes the mutable project fields guarded by the version
// the caller read.
func (r Repo) UpdateProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project, readVersion int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET status=?, current_phase=?, suspend_reason=?, version=version+1, updated_at=? WHERE id=? AND version=?`,
		string(p.Status), p.CurrentPhase, nullable(p.SuspendReason), p.UpdatedAt, p.ID, readVersion)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		if _, err := scanProject(tx.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, p.ID).Scan); err != nil {
			return err
		}
		return domain.ConcurrentModificationError{EntityID: p.ID, Version: readVersion}
	}
	return nil
}

func (r Repo) InsertPhaseTx(ctx context.Context, tx *sql.Tx, ph domain.Phase) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO phases(project_id,seq,name,status,completion_pct,started_at,ended_at) VALUES (?,?,?,?,?,?,?)`,
		ph.ProjectID, ph.Seq, ph.Name, ph.Status, ph.CompletionPct, nullable(ph.StartedAt), nullable(ph.EndedAt))
	return err
}

func (r Repo) UpdatePhaseTx(ctx context.Context, tx *sql.Tx, ph domain.Phase) error {
	res, err := tx.ExecContext(ctx, `UPDATE phases SET status=?, completion_pct=?, started_at=?, ended_at=? WHERE project_id=? AND seq=?`,
		ph.Status, ph.CompletionPct, nullable(ph.StartedAt), nullable(ph.EndedAt), ph.ProjectID, ph.Seq)
	if err != nil {
		return err
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListPhases(ctx context.Context, projectID string) ([]domain.Phase, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id,seq,name,status,completion_pct,COALESCE(started_at,''),COALESCE(ended_at,'') FROM phases WHERE project_id=? ORDER BY seq ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPhases(rows)
}

func (r Repo) listPhases(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.Phase, error) {
	rows, err := tx.QueryContext(ctx, `SELECT project_id,seq,name,status,completion_pct,COALESCE(started_at,''),COALESCE(ended_at,'') FROM phases WHERE project_id=? ORDER BY seq ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPhases(rows)
}

func collectPhases(rows *sql.Rows) ([]domain.Phase, error) {
	var res []domain.Phase
	for rows.Next() {
		var ph domain.Phase
		if err := rows.Scan(&ph.ProjectID, &ph.Seq, &ph.Name, &ph.Status, &ph.CompletionPct, &ph.StartedAt, &ph.EndedAt); err != nil {
			return nil, err
		}
		res = append(res, ph)
	}
	return res, rows.Err()
}
