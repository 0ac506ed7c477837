package repo

import (
	"context"
	"database/sql"

	"pmoline/internal/domain"
)

// Document references only; the bytes live in an external storage service.

func (r Repo) InsertDocument(ctx context.Context, d domain.DocumentRef) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO documents(id,owner_id,name,size_bytes,category,uploader_id,uploaded_at) VALUES (?,?,?,?,?,?,?)`,
		d.ID, d.OwnerID, d.Name, d.SizeBytes, nullable(d.Category), d.UploaderID, d.UploadedAt)
	return err
}

func (r Repo) ListDocuments(ctx context.Context, ownerID string) ([]domain.DocumentRef, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,owner_id,name,size_bytes,COALESCE(category,''),uploader_id,uploaded_at FROM documents WHERE owner_id=? ORDER BY uploaded_at DESC, id DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DocumentRef
	for rows.Next() {
		var d domain.DocumentRef
		if err := rows.Scan(&d.ID, &d.OwnerID, &d.Name, &d.SizeBytes, &d.Category, &d.UploaderID, &d.UploadedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// Closure checklist gates recorded by external collaborators.

func (r Repo) UpsertChecklistItem(ctx context.Context, item domain.ChecklistItem) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO checklist_items(project_id,kind,actor_id,recorded_at) VALUES (?,?,?,?)
ON CONFLICT(project_id,kind) DO UPDATE SET actor_id=excluded.actor_id, recorded_at=excluded.recorded_at`,
		item.ProjectID, item.Kind, item.ActorID, item.RecordedAt)
	return err
}

func (r Repo) ListChecklistItems(ctx context.Context, projectID string) ([]domain.ChecklistItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id,kind,actor_id,recorded_at FROM checklist_items WHERE project_id=? ORDER BY kind`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChecklistItem
	for rows.Next() {
		var item domain.ChecklistItem
		if err := rows.Scan(&item.ProjectID, &item.Kind, &item.ActorID, &item.RecordedAt); err != nil {
			return nil, err
		}
		res = append(res, item)
	}
	return res, rows.Err()
}

func (r Repo) ChecklistKindsTx(ctx context.Context, tx *sql.Tx, projectID string) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, `SELECT kind FROM checklist_items WHERE project_id=?`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	present := map[string]bool{}
	for rows.Next() {
		var kind string
		if err := rows.Scan(&kind); err != nil {
			return nil, err
		}
		present[kind] = true
	}
	return present, rows.Err()
}

func (r Repo) InsertClosureRecordTx(ctx context.Context, tx *sql.Tx, rec domain.ClosureRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO closure_records(project_id,closed_at,duration_days,final_cpi,final_spi,final_variance,lessons) VALUES (?,?,?,?,?,?,?)`,
		rec.ProjectID, rec.ClosedAt, rec.DurationDays, nullableFloat(rec.FinalCPI), nullableFloat(rec.FinalSPI), rec.FinalVariance, nullable(rec.Lessons))
	return err
}

func (r Repo) GetClosureRecord(ctx context.Context, projectID string) (domain.ClosureRecord, error) {
	var rec domain.ClosureRecord
	var cpi, spi sql.NullFloat64
	var lessons sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT project_id,closed_at,duration_days,final_cpi,final_spi,final_variance,lessons FROM closure_records WHERE project_id=?`, projectID).
		Scan(&rec.ProjectID, &rec.ClosedAt, &rec.DurationDays, &cpi, &spi, &rec.FinalVariance, &lessons)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	if cpi.Valid {
		rec.FinalCPI = &cpi.Float64
	}
	if spi.Valid {
		rec.FinalSPI = &spi.Float64
	}
	if lessons.Valid {
		rec.Lessons = lessons.String
	}
	return rec, nil
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
