package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"pmoline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const initiativeColumns = `id,code,title,description,justification,expected_benefits,area,requested_amount,urgency,classification,status,reserve_expiry,suspended_phase,version,created_at,updated_at`

func scanInitiative(scan func(...any) error) (domain.Initiative, error) {
	var ini domain.Initiative
	var code, description, justification, benefits, classification, expiry sql.NullString
	var status string
	err := scan(&ini.ID, &code, &ini.Title, &description, &justification, &benefits, &ini.Area,
		&ini.RequestedAmount, &ini.Urgency, &classification, &status, &expiry,
		&ini.SuspendedPhase, &ini.Version, &ini.CreatedAt, &ini.UpdatedAt)
	if err == sql.ErrNoRows {
		return ini, ErrNotFound
	}
	if err != nil {
		return ini, err
	}
	ini.Status = domain.Status(status)
	if code.Valid {
		ini.Code = code.String
	}
	if description.Valid {
		ini.Description = description.String
	}
	if justification.Valid {
		ini.Justification = justification.String
	}
	if benefits.Valid {
		ini.ExpectedBenefits = benefits.String
	}
	if classification.Valid {
		ini.Classification = classification.String
	}
	if expiry.Valid {
		ini.ReserveExpiry = expiry.String
	}
	return ini, nil
}

func (r Repo) InsertInitiativeTx(ctx context.Context, tx *sql.Tx, ini domain.Initiative) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO initiatives(`+initiativeColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		ini.ID, nullable(ini.Code), ini.Title, nullable(ini.Description), nullable(ini.Justification),
		nullable(ini.ExpectedBenefits), ini.Area, ini.RequestedAmount, ini.Urgency,
		nullable(ini.Classification), string(ini.Status), nullable(ini.ReserveExpiry),
		ini.SuspendedPhase, ini.Version, ini.CreatedAt, ini.UpdatedAt)
	return err
}

func (r Repo) GetInitiative(ctx context.Context, id string) (domain.Initiative, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+initiativeColumns+` FROM initiatives WHERE id=?`, id)
	return scanInitiative(row.Scan)
}

func (r Repo) GetInitiativeTx(ctx context.Context, tx *sql.Tx, id string) (domain.Initiative, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+initiativeColumns+` FROM initiatives WHERE id=?`, id)
	return scanInitiative(row.Scan)
}

// UpdateInitiativeTx writes every mutable field, guarded by the version the
// caller read. Zero rows affected on an existing row means someone else
// committed first.
func (r Repo) UpdateInitiativeTx(ctx context.Context, tx *sql.Tx, ini domain.Initiative, readVersion int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE initiatives SET code=?, title=?, description=?, justification=?, expected_benefits=?, area=?, requested_amount=?, urgency=?, classification=?, status=?, reserve_expiry=?, suspended_phase=?, version=version+1, updated_at=? WHERE id=? AND version=?`,
		nullable(ini.Code), ini.Title, nullable(ini.Description), nullable(ini.Justification),
		nullable(ini.ExpectedBenefits), ini.Area, ini.RequestedAmount, ini.Urgency,
		nullable(ini.Classification), string(ini.Status), nullable(ini.ReserveExpiry),
		ini.SuspendedPhase, ini.UpdatedAt, ini.ID, readVersion)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		if _, err := r.GetInitiativeTx(ctx, tx, ini.ID); err != nil {
			return err
		}
		return domain.ConcurrentModificationError{EntityID: ini.ID, Version: readVersion}
	}
	return nil
}

type InitiativeFilters struct {
	Status          string
	Area            string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListInitiatives(ctx context.Context, f InitiativeFilters) ([]domain.Initiative, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Area != "" {
		clauses = append(clauses, "area=?")
		args = append(args, f.Area)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + initiativeColumns + ` FROM initiatives ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Initiative
	for rows.Next() {
		ini, err := scanInitiative(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, ini)
	}
	return res, rows.Err()
}

// ListReservedBefore returns reserved initiatives whose expiry is strictly
// before the cutoff, oldest first.
func (r Repo) ListReservedBefore(ctx context.Context, cutoff string) ([]domain.Initiative, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+initiativeColumns+` FROM initiatives WHERE status=? AND reserve_expiry IS NOT NULL AND reserve_expiry < ? ORDER BY reserve_expiry ASC`,
		string(domain.StatusReserved), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Initiative
	for rows.Next() {
		ini, err := scanInitiative(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, ini)
	}
	return res, rows.Err()
}

// NextCodeTx allocates the next sequence number for a code kind within a year.
func (r Repo) NextCodeTx(ctx context.Context, tx *sql.Tx, kind string, year int) (int, error) {
	var current int
	err := tx.QueryRowContext(ctx, `SELECT next FROM code_sequences WHERE kind=? AND year=?`, kind, year).Scan(&current)
	if err == sql.ErrNoRows {
		if _, err := tx.ExecContext(ctx, `INSERT INTO code_sequences(kind,year,next) VALUES (?,?,2)`, kind, year); err != nil {
			return 0, err
		}
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE code_sequences SET next=next+1 WHERE kind=? AND year=?`, kind, year); err != nil {
		return 0, err
	}
	return current, nil
}

// FormatCode renders codes like INI-2026-007.
func FormatCode(prefix string, year, seq int) string {
	return fmt.Sprintf("%s-%d-%03d", prefix, year, seq)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
