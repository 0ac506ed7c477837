package repo

import (
	"context"
	"database/sql"

	"pmoline/internal/domain"
)

const budgetColumns = `owner_id,category,approved,committed,executed,frozen,version,updated_at`

func scanBudgetLine(scan func(...any) error) (domain.BudgetLine, error) {
	var b domain.BudgetLine
	var frozen int
	err := scan(&b.OwnerID, &b.Category, &b.Approved, &b.Committed, &b.Executed, &frozen, &b.Version, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	b.Frozen = frozen != 0
	return b, err
}

func (r Repo) InsertBudgetLineTx(ctx context.Context, tx *sql.Tx, b domain.BudgetLine) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO budget_lines(`+budgetColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		b.OwnerID, b.Category, b.Approved, b.Committed, b.Executed, boolToInt(b.Frozen), b.Version, b.UpdatedAt)
	return err
}

func (r Repo) GetBudgetLine(ctx context.Context, ownerID, category string) (domain.BudgetLine, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+budgetColumns+` FROM budget_lines WHERE owner_id=? AND category=?`, ownerID, category)
	return scanBudgetLine(row.Scan)
}

func (r Repo) GetBudgetLineTx(ctx context.Context, tx *sql.Tx, ownerID, category string) (domain.BudgetLine, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+budgetColumns+` FROM budget_lines WHERE owner_id=? AND category=?`, ownerID, category)
	return scanBudgetLine(row.Scan)
}

func (r Repo) ListBudgetLines(ctx context.Context, ownerID string) ([]domain.BudgetLine, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+budgetColumns+` FROM budget_lines WHERE owner_id=? ORDER BY category`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BudgetLine
	for rows.Next() {
		b, err := scanBudgetLine(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// UpdateBudgetLineTx writes amounts and the frozen flag, guarded by the
// version read.
func (r Repo) UpdateBudgetLineTx(ctx context.Context, tx *sql.Tx, b domain.BudgetLine, readVersion int64) error {
	res, err := tx.ExecContext(ctx, `UPDATE budget_lines SET approved=?, committed=?, executed=?, frozen=?, version=version+1, updated_at=? WHERE owner_id=? AND category=? AND version=?`,
		b.Approved, b.Committed, b.Executed, boolToInt(b.Frozen), b.UpdatedAt, b.OwnerID, b.Category, readVersion)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		if _, err := r.GetBudgetLineTx(ctx, tx, b.OwnerID, b.Category); err != nil {
			return err
		}
		return domain.ConcurrentModificationError{EntityID: b.OwnerID, Version: readVersion}
	}
	return nil
}

// SetBudgetFrozenTx flips the frozen flag on every line of an owner.
func (r Repo) SetBudgetFrozenTx(ctx context.Context, tx *sql.Tx, ownerID string, frozen bool, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE budget_lines SET frozen=?, version=version+1, updated_at=? WHERE owner_id=?`,
		boolToInt(frozen), now, ownerID)
	return err
}

func (r Repo) UpsertBudgetPeriodTx(ctx context.Context, tx *sql.Tx, p domain.BudgetPeriod) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO budget_periods(owner_id,period,planned,actual) VALUES (?,?,?,?)
ON CONFLICT(owner_id,period) DO UPDATE SET planned=excluded.planned, actual=excluded.actual`,
		p.OwnerID, p.Period, p.Planned, p.Actual)
	return err
}

func (r Repo) ListBudgetPeriods(ctx context.Context, ownerID string) ([]domain.BudgetPeriod, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT owner_id,period,planned,actual FROM budget_periods WHERE owner_id=? ORDER BY period ASC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BudgetPeriod
	for rows.Next() {
		var p domain.BudgetPeriod
		if err := rows.Scan(&p.OwnerID, &p.Period, &p.Planned, &p.Actual); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
