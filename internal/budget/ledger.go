package budget

import (
	"context"
	"database/sql"
	"regexp"
	"time"

	"pmoline/internal/config"
	"pmoline/internal/db"
	"pmoline/internal/domain"
	"pmoline/internal/repo"
)

// Ledger keeps executed <= committed <= approved per (owner, category) line.
// Writes that would break the chain fail with BudgetInvariantError; nothing is
// ever clamped or partially applied.
type Ledger struct {
	DB     *sql.DB
	Repo   repo.Repo
	Config *config.Config
	Now    func() time.Time
}

var periodPattern = regexp.MustCompile(`^\d{4}-(0[1-9]|1[0-2])$`)

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Approve creates or raises the approved amount of a line. Lowering below the
// committed amount is rejected.
func (l Ledger) Approve(ctx context.Context, ownerID, category string, amount int64) (domain.BudgetLine, error) {
	return l.post(ctx, ownerID, category, func(b *domain.BudgetLine) error {
		if amount < 0 {
			return domain.ValidationError{Field: "amount", Reason: "must be non-negative"}
		}
		if amount < b.Committed {
			return domain.BudgetInvariantError{OwnerID: ownerID, Category: category, Rule: "approved may not drop below committed"}
		}
		b.Approved = amount
		return nil
	})
}

// Commit reserves part of the approved amount for spending.
func (l Ledger) Commit(ctx context.Context, ownerID, category string, amount int64) (domain.BudgetLine, error) {
	return l.post(ctx, ownerID, category, func(b *domain.BudgetLine) error {
		if amount <= 0 {
			return domain.ValidationError{Field: "amount", Reason: "must be positive"}
		}
		if b.Frozen {
			return domain.BudgetInvariantError{OwnerID: ownerID, Category: category, Rule: "line is frozen while the project is suspended"}
		}
		if b.Committed+amount > b.Approved {
			return domain.BudgetInvariantError{OwnerID: ownerID, Category: category, Rule: "committed would exceed approved"}
		}
		b.Committed += amount
		return nil
	})
}

// Execute records actual spend against the committed amount.
func (l Ledger) Execute(ctx context.Context, ownerID, category string, amount int64) (domain.BudgetLine, error) {
	return l.post(ctx, ownerID, category, func(b *domain.BudgetLine) error {
		if amount <= 0 {
			return domain.ValidationError{Field: "amount", Reason: "must be positive"}
		}
		if b.Frozen {
			return domain.BudgetInvariantError{OwnerID: ownerID, Category: category, Rule: "line is frozen while the project is suspended"}
		}
		if b.Executed+amount > b.Committed {
			return domain.BudgetInvariantError{OwnerID: ownerID, Category: category, Rule: "executed would exceed committed"}
		}
		b.Executed += amount
		return nil
	})
}

// post applies one mutation under the line's version guard, retrying through
// transient lock contention.
func (l Ledger) post(ctx context.Context, ownerID, category string, mutate func(*domain.BudgetLine) error) (domain.BudgetLine, error) {
	var zero domain.BudgetLine
	if category != domain.CategoryCapex && category != domain.CategoryOpex {
		return zero, domain.ValidationError{Field: "category", Reason: "must be capex or opex"}
	}
	var out domain.BudgetLine
	err := db.WithRetry(ctx, "budget.post", func() error {
		tx, err := l.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		line, err := l.Repo.GetBudgetLineTx(ctx, tx, ownerID, category)
		created := false
		if err == repo.ErrNotFound {
			line = domain.BudgetLine{OwnerID: ownerID, Category: category, Version: 1}
			created = true
		} else if err != nil {
			return err
		}
		readVersion := line.Version
		if err := mutate(&line); err != nil {
			return err
		}
		line.UpdatedAt = l.now().UTC().Format(time.RFC3339)
		if created {
			if err := l.Repo.InsertBudgetLineTx(ctx, tx, line); err != nil {
				return err
			}
		} else {
			if err := l.Repo.UpdateBudgetLineTx(ctx, tx, line, readVersion); err != nil {
				return err
			}
			line.Version = readVersion + 1
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		out = line
		return nil
	})
	if err != nil {
		return zero, err
	}
	return out, nil
}

// RecordPeriod stores planned vs actual spend for one reporting month.
func (l Ledger) RecordPeriod(ctx context.Context, ownerID, period string, planned, actual int64) error {
	if !periodPattern.MatchString(period) {
		return domain.ValidationError{Field: "period", Reason: "must be YYYY-MM"}
	}
	if planned < 0 || actual < 0 {
		return domain.ValidationError{Field: "amount", Reason: "must be non-negative"}
	}
	return db.WithRetry(ctx, "budget.record_period", func() error {
		tx, err := l.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := l.Repo.UpsertBudgetPeriodTx(ctx, tx, domain.BudgetPeriod{
			OwnerID: ownerID, Period: period, Planned: planned, Actual: actual,
		}); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// ProjectCurve returns the cumulative planned-vs-actual series, one point per
// recorded period in order. Cumulative sums make both series monotonically
// non-decreasing; actuals for periods beyond the current month stay at the
// running total, never projected forward.
func (l Ledger) ProjectCurve(ctx context.Context, ownerID string) ([]domain.CurvePoint, error) {
	periods, err := l.Repo.ListBudgetPeriods(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	current := l.now().UTC().Format("2006-01")
	var curve []domain.CurvePoint
	var planned, actual int64
	for _, p := range periods {
		planned += p.Planned
		if p.Period <= current {
			actual += p.Actual
		}
		curve = append(curve, domain.CurvePoint{
			Period:            p.Period,
			PlannedCumulative: planned,
			ActualCumulative:  actual,
		})
	}
	return curve, nil
}

// Metrics derives the earned-value figures for an owner across all lines.
// Earned value is overall progress times the approved budget. CPI and SPI
// stay nil when their denominator is zero.
func (l Ledger) Metrics(ctx context.Context, ownerID string, progressPct int) (domain.BudgetMetrics, error) {
	var m domain.BudgetMetrics
	lines, err := l.Repo.ListBudgetLines(ctx, ownerID)
	if err != nil {
		return m, err
	}
	var approved, committed, executed int64
	for _, line := range lines {
		approved += line.Approved
		committed += line.Committed
		executed += line.Executed
	}
	if approved > 0 {
		m.ExecutionPct = float64(executed) / float64(approved) * 100
	}
	m.Variance = committed - executed
	m.EarnedValue = int64(float64(progressPct) / 100 * float64(approved))
	if executed > 0 {
		cpi := float64(m.EarnedValue) / float64(executed)
		m.CPI = &cpi
	}
	curve, err := l.ProjectCurve(ctx, ownerID)
	if err != nil {
		return m, err
	}
	var plannedValue int64
	current := l.now().UTC().Format("2006-01")
	for _, pt := range curve {
		if pt.Period <= current {
			plannedValue = pt.PlannedCumulative
		}
	}
	if plannedValue > 0 {
		spi := float64(m.EarnedValue) / float64(plannedValue)
		m.SPI = &spi
	}
	m.OverrunAlert = m.ExecutionPct > l.Config.Governance.OverrunAlertPct
	return m, nil
}

// Lines returns every budget line of an owner.
func (l Ledger) Lines(ctx context.Context, ownerID string) ([]domain.BudgetLine, error) {
	return l.Repo.ListBudgetLines(ctx, ownerID)
}
