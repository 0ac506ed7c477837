package budget_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"pmoline/internal/budget"
	"pmoline/internal/config"
	"pmoline/internal/db"
	"pmoline/internal/domain"
	"pmoline/internal/migrate"
	"pmoline/internal/repo"
)

func newLedger(t *testing.T) budget.Ledger {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return budget.Ledger{
		DB:     conn,
		Repo:   repo.Repo{DB: conn},
		Config: config.Default("portfolio-1"),
		Now:    func() time.Time { return time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC) },
	}
}

func TestLedgerChainInvariant(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	if _, err := l.Approve(ctx, "prj-1", domain.CategoryCapex, 1000); err != nil {
		t.Fatalf("approve: %v", err)
	}
	var be domain.BudgetInvariantError
	if _, err := l.Commit(ctx, "prj-1", domain.CategoryCapex, 1500); !errors.As(err, &be) {
		t.Fatalf("commit above approved must fail, got %v", err)
	}
	if _, err := l.Commit(ctx, "prj-1", domain.CategoryCapex, 800); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := l.Execute(ctx, "prj-1", domain.CategoryCapex, 900); !errors.As(err, &be) {
		t.Fatalf("execute above committed must fail, got %v", err)
	}
	if _, err := l.Execute(ctx, "prj-1", domain.CategoryCapex, 500); err != nil {
		t.Fatalf("execute: %v", err)
	}
	// lowering approved below committed is rejected
	if _, err := l.Approve(ctx, "prj-1", domain.CategoryCapex, 700); !errors.As(err, &be) {
		t.Fatalf("approve below committed must fail, got %v", err)
	}
	line, err := l.Repo.GetBudgetLine(ctx, "prj-1", domain.CategoryCapex)
	if err != nil {
		t.Fatalf("line: %v", err)
	}
	// a rejected write changes nothing
	if line.Approved != 1000 || line.Committed != 800 || line.Executed != 500 {
		t.Fatalf("unexpected line %+v", line)
	}
}

func TestLedgerRejectsUnknownCategory(t *testing.T) {
	l := newLedger(t)
	var ve domain.ValidationError
	if _, err := l.Approve(context.Background(), "prj-1", "misc", 100); !errors.As(err, &ve) {
		t.Fatalf("expected category validation, got %v", err)
	}
}

func TestFrozenLineRejectsSpend(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	if _, err := l.Approve(ctx, "prj-1", domain.CategoryOpex, 1000); err != nil {
		t.Fatalf("approve: %v", err)
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := l.Repo.SetBudgetFrozenTx(ctx, tx, "prj-1", true, "2026-03-15T00:00:00Z"); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	var be domain.BudgetInvariantError
	if _, err := l.Commit(ctx, "prj-1", domain.CategoryOpex, 10); !errors.As(err, &be) {
		t.Fatalf("expected frozen commit rejected, got %v", err)
	}
	if _, err := l.Execute(ctx, "prj-1", domain.CategoryOpex, 10); !errors.As(err, &be) {
		t.Fatalf("expected frozen execute rejected, got %v", err)
	}
}

func TestRecordPeriodValidation(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	var ve domain.ValidationError
	if err := l.RecordPeriod(ctx, "prj-1", "2026-13", 10, 10); !errors.As(err, &ve) {
		t.Fatalf("expected month validation, got %v", err)
	}
	if err := l.RecordPeriod(ctx, "prj-1", "march", 10, 10); !errors.As(err, &ve) {
		t.Fatalf("expected format validation, got %v", err)
	}
	if err := l.RecordPeriod(ctx, "prj-1", "2026-03", -1, 10); !errors.As(err, &ve) {
		t.Fatalf("expected non-negative validation, got %v", err)
	}
	if err := l.RecordPeriod(ctx, "prj-1", "2026-03", 10, 10); err != nil {
		t.Fatalf("record: %v", err)
	}
}

func TestProjectCurveCumulativeAndClockAware(t *testing.T) {
	l := newLedger(t) // clock fixed in 2026-03
	ctx := context.Background()
	for _, p := range []struct {
		period          string
		planned, actual int64
	}{
		{"2026-01", 100, 90},
		{"2026-02", 100, 120},
		{"2026-03", 100, 50},
		{"2026-04", 100, 0},
		{"2026-05", 100, 0},
	} {
		if err := l.RecordPeriod(ctx, "prj-1", p.period, p.planned, p.actual); err != nil {
			t.Fatalf("record %s: %v", p.period, err)
		}
	}
	curve, err := l.ProjectCurve(ctx, "prj-1")
	if err != nil {
		t.Fatalf("curve: %v", err)
	}
	if len(curve) != 5 {
		t.Fatalf("expected 5 points, got %d", len(curve))
	}
	var prevPlanned, prevActual int64
	for _, pt := range curve {
		if pt.PlannedCumulative < prevPlanned || pt.ActualCumulative < prevActual {
			t.Fatalf("curve must be monotone: %+v", curve)
		}
		prevPlanned, prevActual = pt.PlannedCumulative, pt.ActualCumulative
	}
	if curve[4].PlannedCumulative != 500 {
		t.Fatalf("expected planned 500, got %d", curve[4].PlannedCumulative)
	}
	// actuals stop accumulating past the current month
	if curve[4].ActualCumulative != 260 {
		t.Fatalf("expected actual 260, got %d", curve[4].ActualCumulative)
	}
}

func TestMetricsNilOnZeroDenominators(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	if _, err := l.Approve(ctx, "prj-1", domain.CategoryCapex, 1000); err != nil {
		t.Fatalf("approve: %v", err)
	}
	m, err := l.Metrics(ctx, "prj-1", 50)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if m.CPI != nil {
		t.Fatalf("CPI must be nil with zero executed")
	}
	if m.SPI != nil {
		t.Fatalf("SPI must be nil with zero planned value")
	}
	if m.EarnedValue != 500 {
		t.Fatalf("expected EV 500, got %d", m.EarnedValue)
	}
}

func TestMetricsEarnedValueAndOverrun(t *testing.T) {
	l := newLedger(t)
	ctx := context.Background()
	if _, err := l.Approve(ctx, "prj-1", domain.CategoryCapex, 1000); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := l.Commit(ctx, "prj-1", domain.CategoryCapex, 1000); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := l.Execute(ctx, "prj-1", domain.CategoryCapex, 950); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if err := l.RecordPeriod(ctx, "prj-1", "2026-02", 400, 400); err != nil {
		t.Fatalf("record: %v", err)
	}
	m, err := l.Metrics(ctx, "prj-1", 80)
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	if m.EarnedValue != 800 {
		t.Fatalf("expected EV 800, got %d", m.EarnedValue)
	}
	if m.CPI == nil || *m.CPI < 0.84 || *m.CPI > 0.85 {
		t.Fatalf("unexpected CPI %v", m.CPI)
	}
	if m.SPI == nil || *m.SPI != 2.0 {
		t.Fatalf("unexpected SPI %v", m.SPI)
	}
	if m.Variance != 50 {
		t.Fatalf("expected variance 50, got %d", m.Variance)
	}
	// 95% executed against the default 90% alert threshold
	if !m.OverrunAlert {
		t.Fatalf("expected overrun alert at 95%% execution")
	}
}
