package feasibility_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"pmoline/internal/config"
	"pmoline/internal/db"
	"pmoline/internal/domain"
	"pmoline/internal/feasibility"
	"pmoline/internal/migrate"
	"pmoline/internal/repo"
)

func newEngine(t *testing.T) feasibility.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return feasibility.Engine{
		DB:     conn,
		Repo:   repo.Repo{DB: conn},
		Config: config.Default("portfolio-1"),
		Now:    func() time.Time { return time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC) },
	}
}

func seedInitiative(t *testing.T, e feasibility.Engine, id string, status domain.Status) {
	t.Helper()
	ctx := context.Background()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	err = e.Repo.InsertInitiativeTx(ctx, tx, domain.Initiative{
		ID: id, Title: "candidate", Area: "technology", RequestedAmount: 1000,
		Urgency: "normal", Status: status, Version: 1,
		CreatedAt: "2026-03-01T00:00:00Z", UpdatedAt: "2026-03-01T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestSubmitScoreValidation(t *testing.T) {
	e := newEngine(t)
	seedInitiative(t, e, "ini-1", domain.StatusScoring)
	ctx := context.Background()
	var ve domain.ValidationError

	if _, err := e.SubmitScore(ctx, "ini-1", "legal", []int{3, 3, 3}, "scorer"); !errors.As(err, &ve) {
		t.Fatalf("expected dimension validation, got %v", err)
	}
	if _, err := e.SubmitScore(ctx, "ini-1", domain.DimensionTechnical, []int{3, 3}, "scorer"); !errors.As(err, &ve) {
		t.Fatalf("expected sub-score count validation, got %v", err)
	}
	if _, err := e.SubmitScore(ctx, "ini-1", domain.DimensionTechnical, []int{3, 3, 6}, "scorer"); !errors.As(err, &ve) {
		t.Fatalf("expected sub-score range validation, got %v", err)
	}
	if _, err := e.SubmitScore(ctx, "ini-1", domain.DimensionTechnical, []int{4, 3, 5}, "scorer"); err != nil {
		t.Fatalf("valid score: %v", err)
	}
}

func TestSubmitScoreRequiresScoringStatus(t *testing.T) {
	e := newEngine(t)
	seedInitiative(t, e, "ini-1", domain.StatusDraft)
	var ve domain.ValidationError
	_, err := e.SubmitScore(context.Background(), "ini-1", domain.DimensionTechnical, []int{3, 3, 3}, "scorer")
	if !errors.As(err, &ve) {
		t.Fatalf("expected status validation, got %v", err)
	}
}

func TestFinalizeNeedsSubmittedScores(t *testing.T) {
	e := newEngine(t)
	seedInitiative(t, e, "ini-1", domain.StatusScoring)
	ctx := context.Background()
	var se domain.IncompleteScoringError
	_, err := e.FinalizeDimension(ctx, "ini-1", domain.DimensionFinancial, domain.VerdictViable, "scorer")
	if !errors.As(err, &se) {
		t.Fatalf("expected incomplete scoring, got %v", err)
	}
	if len(se.Pending) != 1 || se.Pending[0] != domain.DimensionFinancial {
		t.Fatalf("unexpected pending %v", se.Pending)
	}
}

func TestResubmitResetsVerdict(t *testing.T) {
	e := newEngine(t)
	seedInitiative(t, e, "ini-1", domain.StatusScoring)
	ctx := context.Background()
	if _, err := e.SubmitScore(ctx, "ini-1", domain.DimensionTechnical, []int{4, 4, 4}, "scorer"); err != nil {
		t.Fatalf("score: %v", err)
	}
	if _, err := e.FinalizeDimension(ctx, "ini-1", domain.DimensionTechnical, domain.VerdictViable, "scorer"); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if _, err := e.SubmitScore(ctx, "ini-1", domain.DimensionTechnical, []int{2, 2, 2}, "scorer"); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	score, err := e.Repo.GetScore(ctx, "ini-1", domain.DimensionTechnical)
	if err != nil {
		t.Fatalf("get score: %v", err)
	}
	if score.Verdict != domain.VerdictUndetermined {
		t.Fatalf("resubmission must reset the verdict, got %s", score.Verdict)
	}
}

func TestReportReadiness(t *testing.T) {
	e := newEngine(t)
	seedInitiative(t, e, "ini-1", domain.StatusScoring)
	ctx := context.Background()
	report, err := e.Report(ctx, "ini-1")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if report.Ready {
		t.Fatalf("empty report must not be ready")
	}
	for _, d := range domain.Dimensions() {
		if _, err := e.SubmitScore(ctx, "ini-1", d, []int{3, 4, 5}, "scorer"); err != nil {
			t.Fatalf("score %s: %v", d, err)
		}
	}
	ready, err := e.IsReady(ctx, "ini-1")
	if err != nil || ready {
		t.Fatalf("undetermined verdicts must not be ready: %v %v", err, ready)
	}
	verdicts := []string{domain.VerdictViable, domain.VerdictNotViable, domain.VerdictViable}
	for i, d := range domain.Dimensions() {
		if _, err := e.FinalizeDimension(ctx, "ini-1", d, verdicts[i], "scorer"); err != nil {
			t.Fatalf("finalize %s: %v", d, err)
		}
	}
	report, err = e.Report(ctx, "ini-1")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	// not_viable is still an explicit verdict; readiness is completeness
	if !report.Ready || len(report.Dimensions) != 3 {
		t.Fatalf("expected ready report with 3 dimensions, got %+v", report)
	}
}
