package feasibility

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"pmoline/internal/config"
	"pmoline/internal/domain"
	"pmoline/internal/repo"
)

// Engine scores initiatives across the three feasibility dimensions. It never
// changes initiative status; the lifecycle engine reads readiness when it
// gates the committee transition.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Config *config.Config
	Now    func() time.Time
}

func (e Engine) now() string {
	if e.Now != nil {
		return e.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func validDimension(dimension string) bool {
	for _, d := range domain.Dimensions() {
		if d == dimension {
			return true
		}
	}
	return false
}

// SubmitScore records the sub-scores of one dimension. Resubmitting replaces
// the previous sub-scores and resets the verdict to undetermined.
func (e Engine) SubmitScore(ctx context.Context, initiativeID, dimension string, subScores []int, scoredBy string) (domain.DimensionScore, error) {
	var zero domain.DimensionScore
	if !validDimension(dimension) {
		return zero, domain.ValidationError{Field: "dimension", Reason: "must be technical, financial or operational"}
	}
	required := e.Config.Feasibility.RequiredSubScores
	if len(subScores) != required {
		return zero, domain.ValidationError{Field: "sub_scores", Reason: fmt.Sprintf("exactly %d sub-scores required", required)}
	}
	for _, v := range subScores {
		if v < 1 || v > 5 {
			return zero, domain.ValidationError{Field: "sub_scores", Reason: "sub-scores must be integers in [1,5]"}
		}
	}
	ini, err := e.Repo.GetInitiative(ctx, initiativeID)
	if err != nil {
		return zero, err
	}
	if ini.Status != domain.StatusScoring {
		return zero, domain.ValidationError{Field: "status", Reason: "initiative is not in scoring"}
	}
	score := domain.DimensionScore{
		InitiativeID: initiativeID,
		Dimension:    dimension,
		SubScores:    subScores,
		Verdict:      domain.VerdictUndetermined,
		ScoredBy:     scoredBy,
		UpdatedAt:    e.now(),
	}
	if err := e.upsert(ctx, score); err != nil {
		return zero, err
	}
	return score, nil
}

// FinalizeDimension attaches an explicit verdict to a dimension whose
// sub-scores were already submitted.
func (e Engine) FinalizeDimension(ctx context.Context, initiativeID, dimension, verdict, actor string) (domain.DimensionScore, error) {
	var zero domain.DimensionScore
	if !validDimension(dimension) {
		return zero, domain.ValidationError{Field: "dimension", Reason: "must be technical, financial or operational"}
	}
	if verdict != domain.VerdictViable && verdict != domain.VerdictNotViable {
		return zero, domain.ValidationError{Field: "verdict", Reason: "verdict must be viable or not_viable"}
	}
	score, err := e.Repo.GetScore(ctx, initiativeID, dimension)
	if err == repo.ErrNotFound {
		return zero, domain.IncompleteScoringError{InitiativeID: initiativeID, Pending: []string{dimension}}
	}
	if err != nil {
		return zero, err
	}
	if len(score.SubScores) == 0 {
		return zero, domain.IncompleteScoringError{InitiativeID: initiativeID, Pending: []string{dimension}}
	}
	score.Verdict = verdict
	score.ScoredBy = actor
	score.UpdatedAt = e.now()
	if err := e.upsert(ctx, score); err != nil {
		return zero, err
	}
	return score, nil
}

// Pending returns the dimensions that still lack an explicit verdict.
func (e Engine) Pending(ctx context.Context, initiativeID string) ([]string, error) {
	scores, err := e.Repo.ListScores(ctx, initiativeID)
	if err != nil {
		return nil, err
	}
	explicit := map[string]bool{}
	for _, s := range scores {
		if s.Verdict == domain.VerdictViable || s.Verdict == domain.VerdictNotViable {
			explicit[s.Dimension] = true
		}
	}
	var pending []string
	for _, d := range domain.Dimensions() {
		if !explicit[d] {
			pending = append(pending, d)
		}
	}
	return pending, nil
}

// IsReady reports whether every dimension carries an explicit verdict.
func (e Engine) IsReady(ctx context.Context, initiativeID string) (bool, error) {
	pending, err := e.Pending(ctx, initiativeID)
	if err != nil {
		return false, err
	}
	return len(pending) == 0, nil
}

// Report assembles the full feasibility picture of an initiative.
func (e Engine) Report(ctx context.Context, initiativeID string) (domain.FeasibilityReport, error) {
	var report domain.FeasibilityReport
	if _, err := e.Repo.GetInitiative(ctx, initiativeID); err != nil {
		return report, err
	}
	scores, err := e.Repo.ListScores(ctx, initiativeID)
	if err != nil {
		return report, err
	}
	report.InitiativeID = initiativeID
	report.Dimensions = scores
	report.Ready = true
	explicit := map[string]bool{}
	for _, s := range scores {
		if s.Verdict == domain.VerdictViable || s.Verdict == domain.VerdictNotViable {
			explicit[s.Dimension] = true
		}
	}
	for _, d := range domain.Dimensions() {
		if !explicit[d] {
			report.Ready = false
		}
	}
	return report, nil
}

func (e Engine) upsert(ctx context.Context, score domain.DimensionScore) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertScoreTx(ctx, tx, score); err != nil {
		return err
	}
	return tx.Commit()
}
