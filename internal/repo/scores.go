package repo

import (
	"context"
	"database/sql"
	"encoding/json"

	"pmoline/internal/domain"
)

// UpsertScoreTx stores one dimension score, replacing any previous one.
func (r Repo) UpsertScoreTx(ctx context.Context, tx *sql.Tx, s domain.DimensionScore) error {
	raw, err := json.Marshal(s.SubScores)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO feasibility_scores(initiative_id,dimension,sub_scores_json,verdict,scored_by,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(initiative_id,dimension) DO UPDATE SET sub_scores_json=excluded.sub_scores_json, verdict=excluded.verdict, scored_by=excluded.scored_by, updated_at=excluded.updated_at`,
		s.InitiativeID, s.Dimension, string(raw), s.Verdict, nullable(s.ScoredBy), s.UpdatedAt)
	return err
}

func (r Repo) GetScore(ctx context.Context, initiativeID, dimension string) (domain.DimensionScore, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT initiative_id,dimension,COALESCE(sub_scores_json,'[]'),verdict,COALESCE(scored_by,''),updated_at FROM feasibility_scores WHERE initiative_id=? AND dimension=?`,
		initiativeID, dimension)
	return scanScore(row.Scan)
}

func (r Repo) ListScores(ctx context.Context, initiativeID string) ([]domain.DimensionScore, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT initiative_id,dimension,COALESCE(sub_scores_json,'[]'),verdict,COALESCE(scored_by,''),updated_at FROM feasibility_scores WHERE initiative_id=? ORDER BY dimension`, initiativeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DimensionScore
	for rows.Next() {
		s, err := scanScore(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) ListScoresTx(ctx context.Context, tx *sql.Tx, initiativeID string) ([]domain.DimensionScore, error) {
	rows, err := tx.QueryContext(ctx, `SELECT initiative_id,dimension,COALESCE(sub_scores_json,'[]'),verdict,COALESCE(scored_by,''),updated_at FROM feasibility_scores WHERE initiative_id=? ORDER BY dimension`, initiativeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DimensionScore
	for rows.Next() {
		s, err := scanScore(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func scanScore(scan func(...any) error) (domain.DimensionScore, error) {
	var s domain.DimensionScore
	var raw string
	err := scan(&s.InitiativeID, &s.Dimension, &raw, &s.Verdict, &s.ScoredBy, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal([]byte(raw), &s.SubScores); err != nil {
		return s, err
	}
	return s, nil
}
