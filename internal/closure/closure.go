package closure

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"pmoline/internal/audit"
	"pmoline/internal/budget"
	"pmoline/internal/config"
	"pmoline/internal/db"
	"pmoline/internal/domain"
	"pmoline/internal/repo"
)

// Service closes projects. Closing is the only path into the closed status
// and produces the immutable closure record; a blocked close reports every
// unmet gate at once instead of the first one found.
type Service struct {
	DB     *sql.DB
	Repo   repo.Repo
	Ledger budget.Ledger
	Audit  audit.Writer
	Config *config.Config
	Now    func() time.Time
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// RecordChecklistItem marks one closure gate done for a project.
func (s Service) RecordChecklistItem(ctx context.Context, projectID, kind, actor string) (domain.ChecklistItem, error) {
	var zero domain.ChecklistItem
	known := false
	for _, k := range s.Config.Closure.Checklist {
		if k == kind {
			known = true
			break
		}
	}
	if !known {
		return zero, domain.ValidationError{Field: "kind", Reason: "unknown checklist kind " + kind}
	}
	if _, err := s.Repo.GetProject(ctx, projectID); err != nil {
		return zero, err
	}
	item := domain.ChecklistItem{
		ProjectID:  projectID,
		Kind:       kind,
		ActorID:    actor,
		RecordedAt: s.now().UTC().Format(time.RFC3339),
	}
	if err := s.Repo.UpsertChecklistItem(ctx, item); err != nil {
		return zero, err
	}
	return item, nil
}

// CloseOptions parameterize CloseProject. ExpectedVersion guards the
// initiative record; zero skips the check. A non-empty IdempotencyKey is
// recorded with the audit entry so replays can be detected.
type CloseOptions struct {
	Actor           string
	Lessons         string
	ExpectedVersion int64
	IdempotencyKey  string
}

// CloseProject verifies every closure gate, then commits the terminal status
// on the project and its initiative together with the closure record.
func (s Service) CloseProject(ctx context.Context, projectID string, opts CloseOptions) (domain.ClosureRecord, error) {
	var record domain.ClosureRecord
	err := db.WithRetry(ctx, "closure.close_project", func() error {
		project, err := s.Repo.GetProject(ctx, projectID)
		if err != nil {
			return err
		}
		if project.Status != domain.StatusActivated {
			return domain.InvalidTransitionError{EntityID: projectID, From: project.Status, Command: "close"}
		}
		ini, err := s.Repo.GetInitiative(ctx, project.InitiativeID)
		if err != nil {
			return err
		}
		if opts.ExpectedVersion > 0 && ini.Version != opts.ExpectedVersion {
			return domain.ConcurrentModificationError{EntityID: ini.ID, Version: opts.ExpectedVersion}
		}

		var unmet []string
		finalPhase := domain.Phase{}
		for _, ph := range project.Phases {
			if ph.Seq == len(domain.PhaseNames) {
				finalPhase = ph
			}
		}
		if finalPhase.Status != domain.PhaseCompleted || finalPhase.CompletionPct != 100 {
			unmet = append(unmet, fmt.Sprintf("phase %d not completed", len(domain.PhaseNames)))
		}
		items, err := s.Repo.ListChecklistItems(ctx, projectID)
		if err != nil {
			return err
		}
		present := map[string]bool{}
		for _, item := range items {
			present[item.Kind] = true
		}
		for _, kind := range s.Config.Closure.Checklist {
			if !present[kind] {
				unmet = append(unmet, "checklist item missing: "+kind)
			}
		}
		lines, err := s.Repo.ListBudgetLines(ctx, projectID)
		if err != nil {
			return err
		}
		var committed, executed int64
		for _, line := range lines {
			committed += line.Committed
			executed += line.Executed
			if line.Executed > line.Committed {
				unmet = append(unmet, "budget "+line.Category+" executed exceeds committed")
			}
		}
		if len(unmet) > 0 {
			return domain.ClosureBlockedError{ProjectID: projectID, Unmet: unmet}
		}

		metrics, err := s.Ledger.Metrics(ctx, projectID, project.Progress())
		if err != nil {
			return err
		}
		now := s.now().UTC()
		record = domain.ClosureRecord{
			ProjectID:     projectID,
			ClosedAt:      now.Format(time.RFC3339),
			FinalCPI:      metrics.CPI,
			FinalSPI:      metrics.SPI,
			FinalVariance: committed - executed,
			Lessons:       opts.Lessons,
		}
		if activated, err := time.Parse(time.RFC3339, project.ActivatedAt); err == nil {
			record.DurationDays = int(now.Sub(activated).Hours() / 24)
		}

		tx, err := s.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		project.Status = domain.StatusClosed
		project.UpdatedAt = record.ClosedAt
		if err := s.Repo.UpdateProjectTx(ctx, tx, project, project.Version); err != nil {
			return err
		}
		ini.Status = domain.StatusClosed
		ini.UpdatedAt = record.ClosedAt
		if err := s.Repo.UpdateInitiativeTx(ctx, tx, ini, ini.Version); err != nil {
			return err
		}
		if err := s.Repo.InsertClosureRecordTx(ctx, tx, record); err != nil {
			return err
		}
		if err := s.Audit.Append(ctx, tx, audit.Entry{
			ActorID:    opts.Actor,
			EntityKind: "project",
			EntityID:   projectID,
			FromStatus: string(domain.StatusActivated),
			ToStatus:   string(domain.StatusClosed),
			Reason:     opts.Lessons,
		}); err != nil {
			return err
		}
		if err := s.Audit.Append(ctx, tx, audit.Entry{
			ActorID:        opts.Actor,
			EntityKind:     "initiative",
			EntityID:       ini.ID,
			FromStatus:     string(domain.StatusActivated),
			ToStatus:       string(domain.StatusClosed),
			Reason:         opts.Lessons,
			IdempotencyKey: opts.IdempotencyKey,
		}); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return domain.ClosureRecord{}, err
	}
	return record, nil
}

// Record returns the stored closure record of a project.
func (s Service) Record(ctx context.Context, projectID string) (domain.ClosureRecord, error) {
	return s.Repo.GetClosureRecord(ctx, projectID)
}
