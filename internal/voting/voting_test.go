package voting_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"pmoline/internal/config"
	"pmoline/internal/db"
	"pmoline/internal/domain"
	"pmoline/internal/migrate"
	"pmoline/internal/repo"
	"pmoline/internal/voting"
)

func newService(t *testing.T) voting.Service {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return voting.Service{
		DB:     conn,
		Repo:   repo.Repo{DB: conn},
		Config: config.Default("portfolio-1"),
		Now:    func() time.Time { return time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC) },
	}
}

func seedCommitteePending(t *testing.T, s voting.Service, id string) {
	t.Helper()
	ctx := context.Background()
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	err = s.Repo.InsertInitiativeTx(ctx, tx, domain.Initiative{
		ID: id, Title: "candidate", Area: "technology", RequestedAmount: 1000,
		Urgency: "normal", Status: domain.StatusCommitteePending, Version: 1,
		CreatedAt: "2026-03-01T00:00:00Z", UpdatedAt: "2026-03-01T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("insert initiative: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

// closedSession schedules, opens, casts the given votes and closes the session.
func closedSession(t *testing.T, s voting.Service, initiativeID string, reviewers []string, votes map[string]string) domain.CommitteeSession {
	t.Helper()
	ctx := context.Background()
	session, err := s.ScheduleSession(ctx, "2026-03-05T09:00:00Z", reviewers, []string{initiativeID})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if _, err := s.OpenSession(ctx, session.ID); err != nil {
		t.Fatalf("open: %v", err)
	}
	for reviewer, choice := range votes {
		if _, err := s.CastVote(ctx, session.ID, initiativeID, reviewer, choice); err != nil {
			t.Fatalf("vote %s: %v", reviewer, err)
		}
	}
	if _, err := s.CloseSession(ctx, session.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	return session
}

func TestVetoForcesRejection(t *testing.T) {
	s := newService(t)
	seedCommitteePending(t, s, "ini-1")
	reviewers := make([]string, 0, 11)
	votes := map[string]string{}
	for i := 0; i < 10; i++ {
		r := fmt.Sprintf("rev-%d", i)
		reviewers = append(reviewers, r)
		votes[r] = domain.VoteApprove
	}
	reviewers = append(reviewers, "rev-veto")
	votes["rev-veto"] = domain.VoteVeto
	session := closedSession(t, s, "ini-1", reviewers, votes)

	outcome, err := s.Resolve(context.Background(), session.ID, "ini-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if outcome.Result != domain.OutcomeRejected {
		t.Fatalf("a single veto must reject, got %s", outcome.Result)
	}
	if outcome.Approvals != 10 || outcome.Vetoes != 1 {
		t.Fatalf("unexpected counts %+v", outcome)
	}
}

func TestQuorumNotMetStoresUndetermined(t *testing.T) {
	s := newService(t)
	seedCommitteePending(t, s, "ini-1")
	reviewers := []string{"a", "b", "c", "d", "e"}
	session := closedSession(t, s, "ini-1", reviewers, map[string]string{
		"a": domain.VoteApprove, "b": domain.VoteApprove,
	})

	ctx := context.Background()
	outcome, err := s.Resolve(ctx, session.ID, "ini-1")
	var qe domain.QuorumNotMetError
	if !errors.As(err, &qe) {
		t.Fatalf("expected quorum error with 2 of 5 cast, got %v", err)
	}
	if qe.Cast != 2 || qe.Invited != 5 {
		t.Fatalf("unexpected quorum counts %+v", qe)
	}
	if outcome.Result != domain.OutcomeUndetermined {
		t.Fatalf("expected stored undetermined, got %s", outcome.Result)
	}
	// resolving again returns the stored outcome and the same error
	again, err := s.Resolve(ctx, session.ID, "ini-1")
	if !errors.As(err, &qe) {
		t.Fatalf("repeat resolve must report quorum again, got %v", err)
	}
	if again.Result != domain.OutcomeUndetermined || again.VotesCast != 2 {
		t.Fatalf("unexpected stored outcome %+v", again)
	}
}

func TestTieFallsToConfiguredBreak(t *testing.T) {
	s := newService(t)
	seedCommitteePending(t, s, "ini-1")
	session := closedSession(t, s, "ini-1", []string{"a", "b", "c", "d"}, map[string]string{
		"a": domain.VoteApprove, "b": domain.VoteApprove,
		"c": domain.VoteReject, "d": domain.VoteReject,
	})
	outcome, err := s.Resolve(context.Background(), session.ID, "ini-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// default tie_break is reject
	if outcome.Result != domain.OutcomeRejected {
		t.Fatalf("2-2 tie must reject by default, got %s", outcome.Result)
	}
}

func TestMajorityApproves(t *testing.T) {
	s := newService(t)
	seedCommitteePending(t, s, "ini-1")
	session := closedSession(t, s, "ini-1", []string{"a", "b", "c"}, map[string]string{
		"a": domain.VoteApprove, "b": domain.VoteApprove, "c": domain.VoteReject,
	})
	outcome, err := s.Resolve(context.Background(), session.ID, "ini-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if outcome.Result != domain.OutcomeApproved {
		t.Fatalf("expected approved, got %s", outcome.Result)
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	s := newService(t)
	seedCommitteePending(t, s, "ini-1")
	session := closedSession(t, s, "ini-1", []string{"a", "b"}, map[string]string{
		"a": domain.VoteApprove, "b": domain.VoteApprove,
	})
	ctx := context.Background()
	first, err := s.Resolve(ctx, session.ID, "ini-1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	second, err := s.Resolve(ctx, session.ID, "ini-1")
	if err != nil {
		t.Fatalf("repeat resolve: %v", err)
	}
	if first.Result != second.Result || first.ResolvedAt != second.ResolvedAt {
		t.Fatalf("repeat resolution must return the stored outcome: %+v vs %+v", first, second)
	}
}

func TestVoteIntakeGuards(t *testing.T) {
	s := newService(t)
	seedCommitteePending(t, s, "ini-1")
	ctx := context.Background()
	session, err := s.ScheduleSession(ctx, "2026-03-05T09:00:00Z", []string{"a", "b"}, []string{"ini-1"})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}

	// voting before the session opens
	if _, err := s.CastVote(ctx, session.ID, "ini-1", "a", domain.VoteApprove); err == nil {
		t.Fatalf("expected vote rejected before open")
	}
	if _, err := s.OpenSession(ctx, session.ID); err != nil {
		t.Fatalf("open: %v", err)
	}
	// uninvited reviewer
	if _, err := s.CastVote(ctx, session.ID, "ini-1", "stranger", domain.VoteApprove); err == nil {
		t.Fatalf("expected uninvited reviewer rejected")
	}
	// off-agenda initiative
	if _, err := s.CastVote(ctx, session.ID, "ini-2", "a", domain.VoteApprove); err == nil {
		t.Fatalf("expected off-agenda vote rejected")
	}
	if _, err := s.CastVote(ctx, session.ID, "ini-1", "a", domain.VoteApprove); err != nil {
		t.Fatalf("valid vote: %v", err)
	}
	// one vote per reviewer per item
	if _, err := s.CastVote(ctx, session.ID, "ini-1", "a", domain.VoteReject); err == nil {
		t.Fatalf("expected duplicate vote rejected")
	}
	// resolving an open session
	if _, err := s.Resolve(ctx, session.ID, "ini-1"); err == nil {
		t.Fatalf("expected resolve to require a closed session")
	}
}

func TestScheduleRequiresCommitteePendingAgenda(t *testing.T) {
	s := newService(t)
	ctx := context.Background()
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	err = s.Repo.InsertInitiativeTx(ctx, tx, domain.Initiative{
		ID: "ini-draft", Title: "too early", Area: "ops", RequestedAmount: 10,
		Urgency: "normal", Status: domain.StatusDraft, Version: 1,
		CreatedAt: "2026-03-01T00:00:00Z", UpdatedAt: "2026-03-01T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	_, err = s.ScheduleSession(ctx, "2026-03-05T09:00:00Z", []string{"a"}, []string{"ini-draft"})
	var ve domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected agenda validation, got %v", err)
	}
}
