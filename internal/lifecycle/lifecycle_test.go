package lifecycle_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"pmoline/internal/audit"
	"pmoline/internal/budget"
	"pmoline/internal/config"
	"pmoline/internal/db"
	"pmoline/internal/domain"
	"pmoline/internal/feasibility"
	"pmoline/internal/lifecycle"
	"pmoline/internal/migrate"
	"pmoline/internal/voting"
)

type testEnv struct {
	Engine lifecycle.Engine
	Feas   feasibility.Engine
	Voting voting.Service
	Ledger budget.Ledger
	Audit  audit.Reader
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("portfolio-1")
	eng := lifecycle.New(conn, cfg)
	now := func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }
	eng.Now = now
	eng.Closure.Now = now
	return testEnv{
		Engine: eng,
		Feas:   feasibility.Engine{DB: conn, Repo: eng.Repo, Config: cfg, Now: now},
		Voting: voting.Service{DB: conn, Repo: eng.Repo, Config: cfg, Now: now},
		Ledger: budget.Ledger{DB: conn, Repo: eng.Repo, Config: cfg, Now: now},
		Audit:  audit.Reader{DB: conn},
		Ctx:    context.Background(),
	}
}

func createDraft(t *testing.T, env testEnv, amount int64) domain.Initiative {
	t.Helper()
	ini, err := env.Engine.CreateInitiative(env.Ctx, lifecycle.InitiativeCreateOptions{
		Title:           "Payments revamp",
		Description:     "Replace the settlement batch",
		Area:            "technology",
		RequestedAmount: amount,
		Actor:           "tester",
	})
	if err != nil {
		t.Fatalf("create initiative: %v", err)
	}
	return ini
}

func transition(t *testing.T, env testEnv, id, command string) domain.Initiative {
	t.Helper()
	ini, err := env.Engine.Transition(env.Ctx, lifecycle.TransitionOptions{
		EntityID: id, Command: command, Actor: "tester",
	})
	if err != nil {
		t.Fatalf("%s: %v", command, err)
	}
	return ini
}

func toCommitteePending(t *testing.T, env testEnv, amount int64) domain.Initiative {
	t.Helper()
	ini := createDraft(t, env, amount)
	transition(t, env, ini.ID, lifecycle.CommandSubmit)
	transition(t, env, ini.ID, lifecycle.CommandStartReview)
	transition(t, env, ini.ID, lifecycle.CommandStartScoring)
	for _, d := range domain.Dimensions() {
		if _, err := env.Feas.SubmitScore(env.Ctx, ini.ID, d, []int{4, 4, 4}, "scorer"); err != nil {
			t.Fatalf("score %s: %v", d, err)
		}
		if _, err := env.Feas.FinalizeDimension(env.Ctx, ini.ID, d, domain.VerdictViable, "scorer"); err != nil {
			t.Fatalf("finalize %s: %v", d, err)
		}
	}
	return transition(t, env, ini.ID, lifecycle.CommandSendToCommittee)
}

// runCommittee votes every reviewer's choice and applies the resolved outcome.
func runCommittee(t *testing.T, env testEnv, initiativeID string, choices map[string]string) domain.Initiative {
	t.Helper()
	reviewers := make([]string, 0, len(choices))
	for r := range choices {
		reviewers = append(reviewers, r)
	}
	session, err := env.Voting.ScheduleSession(env.Ctx, "2026-03-05T09:00:00Z", reviewers, []string{initiativeID})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if _, err := env.Voting.OpenSession(env.Ctx, session.ID); err != nil {
		t.Fatalf("open: %v", err)
	}
	for reviewer, choice := range choices {
		if _, err := env.Voting.CastVote(env.Ctx, session.ID, initiativeID, reviewer, choice); err != nil {
			t.Fatalf("vote %s: %v", reviewer, err)
		}
	}
	if _, err := env.Voting.CloseSession(env.Ctx, session.ID); err != nil {
		t.Fatalf("close session: %v", err)
	}
	if _, err := env.Voting.Resolve(env.Ctx, session.ID, initiativeID); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	ini, err := env.Engine.Transition(env.Ctx, lifecycle.TransitionOptions{
		EntityID: initiativeID, Command: lifecycle.CommandApplyResult,
		Actor: "chair", SessionID: session.ID,
	})
	if err != nil {
		t.Fatalf("apply result: %v", err)
	}
	return ini
}

func toReserved(t *testing.T, env testEnv, amount int64) domain.Initiative {
	t.Helper()
	ini := toCommitteePending(t, env, amount)
	return runCommittee(t, env, ini.ID, map[string]string{
		"rev-a": domain.VoteApprove, "rev-b": domain.VoteApprove,
	})
}

func toActivated(t *testing.T, env testEnv, amount int64) (domain.Initiative, domain.Project) {
	t.Helper()
	ini := toReserved(t, env, amount)
	ini = transition(t, env, ini.ID, lifecycle.CommandActivate)
	project, err := env.Engine.Repo.GetProjectByInitiative(env.Ctx, ini.ID)
	if err != nil {
		t.Fatalf("project: %v", err)
	}
	return ini, project
}

func completePhase(t *testing.T, env testEnv, projectID string, seq int) {
	t.Helper()
	if _, err := env.Engine.UpdatePhaseProgress(env.Ctx, projectID, seq, 100); err != nil {
		t.Fatalf("progress phase %d: %v", seq, err)
	}
	if _, err := env.Engine.SignOffPhase(env.Ctx, projectID, seq, "pm"); err != nil {
		t.Fatalf("sign off phase %d: %v", seq, err)
	}
}

func TestCreateInitiativeDefaults(t *testing.T) {
	env := newTestEnv(t)
	ini := createDraft(t, env, 100_000_000)
	if ini.Status != domain.StatusDraft {
		t.Fatalf("expected draft, got %s", ini.Status)
	}
	if ini.Urgency != "normal" {
		t.Fatalf("expected default urgency normal, got %s", ini.Urgency)
	}
	if ini.Classification != "standard" {
		t.Fatalf("expected standard, got %s", ini.Classification)
	}
	if ini.Code != "" {
		t.Fatalf("code must not be assigned before submission")
	}
	strategic := createDraft(t, env, 2_000_000_000)
	if strategic.Classification != "strategic" {
		t.Fatalf("expected strategic, got %s", strategic.Classification)
	}
}

func TestSubmitAssignsSequentialCodes(t *testing.T) {
	env := newTestEnv(t)
	first := createDraft(t, env, 100_000_000)
	second := createDraft(t, env, 100_000_000)
	first = transition(t, env, first.ID, lifecycle.CommandSubmit)
	second = transition(t, env, second.ID, lifecycle.CommandSubmit)
	if first.Code != "INI-2026-001" {
		t.Fatalf("expected INI-2026-001, got %s", first.Code)
	}
	if second.Code != "INI-2026-002" {
		t.Fatalf("expected INI-2026-002, got %s", second.Code)
	}
	if first.Status != domain.StatusSubmitted {
		t.Fatalf("expected submitted, got %s", first.Status)
	}
}

func TestSubmitRequiresCompleteDraft(t *testing.T) {
	env := newTestEnv(t)
	ini, err := env.Engine.CreateInitiative(env.Ctx, lifecycle.InitiativeCreateOptions{
		Title: "No description", Area: "ops", RequestedAmount: 1000, Actor: "tester",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = env.Engine.Transition(env.Ctx, lifecycle.TransitionOptions{
		EntityID: ini.ID, Command: lifecycle.CommandSubmit, Actor: "tester",
	})
	var ve domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestInvalidTransitionRejected(t *testing.T) {
	env := newTestEnv(t)
	ini := createDraft(t, env, 100_000_000)
	_, err := env.Engine.Transition(env.Ctx, lifecycle.TransitionOptions{
		EntityID: ini.ID, Command: lifecycle.CommandActivate, Actor: "tester",
	})
	var te domain.InvalidTransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if te.From != domain.StatusDraft {
		t.Fatalf("expected from draft, got %s", te.From)
	}
}

func TestSendToCommitteeRequiresAllVerdicts(t *testing.T) {
	env := newTestEnv(t)
	ini := createDraft(t, env, 100_000_000)
	transition(t, env, ini.ID, lifecycle.CommandSubmit)
	transition(t, env, ini.ID, lifecycle.CommandStartReview)
	transition(t, env, ini.ID, lifecycle.CommandStartScoring)
	if _, err := env.Feas.SubmitScore(env.Ctx, ini.ID, domain.DimensionTechnical, []int{5, 4, 3}, "scorer"); err != nil {
		t.Fatalf("score: %v", err)
	}
	if _, err := env.Feas.FinalizeDimension(env.Ctx, ini.ID, domain.DimensionTechnical, domain.VerdictViable, "scorer"); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	_, err := env.Engine.Transition(env.Ctx, lifecycle.TransitionOptions{
		EntityID: ini.ID, Command: lifecycle.CommandSendToCommittee, Actor: "tester",
	})
	var se domain.IncompleteScoringError
	if !errors.As(err, &se) {
		t.Fatalf("expected incomplete scoring, got %v", err)
	}
	if len(se.Pending) != 2 {
		t.Fatalf("expected 2 pending dimensions, got %v", se.Pending)
	}
}

func TestApprovalBanksInReserve(t *testing.T) {
	env := newTestEnv(t)
	ini := toReserved(t, env, 100_000_000)
	if ini.Status != domain.StatusReserved {
		t.Fatalf("expected reserved, got %s", ini.Status)
	}
	// 365 days past the fixed clock
	if ini.ReserveExpiry != "2027-03-01T00:00:00Z" {
		t.Fatalf("unexpected reserve expiry %s", ini.ReserveExpiry)
	}
	events, err := env.Audit.Latest(env.Ctx, audit.Filters{EntityID: ini.ID})
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	// newest first: approved -> reserved, then committee_pending -> approved
	if len(events) < 2 {
		t.Fatalf("expected at least 2 events, got %d", len(events))
	}
	if events[0].FromStatus != "approved" || events[0].ToStatus != "reserved" {
		t.Fatalf("unexpected head event %s -> %s", events[0].FromStatus, events[0].ToStatus)
	}
	if events[1].FromStatus != "committee_pending" || events[1].ToStatus != "approved" {
		t.Fatalf("unexpected hop event %s -> %s", events[1].FromStatus, events[1].ToStatus)
	}
}

func TestRejectionIsTerminalAndReinstateMintsNewID(t *testing.T) {
	env := newTestEnv(t)
	ini := toCommitteePending(t, env, 100_000_000)
	rejected := runCommittee(t, env, ini.ID, map[string]string{
		"rev-a": domain.VoteReject, "rev-b": domain.VoteReject,
	})
	if rejected.Status != domain.StatusRejected {
		t.Fatalf("expected rejected, got %s", rejected.Status)
	}
	_, err := env.Engine.Transition(env.Ctx, lifecycle.TransitionOptions{
		EntityID: ini.ID, Command: lifecycle.CommandSubmit, Actor: "tester",
	})
	var te domain.InvalidTransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected terminal status to refuse submit, got %v", err)
	}
	fresh := transition(t, env, ini.ID, lifecycle.CommandReinstate)
	if fresh.ID == ini.ID {
		t.Fatalf("reinstate must mint a new ID")
	}
	if fresh.Status != domain.StatusDraft || fresh.Code != "" {
		t.Fatalf("reinstated initiative must be an uncoded draft, got %s %q", fresh.Status, fresh.Code)
	}
	old, err := env.Engine.Repo.GetInitiative(env.Ctx, ini.ID)
	if err != nil || old.Status != domain.StatusRejected {
		t.Fatalf("original record must stay rejected: %v %s", err, old.Status)
	}
}

func TestActivationCreatesProjectScaffolding(t *testing.T) {
	env := newTestEnv(t)
	ini, project := toActivated(t, env, 250_000_000)
	if ini.Status != domain.StatusActivated {
		t.Fatalf("expected activated, got %s", ini.Status)
	}
	if ini.ReserveExpiry != "" {
		t.Fatalf("reserve expiry must clear on activation")
	}
	if project.Code != "PRJ-2026-001" {
		t.Fatalf("expected PRJ-2026-001, got %s", project.Code)
	}
	if project.BudgetApproved != 250_000_000 || project.CurrentPhase != 1 {
		t.Fatalf("unexpected project %+v", project)
	}
	if len(project.Phases) != len(domain.PhaseNames) {
		t.Fatalf("expected %d phases, got %d", len(domain.PhaseNames), len(project.Phases))
	}
	for _, ph := range project.Phases {
		want := domain.PhasePending
		if ph.Seq == 1 {
			want = domain.PhaseInProgress
		}
		if ph.Status != want {
			t.Fatalf("phase %d expected %s, got %s", ph.Seq, want, ph.Status)
		}
	}
	line, err := env.Engine.Repo.GetBudgetLine(env.Ctx, project.ID, domain.CategoryCapex)
	if err != nil {
		t.Fatalf("budget line: %v", err)
	}
	if line.Approved != 250_000_000 || line.Committed != 0 || line.Executed != 0 {
		t.Fatalf("unexpected seeded line %+v", line)
	}
}

func TestAdvancePhaseGatedOnSignOff(t *testing.T) {
	env := newTestEnv(t)
	ini, project := toActivated(t, env, 100_000_000)
	_, err := env.Engine.Transition(env.Ctx, lifecycle.TransitionOptions{
		EntityID: ini.ID, Command: lifecycle.CommandAdvancePhase, Actor: "pm",
	})
	var ve domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected advance blocked before sign-off, got %v", err)
	}
	completePhase(t, env, project.ID, 1)
	transition(t, env, ini.ID, lifecycle.CommandAdvancePhase)
	project, err = env.Engine.Repo.GetProject(env.Ctx, project.ID)
	if err != nil {
		t.Fatalf("get project: %v", err)
	}
	if project.CurrentPhase != 2 {
		t.Fatalf("expected phase 2, got %d", project.CurrentPhase)
	}
	for _, ph := range project.Phases {
		if ph.Seq == 2 && ph.Status != domain.PhaseInProgress {
			t.Fatalf("phase 2 should be in progress, got %s", ph.Status)
		}
	}
}

func TestFinalPhaseAdvancesOnlyThroughClosure(t *testing.T) {
	env := newTestEnv(t)
	ini, project := toActivated(t, env, 100_000_000)
	for seq := 1; seq <= 5; seq++ {
		completePhase(t, env, project.ID, seq)
		transition(t, env, ini.ID, lifecycle.CommandAdvancePhase)
	}
	completePhase(t, env, project.ID, 6)
	_, err := env.Engine.Transition(env.Ctx, lifecycle.TransitionOptions{
		EntityID: ini.ID, Command: lifecycle.CommandAdvancePhase, Actor: "pm",
	})
	var ve domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected advance past final phase to fail, got %v", err)
	}
}

func TestSuspendFreezesBudgetAndResumeRestores(t *testing.T) {
	env := newTestEnv(t)
	ini, project := toActivated(t, env, 100_000_000)
	completePhase(t, env, project.ID, 1)
	transition(t, env, ini.ID, lifecycle.CommandAdvancePhase)

	_, err := env.Engine.Transition(env.Ctx, lifecycle.TransitionOptions{
		EntityID: ini.ID, Command: lifecycle.CommandSuspend, Actor: "pm", Reason: "bad weather",
	})
	var ve domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected reason category check, got %v", err)
	}
	ini, err = env.Engine.Transition(env.Ctx, lifecycle.TransitionOptions{
		EntityID: ini.ID, Command: lifecycle.CommandSuspend, Actor: "pm", Reason: "budget",
	})
	if err != nil {
		t.Fatalf("suspend: %v", err)
	}
	if ini.Status != domain.StatusSuspended {
		t.Fatalf("expected suspended, got %s", ini.Status)
	}
	_, err = env.Ledger.Commit(env.Ctx, project.ID, domain.CategoryCapex, 1000)
	var be domain.BudgetInvariantError
	if !errors.As(err, &be) {
		t.Fatalf("expected frozen line to reject commit, got %v", err)
	}

	ini = transition(t, env, ini.ID, lifecycle.CommandResume)
	if ini.Status != domain.StatusActivated {
		t.Fatalf("expected activated after resume, got %s", ini.Status)
	}
	project, err = env.Engine.Repo.GetProject(env.Ctx, project.ID)
	if err != nil || project.CurrentPhase != 2 {
		t.Fatalf("resume must restore phase 2: %v %d", err, project.CurrentPhase)
	}
	if _, err := env.Ledger.Commit(env.Ctx, project.ID, domain.CategoryCapex, 1000); err != nil {
		t.Fatalf("commit after resume: %v", err)
	}
}

func TestRemoveRequiresReasonCategory(t *testing.T) {
	env := newTestEnv(t)
	ini := toReserved(t, env, 100_000_000)
	_, err := env.Engine.Transition(env.Ctx, lifecycle.TransitionOptions{
		EntityID: ini.ID, Command: lifecycle.CommandRemove, Actor: "pm", Reason: "whatever",
	})
	var ve domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected reason category check, got %v", err)
	}
	ini, err = env.Engine.Transition(env.Ctx, lifecycle.TransitionOptions{
		EntityID: ini.ID, Command: lifecycle.CommandRemove, Actor: "pm", Reason: "obsolete",
	})
	if err != nil || ini.Status != domain.StatusRemoved {
		t.Fatalf("expected removed: %v %s", err, ini.Status)
	}
}

func TestIdempotencyKeyReplay(t *testing.T) {
	env := newTestEnv(t)
	ini := createDraft(t, env, 100_000_000)
	first, err := env.Engine.Transition(env.Ctx, lifecycle.TransitionOptions{
		EntityID: ini.ID, Command: lifecycle.CommandSubmit, Actor: "tester", IdempotencyKey: "submit-1",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	replay, err := env.Engine.Transition(env.Ctx, lifecycle.TransitionOptions{
		EntityID: ini.ID, Command: lifecycle.CommandSubmit, Actor: "tester", IdempotencyKey: "submit-1",
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replay.Status != domain.StatusSubmitted || replay.Version != first.Version {
		t.Fatalf("replay must not re-apply: %+v vs %+v", replay, first)
	}
	events, err := env.Audit.Latest(env.Ctx, audit.Filters{EntityID: ini.ID})
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	submitted := 0
	for _, e := range events {
		if e.ToStatus == "submitted" {
			submitted++
		}
	}
	if submitted != 1 {
		t.Fatalf("expected exactly one submitted entry, got %d", submitted)
	}
}

func TestExpectedVersionConflict(t *testing.T) {
	env := newTestEnv(t)
	ini := createDraft(t, env, 100_000_000)
	_, err := env.Engine.Transition(env.Ctx, lifecycle.TransitionOptions{
		EntityID: ini.ID, Command: lifecycle.CommandSubmit, Actor: "tester", ExpectedVersion: 99,
	})
	var ce domain.ConcurrentModificationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected concurrent modification, got %v", err)
	}
}

func TestConcurrentTransitionsSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	ini := createDraft(t, env, 100_000_000)
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := env.Engine.Transition(env.Ctx, lifecycle.TransitionOptions{
				EntityID: ini.ID, Command: lifecycle.CommandSubmit, Actor: "tester", ExpectedVersion: 1,
			})
			errs <- err
		}()
	}
	wins := 0
	var lost error
	for i := 0; i < 2; i++ {
		if err := <-errs; err == nil {
			wins++
		} else {
			lost = err
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d (loser error: %v)", wins, lost)
	}
	var ce domain.ConcurrentModificationError
	if !errors.As(lost, &ce) {
		t.Fatalf("expected concurrent modification for the loser, got %v", lost)
	}
	got, err := env.Engine.Repo.GetInitiative(env.Ctx, ini.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusSubmitted || got.Version != 2 {
		t.Fatalf("expected submitted at version 2, got %s at %d", got.Status, got.Version)
	}
}

func TestCloseBlockedListsEveryUnmetGate(t *testing.T) {
	env := newTestEnv(t)
	ini, _ := toActivated(t, env, 100_000_000)
	_, err := env.Engine.Transition(env.Ctx, lifecycle.TransitionOptions{
		EntityID: ini.ID, Command: lifecycle.CommandClose, Actor: "pm",
	})
	var ce domain.ClosureBlockedError
	if !errors.As(err, &ce) {
		t.Fatalf("expected closure blocked, got %v", err)
	}
	// final phase plus the three default checklist kinds
	if len(ce.Unmet) != 4 {
		t.Fatalf("expected 4 unmet gates, got %v", ce.Unmet)
	}
	if !strings.Contains(strings.Join(ce.Unmet, ";"), "phase 6") {
		t.Fatalf("expected the final phase gate in %v", ce.Unmet)
	}
}

func TestCloseWritesRecordAndTerminalStatuses(t *testing.T) {
	env := newTestEnv(t)
	ini, project := toActivated(t, env, 100_000_000)
	for seq := 1; seq <= 6; seq++ {
		completePhase(t, env, project.ID, seq)
		if seq < 6 {
			transition(t, env, ini.ID, lifecycle.CommandAdvancePhase)
		}
	}
	for _, kind := range env.Engine.Config.Closure.Checklist {
		if _, err := env.Engine.Closure.RecordChecklistItem(env.Ctx, project.ID, kind, "pm"); err != nil {
			t.Fatalf("checklist %s: %v", kind, err)
		}
	}
	if _, err := env.Ledger.Commit(env.Ctx, project.ID, domain.CategoryCapex, 80_000_000); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := env.Ledger.Execute(env.Ctx, project.ID, domain.CategoryCapex, 50_000_000); err != nil {
		t.Fatalf("execute: %v", err)
	}
	ini = transition(t, env, ini.ID, lifecycle.CommandClose)
	if ini.Status != domain.StatusClosed {
		t.Fatalf("expected closed, got %s", ini.Status)
	}
	project, err := env.Engine.Repo.GetProject(env.Ctx, project.ID)
	if err != nil || project.Status != domain.StatusClosed {
		t.Fatalf("project must be closed: %v %s", err, project.Status)
	}
	record, err := env.Engine.Closure.Record(env.Ctx, project.ID)
	if err != nil {
		t.Fatalf("closure record: %v", err)
	}
	if record.FinalVariance != 30_000_000 {
		t.Fatalf("expected variance 30000000, got %d", record.FinalVariance)
	}
	if record.FinalCPI == nil {
		t.Fatalf("expected CPI with non-zero spend")
	}
	if record.DurationDays != 0 {
		t.Fatalf("fixed clock yields zero duration, got %d", record.DurationDays)
	}
}

func TestCloseHonorsVersionGuardAndIdempotencyKey(t *testing.T) {
	env := newTestEnv(t)
	ini, project := toActivated(t, env, 100_000_000)
	for seq := 1; seq <= 6; seq++ {
		completePhase(t, env, project.ID, seq)
		if seq < 6 {
			transition(t, env, ini.ID, lifecycle.CommandAdvancePhase)
		}
	}
	for _, kind := range env.Engine.Config.Closure.Checklist {
		if _, err := env.Engine.Closure.RecordChecklistItem(env.Ctx, project.ID, kind, "pm"); err != nil {
			t.Fatalf("checklist %s: %v", kind, err)
		}
	}

	_, err := env.Engine.Transition(env.Ctx, lifecycle.TransitionOptions{
		EntityID: ini.ID, Command: lifecycle.CommandClose, Actor: "pm", ExpectedVersion: 99,
	})
	var ce domain.ConcurrentModificationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected version guard on close, got %v", err)
	}
	still, err := env.Engine.Repo.GetInitiative(env.Ctx, ini.ID)
	if err != nil || still.Status != domain.StatusActivated {
		t.Fatalf("blocked close must not change status: %v %s", err, still.Status)
	}

	closed, err := env.Engine.Transition(env.Ctx, lifecycle.TransitionOptions{
		EntityID: ini.ID, Command: lifecycle.CommandClose, Actor: "pm", IdempotencyKey: "close-1",
	})
	if err != nil || closed.Status != domain.StatusClosed {
		t.Fatalf("close: %v %s", err, closed.Status)
	}
	replay, err := env.Engine.Transition(env.Ctx, lifecycle.TransitionOptions{
		EntityID: ini.ID, Command: lifecycle.CommandClose, Actor: "pm", IdempotencyKey: "close-1",
	})
	if err != nil || replay.Status != domain.StatusClosed {
		t.Fatalf("replayed close must be a no-op: %v %s", err, replay.Status)
	}

	projectEvents, err := env.Audit.Latest(env.Ctx, audit.Filters{EntityID: project.ID, EntityKind: "project"})
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	closedEntries := 0
	for _, e := range projectEvents {
		if e.ToStatus == "closed" {
			closedEntries++
		}
	}
	if closedEntries != 1 {
		t.Fatalf("expected exactly one project closed entry, got %d", closedEntries)
	}
	iniEvents, err := env.Audit.Latest(env.Ctx, audit.Filters{EntityID: ini.ID, EntityKind: "initiative"})
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(iniEvents) == 0 || iniEvents[0].ToStatus != "closed" {
		t.Fatalf("expected an initiative closed entry, got %+v", iniEvents)
	}
}
