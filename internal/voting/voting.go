package voting

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"pmoline/internal/config"
	"pmoline/internal/domain"
	"pmoline/internal/repo"
)

// Service runs committee sessions: scheduling, vote intake and deterministic
// resolution. It stores outcomes but never moves initiatives; the lifecycle
// engine applies results through apply_committee_result.
type Service struct {
	DB     *sql.DB
	Repo   repo.Repo
	Config *config.Config
	Now    func() time.Time
}

func (s Service) now() string {
	if s.Now != nil {
		return s.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

// ScheduleSession creates a session with its invited reviewers and agenda.
// Every agenda item must be an initiative waiting on the committee.
func (s Service) ScheduleSession(ctx context.Context, scheduledDate string, reviewers, agenda []string) (domain.CommitteeSession, error) {
	var zero domain.CommitteeSession
	if len(reviewers) == 0 {
		return zero, domain.ValidationError{Field: "reviewers", Reason: "at least one reviewer required"}
	}
	if len(agenda) == 0 {
		return zero, domain.ValidationError{Field: "agenda", Reason: "at least one initiative required"}
	}
	if scheduledDate == "" {
		return zero, domain.ValidationError{Field: "scheduled_date", Reason: "required"}
	}
	for _, id := range agenda {
		ini, err := s.Repo.GetInitiative(ctx, id)
		if err != nil {
			return zero, err
		}
		if ini.Status != domain.StatusCommitteePending {
			return zero, domain.ValidationError{Field: "agenda", Reason: "initiative " + id + " is not committee_pending"}
		}
	}
	session := domain.CommitteeSession{
		ID:            uuid.NewString(),
		ScheduledDate: scheduledDate,
		Status:        domain.SessionScheduled,
		Reviewers:     reviewers,
		Agenda:        agenda,
		Version:       1,
		CreatedAt:     s.now(),
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return zero, err
	}
	defer tx.Rollback()
	if err := s.Repo.InsertSessionTx(ctx, tx, session); err != nil {
		return zero, err
	}
	if err := tx.Commit(); err != nil {
		return zero, err
	}
	return session, nil
}

// OpenSession moves a scheduled session into voting.
func (s Service) OpenSession(ctx context.Context, sessionID string) (domain.CommitteeSession, error) {
	return s.advance(ctx, sessionID, domain.SessionScheduled, domain.SessionInSession, "open")
}

// CloseSession stops vote intake. Resolution only runs on closed sessions.
func (s Service) CloseSession(ctx context.Context, sessionID string) (domain.CommitteeSession, error) {
	return s.advance(ctx, sessionID, domain.SessionInSession, domain.SessionClosed, "close")
}

func (s Service) advance(ctx context.Context, sessionID, from, to, command string) (domain.CommitteeSession, error) {
	var zero domain.CommitteeSession
	session, err := s.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return zero, err
	}
	if session.Status != from {
		return zero, domain.InvalidTransitionError{EntityID: sessionID, From: domain.Status(session.Status), Command: command}
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return zero, err
	}
	defer tx.Rollback()
	if err := s.Repo.UpdateSessionStatusTx(ctx, tx, sessionID, to, session.Version); err != nil {
		return zero, err
	}
	if err := tx.Commit(); err != nil {
		return zero, err
	}
	session.Status = to
	session.Version++
	return session, nil
}

// CastVote records one reviewer's choice. Each vote is an independent insert;
// the unique key makes concurrent casts safe and duplicates impossible.
func (s Service) CastVote(ctx context.Context, sessionID, initiativeID, reviewerID, choice string) (domain.Vote, error) {
	var zero domain.Vote
	switch choice {
	case domain.VoteApprove, domain.VoteReject, domain.VoteVeto:
	default:
		return zero, domain.ValidationError{Field: "choice", Reason: "must be approve, reject or veto"}
	}
	session, err := s.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return zero, err
	}
	if session.Status != domain.SessionInSession {
		return zero, domain.ValidationError{Field: "session_id", Reason: "session is not open for voting"}
	}
	invited := false
	for _, r := range session.Reviewers {
		if r == reviewerID {
			invited = true
			break
		}
	}
	if !invited {
		return zero, domain.ValidationError{Field: "reviewer_id", Reason: "reviewer not invited to this session"}
	}
	onAgenda, err := s.Repo.OnAgenda(ctx, sessionID, initiativeID)
	if err != nil {
		return zero, err
	}
	if !onAgenda {
		return zero, domain.ValidationError{Field: "initiative_id", Reason: "initiative not on the session agenda"}
	}
	vote := domain.Vote{
		SessionID:    sessionID,
		InitiativeID: initiativeID,
		ReviewerID:   reviewerID,
		Choice:       choice,
		CastAt:       s.now(),
	}
	if err := s.Repo.InsertVote(ctx, vote); err != nil {
		return zero, err
	}
	return vote, nil
}

// Resolve evaluates one agenda item of a closed session, in order: any veto
// forces rejected; below quorum the stored result is undetermined and the
// returned error carries the counts; otherwise strict majority of cast votes
// decides, with ties falling to the configured tie-break. Calling Resolve
// again returns the stored result without recounting, including the quorum
// error when that was the outcome.
func (s Service) Resolve(ctx context.Context, sessionID, initiativeID string) (domain.VoteOutcome, error) {
	session, err := s.Repo.GetSession(ctx, sessionID)
	if err != nil {
		return domain.VoteOutcome{}, err
	}
	if stored, err := s.Repo.GetOutcome(ctx, sessionID, initiativeID); err == nil {
		return stored, s.quorumErr(session, stored)
	} else if err != repo.ErrNotFound {
		return domain.VoteOutcome{}, err
	}
	if session.Status != domain.SessionClosed {
		return domain.VoteOutcome{}, domain.ValidationError{Field: "session_id", Reason: "session must be closed before resolution"}
	}
	onAgenda, err := s.Repo.OnAgenda(ctx, sessionID, initiativeID)
	if err != nil {
		return domain.VoteOutcome{}, err
	}
	if !onAgenda {
		return domain.VoteOutcome{}, domain.ValidationError{Field: "initiative_id", Reason: "initiative not on the session agenda"}
	}
	votes, err := s.Repo.ListVotes(ctx, sessionID, initiativeID)
	if err != nil {
		return domain.VoteOutcome{}, err
	}

	outcome := domain.VoteOutcome{
		SessionID:    sessionID,
		InitiativeID: initiativeID,
		VotesCast:    len(votes),
		ResolvedAt:   s.now(),
	}
	for _, v := range votes {
		switch v.Choice {
		case domain.VoteApprove:
			outcome.Approvals++
		case domain.VoteReject:
			outcome.Rejections++
		case domain.VoteVeto:
			outcome.Vetoes++
		}
	}
	invited := len(session.Reviewers)
	threshold := s.Config.Governance.QuorumThreshold
	switch {
	case outcome.Vetoes > 0:
		outcome.Result = domain.OutcomeRejected
	case invited == 0 || float64(outcome.VotesCast)/float64(invited) < threshold:
		outcome.Result = domain.OutcomeUndetermined
	case outcome.Approvals > outcome.Rejections:
		outcome.Result = domain.OutcomeApproved
	case outcome.Approvals < outcome.Rejections:
		outcome.Result = domain.OutcomeRejected
	default:
		if s.Config.Governance.TieBreak == "approve" {
			outcome.Result = domain.OutcomeApproved
		} else {
			outcome.Result = domain.OutcomeRejected
		}
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.VoteOutcome{}, err
	}
	defer tx.Rollback()
	storeErr := s.Repo.StoreOutcomeTx(ctx, tx, outcome)
	if storeErr == nil {
		storeErr = tx.Commit()
	}
	if storeErr != nil {
		// Another resolver stored first; serve its result.
		stored, getErr := s.Repo.GetOutcome(ctx, sessionID, initiativeID)
		if getErr != nil {
			return domain.VoteOutcome{}, storeErr
		}
		return stored, s.quorumErr(session, stored)
	}
	return outcome, s.quorumErr(session, outcome)
}

// Outcome returns the stored resolution, repo.ErrNotFound when unresolved.
func (s Service) Outcome(ctx context.Context, sessionID, initiativeID string) (domain.VoteOutcome, error) {
	return s.Repo.GetOutcome(ctx, sessionID, initiativeID)
}

func (s Service) quorumErr(session domain.CommitteeSession, o domain.VoteOutcome) error {
	if o.Result != domain.OutcomeUndetermined {
		return nil
	}
	return domain.QuorumNotMetError{
		SessionID: session.ID,
		Cast:      o.VotesCast,
		Invited:   len(session.Reviewers),
		Threshold: s.Config.Governance.QuorumThreshold,
	}
}
