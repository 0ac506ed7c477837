package lifecycle

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pmoline/internal/audit"
	"pmoline/internal/budget"
	"pmoline/internal/closure"
	"pmoline/internal/config"
	"pmoline/internal/db"
	"pmoline/internal/domain"
	"pmoline/internal/repo"
)

// Engine is the durable state machine behind every initiative and project.
// All status changes flow through Transition; side effects and the audit
// entry commit in the same transaction or not at all.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Audit   audit.Writer
	Closure closure.Service
	Config  *config.Config
	Now     func() time.Time
}

func New(conn *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: conn}
	w := audit.Writer{DB: conn}
	return Engine{
		DB:    conn,
		Repo:  r,
		Audit: w,
		Closure: closure.Service{
			DB:     conn,
			Repo:   r,
			Ledger: budget.Ledger{DB: conn, Repo: r, Config: cfg},
			Audit:  w,
			Config: cfg,
		},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// InitiativeCreateOptions are parameters for the intake of a new initiative.
type InitiativeCreateOptions struct {
	Title            string
	Description      string
	Justification    string
	ExpectedBenefits string
	Area             string
	RequestedAmount  int64
	Urgency          string
	Actor            string
}

// CreateInitiative records a draft. Codes are assigned later, at submission.
func (e Engine) CreateInitiative(ctx context.Context, opts InitiativeCreateOptions) (domain.Initiative, error) {
	var zero domain.Initiative
	if opts.Title == "" {
		return zero, domain.ValidationError{Field: "title", Reason: "required"}
	}
	if opts.Area == "" {
		return zero, domain.ValidationError{Field: "area", Reason: "required"}
	}
	if opts.RequestedAmount < 0 {
		return zero, domain.ValidationError{Field: "requested_amount", Reason: "must be non-negative"}
	}
	if opts.Urgency == "" {
		opts.Urgency = "normal"
	}
	switch opts.Urgency {
	case "low", "normal", "high", "critical":
	default:
		return zero, domain.ValidationError{Field: "urgency", Reason: "must be low, normal, high or critical"}
	}
	now := e.now().UTC().Format(time.RFC3339)
	ini := domain.Initiative{
		ID:               uuid.NewString(),
		Title:            opts.Title,
		Description:      opts.Description,
		Justification:    opts.Justification,
		ExpectedBenefits: opts.ExpectedBenefits,
		Area:             opts.Area,
		RequestedAmount:  opts.RequestedAmount,
		Urgency:          opts.Urgency,
		Classification:   domain.Classify(opts.RequestedAmount),
		Status:           domain.StatusDraft,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	err := db.WithRetry(ctx, "lifecycle.create_initiative", func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := e.Repo.InsertInitiativeTx(ctx, tx, ini); err != nil {
			return err
		}
		if err := e.Audit.Append(ctx, tx, audit.Entry{
			ActorID:    opts.Actor,
			EntityKind: "initiative",
			EntityID:   ini.ID,
			ToStatus:   string(domain.StatusDraft),
		}); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return zero, err
	}
	return ini, nil
}

// TransitionOptions parameterize one lifecycle command.
type TransitionOptions struct {
	EntityID        string // initiative ID, or a project ID for phase commands
	Command         string
	Actor           string
	Reason          string
	SessionID       string // apply_committee_result only
	ExpectedVersion int64  // 0 skips the check
	IdempotencyKey  string
}

// Transition is the single entry point for every lifecycle command. It
// validates the current status and preconditions, applies side effects, and
// writes the audit trail atomically. A previously seen idempotency key
// returns the current entity without re-applying anything.
func (e Engine) Transition(ctx context.Context, opts TransitionOptions) (domain.Initiative, error) {
	var zero domain.Initiative
	if opts.EntityID == "" {
		return zero, domain.ValidationError{Field: "entity_id", Reason: "required"}
	}

	if opts.Command == CommandClose {
		return e.applyClose(ctx, opts)
	}

	var out domain.Initiative
	err := db.WithRetry(ctx, "lifecycle.transition", func() error {
		var outcome domain.VoteOutcome
		if opts.Command == CommandApplyResult {
			if opts.SessionID == "" {
				return domain.ValidationError{Field: "session_id", Reason: "required for apply_committee_result"}
			}
			var err error
			outcome, err = e.Repo.GetOutcome(ctx, opts.SessionID, opts.EntityID)
			if err == repo.ErrNotFound {
				return domain.ValidationError{Field: "session_id", Reason: "agenda item is not resolved"}
			}
			if err != nil {
				return err
			}
		}

		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		ini, err := e.resolveInitiativeTx(ctx, tx, opts.EntityID)
		if err != nil {
			return err
		}
		if seen, err := e.Audit.SeenKey(ctx, tx, opts.IdempotencyKey); err != nil {
			return err
		} else if seen {
			out = ini
			return nil
		}
		if opts.ExpectedVersion > 0 && ini.Version != opts.ExpectedVersion {
			return domain.ConcurrentModificationError{EntityID: ini.ID, Version: opts.ExpectedVersion}
		}
		if err := ensureTransition(ini.ID, ini.Status, opts.Command); err != nil {
			return err
		}

		from := ini.Status
		nowStr := e.now().UTC().Format(time.RFC3339)
		readVersion := ini.Version
		updateInitiative := true
		entries := []audit.Entry{{
			ActorID:    opts.Actor,
			EntityKind: "initiative",
			EntityID:   ini.ID,
			FromStatus: string(from),
			Reason:     opts.Reason,
		}}

		switch opts.Command {
		case CommandSubmit:
			if err := e.applySubmit(ctx, tx, &ini); err != nil {
				return err
			}
		case CommandStartReview:
			ini.Status = domain.StatusUnderReview
		case CommandStartScoring:
			ini.Status = domain.StatusScoring
		case CommandSendToCommittee:
			if err := e.applySendToCommittee(ctx, tx, &ini); err != nil {
				return err
			}
		case CommandApplyResult:
			hops, err := e.applyCommitteeResult(&ini, outcome, opts)
			if err != nil {
				return err
			}
			if len(hops) > 0 {
				// Approval banks the initiative immediately: the hop entry
				// records committee_pending -> approved, the main entry
				// approved -> reserved.
				entries[0].FromStatus = string(domain.StatusApproved)
				entries = append(hops, entries...)
			}
		case CommandActivate:
			if err := e.applyActivate(ctx, tx, &ini, nowStr); err != nil {
				return err
			}
		case CommandAdvancePhase:
			entry, err := e.applyAdvancePhase(ctx, tx, ini, nowStr, opts)
			if err != nil {
				return err
			}
			entries = []audit.Entry{entry}
			updateInitiative = false
		case CommandSuspend:
			if err := e.applySuspend(ctx, tx, &ini, nowStr, opts.Reason); err != nil {
				return err
			}
		case CommandResume:
			if err := e.applyResume(ctx, tx, &ini, nowStr); err != nil {
				return err
			}
		case CommandRemove:
			if !validReason(opts.Reason, domain.RemoveReasons) {
				return domain.ValidationError{Field: "reason", Reason: "must be one of expiry, obsolete, duplicate, discarded, merged"}
			}
			ini.Status = domain.StatusRemoved
		case CommandReinstate:
			fresh, err := e.applyReinstate(ctx, tx, ini, nowStr, opts.Actor)
			if err != nil {
				return err
			}
			entries = []audit.Entry{{
				ActorID:    opts.Actor,
				EntityKind: "initiative",
				EntityID:   fresh.ID,
				ToStatus:   string(domain.StatusDraft),
				Reason:     "reinstated from " + ini.ID,
			}}
			ini = fresh
			updateInitiative = false
		default:
			return domain.ValidationError{Field: "command", Reason: "unknown command " + opts.Command}
		}

		if updateInitiative {
			ini.UpdatedAt = nowStr
			if err := e.Repo.UpdateInitiativeTx(ctx, tx, ini, readVersion); err != nil {
				return err
			}
			ini.Version = readVersion + 1
			entries[0].ToStatus = string(ini.Status)
		}
		for i, entry := range entries {
			if i == 0 {
				entry.IdempotencyKey = opts.IdempotencyKey
			}
			if err := e.Audit.Append(ctx, tx, entry); err != nil {
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		out = ini
		return nil
	})
	if err != nil {
		return zero, err
	}
	return out, nil
}

func (e Engine) applySubmit(ctx context.Context, tx *sql.Tx, ini *domain.Initiative) error {
	if ini.Title == "" || ini.Description == "" || ini.Area == "" {
		return domain.ValidationError{Field: "initiative", Reason: "title, description and area are required to submit"}
	}
	if ini.RequestedAmount <= 0 {
		return domain.ValidationError{Field: "requested_amount", Reason: "must be positive to submit"}
	}
	year := e.now().UTC().Year()
	seq, err := e.Repo.NextCodeTx(ctx, tx, "INI", year)
	if err != nil {
		return err
	}
	ini.Code = repo.FormatCode("INI", year, seq)
	ini.Classification = domain.Classify(ini.RequestedAmount)
	ini.Status = domain.StatusSubmitted
	return nil
}

func (e Engine) applySendToCommittee(ctx context.Context, tx *sql.Tx, ini *domain.Initiative) error {
	scores, err := e.Repo.ListScoresTx(ctx, tx, ini.ID)
	if err != nil {
		return err
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
	if len(pending) > 0 {
		return domain.IncompleteScoringError{InitiativeID: ini.ID, Pending: pending}
	}
	ini.Status = domain.StatusCommitteePending
	return nil
}

// applyCommitteeResult applies a resolved committee outcome. Approval
// immediately banks the initiative in the reserve with an expiry stamp.
func (e Engine) applyCommitteeResult(ini *domain.Initiative, outcome domain.VoteOutcome, opts TransitionOptions) ([]audit.Entry, error) {
	switch outcome.Result {
	case domain.OutcomeRejected:
		ini.Status = domain.StatusRejected
		return nil, nil
	case domain.OutcomeApproved:
		ini.Status = domain.StatusReserved
		expiry := e.now().UTC().AddDate(0, 0, e.Config.Governance.ReserveExpiryDays)
		ini.ReserveExpiry = expiry.Format(time.RFC3339)
		hop := audit.Entry{
			ActorID:    opts.Actor,
			EntityKind: "initiative",
			EntityID:   ini.ID,
			FromStatus: string(domain.StatusCommitteePending),
			ToStatus:   string(domain.StatusApproved),
		}
		return []audit.Entry{hop}, nil
	default:
		return nil, domain.ValidationError{Field: "session_id", Reason: "committee outcome is undetermined; initiative stays committee_pending"}
	}
}

func (e Engine) applyActivate(ctx context.Context, tx *sql.Tx, ini *domain.Initiative, nowStr string) error {
	year := e.now().UTC().Year()
	seq, err := e.Repo.NextCodeTx(ctx, tx, "PRJ", year)
	if err != nil {
		return err
	}
	project := domain.Project{
		ID:             uuid.NewString(),
		Code:           repo.FormatCode("PRJ", year, seq),
		InitiativeID:   ini.ID,
		Name:           ini.Title,
		BudgetApproved: ini.RequestedAmount,
		Status:         domain.StatusActivated,
		CurrentPhase:   1,
		Version:        1,
		ActivatedAt:    nowStr,
		UpdatedAt:      nowStr,
	}
	if err := e.Repo.InsertProjectTx(ctx, tx, project); err != nil {
		return err
	}
	for i, name := range domain.PhaseNames {
		ph := domain.Phase{
			ProjectID: project.ID,
			Seq:       i + 1,
			Name:      name,
			Status:    domain.PhasePending,
		}
		if i == 0 {
			ph.Status = domain.PhaseInProgress
			ph.StartedAt = nowStr
		}
		if err := e.Repo.InsertPhaseTx(ctx, tx, ph); err != nil {
			return err
		}
	}
	if err := e.Repo.InsertBudgetLineTx(ctx, tx, domain.BudgetLine{
		OwnerID:   project.ID,
		Category:  domain.CategoryCapex,
		Approved:  ini.RequestedAmount,
		Version:   1,
		UpdatedAt: nowStr,
	}); err != nil {
		return err
	}
	ini.Status = domain.StatusActivated
	ini.ReserveExpiry = ""
	return nil
}

func (e Engine) applyAdvancePhase(ctx context.Context, tx *sql.Tx, ini domain.Initiative, nowStr string, opts TransitionOptions) (audit.Entry, error) {
	var zero audit.Entry
	project, err := e.projectForTx(ctx, tx, ini.ID)
	if err != nil {
		return zero, err
	}
	cur := project.CurrentPhase
	if cur >= len(domain.PhaseNames) {
		return zero, domain.ValidationError{Field: "phase", Reason: "final phase completes through closure, not advance_phase"}
	}
	var current domain.Phase
	for _, ph := range project.Phases {
		if ph.Seq == cur {
			current = ph
		}
	}
	if current.Status != domain.PhaseCompleted || current.CompletionPct != 100 {
		return zero, domain.ValidationError{Field: "phase", Reason: fmt.Sprintf("phase %d must be signed off at 100%% before advancing", cur)}
	}
	next := cur + 1
	for _, ph := range project.Phases {
		if ph.Seq == next {
			ph.Status = domain.PhaseInProgress
			ph.StartedAt = nowStr
			if err := e.Repo.UpdatePhaseTx(ctx, tx, ph); err != nil {
				return zero, err
			}
		}
	}
	project.CurrentPhase = next
	project.UpdatedAt = nowStr
	if err := e.Repo.UpdateProjectTx(ctx, tx, project, project.Version); err != nil {
		return zero, err
	}
	return audit.Entry{
		ActorID:    opts.Actor,
		EntityKind: "project",
		EntityID:   project.ID,
		FromStatus: fmt.Sprintf("phase_%d", cur),
		ToStatus:   fmt.Sprintf("phase_%d", next),
		Reason:     opts.Reason,
	}, nil
}

func (e Engine) applySuspend(ctx context.Context, tx *sql.Tx, ini *domain.Initiative, nowStr, reason string) error {
	if !validReason(reason, domain.SuspendReasons) {
		return domain.ValidationError{Field: "reason", Reason: "must be one of budget, resources, priority, external, review"}
	}
	project, err := e.projectForTx(ctx, tx, ini.ID)
	if err != nil {
		return err
	}
	project.Status = domain.StatusSuspended
	project.SuspendReason = reason
	project.UpdatedAt = nowStr
	if err := e.Repo.UpdateProjectTx(ctx, tx, project, project.Version); err != nil {
		return err
	}
	if err := e.Repo.SetBudgetFrozenTx(ctx, tx, project.ID, true, nowStr); err != nil {
		return err
	}
	ini.Status = domain.StatusSuspended
	ini.SuspendedPhase = project.CurrentPhase
	return nil
}

func (e Engine) applyResume(ctx context.Context, tx *sql.Tx, ini *domain.Initiative, nowStr string) error {
	project, err := e.projectForTx(ctx, tx, ini.ID)
	if err != nil {
		return err
	}
	project.Status = domain.StatusActivated
	project.SuspendReason = ""
	project.CurrentPhase = ini.SuspendedPhase
	project.UpdatedAt = nowStr
	if err := e.Repo.UpdateProjectTx(ctx, tx, project, project.Version); err != nil {
		return err
	}
	if err := e.Repo.SetBudgetFrozenTx(ctx, tx, project.ID, false, nowStr); err != nil {
		return err
	}
	ini.Status = domain.StatusActivated
	ini.SuspendedPhase = 0
	return nil
}

// applyReinstate mints a brand-new draft from a terminal initiative. The
// original record is never touched.
func (e Engine) applyReinstate(ctx context.Context, tx *sql.Tx, old domain.Initiative, nowStr, actor string) (domain.Initiative, error) {
	fresh := domain.Initiative{
		ID:               uuid.NewString(),
		Title:            old.Title,
		Description:      old.Description,
		Justification:    old.Justification,
		ExpectedBenefits: old.ExpectedBenefits,
		Area:             old.Area,
		RequestedAmount:  old.RequestedAmount,
		Urgency:          old.Urgency,
		Classification:   domain.Classify(old.RequestedAmount),
		Status:           domain.StatusDraft,
		Version:          1,
		CreatedAt:        nowStr,
		UpdatedAt:        nowStr,
	}
	if err := e.Repo.InsertInitiativeTx(ctx, tx, fresh); err != nil {
		return domain.Initiative{}, err
	}
	return fresh, nil
}

// applyClose delegates to the closure service, which owns the gate checks
// and the terminal commit. The idempotency replay check runs first: a
// replayed close finds the initiative already closed and must not trip the
// status machine.
func (e Engine) applyClose(ctx context.Context, opts TransitionOptions) (domain.Initiative, error) {
	var zero domain.Initiative
	ini, err := e.resolveInitiative(ctx, opts.EntityID)
	if err != nil {
		return zero, err
	}
	if opts.IdempotencyKey != "" {
		seen, err := e.seenKey(ctx, opts.IdempotencyKey)
		if err != nil {
			return zero, err
		}
		if seen {
			return ini, nil
		}
	}
	if err := ensureTransition(ini.ID, ini.Status, CommandClose); err != nil {
		return zero, err
	}
	project, err := e.Repo.GetProjectByInitiative(ctx, ini.ID)
	if err != nil {
		return zero, err
	}
	_, err = e.Closure.CloseProject(ctx, project.ID, closure.CloseOptions{
		Actor:           opts.Actor,
		Lessons:         opts.Reason,
		ExpectedVersion: opts.ExpectedVersion,
		IdempotencyKey:  opts.IdempotencyKey,
	})
	if err != nil {
		return zero, err
	}
	return e.Repo.GetInitiative(ctx, ini.ID)
}

func (e Engine) seenKey(ctx context.Context, key string) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	return e.Audit.SeenKey(ctx, tx, key)
}

// UpdatePhaseProgress records completion progress of the phase in progress.
func (e Engine) UpdatePhaseProgress(ctx context.Context, projectID string, seq, pct int) (domain.Phase, error) {
	var zero domain.Phase
	if pct < 0 || pct > 100 {
		return zero, domain.ValidationError{Field: "completion_pct", Reason: "must be in [0,100]"}
	}
	var out domain.Phase
	err := db.WithRetry(ctx, "lifecycle.update_phase", func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		project, err := e.Repo.GetProjectTx(ctx, tx, projectID)
		if err != nil {
			return err
		}
		if project.Status != domain.StatusActivated {
			return domain.InvalidTransitionError{EntityID: projectID, From: project.Status, Command: "update_phase"}
		}
		ph, ok := phaseBySeq(project.Phases, seq)
		if !ok {
			return repo.ErrNotFound
		}
		if ph.Status != domain.PhaseInProgress {
			return domain.ValidationError{Field: "seq", Reason: "only the phase in progress accepts progress updates"}
		}
		ph.CompletionPct = pct
		if err := e.Repo.UpdatePhaseTx(ctx, tx, ph); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		out = ph
		return nil
	})
	if err != nil {
		return zero, err
	}
	return out, nil
}

// SignOffPhase marks a fully progressed phase completed. Sign-off is the
// explicit gate advance_phase checks for.
func (e Engine) SignOffPhase(ctx context.Context, projectID string, seq int, actor string) (domain.Phase, error) {
	var out domain.Phase
	err := db.WithRetry(ctx, "lifecycle.sign_off_phase", func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		project, err := e.Repo.GetProjectTx(ctx, tx, projectID)
		if err != nil {
			return err
		}
		if project.Status != domain.StatusActivated {
			return domain.InvalidTransitionError{EntityID: projectID, From: project.Status, Command: "sign_off_phase"}
		}
		ph, ok := phaseBySeq(project.Phases, seq)
		if !ok {
			return repo.ErrNotFound
		}
		if ph.Status != domain.PhaseInProgress || ph.CompletionPct != 100 {
			return domain.ValidationError{Field: "seq", Reason: "phase must be in progress at 100% to sign off"}
		}
		nowStr := e.now().UTC().Format(time.RFC3339)
		ph.Status = domain.PhaseCompleted
		ph.EndedAt = nowStr
		if err := e.Repo.UpdatePhaseTx(ctx, tx, ph); err != nil {
			return err
		}
		if err := e.Audit.Append(ctx, tx, audit.Entry{
			ActorID:    actor,
			EntityKind: "phase",
			EntityID:   project.ID,
			FromStatus: domain.PhaseInProgress,
			ToStatus:   domain.PhaseCompleted,
			Reason:     fmt.Sprintf("phase %d (%s)", ph.Seq, ph.Name),
		}); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		out = ph
		return nil
	})
	if err != nil {
		return domain.Phase{}, err
	}
	return out, nil
}

func phaseBySeq(phases []domain.Phase, seq int) (domain.Phase, bool) {
	for _, ph := range phases {
		if ph.Seq == seq {
			return ph, true
		}
	}
	return domain.Phase{}, false
}

// resolveInitiativeTx accepts either an initiative ID or a project ID.
func (e Engine) resolveInitiativeTx(ctx context.Context, tx *sql.Tx, id string) (domain.Initiative, error) {
	ini, err := e.Repo.GetInitiativeTx(ctx, tx, id)
	if err == nil {
		return ini, nil
	}
	if err != repo.ErrNotFound {
		return domain.Initiative{}, err
	}
	project, err := e.Repo.GetProjectTx(ctx, tx, id)
	if err != nil {
		return domain.Initiative{}, err
	}
	return e.Repo.GetInitiativeTx(ctx, tx, project.InitiativeID)
}

func (e Engine) resolveInitiative(ctx context.Context, id string) (domain.Initiative, error) {
	ini, err := e.Repo.GetInitiative(ctx, id)
	if err == nil {
		return ini, nil
	}
	if err != repo.ErrNotFound {
		return domain.Initiative{}, err
	}
	project, err := e.Repo.GetProject(ctx, id)
	if err != nil {
		return domain.Initiative{}, err
	}
	return e.Repo.GetInitiative(ctx, project.InitiativeID)
}

// projectForTx loads the project activated from an initiative inside a tx.
func (e Engine) projectForTx(ctx context.Context, tx *sql.Tx, initiativeID string) (domain.Project, error) {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM projects WHERE initiative_id=?`, initiativeID).Scan(&id)
	if err == sql.ErrNoRows {
		return domain.Project{}, repo.ErrNotFound
	}
	if err != nil {
		return domain.Project{}, err
	}
	return e.Repo.GetProjectTx(ctx, tx, id)
}
