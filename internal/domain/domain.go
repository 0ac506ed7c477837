package domain

// Status is the canonical lifecycle status owned by the lifecycle engine.
// UI layers project these values; they never own their own variants.
type Status string

const (
	StatusDraft            Status = "draft"
	StatusSubmitted        Status = "submitted"
	StatusUnderReview      Status = "under_review"
	StatusScoring          Status = "scoring"
	StatusCommitteePending Status = "committee_pending"
	StatusApproved         Status = "approved"
	StatusRejected         Status = "rejected"
	StatusReserved         Status = "reserved"
	StatusActivated        Status = "activated"
	StatusSuspended        Status = "suspended"
	StatusClosed           Status = "closed"
	StatusRemoved          Status = "removed"
)

// Terminal reports whether no further transition is permitted except
// reinstatement as a new initiative.
func (s Status) Terminal() bool {
	return s == StatusRejected || s == StatusClosed || s == StatusRemoved
}

type Initiative struct {
	ID               string `json:"id"`
	Code             string `json:"code,omitempty"`
	Title            string `json:"title"`
	Description      string `json:"description,omitempty"`
	Justification    string `json:"justification,omitempty"`
	ExpectedBenefits string `json:"expected_benefits,omitempty"`
	Area             string `json:"area"`
	RequestedAmount  int64  `json:"requested_amount"`
	Urgency          string `json:"urgency" enum:"low,normal,high,critical"`
	Classification   string `json:"classification,omitempty" enum:"standard,high,strategic"`
	Status           Status `json:"status"`
	ReserveExpiry    string `json:"reserve_expiry,omitempty" format:"date-time"`
	SuspendedPhase   int    `json:"-"`
	Version          int64  `json:"version"`
	CreatedAt        string `json:"created_at" format:"date-time"`
	UpdatedAt        string `json:"updated_at" format:"date-time"`
}

// Feasibility dimensions. A report is ready for committee only when all three
// carry an explicit verdict.
const (
	DimensionTechnical   = "technical"
	DimensionFinancial   = "financial"
	DimensionOperational = "operational"
)

func Dimensions() []string {
	return []string{DimensionTechnical, DimensionFinancial, DimensionOperational}
}

const (
	VerdictViable       = "viable"
	VerdictNotViable    = "not_viable"
	VerdictUndetermined = "undetermined"
)

type DimensionScore struct {
	InitiativeID string `json:"initiative_id"`
	Dimension    string `json:"dimension" enum:"technical,financial,operational"`
	SubScores    []int  `json:"sub_scores"`
	Verdict      string `json:"verdict" enum:"viable,not_viable,undetermined"`
	ScoredBy     string `json:"scored_by,omitempty"`
	UpdatedAt    string `json:"updated_at" format:"date-time"`
}

type FeasibilityReport struct {
	InitiativeID string           `json:"initiative_id"`
	Dimensions   []DimensionScore `json:"dimensions"`
	Ready        bool             `json:"ready"`
}

type CommitteeSession struct {
	ID            string   `json:"id"`
	ScheduledDate string   `json:"scheduled_date" format:"date-time"`
	Status        string   `json:"status" enum:"scheduled,in_session,closed"`
	Reviewers     []string `json:"reviewers"`
	Agenda        []string `json:"agenda"`
	Version       int64    `json:"version"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
}

const (
	SessionScheduled = "scheduled"
	SessionInSession = "in_session"
	SessionClosed    = "closed"
)

const (
	VoteApprove = "approve"
	VoteReject  = "reject"
	VoteVeto    = "veto"
)

type Vote struct {
	SessionID    string `json:"session_id"`
	InitiativeID string `json:"initiative_id"`
	ReviewerID   string `json:"reviewer_id"`
	Choice       string `json:"choice" enum:"approve,reject,veto"`
	CastAt       string `json:"cast_at" format:"date-time"`
}

// VoteOutcome is the stored resolution of one agenda item.
type VoteOutcome struct {
	SessionID    string `json:"session_id"`
	InitiativeID string `json:"initiative_id"`
	Result       string `json:"result" enum:"approved,rejected,undetermined"`
	VotesCast    int    `json:"votes_cast"`
	Approvals    int    `json:"approvals"`
	Rejections   int    `json:"rejections"`
	Vetoes       int    `json:"vetoes"`
	ResolvedAt   string `json:"resolved_at" format:"date-time"`
}

const (
	OutcomeApproved     = "approved"
	OutcomeRejected     = "rejected"
	OutcomeUndetermined = "undetermined"
)

// PhaseNames are the six implementation phases in execution order.
var PhaseNames = [6]string{"Planning", "Analysis", "Construction", "Testing", "Transition", "GoLive"}

const (
	PhasePending    = "pending"
	PhaseInProgress = "in_progress"
	PhaseCompleted  = "completed"
	PhaseBlocked    = "blocked"
)

type Phase struct {
	ProjectID     string `json:"project_id"`
	Seq           int    `json:"seq"`
	Name          string `json:"name"`
	Status        string `json:"status" enum:"pending,in_progress,completed,blocked"`
	CompletionPct int    `json:"completion_pct"`
	StartedAt     string `json:"started_at,omitempty" format:"date-time"`
	EndedAt       string `json:"ended_at,omitempty" format:"date-time"`
}

type Project struct {
	ID             string  `json:"id"`
	Code           string  `json:"code"`
	InitiativeID   string  `json:"initiative_id"`
	Name           string  `json:"name"`
	BudgetApproved int64   `json:"budget_approved"`
	Status         Status  `json:"status" enum:"activated,suspended,closed"`
	CurrentPhase   int     `json:"current_phase"`
	SuspendReason  string  `json:"suspend_reason,omitempty"`
	Phases         []Phase `json:"phases,omitempty"`
	Version        int64   `json:"version"`
	ActivatedAt    string  `json:"activated_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

// Progress derives the overall completion percentage from the phases; it is
// never stored.
func (p Project) Progress() int {
	if len(p.Phases) == 0 {
		return 0
	}
	total := 0
	for _, ph := range p.Phases {
		total += ph.CompletionPct
	}
	return total / len(p.Phases)
}

const (
	CategoryCapex = "capex"
	CategoryOpex  = "opex"
)

type BudgetLine struct {
	OwnerID   string `json:"owner_id"`
	Category  string `json:"category" enum:"capex,opex"`
	Approved  int64  `json:"approved"`
	Committed int64  `json:"committed"`
	Executed  int64  `json:"executed"`
	Frozen    bool   `json:"frozen"`
	Version   int64  `json:"version"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// BudgetPeriod is one reporting period of planned vs actual spend.
type BudgetPeriod struct {
	OwnerID string `json:"owner_id"`
	Period  string `json:"period"` // YYYY-MM
	Planned int64  `json:"planned"`
	Actual  int64  `json:"actual"`
}

// CurvePoint is a cumulative point of the planned-vs-actual series.
type CurvePoint struct {
	Period            string `json:"period"`
	PlannedCumulative int64  `json:"planned_cumulative"`
	ActualCumulative  int64  `json:"actual_cumulative"`
}

// BudgetMetrics are derived earned-value figures. CPI and SPI are nil when
// their denominator is zero; callers must handle that explicitly.
type BudgetMetrics struct {
	ExecutionPct float64  `json:"execution_pct"`
	Variance     int64    `json:"variance"`
	EarnedValue  int64    `json:"earned_value"`
	CPI          *float64 `json:"cpi,omitempty"`
	SPI          *float64 `json:"spi,omitempty"`
	OverrunAlert bool     `json:"overrun_alert"`
}

type AuditEvent struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	ActorID    string `json:"actor_id"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	FromStatus string `json:"from_status,omitempty"`
	ToStatus   string `json:"to_status"`
	Reason     string `json:"reason,omitempty"`
}

type DocumentRef struct {
	ID         string `json:"id"`
	OwnerID    string `json:"owner_id"`
	Name       string `json:"name"`
	SizeBytes  int64  `json:"size_bytes"`
	Category   string `json:"category,omitempty"`
	UploaderID string `json:"uploader_id"`
	UploadedAt string `json:"uploaded_at" format:"date-time"`
}

// ChecklistItem is a closure gate recorded by an external collaborator.
type ChecklistItem struct {
	ProjectID  string `json:"project_id"`
	Kind       string `json:"kind"`
	ActorID    string `json:"actor_id"`
	RecordedAt string `json:"recorded_at" format:"date-time"`
}

type ClosureRecord struct {
	ProjectID     string   `json:"project_id"`
	ClosedAt      string   `json:"closed_at" format:"date-time"`
	DurationDays  int      `json:"duration_days"`
	FinalCPI      *float64 `json:"final_cpi,omitempty"`
	FinalSPI      *float64 `json:"final_spi,omitempty"`
	FinalVariance int64    `json:"final_variance"`
	Lessons       string   `json:"lessons,omitempty"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// SuspendReasons are the accepted reason categories for suspending an
// activated project.
var SuspendReasons = []string{"budget", "resources", "priority", "external", "review"}

// RemoveReasons are the accepted reason categories for removing a reserved
// initiative.
var RemoveReasons = []string{"expiry", "obsolete", "duplicate", "discarded", "merged"}

// Classification thresholds in minor currency units: standard below 300M,
// high up to 1500M, strategic above.
const (
	classificationStandardMax = 300_000_000
	classificationHighMax     = 1_500_000_000
)

// Classify buckets an initiative by requested amount.
func Classify(amount int64) string {
	switch {
	case amount > classificationHighMax:
		return "strategic"
	case amount > classificationStandardMax:
		return "high"
	default:
		return "standard"
	}
}
