package server

import (
	"pmoline/internal/domain"
)

type CreateInitiativeRequest struct {
	Title            string `json:"title" example:"Payments platform revamp"`
	Description      string `json:"description,omitempty"`
	Justification    string `json:"justification,omitempty"`
	ExpectedBenefits string `json:"expected_benefits,omitempty"`
	Area             string `json:"area" example:"technology"`
	RequestedAmount  int64  `json:"requested_amount" example:"250000000"`
	Urgency          string `json:"urgency,omitempty" enum:"low,normal,high,critical"`
}

// TransitionRequest is the shared body of every lifecycle command route.
type TransitionRequest struct {
	Reason          string `json:"reason,omitempty"`
	SessionID       string `json:"session_id,omitempty"`
	ExpectedVersion int64  `json:"expected_version,omitempty"`
	IdempotencyKey  string `json:"idempotency_key,omitempty"`
}

type InitiativeResponse struct {
	ID               string `json:"id"`
	Code             string `json:"code,omitempty"`
	Title            string `json:"title"`
	Description      string `json:"description,omitempty"`
	Justification    string `json:"justification,omitempty"`
	ExpectedBenefits string `json:"expected_benefits,omitempty"`
	Area             string `json:"area"`
	RequestedAmount  int64  `json:"requested_amount"`
	Urgency          string `json:"urgency"`
	Classification   string `json:"classification,omitempty"`
	Status           string `json:"status"`
	ReserveExpiry    string `json:"reserve_expiry,omitempty"`
	Version          int64  `json:"version"`
	CreatedAt        string `json:"created_at"`
	UpdatedAt        string `json:"updated_at"`
}

func initiativeResponse(ini domain.Initiative) InitiativeResponse {
	return InitiativeResponse{
		ID:               ini.ID,
		Code:             ini.Code,
		Title:            ini.Title,
		Description:      ini.Description,
		Justification:    ini.Justification,
		ExpectedBenefits: ini.ExpectedBenefits,
		Area:             ini.Area,
		RequestedAmount:  ini.RequestedAmount,
		Urgency:          ini.Urgency,
		Classification:   ini.Classification,
		Status:           string(ini.Status),
		ReserveExpiry:    ini.ReserveExpiry,
		Version:          ini.Version,
		CreatedAt:        ini.CreatedAt,
		UpdatedAt:        ini.UpdatedAt,
	}
}

func mapInitiatives(items []domain.Initiative) []InitiativeResponse {
	res := make([]InitiativeResponse, 0, len(items))
	for _, ini := range items {
		res = append(res, initiativeResponse(ini))
	}
	return res
}

type SubmitScoreRequest struct {
	SubScores []int `json:"sub_scores" example:"[4,3,5]"`
}

type FinalizeDimensionRequest struct {
	Verdict string `json:"verdict" enum:"viable,not_viable"`
}

type ScheduleSessionRequest struct {
	ScheduledDate string   `json:"scheduled_date" format:"date-time"`
	Reviewers     []string `json:"reviewers"`
	Agenda        []string `json:"agenda"`
}

type CastVoteRequest struct {
	InitiativeID string `json:"initiative_id"`
	Choice       string `json:"choice" enum:"approve,reject,veto"`
}

type PhaseResponse struct {
	Seq           int    `json:"seq"`
	Name          string `json:"name"`
	Status        string `json:"status"`
	CompletionPct int    `json:"completion_pct"`
	StartedAt     string `json:"started_at,omitempty"`
	EndedAt       string `json:"ended_at,omitempty"`
}

type ProjectResponse struct {
	ID             string          `json:"id"`
	Code           string          `json:"code,omitempty"`
	InitiativeID   string          `json:"initiative_id"`
	Name           string          `json:"name"`
	BudgetApproved int64           `json:"budget_approved"`
	Status         string          `json:"status"`
	CurrentPhase   int             `json:"current_phase"`
	SuspendReason  string          `json:"suspend_reason,omitempty"`
	Progress       int             `json:"progress"`
	Phases         []PhaseResponse `json:"phases,omitempty"`
	Version        int64           `json:"version"`
	ActivatedAt    string          `json:"activated_at"`
	UpdatedAt      string          `json:"updated_at"`
}

func projectResponse(p domain.Project) ProjectResponse {
	res := ProjectResponse{
		ID:             p.ID,
		Code:           p.Code,
		InitiativeID:   p.InitiativeID,
		Name:           p.Name,
		BudgetApproved: p.BudgetApproved,
		Status:         string(p.Status),
		CurrentPhase:   p.CurrentPhase,
		SuspendReason:  p.SuspendReason,
		Progress:       p.Progress(),
		Version:        p.Version,
		ActivatedAt:    p.ActivatedAt,
		UpdatedAt:      p.UpdatedAt,
	}
	for _, ph := range p.Phases {
		res.Phases = append(res.Phases, PhaseResponse{
			Seq:           ph.Seq,
			Name:          ph.Name,
			Status:        ph.Status,
			CompletionPct: ph.CompletionPct,
			StartedAt:     ph.StartedAt,
			EndedAt:       ph.EndedAt,
		})
	}
	return res
}

func mapProjects(items []domain.Project) []ProjectResponse {
	res := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		res = append(res, projectResponse(p))
	}
	return res
}

type PhaseProgressRequest struct {
	CompletionPct int `json:"completion_pct" minimum:"0" maximum:"100"`
}

type BudgetPostRequest struct {
	Amount int64 `json:"amount"`
}

type BudgetPeriodRequest struct {
	Planned int64 `json:"planned"`
	Actual  int64 `json:"actual"`
}

type CloseProjectRequest struct {
	Lessons string `json:"lessons,omitempty"`
}

type CreateDocumentRequest struct {
	OwnerID   string `json:"owner_id"`
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
	Category  string `json:"category,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"` // plaintext, returned only at creation
	CreatedAt string `json:"created_at"`
}
