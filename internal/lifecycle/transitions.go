package lifecycle

import (
	"pmoline/internal/domain"
)

// Transition commands accepted by the single Transition entry point.
const (
	CommandSubmit          = "submit"
	CommandStartReview     = "start_review"
	CommandStartScoring    = "start_scoring"
	CommandSendToCommittee = "send_to_committee"
	CommandApplyResult     = "apply_committee_result"
	CommandActivate        = "activate"
	CommandAdvancePhase    = "advance_phase"
	CommandSuspend         = "suspend"
	CommandResume          = "resume"
	CommandRemove          = "remove"
	CommandClose           = "close"
	CommandReinstate       = "reinstate"
)

// ensureTransition checks that a command is legal from the current status.
// Everything not explicitly allowed fails.
func ensureTransition(entityID string, from domain.Status, command string) error {
	ok := false
	switch command {
	case CommandSubmit:
		ok = from == domain.StatusDraft
	case CommandStartReview:
		ok = from == domain.StatusSubmitted
	case CommandStartScoring:
		ok = from == domain.StatusUnderReview
	case CommandSendToCommittee:
		ok = from == domain.StatusScoring
	case CommandApplyResult:
		ok = from == domain.StatusCommitteePending
	case CommandActivate:
		ok = from == domain.StatusReserved
	case CommandAdvancePhase, CommandSuspend:
		ok = from == domain.StatusActivated
	case CommandResume:
		ok = from == domain.StatusSuspended
	case CommandRemove:
		ok = from == domain.StatusReserved
	case CommandClose:
		ok = from == domain.StatusActivated
	case CommandReinstate:
		ok = from == domain.StatusRejected || from == domain.StatusRemoved
	}
	if !ok {
		return domain.InvalidTransitionError{EntityID: entityID, From: from, Command: command}
	}
	return nil
}

func validReason(reason string, accepted []string) bool {
	for _, r := range accepted {
		if r == reason {
			return true
		}
	}
	return false
}
